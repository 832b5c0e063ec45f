package audit

import (
	"context"
	"sync"
)

var _ Auditor = (*InMemoryAuditor)(nil)

// InMemoryAuditor keeps entries in memory. Used in tests.
type InMemoryAuditor struct {
	mu      sync.Mutex
	entries []Entry
}

func NewInMemoryAuditor() *InMemoryAuditor {
	return &InMemoryAuditor{}
}

func (i *InMemoryAuditor) Log(_ context.Context, entry Entry) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries = append(i.entries, entry)
	return nil
}

// Entries returns a copy of everything logged so far, oldest first.
func (i *InMemoryAuditor) Entries() []Entry {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Entry, len(i.entries))
	copy(out, i.entries)
	return out
}

// Find returns the entries matching filter, oldest first.
func (i *InMemoryAuditor) Find(filter func(Entry) bool) []Entry {
	i.mu.Lock()
	defer i.mu.Unlock()
	var matches []Entry
	for _, e := range i.entries {
		if filter(e) {
			matches = append(matches, e)
		}
	}
	return matches
}

func (i *InMemoryAuditor) Close() error {
	return nil
}

// Package storagetest opens throwaway in-memory SQLite databases with the
// LTI schema applied, for use in other packages' tests.
package storagetest

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/mind-engage/mindengage-lti/internal/storage"
)

var seq atomic.Int64

// Open returns a migrated, isolated in-memory database that is closed when
// the test ends.
func Open(t testing.TB) *storage.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))

	ctx := context.Background()
	db, err := storage.Connect(ctx, "sqlite", dsn)
	if err != nil {
		t.Fatalf("storagetest: connect: %v", err)
	}
	if err := storage.Up(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("storagetest: migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// internal/lti/jwks_cache.go
package lti

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const maxJWKSBytes = 1 << 20

// KeyProvider supplies a platform's verification keys.
type KeyProvider interface {
	// Keys returns the cached set, fetching it when missing or stale.
	Keys(ctx context.Context, d Deployment) (*KeySet, error)
	// Refresh forces a refetch (rate limited) after a kid miss.
	Refresh(ctx context.Context, d Deployment) (*KeySet, error)
}

type JWKSCacheOptions struct {
	TTL            time.Duration // fresh lifetime, default 1h
	FetchTimeout   time.Duration // per HTTP fetch, default 10s
	FailureBackoff time.Duration // serve stale without refetching, default 30s
	MinRefresh     time.Duration // min gap between forced refreshes, default 60s
	HTTPClient     *http.Client
	Now            func() time.Time
}

// JWKSCache caches key sets per JWKS URL. Concurrent misses for one URL share
// a single fetch, and a failed refresh keeps serving the last good set.
type JWKSCache struct {
	opts JWKSCacheOptions

	mu      sync.RWMutex
	entries map[string]*jwksEntry
	group   singleflight.Group
}

type jwksEntry struct {
	keys        *KeySet
	fetchedAt   time.Time // last success
	lastAttempt time.Time // last fetch, success or not
	lastErr     error
}

var _ KeyProvider = (*JWKSCache)(nil)

func NewJWKSCache(opts JWKSCacheOptions) *JWKSCache {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.FailureBackoff <= 0 {
		opts.FailureBackoff = 30 * time.Second
	}
	if opts.MinRefresh <= 0 {
		opts.MinRefresh = time.Minute
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &JWKSCache{opts: opts, entries: make(map[string]*jwksEntry)}
}

func (c *JWKSCache) Keys(ctx context.Context, d Deployment) (*KeySet, error) {
	const op = "jwks.Keys"
	url := d.JWKSURL
	now := c.opts.Now()
	e := c.snapshot(url)

	if e.keys != nil && now.Sub(e.fetchedAt) < c.opts.TTL {
		return e.keys, nil
	}
	if e.lastErr != nil && now.Sub(e.lastAttempt) < c.opts.FailureBackoff {
		if e.keys != nil {
			return e.keys, nil
		}
		return nil, newErr(KindKeyFetchFailure, op, url, e.lastErr)
	}

	keys, err := c.fetchShared(ctx, url)
	if err == nil {
		return keys, nil
	}
	if e.keys != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str("jwks_url", url).
			Time("fetched_at", e.fetchedAt).
			Msg("jwks refresh failed, serving stale key set")
		return e.keys, nil
	}
	return nil, newErr(KindKeyFetchFailure, op, url, err)
}

func (c *JWKSCache) Refresh(ctx context.Context, d Deployment) (*KeySet, error) {
	const op = "jwks.Refresh"
	url := d.JWKSURL
	now := c.opts.Now()
	e := c.snapshot(url)

	if !e.lastAttempt.IsZero() && now.Sub(e.lastAttempt) < c.opts.MinRefresh {
		if e.keys == nil {
			return nil, newErr(KindKeyFetchFailure, op, url, e.lastErr)
		}
		return e.keys, nil
	}

	keys, err := c.fetchShared(ctx, url)
	if err == nil {
		return keys, nil
	}
	if e.keys != nil {
		log.Ctx(ctx).Warn().Err(err).Str("jwks_url", url).Msg("forced jwks refresh failed, serving stale key set")
		return e.keys, nil
	}
	return nil, newErr(KindKeyFetchFailure, op, url, err)
}

// snapshot copies the entry for url (zero value when absent).
func (c *JWKSCache) snapshot(url string) jwksEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[url]; ok {
		return *e
	}
	return jwksEntry{}
}

// fetchShared joins or starts the in-flight fetch for url. The fetch runs
// detached from the caller's cancellation; a cancelled caller just stops waiting.
func (c *JWKSCache) fetchShared(ctx context.Context, url string) (*KeySet, error) {
	ch := c.group.DoChan(url, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FetchTimeout)
		defer cancel()
		keys, err := c.fetch(fctx, url)
		c.record(url, keys, err)
		return keys, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*KeySet), nil
	}
}

func (c *JWKSCache) record(url string, keys *KeySet, err error) {
	now := c.opts.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[url]
	if !ok {
		e = &jwksEntry{}
		c.entries[url] = e
	}
	e.lastAttempt = now
	e.lastErr = err
	if err == nil {
		e.keys = keys
		e.fetchedAt = now
	}
}

func (c *JWKSCache) fetch(ctx context.Context, url string) (*KeySet, error) {
	if url == "" {
		return nil, errors.New("jwks: deployment has no jwks_url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("jwks: build request: %w", err)
	}
	req.Header.Set("Accept", "application/jwk-set+json, application/json")

	start := time.Now()
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("jwks: fetch: platform returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes+1))
	if err != nil {
		return nil, fmt.Errorf("jwks: read body: %w", err)
	}
	if len(body) > maxJWKSBytes {
		return nil, fmt.Errorf("jwks: body exceeds %d bytes", maxJWKSBytes)
	}
	keys, err := ParseKeySet(body)
	if err != nil {
		return nil, err
	}
	log.Ctx(ctx).Debug().Str("jwks_url", url).Int("keys", keys.Len()).
		Dur("took", time.Since(start)).Msg("jwks fetched")
	return keys, nil
}

package lti

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mind-engage/mindengage-lti/internal/storage/storagetest"
)

// clock is a settable time source shared by the store tests.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, ttl time.Duration, now func() time.Time) LaunchStore

func launchStores() map[string]storeFactory {
	return map[string]storeFactory{
		"sql": func(t *testing.T, ttl time.Duration, now func() time.Time) LaunchStore {
			s := NewSQLLaunchStore(storagetest.Open(t), ttl)
			s.now = now
			return s
		},
		"memory": func(t *testing.T, ttl time.Duration, now func() time.Time) LaunchStore {
			s := NewMemoryLaunchStore(ttl)
			s.now = now
			return s
		},
		"redis": func(t *testing.T, ttl time.Duration, now func() time.Time) LaunchStore {
			mr := miniredis.RunT(t)
			s := NewRedisLaunchStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), ttl)
			s.now = now
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestLaunchStoreCreateConsume(t *testing.T) {
	for name, factory := range launchStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := newClock()
			s := factory(t, DefaultLaunchTTL, clk.Now)

			pl, err := s.Create(ctx, "dep-1", "https://tool.example.com/activity", "hint-1")
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if len(pl.State) < 43 || len(pl.Nonce) < 43 || pl.State == pl.Nonce {
				t.Fatalf("weak state/nonce: %q %q", pl.State, pl.Nonce)
			}
			if !pl.ExpiresAt.Equal(pl.CreatedAt.Add(DefaultLaunchTTL)) {
				t.Fatalf("expiry %v, created %v", pl.ExpiresAt, pl.CreatedAt)
			}

			got, err := s.Consume(ctx, pl.State)
			if err != nil {
				t.Fatalf("Consume: %v", err)
			}
			if got.Nonce != pl.Nonce || got.DeploymentID != "dep-1" || got.LoginHint != "hint-1" ||
				got.TargetLinkURI != "https://tool.example.com/activity" {
				t.Fatalf("consumed %+v, created %+v", got, pl)
			}

			if _, err := s.Consume(ctx, pl.State); !errors.Is(err, ErrStateNotFound) {
				t.Fatalf("second Consume err = %v, want ErrStateNotFound", err)
			}
			if _, err := s.Consume(ctx, "never-issued"); !errors.Is(err, ErrStateNotFound) {
				t.Fatalf("unknown state err = %v", err)
			}
		})
	}
}

func TestLaunchStoreStatesAreUnique(t *testing.T) {
	for name, factory := range launchStores() {
		t.Run(name, func(t *testing.T) {
			s := factory(t, DefaultLaunchTTL, time.Now)
			seen := make(map[string]bool)
			for i := 0; i < 50; i++ {
				pl, err := s.Create(context.Background(), "dep-1", "https://tool.example.com", "")
				if err != nil {
					t.Fatalf("Create: %v", err)
				}
				if seen[pl.State] || seen[pl.Nonce] {
					t.Fatalf("repeated value after %d creates", i)
				}
				seen[pl.State], seen[pl.Nonce] = true, true
			}
		})
	}
}

func TestLaunchStoreExpiry(t *testing.T) {
	for name, factory := range launchStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := newClock()
			s := factory(t, time.Minute, clk.Now)

			pl, err := s.Create(ctx, "dep-1", "https://tool.example.com", "")
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			clk.Advance(time.Minute)

			_, err = s.Consume(ctx, pl.State)
			if !errors.Is(err, ErrStateExpired) {
				t.Fatalf("Consume after expiry err = %v, want ErrStateExpired", err)
			}
			// an expired record is still removed
			if _, err := s.Consume(ctx, pl.State); !errors.Is(err, ErrStateNotFound) {
				t.Fatalf("after expiry err = %v, want ErrStateNotFound", err)
			}
		})
	}
}

func TestLaunchStoreConcurrentConsume(t *testing.T) {
	for name, factory := range launchStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t, DefaultLaunchTTL, time.Now)
			pl, err := s.Create(ctx, "dep-1", "https://tool.example.com", "")
			if err != nil {
				t.Fatalf("Create: %v", err)
			}

			const n = 16
			var (
				wg      sync.WaitGroup
				wins    atomic.Int32
				start   = make(chan struct{})
				badErrs = make(chan error, n)
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := s.Consume(ctx, pl.State)
					switch {
					case err == nil:
						wins.Add(1)
					case !errors.Is(err, ErrStateNotFound):
						badErrs <- err
					}
				}()
			}
			close(start)
			wg.Wait()
			close(badErrs)

			for err := range badErrs {
				t.Errorf("unexpected error: %v", err)
			}
			if got := wins.Load(); got != 1 {
				t.Fatalf("%d consumers succeeded, want exactly 1", got)
			}
		})
	}
}

func TestSQLLaunchStoreReap(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	s := NewSQLLaunchStore(storagetest.Open(t), time.Minute)
	s.now = clk.Now

	old, _ := s.Create(ctx, "dep-1", "https://tool.example.com", "")
	clk.Advance(30 * time.Second)
	fresh, _ := s.Create(ctx, "dep-1", "https://tool.example.com", "")
	clk.Advance(45 * time.Second)

	n, err := s.Reap(ctx)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	if _, err := s.Consume(ctx, old.State); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("old state err = %v", err)
	}
	if _, err := s.Consume(ctx, fresh.State); err != nil {
		t.Fatalf("fresh state: %v", err)
	}
}

func TestMemoryLaunchStoreReap(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	s := NewMemoryLaunchStore(time.Minute)
	s.now = clk.Now

	for i := 0; i < 3; i++ {
		if _, err := s.Create(ctx, "dep-1", "https://tool.example.com", ""); err != nil {
			t.Fatal(err)
		}
	}
	clk.Advance(2 * time.Minute)
	n, _ := s.Reap(ctx)
	if n != 3 {
		t.Fatalf("reaped %d, want 3", n)
	}
}

func TestRedisLaunchStoreServerTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := NewRedisLaunchStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)

	pl, err := s.Create(ctx, "dep-1", "https://tool.example.com", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ttl := mr.TTL(redisLaunchPrefix + pl.State); ttl != time.Minute {
		t.Fatalf("server ttl = %v", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := s.Consume(ctx, pl.State); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("err = %v, want ErrStateNotFound once redis dropped the key", err)
	}
}

func TestRunReaperStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemoryLaunchStore(time.Millisecond)
	_, _ = s.Create(ctx, "dep-1", "https://tool.example.com", "")

	done := make(chan struct{})
	go func() {
		RunReaper(ctx, s, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.entries)
		s.mu.Unlock()
		if n == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("reaper never removed the expired entry")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("RunReaper did not return after cancel")
	}
}

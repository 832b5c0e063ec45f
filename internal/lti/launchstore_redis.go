package lti

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisLaunchPrefix = "lti:launch:"

// RedisLaunchStore shares pending launches between instances. Records are
// written with SET NX EX and consumed with GETDEL, so expiry and single use
// are enforced by Redis itself.
type RedisLaunchStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

var _ LaunchStore = (*RedisLaunchStore)(nil)

// DialRedisLaunchStore parses url (redis://...) and pings the server.
func DialRedisLaunchStore(ctx context.Context, url string, ttl time.Duration) (*RedisLaunchStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("launchstore: redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("launchstore: redis ping: %w", err)
	}
	return NewRedisLaunchStore(rdb, ttl), nil
}

func NewRedisLaunchStore(rdb *redis.Client, ttl time.Duration) *RedisLaunchStore {
	if ttl <= 0 {
		ttl = DefaultLaunchTTL
	}
	return &RedisLaunchStore{rdb: rdb, ttl: ttl, now: time.Now}
}

func (s *RedisLaunchStore) Create(ctx context.Context, deploymentID, targetLinkURI, loginHint string) (PendingLaunch, error) {
	pl, err := newPendingLaunch(deploymentID, targetLinkURI, loginHint, s.now().UTC(), s.ttl)
	if err != nil {
		return PendingLaunch{}, err
	}
	payload, err := json.Marshal(pl)
	if err != nil {
		return PendingLaunch{}, fmt.Errorf("launchstore: marshal: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, redisLaunchPrefix+pl.State, payload, s.ttl).Result()
	if err != nil {
		return PendingLaunch{}, fmt.Errorf("launchstore: redis set: %w", err)
	}
	if !ok {
		return PendingLaunch{}, errors.New("launchstore: state collision")
	}
	return pl, nil
}

func (s *RedisLaunchStore) Consume(ctx context.Context, state string) (PendingLaunch, error) {
	if state == "" {
		return PendingLaunch{}, ErrStateNotFound
	}
	val, err := s.rdb.GetDel(ctx, redisLaunchPrefix+state).Result()
	if errors.Is(err, redis.Nil) {
		return PendingLaunch{}, ErrStateNotFound
	}
	if err != nil {
		return PendingLaunch{}, fmt.Errorf("launchstore: redis getdel: %w", err)
	}
	var pl PendingLaunch
	if err := json.Unmarshal([]byte(val), &pl); err != nil {
		return PendingLaunch{}, fmt.Errorf("launchstore: decode: %w", err)
	}
	// Redis expiry has second granularity; the record's own deadline is exact.
	if !s.now().Before(pl.ExpiresAt) {
		return PendingLaunch{}, ErrStateExpired
	}
	return pl, nil
}

func (s *RedisLaunchStore) Close() error {
	return s.rdb.Close()
}

// internal/lti/launchstore.go
package lti

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mind-engage/mindengage-lti/internal/storage"
)

// DefaultLaunchTTL bounds how long a login may wait for its launch.
const DefaultLaunchTTL = 10 * time.Minute

// PendingLaunch is the single-use record created at login and consumed at launch.
type PendingLaunch struct {
	State         string    `json:"state"`
	Nonce         string    `json:"nonce"`
	DeploymentID  string    `json:"deployment_id"` // internal Deployment.ID
	TargetLinkURI string    `json:"target_link_uri"`
	LoginHint     string    `json:"login_hint,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// LaunchStore holds PendingLaunch records between the two protocol steps.
// Consume must be atomic: of any number of concurrent calls for one state,
// at most one returns the record.
type LaunchStore interface {
	Create(ctx context.Context, deploymentID, targetLinkURI, loginHint string) (PendingLaunch, error)
	// Consume returns ErrStateNotFound or ErrStateExpired when the state
	// cannot be used. The record is gone afterwards either way.
	Consume(ctx context.Context, state string) (PendingLaunch, error)
}

// Reaper is implemented by stores that need expired records swept.
type Reaper interface {
	Reap(ctx context.Context) (int64, error)
}

// newPendingLaunch draws fresh state and nonce values.
func newPendingLaunch(deploymentID, targetLinkURI, loginHint string, now time.Time, ttl time.Duration) (PendingLaunch, error) {
	state, err := randomToken()
	if err != nil {
		return PendingLaunch{}, err
	}
	nonce, err := randomToken()
	if err != nil {
		return PendingLaunch{}, err
	}
	return PendingLaunch{
		State:         state,
		Nonce:         nonce,
		DeploymentID:  deploymentID,
		TargetLinkURI: targetLinkURI,
		LoginHint:     loginHint,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}, nil
}

// randomToken returns 256 random bits, base64url without padding.
func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lti: random token: %w", err)
	}
	return b64url(b), nil
}

func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// ------------------------------- SQL store ----------------------------------

// SQLLaunchStore keeps pending launches in lti_pending_launches. Consume is a
// single DELETE ... RETURNING, so concurrent consumers race on the row delete.
type SQLLaunchStore struct {
	db  *storage.DB
	ttl time.Duration
	now func() time.Time
}

var (
	_ LaunchStore = (*SQLLaunchStore)(nil)
	_ Reaper      = (*SQLLaunchStore)(nil)
)

func NewSQLLaunchStore(db *storage.DB, ttl time.Duration) *SQLLaunchStore {
	if ttl <= 0 {
		ttl = DefaultLaunchTTL
	}
	return &SQLLaunchStore{db: db, ttl: ttl, now: time.Now}
}

func (s *SQLLaunchStore) Create(ctx context.Context, deploymentID, targetLinkURI, loginHint string) (PendingLaunch, error) {
	pl, err := newPendingLaunch(deploymentID, targetLinkURI, loginHint, s.now().UTC(), s.ttl)
	if err != nil {
		return PendingLaunch{}, err
	}
	_, err = s.db.SQL.ExecContext(ctx, `
INSERT INTO lti_pending_launches (state, nonce, deployment_id, target_link_uri, login_hint, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pl.State, pl.Nonce, pl.DeploymentID, pl.TargetLinkURI, pl.LoginHint,
		storage.Millis(pl.CreatedAt), storage.Millis(pl.ExpiresAt))
	if err != nil {
		return PendingLaunch{}, fmt.Errorf("launchstore: create: %w", err)
	}
	return pl, nil
}

func (s *SQLLaunchStore) Consume(ctx context.Context, state string) (PendingLaunch, error) {
	if state == "" {
		return PendingLaunch{}, ErrStateNotFound
	}
	var (
		pl               PendingLaunch
		created, expires int64
	)
	err := s.db.SQL.QueryRowContext(ctx, `
DELETE FROM lti_pending_launches WHERE state = $1
RETURNING state, nonce, deployment_id, target_link_uri, login_hint, created_at, expires_at`, state).
		Scan(&pl.State, &pl.Nonce, &pl.DeploymentID, &pl.TargetLinkURI, &pl.LoginHint, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingLaunch{}, ErrStateNotFound
	}
	if err != nil {
		return PendingLaunch{}, fmt.Errorf("launchstore: consume: %w", err)
	}
	pl.CreatedAt = storage.FromMillis(created)
	pl.ExpiresAt = storage.FromMillis(expires)
	if !s.now().Before(pl.ExpiresAt) {
		return PendingLaunch{}, ErrStateExpired
	}
	return pl, nil
}

// Reap deletes expired rows and reports how many went.
func (s *SQLLaunchStore) Reap(ctx context.Context) (int64, error) {
	res, err := s.db.SQL.ExecContext(ctx,
		`DELETE FROM lti_pending_launches WHERE expires_at <= $1`, storage.Millis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("launchstore: reap: %w", err)
	}
	return res.RowsAffected()
}

// RunReaper sweeps expired launches every interval until ctx is done.
func RunReaper(ctx context.Context, r Reaper, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := r.Reap(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Ctx(ctx).Error().Err(err).Msg("reaping pending launches failed")
				}
				continue
			}
			if n > 0 {
				log.Ctx(ctx).Debug().Int64("removed", n).Msg("reaped expired pending launches")
			}
		}
	}
}

// Package appsession is the SQL-backed application session store the launch
// binder hands new launches to.
package appsession

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/mindengage-lti/internal/lti"
	"github.com/mind-engage/mindengage-lti/internal/storage"
)

const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

var ErrNotFound = errors.New("appsession: not found")

type Session struct {
	ID        string
	Status    string
	Seed      lti.SessionSeed
	CreatedAt time.Time
	ExpiresAt time.Time // zero = no expiry
	EndedAt   time.Time
}

// Repo implements lti.SessionRepository on the app_sessions table.
type Repo struct {
	db  storage.Querier
	ttl time.Duration
	now func() time.Time
}

var (
	_ lti.SessionRepository = (*Repo)(nil)
	_ lti.TxJoiner          = (*Repo)(nil)
)

// New returns a repository; ttl of 0 means sessions stay active until ended.
func New(db *storage.DB, ttl time.Duration) *Repo {
	return &Repo{db: db.SQL, ttl: ttl, now: time.Now}
}

// WithTx returns a copy of the repository bound to tx, so sessions created
// during a bind are rolled back with it.
func (r *Repo) WithTx(tx storage.Querier) lti.SessionRepository {
	cp := *r
	cp.db = tx
	return &cp
}

func (r *Repo) CreateSession(ctx context.Context, seed lti.SessionSeed) (string, error) {
	raw, err := json.Marshal(seed)
	if err != nil {
		return "", fmt.Errorf("appsession: marshal seed: %w", err)
	}
	now := r.now()
	var expires int64
	if r.ttl > 0 {
		expires = storage.Millis(now.Add(r.ttl))
	}
	id := uuid.NewString()
	_, err = r.db.ExecContext(ctx, `
INSERT INTO app_sessions (id, status, seed, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)`, id, StatusActive, string(raw), storage.Millis(now), expires)
	if err != nil {
		return "", fmt.Errorf("appsession: insert: %w", err)
	}
	return id, nil
}

// SessionStatus reports Active only for an existing, un-ended, un-expired session.
func (r *Repo) SessionStatus(ctx context.Context, ref string) (lti.SessionStatus, error) {
	s, err := r.Get(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return lti.SessionInactive, nil
	}
	if err != nil {
		return lti.SessionInactive, err
	}
	if s.Status != StatusActive {
		return lti.SessionInactive, nil
	}
	if !s.ExpiresAt.IsZero() && !r.now().Before(s.ExpiresAt) {
		return lti.SessionInactive, nil
	}
	return lti.SessionActive, nil
}

func (r *Repo) Get(ctx context.Context, id string) (*Session, error) {
	var (
		s                Session
		seed             string
		created, expires int64
		ended            sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
SELECT id, status, seed, created_at, expires_at, ended_at FROM app_sessions WHERE id = $1`, id).
		Scan(&s.ID, &s.Status, &seed, &created, &expires, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("appsession: get: %w", err)
	}
	if err := json.Unmarshal([]byte(seed), &s.Seed); err != nil {
		return nil, fmt.Errorf("appsession: decode seed: %w", err)
	}
	s.CreatedAt = storage.FromMillis(created)
	s.ExpiresAt = storage.FromMillis(expires)
	if ended.Valid {
		s.EndedAt = storage.FromMillis(ended.Int64)
	}
	return &s, nil
}

// End marks a session ended. Ending an ended session is a no-op.
func (r *Repo) End(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE app_sessions SET status = $1, ended_at = $2 WHERE id = $3 AND status = $4`,
		StatusEnded, storage.Millis(r.now()), id, StatusActive)
	if err != nil {
		return fmt.Errorf("appsession: end: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// internal/lti/binder.go
package lti

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mind-engage/mindengage-lti/internal/storage"
)

// errBindRace marks a lost race with a concurrent launch for the same tuple.
var errBindRace = errors.New("lti: concurrent bind")

type BindResult struct {
	SessionRef   string
	LtiSessionID string
	Created      bool // a new application session was created
}

// Binder maps (deployment, user, resource link) to exactly one live
// application session, creating or replacing it as needed.
type Binder struct {
	db       *storage.DB
	sessions SessionRepository
	now      func() time.Time
}

func NewBinder(db *storage.DB, sessions SessionRepository) *Binder {
	return &Binder{db: db, sessions: sessions, now: time.Now}
}

// Bind runs one transaction and, after a lost race, exactly one more.
func (b *Binder) Bind(ctx context.Context, d Deployment, c LaunchClaims) (BindResult, error) {
	const op = "binder.Bind"
	for attempt := 1; attempt <= 2; attempt++ {
		res, err := b.bindOnce(ctx, d, c)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, errBindRace) {
			return BindResult{}, AsError(op, err)
		}
		log.Ctx(ctx).Debug().Int("attempt", attempt).Str("subject", c.Subject).
			Str("resource_link_id", c.ResourceLinkID).Msg("session bind raced, retrying")
	}
	return BindResult{}, errorf(KindSessionBindConflict, op,
		"lost bind race twice for %s/%s/%s", d.ID, c.Subject, c.ResourceLinkID)
}

func (b *Binder) bindOnce(ctx context.Context, d Deployment, c LaunchClaims) (res BindResult, err error) {
	services, err := json.Marshal(c.Services)
	if err != nil {
		return BindResult{}, fmt.Errorf("binder: marshal services: %w", err)
	}
	now := storage.Millis(b.now())

	err = storage.WithTx(ctx, b.db, nil, func(tx *sql.Tx) error {
		repo := b.sessions
		if j, ok := repo.(TxJoiner); ok {
			repo = j.WithTx(tx)
		}

		var (
			id      string
			current sql.NullString
		)
		err := tx.QueryRowContext(ctx, `
SELECT id, app_session_id FROM lti_sessions
WHERE deployment_id = $1 AND lti_user_id = $2 AND resource_link_id = $3`+b.db.ForUpdate(),
			d.ID, c.Subject, c.ResourceLinkID).Scan(&id, &current)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			ref, err := repo.CreateSession(ctx, seedFromClaims(d, c))
			if err != nil {
				return fmt.Errorf("binder: create session: %w", err)
			}
			id = uuid.NewString()
			_, err = tx.ExecContext(ctx, `
INSERT INTO lti_sessions (id, deployment_id, lti_user_id, resource_link_id, context_id, app_session_id,
  name, email, locale, role_class, services, last_launch_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
				id, d.ID, c.Subject, c.ResourceLinkID, c.ContextID, ref,
				c.Name, c.Email, c.Locale, string(c.RoleClass), string(services), now, now)
			if storage.IsUniqueViolation(err) {
				return errBindRace
			}
			if err != nil {
				return fmt.Errorf("binder: insert: %w", err)
			}
			res = BindResult{SessionRef: ref, LtiSessionID: id, Created: true}
			return nil

		case err != nil:
			return fmt.Errorf("binder: lookup: %w", err)
		}

		if current.Valid && current.String != "" {
			status, err := repo.SessionStatus(ctx, current.String)
			if err != nil {
				return fmt.Errorf("binder: session status: %w", err)
			}
			if status == SessionActive {
				_, err = tx.ExecContext(ctx, `
UPDATE lti_sessions SET last_launch_at = $1, name = $2, email = $3, locale = $4, role_class = $5,
  context_id = $6, services = $7
WHERE id = $8`,
					now, c.Name, c.Email, c.Locale, string(c.RoleClass), c.ContextID, string(services), id)
				if err != nil {
					return fmt.Errorf("binder: touch: %w", err)
				}
				res = BindResult{SessionRef: current.String, LtiSessionID: id}
				return nil
			}
		}

		// previous session ended (or never bound): start a new one and swap it in
		ref, err := repo.CreateSession(ctx, seedFromClaims(d, c))
		if err != nil {
			return fmt.Errorf("binder: create session: %w", err)
		}
		set := `
UPDATE lti_sessions SET app_session_id = $1, last_launch_at = $2, name = $3, email = $4, locale = $5,
  role_class = $6, context_id = $7, services = $8
WHERE id = $9 AND `
		args := []any{ref, now, c.Name, c.Email, c.Locale, string(c.RoleClass), c.ContextID, string(services), id}
		if current.Valid {
			set += `app_session_id = $10`
			args = append(args, current.String)
		} else {
			set += `app_session_id IS NULL`
		}
		out, err := tx.ExecContext(ctx, set, args...)
		if err != nil {
			return fmt.Errorf("binder: rebind: %w", err)
		}
		if n, err := out.RowsAffected(); err != nil {
			return fmt.Errorf("binder: rebind: %w", err)
		} else if n != 1 {
			return errBindRace
		}
		res = BindResult{SessionRef: ref, LtiSessionID: id, Created: true}
		return nil
	})
	return res, err
}

// Lookup loads the binding for a (deployment, user, resource link) tuple.
func (b *Binder) Lookup(ctx context.Context, deploymentID, userID, resourceLinkID string) (LtiSession, error) {
	var (
		s                     LtiSession
		app                   sql.NullString
		role, services        string
		lastLaunch, createdAt int64
	)
	err := b.db.SQL.QueryRowContext(ctx, `
SELECT id, deployment_id, lti_user_id, resource_link_id, context_id, app_session_id, name, email, locale,
  role_class, services, last_launch_at, created_at
FROM lti_sessions WHERE deployment_id = $1 AND lti_user_id = $2 AND resource_link_id = $3`,
		deploymentID, userID, resourceLinkID).
		Scan(&s.ID, &s.DeploymentID, &s.LtiUserID, &s.ResourceLinkID, &s.ContextID, &app, &s.Name, &s.Email,
			&s.Locale, &role, &services, &lastLaunch, &createdAt)
	if err != nil {
		return LtiSession{}, fmt.Errorf("binder: lookup: %w", err)
	}
	s.AppSessionID = app.String
	s.RoleClass = RoleClass(role)
	if err := json.Unmarshal([]byte(services), &s.Services); err != nil {
		return LtiSession{}, fmt.Errorf("binder: decode services: %w", err)
	}
	s.LastLaunchAt = storage.FromMillis(lastLaunch)
	s.CreatedAt = storage.FromMillis(createdAt)
	return s, nil
}

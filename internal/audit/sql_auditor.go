package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/mind-engage/mindengage-lti/internal/storage"
)

var _ Auditor = (*SQLAuditor)(nil)

// SQLAuditor appends entries to the lti_audit table.
type SQLAuditor struct {
	db *storage.DB
}

func NewSQLAuditor(db *storage.DB) *SQLAuditor {
	return &SQLAuditor{db: db}
}

func (s *SQLAuditor) Log(ctx context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_, err := s.db.SQL.ExecContext(ctx, `
INSERT INTO lti_audit (correlation_id, ts, action, outcome, error_kind, issuer, client_id,
  deployment_id, subject, resource_link_id, token_digest, session_ref, detail)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		e.ID, storage.Millis(e.Time), e.Action, e.Outcome, e.ErrorKind, e.Issuer, e.ClientID,
		e.DeploymentID, e.Subject, e.ResourceLinkID, e.TokenDigest, e.SessionRef, e.Detail)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Recent returns the newest entries first.
func (s *SQLAuditor) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.SQL.QueryContext(ctx, `
SELECT correlation_id, ts, action, outcome, error_kind, issuer, client_id,
  deployment_id, subject, resource_link_id, token_digest, session_ref, detail
FROM lti_audit ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ts int64
		)
		if err := rows.Scan(&e.ID, &ts, &e.Action, &e.Outcome, &e.ErrorKind, &e.Issuer, &e.ClientID,
			&e.DeploymentID, &e.Subject, &e.ResourceLinkID, &e.TokenDigest, &e.SessionRef, &e.Detail); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Time = storage.FromMillis(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close is a no-op; the DB handle belongs to the caller.
func (s *SQLAuditor) Close() error {
	return nil
}

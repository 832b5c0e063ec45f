// internal/storage/migrations.go
package storage

import (
	"context"
	"fmt"
	"strings"
)

// Up applies (idempotent) DDL for the LTI launch engine.
// It creates the tables needed for:
//   - trusted platform registrations (lti_deployments)
//   - single-use login state (lti_pending_launches)
//   - launch-to-session bindings (lti_sessions) and application sessions (app_sessions)
//   - launch auditing (lti_audit)
//
// Call this once on startup (after Connect) or through `ltid migrate`.
func Up(ctx context.Context, db *DB) error {
	if db == nil || db.SQL == nil {
		return fmt.Errorf("migrations: db is nil")
	}

	var schema string
	switch db.Dialect {
	case DialectPostgres:
		schema = schemaPostgres
	case DialectSQLite:
		schema = schemaSQLite
	default:
		return fmt.Errorf("migrations: unsupported dialect %q (expected postgres|sqlite)", db.Dialect)
	}

	// Try to run as a single script; if the driver rejects multiple statements,
	// fall back to splitting on semicolons (sufficient for simple DDL).
	if _, err := db.SQL.ExecContext(ctx, schema); err != nil {
		for _, stmt := range splitSQL(schema) {
			trim := strings.TrimSpace(stmt)
			if trim == "" || trim == ";" {
				continue
			}
			if _, e := db.SQL.ExecContext(ctx, stmt); e != nil {
				return fmt.Errorf("migrations: failed at:\n%s\nerr: %w", firstLine(stmt), e)
			}
		}
	}
	return nil
}

/* ----------------------------- POSTGRES SCHEMA ----------------------------- */

const schemaPostgres = `
-- Trusted platforms ----------------------------------------------------------
CREATE TABLE IF NOT EXISTS lti_deployments (
  id                 TEXT PRIMARY KEY,
  name               TEXT NOT NULL DEFAULT '',
  issuer             TEXT NOT NULL,
  client_id          TEXT NOT NULL,
  deployment_id      TEXT NOT NULL DEFAULT '',
  auth_login_url     TEXT NOT NULL,
  auth_token_url     TEXT NOT NULL DEFAULT '',
  access_token_url   TEXT NOT NULL DEFAULT '',
  jwks_url           TEXT NOT NULL,
  active             BOOLEAN NOT NULL DEFAULT TRUE,
  created_at         BIGINT NOT NULL,
  updated_at         BIGINT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS lti_deployments_active_issuer_client_uq
  ON lti_deployments (issuer, client_id) WHERE active;

-- Login state awaiting the platform's form_post ------------------------------
CREATE TABLE IF NOT EXISTS lti_pending_launches (
  state              TEXT PRIMARY KEY,
  nonce              TEXT NOT NULL UNIQUE,
  deployment_id      TEXT NOT NULL,
  target_link_uri    TEXT NOT NULL,
  login_hint         TEXT NOT NULL DEFAULT '',
  created_at         BIGINT NOT NULL,
  expires_at         BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS lti_pending_launches_expires_idx
  ON lti_pending_launches (expires_at);

-- Application sessions -------------------------------------------------------
CREATE TABLE IF NOT EXISTS app_sessions (
  id                 TEXT PRIMARY KEY,
  status             TEXT NOT NULL CHECK (status IN ('active','ended')),
  seed               TEXT NOT NULL,                   -- JSON seed context
  created_at         BIGINT NOT NULL,
  expires_at         BIGINT NOT NULL DEFAULT 0,       -- 0 = no expiry
  ended_at           BIGINT
);

-- Launch bindings --------------------------------------------------------------
CREATE TABLE IF NOT EXISTS lti_sessions (
  id                 TEXT PRIMARY KEY,
  deployment_id      TEXT NOT NULL REFERENCES lti_deployments(id) ON DELETE CASCADE,
  lti_user_id        TEXT NOT NULL,
  resource_link_id   TEXT NOT NULL,
  context_id         TEXT NOT NULL DEFAULT '',
  app_session_id     TEXT,
  name               TEXT NOT NULL DEFAULT '',
  email              TEXT NOT NULL DEFAULT '',
  locale             TEXT NOT NULL DEFAULT '',
  role_class         TEXT NOT NULL DEFAULT '',
  services           TEXT NOT NULL DEFAULT '{}',      -- JSON (AGS/NRPS endpoints)
  last_launch_at     BIGINT NOT NULL,
  created_at         BIGINT NOT NULL,
  UNIQUE (deployment_id, lti_user_id, resource_link_id)
);

-- Audit log ------------------------------------------------------------------
CREATE TABLE IF NOT EXISTS lti_audit (
  id                 BIGSERIAL PRIMARY KEY,
  correlation_id     TEXT NOT NULL,
  ts                 BIGINT NOT NULL,
  action             TEXT NOT NULL,
  outcome            TEXT NOT NULL,
  error_kind         TEXT NOT NULL DEFAULT '',
  issuer             TEXT NOT NULL DEFAULT '',
  client_id          TEXT NOT NULL DEFAULT '',
  deployment_id      TEXT NOT NULL DEFAULT '',
  subject            TEXT NOT NULL DEFAULT '',
  resource_link_id   TEXT NOT NULL DEFAULT '',
  token_digest       TEXT NOT NULL DEFAULT '',
  session_ref        TEXT NOT NULL DEFAULT '',
  detail             TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS lti_audit_ts_idx ON lti_audit (ts DESC);
`

/* ------------------------------- SQLITE SCHEMA ------------------------------ */

const schemaSQLite = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS lti_deployments (
  id                 TEXT PRIMARY KEY,
  name               TEXT NOT NULL DEFAULT '',
  issuer             TEXT NOT NULL,
  client_id          TEXT NOT NULL,
  deployment_id      TEXT NOT NULL DEFAULT '',
  auth_login_url     TEXT NOT NULL,
  auth_token_url     TEXT NOT NULL DEFAULT '',
  access_token_url   TEXT NOT NULL DEFAULT '',
  jwks_url           TEXT NOT NULL,
  active             INTEGER NOT NULL DEFAULT 1,
  created_at         INTEGER NOT NULL,
  updated_at         INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS lti_deployments_active_issuer_client_uq
  ON lti_deployments (issuer, client_id) WHERE active = 1;

CREATE TABLE IF NOT EXISTS lti_pending_launches (
  state              TEXT PRIMARY KEY,
  nonce              TEXT NOT NULL UNIQUE,
  deployment_id      TEXT NOT NULL,
  target_link_uri    TEXT NOT NULL,
  login_hint         TEXT NOT NULL DEFAULT '',
  created_at         INTEGER NOT NULL,
  expires_at         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS lti_pending_launches_expires_idx
  ON lti_pending_launches (expires_at);

CREATE TABLE IF NOT EXISTS app_sessions (
  id                 TEXT PRIMARY KEY,
  status             TEXT NOT NULL CHECK (status IN ('active','ended')),
  seed               TEXT NOT NULL,
  created_at         INTEGER NOT NULL,
  expires_at         INTEGER NOT NULL DEFAULT 0,
  ended_at           INTEGER
);

CREATE TABLE IF NOT EXISTS lti_sessions (
  id                 TEXT PRIMARY KEY,
  deployment_id      TEXT NOT NULL REFERENCES lti_deployments(id) ON DELETE CASCADE,
  lti_user_id        TEXT NOT NULL,
  resource_link_id   TEXT NOT NULL,
  context_id         TEXT NOT NULL DEFAULT '',
  app_session_id     TEXT,
  name               TEXT NOT NULL DEFAULT '',
  email              TEXT NOT NULL DEFAULT '',
  locale             TEXT NOT NULL DEFAULT '',
  role_class         TEXT NOT NULL DEFAULT '',
  services           TEXT NOT NULL DEFAULT '{}',
  last_launch_at     INTEGER NOT NULL,
  created_at         INTEGER NOT NULL,
  UNIQUE (deployment_id, lti_user_id, resource_link_id)
);

CREATE TABLE IF NOT EXISTS lti_audit (
  id                 INTEGER PRIMARY KEY AUTOINCREMENT,
  correlation_id     TEXT NOT NULL,
  ts                 INTEGER NOT NULL,
  action             TEXT NOT NULL,
  outcome            TEXT NOT NULL,
  error_kind         TEXT NOT NULL DEFAULT '',
  issuer             TEXT NOT NULL DEFAULT '',
  client_id          TEXT NOT NULL DEFAULT '',
  deployment_id      TEXT NOT NULL DEFAULT '',
  subject            TEXT NOT NULL DEFAULT '',
  resource_link_id   TEXT NOT NULL DEFAULT '',
  token_digest       TEXT NOT NULL DEFAULT '',
  session_ref        TEXT NOT NULL DEFAULT '',
  detail             TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS lti_audit_ts_idx ON lti_audit (ts DESC);
`

/* ------------------------------ LOCAL HELPERS ------------------------------ */

// splitSQL naively splits on ';' boundaries so we can run one statement at a time.
// This is acceptable for our simple DDL (no functions/procedures).
func splitSQL(s string) []string {
	raw := strings.Split(s, ";")
	out := make([]string, 0, len(raw))
	for _, part := range raw {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part+";")
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

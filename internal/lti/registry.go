// internal/lti/registry.go
package lti

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mind-engage/mindengage-lti/internal/storage"
)

// Deployment is a trusted platform registration.
type Deployment struct {
	ID             string `yaml:"id" json:"id"`
	Name           string `yaml:"name" json:"name,omitempty"`
	Issuer         string `yaml:"issuer" json:"issuer"`
	ClientID       string `yaml:"client_id" json:"client_id"`
	DeploymentID   string `yaml:"deployment_id" json:"deployment_id,omitempty"` // empty = accept any
	AuthLoginURL   string `yaml:"auth_login_url" json:"auth_login_url"`
	AuthTokenURL   string `yaml:"auth_token_url" json:"auth_token_url,omitempty"`
	AccessTokenURL string `yaml:"access_token_url" json:"access_token_url,omitempty"`
	JWKSURL        string `yaml:"jwks_url" json:"jwks_url"`
	Active         bool   `yaml:"-" json:"active"`

	CreatedAt time.Time `yaml:"-" json:"created_at"`
	UpdatedAt time.Time `yaml:"-" json:"updated_at"`
}

// TokenURL is where LTI Advantage access tokens are requested.
func (d Deployment) TokenURL() string {
	if d.AccessTokenURL != "" {
		return d.AccessTokenURL
	}
	return d.AuthTokenURL
}

// Registry resolves trusted platforms. The launch path only reads from it.
type Registry interface {
	// FindByIssuer returns the single active deployment for issuer. clientID
	// may be empty, in which case the issuer must have exactly one.
	FindByIssuer(ctx context.Context, issuer, clientID string) (Deployment, error)
	// FindByID loads a deployment by internal id, active or not.
	FindByID(ctx context.Context, id string) (Deployment, error)
}

// SQLRegistry stores deployments in lti_deployments.
type SQLRegistry struct {
	db  *storage.DB
	now func() time.Time
}

var _ Registry = (*SQLRegistry)(nil)

func NewSQLRegistry(db *storage.DB) *SQLRegistry {
	return &SQLRegistry{db: db, now: time.Now}
}

const deploymentCols = `id, name, issuer, client_id, deployment_id, auth_login_url, auth_token_url,
  access_token_url, jwks_url, active, created_at, updated_at`

func (r *SQLRegistry) FindByIssuer(ctx context.Context, issuer, clientID string) (Deployment, error) {
	const op = "registry.FindByIssuer"
	rows, err := r.db.SQL.QueryContext(ctx,
		`SELECT `+deploymentCols+` FROM lti_deployments WHERE issuer = $1 AND active = $2 ORDER BY id`,
		issuer, true)
	if err != nil {
		return Deployment{}, newErr(KindInternal, op, "", err)
	}
	all, err := scanDeployments(rows)
	if err != nil {
		return Deployment{}, newErr(KindInternal, op, "", err)
	}
	return pickDeployment(op, issuer, clientID, all)
}

// pickDeployment applies the client id rules to the issuer's active deployments.
func pickDeployment(op, issuer, clientID string, candidates []Deployment) (Deployment, error) {
	if len(candidates) == 0 {
		return Deployment{}, errorf(KindUnknownIssuer, op, "no active deployment for issuer %q", issuer)
	}
	if clientID == "" {
		if len(candidates) > 1 {
			return Deployment{}, errorf(KindClientIDMismatch, op,
				"issuer %q has %d active deployments and no client_id was given", issuer, len(candidates))
		}
		return candidates[0], nil
	}
	for _, d := range candidates {
		if d.ClientID == clientID {
			return d, nil
		}
	}
	return Deployment{}, errorf(KindClientIDMismatch, op, "issuer %q has no active deployment for client_id %q", issuer, clientID)
}

func (r *SQLRegistry) FindByID(ctx context.Context, id string) (Deployment, error) {
	rows, err := r.db.SQL.QueryContext(ctx, `SELECT `+deploymentCols+` FROM lti_deployments WHERE id = $1`, id)
	if err != nil {
		return Deployment{}, fmt.Errorf("registry: find %s: %w", id, err)
	}
	all, err := scanDeployments(rows)
	if err != nil {
		return Deployment{}, fmt.Errorf("registry: find %s: %w", id, err)
	}
	if len(all) == 0 {
		return Deployment{}, ErrDeploymentNotFound
	}
	return all[0], nil
}

// List returns every deployment ordered by issuer then client id.
func (r *SQLRegistry) List(ctx context.Context) ([]Deployment, error) {
	rows, err := r.db.SQL.QueryContext(ctx, `SELECT `+deploymentCols+` FROM lti_deployments ORDER BY issuer, client_id, id`)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return scanDeployments(rows)
}

// Upsert inserts d or replaces the row with the same id. Activating a second
// deployment for an (issuer, client_id) pair fails with a unique violation.
func (r *SQLRegistry) Upsert(ctx context.Context, d Deployment) (Deployment, error) {
	if err := d.validate(); err != nil {
		return Deployment{}, err
	}
	now := r.now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err := r.db.SQL.ExecContext(ctx, `
INSERT INTO lti_deployments (`+deploymentCols+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO UPDATE SET
  name = excluded.name,
  issuer = excluded.issuer,
  client_id = excluded.client_id,
  deployment_id = excluded.deployment_id,
  auth_login_url = excluded.auth_login_url,
  auth_token_url = excluded.auth_token_url,
  access_token_url = excluded.access_token_url,
  jwks_url = excluded.jwks_url,
  active = excluded.active,
  updated_at = excluded.updated_at`,
		d.ID, d.Name, d.Issuer, d.ClientID, d.DeploymentID, d.AuthLoginURL, d.AuthTokenURL,
		d.AccessTokenURL, d.JWKSURL, d.Active, storage.Millis(d.CreatedAt), storage.Millis(d.UpdatedAt))
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return Deployment{}, fmt.Errorf("registry: upsert %s: another active deployment has issuer %q and client_id %q: %w",
				d.ID, d.Issuer, d.ClientID, err)
		}
		return Deployment{}, fmt.Errorf("registry: upsert %s: %w", d.ID, err)
	}
	return r.FindByID(ctx, d.ID)
}

func (d Deployment) validate() error {
	var missing []string
	for name, v := range map[string]string{
		"id": d.ID, "issuer": d.Issuer, "client_id": d.ClientID,
		"auth_login_url": d.AuthLoginURL, "jwks_url": d.JWKSURL,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("registry: deployment %q missing %s", d.ID, strings.Join(sortStrings(missing), ", "))
	}
	return nil
}

func scanDeployments(rows *sql.Rows) ([]Deployment, error) {
	defer rows.Close()
	var out []Deployment
	for rows.Next() {
		var (
			d                Deployment
			created, updated int64
		)
		if err := rows.Scan(&d.ID, &d.Name, &d.Issuer, &d.ClientID, &d.DeploymentID, &d.AuthLoginURL,
			&d.AuthTokenURL, &d.AccessTokenURL, &d.JWKSURL, &d.Active, &created, &updated); err != nil {
			return nil, err
		}
		d.CreatedAt = storage.FromMillis(created)
		d.UpdatedAt = storage.FromMillis(updated)
		out = append(out, d)
	}
	return out, rows.Err()
}

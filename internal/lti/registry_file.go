package lti

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

type deploymentsFile struct {
	Deployments []fileDeployment `yaml:"deployments"`
}

type fileDeployment struct {
	Deployment `yaml:",inline"`
	Active     *bool `yaml:"active"`
}

// LoadDeploymentsFile reads a YAML seed file:
//
//	deployments:
//	  - id: canvas-prod
//	    issuer: https://canvas.instructure.com
//	    client_id: "10000000000001"
//	    auth_login_url: https://sso.canvaslms.com/api/lti/authorize_redirect
//	    jwks_url: https://sso.canvaslms.com/api/lti/security/jwks
//
// Omitted ids are derived from issuer and client_id so re-imports are stable;
// omitted active defaults to true.
func LoadDeploymentsFile(path string) ([]Deployment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("deployments: read %s: %w", path, err)
	}
	var f deploymentsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("deployments: parse %s: %w", path, err)
	}
	out := make([]Deployment, 0, len(f.Deployments))
	for i, fd := range f.Deployments {
		d := fd.Deployment
		d.Active = fd.Active == nil || *fd.Active
		if d.ID == "" {
			d.ID = deriveDeploymentID(d.Issuer, d.ClientID)
		}
		if err := d.validate(); err != nil {
			return nil, fmt.Errorf("deployments: entry %d: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// ImportDeployments upserts every entry of the YAML file at path.
func ImportDeployments(ctx context.Context, reg *SQLRegistry, path string) ([]Deployment, error) {
	ds, err := LoadDeploymentsFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]Deployment, 0, len(ds))
	for _, d := range ds {
		saved, err := reg.Upsert(ctx, d)
		if err != nil {
			return out, err
		}
		out = append(out, saved)
	}
	return out, nil
}

func deriveDeploymentID(issuer, clientID string) string {
	sum := sha256.Sum256([]byte(issuer + "\x00" + clientID))
	return "dep-" + hex.EncodeToString(sum[:6])
}

func sortStrings(s []string) []string {
	sort.Strings(s)
	return s
}

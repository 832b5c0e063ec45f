package lti

import (
	"context"
	"time"

	"github.com/mind-engage/mindengage-lti/internal/storage"
)

type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionInactive SessionStatus = "inactive"
)

// SessionSeed is the launch context a new application session starts from.
type SessionSeed struct {
	DeploymentID   string            `json:"deployment_id"`
	Issuer         string            `json:"issuer"`
	Subject        string            `json:"sub"`
	ResourceLinkID string            `json:"resource_link_id"`
	ContextID      string            `json:"context_id,omitempty"`
	ContextTitle   string            `json:"context_title,omitempty"`
	Name           string            `json:"name,omitempty"`
	Email          string            `json:"email,omitempty"`
	Locale         string            `json:"locale,omitempty"`
	RoleClass      RoleClass         `json:"role_class"`
	Custom         map[string]string `json:"custom,omitempty"`
	ReturnURL      string            `json:"return_url,omitempty"`
	Services       Services          `json:"services"`
}

// SessionRepository is the application's session store.
type SessionRepository interface {
	CreateSession(ctx context.Context, seed SessionSeed) (string, error)
	SessionStatus(ctx context.Context, ref string) (SessionStatus, error)
}

// TxJoiner is implemented by repositories that can run inside the binder's
// transaction, so a rolled-back bind leaves no orphaned session behind.
type TxJoiner interface {
	WithTx(tx storage.Querier) SessionRepository
}

// LtiSession links a platform user and resource link to an application session.
type LtiSession struct {
	ID             string
	DeploymentID   string
	LtiUserID      string
	ResourceLinkID string
	ContextID      string
	AppSessionID   string // empty until bound
	Name           string
	Email          string
	Locale         string
	RoleClass      RoleClass
	Services       Services
	LastLaunchAt   time.Time
	CreatedAt      time.Time
}

func seedFromClaims(d Deployment, c LaunchClaims) SessionSeed {
	return SessionSeed{
		DeploymentID:   d.ID,
		Issuer:         d.Issuer,
		Subject:        c.Subject,
		ResourceLinkID: c.ResourceLinkID,
		ContextID:      c.ContextID,
		ContextTitle:   c.ContextTitle,
		Name:           c.Name,
		Email:          c.Email,
		Locale:         c.Locale,
		RoleClass:      c.RoleClass,
		Custom:         c.Custom,
		ReturnURL:      c.ReturnURL,
		Services:       c.Services,
	}
}

// Package audit records one entry per protocol step (login, launch) so that
// failed and successful launches can be traced after the fact.
package audit

import (
	"context"
	"errors"
	"time"
)

const (
	ActionLogin  = "lti.login"
	ActionLaunch = "lti.launch"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type Entry struct {
	// ID is the request's correlation ID (X-Correlation-ID)
	ID string `json:"id"`

	Time time.Time `json:"time"`

	// Action describing what happened (e.g. "lti.login", "lti.launch")
	Action string `json:"action"`

	Issuer         string `json:"issuer,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	DeploymentID   string `json:"deployment_id,omitempty"`
	Subject        string `json:"subject,omitempty"`
	ResourceLinkID string `json:"resource_link_id,omitempty"`

	// TokenDigest is the SHA-256 hex of the id_token, never the token.
	TokenDigest string `json:"token_digest,omitempty"`
	SessionRef  string `json:"session_ref,omitempty"`

	Outcome   string `json:"outcome"`
	ErrorKind string `json:"error_kind,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type Auditor interface {
	Log(ctx context.Context, entry Entry) error
	Close() error
}

// Multi fans an entry out to every auditor and joins their errors.
type Multi []Auditor

var _ Auditor = Multi(nil)

func (m Multi) Log(ctx context.Context, entry Entry) error {
	var errs []error
	for _, a := range m {
		if err := a.Log(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, a := range m {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Noop discards entries.
type Noop struct{}

func (Noop) Log(context.Context, Entry) error { return nil }
func (Noop) Close() error                     { return nil }

package audit

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ Auditor = (*LogAuditor)(nil)

// LogAuditor writes entries to the request logger (or the global one).
type LogAuditor struct{}

func NewLogAuditor() *LogAuditor {
	return &LogAuditor{}
}

func (l *LogAuditor) Log(ctx context.Context, e Entry) error {
	var ev *zerolog.Event
	if e.Outcome == OutcomeSuccess {
		ev = log.Ctx(ctx).Info()
	} else {
		ev = log.Ctx(ctx).Warn()
	}
	ev.Str("audit_id", e.ID).
		Str("action", e.Action).
		Str("outcome", e.Outcome).
		Str("issuer", e.Issuer).
		Str("client_id", e.ClientID).
		Str("deployment", e.DeploymentID).
		Str("subject", e.Subject).
		Str("resource_link_id", e.ResourceLinkID).
		Str("token_digest", e.TokenDigest).
		Str("session_ref", e.SessionRef)
	if e.ErrorKind != "" {
		ev = ev.Str("error_kind", e.ErrorKind).Str("detail", e.Detail)
	}
	ev.Msg("audit")
	return nil
}

func (l *LogAuditor) Close() error {
	return nil
}

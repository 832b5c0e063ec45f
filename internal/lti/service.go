// internal/lti/service.go
package lti

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mind-engage/mindengage-lti/internal/api/middleware"
	"github.com/mind-engage/mindengage-lti/internal/audit"
)

// Service runs the two protocol steps: login (AwaitingLogin -> AwaitingLaunch)
// and launch (AwaitingLaunch -> Bound).
type Service struct {
	Registry  Registry
	Launches  LaunchStore
	Validator *Validator
	Binder    *Binder
	Audit     audit.Auditor

	// RedirectURI is our launch endpoint as registered with the platform.
	RedirectURI string
	// SuccessURL receives the browser after a bound launch, with ?session=<ref>.
	SuccessURL string

	Now func() time.Time
}

type LoginRequest struct {
	Issuer          string
	LoginHint       string
	TargetLinkURI   string
	ClientID        string // optional
	LTIDeploymentID string // optional
	LTIMessageHint  string // optional, echoed back
}

type LaunchRequest struct {
	IDToken string
	State   string
	// Error is set when the platform posts back an OIDC error instead of a token.
	Error            string
	ErrorDescription string
}

type LaunchResult struct {
	Redirect   string
	Deployment Deployment
	Claims     LaunchClaims
	Binding    BindResult
}

// Login resolves the platform, records a PendingLaunch and returns the
// platform authorization URL to redirect to.
func (s *Service) Login(ctx context.Context, req LoginRequest) (string, error) {
	const op = "lti.Login"
	entry := audit.Entry{Action: audit.ActionLogin, Issuer: req.Issuer, ClientID: req.ClientID}

	redirect, err := s.login(ctx, op, req, &entry)
	s.finish(ctx, &entry, err)
	return redirect, err
}

func (s *Service) login(ctx context.Context, op string, req LoginRequest, entry *audit.Entry) (string, error) {
	var missing []string
	if req.Issuer == "" {
		missing = append(missing, "iss")
	}
	if req.LoginHint == "" {
		missing = append(missing, "login_hint")
	}
	if req.TargetLinkURI == "" {
		missing = append(missing, "target_link_uri")
	}
	if len(missing) > 0 {
		return "", errorf(KindMalformedRequest, op, "missing %s", strings.Join(missing, ", "))
	}
	if !absoluteURL(req.TargetLinkURI) {
		return "", errorf(KindMalformedRequest, op, "target_link_uri %q is not absolute", req.TargetLinkURI)
	}

	d, err := s.Registry.FindByIssuer(ctx, req.Issuer, req.ClientID)
	if err != nil {
		return "", AsError(op, err)
	}
	entry.ClientID = d.ClientID
	entry.DeploymentID = d.ID
	if req.LTIDeploymentID != "" && d.DeploymentID != "" && req.LTIDeploymentID != d.DeploymentID {
		return "", errorf(KindClientIDMismatch, op, "lti_deployment_id %q, registered %q", req.LTIDeploymentID, d.DeploymentID)
	}

	pl, err := s.Launches.Create(ctx, d.ID, req.TargetLinkURI, req.LoginHint)
	if err != nil {
		return "", newErr(KindInternal, op, "create pending launch", err)
	}

	u, err := url.Parse(d.AuthLoginURL)
	if err != nil {
		return "", newErr(KindInternal, op, "bad auth_login_url for "+d.ID, err)
	}
	q := u.Query()
	q.Set("scope", "openid")
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("prompt", "none")
	q.Set("client_id", d.ClientID)
	q.Set("redirect_uri", s.RedirectURI)
	q.Set("login_hint", req.LoginHint)
	q.Set("state", pl.State)
	q.Set("nonce", pl.Nonce)
	if req.LTIMessageHint != "" {
		q.Set("lti_message_hint", req.LTIMessageHint)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Launch consumes the state, validates the id_token, maps its claims and
// binds the launch to an application session, in that order.
func (s *Service) Launch(ctx context.Context, req LaunchRequest) (LaunchResult, error) {
	const op = "lti.Launch"
	entry := audit.Entry{Action: audit.ActionLaunch}
	if req.IDToken != "" {
		entry.TokenDigest = TokenDigest(req.IDToken)
	}

	res, err := s.launch(ctx, op, req, &entry)
	s.finish(ctx, &entry, err)
	return res, err
}

func (s *Service) launch(ctx context.Context, op string, req LaunchRequest, entry *audit.Entry) (LaunchResult, error) {
	if req.Error != "" {
		return LaunchResult{}, errorf(KindMalformedRequest, op, "platform returned error %q: %s", req.Error, req.ErrorDescription)
	}
	if req.IDToken == "" || req.State == "" {
		return LaunchResult{}, errorf(KindMalformedRequest, op, "id_token and state are required")
	}

	pl, err := s.Launches.Consume(ctx, req.State)
	switch {
	case errors.Is(err, ErrStateNotFound), errors.Is(err, ErrStateExpired):
		return LaunchResult{}, newErr(KindInvalidOrExpiredState, op, "", err)
	case err != nil:
		return LaunchResult{}, newErr(KindInternal, op, "consume state", err)
	}

	d, err := s.Registry.FindByID(ctx, pl.DeploymentID)
	switch {
	case errors.Is(err, ErrDeploymentNotFound):
		return LaunchResult{}, errorf(KindUnknownIssuer, op, "deployment %s removed since login", pl.DeploymentID)
	case err != nil:
		return LaunchResult{}, AsError(op, err)
	case !d.Active:
		return LaunchResult{}, errorf(KindUnknownIssuer, op, "deployment %s deactivated since login", d.ID)
	}
	entry.Issuer, entry.ClientID, entry.DeploymentID = d.Issuer, d.ClientID, d.ID

	vt, err := s.Validator.Validate(ctx, req.IDToken, d, pl)
	if err != nil {
		return LaunchResult{}, AsError(op, err)
	}

	claims, err := MapClaims(vt.Claims)
	if err != nil {
		return LaunchResult{}, AsError(op, err)
	}
	claims.RawTokenDigest = vt.Digest
	entry.Subject = claims.Subject
	entry.ResourceLinkID = claims.ResourceLinkID

	bound, err := s.Binder.Bind(ctx, d, claims)
	if err != nil {
		return LaunchResult{}, AsError(op, err)
	}
	entry.SessionRef = bound.SessionRef

	u, err := url.Parse(s.SuccessURL)
	if err != nil {
		return LaunchResult{}, newErr(KindInternal, op, "bad success url", err)
	}
	q := u.Query()
	q.Set("session", bound.SessionRef)
	u.RawQuery = q.Encode()

	return LaunchResult{Redirect: u.String(), Deployment: d, Claims: claims, Binding: bound}, nil
}

// finish logs the outcome and writes the audit entry. Audit failures are
// logged, never surfaced to the user.
func (s *Service) finish(ctx context.Context, entry *audit.Entry, err error) {
	entry.ID = middleware.CorrelationID(ctx)
	entry.Time = s.now()
	logger := log.Ctx(ctx)

	if err == nil {
		entry.Outcome = audit.OutcomeSuccess
		logger.Info().Str("action", entry.Action).Str("issuer", entry.Issuer).
			Str("deployment", entry.DeploymentID).Str("session_ref", entry.SessionRef).Msg("lti step succeeded")
	} else {
		e := AsError("", err)
		entry.Outcome = audit.OutcomeFailure
		entry.ErrorKind = string(e.Kind)
		entry.Detail = e.Error()

		ev := logger.Warn()
		if e.HTTPStatus() >= http.StatusInternalServerError {
			ev = logger.Error()
		}
		ev.Err(err).Str("action", entry.Action).Str("error_kind", string(e.Kind)).
			Str("issuer", entry.Issuer).Str("client_id", entry.ClientID).
			Str("token_digest", entry.TokenDigest).Msg("lti step failed")
	}

	if s.Audit == nil {
		return
	}
	if aerr := s.Audit.Log(ctx, *entry); aerr != nil {
		logger.Error().Err(aerr).Str("action", entry.Action).Msg("audit write failed")
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func absoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

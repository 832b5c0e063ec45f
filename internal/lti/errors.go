package lti

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a launch failure. Every kind is terminal for the attempt.
type Kind string

const (
	KindUnknownIssuer         Kind = "UnknownIssuer"
	KindClientIDMismatch      Kind = "ClientIdMismatch"
	KindInvalidOrExpiredState Kind = "InvalidOrExpiredState"
	KindKeyFetchFailure       Kind = "KeyFetchFailure"
	KindKeyNotFound           Kind = "KeyNotFound"
	KindSignatureInvalid      Kind = "SignatureInvalid"
	KindIssuerMismatch        Kind = "IssuerMismatch"
	KindAudienceMismatch      Kind = "AudienceMismatch"
	KindTokenExpired          Kind = "TokenExpired"
	KindTokenNotYetValid      Kind = "TokenNotYetValid"
	KindNonceMismatch         Kind = "NonceMismatch"
	KindDeploymentMismatch    Kind = "DeploymentMismatch"
	KindMissingClaim          Kind = "MissingClaim"
	KindUnsupportedMessage    Kind = "UnsupportedMessage"
	KindSessionBindConflict   Kind = "SessionBindConflict"
	KindMalformedRequest      Kind = "MalformedRequest"
	KindInternal              Kind = "Internal"
)

// Sentinels usable with errors.Is; matching is by Kind only.
var (
	ErrUnknownIssuer         = &Error{Kind: KindUnknownIssuer}
	ErrClientIDMismatch      = &Error{Kind: KindClientIDMismatch}
	ErrInvalidOrExpiredState = &Error{Kind: KindInvalidOrExpiredState}
	ErrKeyFetchFailure       = &Error{Kind: KindKeyFetchFailure}
	ErrKeyNotFound           = &Error{Kind: KindKeyNotFound}
	ErrSignatureInvalid      = &Error{Kind: KindSignatureInvalid}
	ErrIssuerMismatch        = &Error{Kind: KindIssuerMismatch}
	ErrAudienceMismatch      = &Error{Kind: KindAudienceMismatch}
	ErrTokenExpired          = &Error{Kind: KindTokenExpired}
	ErrTokenNotYetValid      = &Error{Kind: KindTokenNotYetValid}
	ErrNonceMismatch         = &Error{Kind: KindNonceMismatch}
	ErrDeploymentMismatch    = &Error{Kind: KindDeploymentMismatch}
	ErrMissingClaim          = &Error{Kind: KindMissingClaim}
	ErrUnsupportedMessage    = &Error{Kind: KindUnsupportedMessage}
	ErrSessionBindConflict   = &Error{Kind: KindSessionBindConflict}
	ErrMalformedRequest      = &Error{Kind: KindMalformedRequest}
)

// Store-level conditions; mapped to KindInvalidOrExpiredState by the launch step.
var (
	ErrStateNotFound      = errors.New("lti: state not found")
	ErrStateExpired       = errors.New("lti: state expired")
	ErrDeploymentNotFound = errors.New("lti: deployment not found")
	ErrNoSigningKey       = errors.New("lti: no tool signing key configured")
)

// Error is the typed failure returned by every launch-path operation.
// Detail is for logs and audit only; it is never shown to the user.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func newErr(kind Kind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "lti: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind so the Err* sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// HTTPStatus maps the kind to the response status.
func (e *Error) HTTPStatus() int {
	return StatusFor(e.Kind)
}

func StatusFor(k Kind) int {
	switch k {
	case KindUnknownIssuer, KindClientIDMismatch, KindInvalidOrExpiredState, KindMalformedRequest:
		return http.StatusBadRequest
	case KindKeyFetchFailure, KindSessionBindConflict:
		return http.StatusServiceUnavailable
	case KindKeyNotFound:
		return http.StatusBadGateway
	case KindSignatureInvalid, KindIssuerMismatch, KindAudienceMismatch, KindTokenExpired,
		KindTokenNotYetValid, KindNonceMismatch, KindDeploymentMismatch:
		return http.StatusUnauthorized
	case KindMissingClaim, KindUnsupportedMessage:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the only text a user sees for a failure.
func PublicMessage(k Kind) string {
	switch StatusFor(k) {
	case http.StatusBadRequest:
		return "The launch request could not be accepted. Please start the activity again from your course."
	case http.StatusUnauthorized, http.StatusUnprocessableEntity:
		return "The launch could not be verified. Please start the activity again from your course."
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return "The learning platform could not be reached right now. Please try again shortly."
	default:
		return "Something went wrong while starting the activity."
	}
}

// KindOf extracts the Kind from err; untyped errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError converts any error into an *Error, wrapping untyped ones as Internal.
func AsError(op string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newErr(KindInternal, op, "", err)
}

func errorf(kind Kind, op, format string, args ...any) *Error {
	return newErr(kind, op, fmt.Sprintf(format, args...), nil)
}

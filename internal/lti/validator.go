// internal/lti/validator.go
package lti

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultClockSkew tolerates platform clocks running slightly ahead.
const DefaultClockSkew = 60 * time.Second

// AllowedAlgs are the only signature algorithms accepted on id_tokens.
var AllowedAlgs = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"}

const claimDeploymentID = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"

// ValidatedToken is an id_token whose signature and core claims checked out.
type ValidatedToken struct {
	Claims    jwt.MapClaims
	KID       string
	Alg       string
	Digest    string // SHA-256 hex of the raw token
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Validator verifies platform id_tokens.
type Validator struct {
	keys KeyProvider
	skew time.Duration
	now  func() time.Time
}

func NewValidator(keys KeyProvider, skew time.Duration) *Validator {
	if skew < 0 {
		skew = DefaultClockSkew
	}
	return &Validator{keys: keys, skew: skew, now: time.Now}
}

// TokenDigest is the only form in which a token may be logged or stored.
func TokenDigest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Validate checks raw against deployment d and the nonce issued at login.
// No step is retried except one forced key refresh on a kid miss.
func (v *Validator) Validate(ctx context.Context, raw string, d Deployment, pl PendingLaunch) (*ValidatedToken, error) {
	const op = "validator.Validate"
	digest := TokenDigest(raw)
	logger := log.Ctx(ctx).With().
		Str("issuer", d.Issuer).
		Str("token_digest", digest).
		Logger()

	// 1. header, before touching any key material
	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, newErr(KindSignatureInvalid, op, "malformed token", err)
	}
	alg, _ := unverified.Header["alg"].(string)
	kid, _ := unverified.Header["kid"].(string)
	logger = logger.With().Str("alg", alg).Str("kid", kid).Logger()
	if !slices.Contains(AllowedAlgs, alg) {
		logger.Warn().Msg("id_token rejected: algorithm not allowed")
		return nil, errorf(KindSignatureInvalid, op, "algorithm %q not allowed", alg)
	}

	// 2. key lookup
	key, err := v.lookupKey(ctx, d, kid)
	if err != nil {
		logger.Warn().Str("error_kind", string(KindOf(err))).Msg("id_token rejected: no verification key")
		return nil, err
	}

	// 3. signature
	if key.Alg != "" && key.Alg != alg {
		logger.Warn().Str("key_alg", key.Alg).Msg("id_token rejected: key alg mismatch")
		return nil, errorf(KindSignatureInvalid, op, "key %q is for %s, token uses %s", kid, key.Alg, alg)
	}
	if !keyFitsAlg(key, alg) {
		logger.Warn().Msg("id_token rejected: key type does not fit algorithm")
		return nil, errorf(KindSignatureInvalid, op, "key %q type does not fit %s", kid, alg)
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{alg}), jwt.WithoutClaimsValidation())
	token, err := parser.Parse(raw, func(*jwt.Token) (any, error) { return key.Key, nil })
	if err != nil || !token.Valid {
		logger.Warn().Err(err).Msg("id_token rejected: bad signature")
		return nil, newErr(KindSignatureInvalid, op, "signature verification failed", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errorf(KindSignatureInvalid, op, "unexpected claims type")
	}

	out := &ValidatedToken{Claims: claims, KID: kid, Alg: alg, Digest: digest}
	if exp, _ := claims.GetExpirationTime(); exp != nil {
		out.ExpiresAt = exp.Time
	}
	if iat, _ := claims.GetIssuedAt(); iat != nil {
		out.IssuedAt = iat.Time
	}

	// 4-6. claims
	if err := v.checkClaims(op, claims, d, pl, out); err != nil {
		now := v.now()
		ev := logger.Warn().Str("error_kind", string(KindOf(err))).Time("server_time", now)
		withClock(ev, out).Msg("id_token rejected: claim check failed")
		return nil, err
	}
	return out, nil
}

func withClock(ev *zerolog.Event, t *ValidatedToken) *zerolog.Event {
	if !t.ExpiresAt.IsZero() {
		ev = ev.Time("exp", t.ExpiresAt)
	}
	if !t.IssuedAt.IsZero() {
		ev = ev.Time("iat", t.IssuedAt)
	}
	return ev
}

func (v *Validator) lookupKey(ctx context.Context, d Deployment, kid string) (PublicKey, error) {
	const op = "validator.lookupKey"
	set, err := v.keys.Keys(ctx, d)
	if err != nil {
		return PublicKey{}, AsError(op, err)
	}
	if k, ok := set.Lookup(kid); ok && kid != "" {
		return k, nil
	}
	if kid == "" {
		return PublicKey{}, errorf(KindKeyNotFound, op, "token header has no kid")
	}
	// platform may have rotated keys since we cached them
	set, err = v.keys.Refresh(ctx, d)
	if err != nil {
		return PublicKey{}, AsError(op, err)
	}
	if k, ok := set.Lookup(kid); ok {
		return k, nil
	}
	return PublicKey{}, errorf(KindKeyNotFound, op, "kid %q not in %s (have %s)", kid, d.JWKSURL, strings.Join(set.KIDs(), ","))
}

func keyFitsAlg(k PublicKey, alg string) bool {
	switch alg[:2] {
	case "RS", "PS":
		_, ok := k.Key.(*rsa.PublicKey)
		return ok
	case "ES":
		ec, ok := k.Key.(*ecdsa.PublicKey)
		if !ok {
			return false
		}
		want := map[string]string{"ES256": "P-256", "ES384": "P-384", "ES512": "P-521"}[alg]
		return ec.Curve.Params().Name == want
	}
	return false
}

func (v *Validator) checkClaims(op string, c jwt.MapClaims, d Deployment, pl PendingLaunch, t *ValidatedToken) error {
	now := v.now()

	if iss, _ := c.GetIssuer(); iss != d.Issuer {
		return errorf(KindIssuerMismatch, op, "iss %q, expected %q", iss, d.Issuer)
	}

	aud, err := c.GetAudience()
	if err != nil || !slices.Contains([]string(aud), d.ClientID) {
		return errorf(KindAudienceMismatch, op, "aud %v does not contain %q", []string(aud), d.ClientID)
	}
	if len(aud) > 1 {
		if azp, ok := c["azp"].(string); ok && azp != d.ClientID {
			return errorf(KindAudienceMismatch, op, "azp %q, expected %q", azp, d.ClientID)
		}
	}

	if t.ExpiresAt.IsZero() {
		return errorf(KindTokenExpired, op, "exp missing")
	}
	if !now.Before(t.ExpiresAt) {
		return errorf(KindTokenExpired, op, "expired %s ago", now.Sub(t.ExpiresAt).Round(time.Second))
	}
	if !t.IssuedAt.IsZero() && t.IssuedAt.After(now.Add(v.skew)) {
		return errorf(KindTokenNotYetValid, op, "iat %s ahead of server clock", t.IssuedAt.Sub(now).Round(time.Second))
	}
	if nbf, err := c.GetNotBefore(); err == nil && nbf != nil && nbf.After(now.Add(v.skew)) {
		return errorf(KindTokenNotYetValid, op, "nbf %s ahead of server clock", nbf.Sub(now).Round(time.Second))
	}

	nonce, _ := c["nonce"].(string)
	if nonce == "" || subtle.ConstantTimeCompare([]byte(nonce), []byte(pl.Nonce)) != 1 {
		return errorf(KindNonceMismatch, op, "nonce does not match login")
	}

	if d.DeploymentID != "" {
		got, _ := c[claimDeploymentID].(string)
		if got != d.DeploymentID {
			return errorf(KindDeploymentMismatch, op, "deployment_id %q, expected %q", got, d.DeploymentID)
		}
	}
	return nil
}

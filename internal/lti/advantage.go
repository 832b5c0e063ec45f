// internal/lti/advantage.go
package lti

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

/*
LTI Advantage access tokens.

Grade (AGS) and roster (NRPS) calls need a bearer token from the platform's
token endpoint, obtained with the client_credentials grant authenticated by a
JWT client assertion signed with the tool key (private_key_jwt). The services
themselves are out of scope here; callers get an oauth2.TokenSource and use
oauth2.NewClient.
*/

const (
	ScopeLineItem         = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	ScopeLineItemReadOnly = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly"
	ScopeResultReadOnly   = "https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly"
	ScopeScore            = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	ScopeNRPSMembership   = "https://purl.imsglobal.org/spec/lti-nrps/scope/contextmembership.readonly"

	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionLifetime   = 5 * time.Minute
)

// AdvantageTokens mints platform access tokens for one tool key.
type AdvantageTokens struct {
	Keys       *ToolKeys
	HTTPClient *http.Client // optional
	Now        func() time.Time
}

// TokenSource returns a caching token source for deployment d. Every refresh
// signs a fresh client assertion.
func (a *AdvantageTokens) TokenSource(ctx context.Context, d Deployment, scopes []string) (oauth2.TokenSource, error) {
	if a.Keys == nil {
		return nil, ErrNoSigningKey
	}
	if d.TokenURL() == "" {
		return nil, fmt.Errorf("advantage: deployment %s has no token url", d.ID)
	}
	if len(scopes) == 0 {
		return nil, errors.New("advantage: no scopes requested")
	}
	if a.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.HTTPClient)
	}
	return oauth2.ReuseTokenSource(nil, &assertionSource{ctx: ctx, a: a, d: d, scopes: scopes}), nil
}

// ClientAssertion signs the private_key_jwt assertion for d.
func (a *AdvantageTokens) ClientAssertion(d Deployment) (string, error) {
	now := a.now()
	return a.Keys.Sign(jwt.RegisteredClaims{
		Issuer:    d.ClientID,
		Subject:   d.ClientID,
		Audience:  jwt.ClaimStrings{d.TokenURL()},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
		ID:        uuid.NewString(),
	})
}

func (a *AdvantageTokens) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

type assertionSource struct {
	ctx    context.Context
	a      *AdvantageTokens
	d      Deployment
	scopes []string
}

func (s *assertionSource) Token() (*oauth2.Token, error) {
	assertion, err := s.a.ClientAssertion(s.d)
	if err != nil {
		return nil, err
	}
	cfg := clientcredentials.Config{
		ClientID:  s.d.ClientID,
		TokenURL:  s.d.TokenURL(),
		Scopes:    s.scopes,
		AuthStyle: oauth2.AuthStyleInParams,
		EndpointParams: url.Values{
			"client_assertion_type": {clientAssertionType},
			"client_assertion":      {assertion},
		},
	}
	tok, err := cfg.Token(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("advantage: token for %s: %w", s.d.ID, err)
	}
	return tok, nil
}

// GradeScopes picks the AGS scopes the platform granted from those wanted,
// keeping the caller's order.
func GradeScopes(ep AGSEndpoint, wanted ...string) []string {
	granted := make(map[string]struct{}, len(ep.Scope))
	for _, s := range ep.Scope {
		granted[strings.TrimSpace(s)] = struct{}{}
	}
	var out []string
	for _, w := range wanted {
		if _, ok := granted[w]; ok {
			out = append(out, w)
		}
	}
	return out
}

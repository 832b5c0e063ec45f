package lti

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-engage/mindengage-lti/internal/storage"
)

const (
	testIssuer   = "https://lms.example.edu"
	testClientID = "tool-client-1"
	testDepClaim = "dep-claim-1"
)

var (
	rsaOnce sync.Once
	rsaKey  *rsa.PrivateKey
)

// sharedRSAKey avoids generating a 2048-bit key in every test.
func sharedRSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	rsaOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaKey = k
	})
	return rsaKey
}

func newECKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa: %v", err)
	}
	return k
}

func jwk(pub crypto.PublicKey, kid, alg string) jose.JSONWebKey {
	return jose.JSONWebKey{Key: pub, KeyID: kid, Algorithm: alg, Use: "sig"}
}

func jwksJSON(t testing.TB, keys ...jose.JSONWebKey) []byte {
	t.Helper()
	b, err := json.Marshal(jose.JSONWebKeySet{Keys: keys})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return b
}

// platform is a fake LMS JWKS endpoint that counts fetches.
type platform struct {
	*httptest.Server
	hits   atomic.Int64
	mu     sync.Mutex
	body   []byte
	status int
	delay  time.Duration
}

func newPlatform(t testing.TB, keys ...jose.JSONWebKey) *platform {
	t.Helper()
	p := &platform{body: jwksJSON(t, keys...), status: http.StatusOK}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.hits.Add(1)
		p.mu.Lock()
		body, status, delay := p.body, p.status, p.delay
		p.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(p.Close)
	return p
}

func (p *platform) set(status int, body []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
	if body != nil {
		p.body = body
	}
}

func (p *platform) setDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

func testDeployment(jwksURL string) Deployment {
	return Deployment{
		ID:           "dep-1",
		Name:         "Example LMS",
		Issuer:       testIssuer,
		ClientID:     testClientID,
		DeploymentID: testDepClaim,
		AuthLoginURL: testIssuer + "/auth",
		AuthTokenURL: testIssuer + "/token",
		JWKSURL:      jwksURL,
		Active:       true,
	}
}

func seedDeployment(t testing.TB, db *storage.DB, d Deployment) Deployment {
	t.Helper()
	saved, err := NewSQLRegistry(db).Upsert(context.Background(), d)
	if err != nil {
		t.Fatalf("seed deployment: %v", err)
	}
	return saved
}

// launchClaims returns a valid resource link launch for testDeployment.
func launchClaims(nonce string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":              testIssuer,
		"aud":              testClientID,
		"sub":              "u-7",
		"exp":              now.Add(5 * time.Minute).Unix(),
		"iat":              now.Unix(),
		"nonce":            nonce,
		"name":             "Ada Lovelace",
		"email":            "ada@example.edu",
		"locale":           "en-GB",
		ClaimMessageType:   MessageTypeResourceLink,
		ClaimVersion:       Version13,
		ClaimDeploymentID:  testDepClaim,
		ClaimTargetLinkURI: "https://tool.example.com/activity",
		ClaimResourceLink:  map[string]any{"id": "res-42", "title": "Week 1 quiz"},
		ClaimContext:       map[string]any{"id": "ctx-1", "label": "CS101", "title": "Intro to CS"},
		ClaimRoles:         []any{"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"},
	}
}

func signRS(t testing.TB, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	return sign(t, jwt.SigningMethodRS256, key, kid, claims)
}

func sign(t testing.TB, m jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(m, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

// staticKeys is a KeyProvider over fixed sets that counts calls.
type staticKeys struct {
	mu        sync.Mutex
	keys      *KeySet
	refreshed *KeySet // returned by Refresh; nil = same as keys
	err       error
	calls     int
	refreshes int
}

func (s *staticKeys) Keys(context.Context, Deployment) (*KeySet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.keys, s.err
}

func (s *staticKeys) Refresh(context.Context, Deployment) (*KeySet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	if s.refreshed != nil {
		return s.refreshed, s.err
	}
	return s.keys, s.err
}

func mustKeySet(t testing.TB, keys ...jose.JSONWebKey) *KeySet {
	t.Helper()
	ks, err := ParseKeySet(jwksJSON(t, keys...))
	if err != nil {
		t.Fatalf("ParseKeySet: %v", err)
	}
	return ks
}

func wantKind(t testing.TB, err error, k Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", k)
	}
	if got := KindOf(err); got != k {
		t.Fatalf("kind = %s, want %s (err: %v)", got, k, err)
	}
}

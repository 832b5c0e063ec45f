package lti

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testNonce = "nonce-abc"

func validatorFixture(t *testing.T) (*Validator, *staticKeys, Deployment, PendingLaunch) {
	t.Helper()
	priv := sharedRSAKey(t)
	keys := &staticKeys{keys: mustKeySet(t, jwk(&priv.PublicKey, "k1", "RS256"))}
	d := testDeployment("https://lms.example.edu/jwks")
	pl := PendingLaunch{State: "s", Nonce: testNonce, DeploymentID: d.ID}
	return NewValidator(keys, DefaultClockSkew), keys, d, pl
}

func TestValidatorAcceptsValidToken(t *testing.T) {
	v, keys, d, pl := validatorFixture(t)
	raw := signRS(t, sharedRSAKey(t), "k1", launchClaims(testNonce))

	vt, err := v.Validate(context.Background(), raw, d, pl)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if vt.KID != "k1" || vt.Alg != "RS256" {
		t.Fatalf("header: kid %q alg %q", vt.KID, vt.Alg)
	}
	if vt.Digest != TokenDigest(raw) || len(vt.Digest) != 64 {
		t.Fatalf("digest %q", vt.Digest)
	}
	if vt.ExpiresAt.IsZero() || vt.IssuedAt.IsZero() {
		t.Fatalf("times not populated: %+v", vt)
	}
	if sub, _ := vt.Claims["sub"].(string); sub != "u-7" {
		t.Fatalf("sub = %q", sub)
	}
	if keys.refreshes != 0 {
		t.Fatalf("refreshed keys on a hit")
	}
}

func TestValidatorAcceptsES256(t *testing.T) {
	ec := newECKey(t)
	keys := &staticKeys{keys: mustKeySet(t, jwk(&ec.PublicKey, "ec", "ES256"))}
	v := NewValidator(keys, DefaultClockSkew)
	d := testDeployment("https://lms.example.edu/jwks")

	raw := sign(t, jwt.SigningMethodES256, ec, "ec", launchClaims(testNonce))
	if _, err := v.Validate(context.Background(), raw, d, PendingLaunch{Nonce: testNonce}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidatorRejectsDisallowedAlgorithms(t *testing.T) {
	v, keys, d, pl := validatorFixture(t)

	none := sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, "k1", launchClaims(testNonce))
	hs := sign(t, jwt.SigningMethodHS256, []byte("shared-secret"), "k1", launchClaims(testNonce))

	for name, raw := range map[string]string{"none": none, "HS256": hs} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), raw, d, pl)
			wantKind(t, err, KindSignatureInvalid)
		})
	}
	if keys.calls != 0 {
		t.Fatalf("key material consulted for a disallowed algorithm")
	}
}

// An HS256 token keyed with the platform's RSA public key must not verify.
func TestValidatorRejectsAlgorithmConfusion(t *testing.T) {
	v, _, d, pl := validatorFixture(t)
	pub := sharedRSAKey(t).PublicKey

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","kid":"k1","typ":"JWT"}`))
	payload, err := jwt.NewWithClaims(jwt.SigningMethodHS256, launchClaims(testNonce)).SigningString()
	if err != nil {
		t.Fatal(err)
	}
	body := strings.SplitN(payload, ".", 2)[1]
	mac := hmac.New(sha256.New, pub.N.Bytes())
	mac.Write([]byte(header + "." + body))
	forged := header + "." + body + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	_, err = v.Validate(context.Background(), forged, d, pl)
	wantKind(t, err, KindSignatureInvalid)
}

func TestValidatorRejectsTamperedPayload(t *testing.T) {
	v, _, d, pl := validatorFixture(t)
	raw := signRS(t, sharedRSAKey(t), "k1", launchClaims(testNonce))

	other := launchClaims(testNonce)
	other["sub"] = "admin"
	forgedBody := strings.Split(signRS(t, sharedRSAKey(t), "k1", other), ".")[1]
	parts := strings.Split(raw, ".")
	tampered := parts[0] + "." + forgedBody + "." + parts[2]

	_, err := v.Validate(context.Background(), tampered, d, pl)
	wantKind(t, err, KindSignatureInvalid)
}

func TestValidatorKeyAlgMismatch(t *testing.T) {
	priv := sharedRSAKey(t)
	keys := &staticKeys{keys: mustKeySet(t, jwk(&priv.PublicKey, "k1", "RS512"))}
	v := NewValidator(keys, DefaultClockSkew)

	raw := signRS(t, priv, "k1", launchClaims(testNonce))
	_, err := v.Validate(context.Background(), raw, testDeployment("x"), PendingLaunch{Nonce: testNonce})
	wantKind(t, err, KindSignatureInvalid)
}

func TestValidatorKeyTypeMustFitAlg(t *testing.T) {
	ec := newECKey(t)
	keys := &staticKeys{keys: mustKeySet(t, jwk(&ec.PublicKey, "k1", ""))}
	v := NewValidator(keys, DefaultClockSkew)

	raw := signRS(t, sharedRSAKey(t), "k1", launchClaims(testNonce))
	_, err := v.Validate(context.Background(), raw, testDeployment("x"), PendingLaunch{Nonce: testNonce})
	wantKind(t, err, KindSignatureInvalid)
}

func TestValidatorKidMissRefreshesOnce(t *testing.T) {
	priv := sharedRSAKey(t)
	old := mustKeySet(t, jwk(&priv.PublicKey, "old", "RS256"))
	rotated := mustKeySet(t, jwk(&priv.PublicKey, "old", "RS256"), jwk(&priv.PublicKey, "new", "RS256"))
	d := testDeployment("https://lms.example.edu/jwks")
	pl := PendingLaunch{Nonce: testNonce}

	t.Run("rotated key found", func(t *testing.T) {
		keys := &staticKeys{keys: old, refreshed: rotated}
		v := NewValidator(keys, DefaultClockSkew)
		if _, err := v.Validate(context.Background(), signRS(t, priv, "new", launchClaims(testNonce)), d, pl); err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if keys.refreshes != 1 {
			t.Fatalf("refreshes = %d", keys.refreshes)
		}
	})

	t.Run("still missing", func(t *testing.T) {
		keys := &staticKeys{keys: old}
		v := NewValidator(keys, DefaultClockSkew)
		_, err := v.Validate(context.Background(), signRS(t, priv, "ghost", launchClaims(testNonce)), d, pl)
		wantKind(t, err, KindKeyNotFound)
		if keys.refreshes != 1 {
			t.Fatalf("refreshes = %d, want exactly 1", keys.refreshes)
		}
	})

	t.Run("no kid", func(t *testing.T) {
		keys := &staticKeys{keys: old}
		v := NewValidator(keys, DefaultClockSkew)
		_, err := v.Validate(context.Background(), signRS(t, priv, "", launchClaims(testNonce)), d, pl)
		wantKind(t, err, KindKeyNotFound)
	})
}

func TestValidatorKeyFetchFailure(t *testing.T) {
	keys := &staticKeys{err: errorf(KindKeyFetchFailure, "test", "platform down")}
	v := NewValidator(keys, DefaultClockSkew)
	raw := signRS(t, sharedRSAKey(t), "k1", launchClaims(testNonce))

	_, err := v.Validate(context.Background(), raw, testDeployment("x"), PendingLaunch{Nonce: testNonce})
	wantKind(t, err, KindKeyFetchFailure)
}

func TestValidatorClaimChecks(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name   string
		mutate func(c jwt.MapClaims, d *Deployment)
		want   Kind
	}{
		{"wrong issuer", func(c jwt.MapClaims, _ *Deployment) { c["iss"] = "https://evil.example" }, KindIssuerMismatch},
		{"wrong audience", func(c jwt.MapClaims, _ *Deployment) { c["aud"] = "other-tool" }, KindAudienceMismatch},
		{"missing audience", func(c jwt.MapClaims, _ *Deployment) { delete(c, "aud") }, KindAudienceMismatch},
		{"azp mismatch", func(c jwt.MapClaims, _ *Deployment) {
			c["aud"] = []any{testClientID, "other"}
			c["azp"] = "other"
		}, KindAudienceMismatch},
		{"expired", func(c jwt.MapClaims, _ *Deployment) { c["exp"] = now.Add(-time.Second).Unix() }, KindTokenExpired},
		{"missing exp", func(c jwt.MapClaims, _ *Deployment) { delete(c, "exp") }, KindTokenExpired},
		{"iat in the future", func(c jwt.MapClaims, _ *Deployment) {
			c["iat"] = now.Add(5 * time.Minute).Unix()
			c["exp"] = now.Add(10 * time.Minute).Unix()
		}, KindTokenNotYetValid},
		{"nbf in the future", func(c jwt.MapClaims, _ *Deployment) { c["nbf"] = now.Add(3 * time.Minute).Unix() }, KindTokenNotYetValid},
		{"wrong nonce", func(c jwt.MapClaims, _ *Deployment) { c["nonce"] = "replayed" }, KindNonceMismatch},
		{"missing nonce", func(c jwt.MapClaims, _ *Deployment) { delete(c, "nonce") }, KindNonceMismatch},
		{"deployment mismatch", func(c jwt.MapClaims, _ *Deployment) { c[ClaimDeploymentID] = "dep-other" }, KindDeploymentMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, _, d, pl := validatorFixture(t)
			claims := launchClaims(testNonce)
			tc.mutate(claims, &d)
			_, err := v.Validate(context.Background(), signRS(t, sharedRSAKey(t), "k1", claims), d, pl)
			wantKind(t, err, tc.want)
		})
	}
}

func TestValidatorClaimAllowances(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name   string
		mutate func(c jwt.MapClaims, d *Deployment)
	}{
		{"iat within skew", func(c jwt.MapClaims, _ *Deployment) { c["iat"] = now.Add(30 * time.Second).Unix() }},
		{"multi audience with matching azp", func(c jwt.MapClaims, _ *Deployment) {
			c["aud"] = []any{"other", testClientID}
			c["azp"] = testClientID
		}},
		{"multi audience without azp", func(c jwt.MapClaims, _ *Deployment) { c["aud"] = []any{"other", testClientID} }},
		{"deployment unpinned", func(c jwt.MapClaims, d *Deployment) {
			d.DeploymentID = ""
			c[ClaimDeploymentID] = "anything"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, _, d, pl := validatorFixture(t)
			claims := launchClaims(testNonce)
			tc.mutate(claims, &d)
			if _, err := v.Validate(context.Background(), signRS(t, sharedRSAKey(t), "k1", claims), d, pl); err != nil {
				t.Fatalf("Validate: %v", err)
			}
		})
	}
}

func TestValidatorMalformedToken(t *testing.T) {
	v, _, d, pl := validatorFixture(t)
	for _, raw := range []string{"", "abc", "a.b.c", "eyJhbGciOiJSUzI1NiJ9.bm90LWpzb24.sig"} {
		_, err := v.Validate(context.Background(), raw, d, pl)
		wantKind(t, err, KindSignatureInvalid)
	}
}

func TestTokenDigestDoesNotContainToken(t *testing.T) {
	raw := signRS(t, sharedRSAKey(t), "k1", launchClaims(testNonce))
	d := TokenDigest(raw)
	if strings.Contains(raw, d) || d != TokenDigest(raw) {
		t.Fatalf("digest %q unstable or embedded", d)
	}
}

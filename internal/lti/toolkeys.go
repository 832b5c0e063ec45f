// internal/lti/toolkeys.go
package lti

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

/*
Tool signing keys.

The tool signs exactly one kind of token itself: the private_key_jwt client
assertion used to obtain LTI Advantage access tokens. Platforms verify it
against /lti/jwks, which publishes the current key and, during a rotation,
the previous one.
*/

const toolKeyAlg = "RS256"

// KeyRecord is one RSA signing key.
type KeyRecord struct {
	KID       string
	Alg       string
	CreatedAt time.Time
	Private   *rsa.PrivateKey
}

func (k KeyRecord) publicJWK() jose.JSONWebKey {
	return jose.JSONWebKey{Key: &k.Private.PublicKey, KeyID: k.KID, Algorithm: k.Alg, Use: "sig"}
}

// ToolKeys holds the active signing key and keys still published for verification.
type ToolKeys struct {
	current  KeyRecord
	previous []KeyRecord
}

type ToolKeyOptions struct {
	PEMFile         string // path to the current key
	PEM             string // inline PEM, alternative to PEMFile
	KID             string // default: RFC 7638 thumbprint
	PreviousPEMFile string // still published in the JWKS, never used to sign
	// Generate creates an ephemeral key when none is configured (development).
	Generate bool
}

// LoadToolKeys builds the key set from PEM material, or generates a fresh key
// when allowed and nothing is configured.
func LoadToolKeys(opts ToolKeyOptions) (*ToolKeys, error) {
	var (
		priv *rsa.PrivateKey
		err  error
	)
	switch {
	case opts.PEMFile != "":
		priv, err = readRSAKeyFile(opts.PEMFile)
	case strings.TrimSpace(opts.PEM) != "":
		priv, err = jwt.ParseRSAPrivateKeyFromPEM([]byte(opts.PEM))
	case opts.Generate:
		priv, err = GenerateRSAKey(2048)
	default:
		return nil, ErrNoSigningKey
	}
	if err != nil {
		return nil, fmt.Errorf("toolkeys: current key: %w", err)
	}
	cur, err := newKeyRecord(priv, opts.KID)
	if err != nil {
		return nil, err
	}
	tk := &ToolKeys{current: cur}

	if opts.PreviousPEMFile != "" {
		prevKey, err := readRSAKeyFile(opts.PreviousPEMFile)
		if err != nil {
			return nil, fmt.Errorf("toolkeys: previous key: %w", err)
		}
		prev, err := newKeyRecord(prevKey, "")
		if err != nil {
			return nil, err
		}
		if prev.KID == cur.KID {
			return nil, errors.New("toolkeys: previous key is the current key")
		}
		tk.previous = append(tk.previous, prev)
	}
	return tk, nil
}

// NewToolKeys wraps an in-memory key (tests, tooling).
func NewToolKeys(priv *rsa.PrivateKey, kid string) (*ToolKeys, error) {
	rec, err := newKeyRecord(priv, kid)
	if err != nil {
		return nil, err
	}
	return &ToolKeys{current: rec}, nil
}

func newKeyRecord(priv *rsa.PrivateKey, kid string) (KeyRecord, error) {
	if priv == nil {
		return KeyRecord{}, errors.New("toolkeys: nil rsa key")
	}
	if priv.N.BitLen() < 2048 {
		return KeyRecord{}, fmt.Errorf("toolkeys: rsa key is %d bits, need at least 2048", priv.N.BitLen())
	}
	if strings.TrimSpace(kid) == "" {
		var err error
		if kid, err = Thumbprint(&priv.PublicKey); err != nil {
			return KeyRecord{}, err
		}
	}
	return KeyRecord{KID: kid, Alg: toolKeyAlg, CreatedAt: time.Now().UTC(), Private: priv}, nil
}

// KID of the key used for signing.
func (k *ToolKeys) KID() string { return k.current.KID }

// Sign issues an RS256 JWT with the current key's kid in the header.
func (k *ToolKeys) Sign(claims jwt.Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = k.current.KID
	s, err := t.SignedString(k.current.Private)
	if err != nil {
		return "", fmt.Errorf("toolkeys: sign: %w", err)
	}
	return s, nil
}

// PublicJWKS returns current and previous public keys, current first.
func (k *ToolKeys) PublicJWKS() jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{k.current.publicJWK()}}
	for _, p := range k.previous {
		set.Keys = append(set.Keys, p.publicJWK())
	}
	return set
}

// Thumbprint is the RFC 7638 SHA-256 thumbprint, base64url.
func Thumbprint(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("toolkeys: thumbprint: %w", err)
	}
	return b64url(sum), nil
}

func GenerateRSAKey(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = 2048
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// EncodeRSAPrivateKeyPEM renders priv as a PKCS#8 "PRIVATE KEY" block.
func EncodeRSAPrivateKeyPEM(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("toolkeys: marshal: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func readRSAKeyFile(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return jwt.ParseRSAPrivateKeyFromPEM(raw)
}

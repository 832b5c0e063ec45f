package lti

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	jose "github.com/go-jose/go-jose/v4"
)

// PublicKey is one verification key from a platform JWKS.
type PublicKey struct {
	KID string
	Alg string // declared "alg", may be empty
	Key crypto.PublicKey
}

// KeySet is an immutable kid-indexed view of a JWKS document.
type KeySet struct {
	keys map[string]PublicKey
}

// Lookup returns the key with the given kid.
func (s *KeySet) Lookup(kid string) (PublicKey, bool) {
	if s == nil {
		return PublicKey{}, false
	}
	k, ok := s.keys[kid]
	return k, ok
}

func (s *KeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// KIDs lists the key ids in sorted order.
func (s *KeySet) KIDs() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.keys))
	for kid := range s.keys {
		out = append(out, kid)
	}
	sort.Strings(out)
	return out
}

// ParseKeySet decodes a JWKS document. Entries that are malformed,
// symmetric, private, encryption-only or lack a kid are skipped rather than
// failing the whole set; an empty result is an error.
func ParseKeySet(raw []byte) (*KeySet, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("jwks: decode: %w", err)
	}
	set := &KeySet{keys: make(map[string]PublicKey, len(doc.Keys))}
	for _, entry := range doc.Keys {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(entry); err != nil {
			continue
		}
		if jwk.KeyID == "" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		if !jwk.IsPublic() || !jwk.Valid() {
			continue
		}
		switch jwk.Key.(type) {
		case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		default:
			continue
		}
		set.keys[jwk.KeyID] = PublicKey{KID: jwk.KeyID, Alg: jwk.Algorithm, Key: jwk.Key}
	}
	if len(set.keys) == 0 {
		return nil, errors.New("jwks: no usable signing keys")
	}
	return set, nil
}

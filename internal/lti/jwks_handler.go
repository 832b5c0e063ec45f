// internal/lti/jwks_handler.go
package lti

import (
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/rs/zerolog/log"
)

// JWKSProvider loads the tool's public key set. Never return private keys.
type JWKSProvider interface {
	PublicJWKS() jose.JSONWebKeySet
}

// JWKSHandler serves the tool's public keys so platforms can verify our
// client assertions.
//
//	r.Method(http.MethodGet, "/lti/jwks", &lti.JWKSHandler{Provider: keys})
type JWKSHandler struct {
	Provider JWKSProvider

	// Optional: cache control for responses (default: 10 minutes).
	CacheMaxAge time.Duration
	// Optional: override the clock (useful in tests).
	Now func() time.Time
}

func (h *JWKSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Provider == nil {
		http.Error(w, "jwks: not configured", http.StatusInternalServerError)
		return
	}
	set := h.Provider.PublicJWKS()
	for _, k := range set.Keys {
		if !k.IsPublic() {
			log.Ctx(r.Context()).Error().Str("kid", k.KeyID).Msg("refusing to publish private key")
			http.Error(w, "jwks: misconfigured", http.StatusInternalServerError)
			return
		}
	}
	if set.Keys == nil {
		set.Keys = []jose.JSONWebKey{}
	}

	// Marshal once to compute ETag and to write the body.
	payload, err := json.Marshal(set)
	if err != nil {
		http.Error(w, "jwks: marshal error", http.StatusInternalServerError)
		return
	}

	etag := computeETag(payload)
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(h.cacheAge().Seconds())))
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", h.now().UTC().Format(http.TimeFormat))

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *JWKSHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *JWKSHandler) cacheAge() time.Duration {
	if h.CacheMaxAge > 0 {
		return h.CacheMaxAge
	}
	return 10 * time.Minute
}

func computeETag(b []byte) string {
	sum := sha256.Sum256(b)
	// weak ETag is fine here
	return `W/"` + b64url(sum[:]) + `"`
}

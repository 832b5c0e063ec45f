// Package api assembles the HTTP surface: the LTI protocol endpoints, the
// tool JWKS and health probes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mind-engage/mindengage-lti/internal/api/middleware"
	"github.com/mind-engage/mindengage-lti/internal/lti"
	"github.com/mind-engage/mindengage-lti/internal/storage"
)

type Deps struct {
	Service *lti.Service
	Keys    lti.JWKSProvider
	DB      *storage.DB // for /readyz; nil skips the check

	CORSOrigins    []string      // for /lti/jwks
	RequestTimeout time.Duration // default 30s
}

func NewRouter(d Deps) http.Handler {
	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP, middleware.Correlation, middleware.Logging, middleware.Recover)
	r.Use(chimw.Timeout(timeout))

	r.Route("/lti", func(lr chi.Router) {
		// platforms may initiate login with either method
		lr.Get("/login", lti.LoginHandler(d.Service))
		lr.Post("/login", lti.LoginHandler(d.Service))
		lr.Post("/launch", lti.LaunchHandler(d.Service))

		lr.Group(func(jr chi.Router) {
			jr.Use(cors.Handler(cors.Options{
				AllowedOrigins: d.CORSOrigins,
				AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
				AllowedHeaders: []string{"If-None-Match"},
				ExposedHeaders: []string{"ETag"},
				MaxAge:         300,
			}))
			jwks := &lti.JWKSHandler{Provider: d.Keys}
			jr.Method(http.MethodGet, "/jwks", jwks)
			jr.Method(http.MethodHead, "/jwks", jwks)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", readyHandler(d.DB))

	return r
}

func readyHandler(db *storage.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				http.Error(w, "db unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

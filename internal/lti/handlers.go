// internal/lti/handlers.go
package lti

import (
	"fmt"
	"net/http"

	"github.com/mind-engage/mindengage-lti/internal/api/middleware"
)

// LoginHandler accepts the platform's third-party login initiation (GET or
// form POST) and bounces the browser to the platform's auth endpoint.
func LoginHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeError(w, r, errorf(KindMalformedRequest, "lti.LoginHandler", "bad form: %v", err))
			return
		}
		redirect, err := svc.Login(r.Context(), LoginRequest{
			Issuer:          r.Form.Get("iss"),
			LoginHint:       r.Form.Get("login_hint"),
			TargetLinkURI:   r.Form.Get("target_link_uri"),
			ClientID:        r.Form.Get("client_id"),
			LTIDeploymentID: r.Form.Get("lti_deployment_id"),
			LTIMessageHint:  r.Form.Get("lti_message_hint"),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, redirect, http.StatusFound)
	}
}

// LaunchHandler receives the id_token form_post and redirects into the app.
func LaunchHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeError(w, r, errorf(KindMalformedRequest, "lti.LaunchHandler", "bad form: %v", err))
			return
		}
		res, err := svc.Launch(r.Context(), LaunchRequest{
			IDToken:          r.PostForm.Get("id_token"),
			State:            r.PostForm.Get("state"),
			Error:            r.PostForm.Get("error"),
			ErrorDescription: r.PostForm.Get("error_description"),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, res.Redirect, http.StatusFound)
	}
}

// writeError shows only a generic message and the correlation id.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := AsError("", err)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(e.HTTPStatus())
	_, _ = fmt.Fprintf(w, "%s\nReference: %s\n", PublicMessage(e.Kind), middleware.CorrelationID(r.Context()))
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/terraconstructs/gridauth/internal/auth"
)

func defaultHealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// HandleReady builds the token verifier if it is not built yet and reports whether
// authentication can serve traffic.
func HandleReady(delegate *auth.LazyDelegate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := delegate.Ensure(r.Context()); err != nil {
			if errors.Is(err, auth.ErrMissingConfiguration) {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			http.Error(w, "token verifier unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// WhoAmIResponse is returned by /auth/whoami.
type WhoAmIResponse struct {
	Subject string         `json:"subject"`
	Claims  map[string]any `json:"claims"`
}

// HandleWhoAmI returns the claims of the verified token.
func HandleWhoAmI() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		subject, _ := auth.SubjectFromContext(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(WhoAmIResponse{Subject: subject, Claims: claims}); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}
	}
}

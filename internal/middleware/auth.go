package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/latticehq/tenantgate/internal/gateway"
)

type contextKey string

const (
	ContextAuth      contextKey = "auth_context"
	ContextRequestID contextKey = "request_id"
)

const sessionCookieName = "lattice_session"

// Auth resolves request credentials into an AuthContext and injects it into
// the request context. Credential problems produce 401; infrastructure
// failures during resolution produce 503 so the client retries rather than
// being told its credentials are bad.
type Auth struct {
	resolver *gateway.Resolver
}

func NewAuth(resolver *gateway.Resolver) *Auth {
	return &Auth{resolver: resolver}
}

func (m *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, err := m.resolver.Resolve(r.Context(), extractCredentials(r))
		if err != nil {
			slog.Error("Identity resolution failed", "error", err, "request_id", GetRequestID(r))
			writeError(w, http.StatusServiceUnavailable, "identity_unavailable", "identity lookup failed, retry shortly")
			return
		}
		if !auth.Authorized {
			writeError(w, http.StatusUnauthorized, "unauthorized", auth.Reason)
			return
		}

		ctx := context.WithValue(r.Context(), ContextAuth, auth)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAuth extracts the resolved AuthContext from the request context.
func GetAuth(r *http.Request) (gateway.AuthContext, bool) {
	v, ok := r.Context().Value(ContextAuth).(gateway.AuthContext)
	return v, ok
}

// extractCredentials pulls the API key and session token off a request. The
// key comes from X-Api-Key or a Bearer Authorization header; the session
// token from the session cookie.
func extractCredentials(r *http.Request) gateway.Credentials {
	creds := gateway.Credentials{APIKey: r.Header.Get("X-Api-Key")}

	if creds.APIKey == "" {
		if auth := r.Header.Get("Authorization"); auth != "" {
			if token := strings.TrimPrefix(auth, "Bearer "); token != auth {
				creds.APIKey = token
			}
		}
	}

	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		creds.SessionToken = cookie.Value
	}

	return creds
}

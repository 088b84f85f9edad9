// ABOUTME: HTTP middleware verifying peer bearer tokens on API endpoints
// ABOUTME: Every verification failure produces the same generic 401; detail goes to logs only

package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/burrownet/burrow/internal/store"
)

// Wire bodies for authentication and authorization failures. The 401 body is
// deliberately the only thing a remote caller ever sees: missing, malformed,
// unknown, expired, and revoked tokens are indistinguishable on the wire.
const (
	unauthorizedBody = `{"error":"unauthorized"}`
	forbiddenBody    = `{"error":"forbidden"}`
)

// Verifier authenticates a presented token secret. Implemented by the
// token ledger.
type Verifier interface {
	VerifyAndTouch(ctx context.Context, secret string, now time.Time) (*store.IssuedToken, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware verifies the bearer token on every request and attaches the
// peer to the request context. Why-it-failed never reaches the wire; the
// middleware logs it and answers with the one generic 401.
func Middleware(verifier Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				logger.Warn("rejected request", "reason", errMsg, "path", r.URL.Path, "remote", r.RemoteAddr)
				http.Error(w, unauthorizedBody, http.StatusUnauthorized)
				return
			}

			issued, err := verifier.VerifyAndTouch(r.Context(), token, time.Now())
			if err != nil {
				logger.Warn("rejected token", "reason", err, "path", r.URL.Path, "remote", r.RemoteAddr)
				http.Error(w, unauthorizedBody, http.StatusUnauthorized)
				return
			}

			peer := &Peer{
				DeviceID:    issued.Subject,
				Permissions: issued.Permissions,
			}
			next.ServeHTTP(w, r.WithContext(WithPeer(r.Context(), peer)))
		})
	}
}

// RequirePermission gates a handler on a single permission string.
// Must be used after Middleware.
func RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			peer := FromContext(r.Context())
			if peer == nil {
				http.Error(w, unauthorizedBody, http.StatusUnauthorized)
				return
			}

			if !peer.Can(permission) {
				http.Error(w, forbiddenBody, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

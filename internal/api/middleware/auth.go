package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/narvanalabs/fleet-engine/internal/api/errors"
	"github.com/narvanalabs/fleet-engine/internal/peer"
	"github.com/narvanalabs/fleet-engine/pkg/logger"
)

// Authenticate returns a middleware that requires a bearer token signed with
// secret for the engine API. The token subject is recorded as the request
// sender. An empty secret disables the check.
func Authenticate(secret string, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := middleware.GetReqID(r.Context())

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				apierrors.WriteErrorWithRequestID(w, apierrors.NewUnauthorizedError("Missing authentication"), requestID)
				return
			}

			subject, err := peer.VerifyToken(secret, token, peer.APIAudience)
			if err != nil {
				log.Debug("API token validation failed", "error", err, "remote_addr", r.RemoteAddr)
				apierrors.WriteErrorWithRequestID(w, apierrors.NewUnauthorizedError("Invalid token"), requestID)
				return
			}

			ctx := logger.ContextWithSender(r.Context(), subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

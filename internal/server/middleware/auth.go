package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tenderwave/gateway/internal/metrics"
	"github.com/tenderwave/gateway/pkg/session"
)

// AuthMiddleware authorizes the request through the session controller.
// Every admission failure maps to a single 401 so a probing client cannot
// distinguish a bad signature from a revoked session. Browsers cannot set
// headers on a websocket upgrade, so the credential is also accepted as a
// "token" query parameter.
func AuthMiddleware(controller *session.Controller, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := extractCredential(r)
			if credential == "" {
				metrics.AdmissionDenied.WithLabelValues("missing_credential").Inc()
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			sess, err := controller.Authorize(r.Context(), credential)
			if err != nil {
				reason := "invalid_credential"
				if !session.IsAuthError(err) {
					reason = "internal"
				}
				metrics.AdmissionDenied.WithLabelValues(reason).Inc()
				logger.Warn("admission denied",
					slog.String("path", r.URL.Path),
					slog.Any("error", err))
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				reqMeta.Session = sess
			}
			w.Header().Set("X-Session-ID", sess.ID)
			w.Header().Set("X-Session-Expires", sess.ExpiresAt.UTC().Format(time.RFC3339))

			next.ServeHTTP(w, r)
		})
	}
}

func extractCredential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, found := strings.CutPrefix(auth, "Bearer "); found {
			return token
		}
	}
	return r.URL.Query().Get("token")
}

package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tenderwave/gateway/internal/metrics"
	"github.com/tenderwave/gateway/pkg/ratelimit"
)

// RateLimitMiddleware admits or rejects requests against the distributed
// limiter. Rejected requests get 429 with the standard rate headers and
// never consume a window slot.
func RateLimitMiddleware(limiter *ratelimit.Limiter, rules *ratelimit.RuleTable, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rule, ok := rules.Match(r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			decision := limiter.Admit(r.Context(), subjectFor(r, rule), rule)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if !decision.Allowed {
				metrics.RateLimitRejections.WithLabelValues(rule.Name).Inc()
				logger.Warn("rate limit exceeded",
					slog.String("rule", rule.Name),
					slog.String("path", r.URL.Path))
				w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// subjectFor resolves the rate-limit subject key for a request. User-scoped
// rules fall back to the client IP when the request is not authenticated yet.
func subjectFor(r *http.Request, rule ratelimit.Rule) string {
	reqMeta, _ := ReqMetadataFrom(r.Context())
	switch rule.SubjectKind {
	case ratelimit.SubjectUser:
		if reqMeta != nil && reqMeta.Session != nil {
			return "user:" + reqMeta.Session.UserID
		}
	case ratelimit.SubjectEndpoint:
		ip := ""
		if reqMeta != nil {
			ip = reqMeta.IP
		}
		return fmt.Sprintf("%s:%s", r.URL.Path, ip)
	}
	if reqMeta != nil {
		return "ip:" + reqMeta.IP
	}
	return "ip:" + r.RemoteAddr
}

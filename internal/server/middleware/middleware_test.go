package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tenderwave/gateway/pkg/config"
	"github.com/tenderwave/gateway/pkg/coord"
	"github.com/tenderwave/gateway/pkg/ratelimit"
	"github.com/tenderwave/gateway/pkg/session"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestMetadataIPExtraction(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		wantIP     string
	}{
		{"remote addr only", "192.0.2.10:54321", nil, "192.0.2.10"},
		{"x-forwarded-for", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "203.0.113.7"},
		{"x-real-ip", "10.0.0.1:1", map[string]string{"X-Real-IP": "203.0.113.9"}, "203.0.113.9"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			handler := RequestMetadataMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reqMeta, ok := ReqMetadataFrom(r.Context())
				if !ok {
					t.Fatal("metadata missing from context")
				}
				got = reqMeta.IP
			}))

			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.RemoteAddr = tc.remoteAddr
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if got != tc.wantIP {
				t.Fatalf("expected ip %q, got %q", tc.wantIP, got)
			}
		})
	}
}

func rateLimitFixture(t *testing.T, requests int) http.Handler {
	t.Helper()
	store := coord.NewMemoryStore()
	limiter := ratelimit.NewLimiter(store, time.Second, newTestLogger())
	rules := ratelimit.NewRuleTable(config.RateLimitConfig{
		Rules: map[string]config.RuleConfig{
			"default": {Requests: requests, Window: time.Minute, SubjectKind: "ip"},
		},
		DefaultRule: "default",
		Exclusions:  []string{"/healthz"},
	})

	mw := RateLimitMiddleware(limiter, rules, newTestLogger())
	return RequestMetadataMiddleware()(mw(okHandler()))
}

func TestRateLimitHeadersAndRejection(t *testing.T) {
	handler := rateLimitFixture(t, 2)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = "192.0.2.1:1000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := do()
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}
	if got := first.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Fatalf("expected limit header 2, got %q", got)
	}
	if got := first.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Fatalf("expected remaining 1, got %q", got)
	}
	if first.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatal("expected reset header")
	}

	do()
	third := do()
	if third.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", third.Code)
	}
	if third.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on rejection")
	}
	if got := third.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected remaining 0 on rejection, got %q", got)
	}
}

func TestRateLimitSubjectsIndependentByIP(t *testing.T) {
	handler := rateLimitFixture(t, 1)

	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do("192.0.2.1:1"); code != http.StatusOK {
		t.Fatalf("first client rejected: %d", code)
	}
	if code := do("192.0.2.1:2"); code != http.StatusTooManyRequests {
		t.Fatalf("expected same-ip rejection, got %d", code)
	}
	if code := do("192.0.2.2:1"); code != http.StatusOK {
		t.Fatalf("other client should be unaffected, got %d", code)
	}
}

func TestRateLimitExclusionBypasses(t *testing.T) {
	handler := rateLimitFixture(t, 1)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "192.0.2.1:1"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("excluded path limited on attempt %d: %d", i, rec.Code)
		}
	}
}

func authFixture(t *testing.T) (http.Handler, *session.Session, string) {
	t.Helper()
	const secret = "test-secret"

	store := coord.NewMemoryStore()
	sessions := session.NewStore(store)
	controller := session.NewController(sessions, secret, 3, time.Second, newTestLogger())

	now := time.Now()
	sess := &session.Session{
		ID:             "S1",
		UserID:         "u1",
		IssuedAt:       now,
		ExpiresAt:      now.Add(time.Hour),
		LastActivityAt: now,
		Active:         true,
	}
	if err := sessions.Save(context.Background(), sess); err != nil {
		t.Fatalf("save session: %v", err)
	}
	credential, err := session.SignCredential(secret, sess)
	if err != nil {
		t.Fatalf("sign credential: %v", err)
	}

	mw := AuthMiddleware(controller, newTestLogger())
	var handler http.Handler = mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqMeta, _ := ReqMetadataFrom(r.Context())
		if reqMeta == nil || reqMeta.Session == nil {
			t.Error("session not attached to request metadata")
		}
		w.WriteHeader(http.StatusOK)
	}))
	return RequestMetadataMiddleware()(handler), sess, credential
}

func TestAuthAcceptsBearerAndQueryToken(t *testing.T) {
	handler, sess, credential := authFixture(t)

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set("Authorization", "Bearer "+credential)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if got := rec.Header().Get("X-Session-ID"); got != sess.ID {
			t.Fatalf("expected session id header %q, got %q", sess.ID, got)
		}
		if rec.Header().Get("X-Session-Expires") == "" {
			t.Fatal("expected session expiry header")
		}
	})

	t.Run("query token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws?token="+credential, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})
}

func TestAuthRejectionsAreUniform(t *testing.T) {
	handler, _, _ := authFixture(t)

	tests := []struct {
		name  string
		setup func(r *http.Request)
	}{
		{"missing credential", func(r *http.Request) {}},
		{"garbage credential", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer not-a-token")
		}},
		{"unknown session", func(r *http.Request) {
			other := &session.Session{
				ID: "ghost", UserID: "u9",
				IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
			}
			tok, err := session.SignCredential("test-secret", other)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			r.Header.Set("Authorization", "Bearer "+tok)
		}},
	}

	var bodies []string
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			bodies = append(bodies, rec.Body.String())
		})
	}

	// Every failure mode reads the same to the client.
	for i := 1; i < len(bodies); i++ {
		if bodies[i] != bodies[0] {
			t.Fatalf("rejection bodies differ: %q vs %q", bodies[0], bodies[i])
		}
	}
}

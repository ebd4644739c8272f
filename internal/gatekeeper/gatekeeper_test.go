package gatekeeper

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicarchive/civicarchive/internal/config"
	"github.com/civicarchive/civicarchive/internal/ratelimit"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

// echoHandler reads the body back so payload pass-through is observable.
var echoHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
})

func newGatekeeper(t *testing.T, cfg *config.Config, limiter *ratelimit.Service) *Gatekeeper {
	t.Helper()
	g, err := New(cfg, limiter, slog.Default())
	require.NoError(t, err)
	return g
}

func baseConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Server.MaxRequestBodyBytes = 64
	return cfg
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestPayloadGuard(t *testing.T) {
	g := newGatekeeper(t, baseConfig(), nil)
	handler := g.Middleware(echoHandler)

	t.Run("small body passes through intact", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/api/echo", strings.NewReader(`{"ok":true}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, `{"ok":true}`, rec.Body.String())
	})

	t.Run("declared oversize is rejected without reading", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/api/echo", strings.NewReader("ignored"))
		r.Header.Set("Content-Length", "5000")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		body := decodeError(t, rec)
		assert.Equal(t, "PAYLOAD_TOO_LARGE", body["code"])
		assert.Equal(t, "Payload Too Large", body["message"])
		assert.Equal(t, "Request Entity Too Large", body["error"])
		details := body["details"].(map[string]any)
		assert.Equal(t, float64(64), details["max_request_body_bytes"])
		assert.Equal(t, float64(5000), details["content_length"])
	})

	t.Run("malformed content length is a 400", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/api/echo", strings.NewReader("x"))
		r.Header.Set("Content-Length", "banana")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "BAD_REQUEST", decodeError(t, rec)["code"])
	})

	t.Run("streamed oversize body is aborted", func(t *testing.T) {
		// No Content-Length declared; the guard must catch it while reading.
		r := httptest.NewRequest(http.MethodPost, "/api/echo", strings.NewReader(strings.Repeat("x", 200)))
		r.Header.Del("Content-Length")
		r.ContentLength = -1
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		body := decodeError(t, rec)
		assert.Equal(t, "PAYLOAD_TOO_LARGE", body["code"])
		details := body["details"].(map[string]any)
		assert.Equal(t, float64(64), details["max_request_body_bytes"])
		assert.Equal(t, float64(65), details["request_body_bytes"])
	})

	t.Run("GET requests skip the guard", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/minutes", nil)
		r.Header.Set("Content-Length", "5000")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("paths outside /api/ skip the guard", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/internal/echo", strings.NewReader(strings.Repeat("x", 200)))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("zero ceiling disables the guard", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Server.MaxRequestBodyBytes = 0
		unlimited := newGatekeeper(t, cfg, nil)

		r := httptest.NewRequest(http.MethodPost, "/api/echo", strings.NewReader(strings.Repeat("x", 10000)))
		rec := httptest.NewRecorder()
		unlimited.Middleware(echoHandler).ServeHTTP(rec, r)

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRateLimitStage(t *testing.T) {
	t.Run("429 after the budget is spent", func(t *testing.T) {
		limiter := ratelimit.NewService(ratelimit.NewLocalBackend(), ratelimit.Options{
			PerWindow: 2,
			Window:    time.Minute,
		}, slog.Default())
		t.Cleanup(func() { _ = limiter.Close() })

		g := newGatekeeper(t, baseConfig(), limiter)
		handler := g.Middleware(echoHandler)

		send := func() *httptest.ResponseRecorder {
			r := httptest.NewRequest(http.MethodGet, "/api/minutes", nil)
			r.RemoteAddr = "198.51.100.20:1234"
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, r)
			return rec
		}

		assert.Equal(t, http.StatusOK, send().Code)
		assert.Equal(t, http.StatusOK, send().Code)

		rec := send()
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		body := decodeError(t, rec)
		assert.Equal(t, "RATE_LIMITED", body["code"])
		assert.Equal(t, "Too Many Requests", body["message"])
		details := body["details"].(map[string]any)
		assert.Equal(t, string(ratelimit.ReasonLimitExceeded), details["reason"])
	})

	t.Run("records the decision in the outcome", func(t *testing.T) {
		limiter := ratelimit.NewService(ratelimit.NewLocalBackend(), ratelimit.Options{
			PerWindow: 5,
			Window:    time.Minute,
		}, slog.Default())
		t.Cleanup(func() { _ = limiter.Close() })

		g := newGatekeeper(t, baseConfig(), limiter)
		handler := g.Middleware(echoHandler)

		r := httptest.NewRequest(http.MethodGet, "/api/minutes", nil)
		r.RemoteAddr = "198.51.100.30:1"
		r = r.WithContext(WithOutcomeHolder(r.Context()))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)

		o := OutcomeFrom(r.Context())
		require.NotNil(t, o)
		require.NotNil(t, o.RateLimit)
		assert.True(t, o.RateLimit.Allowed)
		assert.Equal(t, ratelimit.ReasonOK, o.RateLimit.Reason)
		assert.Equal(t, int64(4), o.RateLimit.Remaining)
	})

	t.Run("identities are limited independently", func(t *testing.T) {
		limiter := ratelimit.NewService(ratelimit.NewLocalBackend(), ratelimit.Options{
			PerWindow: 1,
			Window:    time.Minute,
		}, slog.Default())
		t.Cleanup(func() { _ = limiter.Close() })

		g := newGatekeeper(t, baseConfig(), limiter)
		handler := g.Middleware(echoHandler)

		send := func(addr string) int {
			r := httptest.NewRequest(http.MethodGet, "/api/minutes", nil)
			r.RemoteAddr = addr
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, r)
			return rec.Code
		}

		assert.Equal(t, http.StatusOK, send("198.51.100.1:1"))
		assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.1:2"))
		assert.Equal(t, http.StatusOK, send("198.51.100.2:1"))
	})

	t.Run("forwarded identity from a trusted proxy is limited", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Server.TrustedProxies = []string{"10.0.0.0/8"}
		limiter := ratelimit.NewService(ratelimit.NewLocalBackend(), ratelimit.Options{
			PerWindow: 1,
			Window:    time.Minute,
		}, slog.Default())
		t.Cleanup(func() { _ = limiter.Close() })

		g := newGatekeeper(t, cfg, limiter)
		handler := g.Middleware(echoHandler)

		send := func(xff string) int {
			r := httptest.NewRequest(http.MethodGet, "/api/minutes", nil)
			r.RemoteAddr = "10.0.0.5:999"
			r.Header.Set("X-Forwarded-For", xff)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, r)
			return rec.Code
		}

		assert.Equal(t, http.StatusOK, send("203.0.113.1"))
		assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.1"))
		assert.Equal(t, http.StatusOK, send("203.0.113.2"))
	})
}

func TestAuthStage(t *testing.T) {
	signToken := func(t *testing.T, claims jwt.MapClaims) string {
		t.Helper()
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
		require.NoError(t, err)
		return signed
	}

	t.Run("api key required", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Auth.RequireAPIKey = true
		cfg.Auth.APIKey = "gate-key"
		g := newGatekeeper(t, cfg, nil)
		handler := g.Middleware(echoHandler)

		r := httptest.NewRequest(http.MethodGet, "/api/minutes", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		body := decodeError(t, rec)
		assert.Equal(t, "UNAUTHORIZED", body["code"])
		assert.Equal(t, "Unauthorized", body["message"])

		r = httptest.NewRequest(http.MethodGet, "/api/minutes", nil)
		r.Header.Set("X-API-Key", "gate-key")
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("jwt scope shortfall is a 403", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Auth.RequireJWT = true
		cfg.Auth.JWTSecret = config.RedactedString(testJWTSecret)
		g := newGatekeeper(t, cfg, nil)
		handler := g.Middleware(echoHandler)

		token := signToken(t, jwt.MapClaims{
			"scope": "archive:read",
			"exp":   time.Now().Add(time.Hour).Unix(),
		})

		r := httptest.NewRequest(http.MethodPost, "/api/echo", strings.NewReader("{}"))
		r.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		body := decodeError(t, rec)
		assert.Equal(t, "FORBIDDEN", body["code"])
		assert.Equal(t, "Forbidden", body["message"])
	})

	t.Run("credential lands in the request context", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Auth.RequireJWT = true
		cfg.Auth.JWTSecret = config.RedactedString(testJWTSecret)
		g := newGatekeeper(t, cfg, nil)

		var subject string
		handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cred := CredentialFrom(r.Context()); cred != nil {
				subject = cred.Subject
			}
			w.WriteHeader(http.StatusOK)
		}))

		token := signToken(t, jwt.MapClaims{
			"sub":   "clerk-7",
			"scope": "archive:read",
			"exp":   time.Now().Add(time.Hour).Unix(),
		})
		r := httptest.NewRequest(http.MethodGet, "/api/minutes", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "clerk-7", subject)
	})
}

func TestPipelineOrder(t *testing.T) {
	t.Run("payload guard fires before rate limiting", func(t *testing.T) {
		limiter := ratelimit.NewService(ratelimit.NewLocalBackend(), ratelimit.Options{
			PerWindow: 1,
			Window:    time.Minute,
		}, slog.Default())
		t.Cleanup(func() { _ = limiter.Close() })

		cfg := baseConfig()
		g := newGatekeeper(t, cfg, limiter)
		handler := g.Middleware(echoHandler)

		// An oversized request must not consume rate-limit budget.
		for i := 0; i < 3; i++ {
			r := httptest.NewRequest(http.MethodPost, "/api/echo", strings.NewReader(strings.Repeat("x", 200)))
			r.RemoteAddr = "198.51.100.77:1"
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, r)
			assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		}

		r := httptest.NewRequest(http.MethodGet, "/api/minutes", nil)
		r.RemoteAddr = "198.51.100.77:1"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("rate limiting fires before auth", func(t *testing.T) {
		limiter := ratelimit.NewService(ratelimit.NewLocalBackend(), ratelimit.Options{
			PerWindow: 1,
			Window:    time.Minute,
		}, slog.Default())
		t.Cleanup(func() { _ = limiter.Close() })

		cfg := baseConfig()
		cfg.Auth.RequireAPIKey = true
		cfg.Auth.APIKey = "gate-key"
		g := newGatekeeper(t, cfg, limiter)
		handler := g.Middleware(echoHandler)

		send := func() *httptest.ResponseRecorder {
			// No API key presented at all.
			r := httptest.NewRequest(http.MethodGet, "/api/minutes", nil)
			r.RemoteAddr = "198.51.100.88:1"
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, r)
			return rec
		}

		assert.Equal(t, http.StatusUnauthorized, send().Code)
		assert.Equal(t, http.StatusTooManyRequests, send().Code,
			"second request must be cut by the rate limiter, not auth")
	})

	t.Run("outcome holder records the terminating stage", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Auth.RequireAPIKey = true
		cfg.Auth.APIKey = "gate-key"
		g := newGatekeeper(t, cfg, nil)
		handler := g.Middleware(echoHandler)

		r := httptest.NewRequest(http.MethodGet, "/api/minutes", nil)
		r = r.WithContext(WithOutcomeHolder(r.Context()))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)

		outcome := OutcomeFrom(r.Context())
		require.NotNil(t, outcome)
		assert.Equal(t, StageAuth, outcome.Stage)
		assert.Equal(t, http.StatusUnauthorized, outcome.Status)
		assert.Equal(t, "UNAUTHORIZED", outcome.ErrorKind)
	})
}

func TestWriteError(t *testing.T) {
	t.Run("includes the request id from the response header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		rec.Header().Set(RequestIDHeader, "req-123")

		WriteError(rec, http.StatusNotFound, "NOT_FOUND", "Not Found", nil)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "NOT_FOUND", body["code"])
		assert.Equal(t, "Not Found", body["message"])
		assert.Equal(t, "Not Found", body["error"])
		assert.Equal(t, "req-123", body["request_id"])
		assert.NotContains(t, body, "details")
	})
}

// Package gatekeeper implements the admission pipeline that every protected
// request passes through before reaching a handler: client identity
// resolution, payload ceiling enforcement, fixed-window rate limiting, and
// credential verification, in that order. Each stage either passes the
// request on or terminates it with a uniform JSON error body.
package gatekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/civicarchive/civicarchive/internal/auth"
	"github.com/civicarchive/civicarchive/internal/config"
	"github.com/civicarchive/civicarchive/internal/ratelimit"
)

var tracer = otel.Tracer("civicarchive.gatekeeper")

// RequestIDHeader is the canonical HTTP header for request correlation.
const RequestIDHeader = "X-Request-Id"

// Stage names the pipeline stage where a request terminated.
type Stage string

const (
	StageProxy     Stage = "proxy"
	StagePayload   Stage = "payload"
	StageRateLimit Stage = "rate_limit"
	StageAuth      Stage = "auth"
	StageHandler   Stage = "handler"
)

// Outcome is the terminal record for one request: which stage ended it,
// with what status, and the machine-readable error code if any.
type Outcome struct {
	Stage     Stage
	Status    int
	ErrorKind string
	// RateLimit is the decision made for this request when the rate-limit
	// stage ran, allowed decisions included. Nil when limiting is disabled.
	RateLimit *ratelimit.Decision
}

type contextKey int

const (
	identityContextKey contextKey = iota
	credentialContextKey
	outcomeContextKey
)

// WithOutcomeHolder installs an empty Outcome pointer into the context so
// inner stages can report where the request terminated. Installed by the
// observability recorder before the pipeline runs.
func WithOutcomeHolder(ctx context.Context) context.Context {
	return context.WithValue(ctx, outcomeContextKey, &Outcome{Stage: StageHandler})
}

// OutcomeFrom returns the outcome recorded for this request, or nil when no
// holder was installed.
func OutcomeFrom(ctx context.Context) *Outcome {
	o, _ := ctx.Value(outcomeContextKey).(*Outcome)
	return o
}

func recordOutcome(ctx context.Context, stage Stage, status int, errorKind string) {
	if o := OutcomeFrom(ctx); o != nil {
		o.Stage = stage
		o.Status = status
		o.ErrorKind = errorKind
	}
}

// IdentityFrom returns the resolved client identity, or a zero Identity
// when resolution has not run.
func IdentityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityContextKey).(Identity)
	return id
}

// CredentialFrom returns the verified credential, or nil for anonymous
// requests.
func CredentialFrom(ctx context.Context) *auth.Credential {
	c, _ := ctx.Value(credentialContextKey).(*auth.Credential)
	return c
}

// errorBody is the uniform JSON error response. The error field mirrors the
// HTTP status text; message carries the human-readable explanation.
type errorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Error     string         `json:"error"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// WriteError writes the uniform JSON error body. The request ID is taken
// from the response header set by the observability recorder.
func WriteError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	body := errorBody{
		Code:      code,
		Message:   message,
		Error:     http.StatusText(status),
		RequestID: w.Header().Get(RequestIDHeader),
		Details:   details,
	}
	data, _ := json.Marshal(body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// Gatekeeper runs the admission pipeline in front of protected handlers.
type Gatekeeper struct {
	logger        *slog.Logger
	resolver      *IdentityResolver
	limiter       *ratelimit.Service
	authenticator *auth.Authenticator
	maxBodyBytes  int64
}

// New builds the pipeline from validated configuration and the shared
// rate-limit service.
func New(cfg *config.Config, limiter *ratelimit.Service, logger *slog.Logger) (*Gatekeeper, error) {
	resolver, err := NewIdentityResolver(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("identity resolver: %w", err)
	}

	authenticator, err := auth.New(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("authenticator: %w", err)
	}

	return &Gatekeeper{
		logger:        logger,
		resolver:      resolver,
		limiter:       limiter,
		authenticator: authenticator,
		maxBodyBytes:  cfg.Server.MaxRequestBodyBytes,
	}, nil
}

// Middleware wraps next with the full admission pipeline.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Identity resolution cannot fail; it always yields at least the
		// peer address. Stored once and reused by every later stage.
		identity := g.resolver.Resolve(r)
		ctx := context.WithValue(r.Context(), identityContextKey, identity)
		r = r.WithContext(ctx)

		if !g.guardPayload(w, r) {
			return
		}

		if !g.checkRateLimit(w, r, identity) {
			return
		}

		cred, ok := g.checkAuth(w, r)
		if !ok {
			return
		}
		if cred != nil {
			r = r.WithContext(context.WithValue(r.Context(), credentialContextKey, cred))
		}

		next.ServeHTTP(w, r)
	})
}

// checkRateLimit consults the rate-limit service and terminates the request
// when the budget is exhausted. Degraded fail-open admissions pass through
// here with only their decision reason recorded in the span.
func (g *Gatekeeper) checkRateLimit(w http.ResponseWriter, r *http.Request, identity Identity) bool {
	if g.limiter == nil || !g.limiter.Enabled() {
		return true
	}

	ctx, span := tracer.Start(r.Context(), "civicarchive.rate_limit")
	decision := g.limiter.Check(ctx, identity.IP)
	if o := OutcomeFrom(ctx); o != nil {
		d := decision
		o.RateLimit = &d
	}
	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", decision.Allowed),
		attribute.String("ratelimit.reason", string(decision.Reason)),
	)
	span.End()

	if decision.Allowed {
		return true
	}

	retryAfter := int64(math.Ceil(decision.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	g.fail(w, r, StageRateLimit, http.StatusTooManyRequests, "RATE_LIMITED",
		"Too Many Requests", map[string]any{
			"reason":              string(decision.Reason),
			"retry_after_seconds": retryAfter,
		})
	return false
}

// checkAuth verifies credentials and authorizes the method. Insufficient
// scope maps to 403; every other failure maps to 401.
func (g *Gatekeeper) checkAuth(w http.ResponseWriter, r *http.Request) (*auth.Credential, bool) {
	if !g.authenticator.Enabled() {
		return nil, true
	}

	_, span := tracer.Start(r.Context(), "civicarchive.auth")
	cred, err := g.authenticator.Authenticate(r)
	span.End()

	if err == nil {
		return cred, true
	}

	if errors.Is(err, auth.ErrForbidden) {
		g.fail(w, r, StageAuth, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return nil, false
	}

	g.logger.Debug("authentication failed",
		"error", err,
		"path", r.URL.Path,
		"client_ip", IdentityFrom(r.Context()).IP)
	g.fail(w, r, StageAuth, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	return nil, false
}

// fail records the terminal outcome and writes the error response.
func (g *Gatekeeper) fail(w http.ResponseWriter, r *http.Request, stage Stage, status int, code, message string, details map[string]any) {
	recordOutcome(r.Context(), stage, status, code)
	WriteError(w, status, code, message, details)
}


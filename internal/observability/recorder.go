package observability

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/civicarchive/civicarchive/internal/gatekeeper"
	"github.com/civicarchive/civicarchive/internal/ratelimit"
)

// RouteSet resolves a request path to its registered route template. The
// router does this for requests that reach it, but requests terminated in
// the admission pipeline never get routed; the recorder falls back to this
// set so their metrics still carry a real route label.
type RouteSet struct {
	templates []string
}

// NewRouteSet builds a route set from templates like "/api/{collection}/{id}".
// Templates are kept sorted so that when several match the same path the
// lexically first one wins deterministically.
func NewRouteSet(templates ...string) *RouteSet {
	sorted := make([]string, len(templates))
	copy(sorted, templates)
	sort.Strings(sorted)
	return &RouteSet{templates: sorted}
}

// Match returns the first template matching path, or "" when none does.
func (rs *RouteSet) Match(path string) string {
	segments := splitPath(path)
	for _, tmpl := range rs.templates {
		if matchTemplate(splitPath(tmpl), segments) {
			return tmpl
		}
	}
	return ""
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// matchTemplate compares a template against path segments; a "{name}"
// segment matches any single non-empty segment.
func matchTemplate(tmpl, segments []string) bool {
	if len(tmpl) != len(segments) {
		return false
	}
	for i, part := range tmpl {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			if segments[i] == "" {
				return false
			}
			continue
		}
		if part != segments[i] {
			return false
		}
	}
	return true
}

// statusWriter captures the status code and response size written by the
// wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sw *statusWriter) WriteHeader(status int) {
	if sw.status == 0 {
		sw.status = status
	}
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Write(p []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	n, err := sw.ResponseWriter.Write(p)
	sw.bytes += int64(n)
	return n, err
}

// Flush forwards to the underlying writer when it supports streaming.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Recorder is the outermost request middleware. It assigns the request ID,
// installs the outcome holder for the admission pipeline, and emits exactly
// one log entry and one metrics observation per request.
type Recorder struct {
	logger  *slog.Logger
	metrics *Metrics
	routes  *RouteSet
}

// NewRecorder builds a recorder. routes may be nil when no fallback route
// resolution is wanted.
func NewRecorder(logger *slog.Logger, metrics *Metrics, routes *RouteSet) *Recorder {
	return &Recorder{logger: logger, metrics: metrics, routes: routes}
}

// Middleware wraps next with request recording.
func (rec *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(gatekeeper.RequestIDHeader)
		if uuid.Validate(requestID) != nil {
			requestID = uuid.NewString()
		}
		// Set on the response before the pipeline runs so error bodies can
		// echo it back.
		w.Header().Set(gatekeeper.RequestIDHeader, requestID)
		r.Header.Set(gatekeeper.RequestIDHeader, requestID)

		ctx := gatekeeper.WithOutcomeHolder(r.Context())
		r = r.WithContext(ctx)

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		rec.record(r, status, sw.bytes, requestID, time.Since(start))
	})
}

func (rec *Recorder) record(r *http.Request, status int, bytes int64, requestID string, elapsed time.Duration) {
	route := rec.resolveRoute(r)
	outcome := gatekeeper.OutcomeFrom(r.Context())

	if rec.metrics != nil {
		rec.metrics.RecordRequest(r.Method, route, status, elapsed)
		if outcome != nil {
			switch {
			case outcome.Stage == gatekeeper.StageRateLimit && status == http.StatusTooManyRequests:
				rec.metrics.IncRateLimited()
			case outcome.Stage == gatekeeper.StageAuth:
				rec.metrics.IncAuthDenied()
			case outcome.Stage == gatekeeper.StagePayload:
				rec.metrics.IncPayloadRejected()
			}
			if rl := outcome.RateLimit; rl != nil {
				switch rl.Reason {
				case ratelimit.ReasonDegradedOpen, ratelimit.ReasonDegradedClosed:
					rec.metrics.IncDegraded()
				case ratelimit.ReasonOK:
					rec.metrics.ObserveRemaining(rl.Remaining)
				}
			}
		}
	}

	if rec.logger == nil {
		return
	}

	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"route", normalizeRoute(route),
		"status", status,
		"bytes", bytes,
		"duration_ms", elapsed.Milliseconds(),
		"client_ip", gatekeeper.IdentityFrom(r.Context()).IP,
		"request_id", requestID,
	}
	if outcome != nil && outcome.ErrorKind != "" {
		attrs = append(attrs, "stage", string(outcome.Stage), "error_kind", outcome.ErrorKind)
	}

	switch {
	case status >= 500:
		rec.logger.Error("request", attrs...)
	case status >= 400:
		rec.logger.Warn("request", attrs...)
	default:
		rec.logger.Info("request", attrs...)
	}
}

// resolveRoute prefers the router's matched pattern; requests terminated
// before routing fall back to the static route set.
func (rec *Recorder) resolveRoute(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if rec.routes != nil {
		return rec.routes.Match(r.URL.Path)
	}
	return ""
}

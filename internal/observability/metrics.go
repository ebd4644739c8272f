// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, OpenTelemetry tracing, and the per-request
// recorder middleware for CivicArchive.
package observability

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// maxRouteLabelLen bounds the route label so a pathological template can
// never blow up the exposition payload.
const maxRouteLabelLen = 64

// unmatchedRoute is the route label for requests that never matched a
// registered route template.
const unmatchedRoute = "/_unmatched"

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access in the middleware hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	rateLimited     int64
	authDenied      int64
	payloadRejected int64
	degraded        int64

	// Prometheus counters for scraping.
	promRateLimited     prometheus.Counter
	promAuthDenied      prometheus.Counter
	promPayloadRejected prometheus.Counter
	promDegraded        prometheus.Counter

	// Per-request collectors. All three labels are bounded: method is
	// folded into a fixed verb set, route is a registered template or the
	// unmatched placeholder, and status is collapsed to its class.
	promRequests        *prometheus.CounterVec
	PromRequestDuration *prometheus.HistogramVec

	// Rate limit remaining budget distribution (histogram, not per-key
	// gauge, to avoid unbounded cardinality from per-IP identities).
	PromRLRemaining prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "civicarchive",
			Name:      "requests_rate_limited_total",
			Help:      "Total number of requests rejected by rate limiting.",
		}),
		promAuthDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "civicarchive",
			Name:      "requests_auth_denied_total",
			Help:      "Total number of requests denied by authentication or authorization.",
		}),
		promPayloadRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "civicarchive",
			Name:      "requests_payload_rejected_total",
			Help:      "Total number of requests rejected by the payload guard.",
		}),
		promDegraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "civicarchive",
			Name:      "ratelimit_degraded_decisions_total",
			Help:      "Total number of rate-limit decisions made while the backend was degraded.",
		}),
		promRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civicarchive",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route template, and status class.",
		}, []string{"method", "route", "status_class"}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "civicarchive",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status_class"}),
		PromRLRemaining: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "civicarchive",
			Name:      "ratelimit_remaining_budget",
			Help:      "Distribution of remaining request budget across rate-limit checks.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}

	return m
}

// RecordRequest observes one completed request. Labels are normalized here
// so callers can pass raw values without risking cardinality explosions.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	lm := normalizeMethod(method)
	lr := normalizeRoute(route)
	lc := statusClass(status)
	m.promRequests.WithLabelValues(lm, lr, lc).Inc()
	m.PromRequestDuration.WithLabelValues(lm, lr, lc).Observe(duration.Seconds())
}

// IncRateLimited increments the rate-limited requests counter.
func (m *Metrics) IncRateLimited() {
	atomic.AddInt64(&m.rateLimited, 1)
	m.promRateLimited.Inc()
}

// IncAuthDenied increments the auth denied counter.
func (m *Metrics) IncAuthDenied() {
	atomic.AddInt64(&m.authDenied, 1)
	m.promAuthDenied.Inc()
}

// IncPayloadRejected increments the payload guard rejection counter.
func (m *Metrics) IncPayloadRejected() {
	atomic.AddInt64(&m.payloadRejected, 1)
	m.promPayloadRejected.Inc()
}

// IncDegraded increments the degraded rate-limit decision counter.
func (m *Metrics) IncDegraded() {
	atomic.AddInt64(&m.degraded, 1)
	m.promDegraded.Inc()
}

// ObserveRemaining records the remaining budget as a histogram observation.
// This provides distribution visibility without per-identity cardinality.
func (m *Metrics) ObserveRemaining(remaining int64) {
	m.PromRLRemaining.Observe(float64(remaining))
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	RateLimited     int64
	AuthDenied      int64
	PayloadRejected int64
	Degraded        int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		RateLimited:     atomic.LoadInt64(&m.rateLimited),
		AuthDenied:      atomic.LoadInt64(&m.authDenied),
		PayloadRejected: atomic.LoadInt64(&m.payloadRejected),
		Degraded:        atomic.LoadInt64(&m.degraded),
	}
}

var knownMethods = map[string]struct{}{
	"GET": {}, "HEAD": {}, "POST": {}, "PUT": {},
	"PATCH": {}, "DELETE": {}, "OPTIONS": {},
}

// normalizeMethod folds unknown verbs into OTHER so arbitrary methods
// cannot mint new label values.
func normalizeMethod(method string) string {
	if _, ok := knownMethods[method]; ok {
		return method
	}
	return "OTHER"
}

// normalizeRoute maps an empty route to the unmatched placeholder and
// truncates oversized templates.
func normalizeRoute(route string) string {
	if route == "" {
		return unmatchedRoute
	}
	if len(route) > maxRouteLabelLen {
		return route[:maxRouteLabelLen]
	}
	return route
}

// statusClass collapses a status code to its class ("2xx", "4xx", ...).
// Anything outside the valid HTTP range becomes "invalid".
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "invalid"
	}
	return strconv.Itoa(status/100) + "xx"
}

// Package ratelimit implements fixed-window rate limiting with pluggable
// counter backends: a local in-process store and a shared Redis store. The
// service layer owns the admission decision, including failure-cooldown
// degradation when the shared store is unreachable.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/civicarchive/civicarchive/internal/config"
	"github.com/civicarchive/civicarchive/internal/redis"
)

// Reason explains a rate-limit decision.
type Reason string

const (
	ReasonOK             Reason = "OK"
	ReasonLimitExceeded  Reason = "LIMIT_EXCEEDED"
	ReasonDegradedOpen   Reason = "BACKEND_DEGRADED_OPEN"
	ReasonDegradedClosed Reason = "BACKEND_DEGRADED_CLOSED"
)

// Decision is the outcome of a rate-limit check for one request.
type Decision struct {
	Allowed bool
	// RetryAfter is the time until the current fixed window ends. During a
	// backend cooldown the full window length is reported instead, since
	// the true counter state is unknown.
	RetryAfter time.Duration
	// Remaining is the unused budget in the current window. Zero when the
	// limit is exceeded or the backend is degraded.
	Remaining int64
	Reason    Reason
}

// Window identifies one fixed counting interval. All requests arriving
// within the same interval share one counter per identity.
type Window struct {
	Index  int64
	Length time.Duration
}

// windowAt computes the window containing t for the given length.
func windowAt(t time.Time, length time.Duration) Window {
	secs := int64(length / time.Second)
	if secs < 1 {
		secs = 1
	}
	return Window{Index: t.Unix() / secs, Length: time.Duration(secs) * time.Second}
}

// remaining returns the time from t until the window ends.
func (w Window) remaining(t time.Time) time.Duration {
	end := (w.Index + 1) * int64(w.Length/time.Second)
	d := time.Duration(end-t.Unix()) * time.Second
	if d < 0 {
		return 0
	}
	return d
}

// Backend increments and returns the counter for identity in the given
// window. Implementations must be safe for concurrent use.
type Backend interface {
	IncrementAndCheck(ctx context.Context, identity string, window Window) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Service makes admission decisions against a counter backend. When the
// backend fails, the service enters a cooldown during which no backend calls
// are made and every decision follows the configured fail mode.
type Service struct {
	backend  Backend
	logger   *slog.Logger
	limit    int64
	window   time.Duration
	cooldown time.Duration
	timeout  time.Duration
	failMode config.FailMode

	mu            sync.Mutex
	degradedUntil time.Time
}

// Options configures a Service.
type Options struct {
	// PerWindow is the per-identity request budget. 0 disables limiting.
	PerWindow int64
	Window    time.Duration
	Cooldown  time.Duration
	// Timeout bounds each backend call. 0 means no extra deadline.
	Timeout  time.Duration
	FailMode config.FailMode
}

// NewService creates a rate-limit service over the given backend.
func NewService(backend Backend, opts Options, logger *slog.Logger) *Service {
	window := opts.Window
	if window <= 0 {
		window = time.Minute
	}
	return &Service{
		backend:  backend,
		logger:   logger,
		limit:    opts.PerWindow,
		window:   window,
		cooldown: opts.Cooldown,
		timeout:  opts.Timeout,
		failMode: opts.FailMode,
	}
}

// Enabled reports whether the service enforces a limit.
func (s *Service) Enabled() bool { return s.limit > 0 }

// Check decides whether the request from identity is admitted. Never
// returns an error: backend failures degrade into the configured fail mode.
func (s *Service) Check(ctx context.Context, identity string) Decision {
	if s.limit <= 0 {
		return Decision{Allowed: true, Reason: ReasonOK}
	}

	now := time.Now()
	if s.inCooldown(now) {
		return s.degradedDecision()
	}

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	win := windowAt(now, s.window)
	count, err := s.backend.IncrementAndCheck(callCtx, identity, win)
	if err != nil {
		// Only connectivity-class failures enter the cooldown. A caller
		// canceling its own context mid-call must not poison the shared
		// degradation state for every other client.
		if redis.IsConnectivityErr(err) {
			s.enterCooldown(now)
			s.logger.Warn("rate limit backend failure, entering cooldown",
				"error", err,
				"cooldown", s.cooldown.String(),
				"fail_mode", string(s.failMode))
		} else {
			s.logger.Warn("rate limit check aborted", "error", err)
		}
		return s.degradedDecision()
	}

	retryAfter := win.remaining(now)
	if count > s.limit {
		return Decision{Allowed: false, RetryAfter: retryAfter, Reason: ReasonLimitExceeded}
	}
	return Decision{
		Allowed:    true,
		RetryAfter: retryAfter,
		Remaining:  s.limit - count,
		Reason:     ReasonOK,
	}
}

// Degraded reports whether the service is currently in a failure cooldown.
func (s *Service) Degraded() bool {
	return s.inCooldown(time.Now())
}

// PingBackend probes the counter backend. Used by deep health checks.
func (s *Service) PingBackend(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close releases the underlying backend.
func (s *Service) Close() error {
	return s.backend.Close()
}

func (s *Service) inCooldown(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Before(s.degradedUntil)
}

// enterCooldown starts (or restarts) the cooldown from now.
func (s *Service) enterCooldown(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degradedUntil = now.Add(s.cooldown)
}

// degradedDecision is the static answer used while the backend is skipped.
// The window end cannot be computed without the counter, so the full window
// length is reported as the retry hint.
func (s *Service) degradedDecision() Decision {
	if s.failMode == config.FailModeClosed {
		return Decision{Allowed: false, RetryAfter: s.window, Reason: ReasonDegradedClosed}
	}
	return Decision{Allowed: true, RetryAfter: s.window, Reason: ReasonDegradedOpen}
}

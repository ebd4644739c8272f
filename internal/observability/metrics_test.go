package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates metrics with custom registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		assert.NotNil(t, m)
		assert.NotNil(t, m.promRequests)
		assert.NotNil(t, m.PromRequestDuration)
		assert.NotNil(t, m.PromRLRemaining)
	})
}

func TestMetricsCounters(t *testing.T) {
	t.Run("increments rate limited counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncRateLimited()
		m.IncRateLimited()

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.RateLimited)
	})

	t.Run("increments auth denied counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncAuthDenied()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.AuthDenied)
	})

	t.Run("increments payload rejected counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncPayloadRejected()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.PayloadRejected)
	})

	t.Run("increments degraded counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncDegraded()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.Degraded)
	})
}

func TestMetricsSnapshot(t *testing.T) {
	t.Run("returns point-in-time snapshot of all counters", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())

		m.IncRateLimited()
		m.IncRateLimited()
		m.IncAuthDenied()
		m.IncPayloadRejected()
		m.IncDegraded()

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.RateLimited)
		assert.Equal(t, int64(1), snap.AuthDenied)
		assert.Equal(t, int64(1), snap.PayloadRejected)
		assert.Equal(t, int64(1), snap.Degraded)
	})
}

func TestRecordRequest(t *testing.T) {
	t.Run("counts requests under normalized labels", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())

		m.RecordRequest("GET", "/api/{collection}", 200, 5*time.Millisecond)
		m.RecordRequest("GET", "/api/{collection}", 204, time.Millisecond)

		count := testutil.ToFloat64(m.promRequests.WithLabelValues("GET", "/api/{collection}", "2xx"))
		assert.Equal(t, float64(2), count)
	})

	t.Run("folds unknown methods into OTHER", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())

		m.RecordRequest("PROPFIND", "/api/{collection}", 405, time.Millisecond)

		count := testutil.ToFloat64(m.promRequests.WithLabelValues("OTHER", "/api/{collection}", "4xx"))
		assert.Equal(t, float64(1), count)
	})

	t.Run("unmatched requests share one route label", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())

		m.RecordRequest("GET", "", 404, time.Millisecond)
		m.RecordRequest("GET", "", 404, time.Millisecond)

		count := testutil.ToFloat64(m.promRequests.WithLabelValues("GET", unmatchedRoute, "4xx"))
		assert.Equal(t, float64(2), count)
	})
}

func TestNormalizeMethod(t *testing.T) {
	assert.Equal(t, "GET", normalizeMethod("GET"))
	assert.Equal(t, "DELETE", normalizeMethod("DELETE"))
	assert.Equal(t, "OTHER", normalizeMethod("TRACE"))
	assert.Equal(t, "OTHER", normalizeMethod("get"))
	assert.Equal(t, "OTHER", normalizeMethod(""))
}

func TestNormalizeRoute(t *testing.T) {
	t.Run("keeps registered templates", func(t *testing.T) {
		assert.Equal(t, "/api/{collection}/{id}", normalizeRoute("/api/{collection}/{id}"))
	})

	t.Run("maps empty route to unmatched", func(t *testing.T) {
		assert.Equal(t, unmatchedRoute, normalizeRoute(""))
	})

	t.Run("truncates oversized templates", func(t *testing.T) {
		long := "/" + strings.Repeat("a", 200)
		got := normalizeRoute(long)
		assert.Len(t, got, maxRouteLabelLen)
	})
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(200))
	assert.Equal(t, "2xx", statusClass(299))
	assert.Equal(t, "4xx", statusClass(404))
	assert.Equal(t, "5xx", statusClass(503))
	assert.Equal(t, "1xx", statusClass(101))
	assert.Equal(t, "invalid", statusClass(0))
	assert.Equal(t, "invalid", statusClass(99))
	assert.Equal(t, "invalid", statusClass(600))
}

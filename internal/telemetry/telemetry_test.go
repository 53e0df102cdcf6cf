package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/pkg/types"
)

func TestPrometheus_Counters(t *testing.T) {
	p := NewPrometheus()

	p.ObserveOperation("send_message", "", 3*time.Millisecond)
	p.ObserveOperation("send_message", types.KindForbidden, time.Millisecond)
	p.RateLimited("message", "identity")
	p.CacheAccess(true)
	p.CacheAccess(false)
	p.CacheAccess(false)
	p.CacheEvicted(4)
	p.OfflineFlushed(3, 1)
	p.Escalate("group.persist", errors.New("disk full"))
	p.ConnectionOpened()
	p.ConnectionOpened()
	p.ConnectionClosed()

	assert.Equal(t, 1.0, testutil.ToFloat64(p.operations.WithLabelValues("send_message", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.operations.WithLabelValues("send_message", "Forbidden")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.rateLimited.WithLabelValues("message", "identity")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.cacheAccess.WithLabelValues("miss")))
	assert.Equal(t, 4.0, testutil.ToFloat64(p.evictions))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.offline.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.escalations.WithLabelValues("group.persist")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.connections))
}

func TestPrometheus_HandlerExposesMetrics(t *testing.T) {
	p := NewPrometheus()
	p.CacheEvicted(1)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "huddle_message_cache_evictions_total 1"))
}

func TestPrometheus_IndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheus()
		NewPrometheus()
	})
}

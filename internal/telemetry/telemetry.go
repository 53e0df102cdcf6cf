// Package telemetry implements interfaces.Telemetry on Prometheus collectors.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"huddle/internal/logging"
	"huddle/pkg/interfaces"
	"huddle/pkg/types"
)

// Prometheus records engine activity on a private registry so tests can build
// as many instances as they like without duplicate registration panics.
type Prometheus struct {
	registry *prometheus.Registry
	log      zerolog.Logger

	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	rateLimited *prometheus.CounterVec
	cacheAccess *prometheus.CounterVec
	evictions   prometheus.Counter
	offline     *prometheus.CounterVec
	escalations *prometheus.CounterVec
	connections prometheus.Gauge
}

var _ interfaces.Telemetry = (*Prometheus)(nil)

// NewPrometheus registers the huddle collectors plus the Go and process collectors.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		log:      logging.Component("telemetry"),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_operations_total",
			Help: "Core operations by name and outcome kind",
		}, []string{"operation", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "huddle_operation_duration_seconds",
			Help:    "Duration of core operations in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}, []string{"operation", "scope"}),
		cacheAccess: f.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_message_cache_access_total",
			Help: "Message cache lookups by result",
		}, []string{"result"}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "huddle_message_cache_evictions_total",
			Help: "Messages evicted from the per-group cache",
		}),
		offline: f.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_offline_flush_total",
			Help: "Queued events handled on reconnect, by result",
		}, []string{"result"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_escalations_total",
			Help: "Internal failures escalated for operator attention",
		}, []string{"operation"}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_websocket_connections",
			Help: "Currently open websocket connections",
		}),
	}
}

func (p *Prometheus) ObserveOperation(op string, kind types.ErrorKind, took time.Duration) {
	outcome := "ok"
	if kind != "" {
		outcome = string(kind)
	}
	p.operations.WithLabelValues(op, outcome).Inc()
	p.duration.WithLabelValues(op).Observe(took.Seconds())
}

func (p *Prometheus) RateLimited(op, scope string) {
	p.rateLimited.WithLabelValues(op, scope).Inc()
}

func (p *Prometheus) CacheAccess(hit bool) {
	if hit {
		p.cacheAccess.WithLabelValues("hit").Inc()
		return
	}
	p.cacheAccess.WithLabelValues("miss").Inc()
}

func (p *Prometheus) CacheEvicted(n int) {
	p.evictions.Add(float64(n))
}

func (p *Prometheus) OfflineFlushed(delivered, dropped int) {
	p.offline.WithLabelValues("delivered").Add(float64(delivered))
	p.offline.WithLabelValues("dropped").Add(float64(dropped))
}

// Escalate counts and logs an Internal failure.
func (p *Prometheus) Escalate(op string, err error) {
	p.escalations.WithLabelValues(op).Inc()
	p.log.Error().Err(err).Str("operation", op).Msg("internal failure escalated")
}

// ConnectionOpened and ConnectionClosed track the websocket gauge.
func (p *Prometheus) ConnectionOpened() { p.connections.Inc() }
func (p *Prometheus) ConnectionClosed() { p.connections.Dec() }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Nop discards everything.
type Nop struct{}

var _ interfaces.Telemetry = Nop{}

func (Nop) ObserveOperation(string, types.ErrorKind, time.Duration) {}
func (Nop) RateLimited(string, string)                              {}
func (Nop) CacheAccess(bool)                                        {}
func (Nop) CacheEvicted(int)                                        {}
func (Nop) OfflineFlushed(int, int)                                 {}
func (Nop) Escalate(string, error)                                  {}

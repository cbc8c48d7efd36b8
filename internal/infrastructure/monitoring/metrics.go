package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Render metrics
	RendersTotal   *prometheus.CounterVec
	RenderDuration *prometheus.HistogramVec
	RenderErrors   *prometheus.CounterVec

	// Cache metrics
	CacheLookups *prometheus.CounterVec

	// Pool metrics
	PagesIdle    prometheus.Gauge
	PagesBusy    prometheus.Gauge
	PoolWaiters  prometheus.Gauge
	PagesCreated prometheus.Counter
	PagesRetired prometheus.Counter

	// Breaker metrics
	BreakerState prometheus.Gauge

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a metrics collector registered with reg. Passing nil
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "format", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prerender_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "format"},
		),

		RendersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_renders_total",
				Help: "Total number of page renders",
			},
			[]string{"format", "status"},
		),
		RenderDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prerender_render_duration_seconds",
				Help:    "Page render duration in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30},
			},
			[]string{"format"},
		),
		RenderErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_render_errors_total",
				Help: "Total number of render errors by kind",
			},
			[]string{"kind"},
		),

		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_cache_lookups_total",
				Help: "Total number of cache lookups",
			},
			[]string{"result"},
		),

		PagesIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "prerender_pages_idle",
				Help: "Number of idle browser pages",
			},
		),
		PagesBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "prerender_pages_busy",
				Help: "Number of busy browser pages",
			},
		),
		PoolWaiters: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "prerender_pool_waiters",
				Help: "Number of requests waiting for a page",
			},
		),
		PagesCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "prerender_pages_created_total",
				Help: "Total number of browser pages created",
			},
		),
		PagesRetired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "prerender_pages_retired_total",
				Help: "Total number of browser pages destroyed",
			},
		),

		BreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "prerender_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "prerender_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, format, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, format, status).Inc()
	m.RequestDuration.WithLabelValues(method, format).Observe(duration.Seconds())
}

// RecordRender records render outcome metrics
func (m *Metrics) RecordRender(format, status string, duration time.Duration) {
	m.RendersTotal.WithLabelValues(format, status).Inc()
	m.RenderDuration.WithLabelValues(format).Observe(duration.Seconds())
}

// RecordCacheLookup records a cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

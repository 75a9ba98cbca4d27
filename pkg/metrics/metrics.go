package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Sequence engine metrics
	EnrollmentsTotal     *prometheus.CounterVec
	EmailsSent           *prometheus.CounterVec
	EmailsFailed         *prometheus.CounterVec
	EnrollmentsCompleted prometheus.Counter
	WebhookEvents        *prometheus.CounterVec
	SchedulerRunDuration prometheus.Histogram
	SchedulerDue         prometheus.Gauge

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
}

// New creates a new Metrics instance registered on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 5000, 10000, 50000, 100000, 500000, 1000000},
			},
			[]string{"method", "path"},
		),

		EnrollmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sequence_enrollments_total",
				Help: "Total number of enrollments created or re-enrolled",
			},
			[]string{"sequence", "kind"}, // new, reenroll
		),
		EmailsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sequence_emails_sent_total",
				Help: "Total number of sequence emails accepted by the provider",
			},
			[]string{"sequence"},
		),
		EmailsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sequence_emails_failed_total",
				Help: "Total number of sequence emails the provider rejected",
			},
			[]string{"sequence"},
		),
		EnrollmentsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "sequence_enrollments_completed_total",
			Help: "Total number of enrollments that reached the last step",
		}),
		WebhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "email_webhook_events_total",
				Help: "Total number of delivery webhook events by kind and outcome",
			},
			[]string{"kind", "outcome"}, // recorded, duplicate, unknown
		),
		SchedulerRunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sequence_scheduler_run_duration_seconds",
			Help:    "Duration of one RunDueSteps pass",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		SchedulerDue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sequence_scheduler_due_enrollments",
			Help: "Due enrollments found by the last scheduler pass",
		}),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),
	}
}

// Middleware creates an Echo middleware for Prometheus metrics
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}

			start := time.Now()
			req := c.Request()
			path := c.Path() // route pattern, not the raw path

			err := next(c)

			status := strconv.Itoa(c.Response().Status)
			m.HTTPRequestsTotal.WithLabelValues(req.Method, path, status).Inc()
			m.HTTPRequestDuration.WithLabelValues(req.Method, path, status).Observe(time.Since(start).Seconds())
			m.HTTPResponseSize.WithLabelValues(req.Method, path).Observe(float64(c.Response().Size))

			return err
		}
	}
}

// RecordEnrollment counts a new or re-enrolled enrollment
func (m *Metrics) RecordEnrollment(sequence string, reenrolled bool) {
	if m == nil {
		return
	}
	kind := "new"
	if reenrolled {
		kind = "reenroll"
	}
	m.EnrollmentsTotal.WithLabelValues(sequence, kind).Inc()
}

// RecordSend counts one dispatch attempt
func (m *Metrics) RecordSend(sequence string, success bool) {
	if m == nil {
		return
	}
	if success {
		m.EmailsSent.WithLabelValues(sequence).Inc()
		return
	}
	m.EmailsFailed.WithLabelValues(sequence).Inc()
}

// RecordCompletion counts an enrollment reaching COMPLETED
func (m *Metrics) RecordCompletion() {
	if m == nil {
		return
	}
	m.EnrollmentsCompleted.Inc()
}

// RecordWebhookEvent counts a delivery event
func (m *Metrics) RecordWebhookEvent(kind, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(kind, outcome).Inc()
}

// RecordSchedulerRun records one scheduler pass
func (m *Metrics) RecordSchedulerRun(due int, duration time.Duration) {
	if m == nil {
		return
	}
	m.SchedulerDue.Set(float64(due))
	m.SchedulerRunDuration.Observe(duration.Seconds())
}

// RecordCacheHit increments cache hits counter
func (m *Metrics) RecordCacheHit(cacheType string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments cache misses counter
func (m *Metrics) RecordCacheMiss(cacheType string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(cacheType).Inc()
}

package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the ingress, router, and worker flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec
	admissionsTotal         *prometheus.CounterVec
	envelopesPublishedTotal prometheus.Counter
	publishRetriesTotal     prometheus.Counter
	fanoutMessagesTotal     *prometheus.CounterVec
	deliveriesTotal         *prometheus.CounterVec
	deliveryDuration        *prometheus.HistogramVec
	deliveryRetriesTotal    *prometheus.CounterVec
	deadLetteredTotal       *prometheus.CounterVec
	breakerState            *prometheus.GaugeVec
	workerInflight          *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notifyq",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "notifyq",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		admissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notifyq",
				Name:      "admissions_total",
				Help:      "Total number of admission attempts grouped by result.",
			},
			[]string{"result"},
		),
		envelopesPublishedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "notifyq",
				Name:      "envelopes_published_total",
				Help:      "Total number of notification envelopes handed to the main queue.",
			},
		),
		publishRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "notifyq",
				Name:      "publish_retries_total",
				Help:      "Total number of broker publish attempts that were retried.",
			},
		),
		fanoutMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notifyq",
				Name:      "fanout_messages_total",
				Help:      "Total number of channel messages emitted by the router.",
			},
			[]string{"channel"},
		),
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notifyq",
				Name:      "deliveries_total",
				Help:      "Total number of provider delivery attempts grouped by channel and result.",
			},
			[]string{"channel", "result"},
		),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "notifyq",
				Name:      "delivery_duration_seconds",
				Help:      "Provider send duration in seconds grouped by channel.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel"},
		),
		deliveryRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notifyq",
				Name:      "delivery_retries_total",
				Help:      "Total number of channel messages requeued for retry.",
			},
			[]string{"channel"},
		),
		deadLetteredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notifyq",
				Name:      "dead_lettered_total",
				Help:      "Total number of messages moved to the dead letter store.",
			},
			[]string{"channel", "reason"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "notifyq",
				Name:      "breaker_state",
				Help:      "Circuit breaker state per dependency (0=closed, 1=half_open, 2=open).",
			},
			[]string{"dependency"},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "notifyq",
				Name:      "worker_inflight",
				Help:      "Current number of in-flight worker operations grouped by channel.",
			},
			[]string{"channel"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.admissionsTotal,
		m.envelopesPublishedTotal,
		m.publishRetriesTotal,
		m.fanoutMessagesTotal,
		m.deliveriesTotal,
		m.deliveryDuration,
		m.deliveryRetriesTotal,
		m.deadLetteredTotal,
		m.breakerState,
		m.workerInflight,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncAdmission(result string) {
	if m == nil {
		return
	}
	label := strings.TrimSpace(strings.ToLower(result))
	if label == "" {
		label = "unknown"
	}
	m.admissionsTotal.WithLabelValues(label).Inc()
}

func (m *Metrics) IncEnvelopePublished() {
	if m == nil {
		return
	}
	m.envelopesPublishedTotal.Inc()
}

func (m *Metrics) IncPublishRetry() {
	if m == nil {
		return
	}
	m.publishRetriesTotal.Inc()
}

func (m *Metrics) IncFanoutMessage(channel string) {
	if m == nil {
		return
	}
	m.fanoutMessagesTotal.WithLabelValues(normalizeChannel(channel)).Inc()
}

func (m *Metrics) IncDelivery(channel string, result string) {
	if m == nil {
		return
	}
	resultLabel := strings.TrimSpace(strings.ToLower(result))
	if resultLabel == "" {
		resultLabel = "unknown"
	}
	m.deliveriesTotal.WithLabelValues(normalizeChannel(channel), resultLabel).Inc()
}

func (m *Metrics) ObserveDeliveryDuration(channel string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.deliveryDuration.WithLabelValues(normalizeChannel(channel)).Observe(seconds)
}

func (m *Metrics) IncDeliveryRetry(channel string) {
	if m == nil {
		return
	}
	m.deliveryRetriesTotal.WithLabelValues(normalizeChannel(channel)).Inc()
}

func (m *Metrics) IncDeadLettered(channel string, reason string) {
	if m == nil {
		return
	}
	reasonLabel := strings.TrimSpace(strings.ToLower(reason))
	if reasonLabel == "" {
		reasonLabel = "unknown"
	}
	m.deadLetteredTotal.WithLabelValues(normalizeChannel(channel), reasonLabel).Inc()
}

func (m *Metrics) SetBreakerState(dependency string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(strings.TrimSpace(dependency)).Set(state)
}

func (m *Metrics) IncWorkerInFlight(channel string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeChannel(channel)).Inc()
}

func (m *Metrics) DecWorkerInFlight(channel string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeChannel(channel)).Dec()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeChannel(channel string) string {
	normalized := strings.ToLower(strings.TrimSpace(channel))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

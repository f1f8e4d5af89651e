package observability

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus collectors for the service. A nil *Metrics
// records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errors          *prometheus.CounterVec
	webhookOutcomes *prometheus.CounterVec
	ingested        *prometheus.CounterVec
	jobs            *prometheus.CounterVec
}

// NewMetrics registers collectors on reg. Passing a fresh prometheus.NewRegistry
// keeps tests isolated from the default registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"path", "method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Error responses by route, method and error code.",
		}, []string{"path", "method", "code"}),
		webhookOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_outcomes_total",
			Help: "Webhook results by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		ingested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inbound_messages_ingested_total",
			Help: "Inbound email messages committed to a ticket.",
		}, []string{"thread"}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_total",
			Help: "Task queue job executions by kind and result.",
		}, []string{"kind", "result"}),
	}
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(path, method).Observe(duration.Seconds())
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(path, method, code).Inc()
}

// RecordWebhook counts a webhook outcome such as "ingested" or "duplicate".
func (m *Metrics) RecordWebhook(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.webhookOutcomes.WithLabelValues(endpoint, outcome).Inc()
}

// RecordIngested counts a committed inbound message.
func (m *Metrics) RecordIngested(newTicket bool) {
	if m == nil {
		return
	}
	thread := "existing"
	if newTicket {
		thread = "new"
	}
	m.ingested.WithLabelValues(thread).Inc()
}

// RecordJob counts a queue job execution.
func (m *Metrics) RecordJob(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "retry"
	}
	m.jobs.WithLabelValues(kind, result).Inc()
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() fiber.Handler {
	if m == nil {
		return func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNotFound) }
	}
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}

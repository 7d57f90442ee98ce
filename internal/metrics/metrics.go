package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Rate limit decisions recorded per tier.
const (
	DecisionAllowed    = "allowed"
	DecisionRejected   = "rejected"
	DecisionSkipped    = "skipped"
	DecisionStoreError = "store_error"
)

// Collector owns the gateway's Prometheus registry. Each Collector has its
// own registry so tests can construct as many as they like.
type Collector struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	rateLimit       *prometheus.CounterVec
	upstreamErrors  *prometheus.CounterVec
	authFailures    *prometheus.CounterVec
	keySetRefreshes *prometheus.CounterVec
	auditFailures   prometheus.Counter
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	labels := []string{"method", "route", "status_code", "status_class"}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, labels),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, labels),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by tier.",
		}, []string{"tier", "decision"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "errors_total",
			Help:      "Failed forwards by backend service and reason.",
		}, []string{"service", "reason"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Rejected bearer tokens by reason.",
		}, []string{"reason"}),
		keySetRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "jwks_refreshes_total",
			Help:      "Key set refreshes by result.",
		}, []string{"result"}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "failures_total",
			Help:      "Audit records that degraded to a best-effort line.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestDuration,
		c.requestsTotal,
		c.rateLimit,
		c.upstreamErrors,
		c.authFailures,
		c.keySetRefreshes,
		c.auditFailures,
	)
	return c
}

// StatusClass maps a status code to "2xx", "4xx", ...
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	code := strconv.Itoa(statusCode)
	class := StatusClass(statusCode)
	c.requestDuration.WithLabelValues(method, route, code, class).Observe(duration.Seconds())
	c.requestsTotal.WithLabelValues(method, route, code, class).Inc()
}

// RecordRateLimit records one rate limit decision
func (c *Collector) RecordRateLimit(tier, decision string) {
	c.rateLimit.WithLabelValues(tier, decision).Inc()
}

// RecordUpstreamError records a failed forward
func (c *Collector) RecordUpstreamError(service, reason string) {
	c.upstreamErrors.WithLabelValues(service, reason).Inc()
}

// RecordAuthFailure records a rejected token
func (c *Collector) RecordAuthFailure(reason string) {
	c.authFailures.WithLabelValues(reason).Inc()
}

// RecordKeySetRefresh records a JWKS refresh attempt
func (c *Collector) RecordKeySetRefresh(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.keySetRefreshes.WithLabelValues(result).Inc()
}

// RecordAuditFailure counts an audit record that fell back to a truncated line
func (c *Collector) RecordAuditFailure() {
	c.auditFailures.Inc()
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RequestsTotal exposes the request counter.
func (c *Collector) RequestsTotal() *prometheus.CounterVec { return c.requestsTotal }

// RateLimitDecisions exposes the rate limit decision counter.
func (c *Collector) RateLimitDecisions() *prometheus.CounterVec { return c.rateLimit }

// UpstreamErrors exposes the failed forward counter.
func (c *Collector) UpstreamErrors() *prometheus.CounterVec { return c.upstreamErrors }

// AuthFailures exposes the rejected token counter.
func (c *Collector) AuthFailures() *prometheus.CounterVec { return c.authFailures }

// AuditFailures exposes the audit failure counter.
func (c *Collector) AuditFailures() prometheus.Counter { return c.auditFailures }

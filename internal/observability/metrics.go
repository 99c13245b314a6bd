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

const namespace = "esp_dispatch"

// Metrics stores Prometheus collectors used by the API, the orchestrator and the health monitor.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	sendsTotal            *prometheus.CounterVec
	sendDuration          *prometheus.HistogramVec
	failoversTotal        *prometheus.CounterVec
	bucketWaitTimeouts    *prometheus.CounterVec
	suspensionsTotal      *prometheus.CounterVec
	batchRecipientsTotal  *prometheus.CounterVec
	providerReputation    *prometheus.GaugeVec
	providerBreakerState  *prometheus.GaugeVec
	providerDailyUsage    *prometheus.GaugeVec
	providerWarmingFactor *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		sendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sends_total",
				Help:      "Provider send attempts by provider and outcome class.",
			},
			[]string{"provider", "outcome"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_duration_seconds",
				Help:      "Provider adapter call duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"provider"},
		),
		failoversTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failovers_total",
				Help:      "Sends that moved on from a provider after it failed.",
			},
			[]string{"provider"},
		),
		bucketWaitTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bucket_wait_timeouts_total",
				Help:      "Token bucket waits that ran out of time, by bucket scope.",
			},
			[]string{"scope"},
		),
		suspensionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_suspensions_total",
				Help:      "Automatic provider suspensions.",
			},
			[]string{"provider"},
		),
		batchRecipientsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_recipients_total",
				Help:      "Batch recipients by final result.",
			},
			[]string{"result"},
		),
		providerReputation: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_reputation",
				Help:      "Current provider reputation score.",
			},
			[]string{"provider"},
		),
		providerBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_breaker_state",
				Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
			},
			[]string{"provider"},
		),
		providerDailyUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_daily_usage_ratio",
				Help:      "Share of the daily limit used.",
			},
			[]string{"provider"},
		),
		providerWarmingFactor: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_warming_factor",
				Help:      "Today's warming cap multiplier for warming providers.",
			},
			[]string{"provider"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.sendsTotal,
		m.sendDuration,
		m.failoversTotal,
		m.bucketWaitTimeouts,
		m.suspensionsTotal,
		m.batchRecipientsTotal,
		m.providerReputation,
		m.providerBreakerState,
		m.providerDailyUsage,
		m.providerWarmingFactor,
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

// IncSend counts one adapter call; outcome is "sent" or the lowercased error class.
func (m *Metrics) IncSend(provider string, outcome string) {
	if m == nil {
		return
	}
	m.sendsTotal.WithLabelValues(normalizeLabel(provider), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) ObserveSendDuration(provider string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.sendDuration.WithLabelValues(normalizeLabel(provider)).Observe(seconds)
}

func (m *Metrics) IncFailover(provider string) {
	if m == nil {
		return
	}
	m.failoversTotal.WithLabelValues(normalizeLabel(provider)).Inc()
}

func (m *Metrics) IncBucketWaitTimeout(scope string) {
	if m == nil {
		return
	}
	m.bucketWaitTimeouts.WithLabelValues(normalizeLabel(scope)).Inc()
}

func (m *Metrics) IncSuspension(provider string) {
	if m == nil {
		return
	}
	m.suspensionsTotal.WithLabelValues(normalizeLabel(provider)).Inc()
}

func (m *Metrics) AddBatchRecipients(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.batchRecipientsTotal.WithLabelValues(normalizeLabel(result)).Add(float64(n))
}

func (m *Metrics) SetProviderReputation(provider string, score float64) {
	if m == nil {
		return
	}
	m.providerReputation.WithLabelValues(normalizeLabel(provider)).Set(score)
}

// SetProviderBreakerState maps CLOSED, HALF_OPEN and OPEN to 0, 1 and 2.
func (m *Metrics) SetProviderBreakerState(provider string, state string) {
	if m == nil {
		return
	}
	value := 0.0
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "HALF_OPEN":
		value = 1
	case "OPEN":
		value = 2
	}
	m.providerBreakerState.WithLabelValues(normalizeLabel(provider)).Set(value)
}

func (m *Metrics) SetProviderDailyUsage(provider string, ratio float64) {
	if m == nil {
		return
	}
	m.providerDailyUsage.WithLabelValues(normalizeLabel(provider)).Set(ratio)
}

func (m *Metrics) SetProviderWarmingFactor(provider string, factor float64) {
	if m == nil {
		return
	}
	m.providerWarmingFactor.WithLabelValues(normalizeLabel(provider)).Set(factor)
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

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

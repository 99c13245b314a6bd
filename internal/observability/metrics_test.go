package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsDispatchCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncSend("SendGrid", "sent")
	metrics.IncSend("sendgrid", "TRANSIENT")
	metrics.ObserveSendDuration("sendgrid", 120*time.Millisecond)
	metrics.IncFailover("sendgrid")
	metrics.IncBucketWaitTimeout("provider")
	metrics.IncSuspension("ses")
	metrics.AddBatchRecipients("sent", 40)
	metrics.AddBatchRecipients("not_attempted", 0)

	if got := testutil.ToFloat64(metrics.sendsTotal.WithLabelValues("sendgrid", "sent")); got != 1 {
		t.Fatalf("sends_total{sent} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.sendsTotal.WithLabelValues("sendgrid", "transient")); got != 1 {
		t.Fatalf("sends_total{transient} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.failoversTotal.WithLabelValues("sendgrid")); got != 1 {
		t.Fatalf("failovers_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.bucketWaitTimeouts.WithLabelValues("provider")); got != 1 {
		t.Fatalf("bucket_wait_timeouts_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.suspensionsTotal.WithLabelValues("ses")); got != 1 {
		t.Fatalf("provider_suspensions_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.batchRecipientsTotal.WithLabelValues("sent")); got != 40 {
		t.Fatalf("batch_recipients_total = %v, want 40", got)
	}
}

func TestMetricsProviderGauges(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	testCases := []struct {
		state string
		want  float64
	}{
		{state: "CLOSED", want: 0},
		{state: "HALF_OPEN", want: 1},
		{state: "OPEN", want: 2},
	}
	for _, tc := range testCases {
		metrics.SetProviderBreakerState("ses", tc.state)
		if got := testutil.ToFloat64(metrics.providerBreakerState.WithLabelValues("ses")); got != tc.want {
			t.Fatalf("provider_breaker_state(%s) = %v, want %v", tc.state, got, tc.want)
		}
	}

	metrics.SetProviderReputation("ses", 87.5)
	metrics.SetProviderDailyUsage("ses", 0.25)
	metrics.SetProviderWarmingFactor("ses", 0.5)

	if got := testutil.ToFloat64(metrics.providerReputation.WithLabelValues("ses")); got != 87.5 {
		t.Fatalf("provider_reputation = %v, want 87.5", got)
	}
	if got := testutil.ToFloat64(metrics.providerDailyUsage.WithLabelValues("ses")); got != 0.25 {
		t.Fatalf("provider_daily_usage_ratio = %v, want 0.25", got)
	}
	if got := testutil.ToFloat64(metrics.providerWarmingFactor.WithLabelValues("ses")); got != 0.5 {
		t.Fatalf("provider_warming_factor = %v, want 0.5", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.IncSend("a", "sent")
	metrics.SetProviderReputation("a", 1)
	metrics.AddBatchRecipients("sent", 1)

	if metrics.Handler() == nil {
		t.Fatal("Handler() on nil metrics = nil")
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

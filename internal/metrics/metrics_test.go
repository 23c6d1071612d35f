package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMiddleware_ObservesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	HTTPRequestDuration.Reset()

	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/requests/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/requests/req_1", nil)
	r.ServeHTTP(w, req)

	// The histogram is labelled with the route template, not the raw path.
	obs, err := HTTPRequestDuration.GetMetricWithLabelValues("GET", "/v1/requests/:id", "200")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	m := &dto.Metric{}
	if err := obs.(prometheus.Histogram).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if m.Histogram.GetSampleCount() != 1 {
		t.Errorf("expected 1 sample, got %d", m.Histogram.GetSampleCount())
	}
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	HTTPRequestDuration.Reset()

	r := gin.New()
	r.Use(Middleware())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	r.ServeHTTP(w, req)

	obs, err := HTTPRequestDuration.GetMetricWithLabelValues("GET", "unmatched", "404")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	m := &dto.Metric{}
	if err := obs.(prometheus.Histogram).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if m.Histogram.GetSampleCount() != 1 {
		t.Errorf("expected 1 sample for unmatched route, got %d", m.Histogram.GetSampleCount())
	}
}

func TestCounters_Registered(t *testing.T) {
	PaymentsCompleted.WithLabelValues("PLATFORM_FEE").Add(0)
	RequestsExpired.WithLabelValues("sweep").Add(0)

	gathered, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := make(map[string]bool)
	for _, mf := range gathered {
		found[mf.GetName()] = true
	}

	for _, name := range []string{
		"garagelink_payments_completed_total",
		"garagelink_service_requests_expired_total",
		"garagelink_sweep_duration_seconds",
	} {
		if !found[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}

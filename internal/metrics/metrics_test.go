package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{0, "error"},
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := StatusBucket(tt.code); got != tt.want {
			t.Errorf("StatusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	// Gauges always appear; counters only after first observation.
	body := w.Body.String()
	if !strings.Contains(body, "stellarcredit_active_websocket_clients") {
		t.Error("Expected gauge stellarcredit_active_websocket_clients")
	}

	AnalysesTotal.WithLabelValues("success").Inc()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(w.Body.String(), "stellarcredit_wallet_analyses_total") {
		t.Error("Expected stellarcredit_wallet_analyses_total after incrementing")
	}
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/api/score/:address", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	counter := HTTPRequestsTotal.WithLabelValues("GET", "/api/score/:address", "4xx")
	before := counterValue(t, counter.(interface{ Write(*dto.Metric) error }))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/score/GABC", nil))

	after := counterValue(t, counter.(interface{ Write(*dto.Metric) error }))
	if after != before+1 {
		t.Errorf("expected counter to increase by 1, got %v -> %v", before, after)
	}
}

func counterValue(t *testing.T, m interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return out.GetCounter().GetValue()
}

package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObservabilityRecordsStatus(t *testing.T) {
	registry := prometheus.NewRegistry()
	obs := NewObservability(ObservabilityConfig{Enabled: true, MetricsPrefix: "test", Registry: registry}, nil)
	if obs.Registry() != registry {
		t.Fatalf("expected shared registry to be used")
	}
	h := obs.Middleware("rpc")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/rpc", nil))

	if got := testutil.ToFloat64(obs.requests.WithLabelValues("rpc", http.MethodPost, "418")); got != 1 {
		t.Fatalf("expected one recorded request, got %v", got)
	}

	rec := httptest.NewRecorder()
	obs.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "test_http_requests_total") {
		t.Fatalf("expected exposition to include request counter, got %s", body)
	}
}

func TestObservabilityDisabled(t *testing.T) {
	obs := NewObservability(ObservabilityConfig{}, nil)
	h := obs.Middleware("rpc")(okHandler())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/rpc", nil))
	if got := testutil.CollectAndCount(obs.requests); got != 0 {
		t.Fatalf("expected no series when disabled, got %d", got)
	}
}

func TestCORS(t *testing.T) {
	h := CORS(CORSConfig{AllowedOrigins: []string{"https://wallet.example"}})(okHandler())

	pre := httptest.NewRequest(http.MethodOptions, "/rpc", nil)
	pre.Header.Set("Origin", "https://wallet.example")
	pre.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, pre)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected preflight 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://wallet.example" {
		t.Fatalf("expected listed origin to be echoed, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	other := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	other.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("expected unlisted origin to get no CORS grant, got %d %q", rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
	}

	wild := CORS(CORSConfig{})(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Origin", "https://any.example")
	rec = httptest.NewRecorder()
	wild.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected wildcard grant, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

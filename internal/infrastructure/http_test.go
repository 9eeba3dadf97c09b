package infrastructure

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestOpsMuxReadiness(t *testing.T) {
	ready := false
	server := NewHTTPServerWithConfig(HTTPServerConfig{}, NewOpsMux(func() bool { return ready }, prometheus.NewRegistry()))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready = true
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "kis_gateway_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	rec := httptest.NewRecorder()
	NewOpsMux(nil, reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kis_gateway_test_total 1")
}

func TestRequestIDMiddleware(t *testing.T) {
	server := NewHTTPServerWithConfig(HTTPServerConfig{}, nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Len(t, rec.Header().Get("X-Request-Id"), 36)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))
}

func TestRecoveryMiddleware(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	server := NewHTTPServerWithConfig(HTTPServerConfig{}, mux)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDefaultHTTPServerConfigResolvesAddr(t *testing.T) {
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("HTTP_PORT", "9191")
	assert.Equal(t, ":9191", DefaultHTTPServerConfig().Addr)

	t.Setenv("HTTP_ADDR", "127.0.0.1:8181")
	assert.Equal(t, "127.0.0.1:8181", DefaultHTTPServerConfig().Addr)
}

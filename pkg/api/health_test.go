package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kernelci/kci-pipeline/pkg/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandlerAlwaysHealthy(t *testing.T) {
	hs := NewHealthServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	hs.healthHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestNewHealthServerWithoutCheckerOmitsUpstreamRoute(t *testing.T) {
	hs := NewHealthServer()

	req := httptest.NewRequest(http.MethodGet, "/health/upstream", nil)
	w := httptest.NewRecorder()
	hs.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpstreamHandlerReflectsCheckerResult(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	hs := NewHealthServer(WithUpstreamChecker(health.NewHTTPChecker(upstream.URL)))

	req := httptest.NewRequest(http.MethodGet, "/health/upstream", nil)
	w := httptest.NewRecorder()
	hs.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var result health.Result
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.True(t, result.Healthy)
}

func TestUpstreamHandlerReports503WhenUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	hs := NewHealthServer(WithUpstreamChecker(health.NewHTTPChecker(upstream.URL)))

	req := httptest.NewRequest(http.MethodGet, "/health/upstream", nil)
	w := httptest.NewRecorder()
	hs.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthServerHandlerServesMetrics(t *testing.T) {
	hs := NewHealthServer()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	hs.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

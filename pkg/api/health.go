// Package api provides the HTTP health-check surface shared by every
// long-running service (scheduler, reconciler, ingester): a liveness
// endpoint independent of the service's own goroutines, and the
// Prometheus metrics exposition.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kernelci/kci-pipeline/pkg/health"
	"github.com/kernelci/kci-pipeline/pkg/metrics"
)

// HealthServer serves /health and /metrics on their own listener, so a
// stuck scheduler consumer (caught later by the watchdog) does not
// also take down liveness probes.
type HealthServer struct {
	mux     *http.ServeMux
	checker health.Checker
}

// Option configures a HealthServer at construction time.
type Option func(*HealthServer)

// WithUpstreamChecker registers a GET /health/upstream endpoint that
// reports checker's result (e.g. central API reachability), separate
// from /health's own unconditional liveness response.
func WithUpstreamChecker(checker health.Checker) Option {
	return func(hs *HealthServer) { hs.checker = checker }
}

// NewHealthServer builds a HealthServer.
func NewHealthServer(opts ...Option) *HealthServer {
	hs := &HealthServer{mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(hs)
	}
	hs.mux.HandleFunc("GET /health", hs.healthHandler)
	hs.mux.Handle("GET /metrics", metrics.Handler())
	if hs.checker != nil {
		hs.mux.HandleFunc("GET /health/upstream", hs.upstreamHandler)
	}
	return hs
}

// Start serves the health endpoints on addr and blocks until the
// listener fails; there is no shutdown hook (callers typically run this
// in its own goroutine).
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// healthHandler always returns 200 while the process is alive; it is
// deliberately independent of subscription/watchdog state — a stuck
// consumer thread is the watchdog's job, not this endpoint's.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// Handler returns the underlying mux for embedding into another
// server instead of listening on its own address.
func (hs *HealthServer) Handler() http.Handler {
	return hs.mux
}

// upstreamHandler reports the configured checker's result (typically
// central API reachability) so an operator can distinguish "process
// alive" from "process alive but cut off from the API it depends on".
func (hs *HealthServer) upstreamHandler(w http.ResponseWriter, r *http.Request) {
	result := hs.checker.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !result.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(result)
}

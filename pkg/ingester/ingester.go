// Package ingester is the HTTP front door of the pipeline: it receives
// LAVA job-completion callbacks and the manual checkout/patchset/
// jobretry API calls used for regression bisecting. Grounded in full
// on original_source/src/lava_callback.py (985 lines).
package ingester

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kernelci/kci-pipeline/pkg/apiclient"
	"github.com/kernelci/kci-pipeline/pkg/config"
	"github.com/kernelci/kci-pipeline/pkg/log"
	"github.com/kernelci/kci-pipeline/pkg/metrics"
	"github.com/kernelci/kci-pipeline/pkg/storage"
	"github.com/kernelci/kci-pipeline/pkg/telemetry"
	"github.com/rs/zerolog"
)

// DefaultWorkerPoolSize is the number of goroutines processing LAVA
// callbacks concurrently, mirroring lava_callback.py's
// ThreadPoolExecutor(max_workers=16).
const DefaultWorkerPoolSize = 16

// Config configures a Server.
type Config struct {
	WorkerPoolSize int
}

func (c *Config) setDefaults() {
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = DefaultWorkerPoolSize
	}
}

// Server is the ingester's HTTP handler plus its background callback
// worker pool.
type Server struct {
	api       apiclient.API
	catalog   *config.Catalog
	settings  *config.Settings
	uploader  storage.Uploader
	telemetry *telemetry.Emitter
	cfg       Config
	logger    zerolog.Logger

	mux  *http.ServeMux
	jobs chan callbackTask
	wg   sync.WaitGroup
}

// New builds a Server and starts its worker pool. Callers must call
// Close on shutdown so in-flight callback jobs are drained.
func New(api apiclient.API, catalog *config.Catalog, settings *config.Settings, uploader storage.Uploader, emitter *telemetry.Emitter, cfg Config) *Server {
	cfg.setDefaults()
	s := &Server{
		api:       api,
		catalog:   catalog,
		settings:  settings,
		uploader:  uploader,
		telemetry: emitter,
		cfg:       cfg,
		logger:    log.WithComponent("ingester"),
		jobs:      make(chan callbackTask, 256),
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("POST /node/{id}", s.handleCallback)
	s.mux.HandleFunc("POST /api/jobretry", s.handleJobRetry)
	s.mux.HandleFunc("POST /api/checkout", s.handleCheckout)
	s.mux.HandleFunc("POST /api/patchset", s.handlePatchset)
	s.mux.HandleFunc("GET /api/metrics", s.handleMetrics)

	for i := 0; i < cfg.WorkerPoolSize; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Handler returns the recover-wrapped, metrics-instrumented HTTP
// handler to mount on a listener.
func (s *Server) Handler() http.Handler {
	return s.recoverMiddleware(s.mux)
}

// Close stops accepting new callback jobs and waits for in-flight
// ones to finish.
func (s *Server) Close() {
	close(s.jobs)
	s.wg.Wait()
}

// recoverMiddleware mirrors lava_callback.py's
// @app.exception_handler(Exception): any panic in a handler becomes a
// 500 instead of taking the process down.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Interface("panic", rec).
					Str("stack", string(debug.Stack())).
					Msg("unhandled panic in ingester handler")
				writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.URL.Path, "handled").Inc()
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics.Handler().ServeHTTP(w, r)
}

const indexPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>KernelCI Pipeline endpoint</title>
</head>
<body>
    <h1>KernelCI Pipeline endpoint</h1>
    <p>This service receives and processes callback data from LAVA and other test systems as part of the KernelCI continuous integration pipeline.</p>
</body>
</html>
`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexPage))
}

// checkoutTimeout is the deadline stamped onto manually-submitted
// checkout/patchset nodes, mirroring lava_callback.py's hardcoded
// `timeout = 300` (minutes).
const checkoutTimeout = 300 * time.Minute

func nowDeadline() time.Time {
	return time.Now().UTC().Add(checkoutTimeout)
}

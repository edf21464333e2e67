// Package telemetry buffers events emitted by the scheduler, reconcilers
// and ingester and flushes them to the central API in batches, falling
// back to a local JSONL file when a flush fails. Grounded on
// original_source/src/telemetry.py's TelemetryEmitter in full.
package telemetry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kernelci/kci-pipeline/pkg/apiclient"
	"github.com/kernelci/kci-pipeline/pkg/log"
	"github.com/kernelci/kci-pipeline/pkg/metrics"
	"github.com/kernelci/kci-pipeline/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultFallbackPath is where a failed flush is appended as JSON lines,
// mirroring telemetry.py's DEFAULT_FALLBACK_PATH.
const DefaultFallbackPath = "/tmp/kci-telemetry-fallback.jsonl"

// DefaultBufferSize is the event count that triggers an immediate flush.
const DefaultBufferSize = 50

// DefaultFlushInterval is how often the background flusher runs absent
// a buffer-size trigger.
const DefaultFlushInterval = 30 * time.Second

// Emitter is a thread-safe, buffered telemetry sink. One Emitter is
// created per service (scheduler, reconciler, ingester) and Close'd on
// shutdown so its final batch is not lost.
type Emitter struct {
	api          apiclient.API
	serviceName  string
	bufferSize   int
	fallbackPath string
	logger       zerolog.Logger

	mu     sync.Mutex
	buffer []types.TelemetryEvent
	closed bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures an Emitter at construction time.
type Option func(*Emitter)

// WithBufferSize overrides DefaultBufferSize.
func WithBufferSize(n int) Option {
	return func(e *Emitter) { e.bufferSize = n }
}

// WithFallbackPath overrides DefaultFallbackPath.
func WithFallbackPath(path string) Option {
	return func(e *Emitter) { e.fallbackPath = path }
}

// New creates an Emitter and starts its background flush loop at
// flushInterval. Callers must Close it on shutdown.
func New(api apiclient.API, serviceName string, flushInterval time.Duration, opts ...Option) *Emitter {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	e := &Emitter{
		api:          api,
		serviceName:  serviceName,
		bufferSize:   DefaultBufferSize,
		fallbackPath: DefaultFallbackPath,
		logger:       log.WithComponent("telemetry"),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.periodicFlush(flushInterval)
	return e
}

// Emit appends one event to the buffer, stamping its timestamp at
// emit() time rather than flush time, and triggers an immediate flush
// if the buffer has reached its size threshold. A no-op once Close has
// been called.
func (e *Emitter) Emit(kind string, fields map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.buffer = append(e.buffer, types.TelemetryEvent{
		Kind:      kind,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Fields:    fields,
	})
	metrics.TelemetryEventsBufferedTotal.Inc()
	if len(e.buffer) >= e.bufferSize {
		e.flushLocked(context.Background())
	}
}

// Close stops the background flusher and performs one final
// synchronous flush so at most one in-flight batch is ever lost.
func (e *Emitter) Close() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		<-e.doneCh
	})
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.flushLocked(context.Background())
}

func (e *Emitter) periodicFlush(interval time.Duration) {
	defer close(e.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.mu.Lock()
			if len(e.buffer) > 0 {
				e.flushLocked(context.Background())
			}
			e.mu.Unlock()
		case <-e.stopCh:
			return
		}
	}
}

// flushLocked flushes the buffer to the API, falling back to the JSONL
// file on failure. Must be called with e.mu held.
func (e *Emitter) flushLocked(ctx context.Context) {
	if len(e.buffer) == 0 {
		return
	}
	events := e.buffer
	e.buffer = nil

	if err := e.api.AddTelemetry(ctx, events); err != nil {
		e.logger.Warn().
			Err(err).
			Str("service", e.serviceName).
			Int("events", len(events)).
			Str("fallback_path", e.fallbackPath).
			Msg("telemetry API flush failed, writing fallback file")
		metrics.TelemetryFlushFailuresTotal.Inc()
		e.writeFallback(events)
	}
}

// writeFallback appends events to e.fallbackPath as JSON lines. A
// failure here is only logged: there is no retry, matching
// telemetry.py's _write_fallback (a second failure would have nowhere
// else to go).
func (e *Emitter) writeFallback(events []types.TelemetryEvent) {
	dir := filepath.Dir(e.fallbackPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			e.logger.Error().Err(err).Msg("telemetry fallback mkdir failed")
			return
		}
	}
	f, err := os.OpenFile(e.fallbackPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.logger.Error().Err(err).Msg("telemetry fallback open failed")
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			e.logger.Error().Err(err).Msg("telemetry fallback write failed")
			return
		}
	}
}

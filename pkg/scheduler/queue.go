package scheduler

import (
	"context"

	"github.com/kernelci/kci-pipeline/pkg/metrics"
)

// shouldSkipDueToQueueDepth is the LAVA-like queue-depth gate: skip
// when no devices are online, skip when the queue is already at
// capacity, but fail *open* (never skip) on any backend query error.
// Mirrors scheduler.py's
// _log_lava_queue_status/_should_skip_due_to_queue_depth.
func (s *Scheduler) shouldSkipDueToQueueDepth(ctx context.Context, c Candidate) bool {
	backend, ok := s.backends[c.Platform.LabType]
	if !ok {
		return false
	}

	queued, err := backend.QueueDepth(ctx, c.Platform.Name)
	if err != nil {
		s.logger.Warn().Err(err).Str("platform", c.Platform.Name).Msg("queue depth query failed, scheduling anyway")
		s.emitTelemetry("runtime_error", map[string]any{
			"error_type": "online_check",
			"platform":   c.Platform.Name,
			"job_name":   c.Job.Name,
		})
		return false
	}

	// A negative queue depth is this backend's way of reporting "no
	// devices online" without a second round-trip, collapsing
	// scheduler.py's separate online_devices(device_type) call into
	// QueueDepth's single return value.
	if queued < 0 {
		metrics.JobsSkippedTotal.WithLabelValues("no_online_devices").Inc()
		s.emitTelemetry("job_skip", map[string]any{
			"error_type": "no_online_devices",
			"platform":   c.Platform.Name,
			"job_name":   c.Job.Name,
		})
		return true
	}

	maxDepth := s.cfg.DefaultMaxQueueDepth
	if v, ok := c.Job.Params["max_queue_depth"].(int); ok && v > 0 {
		maxDepth = v
	}

	if queued >= maxDepth {
		metrics.JobsSkippedTotal.WithLabelValues("queue_depth").Inc()
		s.emitTelemetry("job_skip", map[string]any{
			"error_type": "queue_depth",
			"platform":   c.Platform.Name,
			"job_name":   c.Job.Name,
			"queued":     queued,
			"max_depth":  maxDepth,
		})
		return true
	}
	return false
}

// emitTelemetry is a nil-safe wrapper: the scheduler may run without a
// telemetry emitter configured in lightweight contexts (e.g. tests).
func (s *Scheduler) emitTelemetry(kind string, fields map[string]any) {
	if s.telemetry == nil {
		return
	}
	s.telemetry.Emit(kind, fields)
}

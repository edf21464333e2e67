// Package scheduler consumes node lifecycle events from the central
// API, matches them against a static job catalog, throttles
// submissions against backend queue capacity, and creates the child
// nodes that drive kernel builds and tests. Grounded in full on
// original_source/src/scheduler.py (915 lines).
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kernelci/kci-pipeline/pkg/apiclient"
	"github.com/kernelci/kci-pipeline/pkg/config"
	"github.com/kernelci/kci-pipeline/pkg/log"
	"github.com/kernelci/kci-pipeline/pkg/metrics"
	"github.com/kernelci/kci-pipeline/pkg/telemetry"
	"github.com/kernelci/kci-pipeline/pkg/types"
	"github.com/rs/zerolog"
)

// Channels is the set of event-bus channels the scheduler consumes,
// mirroring scheduler.py subscribing to at least "node" and "retry".
var Channels = []string{"node", "retry"}

// Config configures a Scheduler.
type Config struct {
	// WatchdogInterval is how often the watchdog scans heartbeats.
	// Default 30s.
	WatchdogInterval time.Duration
	// WatchdogTimeout is the staleness ceiling a heartbeat may reach
	// before the watchdog terminates the process. Default 10m.
	WatchdogTimeout time.Duration
	// MaxResubscribeRetries is how many consecutive receive errors a
	// channel consumer tolerates before giving up. Default 3.
	MaxResubscribeRetries int
	// BackupDir is where job descriptions are copied before submission
	// when BackupFileLifetime > 0. Default /tmp/kci-backup.
	BackupDir string
	// BackupFileLifetime gates backup_job/backup_cleanup and is the age
	// past which a backup file is deleted; 0 or unset disables backups
	// entirely. cmd/kci-pipeline sets it from the --backup-file-lifetime
	// duration flag; the BACKUP_FILE_LIFETIME env var is not read.
	BackupFileLifetime time.Duration
	// DefaultMaxQueueDepth is used for the queue-depth gate when the
	// job's params don't declare their own max_queue_depth.
	DefaultMaxQueueDepth int
}

func (c *Config) setDefaults() {
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 30 * time.Second
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = 10 * time.Minute
	}
	if c.MaxResubscribeRetries <= 0 {
		c.MaxResubscribeRetries = 3
	}
	if c.BackupDir == "" {
		c.BackupDir = "/tmp/kci-backup"
	}
	if c.DefaultMaxQueueDepth <= 0 {
		c.DefaultMaxQueueDepth = 10
	}
}

// Scheduler is the multi-channel node-event consumer that matches
// incoming events against the job/platform catalog and dispatches
// child nodes to execution backends.
type Scheduler struct {
	api       apiclient.API
	catalog   *config.Catalog
	backends  map[string]Backend // keyed by lab_type
	telemetry *telemetry.Emitter
	cfg       Config
	logger    zerolog.Logger

	hbMu       sync.Mutex
	heartbeats map[string]time.Time

	exit func(int) // os.Exit, overridable in tests
}

// New constructs a Scheduler. backends is keyed by lab type ("shell",
// "docker", "kubernetes", "lava", ...).
func New(api apiclient.API, catalog *config.Catalog, backends map[string]Backend, emitter *telemetry.Emitter, cfg Config) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{
		api:        api,
		catalog:    catalog,
		backends:   backends,
		telemetry:  emitter,
		cfg:        cfg,
		logger:     log.WithComponent("scheduler"),
		heartbeats: make(map[string]time.Time),
		exit:       os.Exit,
	}
}

// Run starts one consumer goroutine per channel plus the watchdog and
// the hourly backup-cleanup sweep, and blocks until ctx is canceled or
// a consumer exhausts its resubscribe budget (at N=4 the service
// fails).
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(Channels)+2)
	var wg sync.WaitGroup

	for _, channel := range Channels {
		s.touchHeartbeat(channel)
		wg.Add(1)
		go func(channel string) {
			defer wg.Done()
			if err := s.runChannel(ctx, channel); err != nil {
				errCh <- fmt.Errorf("channel %s: %w", channel, err)
			}
		}(channel)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runWatchdog(ctx)
	}()

	wg.Add(1)
	s.touchHeartbeat(jobRetryWatcherName)
	go func() {
		defer wg.Done()
		if err := s.runJobRetryWatcher(ctx); err != nil {
			errCh <- fmt.Errorf("job retry watcher: %w", err)
		}
	}()

	if s.cfg.BackupFileLifetime > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runBackupCleanup(ctx)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}
	wg.Wait()
	return runErr
}

// touchHeartbeat records now as the last-seen timestamp for name.
func (s *Scheduler) touchHeartbeat(name string) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	s.heartbeats[name] = time.Now()
}

// runWatchdog is the liveness supervisor: every WatchdogInterval it
// diffs now against each consumer's last heartbeat, and terminates
// the process immediately (bypassing deferred cleanup) if any exceeds
// WatchdogTimeout.
// Mirrors scheduler.py's watchdog thread.
func (s *Scheduler) runWatchdog(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHeartbeats()
		}
	}
}

func (s *Scheduler) checkHeartbeats() {
	s.hbMu.Lock()
	stale := make([]string, 0)
	now := time.Now()
	for name, last := range s.heartbeats {
		if now.Sub(last) > s.cfg.WatchdogTimeout {
			stale = append(stale, name)
		}
	}
	s.hbMu.Unlock()

	if len(stale) == 0 {
		return
	}
	metrics.WatchdogStaleChannelsTotal.Add(float64(len(stale)))
	s.logger.Error().Strs("consumers", stale).Msg("watchdog detected stale consumer heartbeat, exiting immediately")
	s.exit(1)
}

// runChannel subscribes to channel and consumes events until ctx is
// canceled, re-subscribing on receive error up to MaxResubscribeRetries
// times before returning a fatal error. Mirrors the per-channel
// consumer loop in scheduler.py's _run_scheduler.
func (s *Scheduler) runChannel(ctx context.Context, channel string) error {
	subID, err := s.api.Subscribe(ctx, channel, apiclient.Filter{})
	if err != nil {
		return fmt.Errorf("initial subscribe failed: %w", err)
	}
	defer s.api.Unsubscribe(context.Background(), subID)

	retries := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.touchHeartbeat(channel)
		node, err := s.api.ReceiveEvent(ctx, subID)
		if err == apiclient.ErrTimeout {
			continue
		}
		if err != nil {
			retries++
			s.logger.Warn().Err(err).Str("channel", channel).Int("retry", retries).Msg("receive failed, resubscribing")
			if retries > s.cfg.MaxResubscribeRetries {
				return fmt.Errorf("exhausted %d resubscribe attempts: %w", s.cfg.MaxResubscribeRetries, err)
			}
			newSub, subErr := s.api.Subscribe(ctx, channel, apiclient.Filter{})
			if subErr != nil {
				continue
			}
			subID = newSub
			continue
		}
		retries = 0
		metrics.SchedulerEventsTotal.WithLabelValues(channel).Inc()
		s.handleNodeEvent(ctx, node)
	}
}

// handleNodeEvent applies the full matching pipeline to one node
// event: get_schedule, jobfilter/platformfilter injection,
// frequency gate, architecture filter, create-rule check, queue-depth
// gate, then job execution.
func (s *Scheduler) handleNodeEvent(ctx context.Context, event *types.Node) {
	timer := metrics.NewTimer()
	candidates := GetSchedule(s.catalog, event)
	timer.ObserveDuration(metrics.SchedulerMatchDuration)

	retryCounter := event.Data.RetryCounter

	for _, c := range candidates {
		if c.Job.Frequency != "" {
			allow, err := VerifyFrequency(ctx, s.api, c, event)
			if err != nil {
				s.logger.Warn().Err(err).Str("job", c.Job.Name).Msg("frequency check failed, scheduling anyway")
			}
			if !allow {
				metrics.JobsSkippedTotal.WithLabelValues("frequency").Inc()
				continue
			}
		}
		if !VerifyArchitectureFilter(c, event) {
			metrics.JobsSkippedTotal.WithLabelValues("architecture_filter").Inc()
			continue
		}
		if !ShouldCreateNode(c, event) {
			metrics.JobsSkippedTotal.WithLabelValues("create_rule").Inc()
			continue
		}
		if s.shouldSkipDueToQueueDepth(ctx, c) {
			continue
		}
		s.runJob(ctx, c, event, retryCounter)
	}
}


// Command kci-pipeline runs the control-plane services: the scheduler,
// one of the three reconciler sweeps, and the LAVA callback ingester.
// Mirrors cmd/warren/main.go's persistent-flag + subcommand-registration
// shape and its cobra.OnInitialize logging setup.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kernelci/kci-pipeline/pkg/api"
	"github.com/kernelci/kci-pipeline/pkg/apiclient"
	"github.com/kernelci/kci-pipeline/pkg/config"
	"github.com/kernelci/kci-pipeline/pkg/health"
	"github.com/kernelci/kci-pipeline/pkg/ingester"
	"github.com/kernelci/kci-pipeline/pkg/log"
	"github.com/kernelci/kci-pipeline/pkg/reconciler"
	"github.com/kernelci/kci-pipeline/pkg/scheduler"
	"github.com/kernelci/kci-pipeline/pkg/storage"
	"github.com/kernelci/kci-pipeline/pkg/telemetry"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kci-pipeline",
	Short:   "kci-pipeline control plane: scheduler, reconciler and ingester",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("kci-pipeline version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("api-url", "http://127.0.0.1:8000", "Central API base URL")
	rootCmd.PersistentFlags().String("api-token", "", "Central API bearer token")
	rootCmd.PersistentFlags().String("catalog", "config.yaml", "Path to the jobs/platforms/trees/build_configs catalog")
	rootCmd.PersistentFlags().String("health-addr", "127.0.0.1:9090", "Address for the /health and /metrics endpoints")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(reconcilerCmd)
	rootCmd.AddCommand(ingesterCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	asJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: asJSON})
}

// sharedDeps builds the apiclient/catalog/telemetry trio every
// subcommand needs, and starts the health/metrics listener in the
// background.
func sharedDeps(cmd *cobra.Command, serviceName string) (apiclient.API, *config.Catalog, *telemetry.Emitter, error) {
	apiURL, _ := cmd.Flags().GetString("api-url")
	apiToken, _ := cmd.Flags().GetString("api-token")
	catalogPath, _ := cmd.Flags().GetString("catalog")
	healthAddr, _ := cmd.Flags().GetString("health-addr")

	client := apiclient.NewHTTPClient(apiURL, apiToken)

	catalog, err := config.LoadCatalog(catalogPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load catalog: %w", err)
	}

	emitter := telemetry.New(client, serviceName, 0)

	upstreamChecker := health.NewHTTPChecker(apiURL)
	healthServer := api.NewHealthServer(api.WithUpstreamChecker(upstreamChecker))
	go func() {
		if err := healthServer.Start(healthAddr); err != nil {
			log.Logger.Error().Err(err).Msg("health server stopped")
		}
	}()

	return client, catalog, emitter, nil
}

// waitForSignal blocks until SIGINT/SIGTERM, then cancels ctx.
func waitForSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	cancel()
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Consume node lifecycle events and dispatch kbuild/job children",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, catalog, emitter, err := sharedDeps(cmd, "scheduler")
		if err != nil {
			return err
		}
		defer emitter.Close()

		backupLifetime, _ := cmd.Flags().GetDuration("backup-file-lifetime")
		maxQueueDepth, _ := cmd.Flags().GetInt("default-max-queue-depth")

		// Execution backends (LAVA, Kubernetes, shell runtimes, ...) are
		// pluggable and, per the central API's kernelci.runtime contract,
		// live outside this repository: scheduling dispatches to them
		// through the Backend interface but never executes a job itself —
		// this process never runs jobs directly on hardware. An operator
		// wires concrete backends by constructing this map before the
		// scheduler starts; none are built in.
		backends := map[string]scheduler.Backend{}

		sched := scheduler.New(client, catalog, backends, emitter, scheduler.Config{
			BackupFileLifetime:   backupLifetime,
			DefaultMaxQueueDepth: maxQueueDepth,
		})

		ctx, cancel := context.WithCancel(cmd.Context())
		go waitForSignal(cancel)

		log.Logger.Info().Msg("scheduler starting")
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		log.Logger.Info().Msg("scheduler stopped")
		return nil
	},
}

func init() {
	schedulerCmd.Flags().Duration("backup-file-lifetime", 0, "Job description backup retention (0 disables backups)")
	schedulerCmd.Flags().Int("default-max-queue-depth", 10, "Default per-platform queue-depth gate")
}

var reconcilerCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Sweep lapsed nodes to their terminal state",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		switch reconciler.Mode(mode) {
		case reconciler.ModeTimeout, reconciler.ModeHoldoff, reconciler.ModeClosing:
		default:
			return fmt.Errorf("--mode must be one of timeout, holdoff, closing")
		}

		client, _, emitter, err := sharedDeps(cmd, "reconciler-"+mode)
		if err != nil {
			return err
		}
		defer emitter.Close()

		pollPeriod, _ := cmd.Flags().GetDuration("poll-period")

		recon := reconciler.New(client, reconciler.Config{
			Mode:       reconciler.Mode(mode),
			PollPeriod: pollPeriod,
		})

		ctx, cancel := context.WithCancel(cmd.Context())
		go waitForSignal(cancel)

		log.Logger.Info().Str("mode", mode).Msg("reconciler starting")
		if err := recon.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("reconciler: %w", err)
		}
		log.Logger.Info().Str("mode", mode).Msg("reconciler stopped")
		return nil
	},
}

func init() {
	reconcilerCmd.Flags().String("mode", "timeout", "Sweep mode: timeout, holdoff or closing")
	reconcilerCmd.Flags().Duration("poll-period", 60*time.Second, "Interval between sweeps")
}

var ingesterCmd = &cobra.Command{
	Use:   "ingester",
	Short: "Serve the LAVA callback endpoint and manual checkout/patchset/jobretry APIs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, catalog, emitter, err := sharedDeps(cmd, "ingester")
		if err != nil {
			return err
		}
		defer emitter.Close()

		settingsPath, _ := cmd.Flags().GetString("settings")
		settings, err := config.LoadSettings(settingsPath)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}

		storageURL, _ := cmd.Flags().GetString("storage-url")
		storageToken, _ := cmd.Flags().GetString("storage-token")
		uploader := storage.NewHTTPUploader(storageURL, storageToken)

		listenAddr, _ := cmd.Flags().GetString("listen-addr")
		workerPoolSize, _ := cmd.Flags().GetInt("worker-pool-size")

		srv := ingester.New(client, catalog, settings, uploader, emitter, ingester.Config{
			WorkerPoolSize: workerPoolSize,
		})
		defer srv.Close()

		httpServer := &http.Server{
			Addr:         listenAddr,
			Handler:      srv.Handler(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Logger.Info().Str("addr", listenAddr).Msg("ingester listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		ctx, cancel := context.WithCancel(cmd.Context())
		go waitForSignal(cancel)

		select {
		case <-ctx.Done():
		case err := <-errCh:
			return fmt.Errorf("ingester: %w", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ingester shutdown: %w", err)
		}
		log.Logger.Info().Msg("ingester stopped")
		return nil
	},
}

func init() {
	ingesterCmd.Flags().String("settings", os.Getenv("KCI_SETTINGS"), "Path to the TOML settings file (lab tokens, JWT secret)")
	ingesterCmd.Flags().String("listen-addr", "0.0.0.0:8000", "Address the callback/API endpoints listen on")
	ingesterCmd.Flags().String("storage-url", "", "Storage service base URL for uploaded artifacts")
	ingesterCmd.Flags().String("storage-token", "", "Storage service bearer token")
	ingesterCmd.Flags().Int("worker-pool-size", ingester.DefaultWorkerPoolSize, "Concurrent callback-processing workers")
}

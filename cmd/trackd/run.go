package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kryptomind/trackd/internal/agent"
	"github.com/kryptomind/trackd/internal/appwatch"
	"github.com/kryptomind/trackd/internal/cache"
	"github.com/kryptomind/trackd/internal/config"
	"github.com/kryptomind/trackd/internal/history"
	"github.com/kryptomind/trackd/internal/input"
	"github.com/kryptomind/trackd/internal/logging"
	"github.com/kryptomind/trackd/internal/membership"
	"github.com/kryptomind/trackd/internal/metrics"
	"github.com/kryptomind/trackd/internal/retry"
	"github.com/kryptomind/trackd/internal/screenshot"
	"github.com/kryptomind/trackd/internal/syncer"
	"github.com/kryptomind/trackd/internal/sysinfo"
	"github.com/kryptomind/trackd/internal/systemd"
	"github.com/kryptomind/trackd/internal/tracker"
)

const (
	// shutdownDeadline bounds the final flush after a stop signal.
	shutdownDeadline = 8 * time.Second
	// watchdogDeadline kills the process if shutdown wedges entirely.
	watchdogDeadline = 60 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the tracking agent",
	Long:  `Start the tracking agent loop: foreground sampling, idle gating, activity syncing and the screenshot worker.`,
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := logging.Setup(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Str("username", cfg.Agent.Username).
		Msg("Starting Trackd")

	info := sysinfo.Collect(version)

	// Local state
	c, err := cache.New(cfg.Storage.Dir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}

	hist, err := history.Open(filepath.Join(cfg.Storage.Dir, "history.db"), logger)
	if err != nil {
		return fmt.Errorf("failed to open history db: %w", err)
	}
	defer func() {
		if err := hist.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close history db")
		}
	}()

	acc := tracker.NewAccumulator(parseDuration(cfg.Tracking.IdleThreshold, tracker.DefaultIdleThreshold), logger)
	monitor := input.NewMonitor(input.NewProbe(), parseDuration(cfg.Tracking.SleepGapThreshold, input.DefaultSleepGapThreshold), logger)
	sampler := appwatch.NewSampler(logger)

	meta := c.LoadMeta()
	poller := membership.NewPoller(membership.Config{
		StatusURL:    cfg.API.StatusURL,
		Username:     cfg.Agent.Username,
		Channel:      cfg.Agent.Channel,
		LastJoinDate: meta.LastJoinDate,
		PersistJoinDate: func(date string) {
			m := c.LoadMeta()
			m.LastJoinDate = date
			if err := c.SaveMeta(m); err != nil {
				logger.Error().Err(err).Msg("Failed to persist join date")
			}
		},
	}, logger)

	syn := syncer.New(syncer.Config{
		ActivityURL: cfg.API.ActivityURL,
		Username:    cfg.Agent.Username,
		DisplayName: cfg.Agent.DisplayName,
		Timeout:     parseDuration(cfg.API.Timeout, 10*time.Second),
		Budget:      parseDuration(cfg.Sync.Budget, syncer.DefaultBudget),
		Retry: retry.Config{
			MaxAttempts: cfg.Sync.MaxAttempts,
			BaseDelay:   parseDuration(cfg.Sync.BaseDelay, 2*time.Second),
			Jitter:      true,
		},
	}, acc, c, hist, info, logger)

	trackingAgent := agent.New(agent.Config{
		TickInterval:         parseDuration(cfg.Tracking.TickInterval, time.Second),
		StatusInterval:       parseDuration(cfg.Tracking.StatusInterval, 30*time.Second),
		SyncInterval:         parseDuration(cfg.Sync.Interval, 5*time.Minute),
		HistoryRetentionDays: cfg.Storage.HistoryRetentionDays,
	}, agent.Deps{
		Sampler: sampler,
		Monitor: monitor,
		Acc:     acc,
		Poller:  poller,
		Cache:   c,
		Syncer:  syn,
		History: hist,
	}, logger)

	// Fold a previous run's same-day cache back in before ticking starts.
	if err := trackingAgent.Restore(time.Now()); err != nil {
		logger.Warn().Err(err).Msg("Cache recovery failed, starting fresh")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go trackingAgent.Run(ctx)

	// Screenshot worker, gated on the same membership state.
	if cfg.Screenshots.Enabled {
		worker, err := screenshot.NewWorker(screenshot.Config{
			UploadURL:     cfg.API.ScreenshotURL,
			Username:      cfg.Agent.Username,
			Interval:      parseDuration(cfg.Screenshots.Interval, 5*time.Minute),
			RetryPenalty:  parseDuration(cfg.Screenshots.RetryPenalty, 5*time.Minute),
			Quality:       cfg.Screenshots.Quality,
			SkipUnchanged: cfg.Screenshots.SkipUnchanged,
			Timeout:       parseDuration(cfg.API.Timeout, 10*time.Second),
		}, screenshot.NewGrabber(), poller.Tracking, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize screenshot worker: %w", err)
		}
		go worker.Run(ctx)
		logger.Info().Msg("Screenshot worker started")
	}

	// Metrics Server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr, logger)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	logger.Info().Msg("Trackd startup complete")

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	// Keep the systemd watchdog fed while the loop runs
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := systemd.NotifyWatchdog(); err != nil {
					logger.Debug().Err(err).Msg("Failed to send systemd watchdog notification")
				}
			}
		}
	}()

	// Wait for signals (shutdown or manual flush)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	// Signal handling loop
	for {
		sig := <-sigChan

		switch sig {
		case syscall.SIGHUP:
			logger.Info().Msg("SIGHUP received, forcing activity sync...")
			if err := trackingAgent.ForceSync(ctx); err != nil {
				logger.Error().Err(err).Msg("Forced sync failed")
			} else {
				logger.Info().Msg("Forced sync complete")
			}
			// Continue running
			continue

		case os.Interrupt, syscall.SIGTERM:
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		}

		// Only reached on shutdown signals
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Hard exit if the flush wedges on something unkillable.
	watchdog := time.AfterFunc(watchdogDeadline, func() {
		logger.Error().Msg("Shutdown watchdog fired, exiting")
		os.Exit(1)
	})
	defer watchdog.Stop()

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer shutdownCancel()
	if err := trackingAgent.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Final flush failed, data remains cached")
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("Trackd stopped")

	return nil
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

package main

import (
	"context"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/mantonx/mediarelay/internal/config"
	"github.com/mantonx/mediarelay/internal/database"
	"github.com/mantonx/mediarelay/internal/logger"
	"github.com/mantonx/mediarelay/internal/metrics"
	"github.com/mantonx/mediarelay/internal/modules/jobmodule"
	"github.com/mantonx/mediarelay/internal/modules/jobmodule/repository"
	terrors "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/errors"
	"github.com/mantonx/mediarelay/internal/server"
	"github.com/mantonx/mediarelay/internal/server/handlers"
)

var jobRetention time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP job server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := manager.Get()
		log := logger.Default()

		metrics.SetAppInfo(version, runtime.Version())
		metrics.InitializeMetrics()

		db, err := database.Open(cfg.Database)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}

		a := newApp(cfg, log)
		defer a.Close()

		repo := repository.NewJobRepository(db)
		if n, err := repo.MarkInterrupted(ctx); err != nil {
			log.Warn("failed to mark interrupted jobs", "error", err)
		} else if n > 0 {
			log.Info("marked interrupted jobs as failed", "count", n)
		}

		coordinator := jobmodule.NewCoordinator(repo, jobmodule.Pipelines{
			Fetcher:    a.downloader,
			Converter:  a.transcoder,
			Prober:     a.prober,
			Compressor: a.compressor,
		}, log)

		manager.AddWatcher(func(old, updated *config.Config) {
			if old.Logging.Level != updated.Logging.Level {
				log.SetLevel(logger.ParseLevel(updated.Logging.Level))
				log.Info("log level changed", "level", updated.Logging.Level)
			}
		})
		if manager.Path() != "" {
			if err := manager.Watch(ctx, log); err != nil {
				log.Warn("config reload disabled", "error", err)
			}
		}

		go housekeeping(ctx, time.Hour, func(ctx context.Context) {
			if n := a.purgeCaches(); n > 0 {
				log.Debug("purged expired cache entries", "count", n)
			}
			if jobRetention > 0 {
				if _, err := coordinator.CleanupOld(ctx, jobRetention); err != nil {
					log.Warn("job pruning failed", "error", err)
				}
			}
		})

		srv := server.New(cfg.Server, server.Deps{
			Jobs:  coordinator,
			Media: handlers.NewMediaHandler(a.prober, a.policy, a.estimator, cfg.Transcode.CRF),
			Health: map[string]handlers.HealthCheck{
				"database": func(ctx context.Context) error {
					sqlDB, err := db.DB()
					if err != nil {
						return err
					}
					return sqlDB.PingContext(ctx)
				},
				"ffprobe": func(ctx context.Context) error {
					if !a.prober.Available(ctx) {
						return terrors.ProbeFailure("health", terrors.ErrToolUnavailable)
					}
					return nil
				},
				"ffmpeg": func(ctx context.Context) error {
					if !a.detector.FFmpegAvailable(ctx) {
						return terrors.EncodeFailure("health", terrors.ErrToolUnavailable)
					}
					return nil
				},
			},
		}, log)

		runErr := srv.Run(ctx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := coordinator.Shutdown(shutdownCtx); err != nil {
			log.Warn("jobs did not stop in time", "error", err)
		}
		return runErr
	},
}

func init() {
	serveCmd.Flags().DurationVar(&jobRetention, "job-retention", 7*24*time.Hour, "prune finished jobs older than this (0 disables)")
}

// housekeeping runs task immediately and then every interval until ctx ends.
func housekeeping(ctx context.Context, interval time.Duration, task func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/tidemark/tidemark/config"
	"github.com/tidemark/tidemark/db"
	"github.com/tidemark/tidemark/fetch"
	"github.com/tidemark/tidemark/health"
	"github.com/tidemark/tidemark/internal/httpclient"
	"github.com/tidemark/tidemark/logger"
	"github.com/tidemark/tidemark/market"
	"github.com/tidemark/tidemark/notify"
	"github.com/tidemark/tidemark/progress"
	"github.com/tidemark/tidemark/scheduler"
	"github.com/tidemark/tidemark/server"
	"github.com/tidemark/tidemark/sym"
)

// ServeCmd starts the scheduler daemon and the HTTP API
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: sym.TideOpen + " Start the scheduler and API server",
	Long: `Start Tidemark in foreground mode.

The daemon will:
- Reconcile runs orphaned by a previous process
- Register the daily ingestion run with the cron scheduler
- Serve the HTTP API for triggers, run inspection, and health
- Watch the config file and live-apply pause and concurrency changes
- Shut down gracefully on SIGINT/SIGTERM, letting in-flight units finish`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		database, err := db.OpenWithMigrations(cfg.Database.Path, logger.Logger)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		registry := market.NewRegistry(database)
		store := progress.NewStore(database)
		tracker := progress.NewFailureTracker(database, cfg.Alerting.StreakThreshold)

		fetcher := fetch.NewFetcher(
			cfg.Upstream.BaseURL,
			httpclient.New(time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second),
			fetch.NewCandleSink(database),
		)

		sched := scheduler.New(registry, fetcher, store, tracker, notify.NewLogNotifier(), scheduler.Options{
			Scheduler:    cfg.Scheduler,
			Retry:        cfg.Retry,
			Circuit:      cfg.Circuit,
			RateLimit:    cfg.RateLimit,
			Bulkhead:     cfg.Bulkhead,
			Alerting:     cfg.Alerting,
			LookbackDays: cfg.Upstream.LookbackDays,
		})

		ctx := context.Background()
		if closed, err := sched.ReconcileOrphans(ctx); err != nil {
			logger.Logger.Warnw("orphan reconciliation failed", "error", err.Error())
		} else if closed > 0 {
			pterm.Warning.Printf("Reconciled %d orphaned run(s) from a previous process\n", closed)
		}
		if _, err := store.PruneRuns(ctx, cfg.Scheduler.RetentionDays); err != nil {
			logger.Logger.Warnw("run pruning failed", "error", err.Error())
		}

		if err := sched.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}

		var watcher *config.ConfigWatcher
		if cfgPath != "" {
			watcher, err = config.NewConfigWatcher(cfgPath)
			if err != nil {
				logger.Logger.Warnw("config watcher unavailable", "path", cfgPath, "error", err.Error())
			} else {
				watcher.OnReload(func(fresh *config.Config) error {
					sched.ApplyConfig(fresh.Scheduler)
					return nil
				})
				watcher.Start()
				defer watcher.Stop()
			}
		}

		// daily retention sweep
		pruneStop := make(chan struct{})
		go func() {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if _, err := store.PruneRuns(context.Background(), cfg.Scheduler.RetentionDays); err != nil {
						logger.Logger.Warnw("run pruning failed", "error", err.Error())
					}
				case <-pruneStop:
					return
				}
			}
		}()
		defer close(pruneStop)

		reporter := health.NewReporter(database, store, sched, sched, cfg.Scheduler.StalenessHours)
		api := server.New(cfg.Server.Port, sched, store, registry, reporter)

		errCh := make(chan error, 1)
		go func() { errCh <- api.Start() }()

		pterm.Success.Printf("%s Tidemark serving on port %d (daily run %02d:%02d UTC)\n",
			sym.Tide, cfg.Server.Port, cfg.Scheduler.CronHour, cfg.Scheduler.CronMinute)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			pterm.Info.Printf("%s Received %s, shutting down\n", sym.TideClose, sig)
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("API server failed: %w", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Logger.Warnw("API shutdown incomplete", "error", err.Error())
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Logger.Warnw("scheduler stop incomplete", "error", err.Error())
		}

		pterm.Success.Printf("%s Shutdown complete\n", sym.TideClose)
		return nil
	},
}

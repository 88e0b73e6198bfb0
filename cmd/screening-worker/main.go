// screening-worker drains the screening job queue. Run as many replicas as
// throughput requires; workers coordinate only through the queue's row locks.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/config"
	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/observability"
	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/screening"
	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/watchlist"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("screening-worker exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, "screening-worker", cfg.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return err
	}

	store := screening.NewStore(db, time.Duration(cfg.StoreTimeoutSeconds)*time.Second, logger)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	cache := watchlist.NewCache(cfg.SnapshotPath, logger)
	worker := screening.NewWorker(store, cache, screening.WorkerConfig{
		PollInterval:            time.Duration(cfg.WorkerPollIntervalSeconds) * time.Second,
		CleanupEveryN:           cfg.WorkerCleanupEveryNLoops,
		JobRetentionDays:        cfg.JobsRetentionDays,
		ScreenedRetentionMonths: cfg.ScreenedEntitiesRetentionMonths,
	}, obs.Metrics, logger)

	return worker.Run(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

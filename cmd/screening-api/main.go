// screening-api serves the HTTP boundary: interactive screening, job polling,
// search, bulk ingestion, watchlist refresh and the false-positive override.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/api"
	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/config"
	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/observability"
	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/screening"
	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/watchlist"
)

func main() {
	if err := run(); err != nil {
		slog.Error("screening-api exited", "error", err)
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

	obs, err := observability.New(ctx, cfg.ServiceName, cfg.OTLPEndpoint, logger)
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
	loader := &watchlist.Loader{
		SanctionsLocation: cfg.SanctionsFeedURL,
		PEPsLocation:      cfg.PEPsFeedURL,
		SnapshotPath:      cfg.SnapshotPath,
		Allowlist:         cfg.SanctionsAllowlist,
		FetchTimeout:      time.Duration(cfg.FeedTimeoutSeconds) * time.Second,
		Logger:            logger,
	}

	dispatcher := screening.NewDispatcher(store, cache, cfg.QueueThreshold, obs.Metrics, logger)
	refresher := screening.NewRefresher(store, loader, cache, obs.Metrics, logger)
	server := api.NewServer(dispatcher, store, refresher, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("screening-api listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
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

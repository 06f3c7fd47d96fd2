// Command-line entry point for the radiosonde telemetry relay.
//
// The relay subscribes to a decoder feed, resolves a stable serial for
// each sonde, deduplicates and persists observations, serves them over
// HTTP, and republishes accepted observations to APRS-IS and SondeHub.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"sonde_relay/internal/api"
	"sonde_relay/internal/config"
	"sonde_relay/internal/gate"
	"sonde_relay/internal/identity"
	"sonde_relay/internal/ingest"
	"sonde_relay/internal/metrics"
	"sonde_relay/internal/normalize"
	"sonde_relay/internal/pipeline"
	"sonde_relay/internal/sink"
	"sonde_relay/internal/sink/aprs"
	"sonde_relay/internal/sink/sondehub"
	"sonde_relay/internal/storage"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to YAML configuration file")
	logLevel := pflag.String("log-level", "", "override configured log level (debug, info, warn, error)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("relay failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	var archive *storage.Archive
	if cfg.Archive.Enabled {
		archive, err = storage.OpenArchive(ctx, cfg.Archive, logger)
		if err != nil {
			// The archive is best-effort; the relay runs without it.
			logger.Error("archive unavailable", "error", err)
		}
	}

	var sinks []sink.Sink
	if cfg.APRS.Enabled {
		client := aprs.New(cfg.APRS, logger)
		client.Start()
		sinks = append(sinks, client)
	}
	if cfg.SondeHub.Enabled {
		uploader := sondehub.New(cfg.SondeHub, logger)
		uploader.OnUploadLatency(m.UploadLatency.Observe)
		uploader.Start()
		sinks = append(sinks, uploader)
	}

	dispatcher := sink.NewDispatcher(logger, sinks...)
	dispatcher.OnSendError(func(name string) { m.SinkErrors.WithLabelValues(name).Inc() })
	dispatcher.OnDrop(func(name string) { m.SinkDropped.WithLabelValues(name).Inc() })
	dispatcher.Start()

	p := pipeline.New(
		identity.NewResolver(),
		normalize.New(normalize.NewStickyCache(), store),
		gate.New(store),
		dispatcher,
		archive,
		m,
		logger,
	)

	feed, err := ingest.New(cfg.Ingest, logger)
	if err != nil {
		return fmt.Errorf("connect feed: %w", err)
	}
	if err := feed.Start(p.Handle); err != nil {
		return fmt.Errorf("start feed: %w", err)
	}

	server := api.New(cfg.API, store, reg, logger)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	// Ordered shutdown: stop taking new messages, drain the sinks, then
	// close the archive and store.
	deadline := time.Duration(cfg.ShutdownSeconds) * time.Second
	if deadline <= 0 {
		deadline = 10 * time.Second
	}

	feed.Stop()
	dispatcher.Shutdown(deadline)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if archive != nil {
		if err := archive.Close(); err != nil {
			logger.Warn("archive close", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

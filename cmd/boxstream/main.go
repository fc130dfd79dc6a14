// Package main implements the entry point for the BoxStream service.
// BoxStream ingests sensor box measurements over HTTP and per-device broker
// subscriptions, persists them append-only, and re-serves them as streamed
// CSV/JSON exports.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/boxstream/box"
	"github.com/c360/boxstream/broker"
	"github.com/c360/boxstream/config"
	"github.com/c360/boxstream/export"
	"github.com/c360/boxstream/httpapi"
	"github.com/c360/boxstream/ingest"
	"github.com/c360/boxstream/metric"
	"github.com/c360/boxstream/store"
	"github.com/c360/boxstream/store/memory"
	"github.com/c360/boxstream/store/postgres"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "boxstream"
)

// directory is the device registry surface the engine needs: read access for
// ingestion and export, broker-config writes for the HTTP API.
type directory interface {
	box.Directory
	SetBroker(ctx context.Context, boxID string, cfg *box.BrokerConfig) error
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, logger, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metric.NewRegistry()

	st, dir, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer cleanup()

	sink := ingest.NewSink(dir, st, logger, registry)

	exporter := export.NewExporter(st, dir, export.Policy{
		MaxRange:           cfg.Export.MaxRange.Std(),
		DefaultWindow:      cfg.Export.DefaultWindow.Std(),
		BatchSize:          cfg.Export.BatchSize,
		SingleSensorRowCap: cfg.Export.SingleSensorRowCap,
		MaxBoxes:           cfg.Export.MaxBoxes,
	}, logger, registry)

	dialer := &broker.NATSDialer{ConnectTimeout: cfg.Broker.ConnectTimeout.Std()}
	manager := broker.NewManager(dir, sink, dialer, logger, registry, broker.Config{
		InitialDelay:   cfg.Broker.InitialDelay.Std(),
		MaxDelay:       cfg.Broker.MaxDelay.Std(),
		ErrorThreshold: cfg.Broker.ErrorThreshold,
	})
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}

	server := httpapi.NewServer(httpapi.Config{
		Addr:           cfg.HTTP.Addr,
		MaxRequestSize: cfg.HTTP.MaxRequestSize,
		IngestRate:     cfg.HTTP.IngestRate,
		IngestBurst:    cfg.HTTP.IngestBurst,
	}, sink, exporter, dir, manager, logger, registry)

	slog.Info("BoxStream started", "addr", cfg.HTTP.Addr, "store", cfg.Store.Driver)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.ListenAndServe(gctx) })

	err = g.Wait()

	slog.Info("Received shutdown signal")
	if stopErr := manager.Stop(cliCfg.ShutdownTimeout); stopErr != nil {
		slog.Error("Error stopping connection manager", "error", stopErr)
		if err == nil {
			err = stopErr
		}
	}

	if err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("BoxStream shutdown complete")
	return nil
}

// initializeCLI parses flags and sets up logging. Logging flags are resolved
// after the config loads so the file can set defaults; here we only handle
// version/help early exits.
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, true, nil
	}

	return cliCfg, false, nil
}

// initializeConfiguration loads and validates configuration, then finalizes
// the logger with the effective level and format.
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	// CLI flags override the file.
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	slog.Info("Starting BoxStream",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cfg, logger, nil
}

// openStore builds the measurement store and box directory for the configured
// driver. The cleanup func releases driver resources at shutdown.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, directory, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		db, err := postgres.Open(openCtx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return postgres.NewMeasurementStore(db), postgres.NewDirectory(db), func() { _ = db.Close() }, nil
	case "memory":
		return memory.New(), box.NewMemoryDirectory(), func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// Phased is the phasectl daemon.
//
// It accepts run plans over HTTP, drives them through the
// PLAN, RED, GREEN, REFACTOR, SYNC and RELEASE phases, and journals every
// delegation so interrupted runs can be resumed.
//
// Usage:
//
//	# Start with ~/.config/phasectl/config.yaml
//	phased
//
//	# Explicit config file and environment overrides
//	PHASECTL_SERVER_PORT=9292 phased --config ./phasectl.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasectl/internal/config"
	httpserver "github.com/fyrsmithlabs/phasectl/internal/http"
	"github.com/fyrsmithlabs/phasectl/internal/logging"
	"github.com/fyrsmithlabs/phasectl/internal/orchestrator"
	"github.com/fyrsmithlabs/phasectl/internal/services"
	"github.com/fyrsmithlabs/phasectl/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "config file (default ~/.config/phasectl/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  phased [--config FILE]   Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  phased version           Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("phased: %v", err)
	}
}

func printVersion() {
	fmt.Printf("phased by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run serves until ctx is cancelled, then shuts down within the configured
// timeout. Runs still executing at that point are journaled RESUMABLE.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "starting phased",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("telemetry", tel.IsEnabled()),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()),
	)
	if h := tel.Health(); h.Degraded {
		logger.Warn(ctx, "telemetry degraded", zap.Strings("reasons", h.Reasons))
	}

	svc, err := services.New(cfg, services.Options{Version: version, Logger: logger.Underlying()})
	if err != nil {
		return fmt.Errorf("initializing services: %w", err)
	}
	svc.Controller.OnProgress(progressLogger(ctx, logger))

	srv, err := httpserver.NewServer(svc.Controller, logger.Underlying().Named("http"), &httpserver.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
	})
	if err != nil {
		return errors.Join(err, svc.Shutdown(context.Background()))
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info(ctx, "shutdown requested")
	case runErr = <-serveErr:
		if runErr != nil {
			runErr = fmt.Errorf("http server: %w", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	errs := []error{runErr}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("services shutdown: %w", err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}

	logger.Info(ctx, "phased stopped")
	return errors.Join(errs...)
}

// progressLogger logs phase progress with run and phase correlation.
func progressLogger(ctx context.Context, logger *logging.Logger) orchestrator.ProgressCallback {
	return func(p orchestrator.PhaseProgress) {
		pctx := logging.WithPhase(logging.WithRunID(ctx, p.RunID), p.Phase)
		fields := []zap.Field{zap.String("state", string(p.State)), zap.Int("percent", p.Percentage)}
		if p.Message != "" {
			fields = append(fields, zap.String("detail", p.Message))
		}
		if p.State == orchestrator.ProgressFailed {
			logger.Warn(pctx, "phase progress", fields...)
			return
		}
		logger.Info(pctx, "phase progress", fields...)
	}
}

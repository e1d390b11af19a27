// Package main provides the entry point for the Raksha scan server.
// Raksha scores URLs for phishing and malware risk for browser clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/raksha/internal/app"
	"github.com/lvonguyen/raksha/internal/config"
	"github.com/lvonguyen/raksha/internal/observability"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("RAKSHA_CONFIG"), "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Raksha %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "raksha: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	telCfg := cfg.Telemetry
	telCfg.ServiceVersion = Version
	telCfg.LogLevel = cfg.Logging.Level
	telCfg.LogFormat = cfg.Logging.Format
	tel, err := observability.New(telCfg)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	logger := tel.Logger()
	defer logger.Sync()

	logger.Info("Starting Raksha",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("config", configPath),
		zap.Strings("providers", cfg.EnabledProviders()),
	)

	application, err := app.New(cfg, logger, tel.Metrics())
	if err != nil {
		return err
	}
	defer application.Close()

	// Setup context with cancellation for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	background := make(chan struct{})
	go func() {
		defer close(background)
		if err := application.Run(ctx); err != nil {
			logger.Error("Background maintenance stopped", zap.Error(err))
		}
	}()
	tel.StartSystemMetricsCollector(ctx)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      application.Handler(Version),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
	select {
	case <-background:
	case <-shutdownCtx.Done():
		logger.Warn("Background maintenance did not stop in time")
	}
	if st, ok := application.ExportStats(); ok {
		logger.Info("Verdict export stats",
			zap.Int64("sent", st.EventsSent),
			zap.Int64("failed", st.EventsFailed),
			zap.Int64("dropped", st.EventsDropped),
		)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
	return nil
}

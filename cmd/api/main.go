// Package main is the entry point of the diagnostic API server.
//
// It loads the configuration, builds the run service (stores, registry,
// pipeline, run history), mounts the dataset and run handlers on the core
// chassis and serves HTTP until SIGINT or SIGTERM, then drains in-flight
// requests within the shutdown timeout.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"

	"cmipdiag/internal/api/handlers"
	"cmipdiag/internal/config"
	"cmipdiag/internal/core"
	"cmipdiag/internal/queue"
	"cmipdiag/internal/runner"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := config.NewLogger(os.Stdout, cfg.LogLevel, false)
	logger.Info("cmipdiag API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()
	svc, err := runner.NewService(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building run service: %w", err)
	}

	srv, err := buildServer(cfg, svc, logger)
	if err != nil {
		_ = svc.Close()
		return err
	}
	return runHTTPServer(srv, cfg, logger)
}

// buildServer wires the handlers of svc onto a mounted core.Server.
func buildServer(cfg *config.Config, svc *runner.Service, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Closers = append(srv.Closers, svc.Close)

	var submitter handlers.RunSubmitter
	if cfg.AWS.RunQueueURL != "" {
		submitter = queue.NewRunQueue(sqs.NewFromConfig(svc.AWS), cfg.AWS.RunQueueURL, logger)
	}
	var history handlers.RunReader
	if runs := svc.Runner.Runs(); runs != nil {
		history = runs
	}

	datasetHandler := handlers.NewDatasetHandler(svc.Registry, logger)
	runHandler := handlers.NewRunHandler(svc.Runner, submitter, history, srv.Validator, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		r.Route("/datasets", datasetHandler.RegisterRoutes)
		r.Route("/runs", runHandler.RegisterRoutes)
	})
	srv.HealthProbes = append(srv.HealthProbes, core.NewProbe("database", svc.Ping))

	srv.MountRoutes()
	return srv, nil
}

func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	// Synchronous runs hold the connection for up to the request timeout.
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

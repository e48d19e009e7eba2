package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"dynode/internal/config"
	"dynode/internal/gateway"
	"dynode/internal/logging"
	"dynode/internal/metrics"
)

const defaultConfigFilename = "config.yaml"

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "dynode",
		Short: "Caching reverse proxy for blockchain RPC nodes",
		Long: `dynode sits in front of blockchain RPC nodes. It serves repeated JSON-RPC and REST
calls from an in-memory cache and routes traffic away from nodes that fall behind.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dynode version %s\n", version)
		},
	}
}

func serveCmd() *cobra.Command {
	var configFilename string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy and metrics servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configFilename)
		},
	}
	cmd.Flags().StringVarP(&configFilename, "config", "c", defaultConfigFilename, "path to the YAML config file")
	return cmd
}

func serve(configFilename string) error {
	cfg, err := config.LoadConfig(configFilename)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.NewLogger(cfg.Log)
	logger.Info().Str("version", version).Str("config", configFilename).Msg("starting dynode")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewRecorder(registry)

	gw, err := gateway.NewGateway(cfg, recorder, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw.Start(ctx)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           gw.ProxyHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Setup the metrics server (runs on a different port)
	metricsServer := &http.Server{
		Addr:              cfg.MetricsListen,
		Handler:           metrics.MetricsHandler(registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 2)

	go func() {
		logger.Info().Str("addr", cfg.Listen).Msg("proxy listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("proxy server failed: %w", err)
		}
	}()

	go func() {
		logger.Info().Str("addr", cfg.MetricsListen).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("metrics server failed: %w", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-serverErr:
		logger.Error().Err(runErr).Msg("server failed, shutting down")
	}

	// Stop the monitor and the cache janitor
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("proxy server shutdown failed")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown failed")
	}
	gw.Stop()

	logger.Info().Msg("dynode stopped")
	return runErr
}

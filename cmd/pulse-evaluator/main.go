package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/evaluator"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/store"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/config"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/database"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/monitoring"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/server"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("pulse-evaluator")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Pulse-Evaluator (Rule Evaluation)")

	dsn := config.RequireEnv("DB_DSN")
	cfg := evaluator.ConfigFromEnv()

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.DSN = dsn
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	gw := store.NewGateway(db, logger)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("pulse-evaluator", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("pulse-evaluator", version.Version, version.GitCommit)

	// Create custom evaluation metrics
	metrics := evaluator.NewMetrics(metricsCollector)

	// LISTEN for fresh telemetry and rule edits; the tick covers any gap
	// while the listener reconnects
	listener, err := store.NewListener(dsn, []string{store.ChannelTelemetryIngested, store.ChannelRulesChanged}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create store listener")
	}

	engine := evaluator.NewEngine(gw, cfg, logger, metrics)
	svc := evaluator.NewService(cfg, engine, listener, logger, metrics)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("listener", monitoring.ListenerHealthCheck("store listener", listener))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DB_DSN": dsn,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Start(ctx)

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "pulse-evaluator", healthChecker, metricsCollector)

	// Cancel the server context on SIGINT/SIGTERM
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("Shutting down Pulse-Evaluator...")
		cancel()
	}()

	if err := server.Run(ctx, server.DefaultConfig("pulse-evaluator", "18091"), router, logger); err != nil {
		logger.WithError(err).Error("HTTP server error")
	}

	svc.Stop()

	logger.Info("Pulse-Evaluator stopped")
}

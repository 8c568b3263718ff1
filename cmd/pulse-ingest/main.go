package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/ingest"
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
	logger := logging.NewLoggerWithService("pulse-ingest")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Pulse-Ingest (MQTT Telemetry Ingest)")

	dsn := config.RequireEnv("DB_DSN")
	cfg := ingest.ConfigFromEnv()

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.DSN = dsn
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	gw := store.NewGateway(db, logger)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("pulse-ingest", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("pulse-ingest", version.Version, version.GitCommit)

	// Create custom ingest metrics
	metrics := ingest.NewMetrics(metricsCollector)

	svc := ingest.NewService(cfg, gw, logger, metrics)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("mqtt", monitoring.MQTTHealthCheck(svc.MQTTClient()))
	healthChecker.AddCheck("overflow_dir", monitoring.DirectoryWritableCheck(cfg.OverflowDir))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DB_DSN":          dsn,
		"MQTT_BROKER_URL": cfg.BrokerURL,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start ingest pipeline")
	}

	// Setup router with unified monitoring, plus the broker auth probes
	router := server.SetupServiceRouter(logger, "pulse-ingest", healthChecker, metricsCollector)
	svc.RegisterRoutes(router)

	// Cancel the server context on SIGINT/SIGTERM
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("Shutting down Pulse-Ingest...")
		cancel()
	}()

	if err := server.Run(ctx, server.DefaultConfig("pulse-ingest", "18090"), router, logger); err != nil {
		logger.WithError(err).Error("HTTP server error")
	}

	// Cleanup: stop the broker subscription first, then drain the writers
	svc.Stop()

	logger.Info("Pulse-Ingest stopped")
}

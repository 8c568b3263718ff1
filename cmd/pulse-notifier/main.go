package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/notify"
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
	logger := logging.NewLoggerWithService("pulse-notifier")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Pulse-Notifier (Alert Notification Delivery)")

	dsn := config.RequireEnv("DB_DSN")
	cfg := notify.ConfigFromEnv()

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.DSN = dsn
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	gw := store.NewGateway(db, logger)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("pulse-notifier", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("pulse-notifier", version.Version, version.GitCommit)

	// Create custom delivery metrics
	metrics := notify.NewMetrics(metricsCollector)

	// LISTEN for alert transitions; the sweep covers any gap while the
	// listener reconnects
	listener, err := store.NewListener(dsn, []string{store.ChannelAlertsChanged}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create store listener")
	}

	svc, err := notify.NewService(cfg, gw, listener, logger, metrics)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build notifier")
	}

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("listener", monitoring.ListenerHealthCheck("store listener", listener))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DB_DSN": dsn,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Start(ctx)

	// Setup router with unified monitoring, plus the channel test and
	// dead-letter replay endpoints
	router := server.SetupServiceRouter(logger, "pulse-notifier", healthChecker, metricsCollector)
	svc.RegisterRoutes(router)

	// Cancel the server context on SIGINT/SIGTERM
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("Shutting down Pulse-Notifier...")
		cancel()
	}()

	if err := server.Run(ctx, server.DefaultConfig("pulse-notifier", "18092"), router, logger); err != nil {
		logger.WithError(err).Error("HTTP server error")
	}

	svc.Stop()

	logger.Info("Pulse-Notifier stopped")
}

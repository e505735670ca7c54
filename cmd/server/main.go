// Package main provides the API server entry point for the vault PnL service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vault-pnl/internal/api"
	"github.com/vault-pnl/internal/config"
	"github.com/vault-pnl/internal/logging"
	"github.com/vault-pnl/internal/service"
	"github.com/vault-pnl/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx := context.Background()

	// Report storage is optional: without it reports are built but not saved
	var repo service.ReportRepository
	postgres, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Warn("Postgres unavailable, report persistence disabled")
	} else {
		defer postgres.Close()
		repo = storage.NewReportRepository(postgres)
		logger.Info("Postgres connection established")
	}

	logger.Info("Initializing networks...")
	registry, closeClients, err := service.NewRegistryFromConfig(ctx, cfg, repo, logger, "", nil)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize networks")
	}
	defer closeClients()

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RequestTimeout:    cfg.Server.RequestTimeout,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
	}

	server := api.NewServer(serverConfig, registry, logger)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":     cfg.Server.Host,
		"port":     cfg.Server.Port,
		"networks": registry.Networks(),
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

// Package main runs the beacon: the tool-lookup TCP service that maps
// backend tool-use ids to conversations and tracks pylon registrations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/pylonmesh/pylonmesh/internal/beacon"
	"github.com/pylonmesh/pylonmesh/internal/common/config"
	"github.com/pylonmesh/pylonmesh/internal/common/logger"
	"github.com/pylonmesh/pylonmesh/internal/pylon"
	"github.com/pylonmesh/pylonmesh/internal/pylon/claude"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting beacon...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", cfg.Beacon.Host, cfg.Beacon.Port)
	adapter := claude.NewCLIAdapter("", log)
	server := beacon.NewServer(addr, pylon.NewToolContextMap(), adapter, log)

	if err := server.Run(ctx); err != nil {
		log.Fatal("Beacon server error", zap.Error(err))
	}

	log.Info("Beacon stopped")
}

// Package main runs the relay: the shared WebSocket router that connects
// apps, viewers and workstation pylons.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pylonmesh/pylonmesh/internal/common/config"
	"github.com/pylonmesh/pylonmesh/internal/common/logger"
	"github.com/pylonmesh/pylonmesh/internal/relay"
	"github.com/pylonmesh/pylonmesh/pkg/entity"
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

	log.Info("Starting relay...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	devices, err := relay.BuildDeviceTable(cfg.Relay.Devices)
	if err != nil {
		log.Fatal("Invalid device table", zap.Error(err))
	}

	envID, err := entity.EnvIDForName(cfg.MCP.Env)
	if err != nil {
		log.Fatal("Invalid environment", zap.Error(err))
	}

	reducer := relay.NewReducer(devices, envID, shareValidator(log))

	hub := relay.NewHub(reducer, log)
	go hub.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	handler := relay.NewHandler(hub, log)
	handler.Routes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Relay.Host, cfg.Relay.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Relay.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Relay.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("Relay listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down relay...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Relay stopped")
}

// shareValidator resolves viewer share ids from the static table in the
// environment. Deployments without shares leave it empty, which rejects all
// viewers.
func shareValidator(log *logger.Logger) relay.ShareValidator {
	shares := parseShares(os.Getenv("PYLONMESH_RELAY_SHARES"))
	if len(shares) > 0 {
		log.Info("Loaded static share table", zap.Int("count", len(shares)))
	}
	return func(shareID string) (entity.EntityID, bool) {
		target, ok := shares[shareID]
		return target, ok
	}
}

// parseShares reads "shareId=P:W:C,shareId=P:W:C" pairs.
func parseShares(raw string) map[string]entity.EntityID {
	out := make(map[string]entity.EntityID)
	for _, pair := range strings.Split(raw, ",") {
		id, ref, ok := strings.Cut(pair, "=")
		if !ok || id == "" {
			continue
		}
		target, err := entity.Parse(ref)
		if err != nil {
			continue
		}
		out[id] = target
	}
	return out
}

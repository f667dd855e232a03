// Package main runs the workstation pylon: the runtime that hosts
// conversations, drives the AI backend, receives blobs, serves the embedded
// MCP tool server and the same-host WebSocket, and connects upstream to the
// relay.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pylonmesh/pylonmesh/internal/beacon"
	"github.com/pylonmesh/pylonmesh/internal/blob"
	"github.com/pylonmesh/pylonmesh/internal/common/config"
	"github.com/pylonmesh/pylonmesh/internal/common/logger"
	"github.com/pylonmesh/pylonmesh/internal/events/bus"
	"github.com/pylonmesh/pylonmesh/internal/persistence"
	"github.com/pylonmesh/pylonmesh/internal/pylon"
	"github.com/pylonmesh/pylonmesh/internal/pylon/claude"
	"github.com/pylonmesh/pylonmesh/internal/pylon/localws"
	"github.com/pylonmesh/pylonmesh/internal/pylon/mcpserver"
	"github.com/pylonmesh/pylonmesh/pkg/entity"
)

// osFileSystem reads prompt and linked-document files from disk.
type osFileSystem struct{}

func (osFileSystem) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

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

	log.Info("Starting pylon...",
		zap.Int("pylon_id", cfg.Pylon.PylonID),
		zap.String("env", cfg.MCP.Env))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dataDir := expandHome(cfg.Pylon.DataDir)

	eventBus, err := bus.Provide(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to create event bus", zap.Error(err))
	}
	defer eventBus.Close()

	store := persistence.NewStore(dataDir, log)
	workspaces, err := pylon.NewWorkspaceStore(cfg.Pylon.PylonID, store, log)
	if err != nil {
		log.Fatal("Failed to load workspace store", zap.Error(err))
	}
	shares, err := pylon.NewShareStore(store, log)
	if err != nil {
		log.Fatal("Failed to load share store", zap.Error(err))
	}

	blobs := blob.NewManager(filepath.Join(dataDir, "blobs"), log)
	toolCtx := pylon.NewToolContextMap()

	beaconAddr := fmt.Sprintf("%s:%d", cfg.Beacon.Host, cfg.Beacon.Port)
	beaconClient := beacon.NewClient(beaconAddr, cfg.Beacon.RequestTimeoutDuration())
	defer beaconClient.Close()

	// The MCP server links documents through the runtime, and the runtime
	// loads tool-server maps that include the MCP server's own endpoint. The
	// pointer is bound before any query can run.
	var mcpSrv *mcpserver.Server
	loader := func(workspacePath string) map[string]claude.MCPServerConfig {
		return mcpserver.Loader(mcpSrv, log)(workspacePath)
	}

	runtime := pylon.NewRuntime(pylon.RuntimeOptions{
		Store:              workspaces,
		Adapter:            claude.NewCLIAdapter("", log),
		Bus:                eventBus,
		ToolContext:        toolCtx,
		FileSystem:         osFileSystem{},
		MCPServers:         loader,
		Shares:             shares,
		AllowAllRaisesMode: cfg.Pylon.AllowAllRaisesMode,
		Logger:             log,
	})
	defer runtime.Shutdown()

	mcpSrv, mcpCleanup, err := mcpserver.Provide(ctx, mcpserver.Config{
		Port: cfg.MCP.Port(),
		Env:  cfg.MCP.Env,
	}, beaconClient, runtime, log)
	if err != nil {
		log.Fatal("Failed to start MCP server", zap.Error(err))
	}
	defer mcpCleanup()

	registerWithBeacon(beaconClient, cfg, mcpSrv.Port(), log)
	defer func() {
		if err := beaconClient.Unregister(cfg.Pylon.PylonID); err != nil {
			log.Warn("Beacon unregister failed", zap.Error(err))
		}
	}()

	envID, err := entity.EnvIDForName(cfg.MCP.Env)
	if err != nil {
		log.Fatal("Invalid environment", zap.Error(err))
	}
	deviceID, err := entity.EncodeDevice(envID, entity.DeviceTypePylon, cfg.Pylon.PylonID)
	if err != nil {
		log.Fatal("Invalid device id", zap.Error(err))
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// Background cleanup of the tool-use map.
	group.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if removed := toolCtx.Cleanup(cfg.Pylon.ToolContextMaxAgeDuration()); removed > 0 {
					log.Debug("Tool context cleanup", zap.Int("removed", removed))
				}
			}
		}
	})

	// Same-host WebSocket mirror of the event bus.
	localHub := localws.NewHub(log)
	group.Go(func() error {
		return localHub.Run(groupCtx, eventBus)
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	localws.NewHandler(localHub, log).Routes(router)

	localServer := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Pylon.LocalPort),
		Handler: router,
	}
	group.Go(func() error {
		log.Info("Local WebSocket listening", zap.String("addr", localServer.Addr))
		if err := localServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("local server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return localServer.Shutdown(shutdownCtx)
	})

	// Upstream connection to the relay, with reconnect.
	hostname, _ := os.Hostname()
	upstream := pylon.NewUpstream(cfg.Pylon.RelayURL, deviceID, hostname, runtime, blobs, eventBus, log)
	group.Go(func() error {
		return upstream.Run(groupCtx)
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		log.Error("Pylon error", zap.Error(err))
	}

	log.Info("Pylon stopped")
}

// registerWithBeacon announces this pylon's MCP endpoint. The beacon may not
// be up yet; registration failure is logged, not fatal, since lookup simply
// degrades until the next restart.
func registerWithBeacon(client *beacon.Client, cfg *config.Config, mcpPort int, log *logger.Logger) {
	err := client.Register(cfg.Pylon.PylonID, "127.0.0.1", mcpPort, cfg.MCP.Env, true)
	if err != nil {
		log.Warn("Beacon registration failed", zap.Error(err))
		return
	}
	log.Info("Registered with beacon",
		zap.Int("pylon_id", cfg.Pylon.PylonID),
		zap.Int("mcp_port", mcpPort))
}

// expandHome resolves a leading "~" against the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

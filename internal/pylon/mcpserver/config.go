package mcpserver

import (
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/pylonmesh/pylonmesh/internal/common/logger"
	"github.com/pylonmesh/pylonmesh/internal/pylon/claude"
)

// mcpConfigFile is the per-workspace tool-server map, read from the
// workspace root. The contents are handed to the adapter opaquely.
const mcpConfigFile = ".mcp.json"

type mcpConfigDocument struct {
	MCPServers map[string]claude.MCPServerConfig `json:"mcpServers"`
}

// LoadWorkspaceServers reads the workspace's tool-server map. A missing file
// yields nil; a malformed file is logged and skipped rather than failing the
// query.
func LoadWorkspaceServers(workspacePath string, log *logger.Logger) map[string]claude.MCPServerConfig {
	if workspacePath == "" {
		return nil
	}
	path := filepath.Join(workspacePath, mcpConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("failed to read MCP config", zap.String("path", path), zap.Error(err))
		}
		return nil
	}

	var doc mcpConfigDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Warn("malformed MCP config", zap.String("path", path), zap.Error(err))
		return nil
	}
	return doc.MCPServers
}

// Loader returns a workspace loader that merges the on-disk tool-server map
// with the auto-injected local server entry (when srv is non-nil).
func Loader(srv *Server, log *logger.Logger) func(workspacePath string) map[string]claude.MCPServerConfig {
	return func(workspacePath string) map[string]claude.MCPServerConfig {
		servers := LoadWorkspaceServers(workspacePath, log)
		if srv == nil {
			return servers
		}
		if servers == nil {
			servers = make(map[string]claude.MCPServerConfig)
		}
		if _, exists := servers["pylonmesh"]; !exists {
			servers["pylonmesh"] = claude.MCPServerConfig{
				Type: "sse",
				URL:  srv.SSEEndpoint(),
			}
		}
		return servers
	}
}

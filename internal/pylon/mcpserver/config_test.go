package mcpserver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pylonmesh/pylonmesh/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	return log
}

func TestLoadWorkspaceServers(t *testing.T) {
	dir := t.TempDir()
	log := testLogger(t)

	// Missing file yields nil.
	if servers := LoadWorkspaceServers(dir, log); servers != nil {
		t.Errorf("servers for empty workspace = %v, want nil", servers)
	}
	if servers := LoadWorkspaceServers("", log); servers != nil {
		t.Errorf("servers for empty path = %v, want nil", servers)
	}

	doc := `{"mcpServers": {"docs": {"type": "stdio", "command": "docs-mcp", "args": ["--root", "/srv/docs"]}}}`
	if err := os.WriteFile(filepath.Join(dir, mcpConfigFile), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	servers := LoadWorkspaceServers(dir, log)
	if len(servers) != 1 {
		t.Fatalf("servers = %v, want 1 entry", servers)
	}
	got := servers["docs"]
	if got.Type != "stdio" || got.Command != "docs-mcp" || len(got.Args) != 2 {
		t.Errorf("docs entry = %+v", got)
	}
}

func TestLoadWorkspaceServers_MalformedFileSkipped(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, mcpConfigFile), []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if servers := LoadWorkspaceServers(dir, testLogger(t)); servers != nil {
		t.Errorf("servers for malformed config = %v, want nil", servers)
	}
}

func TestLoader_InjectsLocalServer(t *testing.T) {
	dir := t.TempDir()
	log := testLogger(t)

	load := Loader(nil, log)
	if servers := load(dir); servers != nil {
		t.Errorf("nil-server loader = %v, want nil", servers)
	}

	srv := New(Config{Port: 9878, Env: "dev"}, nil, nil, log)
	load = Loader(srv, log)
	servers := load(dir)
	if servers == nil {
		t.Fatal("loader with local server returned nil")
	}
	entry, ok := servers["pylonmesh"]
	if !ok || entry.Type != "sse" || entry.URL == "" {
		t.Errorf("injected entry = %+v, %v", entry, ok)
	}

	// An explicit entry is not overwritten.
	doc := `{"mcpServers": {"pylonmesh": {"type": "http", "url": "http://example:1/mcp"}}}`
	if err := os.WriteFile(filepath.Join(dir, mcpConfigFile), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	servers = load(dir)
	if servers["pylonmesh"].Type != "http" {
		t.Errorf("explicit entry overwritten: %+v", servers["pylonmesh"])
	}
}

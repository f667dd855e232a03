package beacon

import (
	"fmt"
	"sync"
	"time"
)

// Registration is one live pylon instance known to the beacon.
type Registration struct {
	PylonID      int    `json:"pylonId"`
	MCPHost      string `json:"mcpHost"`
	MCPPort      int    `json:"mcpPort"`
	Env          string `json:"env"`
	RegisteredAt int64  `json:"registeredAt"`
}

// Address returns the pylon's MCP endpoint.
func (r Registration) Address() string {
	return fmt.Sprintf("%s:%d", r.MCPHost, r.MCPPort)
}

// Registry holds the pylon registrations. All state is in memory and lost on
// restart.
type Registry struct {
	mu     sync.RWMutex
	pylons map[int]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pylons: make(map[int]Registration)}
}

// Register adds a pylon. A duplicate pylonId fails unless force replaces it.
func (r *Registry) Register(reg Registration, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pylons[reg.PylonID]; exists && !force {
		return fmt.Errorf("pylon %d already registered", reg.PylonID)
	}
	reg.RegisteredAt = time.Now().UnixMilli()
	r.pylons[reg.PylonID] = reg
	return nil
}

// Unregister removes a pylon.
func (r *Registry) Unregister(pylonID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pylons[pylonID]; !exists {
		return fmt.Errorf("pylon %d not found", pylonID)
	}
	delete(r.pylons, pylonID)
	return nil
}

// Get returns the registration for a pylonId.
func (r *Registry) Get(pylonID int) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.pylons[pylonID]
	return reg, ok
}

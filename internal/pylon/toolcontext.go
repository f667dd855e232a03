package pylon

import (
	"sync"
	"time"

	"github.com/pylonmesh/pylonmesh/pkg/entity"
)

// ToolUseRaw is the backend's original tool_use block, kept verbatim so the
// beacon can hand it back to out-of-band tool handlers.
type ToolUseRaw struct {
	Type  string         `json:"type"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolContext ties one tool invocation to the conversation that produced it.
type ToolContext struct {
	EntityID entity.EntityID `json:"entityId"`
	Raw      ToolUseRaw      `json:"raw"`

	insertedAt time.Time
}

// ToolContextMap maps toolUseId to its conversation context. The id namespace
// is generated by the backend and assumed globally unique within its window;
// re-set replaces. Cleanup is explicit, never implicit.
type ToolContextMap struct {
	mu      sync.RWMutex
	entries map[string]ToolContext
	now     func() time.Time
}

// NewToolContextMap creates an empty map.
func NewToolContextMap() *ToolContextMap {
	return &ToolContextMap{
		entries: make(map[string]ToolContext),
		now:     time.Now,
	}
}

// Set inserts or replaces the context for a toolUseId.
func (m *ToolContextMap) Set(toolUseID string, id entity.EntityID, raw ToolUseRaw) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[toolUseID] = ToolContext{EntityID: id, Raw: raw, insertedAt: m.now()}
}

// Get returns the context for a toolUseId.
func (m *ToolContextMap) Get(toolUseID string) (ToolContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.entries[toolUseID]
	return ctx, ok
}

// Cleanup removes entries older than maxAge and returns how many were
// dropped.
func (m *ToolContextMap) Cleanup(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for id, ctx := range m.entries {
		if ctx.insertedAt.Before(cutoff) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries.
func (m *ToolContextMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

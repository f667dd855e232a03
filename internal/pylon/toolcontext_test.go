package pylon

import (
	"testing"
	"time"

	"github.com/pylonmesh/pylonmesh/pkg/entity"
)

func TestToolContextMap_SetGetReplace(t *testing.T) {
	m := NewToolContextMap()
	conv, _ := entity.Encode(1, 2, 3)

	m.Set("toolu_01", conv, ToolUseRaw{Type: "tool_use", ID: "toolu_01", Name: "Edit"})

	ctx, ok := m.Get("toolu_01")
	if !ok {
		t.Fatal("entry missing after Set")
	}
	if ctx.EntityID != conv || ctx.Raw.Name != "Edit" {
		t.Errorf("entry = %+v", ctx)
	}

	// Re-set replaces.
	other, _ := entity.Encode(1, 2, 4)
	m.Set("toolu_01", other, ToolUseRaw{Type: "tool_use", ID: "toolu_01", Name: "Bash"})
	ctx, _ = m.Get("toolu_01")
	if ctx.EntityID != other || ctx.Raw.Name != "Bash" {
		t.Errorf("replaced entry = %+v", ctx)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestToolContextMap_CleanupByAge(t *testing.T) {
	m := NewToolContextMap()
	conv, _ := entity.Encode(1, 1, 1)

	base := time.Now()
	m.now = func() time.Time { return base }
	m.Set("old", conv, ToolUseRaw{ID: "old"})

	m.now = func() time.Time { return base.Add(31 * time.Minute) }
	m.Set("fresh", conv, ToolUseRaw{ID: "fresh"})

	if removed := m.Cleanup(30 * time.Minute); removed != 1 {
		t.Errorf("Cleanup() = %d, want 1", removed)
	}
	if _, ok := m.Get("old"); ok {
		t.Error("expired entry survived cleanup")
	}
	if _, ok := m.Get("fresh"); !ok {
		t.Error("fresh entry removed by cleanup")
	}
}

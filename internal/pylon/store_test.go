package pylon

import (
	"testing"

	"github.com/pylonmesh/pylonmesh/internal/common/logger"
	"github.com/pylonmesh/pylonmesh/internal/persistence"
	"github.com/pylonmesh/pylonmesh/pkg/entity"
	"github.com/pylonmesh/pylonmesh/pkg/fabric"
)

func newTestStore(t *testing.T, dir string) *WorkspaceStore {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	store, err := NewWorkspaceStore(1, persistence.NewStore(dir, log), log)
	if err != nil {
		t.Fatalf("NewWorkspaceStore() error = %v", err)
	}
	return store
}

func TestWorkspaceStore_IDsEncodeHierarchy(t *testing.T) {
	s := newTestStore(t, t.TempDir())

	ws, err := s.AddWorkspace("first", "/tmp/first")
	if err != nil {
		t.Fatalf("AddWorkspace() error = %v", err)
	}
	if ws.EntityID.Level() != entity.LevelWorkspace {
		t.Errorf("workspace id level = %v", ws.EntityID.Level())
	}

	conv, err := s.AddConversation(ws.EntityID, "chat")
	if err != nil {
		t.Fatalf("AddConversation() error = %v", err)
	}
	p, w, c := conv.EntityID.Decode()
	if p != 1 || w != 1 || c != 1 {
		t.Errorf("conversation id = %d:%d:%d, want 1:1:1", p, w, c)
	}

	conv2, _ := s.AddConversation(ws.EntityID, "chat2")
	_, _, c2 := conv2.EntityID.Decode()
	if c2 != 2 {
		t.Errorf("second conversation id = %d, want 2", c2)
	}
}

func TestWorkspaceStore_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	ws, _ := s.AddWorkspace("w", "/tmp/w")
	conv, _ := s.AddConversation(ws.EntityID, "c")
	_ = s.Update(conv.EntityID, func(c *Conversation) error {
		c.Status = StatusWorking
		c.AddPending(PendingRequest{Kind: RequestKindPermission, ToolUseID: "x"})
		c.Append(fabric.LogEntry{ID: "e1", Kind: fabric.EntryText, Role: fabric.RoleUser, Text: "hello"})
		return nil
	})

	reloaded := newTestStore(t, dir)
	err := reloaded.View(conv.EntityID, func(c *Conversation) error {
		if len(c.Log) != 1 || c.Log[0].Text != "hello" {
			t.Errorf("log not restored: %+v", c.Log)
		}
		// Runtime state never survives a restart.
		if c.Status != StatusIdle {
			t.Errorf("status = %v after reload, want idle", c.Status)
		}
		if len(c.Pending) != 0 {
			t.Error("pending requests survived restart")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}

	active, activeConv := reloaded.Active()
	if active != ws.EntityID || activeConv != conv.EntityID {
		t.Errorf("active = %v/%v, want %v/%v", active, activeConv, ws.EntityID, conv.EntityID)
	}
}

func TestWorkspaceStore_DeleteConversation(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	ws, _ := s.AddWorkspace("w", "/tmp/w")
	conv, _ := s.AddConversation(ws.EntityID, "c")

	if err := s.DeleteConversation(conv.EntityID); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}
	if err := s.View(conv.EntityID, func(*Conversation) error { return nil }); err == nil {
		t.Error("deleted conversation still visible")
	}
	if err := s.DeleteConversation(conv.EntityID); err == nil {
		t.Error("double delete accepted")
	}
}

func TestWorkspaceStore_UnknownIDs(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	unknown, _ := entity.Encode(1, 5, 5)

	if err := s.Update(unknown, func(*Conversation) error { return nil }); err == nil {
		t.Error("Update() on unknown conversation accepted")
	}
	if _, err := s.AddConversation(unknown, "x"); err == nil {
		t.Error("AddConversation() on unknown workspace accepted")
	}
}

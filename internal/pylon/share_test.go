package pylon

import (
	"testing"

	"github.com/pylonmesh/pylonmesh/internal/common/logger"
	"github.com/pylonmesh/pylonmesh/internal/persistence"
	"github.com/pylonmesh/pylonmesh/pkg/entity"
)

func newTestShareStore(t *testing.T, dir string) *ShareStore {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	s, err := NewShareStore(persistence.NewStore(dir, log), log)
	if err != nil {
		t.Fatalf("NewShareStore() error = %v", err)
	}
	return s
}

func TestShareStore_CreateValidateRevoke(t *testing.T) {
	s := newTestShareStore(t, t.TempDir())
	conv, _ := entity.Encode(1, 1, 42)

	id, err := s.Create(conv)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(id) != shareIDLength {
		t.Errorf("share id length = %d, want %d", len(id), shareIDLength)
	}

	got, ok := s.Validate(id)
	if !ok || got != conv {
		t.Errorf("Validate() = %v, %v", got, ok)
	}
	if _, ok := s.Validate("nope00000000"); ok {
		t.Error("unknown share id validated")
	}

	// Access counting.
	s.Validate(id)
	for _, rec := range s.Records() {
		if rec.ShareID == id && rec.AccessCount != 2 {
			t.Errorf("accessCount = %d, want 2", rec.AccessCount)
		}
	}

	if err := s.Revoke(id); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if _, ok := s.Validate(id); ok {
		t.Error("revoked share id still validates")
	}
	if err := s.Revoke(id); err == nil {
		t.Error("double revoke accepted")
	}
}

func TestShareStore_RejectsNonConversationTargets(t *testing.T) {
	s := newTestShareStore(t, t.TempDir())

	workspace, _ := entity.EncodeWorkspace(1, 2)
	if _, err := s.Create(workspace); err == nil {
		t.Error("share created for workspace-level id")
	}
	pylonOnly, _ := entity.EncodePylon(3)
	if _, err := s.Create(pylonOnly); err == nil {
		t.Error("share created for pylon-level id")
	}
}

func TestShareStore_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	s := newTestShareStore(t, dir)
	conv, _ := entity.Encode(1, 1, 7)
	id, _ := s.Create(conv)

	reloaded := newTestShareStore(t, dir)
	got, ok := reloaded.Validate(id)
	if !ok || got != conv {
		t.Errorf("reloaded Validate() = %v, %v", got, ok)
	}
}

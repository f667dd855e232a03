package persistence

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/pylonmesh/pylonmesh/internal/common/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	return NewStore(t.TempDir(), log)
}

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestStore_WorkspaceRoundTrip(t *testing.T) {
	s := testStore(t)

	var missing doc
	if err := s.LoadWorkspaceStore(&missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadWorkspaceStore() on empty store = %v, want ErrNotFound", err)
	}

	if err := s.SaveWorkspaceStore(doc{Name: "ws", Count: 3}); err != nil {
		t.Fatalf("SaveWorkspaceStore() error = %v", err)
	}

	var got doc
	if err := s.LoadWorkspaceStore(&got); err != nil {
		t.Fatalf("LoadWorkspaceStore() error = %v", err)
	}
	if got.Name != "ws" || got.Count != 3 {
		t.Errorf("loaded = %+v", got)
	}
}

func TestStore_RecreatesRemovedDirectory(t *testing.T) {
	s := testStore(t)

	if err := s.SaveMessageSession("sess-1", doc{Name: "a"}); err != nil {
		t.Fatalf("SaveMessageSession() error = %v", err)
	}

	// The directory may be removed at runtime; the next write recreates it.
	if err := os.RemoveAll(filepath.Join(s.baseDir, sessionsDir)); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMessageSession("sess-2", doc{Name: "b"}); err != nil {
		t.Fatalf("SaveMessageSession() after dir removal error = %v", err)
	}
}

func TestStore_SessionLifecycle(t *testing.T) {
	s := testStore(t)

	for _, id := range []string{"alpha", "beta", "gamma"} {
		if err := s.SaveMessageSession(id, doc{Name: id}); err != nil {
			t.Fatalf("SaveMessageSession(%s) error = %v", id, err)
		}
	}

	ids, err := s.ListMessageSessions()
	if err != nil {
		t.Fatalf("ListMessageSessions() error = %v", err)
	}
	sort.Strings(ids)
	want := []string{"alpha", "beta", "gamma"}
	if len(ids) != 3 || ids[0] != want[0] || ids[1] != want[1] || ids[2] != want[2] {
		t.Errorf("sessions = %v, want %v", ids, want)
	}

	if err := s.DeleteMessageSession("beta"); err != nil {
		t.Fatalf("DeleteMessageSession() error = %v", err)
	}
	var got doc
	if err := s.LoadMessageSession("beta", &got); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted session load = %v, want ErrNotFound", err)
	}

	// Deleting again is a no-op.
	if err := s.DeleteMessageSession("beta"); err != nil {
		t.Errorf("repeat delete error = %v", err)
	}
}

func TestStore_RejectsTraversalSessionIDs(t *testing.T) {
	s := testStore(t)
	for _, id := range []string{"", "../escape", "a/b", `a\b`} {
		if err := s.SaveMessageSession(id, doc{}); err == nil {
			t.Errorf("SaveMessageSession(%q) accepted", id)
		}
	}
}

func TestStore_ConcurrentWritesSameKey(t *testing.T) {
	s := testStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.SaveShareStore(doc{Name: "shares", Count: n})
		}(i)
	}
	wg.Wait()

	// The last completed write wins; the document is never torn.
	var got doc
	if err := s.LoadShareStore(&got); err != nil {
		t.Fatalf("LoadShareStore() error = %v", err)
	}
	if got.Name != "shares" {
		t.Errorf("loaded = %+v", got)
	}
}

func TestStore_LastAccount(t *testing.T) {
	s := testStore(t)
	if err := s.SaveLastAccount(map[string]string{"email": "dev@example.com"}); err != nil {
		t.Fatalf("SaveLastAccount() error = %v", err)
	}
	var got map[string]string
	if err := s.LoadLastAccount(&got); err != nil {
		t.Fatalf("LoadLastAccount() error = %v", err)
	}
	if got["email"] != "dev@example.com" {
		t.Errorf("loaded = %v", got)
	}
}

// Package persistence implements the JSON-document file store backing the
// workstation: workspace snapshot, per-session message logs, share records
// and the last account. Writes are serialised per key and land atomically;
// parent directories are recreated lazily on every write because folders may
// be removed at runtime.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pylonmesh/pylonmesh/internal/common/logger"
)

const (
	workspaceFile = "workspace.json"
	shareFile     = "shares.json"
	accountFile   = "account.json"
	sessionsDir   = "sessions"
)

// ErrNotFound is returned by loads when no document exists for the key.
var ErrNotFound = errors.New("document not found")

// Store is a file-backed document store rooted at one directory.
type Store struct {
	baseDir string
	locks   sync.Map // relative path -> *sync.Mutex
	logger  *logger.Logger
}

// NewStore creates a store rooted at baseDir. The directory itself is created
// lazily on first write.
func NewStore(baseDir string, log *logger.Logger) *Store {
	return &Store{
		baseDir: baseDir,
		logger:  log.WithFields(zap.String("component", "persistence")),
	}
}

// SaveWorkspaceStore writes the workspace snapshot.
func (s *Store) SaveWorkspaceStore(v any) error {
	return s.save(workspaceFile, v)
}

// LoadWorkspaceStore reads the workspace snapshot into v. Returns ErrNotFound
// when no snapshot has been written yet.
func (s *Store) LoadWorkspaceStore(v any) error {
	return s.load(workspaceFile, v)
}

// SaveMessageSession writes one per-session message log, keyed by sessionId.
func (s *Store) SaveMessageSession(sessionID string, v any) error {
	name, err := sessionPath(sessionID)
	if err != nil {
		return err
	}
	return s.save(name, v)
}

// LoadMessageSession reads one per-session message log into v.
func (s *Store) LoadMessageSession(sessionID string, v any) error {
	name, err := sessionPath(sessionID)
	if err != nil {
		return err
	}
	return s.load(name, v)
}

// DeleteMessageSession removes one session log. Deleting a missing session is
// not an error.
func (s *Store) DeleteMessageSession(sessionID string) error {
	name, err := sessionPath(sessionID)
	if err != nil {
		return err
	}
	mu := s.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	err = os.Remove(filepath.Join(s.baseDir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// ListMessageSessions returns the sessionIds with a stored log.
func (s *Store) ListMessageSessions() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, sessionsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// SaveShareStore writes the share records document.
func (s *Store) SaveShareStore(v any) error {
	return s.save(shareFile, v)
}

// LoadShareStore reads the share records document into v.
func (s *Store) LoadShareStore(v any) error {
	return s.load(shareFile, v)
}

// SaveLastAccount writes the last account document.
func (s *Store) SaveLastAccount(v any) error {
	return s.save(accountFile, v)
}

// LoadLastAccount reads the last account document into v.
func (s *Store) LoadLastAccount(v any) error {
	return s.load(accountFile, v)
}

// lockFor returns the per-key mutex, creating it on first use.
func (s *Store) lockFor(name string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Store) save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	mu := s.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	path := filepath.Join(s.baseDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".doc-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}

	s.logger.Debug("Document saved", zap.String("key", name), zap.Int("bytes", len(data)))
	return nil
}

func (s *Store) load(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.baseDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// sessionPath maps a sessionId to its file name, rejecting ids that would
// escape the sessions directory.
func sessionPath(sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("sessionId is required")
	}
	if strings.ContainsAny(sessionID, `/\`) || strings.Contains(sessionID, "..") {
		return "", fmt.Errorf("invalid sessionId %q", sessionID)
	}
	return filepath.Join(sessionsDir, sessionID+".json"), nil
}

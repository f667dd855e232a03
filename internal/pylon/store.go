package pylon

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pylonmesh/pylonmesh/internal/common/logger"
	"github.com/pylonmesh/pylonmesh/internal/persistence"
	"github.com/pylonmesh/pylonmesh/pkg/entity"
)

// Workspace is an ordered set of conversations under one working directory.
type Workspace struct {
	EntityID      entity.EntityID `json:"entityId"`
	Name          string          `json:"name"`
	Path          string          `json:"path"`
	Conversations []*Conversation `json:"conversations"`
}

// workspaceDocument is the persisted snapshot shape.
type workspaceDocument struct {
	ActiveWorkspaceID    entity.EntityID `json:"activeWorkspaceId"`
	ActiveConversationID entity.EntityID `json:"activeConversationId"`
	Workspaces           []*Workspace    `json:"workspaces"`
}

// WorkspaceStore owns the ordered workspaces of one pylon. All mutation goes
// through Update-style methods under a single writer lock; readers get
// coherent copies. Every mutation writes through to persistence.
type WorkspaceStore struct {
	mu sync.RWMutex

	pylonID            int
	workspaces         []*Workspace
	activeWorkspace    entity.EntityID
	activeConversation entity.EntityID

	store  *persistence.Store
	logger *logger.Logger
}

// NewWorkspaceStore creates a store for one pylon, loading any persisted
// snapshot.
func NewWorkspaceStore(pylonID int, store *persistence.Store, log *logger.Logger) (*WorkspaceStore, error) {
	ws := &WorkspaceStore{
		pylonID: pylonID,
		store:   store,
		logger:  log.WithFields(zap.String("component", "workspace_store")),
	}

	var doc workspaceDocument
	err := store.LoadWorkspaceStore(&doc)
	switch err {
	case nil:
		ws.workspaces = doc.Workspaces
		ws.activeWorkspace = doc.ActiveWorkspaceID
		ws.activeConversation = doc.ActiveConversationID
		for _, w := range ws.workspaces {
			for _, c := range w.Conversations {
				// Runtime state never survives a restart.
				c.Status = StatusIdle
				c.Pending = nil
				c.TotalCount = len(c.Log)
			}
		}
	case persistence.ErrNotFound:
	default:
		return nil, fmt.Errorf("load workspace store: %w", err)
	}

	return ws, nil
}

// AddWorkspace creates a workspace with the next free workspace id.
func (s *WorkspaceStore) AddWorkspace(name, path string) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := 1
	for _, w := range s.workspaces {
		_, wid, _ := w.EntityID.Decode()
		if wid >= next {
			next = wid + 1
		}
	}
	id, err := entity.EncodeWorkspace(s.pylonID, next)
	if err != nil {
		return nil, err
	}

	w := &Workspace{EntityID: id, Name: name, Path: path}
	s.workspaces = append(s.workspaces, w)
	if s.activeWorkspace == 0 {
		s.activeWorkspace = id
	}
	s.persistLocked()
	return w, nil
}

// AddConversation creates a conversation in a workspace with the next free
// conversation id.
func (s *WorkspaceStore) AddConversation(workspaceID entity.EntityID, name string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.workspaceLocked(workspaceID)
	if w == nil {
		return nil, fmt.Errorf("workspace %s not found", workspaceID)
	}

	_, wid, _ := w.EntityID.Decode()
	next := 1
	for _, c := range w.Conversations {
		_, _, cid := c.EntityID.Decode()
		if cid >= next {
			next = cid + 1
		}
	}
	id, err := entity.Encode(s.pylonID, wid, next)
	if err != nil {
		return nil, err
	}

	conv := NewConversation(id, name)
	w.Conversations = append(w.Conversations, conv)
	if s.activeConversation == 0 {
		s.activeConversation = id
	}
	s.persistLocked()
	return conv, nil
}

// DeleteConversation removes a conversation. In-flight work must be aborted
// by the runtime before calling this.
func (s *WorkspaceStore) DeleteConversation(id entity.EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.workspaces {
		for i, c := range w.Conversations {
			if c.EntityID == id {
				c.ClearPending()
				w.Conversations = append(w.Conversations[:i], w.Conversations[i+1:]...)
				if s.activeConversation == id {
					s.activeConversation = 0
				}
				s.persistLocked()
				return nil
			}
		}
	}
	return fmt.Errorf("conversation %s not found", id)
}

// SetActive marks the active workspace and conversation.
func (s *WorkspaceStore) SetActive(workspaceID, conversationID entity.EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.workspaceLocked(workspaceID) == nil {
		return fmt.Errorf("workspace %s not found", workspaceID)
	}
	if conversationID != 0 && s.conversationLocked(conversationID) == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	s.activeWorkspace = workspaceID
	s.activeConversation = conversationID
	s.persistLocked()
	return nil
}

// Active returns the active workspace and conversation ids.
func (s *WorkspaceStore) Active() (entity.EntityID, entity.EntityID) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeWorkspace, s.activeConversation
}

// Update runs fn against a conversation under the writer lock and persists
// afterwards. This is the single mutation path for conversation state.
func (s *WorkspaceStore) Update(id entity.EntityID, fn func(*Conversation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conversationLocked(id)
	if c == nil {
		return fmt.Errorf("conversation %s not found", id)
	}
	if err := fn(c); err != nil {
		return err
	}
	s.persistLocked()
	return nil
}

// View runs fn against a conversation under the reader lock, without
// persisting. fn must not retain or mutate the conversation.
func (s *WorkspaceStore) View(id entity.EntityID, fn func(*Conversation) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.conversationLocked(id)
	if c == nil {
		return fmt.Errorf("conversation %s not found", id)
	}
	return fn(c)
}

// Workspaces returns a copy of the workspace list for read-only use.
func (s *WorkspaceStore) Workspaces() []*Workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Workspace, len(s.workspaces))
	copy(out, s.workspaces)
	return out
}

// ConversationIDs returns all conversation ids across workspaces.
func (s *WorkspaceStore) ConversationIDs() []entity.EntityID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []entity.EntityID
	for _, w := range s.workspaces {
		for _, c := range w.Conversations {
			ids = append(ids, c.EntityID)
		}
	}
	return ids
}

func (s *WorkspaceStore) workspaceLocked(id entity.EntityID) *Workspace {
	for _, w := range s.workspaces {
		if w.EntityID == id {
			return w
		}
	}
	return nil
}

func (s *WorkspaceStore) conversationLocked(id entity.EntityID) *Conversation {
	for _, w := range s.workspaces {
		for _, c := range w.Conversations {
			if c.EntityID == id {
				return c
			}
		}
	}
	return nil
}

// persistLocked writes the snapshot through; failures are logged, not
// propagated, so a broken disk never blocks conversation flow.
func (s *WorkspaceStore) persistLocked() {
	doc := workspaceDocument{
		ActiveWorkspaceID:    s.activeWorkspace,
		ActiveConversationID: s.activeConversation,
		Workspaces:           s.workspaces,
	}
	if err := s.store.SaveWorkspaceStore(doc); err != nil {
		s.logger.Error("Failed to persist workspace store", zap.Error(err))
	}
}

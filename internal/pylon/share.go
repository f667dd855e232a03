package pylon

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pylonmesh/pylonmesh/internal/common/logger"
	"github.com/pylonmesh/pylonmesh/internal/persistence"
	"github.com/pylonmesh/pylonmesh/pkg/entity"
)

// shareIDLength is the fixed length of share ids on the wire.
const shareIDLength = 12

const shareAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// ShareRecord binds a share id to one conversation.
type ShareRecord struct {
	ShareID        string          `json:"shareId"`
	ConversationID entity.EntityID `json:"conversationId"`
	CreatedAt      int64           `json:"createdAt"`
	AccessCount    int             `json:"accessCount"`
}

// shareDocument is the persisted shape of the share store.
type shareDocument struct {
	Shares []ShareRecord `json:"shares"`
}

// ShareStore owns the workstation's share records. The relay consults it only
// through Validate to authorise viewer connections.
type ShareStore struct {
	mu     sync.Mutex
	shares map[string]*ShareRecord

	store  *persistence.Store
	logger *logger.Logger
}

// NewShareStore creates the store, loading persisted records.
func NewShareStore(store *persistence.Store, log *logger.Logger) (*ShareStore, error) {
	s := &ShareStore{
		shares: make(map[string]*ShareRecord),
		store:  store,
		logger: log.WithFields(zap.String("component", "share_store")),
	}

	var doc shareDocument
	err := store.LoadShareStore(&doc)
	switch err {
	case nil:
		for i := range doc.Shares {
			rec := doc.Shares[i]
			s.shares[rec.ShareID] = &rec
		}
	case persistence.ErrNotFound:
	default:
		return nil, fmt.Errorf("load share store: %w", err)
	}
	return s, nil
}

// Create mints a share record for a conversation and returns its id.
func (s *ShareStore) Create(conversationID entity.EntityID) (string, error) {
	if conversationID.Level() != entity.LevelConversation {
		return "", fmt.Errorf("share target %s is not a conversation", conversationID)
	}

	id, err := newShareID()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.shares[id] = &ShareRecord{
		ShareID:        id,
		ConversationID: conversationID,
		CreatedAt:      time.Now().UnixMilli(),
	}
	s.persistLocked()
	s.mu.Unlock()

	s.logger.Info("Share created",
		zap.String("share_id", id),
		zap.String("conversation", conversationID.String()))
	return id, nil
}

// Revoke removes a share record.
func (s *ShareStore) Revoke(shareID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shares[shareID]; !ok {
		return fmt.Errorf("share %s not found", shareID)
	}
	delete(s.shares, shareID)
	s.persistLocked()
	return nil
}

// Validate resolves a share id to its conversation, counting the access.
// This is the capability the relay uses for viewer auth.
func (s *ShareStore) Validate(shareID string) (entity.EntityID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.shares[shareID]
	if !ok {
		return 0, false
	}
	rec.AccessCount++
	s.persistLocked()
	return rec.ConversationID, true
}

// Records returns a copy of all share records.
func (s *ShareStore) Records() []ShareRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ShareRecord, 0, len(s.shares))
	for _, rec := range s.shares {
		out = append(out, *rec)
	}
	return out
}

func (s *ShareStore) persistLocked() {
	doc := shareDocument{Shares: make([]ShareRecord, 0, len(s.shares))}
	for _, rec := range s.shares {
		doc.Shares = append(doc.Shares, *rec)
	}
	if err := s.store.SaveShareStore(doc); err != nil {
		s.logger.Error("Failed to persist share store", zap.Error(err))
	}
}

func newShareID() (string, error) {
	out := make([]byte, shareIDLength)
	max := big.NewInt(int64(len(shareAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate share id: %w", err)
		}
		out[i] = shareAlphabet[n.Int64()]
	}
	return string(out), nil
}

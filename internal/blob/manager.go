// Package blob implements the chunked file transport layered on the relay:
// base64 chunks reassembled out of order, optional sha256 verification and an
// atomic write of the completed file.
package blob

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pylonmesh/pylonmesh/internal/common/logger"
	"github.com/pylonmesh/pylonmesh/pkg/fabric"
)

// TransportChunkSize is the chunk size used when pushing a file back in
// response to a blob_request.
const TransportChunkSize = 64 * 1024

var (
	// ErrDuplicateTransfer is returned when blob_start reuses a live blobId.
	ErrDuplicateTransfer = errors.New("transfer already in progress")

	// ErrUnknownTransfer is returned for frames referencing no live transfer.
	ErrUnknownTransfer = errors.New("unknown transfer")

	// ErrChecksumMismatch is returned when the assembled bytes fail the
	// sha256 check; the transfer is discarded and no file is written.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// transfer is one in-flight reassembly.
type transfer struct {
	start         fabric.BlobStartPayload
	chunks        [][]byte
	receivedCount int
	savePath      string
	completed     bool
	owner         string
	createdAt     time.Time
}

// Manager owns all in-flight transfers for one receiver. Completed transfers
// stay registered (chunks cleared) so blob_request can resolve them; there is
// no automatic eviction, callers invoke Cleanup explicitly.
type Manager struct {
	mu        sync.Mutex
	transfers map[string]*transfer

	baseDir string
	now     func() time.Time
	logger  *logger.Logger
}

// NewManager creates a manager writing completed files under baseDir, one
// subdirectory per conversation.
func NewManager(baseDir string, log *logger.Logger) *Manager {
	return &Manager{
		transfers: make(map[string]*transfer),
		baseDir:   baseDir,
		now:       time.Now,
		logger:    log.WithFields(zap.String("component", "blob_manager")),
	}
}

// Start registers a transfer. When the payload flags sameDevice and the local
// path already exists, the transfer completes immediately without chunks.
// owner identifies the sending client so its transfers can be discarded when
// it disconnects.
func (m *Manager) Start(p fabric.BlobStartPayload, owner string) error {
	if err := p.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.transfers[p.BlobID]; ok && !existing.completed {
		return fmt.Errorf("blob %s: %w", p.BlobID, ErrDuplicateTransfer)
	}

	t := &transfer{
		start:     p,
		owner:     owner,
		createdAt: m.now(),
	}

	if p.SameDevice && p.LocalPath != "" {
		if _, err := os.Stat(p.LocalPath); err == nil {
			t.savePath = p.LocalPath
			t.completed = true
			m.transfers[p.BlobID] = t
			m.logger.Debug("Same-device transfer resolved locally",
				zap.String("blob_id", p.BlobID),
				zap.String("path", p.LocalPath))
			return nil
		}
		// Local path missing, fall through to a chunked receive.
	}

	dir := filepath.Join(m.baseDir, fmt.Sprintf("%d", p.Context.ConversationID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}

	t.chunks = make([][]byte, p.TotalChunks)
	t.savePath = filepath.Join(dir, SanitizeFilename(p.Filename))
	m.transfers[p.BlobID] = t

	m.logger.Debug("Transfer started",
		zap.String("blob_id", p.BlobID),
		zap.String("filename", p.Filename),
		zap.Int("total_chunks", p.TotalChunks),
		zap.Int64("total_size", p.TotalSize))
	return nil
}

// Chunk stores one decoded chunk. Indices may arrive in any order; a repeated
// index overwrites the slot without double-counting.
func (m *Manager) Chunk(p fabric.BlobChunkPayload) error {
	if err := p.Validate(); err != nil {
		return err
	}

	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return fmt.Errorf("blob %s chunk %d: decode: %w", p.BlobID, p.Index, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[p.BlobID]
	if !ok || t.completed {
		return fmt.Errorf("blob %s: %w", p.BlobID, ErrUnknownTransfer)
	}
	if p.Index >= len(t.chunks) {
		return fmt.Errorf("blob %s: chunk index %d out of range [0..%d)", p.BlobID, p.Index, len(t.chunks))
	}
	if len(data) != p.Size {
		return fmt.Errorf("blob %s chunk %d: got %d bytes, payload declares %d", p.BlobID, p.Index, len(data), p.Size)
	}

	if t.chunks[p.Index] == nil {
		t.receivedCount++
	}
	t.chunks[p.Index] = data
	return nil
}

// End finalises a transfer: every chunk must have arrived, the optional
// "sha256:HEX" checksum must match, and the assembled bytes are written
// atomically via a temp file rename. It returns the path written.
func (m *Manager) End(p fabric.BlobEndPayload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[p.BlobID]
	if !ok {
		return "", fmt.Errorf("blob %s: %w", p.BlobID, ErrUnknownTransfer)
	}
	if t.completed {
		return t.savePath, nil
	}

	if t.receivedCount != t.start.TotalChunks {
		return "", fmt.Errorf("blob %s: missing chunks %d/%d", p.BlobID, t.receivedCount, t.start.TotalChunks)
	}

	assembled := make([]byte, 0, t.start.TotalSize)
	for _, c := range t.chunks {
		assembled = append(assembled, c...)
	}

	if p.Checksum != "" {
		if err := verifyChecksum(assembled, p.Checksum); err != nil {
			delete(m.transfers, p.BlobID)
			m.logger.Warn("Transfer discarded",
				zap.String("blob_id", p.BlobID),
				zap.Error(err))
			return "", err
		}
	}

	if err := writeAtomic(t.savePath, assembled); err != nil {
		return "", fmt.Errorf("blob %s: %w", p.BlobID, err)
	}

	t.chunks = nil
	t.completed = true

	m.logger.Info("Transfer completed",
		zap.String("blob_id", p.BlobID),
		zap.String("path", t.savePath),
		zap.Int("bytes", len(assembled)))
	return t.savePath, nil
}

// Resolve returns the local path of a completed transfer, for serving
// blob_request.
func (m *Manager) Resolve(blobID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[blobID]
	if !ok || !t.completed {
		return "", fmt.Errorf("blob %s: %w", blobID, ErrUnknownTransfer)
	}
	return t.savePath, nil
}

// CleanupOwner discards the in-flight transfers started by one client,
// called when that client disconnects. Completed transfers are kept.
func (m *Manager) CleanupOwner(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, t := range m.transfers {
		if t.owner == owner && !t.completed {
			delete(m.transfers, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("Discarded transfers for departed client",
			zap.String("owner", owner),
			zap.Int("count", removed))
	}
	return removed
}

// Cleanup discards in-flight transfers older than maxAge.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for id, t := range m.transfers {
		if !t.completed && t.createdAt.Before(cutoff) {
			delete(m.transfers, id)
			removed++
		}
	}
	return removed
}

// SanitizeFilename strips the characters that are unsafe in stored filenames
// and rejects path traversal by keeping only the base name.
func SanitizeFilename(name string) string {
	name = filepath.Base(name)
	return strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return -1
		}
		return r
	}, name)
}

func verifyChecksum(data []byte, checksum string) error {
	const prefix = "sha256:"
	if !strings.HasPrefix(checksum, prefix) {
		return fmt.Errorf("unsupported checksum format %q", checksum)
	}
	sum := sha256.Sum256(data)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), strings.TrimPrefix(checksum, prefix)) {
		return ErrChecksumMismatch
	}
	return nil
}

// writeAtomic writes to a temp file in the target directory and renames it
// into place, so a crash never leaves a partial file at savePath.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

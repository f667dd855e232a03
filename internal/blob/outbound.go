package blob

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/pylonmesh/pylonmesh/pkg/fabric"
)

// Outbound is a complete start/chunk*/end sequence ready to send in order.
type Outbound struct {
	Start  fabric.BlobStartPayload
	Chunks []fabric.BlobChunkPayload
	End    fabric.BlobEndPayload
}

// BuildOutbound chunks raw bytes into a transfer sequence with the transport
// chunk size and a sha256 checksum. A fresh blobId is allocated when the
// caller passes none.
func BuildOutbound(blobID, filename, mimeType string, data []byte, ctx fabric.BlobContext) Outbound {
	if blobID == "" {
		blobID = uuid.New().String()
	}

	// A zero-byte file sends one empty chunk so the receiver's accounting
	// still completes at blob_end.
	totalChunks := (len(data) + TransportChunkSize - 1) / TransportChunkSize
	if totalChunks == 0 {
		totalChunks = 1
	}

	chunks := make([]fabric.BlobChunkPayload, 0, totalChunks)
	for i := 0; i < totalChunks; i++ {
		lo := i * TransportChunkSize
		hi := lo + TransportChunkSize
		if hi > len(data) {
			hi = len(data)
		}
		part := data[lo:hi]
		chunks = append(chunks, fabric.BlobChunkPayload{
			BlobID: blobID,
			Index:  i,
			Data:   base64.StdEncoding.EncodeToString(part),
			Size:   len(part),
		})
	}

	sum := sha256.Sum256(data)
	return Outbound{
		Start: fabric.BlobStartPayload{
			BlobID:      blobID,
			Filename:    filename,
			MimeType:    mimeType,
			TotalSize:   int64(len(data)),
			ChunkSize:   TransportChunkSize,
			TotalChunks: totalChunks,
			Encoding:    fabric.BlobEncoding,
			Context:     ctx,
		},
		Chunks: chunks,
		End: fabric.BlobEndPayload{
			BlobID:        blobID,
			Checksum:      "sha256:" + hex.EncodeToString(sum[:]),
			TotalReceived: totalChunks,
		},
	}
}

// Request answers a blob_request: it resolves the blob (or falls back to the
// request's localPath) and builds the push-back sequence for the requester.
func (m *Manager) Request(p fabric.BlobRequestPayload, ctx fabric.BlobContext) (Outbound, error) {
	if err := p.Validate(); err != nil {
		return Outbound{}, err
	}

	path, err := m.Resolve(p.BlobID)
	if err != nil {
		if p.LocalPath == "" {
			return Outbound{}, err
		}
		path = p.LocalPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Outbound{}, fmt.Errorf("blob %s: read %s: %w", p.BlobID, filepath.Base(path), err)
	}
	return BuildOutbound(p.BlobID, p.Filename, "", data, ctx), nil
}

package fabric

import "fmt"

// BlobEncoding is fixed at the wire layer; in-memory representation is raw
// bytes.
const BlobEncoding = "base64"

// BlobContext ties a transfer to the conversation that owns it.
type BlobContext struct {
	Type           string `json:"type"`
	ConversationID uint32 `json:"conversationId"`
}

// BlobStartPayload announces a transfer.
type BlobStartPayload struct {
	BlobID      string      `json:"blobId"`
	Filename    string      `json:"filename"`
	MimeType    string      `json:"mimeType,omitempty"`
	TotalSize   int64       `json:"totalSize"`
	ChunkSize   int         `json:"chunkSize"`
	TotalChunks int         `json:"totalChunks"`
	Encoding    string      `json:"encoding"`
	Context     BlobContext `json:"context"`
	SameDevice  bool        `json:"sameDevice,omitempty"`
	LocalPath   string      `json:"localPath,omitempty"`
}

// Validate checks the structural contract of the payload.
func (p *BlobStartPayload) Validate() error {
	if p.BlobID == "" {
		return fmt.Errorf("blobId is required")
	}
	if p.Filename == "" {
		return fmt.Errorf("filename is required")
	}
	if p.Encoding != BlobEncoding {
		return fmt.Errorf("encoding must be %q", BlobEncoding)
	}
	if !p.SameDevice && p.TotalChunks <= 0 {
		return fmt.Errorf("totalChunks must be positive")
	}
	if p.Context.Type == "" || p.Context.ConversationID == 0 {
		return fmt.Errorf("context must carry type and conversationId")
	}
	return nil
}

// BlobChunkPayload carries one base64-encoded chunk.
type BlobChunkPayload struct {
	BlobID string `json:"blobId"`
	Index  int    `json:"index"`
	Data   string `json:"data"`
	Size   int    `json:"size"`
}

// Validate checks the structural contract of the payload.
func (p *BlobChunkPayload) Validate() error {
	if p.BlobID == "" {
		return fmt.Errorf("blobId is required")
	}
	if p.Index < 0 {
		return fmt.Errorf("index must be non-negative")
	}
	// A zero-byte file transfers as a single empty chunk.
	if p.Data == "" && p.Size != 0 {
		return fmt.Errorf("data is required")
	}
	return nil
}

// BlobEndPayload finalises a transfer. Checksum, when present, has the form
// "sha256:HEX" over the chunk bytes in index order.
type BlobEndPayload struct {
	BlobID        string `json:"blobId"`
	Checksum      string `json:"checksum,omitempty"`
	TotalReceived int    `json:"totalReceived,omitempty"`
}

// Validate checks the structural contract of the payload.
func (p *BlobEndPayload) Validate() error {
	if p.BlobID == "" {
		return fmt.Errorf("blobId is required")
	}
	return nil
}

// BlobRequestPayload asks the holder of a file to push it back.
type BlobRequestPayload struct {
	BlobID    string `json:"blobId"`
	Filename  string `json:"filename"`
	LocalPath string `json:"localPath,omitempty"`
}

// Validate checks the structural contract of the payload.
func (p *BlobRequestPayload) Validate() error {
	if p.BlobID == "" {
		return fmt.Errorf("blobId is required")
	}
	if p.Filename == "" {
		return fmt.Errorf("filename is required")
	}
	return nil
}

package pylon

import (
	"strings"

	"github.com/pylonmesh/pylonmesh/pkg/entity"
	"github.com/pylonmesh/pylonmesh/pkg/fabric"
)

// Status is the conversation lifecycle state. Transitions are driven only by
// the runtime.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusWorking    Status = "working"
	StatusPermission Status = "permission"
)

// Pending request kinds.
const (
	RequestKindPermission = "permission"
	RequestKindQuestion   = "question"
)

// PendingRequest is a tool prompt awaiting a user answer. Kind selects which
// fields are populated.
type PendingRequest struct {
	Kind      string `json:"kind"`
	ToolUseID string `json:"toolUseId"`

	// For permission requests.
	ToolName  string         `json:"toolName,omitempty"`
	ToolInput map[string]any `json:"toolInput,omitempty"`

	// For question requests.
	Questions []string `json:"questions,omitempty"`
}

// RealtimeUsage accumulates token counters from stream usage deltas.
type RealtimeUsage struct {
	InputTokens         int64  `json:"inputTokens"`
	OutputTokens        int64  `json:"outputTokens"`
	CacheReadTokens     int64  `json:"cacheReadTokens"`
	CacheCreationTokens int64  `json:"cacheCreationTokens"`
	LastUpdatedSide     string `json:"lastUpdatedSide,omitempty"` // input, output
}

// Conversation is one AI session thread within a workspace.
type Conversation struct {
	EntityID entity.EntityID `json:"entityId"`
	Name     string          `json:"name"`

	SDKSessionID       string `json:"sdkSessionId,omitempty"`
	PermissionMode     string `json:"permissionMode"`
	CustomSystemPrompt string `json:"customSystemPrompt,omitempty"`

	Log     []fabric.LogEntry `json:"log"`
	Pending []PendingRequest  `json:"-"`
	Status  Status            `json:"-"`

	// Per-turn ephemera, never persisted.
	textBuffer    strings.Builder
	WorkStartTime int64         `json:"-"`
	Usage         RealtimeUsage `json:"-"`

	// Paging state for log retrieval.
	TotalCount    int  `json:"totalCount"`
	HasMore       bool `json:"hasMore"`
	IsLoadingMore bool `json:"-"`

	LinkedDocs []string `json:"linkedDocs,omitempty"`
}

// NewConversation creates an idle conversation in default permission mode.
func NewConversation(id entity.EntityID, name string) *Conversation {
	return &Conversation{
		EntityID:       id,
		Name:           name,
		PermissionMode: fabric.ModeDefault,
		Status:         StatusIdle,
	}
}

// AppendText adds a streaming delta to the unfinalised buffer.
func (c *Conversation) AppendText(delta string) {
	c.textBuffer.WriteString(delta)
}

// FinalizeText drains the buffer into an assistant text entry; an empty
// buffer appends nothing. The buffer is empty whenever status is idle.
func (c *Conversation) FinalizeText(entry fabric.LogEntry) bool {
	text := c.textBuffer.String()
	if text == "" {
		return false
	}
	c.textBuffer.Reset()
	entry.Text = text
	c.Log = append(c.Log, entry)
	c.TotalCount = len(c.Log)
	return true
}

// BufferedText returns the unfinalised streaming text.
func (c *Conversation) BufferedText() string {
	return c.textBuffer.String()
}

// ResetBuffer discards unfinalised streaming text.
func (c *Conversation) ResetBuffer() {
	c.textBuffer.Reset()
}

// Append adds a finalised entry to the message log.
func (c *Conversation) Append(entry fabric.LogEntry) {
	c.Log = append(c.Log, entry)
	c.TotalCount = len(c.Log)
}

// AddPending records a request awaiting a user answer.
func (c *Conversation) AddPending(req PendingRequest) {
	c.Pending = append(c.Pending, req)
}

// TakePending removes and returns the pending request for a toolUseId.
func (c *Conversation) TakePending(toolUseID string) (PendingRequest, bool) {
	for i, req := range c.Pending {
		if req.ToolUseID == toolUseID {
			c.Pending = append(c.Pending[:i], c.Pending[i+1:]...)
			return req, true
		}
	}
	return PendingRequest{}, false
}

// ClearPending drops all pending requests, used on session replacement and
// conversation deletion.
func (c *Conversation) ClearPending() {
	c.Pending = nil
}

// AddLinkedDoc links a document path; duplicates are ignored.
func (c *Conversation) AddLinkedDoc(path string) bool {
	for _, p := range c.LinkedDocs {
		if p == path {
			return false
		}
	}
	c.LinkedDocs = append(c.LinkedDocs, path)
	return true
}

// RemoveLinkedDoc unlinks a document path.
func (c *Conversation) RemoveLinkedDoc(path string) bool {
	for i, p := range c.LinkedDocs {
		if p == path {
			c.LinkedDocs = append(c.LinkedDocs[:i], c.LinkedDocs[i+1:]...)
			return true
		}
	}
	return false
}

// ApplyUsage folds a stream usage delta into the realtime counters.
func (c *Conversation) ApplyUsage(input, output, cacheRead, cacheCreation int64) {
	c.Usage.InputTokens += input
	c.Usage.OutputTokens += output
	c.Usage.CacheReadTokens += cacheRead
	c.Usage.CacheCreationTokens += cacheCreation
	if output > 0 {
		c.Usage.LastUpdatedSide = "output"
	} else if input > 0 {
		c.Usage.LastUpdatedSide = "input"
	}
}

// Package claude defines the narrow adapter capability the workstation uses
// to drive the AI backend, and the backend's stream-json message types.
package claude

import "context"

// Backend message types on the adapter stream.
const (
	MessageTypeSystem      = "system"
	MessageTypeAssistant   = "assistant"
	MessageTypeUser        = "user"
	MessageTypeStreamEvent = "stream_event"
	MessageTypeResult      = "result"
)

// System message subtypes.
const (
	SubtypeInit            = "init"
	SubtypeStatus          = "status"
	SubtypeCompactBoundary = "compact_boundary"
)

// Permission behaviors returned from CanUseTool.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Setting sources the backend may read configuration from.
var DefaultSettingSources = []string{"user", "project", "local"}

// PermissionResult is the answer to a canUseTool callback.
type PermissionResult struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// CanUseToolFunc is called by the backend before a tool runs. It may block
// until the user answers; cancellation arrives through ctx.
type CanUseToolFunc func(ctx context.Context, toolName string, input map[string]any) (PermissionResult, error)

// MCPServerConfig is one tool-server entry passed to the backend opaquely.
type MCPServerConfig struct {
	Type    string            `json:"type,omitempty"` // stdio, sse, http
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Options enumerates everything a query can carry.
type Options struct {
	Prompt string
	Cwd    string

	// Resume continues a previous backend session.
	Resume string

	MCPServers     map[string]MCPServerConfig
	SettingSources []string

	CanUseTool CanUseToolFunc

	// IncludePartialMessages defaults to true; nil means unset.
	IncludePartialMessages *bool

	CustomSystemPrompt string
	PermissionMode     string
}

// Adapter is the capability wrapping the AI backend. Query returns a lazy
// stream; the caller owns the single reader and cancels via ctx. The channel
// is closed when the backend sequence ends, after an error Message when the
// stream failed.
type Adapter interface {
	Query(ctx context.Context, opts Options) (<-chan *Message, error)
}

// CompactMetadata accompanies a compact_boundary system message.
type CompactMetadata struct {
	Trigger   string `json:"trigger,omitempty"`
	PreTokens int64  `json:"pre_tokens,omitempty"`
}

// Usage carries backend token accounting in its native snake_case form.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ContentBlock is one block inside an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks.
	Text string `json:"text,omitempty"`

	// For tool_use blocks.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ChatMessage is the body of assistant and user messages.
type ChatMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// StreamEvent is one partial update during processing.
type StreamEvent struct {
	Type  string `json:"type"` // content_block_start, content_block_delta, content_block_stop
	Index int    `json:"index,omitempty"`

	// For content_block_start.
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// For content_block_delta.
	Delta *Delta `json:"delta,omitempty"`

	// Usage deltas carried on message_delta events.
	Usage *Usage `json:"usage,omitempty"`
}

// Delta is the payload of a content_block_delta event.
type Delta struct {
	Type string `json:"type"` // text_delta, thinking_delta
	Text string `json:"text,omitempty"`
}

// Message is one message on the adapter's stream. Type determines which
// fields are populated; field names follow the backend's snake_case wire form.
type Message struct {
	Type string `json:"type"`

	// For system messages.
	Subtype         string           `json:"subtype,omitempty"`
	SessionID       string           `json:"session_id,omitempty"`
	Status          string           `json:"status,omitempty"`
	CompactMetadata *CompactMetadata `json:"compact_metadata,omitempty"`

	// For assistant and user messages.
	Message *ChatMessage `json:"message,omitempty"`

	// For stream_event messages.
	Event *StreamEvent `json:"event,omitempty"`

	// For result messages.
	DurationMS int64  `json:"duration_ms,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	Result     string `json:"result,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`

	// Err marks a stream failure surfaced by the adapter itself.
	Err string `json:"error,omitempty"`
}

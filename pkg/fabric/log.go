package fabric

// Message log entry kinds. Each log entry is a tagged variant.
const (
	EntryText           = "text"
	EntryToolStart      = "tool_start"
	EntryToolComplete   = "tool_complete"
	EntryError          = "error"
	EntryResult         = "result"
	EntryAborted        = "aborted"
	EntryFileAttachment = "file_attachment"
	EntryUserResponse   = "user_response"
)

// Roles for log entries.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ResultStats carries the per-turn accounting of a result entry. The wire
// protocol uses the camelCase forms; the adapter layer performs the renames
// from the backend's snake_case fields.
type ResultStats struct {
	DurationMs      int64 `json:"durationMs"`
	InputTokens     int64 `json:"inputTokens"`
	OutputTokens    int64 `json:"outputTokens"`
	CacheReadTokens int64 `json:"cacheReadTokens"`
}

// LogEntry is one entry in a conversation's durable message log.
type LogEntry struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Role      string `json:"role"`
	Timestamp int64  `json:"timestamp"`

	// For text, error, aborted and user_response entries.
	Text string `json:"text,omitempty"`

	// For tool_start and tool_complete entries.
	ToolUseID string         `json:"toolUseId,omitempty"`
	ToolName  string         `json:"toolName,omitempty"`
	ToolInput map[string]any `json:"toolInput,omitempty"`
	IsError   bool           `json:"isError,omitempty"`

	// For file_attachment entries.
	Filename string `json:"filename,omitempty"`
	BlobID   string `json:"blobId,omitempty"`

	// For result entries.
	Result *ResultStats `json:"result,omitempty"`
}

package fabric

// Error codes carried on structured error payloads. The taxonomy is
// non-overlapping: every failure maps to exactly one code.
const (
	ErrorCodeValidation = "VALIDATION_ERROR"
	ErrorCodeAuth       = "AUTH_ERROR"
	ErrorCodeNotFound   = "NOT_FOUND"
	ErrorCodeConflict   = "CONFLICT"
	ErrorCodeAdapter    = "ADAPTER_ERROR"
	ErrorCodeChecksum   = "CHECKSUM_ERROR"
	ErrorCodeTimeout    = "TIMEOUT"
	ErrorCodeInternal   = "INTERNAL_ERROR"
)

// ErrorPayload is the structured error reply used on request/response paths.
type ErrorPayload struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

// NewErrorMessage builds an error envelope addressed to nobody; the caller
// routes it.
func NewErrorMessage(code, errText string) *Message {
	msg, _ := NewMessage(TypeError, ErrorPayload{Code: code, Error: errText})
	return msg
}

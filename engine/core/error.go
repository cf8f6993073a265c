package core

import "fmt"

// Error codes for the replanning engine. Codes partition the runtime error
// taxonomy; construction-time failures use ErrCodeInvalidConfig and
// ErrCodeUsage and are the only ones surfaced synchronously to callers.
const (
	ErrCodeTaskExecution = "TASK_EXECUTION_ERROR"
	ErrCodeTaskTimeout   = "TASK_TIMEOUT"

	ErrCodeLLMGeneration    = "LLM_GENERATION_ERROR"
	ErrCodeLLMUnavailable   = "LLM_UNAVAILABLE"
	ErrCodeSchemaValidation = "SCHEMA_VALIDATION_ERROR"

	ErrCodeInvalidConfig = "INVALID_CONFIGURATION"
	ErrCodeUsage         = "USAGE_ERROR"

	ErrCodeReviewTimeout = "HUMAN_REVIEW_TIMEOUT"
	ErrCodePersist       = "PERSIST_ERROR"
)

// -----------------------------------------------------------------------------
// Error Structure
// -----------------------------------------------------------------------------

// Error is the structured error value carried through task results, trigger
// events and history records. It is plain data and safe to snapshot.
type Error struct {
	Message string         `json:"message,omitempty"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func NewError(err error, code string, details map[string]any) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Message: msg, Code: code, Details: details}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// FromError converts any error into a structured Error, passing through
// values that already are one.
func FromError(err error, code string) *Error {
	if err == nil {
		return nil
	}
	if structured, ok := err.(*Error); ok {
		return structured
	}
	return NewError(err, code, nil)
}

package executor

import (
	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

// Result is the envelope every executor operation returns. Failures never
// escape as panics; they are described by the Error* fields.
type Result[T any] struct {
	Success         bool          `json:"success"`
	Value           T             `json:"result,omitempty"`
	Error           string        `json:"error,omitempty"`
	ErrorType       ugc.ErrorType `json:"errorType,omitempty"`
	ErrorStage      ugc.Stage     `json:"errorStage,omitempty"`
	ErrorLog        string        `json:"errorLog,omitempty"`
	ExecutionTimeMs int64         `json:"executionTimeMs"`

	err *Error
}

// Err returns the failure as an *Error, or nil on success.
func (r Result[T]) Err() error {
	if r.Success {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	return &Error{Type: r.ErrorType, Stage: r.ErrorStage, Message: r.Error}
}

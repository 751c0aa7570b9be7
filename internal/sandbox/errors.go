package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a call exceeds its deadline.
	ErrTimeout = errors.New("execution timed out")
	// ErrInterrupted is returned when a running call is interrupted by Close.
	ErrInterrupted = errors.New("execution interrupted")
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("sandbox closed")
)

// PermissionError reports use of a capability the sandbox forbids.
type PermissionError struct {
	Capability string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s is not available to domain code", e.Capability)
}

// SyntaxError carries the raw compiler diagnostic for source that failed to compile.
type SyntaxError struct {
	Message string
}

func (e *SyntaxError) Error() string { return e.Message }

// ScriptError is an exception thrown by domain code. Message is the thrown
// value as a string; Detail adds the JS stack when available.
type ScriptError struct {
	Message string
	Detail  string
}

func (e *ScriptError) Error() string { return e.Message }

// ContractError reports a value that breaks the domain contract, such as a
// non-serializable event or a missing entry point.
type ContractError struct {
	Message string
}

func (e *ContractError) Error() string { return e.Message }

// Contractf builds a ContractError.
func Contractf(format string, args ...any) error {
	return &ContractError{Message: fmt.Sprintf(format, args...)}
}

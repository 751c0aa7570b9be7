package executor

import (
	"errors"
	"fmt"

	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

var (
	ErrNotLoaded  = errors.New("not loaded")
	ErrPermission = errors.New("permission denied")
	ErrContract   = errors.New("contract violation")
	ErrTimeout    = errors.New("timed out")
	ErrRuntime    = errors.New("runtime error")
	ErrSyntax     = errors.New("syntax error")
)

// Error is the typed failure of one executor call.
type Error struct {
	Type    ugc.ErrorType
	Stage   ugc.Stage
	Message string
	// Detail holds diagnostics not meant for players, such as a JS stack.
	Detail string
	cause  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error in %s: %s", e.Type, e.Stage, e.Message)
}

// Is matches the sentinel for the error's type, and ErrNotLoaded for calls
// made without a loaded domain.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrPermission:
		return e.Type == ugc.ErrorPermission
	case ErrContract:
		return e.Type == ugc.ErrorContract
	case ErrTimeout:
		return e.Type == ugc.ErrorTimeout
	case ErrRuntime:
		return e.Type == ugc.ErrorRuntime
	case ErrSyntax:
		return e.Type == ugc.ErrorSyntax
	}
	return false
}

func (e *Error) Unwrap() error { return e.cause }

func contractErr(stage ugc.Stage, format string, args ...any) *Error {
	return &Error{Type: ugc.ErrorContract, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

func notLoaded(stage ugc.Stage) *Error {
	return &Error{Type: ugc.ErrorRuntime, Stage: stage, Message: ErrNotLoaded.Error(), cause: ErrNotLoaded}
}

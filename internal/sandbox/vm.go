// Package sandbox runs untrusted domain JavaScript inside a guarded goja
// runtime. Every call is serialized on the VM, raced against a deadline and
// checked for permission violations before its result is handed back.
package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// LogEntry represents a single console message from domain code.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Options configures a VM.
type Options struct {
	// AllowConsole captures console output into the log buffer and forwards
	// it to Logger. When false console methods are no-ops.
	AllowConsole bool
	MaxLogs      int
	Logger       *log.Logger
	// MaxCallStackSize bounds JS recursion depth.
	MaxCallStackSize int
}

const (
	defaultMaxLogs      = 500
	defaultMaxCallStack = 2048
	interruptGrace      = 200 * time.Millisecond
)

// VM wraps a goja runtime with the permission guard installed.
type VM struct {
	rt   *goja.Runtime
	mu   sync.Mutex
	opts Options

	jsonParse goja.Callable

	// violation is set by deny stubs during a call; guarded by mu.
	violation *PermissionError

	activeMu sync.Mutex
	active   *call
	closed   atomic.Bool

	logs   []LogEntry
	logsMu sync.Mutex
}

type call struct {
	cancelled atomic.Bool
}

// New creates a sandboxed runtime with the guard and console installed.
func New(opts Options) (*VM, error) {
	if opts.MaxLogs <= 0 {
		opts.MaxLogs = defaultMaxLogs
	}
	if opts.MaxCallStackSize <= 0 {
		opts.MaxCallStackSize = defaultMaxCallStack
	}
	vm := &VM{
		rt:   goja.New(),
		opts: opts,
	}
	vm.rt.SetMaxCallStackSize(opts.MaxCallStackSize)

	parse, ok := goja.AssertFunction(vm.rt.Get("JSON").ToObject(vm.rt).Get("parse"))
	if !ok {
		return nil, fmt.Errorf("sandbox: JSON.parse unavailable")
	}
	vm.jsonParse = parse

	vm.injectConsole()
	if err := vm.installGuard(); err != nil {
		return nil, err
	}
	return vm, nil
}

func (vm *VM) injectConsole() {
	console := vm.rt.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		level := level
		console.Set(level, func(call goja.FunctionCall) goja.Value {
			if !vm.opts.AllowConsole {
				return goja.Undefined()
			}
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			vm.appendLog(level, strings.Join(parts, " "))
			return goja.Undefined()
		})
	}
	vm.rt.Set("console", console)
}

func (vm *VM) appendLog(level, msg string) {
	vm.logsMu.Lock()
	if len(vm.logs) >= vm.opts.MaxLogs {
		vm.logs = vm.logs[1:]
	}
	vm.logs = append(vm.logs, LogEntry{Time: time.Now(), Level: level, Message: msg})
	vm.logsMu.Unlock()

	if vm.opts.Logger != nil {
		vm.opts.Logger.Printf("console.%s: %s", level, msg)
	}
}

// GetLogs returns a copy of the console buffer.
func (vm *VM) GetLogs() []LogEntry {
	vm.logsMu.Lock()
	defer vm.logsMu.Unlock()
	out := make([]LogEntry, len(vm.logs))
	copy(out, vm.logs)
	return out
}

// ClearLogs empties the console buffer.
func (vm *VM) ClearLogs() {
	vm.logsMu.Lock()
	defer vm.logsMu.Unlock()
	vm.logs = vm.logs[:0]
}

// Load compiles source wrapped so that it evaluates to its top-level
// `domain` binding, runs it and returns that value. A nil object with a nil
// error means the source defined no domain.
func (vm *VM) Load(name, source string, timeout time.Duration) (*goja.Object, error) {
	wrapped := "(function () {\n'use strict';\n" + source +
		"\n;return typeof domain !== 'undefined' ? domain : null;\n})()"
	prog, err := goja.Compile(name, wrapped, true)
	if err != nil {
		return nil, &SyntaxError{Message: compileMessage(err)}
	}

	var out *goja.Object
	err = vm.Run(timeout, func(s *Scope) error {
		v, err := vm.rt.RunProgram(prog)
		if err != nil {
			return err
		}
		if obj, ok := v.(*goja.Object); ok {
			out = obj
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func compileMessage(err error) string {
	var syn *goja.CompilerSyntaxError
	if errors.As(err, &syn) {
		return "SyntaxError: " + syn.Message
	}
	var ref *goja.CompilerReferenceError
	if errors.As(err, &ref) {
		return "ReferenceError: " + ref.Message
	}
	return err.Error()
}

// Run executes fn holding the VM lock with the guard armed. It returns
// ErrTimeout (wrapped) when fn does not finish within timeout; the runtime
// is interrupted and stays usable for the next call. A timeout <= 0 waits
// indefinitely.
func (vm *VM) Run(timeout time.Duration, fn func(s *Scope) error) error {
	c := &call{}
	done := make(chan error, 1)
	go func() {
		done <- vm.exec(c, fn)
	}()

	if timeout <= 0 {
		return <-done
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
	}

	// Interrupt a runaway call.
	c.cancelled.Store(true)
	vm.interrupt(c, "execution timeout")
	select {
	case <-done:
	case <-time.After(interruptGrace):
	}
	return fmt.Errorf("%w after %s", ErrTimeout, timeout)
}

func (vm *VM) exec(c *call, fn func(s *Scope) error) (err error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if c.cancelled.Load() {
		return ErrTimeout
	}
	if vm.closed.Load() {
		return ErrClosed
	}

	vm.activeMu.Lock()
	vm.rt.ClearInterrupt()
	vm.active = c
	vm.activeMu.Unlock()
	vm.violation = nil

	s := &Scope{vm: vm}
	defer func() {
		vm.activeMu.Lock()
		vm.active = nil
		vm.activeMu.Unlock()
		s.release()

		if r := recover(); r != nil {
			err = &ScriptError{Message: fmt.Sprintf("internal error: %v", r)}
		}
		if vm.violation != nil {
			err = vm.violation
			vm.violation = nil
		}
	}()

	if err = fn(s); err != nil {
		err = vm.translate(err)
	}
	return err
}

func (vm *VM) interrupt(c *call, reason string) {
	vm.activeMu.Lock()
	defer vm.activeMu.Unlock()
	if c == nil || vm.active == c {
		if vm.active != nil {
			vm.rt.Interrupt(reason)
		}
	}
}

// translate maps goja failures onto the sandbox error types.
func (vm *VM) translate(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if vm.closed.Load() {
			return ErrInterrupted
		}
		return ErrTimeout
	}
	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return &ScriptError{Message: "RangeError: Maximum call stack size exceeded"}
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return &ScriptError{Message: vm.exceptionMessage(ex), Detail: ex.String()}
	}
	return err
}

// exceptionMessage renders the thrown value without its stack.
func (vm *VM) exceptionMessage(ex *goja.Exception) (msg string) {
	val := ex.Value()
	if val == nil {
		return ex.Error()
	}
	if jsErr := vm.rt.Try(func() { msg = val.String() }); jsErr != nil {
		return "uncaught exception"
	}
	return msg
}

// Close interrupts any running call and makes later calls fail with ErrClosed.
// It is safe to call more than once.
func (vm *VM) Close() {
	if vm.closed.Swap(true) {
		return
	}
	vm.interrupt(nil, "sandbox closed")
}

// Closed reports whether Close has been called.
func (vm *VM) Closed() bool { return vm.closed.Load() }

// Scope is handed to the function passed to Run. It is only valid for the
// duration of that call.
type Scope struct {
	vm       *VM
	releases []func()
}

// Runtime exposes the underlying goja runtime.
func (s *Scope) Runtime() *goja.Runtime { return s.vm.rt }

// ToValue hands a Go value to JS as a fresh object tree parsed from its JSON
// encoding, so domain code never holds a reference to host memory.
func (s *Scope) ToValue(v any) (goja.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("sandbox: encode input: %w", err)
	}
	return s.vm.jsonParse(goja.Undefined(), s.vm.rt.ToValue(string(raw)))
}

// CallMethod invokes obj[name](args...) with obj as the receiver.
func (s *Scope) CallMethod(obj *goja.Object, name string, args ...goja.Value) (goja.Value, error) {
	var fnVal goja.Value
	if ex := s.vm.rt.Try(func() { fnVal = obj.Get(name) }); ex != nil {
		return nil, ex
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, Contractf("domain.%s is not a function", name)
	}
	return fn(obj, args...)
}

// Get reads a property, converting a throwing getter into an error.
func (s *Scope) Get(obj *goja.Object, name string) (v goja.Value, err error) {
	if ex := s.vm.rt.Try(func() { v = obj.Get(name) }); ex != nil {
		return nil, ex
	}
	return v, nil
}

func (s *Scope) onRelease(f func()) {
	s.releases = append(s.releases, f)
}

func (s *Scope) release() {
	for i := len(s.releases) - 1; i >= 0; i-- {
		s.releases[i]()
	}
	s.releases = nil
}

// Package actionhook evaluates the small user-authored functions bound to UI
// actions. A hook may return or dispatch commands, which are enriched with
// the action's identity and sent through a CommandSender.
package actionhook

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"

	"github.com/MJE43/ugc-runtime-go/internal/sandbox"
	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

// Scope decides who sees an action.
type Scope string

const (
	ScopeCurrentPlayer Scope = "current-player"
	ScopeAll           Scope = "all"
)

// Action is a UI action a component can offer.
type Action struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Scope       Scope  `json:"scope,omitempty"`
	Requirement string `json:"requirement,omitempty"`
	HookCode    string `json:"hookCode,omitempty"`
}

// Context describes where an action was triggered.
type Context struct {
	ComponentID       string         `json:"componentId"`
	ComponentType     string         `json:"componentType"`
	CurrentPlayerID   ugc.PlayerID   `json:"currentPlayerId"`
	PlayerIDs         []ugc.PlayerID `json:"playerIds"`
	SelectionSourceID string         `json:"selectionSourceId,omitempty"`
	SelectedCardIDs   []string       `json:"selectedCardIds,omitempty"`
}

// CommandSender dispatches a command and returns its request id.
type CommandSender interface {
	SendCommand(commandType string, params map[string]any) (string, error)
}

// ErrSDKUnavailable is returned when a hook emits a command but no sender is set.
var ErrSDKUnavailable = errors.New("SDK unavailable")

// Params are the inputs of one hook execution.
type Params struct {
	Action  Action
	Context Context
	State   *ugc.GameState
	SDK     CommandSender
}

// Result reports the outcome of one hook execution.
type Result struct {
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	ErrorType ugc.ErrorType `json:"errorType,omitempty"`
	// CommandID is the id of the first dispatched command.
	CommandID string `json:"commandId,omitempty"`
}

// Config tunes an Executor.
type Config struct {
	Timeout time.Duration
	Logger  *log.Logger
}

// Executor runs hooks, each in a fresh guarded runtime.
type Executor struct {
	timeout time.Duration
	logger  *log.Logger
}

// New creates a hook executor.
func New(cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[HOOK] ", log.LstdFlags|log.Lshortfile)
	}
	return &Executor{timeout: cfg.Timeout, logger: cfg.Logger}
}

// dispatcher enriches commands and sends them once the hook has returned.
// Commands emitted from inside the hook are only queued, so a hook that
// times out or throws sends nothing.
type dispatcher struct {
	action  Action
	context Context
	sdk     CommandSender
	queue   []command
	firstID string
}

func (d *dispatcher) enqueue(commandType string, params map[string]any, enrich bool) error {
	if d.sdk == nil {
		return ErrSDKUnavailable
	}
	out := make(map[string]any, len(params)+4)
	for k, v := range params {
		out[k] = v
	}
	if enrich {
		out["actionId"] = d.action.ID
		out["actionLabel"] = d.action.Label
		out["componentId"] = d.context.ComponentID
		out["componentType"] = d.context.ComponentType
	}
	d.queue = append(d.queue, command{typ: commandType, params: out})
	return nil
}

// flush sends the queue in order and stops at the first failure.
func (d *dispatcher) flush() error {
	for _, cmd := range d.queue {
		id, err := d.sdk.SendCommand(cmd.typ, cmd.params)
		if err != nil {
			return err
		}
		if d.firstID == "" {
			d.firstID = id
		}
	}
	d.queue = nil
	return nil
}

// Execute evaluates p.Action.HookCode, calls it with
// {action, context, state, sdk, dispatchCommand} and dispatches the commands
// it emitted followed by whatever commands it returns, in order.
func (x *Executor) Execute(p Params) Result {
	code := strings.TrimSpace(p.Action.HookCode)
	if code == "" {
		return x.fail(p.Action, ugc.ErrorContract, "action has no hookCode", "")
	}
	prog, err := compileHook(p.Action.ID, code)
	if err != nil {
		return x.fail(p.Action, ugc.ErrorContract, err.Error(), "")
	}

	vm, err := sandbox.New(sandbox.Options{})
	if err != nil {
		return x.fail(p.Action, ugc.ErrorRuntime, err.Error(), "")
	}
	defer vm.Close()

	// d and returned belong to the sandbox goroutine until Run returns
	// without a timeout.
	d := &dispatcher{action: p.Action, context: p.Context, sdk: p.SDK}
	var returned any
	err = vm.Run(x.timeout, func(s *sandbox.Scope) error {
		rt := s.Runtime()
		fnVal, err := rt.RunProgram(prog)
		if err != nil {
			return err
		}
		fn, ok := goja.AssertFunction(fnVal)
		if !ok {
			return sandbox.Contractf("hookCode must evaluate to a function")
		}

		payload, err := x.payload(s, p, d)
		if err != nil {
			return err
		}
		v, err := fn(goja.Undefined(), payload)
		if err != nil {
			return err
		}
		if v, err = settle(v); err != nil {
			return err
		}
		returned, err = s.Export(v)
		return err
	})
	if err != nil {
		return x.failErr(p.Action, "", err)
	}

	commands, err := commandsOf(returned)
	if err != nil {
		return x.failErr(p.Action, "", err)
	}
	for _, cmd := range commands {
		if err := d.enqueue(cmd.typ, cmd.params, true); err != nil {
			return x.failErr(p.Action, "", err)
		}
	}
	if err := d.flush(); err != nil {
		return x.failErr(p.Action, d.firstID, err)
	}
	return Result{Success: true, CommandID: d.firstID}
}

// compileHook accepts a single function or arrow function expression and
// nothing else, so no hook code runs before the shape is checked.
func compileHook(name, code string) (*goja.Program, error) {
	prog, err := parser.ParseFile(nil, "hook:"+name, "("+code+"\n)", 0)
	if err != nil {
		return nil, fmt.Errorf("hookCode is not a function expression: %s", firstLine(err.Error()))
	}
	if len(prog.Body) != 1 {
		return nil, errors.New("hookCode must be a single function expression")
	}
	stmt, ok := prog.Body[0].(*ast.ExpressionStatement)
	if !ok {
		return nil, errors.New("hookCode must be a single function expression")
	}
	switch stmt.Expression.(type) {
	case *ast.FunctionLiteral, *ast.ArrowFunctionLiteral:
	default:
		return nil, errors.New("hookCode must be a function expression")
	}
	out, err := goja.CompileAST(prog, true)
	if err != nil {
		return nil, fmt.Errorf("hookCode is not a function expression: %s", firstLine(err.Error()))
	}
	return out, nil
}

func (x *Executor) payload(s *sandbox.Scope, p Params, d *dispatcher) (*goja.Object, error) {
	rt := s.Runtime()
	obj := rt.NewObject()
	for name, v := range map[string]any{"action": p.Action, "context": p.Context, "state": p.State} {
		jv, err := s.ToValue(v)
		if err != nil {
			return nil, err
		}
		obj.Set(name, jv)
	}

	throw := func(err error) {
		panic(rt.NewTypeError("%s", err.Error()))
	}
	exportParams := func(v goja.Value) map[string]any {
		data, err := s.Export(v)
		if err != nil {
			throw(err)
		}
		m, _ := data.(map[string]any)
		return m
	}

	sdk := rt.NewObject()
	sdk.Set("sendCommand", func(call goja.FunctionCall) goja.Value {
		if err := d.enqueue(call.Argument(0).String(), exportParams(call.Argument(1)), false); err != nil {
			throw(err)
		}
		return goja.Undefined()
	})
	obj.Set("sdk", sdk)
	obj.Set("dispatchCommand", func(call goja.FunctionCall) goja.Value {
		data, err := s.Export(call.Argument(0))
		if err != nil {
			throw(err)
		}
		cmds, err := commandsOf(data)
		if err != nil {
			throw(err)
		}
		for _, cmd := range cmds {
			if err := d.enqueue(cmd.typ, cmd.params, true); err != nil {
				throw(err)
			}
		}
		return goja.Undefined()
	})
	return obj, nil
}

// settle unwraps a promise that the job queue has already run to completion.
func settle(v goja.Value) (goja.Value, error) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return v, nil
	}
	p, ok := obj.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		reason := "promise rejected"
		if r := p.Result(); r != nil && !goja.IsUndefined(r) {
			reason = r.String()
		}
		return nil, &sandbox.ScriptError{Message: reason}
	default:
		return nil, &sandbox.ScriptError{Message: "hook promise never settled"}
	}
}

type command struct {
	typ    string
	params map[string]any
}

// commandsOf accepts nothing, one command object or an array of them.
func commandsOf(data any) ([]command, error) {
	var items []any
	switch v := data.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		items = []any{v}
	case []any:
		items = v
	default:
		return nil, sandbox.Contractf("hook must return a command object, an array of commands or nothing")
	}
	out := make([]command, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, sandbox.Contractf("command %d is not an object", i)
		}
		typ, ok := m["type"].(string)
		if !ok || typ == "" {
			return nil, sandbox.Contractf("command %d needs a non-empty type", i)
		}
		params, _ := m["payload"].(map[string]any)
		out = append(out, command{typ: typ, params: params})
	}
	return out, nil
}

func (x *Executor) failErr(a Action, firstID string, err error) Result {
	var (
		perr *sandbox.PermissionError
		cerr *sandbox.ContractError
		serr *sandbox.ScriptError
	)
	res := Result{CommandID: firstID}
	switch {
	case errors.As(err, &perr):
		res.ErrorType = ugc.ErrorPermission
	case errors.Is(err, sandbox.ErrTimeout):
		res.ErrorType = ugc.ErrorTimeout
		err = fmt.Errorf("hook exceeded %s", x.timeout)
	case errors.As(err, &cerr):
		res.ErrorType = ugc.ErrorContract
	case errors.As(err, &serr):
		res.ErrorType = ugc.ErrorRuntime
	default:
		res.ErrorType = ugc.ErrorRuntime
	}
	out := x.fail(a, res.ErrorType, hookMessage(err), "")
	out.CommandID = firstID
	return out
}

func (x *Executor) fail(a Action, typ ugc.ErrorType, msg, firstID string) Result {
	x.logger.Printf("action %q hook failed: type=%s message=%s", a.ID, typ, msg)
	return Result{Success: false, Error: msg, ErrorType: typ, CommandID: firstID}
}

// hookMessage strips the "TypeError: " wrapper our own throws add, so a
// missing SDK reads the same whether it surfaced in JS or in Go.
func hookMessage(err error) string {
	msg := err.Error()
	if strings.HasPrefix(msg, "TypeError: "+ErrSDKUnavailable.Error()) {
		return ErrSDKUnavailable.Error()
	}
	return firstLine(msg)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// GetVisibleActions filters actions for one viewer. Nothing is visible when
// hooks are disabled; an unset scope counts as current-player.
func GetVisibleActions(actions []Action, allowActionHooks, isCurrentPlayer bool) []Action {
	if !allowActionHooks {
		return []Action{}
	}
	out := make([]Action, 0, len(actions))
	for _, a := range actions {
		switch a.Scope {
		case ScopeAll:
			out = append(out, a)
		case ScopeCurrentPlayer, "":
			if isCurrentPlayer {
				out = append(out, a)
			}
		}
	}
	return out
}

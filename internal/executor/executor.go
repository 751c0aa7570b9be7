// Package executor drives the lifecycle of one untrusted domain: load,
// setup, validate, execute, reduce, game-over check and player views. Every
// call is sandboxed, time-bounded and reported as a Result envelope.
package executor

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/MJE43/ugc-runtime-go/internal/sandbox"
	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

// State represents the executor's lifecycle state: unloaded, loaded after
// LoadCode, running once Setup has succeeded.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoaded   State = "loaded"
	StateRunning  State = "running"
)

// DefaultCallTimeout bounds every sandboxed call unless configured otherwise.
const DefaultCallTimeout = 200 * time.Millisecond

// Config tunes an Executor.
type Config struct {
	CallTimeout  time.Duration
	AllowConsole bool
	// ScriptName labels domain source in diagnostics.
	ScriptName string
	Logger     *log.Logger
}

// Executor runs one domain. It is safe for concurrent use; calls are
// serialized on the underlying VM.
type Executor struct {
	mu     sync.RWMutex
	cfg    Config
	logger *log.Logger

	vm            *sandbox.VM
	domain        *goja.Object
	gameID        string
	hasGameOver   bool
	hasPlayerView bool
	setupDone     bool

	inFlight atomic.Int32
	stats    *Stats
}

// New creates an unloaded executor.
func New(cfg Config) *Executor {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.ScriptName == "" {
		cfg.ScriptName = "domain.js"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[EXEC] ", log.LstdFlags|log.Lshortfile)
	}
	return &Executor{cfg: cfg, logger: logger, stats: NewStats()}
}

var requiredEntryPoints = []string{"setup", "validate", "execute", "reduce"}

// LoadCode compiles and evaluates source, which must bind a top-level
// `domain` object. Any previously loaded domain is discarded first; a
// failed load leaves the executor unloaded.
func (e *Executor) LoadCode(source string) Result[struct{}] {
	start := time.Now()
	e.Unload()

	vm, err := sandbox.New(sandbox.Options{AllowConsole: e.cfg.AllowConsole, Logger: e.logger})
	if err != nil {
		return finish[struct{}](e, ugc.StageLoad, start, struct{}{}, classify(ugc.StageLoad, e.cfg.CallTimeout, err))
	}

	domain, err := vm.Load(e.cfg.ScriptName, source, e.cfg.CallTimeout)
	if err == nil && domain == nil {
		err = sandbox.Contractf("domain object not found: source must declare `domain`")
	}
	var gameID string
	var hasGameOver, hasPlayerView bool
	if err == nil {
		err = vm.Run(e.cfg.CallTimeout, func(s *sandbox.Scope) error {
			var cerr error
			gameID, hasGameOver, hasPlayerView, cerr = checkDomain(s, domain)
			return cerr
		})
	}
	if err != nil {
		vm.Close()
		return finish[struct{}](e, ugc.StageLoad, start, struct{}{}, classify(ugc.StageLoad, e.cfg.CallTimeout, err))
	}

	e.mu.Lock()
	e.vm = vm
	e.domain = domain
	e.gameID = gameID
	e.hasGameOver = hasGameOver
	e.hasPlayerView = hasPlayerView
	e.mu.Unlock()

	return finish[struct{}](e, ugc.StageLoad, start, struct{}{}, nil)
}

func checkDomain(s *sandbox.Scope, domain *goja.Object) (gameID string, hasGameOver, hasPlayerView bool, err error) {
	idVal, err := s.Get(domain, "gameId")
	if err != nil {
		return "", false, false, err
	}
	var id string
	if idVal != nil {
		id, _ = idVal.Export().(string)
	}
	if id == "" {
		return "", false, false, sandbox.Contractf("domain.gameId must be a non-empty string")
	}
	for _, name := range requiredEntryPoints {
		v, err := s.Get(domain, name)
		if err != nil {
			return "", false, false, err
		}
		if _, ok := goja.AssertFunction(v); !ok {
			return "", false, false, sandbox.Contractf("domain.%s must be a function", name)
		}
	}
	optional := func(name string) (bool, error) {
		v, err := s.Get(domain, name)
		if err != nil {
			return false, err
		}
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			return false, nil
		}
		if _, ok := goja.AssertFunction(v); !ok {
			return false, sandbox.Contractf("domain.%s must be a function when present", name)
		}
		return true, nil
	}
	if hasGameOver, err = optional("isGameOver"); err != nil {
		return "", false, false, err
	}
	if hasPlayerView, err = optional("playerView"); err != nil {
		return "", false, false, err
	}
	return id, hasGameOver, hasPlayerView, nil
}

// Setup builds the initial state for playerIDs using seed.
func (e *Executor) Setup(playerIDs []ugc.PlayerID, seed int64) Result[*ugc.GameState] {
	start := time.Now()
	if len(playerIDs) == 0 {
		return finish[*ugc.GameState](e, ugc.StageSetup, start, nil, contractErr(ugc.StageSetup, "playerIds must not be empty"))
	}
	seen := make(map[ugc.PlayerID]bool, len(playerIDs))
	for _, id := range playerIDs {
		if id == "" {
			return finish[*ugc.GameState](e, ugc.StageSetup, start, nil, contractErr(ugc.StageSetup, "playerIds must not contain empty ids"))
		}
		if seen[id] {
			return finish[*ugc.GameState](e, ugc.StageSetup, start, nil, contractErr(ugc.StageSetup, "duplicate player id %q", id))
		}
		seen[id] = true
	}

	res := run(e, ugc.StageSetup, start, func(s *sandbox.Scope, domain *goja.Object) (*ugc.GameState, error) {
		ids, err := s.ToValue(playerIDs)
		if err != nil {
			return nil, err
		}
		v, err := s.CallMethod(domain, "setup", ids, s.Random(seed))
		if err != nil {
			return nil, err
		}
		return exportState(s, v, "setup")
	})
	if res.Success {
		e.mu.Lock()
		if e.vm != nil {
			e.setupDone = true
		}
		e.mu.Unlock()
	}
	return res
}

// Validate asks the domain whether cmd is legal in state.
func (e *Executor) Validate(state *ugc.GameState, cmd ugc.Command) Result[ugc.ValidationResult] {
	start := time.Now()
	if state == nil {
		return finish(e, ugc.StageValidate, start, ugc.ValidationResult{}, contractErr(ugc.StageValidate, "state is required"))
	}
	return run(e, ugc.StageValidate, start, func(s *sandbox.Scope, domain *goja.Object) (ugc.ValidationResult, error) {
		args, err := toValues(s, state, cmd)
		if err != nil {
			return ugc.ValidationResult{}, err
		}
		v, err := s.CallMethod(domain, "validate", args...)
		if err != nil {
			return ugc.ValidationResult{}, err
		}
		data, err := s.Export(v)
		if err != nil {
			return ugc.ValidationResult{}, err
		}
		res, err := decodeValidation(data)
		if err != nil {
			return ugc.ValidationResult{}, sandbox.Contractf("%s", err.Error())
		}
		return res, nil
	})
}

// Execute turns cmd into events using seed. Every event is checked for
// JSON-serializability before it leaves the sandbox.
func (e *Executor) Execute(state *ugc.GameState, cmd ugc.Command, seed int64) Result[[]ugc.Event] {
	start := time.Now()
	if state == nil {
		return finish[[]ugc.Event](e, ugc.StageExecute, start, nil, contractErr(ugc.StageExecute, "state is required"))
	}
	return run(e, ugc.StageExecute, start, func(s *sandbox.Scope, domain *goja.Object) ([]ugc.Event, error) {
		args, err := toValues(s, state, cmd)
		if err != nil {
			return nil, err
		}
		v, err := s.CallMethod(domain, "execute", append(args, s.Random(seed))...)
		if err != nil {
			return nil, err
		}
		data, err := s.Export(v)
		if err != nil {
			return nil, err
		}
		events, err := decodeEvents(data)
		if err != nil {
			return nil, sandbox.Contractf("%s", err.Error())
		}
		return events, nil
	})
}

// Reduce folds event into state. A domain that returns nothing for an event
// has not handled it, which is reported as a contract error.
func (e *Executor) Reduce(state *ugc.GameState, event ugc.Event) Result[*ugc.GameState] {
	start := time.Now()
	if state == nil {
		return finish[*ugc.GameState](e, ugc.StageReduce, start, nil, contractErr(ugc.StageReduce, "state is required"))
	}
	return run(e, ugc.StageReduce, start, func(s *sandbox.Scope, domain *goja.Object) (*ugc.GameState, error) {
		args, err := toValues(s, state, event)
		if err != nil {
			return nil, err
		}
		v, err := s.CallMethod(domain, "reduce", args...)
		if err != nil {
			return nil, err
		}
		if goja.IsUndefined(v) || goja.IsNull(v) {
			return nil, sandbox.Contractf("reduce returned no state for event %q", event.Type)
		}
		return exportState(s, v, "reduce")
	})
}

// IsGameOver reports how the match ended, or nil while it is still running.
// Domains without isGameOver never end.
func (e *Executor) IsGameOver(state *ugc.GameState) Result[*ugc.GameOverInfo] {
	start := time.Now()
	if state == nil {
		return finish[*ugc.GameOverInfo](e, ugc.StageIsGameOver, start, nil, contractErr(ugc.StageIsGameOver, "state is required"))
	}
	e.mu.RLock()
	has := e.hasGameOver
	e.mu.RUnlock()
	if !has && e.loaded() {
		return finish[*ugc.GameOverInfo](e, ugc.StageIsGameOver, start, nil, nil)
	}
	return run(e, ugc.StageIsGameOver, start, func(s *sandbox.Scope, domain *goja.Object) (*ugc.GameOverInfo, error) {
		arg, err := s.ToValue(state)
		if err != nil {
			return nil, err
		}
		v, err := s.CallMethod(domain, "isGameOver", arg)
		if err != nil {
			return nil, err
		}
		data, err := s.Export(v)
		if err != nil {
			return nil, err
		}
		info, err := decodeGameOver(data)
		if err != nil {
			return nil, sandbox.Contractf("%s", err.Error())
		}
		return info, nil
	})
}

// PlayerView returns the state as playerID may see it. Without a playerView
// entry point the full state is returned unredacted; otherwise the domain's
// partial result is merged over the full state.
func (e *Executor) PlayerView(state *ugc.GameState, playerID ugc.PlayerID) Result[*ugc.GameState] {
	start := time.Now()
	if state == nil {
		return finish[*ugc.GameState](e, ugc.StagePlayerView, start, nil, contractErr(ugc.StagePlayerView, "state is required"))
	}
	e.mu.RLock()
	has := e.hasPlayerView
	e.mu.RUnlock()
	if !has && e.loaded() {
		cp, err := state.Clone()
		if err != nil {
			return finish[*ugc.GameState](e, ugc.StagePlayerView, start, nil, contractErr(ugc.StagePlayerView, "%v", err))
		}
		return finish(e, ugc.StagePlayerView, start, cp, nil)
	}
	return run(e, ugc.StagePlayerView, start, func(s *sandbox.Scope, domain *goja.Object) (*ugc.GameState, error) {
		args, err := toValues(s, state, playerID)
		if err != nil {
			return nil, err
		}
		v, err := s.CallMethod(domain, "playerView", args...)
		if err != nil {
			return nil, err
		}
		partial, err := s.Export(v)
		if err != nil {
			return nil, err
		}
		base, err := stateMap(state)
		if err != nil {
			return nil, err
		}
		switch p := partial.(type) {
		case nil:
		case map[string]any:
			for k, v := range p {
				base[k] = v
			}
		default:
			return nil, sandbox.Contractf("playerView must return an object, got %s", kindOf(partial))
		}
		view, err := decodeState(base)
		if err != nil {
			return nil, sandbox.Contractf("playerView: %s", err.Error())
		}
		return view, nil
	})
}

// Unload discards the domain and interrupts any running call. It is
// idempotent.
func (e *Executor) Unload() {
	e.mu.Lock()
	vm := e.vm
	e.vm = nil
	e.domain = nil
	e.gameID = ""
	e.hasGameOver = false
	e.hasPlayerView = false
	e.setupDone = false
	e.mu.Unlock()
	if vm != nil {
		vm.Close()
	}
}

// State reports the lifecycle state.
func (e *Executor) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch {
	case e.vm == nil:
		return StateUnloaded
	case e.setupDone:
		return StateRunning
	default:
		return StateLoaded
	}
}

// InFlight reports how many domain calls are executing right now.
func (e *Executor) InFlight() int {
	return int(e.inFlight.Load())
}

// GameID returns the loaded domain's gameId, or "" when unloaded.
func (e *Executor) GameID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.gameID
}

// HasPlayerView reports whether the domain redacts state per viewer.
func (e *Executor) HasPlayerView() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hasPlayerView
}

// Stats returns per-stage call counters.
func (e *Executor) Stats() map[ugc.Stage]StageStats {
	return e.stats.Snapshot()
}

// Logs returns captured console output of the loaded domain.
func (e *Executor) Logs() []sandbox.LogEntry {
	e.mu.RLock()
	vm := e.vm
	e.mu.RUnlock()
	if vm == nil {
		return nil
	}
	return vm.GetLogs()
}

func (e *Executor) loaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vm != nil
}

// run executes fn against the loaded domain and wraps the outcome.
func run[T any](e *Executor, stage ugc.Stage, start time.Time, fn func(*sandbox.Scope, *goja.Object) (T, error)) Result[T] {
	var zero T
	e.mu.RLock()
	vm, domain := e.vm, e.domain
	e.mu.RUnlock()
	if vm == nil || domain == nil {
		return finish(e, stage, start, zero, notLoaded(stage))
	}

	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	var out T
	err := vm.Run(e.cfg.CallTimeout, func(s *sandbox.Scope) error {
		v, err := fn(s, domain)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return finish(e, stage, start, zero, classify(stage, e.cfg.CallTimeout, err))
	}
	return finish(e, stage, start, out, nil)
}

func finish[T any](e *Executor, stage ugc.Stage, start time.Time, value T, failure *Error) Result[T] {
	elapsed := time.Since(start)
	res := Result[T]{ExecutionTimeMs: elapsed.Milliseconds()}
	if failure == nil {
		res.Success = true
		res.Value = value
		e.stats.Record(stage, "", "", elapsed)
		return res
	}

	res.Error = failure.Message
	res.ErrorType = failure.Type
	res.ErrorStage = failure.Stage
	res.ErrorLog = fmt.Sprintf("[UGC_RULE_EXEC] stage=%s type=%s message=%s costMs=%d",
		failure.Stage, failure.Type, failure.Message, res.ExecutionTimeMs)
	res.err = failure
	e.stats.Record(stage, failure.Type, failure.Message, elapsed)

	if failure.Detail != "" {
		e.logger.Printf("%s\n%s", res.ErrorLog, failure.Detail)
	} else {
		e.logger.Print(res.ErrorLog)
	}
	return res
}

// classify maps sandbox failures onto the executor's error taxonomy.
func classify(stage ugc.Stage, timeout time.Duration, err error) *Error {
	var (
		perr   *sandbox.PermissionError
		cerr   *sandbox.ContractError
		synErr *sandbox.SyntaxError
		scrErr *sandbox.ScriptError
		exErr  *Error
	)
	switch {
	case errors.As(err, &exErr):
		return exErr
	case errors.As(err, &perr):
		return &Error{Type: ugc.ErrorPermission, Stage: stage, Message: perr.Error(), cause: perr}
	case errors.Is(err, sandbox.ErrTimeout):
		return &Error{Type: ugc.ErrorTimeout, Stage: stage, Message: fmt.Sprintf("%s exceeded %s", stage, timeout), cause: err}
	case errors.Is(err, sandbox.ErrClosed), errors.Is(err, sandbox.ErrInterrupted):
		return notLoaded(stage)
	case errors.As(err, &cerr):
		return &Error{Type: ugc.ErrorContract, Stage: stage, Message: cerr.Message, cause: cerr}
	case errors.As(err, &synErr):
		return &Error{Type: ugc.ErrorSyntax, Stage: stage, Message: synErr.Message, cause: synErr}
	case errors.As(err, &scrErr):
		return &Error{Type: ugc.ErrorRuntime, Stage: stage, Message: scrErr.Message, Detail: scrErr.Detail, cause: scrErr}
	default:
		return &Error{Type: ugc.ErrorRuntime, Stage: stage, Message: err.Error(), cause: err}
	}
}

func exportState(s *sandbox.Scope, v goja.Value, fn string) (*ugc.GameState, error) {
	data, err := s.Export(v)
	if err != nil {
		return nil, err
	}
	st, err := decodeState(data)
	if err != nil {
		return nil, sandbox.Contractf("%s: %s", fn, err.Error())
	}
	return st, nil
}

func toValues(s *sandbox.Scope, in ...any) ([]goja.Value, error) {
	out := make([]goja.Value, len(in))
	for i, v := range in {
		jv, err := s.ToValue(v)
		if err != nil {
			return nil, err
		}
		out[i] = jv
	}
	return out, nil
}

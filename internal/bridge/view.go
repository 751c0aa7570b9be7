package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

// DefaultReadyInterval is how often a view repeats its ready ping until the
// host answers with init.
const DefaultReadyInterval = 600 * time.Millisecond

// InitInfo is what the host tells a view on the handshake.
type InitInfo struct {
	PackageID       string
	CurrentPlayerID ugc.PlayerID
	PlayerIDs       []ugc.PlayerID
	State           *ugc.GameState
	SDKVersion      string
}

// CommandResult is the host's answer to one command.
type CommandResult struct {
	RequestID string
	Success   bool
	Error     string
}

// CommandCallback receives a CommandResult. Callbacks still pending when
// the SDK stops get a failed result carrying ErrStopped.
type CommandCallback func(CommandResult)

// ViewConfig configures a ViewSDK. All callbacks are optional and run on the
// SDK's receive goroutine.
type ViewConfig struct {
	OnInit        func(InitInfo)
	OnStateUpdate func(*ugc.GameState)
	OnError       func(code, message string)
	// AutoStart starts the SDK from NewViewSDK.
	AutoStart     bool
	ReadyInterval time.Duration
	Logger        *log.Logger
}

var (
	// ErrNotStarted is returned when sending before Start.
	ErrNotStarted = errors.New("bridge: view sdk not started")
	// ErrStopped is the error of commands left unanswered by Stop.
	ErrStopped = errors.New("bridge: view sdk stopped")
)

// ViewSDK is the untrusted end of the protocol.
type ViewSDK struct {
	t      Transport
	cfg    ViewConfig
	logger *log.Logger

	mu              sync.Mutex
	started         bool
	initialized     bool
	currentPlayerID ugc.PlayerID
	state           *ugc.GameState
	pending         map[string]CommandCallback

	initCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewViewSDK creates a view SDK over t.
func NewViewSDK(t Transport, cfg ViewConfig) *ViewSDK {
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = DefaultReadyInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[VIEW] ", log.LstdFlags)
	}
	v := &ViewSDK{
		t:       t,
		cfg:     cfg,
		logger:  cfg.Logger,
		pending: make(map[string]CommandCallback),
		initCh:  make(chan struct{}),
	}
	if cfg.AutoStart {
		v.Start(context.Background())
	}
	return v
}

// Start begins receiving and pings ready until init arrives. Calling it
// again is a no-op.
func (v *ViewSDK) Start(ctx context.Context) {
	v.mu.Lock()
	if v.started {
		v.mu.Unlock()
		return
	}
	v.started = true
	ctx, v.cancel = context.WithCancel(ctx)
	v.mu.Unlock()

	v.wg.Add(2)
	go func() {
		defer v.wg.Done()
		v.receiveLoop(ctx)
	}()
	go func() {
		defer v.wg.Done()
		v.readyLoop(ctx)
	}()
}

// Stop halts the SDK and fails pending commands with ErrStopped. The
// transport stays open.
func (v *ViewSDK) Stop() {
	v.mu.Lock()
	if !v.started {
		v.mu.Unlock()
		return
	}
	v.started = false
	cancel := v.cancel
	pending := v.pending
	v.pending = make(map[string]CommandCallback)
	v.mu.Unlock()

	cancel()
	v.wg.Wait()
	for id, cb := range pending {
		cb(CommandResult{RequestID: id, Error: ErrStopped.Error()})
	}
}

// Ready reports whether init has been received.
func (v *ViewSDK) Ready() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.initialized
}

// WaitReady blocks until init arrives or ctx ends.
func (v *ViewSDK) WaitReady(ctx context.Context) error {
	select {
	case <-v.initCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the last state the host sent.
func (v *ViewSDK) State() *ugc.GameState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// CurrentPlayerID returns the player the host bound this view to.
func (v *ViewSDK) CurrentPlayerID() ugc.PlayerID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentPlayerID
}

func (v *ViewSDK) readyLoop(ctx context.Context) {
	v.post(ctx, TypeReady, nil)
	ticker := time.NewTicker(v.cfg.ReadyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.initCh:
			return
		case <-ticker.C:
			v.post(ctx, TypeReady, nil)
		}
	}
}

func (v *ViewSDK) receiveLoop(ctx context.Context) {
	for {
		frame, err := v.t.Receive(ctx)
		if err != nil {
			if !errors.Is(err, ErrClosed) && ctx.Err() == nil {
				v.logger.Printf("receive: %v", err)
			}
			return
		}
		v.handle(frame)
	}
}

func (v *ViewSDK) handle(frame []byte) {
	env, err := ParseEnvelope(frame)
	if err != nil || env.Source != SourceHost {
		return
	}
	switch env.Type {
	case TypeInit:
		var p InitPayload
		if err := decodePayload(env, &p); err != nil {
			v.logger.Printf("bad init: %v", err)
			return
		}
		v.mu.Lock()
		first := !v.initialized
		v.initialized = true
		v.currentPlayerID = p.CurrentPlayerID
		v.state = p.State
		v.mu.Unlock()
		if first {
			close(v.initCh)
		}
		if v.cfg.OnInit != nil {
			v.cfg.OnInit(InitInfo{
				PackageID:       p.PackageID,
				CurrentPlayerID: p.CurrentPlayerID,
				PlayerIDs:       p.PlayerIDs,
				State:           p.State,
				SDKVersion:      p.SDKVersion,
			})
		}
	case TypeStateUpdate:
		var p StateUpdatePayload
		if err := decodePayload(env, &p); err != nil {
			v.logger.Printf("bad stateUpdate: %v", err)
			return
		}
		v.mu.Lock()
		v.state = p.State
		v.mu.Unlock()
		if v.cfg.OnStateUpdate != nil {
			v.cfg.OnStateUpdate(p.State)
		}
	case TypeCommandResult:
		var p CommandResultPayload
		if err := decodePayload(env, &p); err != nil {
			v.logger.Printf("bad commandResult: %v", err)
			return
		}
		v.mu.Lock()
		cb := v.pending[p.RequestID]
		delete(v.pending, p.RequestID)
		v.mu.Unlock()
		if cb != nil {
			cb(CommandResult{RequestID: p.RequestID, Success: p.Success, Error: p.Error})
		}
	case TypeError:
		var p ErrorPayload
		if err := decodePayload(env, &p); err != nil {
			return
		}
		if v.cfg.OnError != nil {
			v.cfg.OnError(p.Code, p.Message)
		}
	}
}

// SendCommand sends a command and returns its request id without waiting.
func (v *ViewSDK) SendCommand(commandType string, params map[string]any) (string, error) {
	return v.SendCommandFunc(commandType, params, nil)
}

// SendCommandFunc sends a command and calls cb with the host's result.
func (v *ViewSDK) SendCommandFunc(commandType string, params map[string]any, cb CommandCallback) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	frame, id, err := v.commandFrame(commandType, params)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	if !v.started {
		v.mu.Unlock()
		return "", ErrNotStarted
	}
	if cb != nil {
		v.pending[id] = cb
	}
	v.mu.Unlock()

	if err := v.t.Send(context.Background(), frame); err != nil {
		v.mu.Lock()
		delete(v.pending, id)
		v.mu.Unlock()
		return "", err
	}
	return id, nil
}

// SendCommandWait sends a command and blocks for its result. It returns
// ErrStopped if the SDK stops first.
func (v *ViewSDK) SendCommandWait(ctx context.Context, commandType string, params map[string]any) (CommandResult, error) {
	done := make(chan CommandResult, 1)
	id, err := v.SendCommandFunc(commandType, params, func(r CommandResult) { done <- r })
	if err != nil {
		return CommandResult{}, err
	}
	select {
	case r := <-done:
		if !r.Success && r.Error == ErrStopped.Error() {
			return r, ErrStopped
		}
		return r, nil
	case <-ctx.Done():
		v.mu.Lock()
		delete(v.pending, id)
		v.mu.Unlock()
		return CommandResult{}, ctx.Err()
	}
}

func (v *ViewSDK) commandFrame(commandType string, params map[string]any) ([]byte, string, error) {
	if commandType == "" {
		return nil, "", fmt.Errorf("bridge: command type is empty")
	}
	v.mu.Lock()
	player := v.currentPlayerID
	v.mu.Unlock()

	requestID := "cmd-" + uuid.NewString()
	frame, err := newEnvelope(SourceView, TypeCommand, CommandPayload{
		RequestID: requestID,
		Type:      commandType,
		Payload:   params,
		PlayerID:  player,
	})
	return frame, requestID, err
}

// RequestState asks the host for a fresh stateUpdate.
func (v *ViewSDK) RequestState() error {
	return v.post(context.Background(), TypeStateRequest, nil)
}

// PlaySfx asks the host to play a sound.
func (v *ViewSDK) PlaySfx(sfxKey string, volume float64) error {
	return v.post(context.Background(), TypePlaySfx, PlaySfxPayload{SfxKey: sfxKey, Volume: volume})
}

func (v *ViewSDK) post(ctx context.Context, typ MessageType, payload any) error {
	frame, err := newEnvelope(SourceView, typ, payload)
	if err != nil {
		return err
	}
	if err := v.t.Send(ctx, frame); err != nil {
		if !errors.Is(err, ErrClosed) && ctx.Err() == nil {
			v.logger.Printf("send %s: %v", typ, err)
		}
		return err
	}
	return nil
}

func (v *ViewSDK) PlayCard(cardID string, targetIDs []string) (string, error) {
	params := map[string]any{"cardId": cardID}
	if len(targetIDs) > 0 {
		params["targetIds"] = targetIDs
	}
	return v.SendCommand("PLAY_CARD", params)
}

func (v *ViewSDK) SelectTarget(targetIDs []string) (string, error) {
	return v.SendCommand("SELECT_TARGET", map[string]any{"targetIds": targetIDs})
}

func (v *ViewSDK) EndPhase() (string, error) { return v.SendCommand("END_PHASE", nil) }

func (v *ViewSDK) EndTurn() (string, error) { return v.SendCommand("END_TURN", nil) }

func (v *ViewSDK) Pass() (string, error) { return v.SendCommand("PASS", nil) }

func (v *ViewSDK) DrawCard(count int) (string, error) {
	if count < 1 {
		count = 1
	}
	return v.SendCommand("DRAW_CARD", map[string]any{"count": count})
}

func (v *ViewSDK) DiscardCard(cardIDs []string) (string, error) {
	return v.SendCommand("DISCARD_CARD", map[string]any{"cardIds": cardIDs})
}

// Respond sends a RESPOND command; params are merged next to responseType.
func (v *ViewSDK) Respond(responseType string, params map[string]any) (string, error) {
	out := make(map[string]any, len(params)+1)
	for k, val := range params {
		out[k] = val
	}
	out["responseType"] = responseType
	return v.SendCommand("RESPOND", out)
}

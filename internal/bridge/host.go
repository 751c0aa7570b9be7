package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

// HostConfig wires a HostBridge to the session it serves.
type HostConfig struct {
	PackageID string
	// PlayerID is the viewer this bridge is bound to. Every command is
	// attributed to it regardless of what the view claims.
	PlayerID  ugc.PlayerID
	PlayerIDs []ugc.PlayerID

	// State returns the viewer's current state for init and stateRequest.
	State func() (*ugc.GameState, error)
	// OnCommand runs one command; a non-nil error fails it.
	OnCommand func(ctx context.Context, cmd ugc.Command) error
	// OnPlaySfx is optional.
	OnPlaySfx func(player ugc.PlayerID, sfx PlaySfxPayload)

	Logger *log.Logger
}

// HostBridge is the privileged end of the protocol. It treats every inbound
// frame as untrusted and holds state updates back until the view is ready.
type HostBridge struct {
	t      Transport
	cfg    HostConfig
	logger *log.Logger

	// mu orders outbound state: init always precedes stateUpdate.
	mu      sync.Mutex
	ready   bool
	pending *ugc.GameState
}

// NewHostBridge binds a transport to one viewer.
func NewHostBridge(t Transport, cfg HostConfig) *HostBridge {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[BRIDGE] ", log.LstdFlags)
	}
	return &HostBridge{t: t, cfg: cfg, logger: cfg.Logger}
}

// PlayerID returns the bound viewer.
func (h *HostBridge) PlayerID() ugc.PlayerID { return h.cfg.PlayerID }

// Ready reports whether the view has completed the handshake.
func (h *HostBridge) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

// Run handles inbound frames until the transport closes or ctx ends.
func (h *HostBridge) Run(ctx context.Context) error {
	for {
		frame, err := h.t.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		h.Handle(ctx, frame)
	}
}

// Handle processes one inbound frame.
func (h *HostBridge) Handle(ctx context.Context, frame []byte) {
	env, err := ParseEnvelope(frame)
	if err != nil {
		h.reject(ctx, err)
		return
	}
	if env.Source != SourceView {
		h.logger.Printf("player=%s dropped frame from source %q", h.cfg.PlayerID, env.Source)
		return
	}

	switch env.Type {
	case TypeReady:
		h.handleReady(ctx)
	case TypeCommand:
		h.handleCommand(ctx, env)
	case TypeStateRequest:
		h.handleStateRequest(ctx)
	case TypePlaySfx:
		var sfx PlaySfxPayload
		if err := decodePayload(env, &sfx); err != nil {
			h.reject(ctx, err)
			return
		}
		if sfx.SfxKey == "" || sfx.Volume < 0 || sfx.Volume > 1 {
			h.reject(ctx, fmt.Errorf("playSfx needs an sfxKey and a volume between 0 and 1"))
			return
		}
		if h.cfg.OnPlaySfx != nil {
			h.cfg.OnPlaySfx(h.cfg.PlayerID, sfx)
		}
	default:
		h.reject(ctx, fmt.Errorf("unsupported message type %q", env.Type))
	}
}

func (h *HostBridge) handleReady(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.pending
	h.pending = nil
	if st == nil {
		var err error
		if st, err = h.viewState(); err != nil {
			h.sendLocked(ctx, TypeError, ErrorPayload{Code: CodeStateError, Message: Sanitize(err)})
			return
		}
	}
	h.ready = true
	h.sendLocked(ctx, TypeInit, InitPayload{
		State:           st,
		PlayerIDs:       h.cfg.PlayerIDs,
		CurrentPlayerID: h.cfg.PlayerID,
		PackageID:       h.cfg.PackageID,
		SDKVersion:      SDKVersion,
	})
}

func (h *HostBridge) handleStateRequest(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ready {
		return
	}
	st, err := h.viewState()
	if err != nil {
		h.sendLocked(ctx, TypeError, ErrorPayload{Code: CodeStateError, Message: Sanitize(err)})
		return
	}
	h.sendLocked(ctx, TypeStateUpdate, StateUpdatePayload{State: st})
}

func (h *HostBridge) handleCommand(ctx context.Context, env Envelope) {
	var c CommandPayload
	if err := decodePayload(env, &c); err != nil {
		h.reject(ctx, err)
		return
	}
	if err := validateCommand(c); err != nil {
		if c.RequestID != "" {
			h.commandResult(ctx, c.RequestID, err)
			return
		}
		h.reject(ctx, err)
		return
	}
	if c.PlayerID != "" && c.PlayerID != h.cfg.PlayerID {
		h.logger.Printf("player=%s command %s claimed player %q; using bound player", h.cfg.PlayerID, c.RequestID, c.PlayerID)
	}
	if h.cfg.OnCommand == nil {
		h.commandResult(ctx, c.RequestID, errors.New("commands are not accepted"))
		return
	}

	payload := c.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	err := h.cfg.OnCommand(ctx, ugc.Command{
		Type:      c.Type,
		PlayerID:  h.cfg.PlayerID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
	h.commandResult(ctx, c.RequestID, err)
}

func (h *HostBridge) commandResult(ctx context.Context, requestID string, err error) {
	res := CommandResultPayload{RequestID: requestID, Success: err == nil}
	if err != nil {
		res.Error = Sanitize(err)
	}
	h.send(ctx, TypeCommandResult, res)
}

// SendStateUpdate pushes a state copy to the view. Before the handshake only
// the latest state is kept, and it becomes the init state.
func (h *HostBridge) SendStateUpdate(ctx context.Context, st *ugc.GameState) error {
	cp, err := st.Clone()
	if err != nil {
		return fmt.Errorf("bridge: copy state: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ready {
		h.pending = cp
		return nil
	}
	return h.sendLocked(ctx, TypeStateUpdate, StateUpdatePayload{State: cp})
}

// SendError reports a failure that is not tied to one command. Only the
// first line of err reaches the view.
func (h *HostBridge) SendError(ctx context.Context, code string, err error) error {
	return h.send(ctx, TypeError, ErrorPayload{Code: code, Message: Sanitize(err)})
}

// Close closes the transport.
func (h *HostBridge) Close() error { return h.t.Close() }

func (h *HostBridge) viewState() (*ugc.GameState, error) {
	if h.cfg.State == nil {
		return nil, errors.New("no state available")
	}
	return h.cfg.State()
}

func (h *HostBridge) reject(ctx context.Context, err error) {
	h.logger.Printf("player=%s rejected frame: %v", h.cfg.PlayerID, err)
	h.send(ctx, TypeError, ErrorPayload{Code: CodeInvalidMessage, Message: Sanitize(err)})
}

func (h *HostBridge) send(ctx context.Context, typ MessageType, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sendLocked(ctx, typ, payload)
}

func (h *HostBridge) sendLocked(ctx context.Context, typ MessageType, payload any) error {
	frame, err := newEnvelope(SourceHost, typ, payload)
	if err != nil {
		h.logger.Printf("player=%s %v", h.cfg.PlayerID, err)
		return err
	}
	if err := h.t.Send(ctx, frame); err != nil {
		if !errors.Is(err, ErrClosed) {
			h.logger.Printf("player=%s send %s: %v", h.cfg.PlayerID, typ, err)
		}
		return err
	}
	return nil
}

// Package match hosts one running game: it owns the domain executor, the
// canonical state and the bridges of every attached viewer.
package match

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/MJE43/ugc-runtime-go/internal/bridge"
	"github.com/MJE43/ugc-runtime-go/internal/executor"
	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

var (
	ErrGameOver      = errors.New("match: game is over")
	ErrUnknownPlayer = errors.New("match: unknown player")
	ErrClosed        = errors.New("match: closed")
)

// broadcastTimeout bounds how long one slow viewer can hold up a command.
const broadcastTimeout = 2 * time.Second

// RejectedError is returned when the domain's validate refuses a command.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return "command rejected"
	}
	return e.Reason
}

// Config describes a match to start.
type Config struct {
	ID        string
	PackageID string
	Source    string
	PlayerIDs []ugc.PlayerID
	// Seed feeds setup; every execute uses the next value.
	Seed     int64
	Executor executor.Config
	// OnPlaySfx receives sound requests from views. Optional.
	OnPlaySfx func(player ugc.PlayerID, sfx bridge.PlaySfxPayload)
	// OnCommit sees every accepted command with its events and the new
	// state. It runs before the next command is admitted and must not call
	// back into the match.
	OnCommit func(cmd ugc.Command, events []ugc.Event, st *ugc.GameState)
	Logger   *log.Logger
}

// Outcome is the result of one accepted command.
type Outcome struct {
	Events []ugc.Event    `json:"events"`
	State  *ugc.GameState `json:"state"`
}

// Match runs one game. Commands are serialized: validate, execute, reduce
// every event, check for game over, then commit and push a per-viewer copy
// to each attached bridge.
type Match struct {
	id        string
	packageID string
	playerIDs []ugc.PlayerID
	createdAt time.Time
	exec      *executor.Executor
	onSfx     func(ugc.PlayerID, bridge.PlaySfxPayload)
	onCommit  func(ugc.Command, []ugc.Event, *ugc.GameState)
	logger    *log.Logger

	// mu admits one command at a time and guards seed.
	mu   sync.Mutex
	seed int64

	stateMu sync.RWMutex
	state   *ugc.GameState
	closed  bool

	bridgesMu sync.Mutex
	bridges   map[*bridge.HostBridge]struct{}
}

// New loads the domain and runs setup.
func New(cfg Config) (*Match, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[MATCH] ", log.LstdFlags)
	}
	if cfg.Executor.Logger == nil {
		cfg.Executor.Logger = cfg.Logger
	}

	exec := executor.New(cfg.Executor)
	if res := exec.LoadCode(cfg.Source); !res.Success {
		return nil, res.Err()
	}

	m := &Match{
		id:        cfg.ID,
		packageID: cfg.PackageID,
		playerIDs: slices.Clone(cfg.PlayerIDs),
		createdAt: time.Now().UTC(),
		exec:      exec,
		onSfx:     cfg.OnPlaySfx,
		onCommit:  cfg.OnCommit,
		logger:    cfg.Logger,
		seed:      cfg.Seed,
		bridges:   make(map[*bridge.HostBridge]struct{}),
	}

	setup := exec.Setup(m.playerIDs, m.nextSeed())
	if !setup.Success {
		exec.Unload()
		return nil, setup.Err()
	}
	st, err := m.applyGameOver(setup.Value)
	if err != nil {
		exec.Unload()
		return nil, err
	}
	m.state = st
	m.logger.Printf("match=%s game=%s players=%d started", m.id, exec.GameID(), len(m.playerIDs))
	return m, nil
}

func (m *Match) ID() string                   { return m.id }
func (m *Match) PackageID() string            { return m.packageID }
func (m *Match) GameID() string               { return m.exec.GameID() }
func (m *Match) CreatedAt() time.Time         { return m.createdAt }
func (m *Match) PlayerIDs() []ugc.PlayerID    { return slices.Clone(m.playerIDs) }
func (m *Match) Executor() *executor.Executor { return m.exec }

func (m *Match) nextSeed() int64 {
	s := m.seed
	m.seed++
	return s
}

// State returns a copy of the canonical, unredacted state.
func (m *Match) State() (*ugc.GameState, error) {
	st, err := m.current()
	if err != nil {
		return nil, err
	}
	return st.Clone()
}

// View returns the state as player may see it.
func (m *Match) View(player ugc.PlayerID) (*ugc.GameState, error) {
	if !m.hasPlayer(player) {
		return nil, ErrUnknownPlayer
	}
	st, err := m.current()
	if err != nil {
		return nil, err
	}
	res := m.exec.PlayerView(st, player)
	if !res.Success {
		return nil, res.Err()
	}
	return res.Value, nil
}

func (m *Match) current() (*ugc.GameState, error) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.state, nil
}

func (m *Match) hasPlayer(p ugc.PlayerID) bool {
	return slices.Contains(m.playerIDs, p)
}

// HandleCommand runs one command through the domain and commits the result.
// Nothing is committed unless every step succeeds.
func (m *Match) HandleCommand(ctx context.Context, cmd ugc.Command) (*Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.current()
	if err != nil {
		return nil, err
	}
	if st.GameOver != nil {
		return nil, ErrGameOver
	}
	if !m.hasPlayer(cmd.PlayerID) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlayer, cmd.PlayerID)
	}
	if cmd.Timestamp == 0 {
		cmd.Timestamp = time.Now().UnixMilli()
	}

	v := m.exec.Validate(st, cmd)
	if !v.Success {
		return nil, v.Err()
	}
	if !v.Value.Valid {
		return nil, &RejectedError{Reason: v.Value.Error}
	}

	ex := m.exec.Execute(st, cmd, m.nextSeed())
	if !ex.Success {
		return nil, ex.Err()
	}
	next := st
	for _, ev := range ex.Value {
		r := m.exec.Reduce(next, ev)
		if !r.Success {
			return nil, r.Err()
		}
		next = r.Value
	}
	// A command without events still gets a fresh copy to commit.
	if next == st {
		if next, err = st.Clone(); err != nil {
			return nil, err
		}
	}
	if next, err = m.applyGameOver(next); err != nil {
		return nil, err
	}

	m.stateMu.Lock()
	if m.closed {
		m.stateMu.Unlock()
		return nil, ErrClosed
	}
	m.state = next
	m.stateMu.Unlock()

	if next.GameOver != nil {
		m.logger.Printf("match=%s game over after turn %d", m.id, next.TurnNumber)
	}
	m.broadcast(ctx, next)

	out, err := next.Clone()
	if err != nil {
		return nil, err
	}
	if m.onCommit != nil {
		m.onCommit(cmd, ex.Value, out)
	}
	return &Outcome{Events: ex.Value, State: out}, nil
}

// applyGameOver attaches isGameOver's verdict to st, which must be owned by
// the caller.
func (m *Match) applyGameOver(st *ugc.GameState) (*ugc.GameState, error) {
	res := m.exec.IsGameOver(st)
	if !res.Success {
		return nil, res.Err()
	}
	st.GameOver = res.Value
	return st, nil
}

func (m *Match) broadcast(ctx context.Context, st *ugc.GameState) {
	m.bridgesMu.Lock()
	targets := make([]*bridge.HostBridge, 0, len(m.bridges))
	for b := range m.bridges {
		targets = append(targets, b)
	}
	m.bridgesMu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), broadcastTimeout)
	defer cancel()
	for _, b := range targets {
		res := m.exec.PlayerView(st, b.PlayerID())
		if !res.Success {
			m.logger.Printf("match=%s playerView for %s failed: %s", m.id, b.PlayerID(), res.ErrorLog)
			b.SendError(ctx, bridge.CodeStateError, res.Err())
			continue
		}
		if err := b.SendStateUpdate(ctx, res.Value); err != nil {
			m.logger.Printf("match=%s state update to %s: %v", m.id, b.PlayerID(), err)
		}
	}
}

// Attach binds a new host bridge for player over t. The caller drives it
// with Run and must Detach it afterwards; Serve does both.
func (m *Match) Attach(player ugc.PlayerID, t bridge.Transport) (*bridge.HostBridge, error) {
	if !m.hasPlayer(player) {
		return nil, ErrUnknownPlayer
	}
	if _, err := m.current(); err != nil {
		return nil, err
	}
	b := bridge.NewHostBridge(t, bridge.HostConfig{
		PackageID: m.packageID,
		PlayerID:  player,
		PlayerIDs: m.PlayerIDs(),
		State:     func() (*ugc.GameState, error) { return m.View(player) },
		OnCommand: func(ctx context.Context, cmd ugc.Command) error {
			_, err := m.HandleCommand(ctx, cmd)
			return err
		},
		OnPlaySfx: m.onSfx,
		Logger:    m.logger,
	})
	m.bridgesMu.Lock()
	m.bridges[b] = struct{}{}
	m.bridgesMu.Unlock()
	return b, nil
}

// Detach forgets b and closes its transport.
func (m *Match) Detach(b *bridge.HostBridge) {
	m.bridgesMu.Lock()
	delete(m.bridges, b)
	m.bridgesMu.Unlock()
	b.Close()
}

// Serve attaches a bridge for player and runs it until t closes or ctx ends.
func (m *Match) Serve(ctx context.Context, player ugc.PlayerID, t bridge.Transport) error {
	b, err := m.Attach(player, t)
	if err != nil {
		return err
	}
	defer m.Detach(b)
	return b.Run(ctx)
}

// Viewers returns how many bridges are attached.
func (m *Match) Viewers() int {
	m.bridgesMu.Lock()
	defer m.bridgesMu.Unlock()
	return len(m.bridges)
}

// Close unloads the domain and disconnects every viewer. It is idempotent.
func (m *Match) Close() {
	m.stateMu.Lock()
	if m.closed {
		m.stateMu.Unlock()
		return
	}
	m.closed = true
	m.stateMu.Unlock()

	m.exec.Unload()

	m.bridgesMu.Lock()
	bridges := m.bridges
	m.bridges = make(map[*bridge.HostBridge]struct{})
	m.bridgesMu.Unlock()
	for b := range bridges {
		b.Close()
	}
	m.logger.Printf("match=%s closed", m.id)
}

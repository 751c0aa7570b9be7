package nakama

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"github.com/heroiclabs/nakama-common/runtime"

	"github.com/MJE43/ugc-runtime-go/internal/bridge"
	"github.com/MJE43/ugc-runtime-go/internal/executor"
	"github.com/MJE43/ugc-runtime-go/internal/match"
	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

// MatchLabel is the JSON label other services can query matches by.
type MatchLabel struct {
	Game      string `json:"game"`
	PackageID string `json:"packageId"`
	Seats     int    `json:"seats"`
	Connected int    `json:"connected"`
	Over      bool   `json:"over"`
}

// viewer is one connected presence and the bridge serving it.
type viewer struct {
	t *presenceTransport
	b *bridge.HostBridge
}

// MatchState holds the authoritative runtime state for one Nakama match.
type MatchState struct {
	Match *match.Match
	Tick  int64

	viewers   map[string]*viewer // by session id
	idle      bool
	idleSince int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *MatchState) label() string {
	over := false
	if st, err := s.Match.State(); err == nil {
		over = st.GameOver != nil
	}
	raw, _ := json.Marshal(MatchLabel{
		Game:      s.Match.GameID(),
		PackageID: s.Match.PackageID(),
		Seats:     len(s.Match.PlayerIDs()),
		Connected: len(s.viewers),
		Over:      over,
	})
	return string(raw)
}

func (s *MatchState) shutdown() {
	s.cancel()
	for sid, v := range s.viewers {
		s.Match.Detach(v.b)
		delete(s.viewers, sid)
	}
	s.Match.Close()
	s.wg.Wait()
}

// HandlerConfig tunes matches created by the handler.
type HandlerConfig struct {
	Executor executor.Config
}

type matchHandler struct {
	cfg HandlerConfig
}

// NewMatchHandler returns a runtime.Match hosting one ugc match.
func NewMatchHandler(cfg HandlerConfig) runtime.Match {
	return &matchHandler{cfg: cfg}
}

// MatchInit loads the domain and runs setup.
func (mh *matchHandler) MatchInit(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, params map[string]interface{}) (interface{}, int, string) {
	p, err := parseParams(params)
	if err != nil {
		logger.Error("MatchInit: bad params: %v", err)
		return nil, 0, ""
	}
	if p.Source == "" {
		if p.Source, err = loadSource(ctx, nk, p.PackageID); err != nil {
			logger.Error("MatchInit: %v", err)
			return nil, 0, ""
		}
	}

	matchID, _ := ctx.Value(runtime.RUNTIME_CTX_MATCH_ID).(string)
	m, err := match.New(match.Config{
		ID:        matchID,
		PackageID: p.PackageID,
		Source:    p.Source,
		PlayerIDs: p.PlayerIDs,
		Seed:      p.Seed,
		Executor:  mh.cfg.Executor,
		OnPlaySfx: func(player ugc.PlayerID, sfx bridge.PlaySfxPayload) {
			logger.Debug("MatchInit: sfx %s for %s", sfx.SfxKey, player)
		},
		Logger: stdLogger(logger, "[MATCH] "),
	})
	if err != nil {
		logger.Error("MatchInit: could not start package %s: %v", p.PackageID, err)
		return nil, 0, ""
	}

	runCtx, cancel := context.WithCancel(context.Background())
	state := &MatchState{
		Match:   m,
		viewers: make(map[string]*viewer),
		ctx:     runCtx,
		cancel:  cancel,
	}
	return state, tickRate, state.label()
}

// MatchJoinAttempt admits only the players the match was created for.
func (mh *matchHandler) MatchJoinAttempt(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, dispatcher runtime.MatchDispatcher, tick int64, state interface{}, presence runtime.Presence, metadata map[string]string) (interface{}, bool, string) {
	s, ok := state.(*MatchState)
	if !ok {
		return state, false, "state not found"
	}
	if !slices.Contains(s.Match.PlayerIDs(), ugc.PlayerID(presence.GetUserId())) {
		return s, false, "not seated in this match"
	}
	return s, true, ""
}

// MatchJoin starts a host bridge for every new presence. The view begins the
// handshake by sending ready.
func (mh *matchHandler) MatchJoin(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, dispatcher runtime.MatchDispatcher, tick int64, state interface{}, presences []runtime.Presence) interface{} {
	s, ok := state.(*MatchState)
	if !ok {
		logger.Error("MatchJoin: state not found")
		return state
	}

	for _, p := range presences {
		if _, exists := s.viewers[p.GetSessionId()]; exists {
			continue
		}
		t := newPresenceTransport(p, dispatcher)
		b, err := s.Match.Attach(ugc.PlayerID(p.GetUserId()), t)
		if err != nil {
			logger.Warn("MatchJoin: user %s: %v", p.GetUserId(), err)
			continue
		}
		s.viewers[p.GetSessionId()] = &viewer{t: t, b: b}

		s.wg.Add(1)
		go func(userID string) {
			defer s.wg.Done()
			if err := b.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("MatchJoin: bridge for %s stopped: %v", userID, err)
			}
		}(p.GetUserId())
		logger.Debug("MatchJoin: user %s attached.", p.GetUserId())
	}

	mh.updateLabel(s, dispatcher, logger)
	return s
}

// MatchLeave detaches bridges of departing presences.
func (mh *matchHandler) MatchLeave(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, dispatcher runtime.MatchDispatcher, tick int64, state interface{}, presences []runtime.Presence) interface{} {
	s, ok := state.(*MatchState)
	if !ok {
		logger.Error("MatchLeave: state not found")
		return state
	}

	for _, p := range presences {
		v, exists := s.viewers[p.GetSessionId()]
		if !exists {
			continue
		}
		delete(s.viewers, p.GetSessionId())
		s.Match.Detach(v.b)
		logger.Debug("MatchLeave: user %s detached.", p.GetUserId())
	}

	mh.updateLabel(s, dispatcher, logger)
	return s
}

// MatchLoop routes client frames to their bridges and ends the match after
// it has been empty for too long.
func (mh *matchHandler) MatchLoop(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, dispatcher runtime.MatchDispatcher, tick int64, state interface{}, messages []runtime.MatchData) interface{} {
	s, ok := state.(*MatchState)
	if !ok {
		return state
	}
	s.Tick = tick

	for _, msg := range messages {
		if msg.GetOpCode() != OpViewFrame {
			logger.Warn("MatchLoop: Unknown opcode received: %d", msg.GetOpCode())
			continue
		}
		v, exists := s.viewers[msg.GetSessionId()]
		if !exists {
			logger.Warn("MatchLoop: frame from unattached session %s", msg.GetSessionId())
			continue
		}
		if !v.t.push(msg.GetData()) {
			logger.Warn("MatchLoop: dropped frame from %s, inbox full", msg.GetUserId())
		}
	}

	if len(s.viewers) > 0 {
		s.idle = false
		return s
	}
	if !s.idle {
		s.idle, s.idleSince = true, tick
		return s
	}
	if tick-s.idleSince >= idleTicks {
		logger.Info("MatchLoop: Terminating match with nobody connected.")
		s.shutdown()
		return nil
	}
	return s
}

func (mh *matchHandler) MatchTerminate(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, dispatcher runtime.MatchDispatcher, tick int64, state interface{}, graceSeconds int) interface{} {
	if s, ok := state.(*MatchState); ok {
		s.shutdown()
	}
	logger.Debug("MatchTerminate: Match terminated with %d grace seconds", graceSeconds)
	return state
}

// MatchSignal answers "state" with the canonical state as JSON.
func (mh *matchHandler) MatchSignal(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, dispatcher runtime.MatchDispatcher, tick int64, state interface{}, data string) (interface{}, string) {
	s, ok := state.(*MatchState)
	if !ok || data != "state" {
		return state, ""
	}
	st, err := s.Match.State()
	if err != nil {
		logger.Warn("MatchSignal: %v", err)
		return s, ""
	}
	raw, err := json.Marshal(st)
	if err != nil {
		logger.Error("MatchSignal: marshal state: %v", err)
		return s, ""
	}
	return s, string(raw)
}

func (mh *matchHandler) updateLabel(s *MatchState, dispatcher runtime.MatchDispatcher, logger runtime.Logger) {
	if err := dispatcher.MatchLabelUpdate(s.label()); err != nil {
		logger.Warn("updateLabel: %v", err)
	}
}

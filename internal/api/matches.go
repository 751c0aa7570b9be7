package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/MJE43/ugc-runtime-go/internal/actionhook"
	"github.com/MJE43/ugc-runtime-go/internal/bridge"
	"github.com/MJE43/ugc-runtime-go/internal/match"
	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

type createMatchRequest struct {
	PackageID string         `json:"packageId"`
	PlayerIDs []ugc.PlayerID `json:"playerIds"`
	Seed      *int64         `json:"seed,omitempty"`
}

type matchSummary struct {
	ID             string         `json:"id"`
	PackageID      string         `json:"packageId"`
	GameID         string         `json:"gameId"`
	PlayerIDs      []ugc.PlayerID `json:"playerIds"`
	CreatedAt      time.Time      `json:"createdAt"`
	Viewers        int            `json:"viewers"`
	TurnNumber     int            `json:"turnNumber"`
	ActivePlayerID ugc.PlayerID   `json:"activePlayerId"`
	GameOver       bool           `json:"gameOver"`
}

type createMatchResponse struct {
	matchSummary
	Seed  int64          `json:"seed"`
	State *ugc.GameState `json:"state"`
}

type commandRequest struct {
	PlayerID ugc.PlayerID `json:"playerId"`
	Type     string       `json:"type"`
	Payload  any          `json:"payload"`
}

type actionRequest struct {
	PlayerID ugc.PlayerID       `json:"playerId"`
	Action   actionhook.Action  `json:"action"`
	Context  actionhook.Context `json:"context"`
}

type visibleActionsRequest struct {
	PlayerID ugc.PlayerID        `json:"playerId"`
	Actions  []actionhook.Action `json:"actions"`
}

func summarize(m *match.Match) matchSummary {
	sum := matchSummary{
		ID:        m.ID(),
		PackageID: m.PackageID(),
		GameID:    m.GameID(),
		PlayerIDs: m.PlayerIDs(),
		CreatedAt: m.CreatedAt(),
		Viewers:   m.Viewers(),
	}
	if st, err := m.State(); err == nil {
		sum.TurnNumber = st.TurnNumber
		sum.ActivePlayerID = st.ActivePlayerID
		sum.GameOver = st.GameOver != nil
	}
	return sum
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*match.Match, bool) {
	id := chi.URLParam(r, "id")
	m, ok := s.registry.Get(id)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, NewError(CodeNotFound, "match not found").WithField("id").Build())
		return nil, false
	}
	return m, true
}

// POST /api/v1/matches
func (s *Server) handleCreateMatch(w http.ResponseWriter, r *http.Request) {
	var req createMatchRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.PackageID == "" {
		s.validationError(w, r, "packageId", "packageId is required")
		return
	}
	if len(req.PlayerIDs) == 0 {
		s.validationError(w, r, "playerIds", "at least one player is required")
		return
	}
	seen := make(map[ugc.PlayerID]bool, len(req.PlayerIDs))
	for _, p := range req.PlayerIDs {
		if strings.TrimSpace(string(p)) == "" || seen[p] {
			s.validationError(w, r, "playerIds", "player ids must be unique and non-empty")
			return
		}
		seen[p] = true
	}

	pkg, err := s.store.GetPackage(req.PackageID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	seed := time.Now().UnixNano()
	if req.Seed != nil {
		seed = *req.Seed
	}
	id := uuid.NewString()
	m, err := s.registry.Create(match.Config{
		ID:        id,
		PackageID: pkg.ID,
		Source:    pkg.Source,
		PlayerIDs: req.PlayerIDs,
		Seed:      seed,
		Executor:  s.opts.Executor,
		OnPlaySfx: func(player ugc.PlayerID, sfx bridge.PlaySfxPayload) {
			s.logger.Printf("sfx match=%s player=%s key=%s", id, player, sfx.SfxKey)
		},
		OnCommit: func(cmd ugc.Command, events []ugc.Event, st *ugc.GameState) {
			s.logger.Printf("command_committed match=%s player=%s type=%s events=%d turn=%d", id, cmd.PlayerID, cmd.Type, len(events), st.TurnNumber)
			if st.GameOver != nil {
				s.logger.Printf("game_over match=%s draw=%v winners=%v", id, st.GameOver.Draw, st.GameOver.Winners)
			}
		},
		Logger: s.logger,
	})
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	st, err := m.State()
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.security.LogAuditEvent(middleware.GetReqID(r.Context()), "match_create", id, "success", map[string]interface{}{
		"package_id": pkg.ID,
		"players":    len(req.PlayerIDs),
	})
	writeJSON(w, http.StatusCreated, createMatchResponse{matchSummary: summarize(m), Seed: seed, State: st})
}

// GET /api/v1/matches
func (s *Server) handleListMatches(w http.ResponseWriter, r *http.Request) {
	out := []matchSummary{}
	for _, m := range s.registry.List() {
		out = append(out, summarize(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": out})
}

// GET /api/v1/matches/{id}
func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, summarize(m))
}

// GET /api/v1/matches/{id}/state?player=
// Without a player the canonical state is returned.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var (
		st  *ugc.GameState
		err error
	)
	if player := r.URL.Query().Get("player"); player != "" {
		st, err = m.View(ugc.PlayerID(player))
	} else {
		st, err = m.State()
	}
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// POST /api/v1/matches/{id}/commands
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req commandRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.PlayerID == "" {
		s.validationError(w, r, "playerId", "playerId is required")
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		s.validationError(w, r, "type", "type is required")
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	out, err := m.HandleCommand(r.Context(), ugc.Command{Type: req.Type, PlayerID: req.PlayerID, Payload: req.Payload})
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /api/v1/matches/{id}/actions
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.PlayerID == "" {
		s.validationError(w, r, "playerId", "playerId is required")
		return
	}
	if req.Action.ID == "" {
		s.validationError(w, r, "action.id", "action id is required")
		return
	}

	res, err := m.RunAction(r.Context(), s.hooks, req.PlayerID, req.Action, req.Context)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/v1/matches/{id}/actions/visible
func (s *Server) handleVisibleActions(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req visibleActionsRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actions": m.VisibleActions(req.PlayerID, req.Actions, true),
	})
}

// DELETE /api/v1/matches/{id}
func (s *Server) handleDeleteMatch(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.registry.Remove(m.ID())
	s.security.LogAuditEvent(middleware.GetReqID(r.Context()), "match_delete", m.ID(), "success", nil)
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/matches/{id}/view?player=
// Upgrades to a websocket and runs a host bridge for the player until the
// view disconnects or the match closes.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	player := ugc.PlayerID(r.URL.Query().Get("player"))
	if player == "" {
		s.validationError(w, r, "player", "player is required")
		return
	}
	if _, err := m.View(player); err != nil {
		s.handleError(w, r, err)
		return
	}

	conn, err := bridge.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the response.
		s.logger.Printf("view upgrade match=%s player=%s: %v", m.ID(), player, err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	s.logger.Printf("view_connected match=%s player=%s", m.ID(), player)
	t := bridge.NewWebSocketTransport(conn)
	defer t.Close()
	err = m.Serve(r.Context(), player, t)
	if err != nil && !errors.Is(err, bridge.ErrClosed) && !errors.Is(err, match.ErrClosed) {
		s.logger.Printf("view match=%s player=%s: %v", m.ID(), player, err)
	}
	s.logger.Printf("view_disconnected match=%s player=%s", m.ID(), player)
}

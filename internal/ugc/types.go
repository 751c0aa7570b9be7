// Package ugc defines the data model shared by the domain runtime, the host
// and the view: game state, commands, events and the error taxonomy.
package ugc

import (
	"encoding/json"
	"fmt"
)

// PlayerID identifies a seat in a match.
type PlayerID string

// PlayerState is the free-form per-player record a domain keeps in the state.
type PlayerState map[string]any

// GameState is the canonical, JSON-serializable match state produced by a domain.
type GameState struct {
	Phase          string                   `json:"phase"`
	TurnNumber     int                      `json:"turnNumber"`
	ActivePlayerID PlayerID                 `json:"activePlayerId"`
	Players        map[PlayerID]PlayerState `json:"players"`
	PublicZones    map[string]any           `json:"publicZones"`
	GameOver       *GameOverInfo            `json:"gameOver,omitempty"`
}

// StateKeys lists the top-level keys a domain state may carry.
var StateKeys = []string{"phase", "turnNumber", "activePlayerId", "players", "publicZones", "gameOver"}

// RequiredStateKeys lists the keys every domain state must carry.
var RequiredStateKeys = []string{"phase", "turnNumber", "activePlayerId", "players", "publicZones"}

// Clone returns a deep copy made through the JSON wire format, so the copy
// shares no maps or slices with the receiver.
func (s *GameState) Clone() (*GameState, error) {
	if s == nil {
		return nil, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("ugc: clone state: %w", err)
	}
	var out GameState
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("ugc: clone state: %w", err)
	}
	return &out, nil
}

// Command is a player intent sent from the view or an action hook.
type Command struct {
	Type      string   `json:"type"`
	PlayerID  PlayerID `json:"playerId"`
	Payload   any      `json:"payload"`
	Timestamp int64    `json:"timestamp"`
}

// Event is produced by execute and folded into the state by reduce.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
	// SfxKey optionally names a sound the view should play for this event.
	SfxKey            string `json:"sfxKey,omitempty"`
	Timestamp         int64  `json:"timestamp,omitempty"`
	SourceCommandType string `json:"sourceCommandType,omitempty"`
}

// EventKeys lists the keys an event object may carry.
var EventKeys = []string{"type", "payload", "sfxKey", "timestamp", "sourceCommandType"}

// ValidationResult is the outcome of a domain validate call.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// GameOverInfo describes how a match ended.
type GameOverInfo struct {
	Winner  *PlayerID            `json:"winner,omitempty"`
	Winners []PlayerID           `json:"winners,omitempty"`
	Draw    bool                 `json:"draw,omitempty"`
	Scores  map[PlayerID]float64 `json:"scores,omitempty"`
}

// GameOverKeys lists the keys a game-over object may carry.
var GameOverKeys = []string{"winner", "winners", "draw", "scores"}

// Stage names the lifecycle phase a sandboxed call belongs to.
type Stage string

const (
	StageLoad       Stage = "load"
	StageSetup      Stage = "setup"
	StageValidate   Stage = "validate"
	StageExecute    Stage = "execute"
	StageReduce     Stage = "reduce"
	StageIsGameOver Stage = "isGameOver"
	StagePlayerView Stage = "playerView"
	StageHook       Stage = "actionHook"
)

// ErrorType classifies a failed sandboxed call.
type ErrorType string

const (
	ErrorPermission ErrorType = "permission"
	ErrorContract   ErrorType = "contract"
	ErrorTimeout    ErrorType = "timeout"
	ErrorRuntime    ErrorType = "runtime"
	// ErrorSyntax is reported when domain source does not compile.
	ErrorSyntax ErrorType = "syntax"
)

// Package bridge carries game state and commands between the host, which
// owns the domain executor, and an untrusted view that only renders. Both
// sides exchange JSON envelopes over a Transport; only copies of state ever
// cross it.
package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

// SDKVersion is reported to views in the init message.
const SDKVersion = "1.0.0"

// Source tags which side produced an envelope.
type Source string

const (
	SourceHost Source = "ugc-host"
	SourceView Source = "ugc-view"
)

// MessageType names an envelope kind.
type MessageType string

// Host to view.
const (
	TypeInit          MessageType = "init"
	TypeStateUpdate   MessageType = "stateUpdate"
	TypeCommandResult MessageType = "commandResult"
	TypeError         MessageType = "error"
)

// View to host.
const (
	TypeCommand      MessageType = "command"
	TypeStateRequest MessageType = "stateRequest"
	TypePlaySfx      MessageType = "playSfx"
	TypeReady        MessageType = "ready"
)

// Error codes sent in error messages.
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeRuntimeError   = "RUNTIME_ERROR"
	CodeStateError     = "STATE_ERROR"
)

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	ID        string          `json:"id"`
	Source    Source          `json:"source"`
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type InitPayload struct {
	State           *ugc.GameState `json:"state"`
	PlayerIDs       []ugc.PlayerID `json:"playerIds"`
	CurrentPlayerID ugc.PlayerID   `json:"currentPlayerId"`
	PackageID       string         `json:"packageId"`
	SDKVersion      string         `json:"sdkVersion"`
}

type StateUpdatePayload struct {
	State *ugc.GameState `json:"state"`
}

// CommandPayload is what a view sends. PlayerID is accepted on the wire but
// the host always replaces it with the player the bridge is bound to.
type CommandPayload struct {
	RequestID string         `json:"requestId"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	PlayerID  ugc.PlayerID   `json:"playerId,omitempty"`
}

type CommandResultPayload struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PlaySfxPayload struct {
	SfxKey string  `json:"sfxKey"`
	Volume float64 `json:"volume"`
}

// newEnvelope encodes payload into a fresh envelope from src.
func newEnvelope(src Source, typ MessageType, payload any) ([]byte, error) {
	prefix := "host-"
	if src == SourceView {
		prefix = "view-"
	}
	env := Envelope{
		ID:        prefix + uuid.NewString(),
		Source:    src,
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("bridge: encode %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// ParseEnvelope decodes a frame and checks the fields every envelope needs.
// It does not look at the payload.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed frame: %w", err)
	}
	if env.ID == "" {
		return Envelope{}, fmt.Errorf("frame has no id")
	}
	switch env.Source {
	case SourceHost, SourceView:
	default:
		return Envelope{}, fmt.Errorf("unknown source %q", env.Source)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("frame has no type")
	}
	return env, nil
}

// decodePayload strictly decodes an envelope payload into out.
func decodePayload(env Envelope, out any) error {
	if len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")) {
		return fmt.Errorf("%s message has no payload", env.Type)
	}
	dec := json.NewDecoder(bytes.NewReader(env.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	return nil
}

// validateCommand checks a decoded command beyond what JSON typing catches.
func validateCommand(c CommandPayload) error {
	if strings.TrimSpace(c.RequestID) == "" {
		return fmt.Errorf("command needs a requestId")
	}
	if strings.TrimSpace(c.Type) == "" {
		return fmt.Errorf("command needs a type")
	}
	return nil
}

// Sanitize reduces an error to a message safe to show an untrusted view: the
// first line only, so no stack trace crosses the boundary.
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = strings.TrimSpace(msg[:i])
	}
	if msg == "" {
		return "internal error"
	}
	return msg
}

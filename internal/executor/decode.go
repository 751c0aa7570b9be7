package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

// decodeState checks exported data against the state schema and decodes it.
func decodeState(data any) (*ugc.GameState, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("state must be an object, got %s", kindOf(data))
	}
	if err := checkKeys(m, ugc.RequiredStateKeys, ugc.StateKeys, "state"); err != nil {
		return nil, err
	}
	if _, ok := m["phase"].(string); !ok {
		return nil, fmt.Errorf("state.phase must be a string")
	}
	if _, ok := m["activePlayerId"].(string); !ok {
		return nil, fmt.Errorf("state.activePlayerId must be a string")
	}
	for _, k := range []string{"players", "publicZones"} {
		if _, ok := m[k].(map[string]any); !ok {
			return nil, fmt.Errorf("state.%s must be an object", k)
		}
	}
	if g, ok := m["gameOver"]; ok && g == nil {
		delete(m, "gameOver")
	}

	var st ugc.GameState
	if err := strictDecode(m, &st); err != nil {
		return nil, fmt.Errorf("invalid state: %w", err)
	}
	return &st, nil
}

func decodeEvents(data any) ([]ugc.Event, error) {
	list, ok := data.([]any)
	if !ok {
		return nil, fmt.Errorf("execute must return an array of events, got %s", kindOf(data))
	}
	events := make([]ugc.Event, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("event[%d] must be an object, got %s", i, kindOf(item))
		}
		if err := checkKeys(m, []string{"type"}, ugc.EventKeys, fmt.Sprintf("event[%d]", i)); err != nil {
			return nil, err
		}
		typ, ok := m["type"].(string)
		if !ok || typ == "" {
			return nil, fmt.Errorf("event[%d].type must be a non-empty string", i)
		}
		ev := ugc.Event{Type: typ, Payload: m["payload"]}
		for key, dst := range map[string]*string{"sfxKey": &ev.SfxKey, "sourceCommandType": &ev.SourceCommandType} {
			if v, ok := m[key]; ok && v != nil {
				s, ok := v.(string)
				if !ok {
					return nil, fmt.Errorf("event[%d].%s must be a string", i, key)
				}
				*dst = s
			}
		}
		if v, ok := m["timestamp"]; ok && v != nil {
			ts, ok := v.(float64)
			if !ok || ts != math.Trunc(ts) {
				return nil, fmt.Errorf("event[%d].timestamp must be an integer", i)
			}
			ev.Timestamp = int64(ts)
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodeValidation(data any) (ugc.ValidationResult, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return ugc.ValidationResult{}, fmt.Errorf("validate must return an object, got %s", kindOf(data))
	}
	valid, ok := m["valid"].(bool)
	if !ok {
		return ugc.ValidationResult{}, fmt.Errorf("validate result needs a boolean valid field")
	}
	out := ugc.ValidationResult{Valid: valid}
	if e, ok := m["error"]; ok && e != nil {
		s, ok := e.(string)
		if !ok {
			return ugc.ValidationResult{}, fmt.Errorf("validate result error must be a string")
		}
		out.Error = s
	}
	return out, nil
}

func decodeGameOver(data any) (*ugc.GameOverInfo, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case bool:
		if !v {
			return nil, nil
		}
		return nil, fmt.Errorf("isGameOver must return an object, null or false")
	case map[string]any:
		if err := checkKeys(v, nil, ugc.GameOverKeys, "gameOver"); err != nil {
			return nil, err
		}
		var info ugc.GameOverInfo
		if err := strictDecode(v, &info); err != nil {
			return nil, fmt.Errorf("invalid game over info: %w", err)
		}
		return &info, nil
	default:
		return nil, fmt.Errorf("isGameOver must return an object, got %s", kindOf(data))
	}
}

// stateMap turns a typed state back into plain data so partial views can be
// merged over it.
func stateMap(st *ugc.GameState) (map[string]any, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func checkKeys(m map[string]any, required, allowed []string, label string) error {
	for _, k := range required {
		if _, ok := m[k]; !ok {
			return fmt.Errorf("%s is missing required key %q", label, k)
		}
	}
	allow := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		allow[k] = true
	}
	var unknown []string
	for k := range m {
		if !allow[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%s has unknown keys %q", label, unknown)
	}
	return nil
}

func strictDecode(data any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}

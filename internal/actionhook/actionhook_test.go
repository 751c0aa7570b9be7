package actionhook

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

type sentCommand struct {
	Type   string
	Params map[string]any
}

type fakeSender struct {
	sent []sentCommand
	err  error
}

func (f *fakeSender) SendCommand(commandType string, params map[string]any) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentCommand{Type: commandType, Params: params})
	return fmt.Sprintf("req-%d", len(f.sent)), nil
}

func newTestExecutor() *Executor {
	return New(Config{Timeout: time.Second, Logger: log.New(io.Discard, "", 0)})
}

func testParams(hook string, sdk CommandSender) Params {
	p := Params{
		Action: Action{ID: "pass", Label: "Pass", Scope: ScopeCurrentPlayer, HookCode: hook},
		Context: Context{
			ComponentID:     "hand-1",
			ComponentType:   "hand",
			CurrentPlayerID: "p1",
			PlayerIDs:       []ugc.PlayerID{"p1", "p2"},
		},
		State: &ugc.GameState{
			Phase:          "play",
			TurnNumber:     3,
			ActivePlayerID: "p1",
			Players:        map[ugc.PlayerID]ugc.PlayerState{"p1": {}, "p2": {}},
			PublicZones:    map[string]any{},
		},
	}
	if sdk != nil {
		p.SDK = sdk
	}
	return p
}

func TestExecuteReturnsEnrichedCommand(t *testing.T) {
	sdk := &fakeSender{}
	res := newTestExecutor().Execute(testParams(
		`(payload) => ({ type: 'PASS', payload: { componentId: payload.context.componentId, turn: payload.state.turnNumber } })`,
		sdk,
	))
	if !res.Success {
		t.Fatalf("Execute failed: %s (%s)", res.Error, res.ErrorType)
	}
	if res.CommandID != "req-1" {
		t.Errorf("CommandID = %q, want req-1", res.CommandID)
	}
	if len(sdk.sent) != 1 {
		t.Fatalf("sent %d commands, want 1", len(sdk.sent))
	}
	got := sdk.sent[0]
	if got.Type != "PASS" {
		t.Errorf("type = %q", got.Type)
	}
	want := map[string]any{
		"actionId":      "pass",
		"actionLabel":   "Pass",
		"componentId":   "hand-1",
		"componentType": "hand",
		"turn":          float64(3),
	}
	for k, v := range want {
		if got.Params[k] != v {
			t.Errorf("params[%s] = %v, want %v", k, got.Params[k], v)
		}
	}
}

func TestExecuteArraySendsInOrder(t *testing.T) {
	sdk := &fakeSender{}
	res := newTestExecutor().Execute(testParams(
		`function (p) { return [{ type: 'DRAW_CARD', payload: { count: 2 } }, { type: 'END_TURN' }]; }`,
		sdk,
	))
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Error)
	}
	if len(sdk.sent) != 2 || sdk.sent[0].Type != "DRAW_CARD" || sdk.sent[1].Type != "END_TURN" {
		t.Fatalf("sent = %+v", sdk.sent)
	}
	if res.CommandID != "req-1" {
		t.Errorf("CommandID = %q, want first id", res.CommandID)
	}
	if sdk.sent[1].Params["actionId"] != "pass" {
		t.Errorf("second command not enriched: %v", sdk.sent[1].Params)
	}
}

func TestExecuteAsyncHook(t *testing.T) {
	sdk := &fakeSender{}
	res := newTestExecutor().Execute(testParams(
		`async (p) => { const n = await Promise.resolve(4); return { type: 'PLAY', payload: { n } }; }`,
		sdk,
	))
	if !res.Success {
		t.Fatalf("Execute failed: %s (%s)", res.Error, res.ErrorType)
	}
	if len(sdk.sent) != 1 || sdk.sent[0].Params["n"] != float64(4) {
		t.Fatalf("sent = %+v", sdk.sent)
	}
}

func TestExecuteRejectedPromise(t *testing.T) {
	sdk := &fakeSender{}
	res := newTestExecutor().Execute(testParams(`async () => { throw new Error('nope'); }`, sdk))
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorType != ugc.ErrorRuntime || res.Error != "Error: nope" {
		t.Errorf("got %q (%s)", res.Error, res.ErrorType)
	}
	if len(sdk.sent) != 0 {
		t.Errorf("sent %d commands", len(sdk.sent))
	}
}

func TestExecuteNothingReturned(t *testing.T) {
	for _, hook := range []string{`() => {}`, `() => null`, `() => undefined`} {
		sdk := &fakeSender{}
		res := newTestExecutor().Execute(testParams(hook, sdk))
		if !res.Success || res.CommandID != "" || len(sdk.sent) != 0 {
			t.Errorf("%s: got %+v, sent %d", hook, res, len(sdk.sent))
		}
	}
}

func TestExecuteContractFailures(t *testing.T) {
	tests := []struct {
		name string
		hook string
	}{
		{"empty", "   "},
		{"not a function", `42`},
		{"syntax", `(p) => {`},
		{"statement", `const x = 1; x`},
		{"comma expression", `(globalThis.ran = 1), () => null`},
		{"called function", `(() => () => null)()`},
		{"two functions", `() => null) + (() => null`},
		{"bad return", `() => 'PASS'`},
		{"missing type", `() => ({ payload: {} })`},
		{"array with junk", `() => [{ type: 'A' }, 7]`},
		{"function in payload", `() => ({ type: 'A', payload: { f() {} } })`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sdk := &fakeSender{}
			res := newTestExecutor().Execute(testParams(tt.hook, sdk))
			if res.Success {
				t.Fatal("expected failure")
			}
			if res.ErrorType != ugc.ErrorContract {
				t.Errorf("ErrorType = %s (%s), want contract", res.ErrorType, res.Error)
			}
			if len(sdk.sent) != 0 {
				t.Errorf("sent %d commands", len(sdk.sent))
			}
		})
	}
}

func TestExecuteWithoutSDK(t *testing.T) {
	x := newTestExecutor()

	res := x.Execute(testParams(`() => ({ type: 'PASS' })`, nil))
	if res.Success || res.Error != "SDK unavailable" {
		t.Errorf("returned command: got %+v", res)
	}

	res = x.Execute(testParams(`(p) => { p.sdk.sendCommand('PASS', {}); }`, nil))
	if res.Success || res.Error != "SDK unavailable" {
		t.Errorf("sdk.sendCommand: got %+v", res)
	}

	res = x.Execute(testParams(`() => null`, nil))
	if !res.Success {
		t.Errorf("no command: got %+v", res)
	}
}

func TestExecuteInlineDispatch(t *testing.T) {
	sdk := &fakeSender{}
	res := newTestExecutor().Execute(testParams(`(p) => {
		p.dispatchCommand({ type: 'SELECT_TARGET', payload: { targetId: 'p2' } });
		p.sdk.sendCommand('RAW', { n: 1 });
		return { type: 'END_TURN' };
	}`, sdk))
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Error)
	}
	if len(sdk.sent) != 3 {
		t.Fatalf("sent = %+v", sdk.sent)
	}
	if sdk.sent[0].Params["actionId"] != "pass" || sdk.sent[0].Params["targetId"] != "p2" {
		t.Errorf("dispatchCommand params = %v", sdk.sent[0].Params)
	}
	raw := sdk.sent[1]
	if raw.Type != "RAW" || raw.Params["n"] != float64(1) {
		t.Errorf("sendCommand = %+v", raw)
	}
	if _, ok := raw.Params["actionId"]; ok {
		t.Error("sdk.sendCommand params should not be enriched")
	}
	if sdk.sent[2].Type != "END_TURN" {
		t.Errorf("returned command sent as %q", sdk.sent[2].Type)
	}
	if res.CommandID != "req-1" {
		t.Errorf("CommandID = %q", res.CommandID)
	}
}

func TestExecuteInlineDispatchDroppedOnFailure(t *testing.T) {
	tests := []struct {
		name string
		hook string
		want ugc.ErrorType
	}{
		{"throws", `(p) => { p.dispatchCommand({ type: 'PASS' }); throw new Error('late'); }`, ugc.ErrorRuntime},
		{"times out", `(p) => { p.sdk.sendCommand('PASS', {}); for (;;) {} }`, ugc.ErrorTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sdk := &fakeSender{}
			x := New(Config{Timeout: 50 * time.Millisecond, Logger: log.New(io.Discard, "", 0)})
			res := x.Execute(testParams(tt.hook, sdk))
			if res.Success || res.ErrorType != tt.want {
				t.Fatalf("got %+v", res)
			}
			if len(sdk.sent) != 0 || res.CommandID != "" {
				t.Errorf("failed hook delivered %d commands (id %q)", len(sdk.sent), res.CommandID)
			}
		})
	}
}

// slowSender takes longer to apply a command than the hook timeout allows.
type slowSender struct {
	fakeSender
	delay time.Duration
}

func (s *slowSender) SendCommand(commandType string, params map[string]any) (string, error) {
	time.Sleep(s.delay)
	return s.fakeSender.SendCommand(commandType, params)
}

func TestExecuteSlowSenderIsNotATimeout(t *testing.T) {
	sdk := &slowSender{delay: 300 * time.Millisecond}
	x := New(Config{Timeout: 50 * time.Millisecond, Logger: log.New(io.Discard, "", 0)})
	res := x.Execute(testParams(`(p) => { p.dispatchCommand({ type: 'PASS' }); }`, sdk))
	if !res.Success {
		t.Fatalf("got %+v", res)
	}
	if len(sdk.sent) != 1 || res.CommandID != "req-1" {
		t.Errorf("sent %d, CommandID %q", len(sdk.sent), res.CommandID)
	}
}

func TestExecuteSenderError(t *testing.T) {
	sdk := &fakeSender{err: errors.New("bridge closed")}
	res := newTestExecutor().Execute(testParams(`() => ({ type: 'PASS' })`, sdk))
	if res.Success || res.ErrorType != ugc.ErrorRuntime || res.Error != "bridge closed" {
		t.Errorf("got %+v", res)
	}
}

func TestExecuteGuarded(t *testing.T) {
	sdk := &fakeSender{}
	res := newTestExecutor().Execute(testParams(`() => ({ type: 'ROLL', payload: { v: Math.random() } })`, sdk))
	if res.Success || res.ErrorType != ugc.ErrorPermission {
		t.Fatalf("got %+v", res)
	}
	if !strings.Contains(res.Error, "Math.random") {
		t.Errorf("Error = %q", res.Error)
	}
	if len(sdk.sent) != 0 {
		t.Errorf("sent %d commands", len(sdk.sent))
	}
}

func TestExecuteTimeout(t *testing.T) {
	x := New(Config{Timeout: 50 * time.Millisecond, Logger: log.New(io.Discard, "", 0)})
	res := x.Execute(testParams(`() => { for (;;) {} }`, &fakeSender{}))
	if res.Success || res.ErrorType != ugc.ErrorTimeout {
		t.Fatalf("got %+v", res)
	}
	if res.Error != "hook exceeded 50ms" {
		t.Errorf("Error = %q", res.Error)
	}

	res = x.Execute(testParams(`() => null`, &fakeSender{}))
	if !res.Success {
		t.Errorf("executor unusable after timeout: %+v", res)
	}
}

func TestExecuteDoesNotMutateState(t *testing.T) {
	p := testParams(`(p) => { p.state.phase = 'hacked'; p.context.playerIds.push('p9'); }`, &fakeSender{})
	res := newTestExecutor().Execute(p)
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Error)
	}
	if p.State.Phase != "play" || len(p.Context.PlayerIDs) != 2 {
		t.Errorf("inputs mutated: %+v %+v", p.State, p.Context)
	}
}

func TestGetVisibleActions(t *testing.T) {
	actions := []Action{
		{ID: "play", Scope: ScopeCurrentPlayer},
		{ID: "chat", Scope: ScopeAll},
		{ID: "pass"},
	}
	ids := func(as []Action) string {
		out := make([]string, len(as))
		for i, a := range as {
			out[i] = a.ID
		}
		return strings.Join(out, ",")
	}

	tests := []struct {
		name    string
		allow   bool
		current bool
		want    string
	}{
		{"disabled", false, true, ""},
		{"current player", true, true, "play,chat,pass"},
		{"other player", true, false, "chat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetVisibleActions(actions, tt.allow, tt.current)
			if got == nil {
				t.Fatal("want empty slice, got nil")
			}
			if ids(got) != tt.want {
				t.Errorf("got %q, want %q", ids(got), tt.want)
			}
		})
	}
}

package match

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/MJE43/ugc-runtime-go/internal/actionhook"
	"github.com/MJE43/ugc-runtime-go/internal/bridge"
	"github.com/MJE43/ugc-runtime-go/internal/executor"
	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

var threePlayers = []ugc.PlayerID{"p1", "p2", "p3"}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func doudizhuSource(t *testing.T) string {
	t.Helper()
	src, err := os.ReadFile("../../testdata/domains/doudizhu.js")
	if err != nil {
		t.Fatalf("read domain: %v", err)
	}
	return string(src)
}

func newMatch(t *testing.T, seed int64) *Match {
	t.Helper()
	m, err := New(Config{
		ID:        "m-test",
		PackageID: "pkg-doudizhu",
		Source:    doudizhuSource(t),
		PlayerIDs: threePlayers,
		Seed:      seed,
		Executor:  executor.Config{CallTimeout: time.Second},
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func hand(t *testing.T, st *ugc.GameState, player ugc.PlayerID) []any {
	t.Helper()
	hands, ok := st.PublicZones["hands"].(map[string]any)
	if !ok {
		t.Fatalf("publicZones.hands = %T", st.PublicZones["hands"])
	}
	cards, _ := hands[string(player)].([]any)
	return cards
}

func firstCardID(t *testing.T, st *ugc.GameState, player ugc.PlayerID) string {
	t.Helper()
	cards := hand(t, st, player)
	if len(cards) == 0 {
		t.Fatalf("%s has no cards", player)
	}
	return cards[0].(map[string]any)["id"].(string)
}

func playFirstCard(t *testing.T, m *Match, player ugc.PlayerID) *Outcome {
	t.Helper()
	st, err := m.State()
	if err != nil {
		t.Fatal(err)
	}
	out, err := m.HandleCommand(context.Background(), ugc.Command{
		Type:     "PLAY_CARD",
		PlayerID: player,
		Payload:  map[string]any{"cardIds": []any{firstCardID(t, st, player)}},
	})
	if err != nil {
		t.Fatalf("PLAY_CARD by %s: %v", player, err)
	}
	return out
}

func pass(t *testing.T, m *Match, player ugc.PlayerID) *Outcome {
	t.Helper()
	out, err := m.HandleCommand(context.Background(), ugc.Command{Type: "PASS", PlayerID: player})
	if err != nil {
		t.Fatalf("PASS by %s: %v", player, err)
	}
	return out
}

func TestTurnRotation(t *testing.T) {
	m := newMatch(t, 42)

	st, err := m.State()
	if err != nil {
		t.Fatal(err)
	}
	if st.ActivePlayerID != "p1" || len(hand(t, st, "p1")) != 20 || len(hand(t, st, "p2")) != 17 {
		t.Fatalf("setup: active=%s hands=%d/%d", st.ActivePlayerID, len(hand(t, st, "p1")), len(hand(t, st, "p2")))
	}

	out := playFirstCard(t, m, "p1")
	if len(out.Events) != 1 || out.Events[0].Type != "PLAYED" || out.Events[0].SfxKey != "card" {
		t.Errorf("events = %+v", out.Events)
	}
	if out.State.ActivePlayerID != "p2" {
		t.Errorf("after play active = %s", out.State.ActivePlayerID)
	}
	pass(t, m, "p2")
	out = pass(t, m, "p3")

	if out.State.ActivePlayerID != "p1" {
		t.Errorf("active = %s, want p1", out.State.ActivePlayerID)
	}
	if out.State.PublicZones["lastPlay"] != nil {
		t.Errorf("lastPlay = %v, want nil", out.State.PublicZones["lastPlay"])
	}
	if out.State.TurnNumber != 2 {
		t.Errorf("turnNumber = %d, want 2", out.State.TurnNumber)
	}
}

func TestRejectedCommandLeavesStateAlone(t *testing.T) {
	m := newMatch(t, 1)
	before, _ := m.State()

	_, err := m.HandleCommand(context.Background(), ugc.Command{Type: "PASS", PlayerID: "p2"})
	var rej *RejectedError
	if !errors.As(err, &rej) || rej.Reason != "not your turn" {
		t.Fatalf("err = %v, want rejection", err)
	}
	_, err = m.HandleCommand(context.Background(), ugc.Command{Type: "PASS", PlayerID: "p9"})
	if !errors.Is(err, ErrUnknownPlayer) {
		t.Errorf("err = %v, want ErrUnknownPlayer", err)
	}

	after, _ := m.State()
	if !reflect.DeepEqual(before, after) {
		t.Error("state changed after rejected commands")
	}
}

func TestMatchesAreReproducible(t *testing.T) {
	a, b := newMatch(t, 7), newMatch(t, 7)
	for _, m := range []*Match{a, b} {
		playFirstCard(t, m, "p1")
		pass(t, m, "p2")
	}
	sa, _ := a.State()
	sb, _ := b.State()
	if !reflect.DeepEqual(sa, sb) {
		t.Error("same seed and commands produced different states")
	}

	c := newMatch(t, 8)
	sc, _ := c.State()
	if reflect.DeepEqual(hand(t, sa, "p2"), hand(t, sc, "p2")) {
		t.Error("different seeds dealt identical hands")
	}
}

func TestViewRedactsOtherHands(t *testing.T) {
	m := newMatch(t, 3)
	v, err := m.View("p2")
	if err != nil {
		t.Fatal(err)
	}
	if len(hand(t, v, "p1")) != 0 || len(hand(t, v, "p2")) != 17 {
		t.Errorf("p2 view hands: p1=%d p2=%d", len(hand(t, v, "p1")), len(hand(t, v, "p2")))
	}
	if _, err := m.View("nobody"); !errors.Is(err, ErrUnknownPlayer) {
		t.Errorf("err = %v", err)
	}
}

const quickGame = `const domain = {
  gameId: 'quick',
  setup(ids) { return { phase: 'play', turnNumber: 1, activePlayerId: ids[0], players: {}, publicZones: { moves: 0 } }; },
  validate() { return { valid: true }; },
  execute(state, cmd) { return [{ type: 'MOVED', payload: { by: cmd.playerId } }]; },
  reduce(state, ev) { return Object.assign({}, state, { publicZones: { moves: state.publicZones.moves + 1 } }); },
  isGameOver(state) { return state.publicZones.moves >= 2 ? { winner: 'a', scores: { a: 2, b: 0 } } : null; },
};`

func TestGameOverStopsCommands(t *testing.T) {
	m, err := New(Config{Source: quickGame, PlayerIDs: []ugc.PlayerID{"a", "b"}, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := m.HandleCommand(ctx, ugc.Command{Type: "MOVE", PlayerID: "a"}); err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
	}
	st, _ := m.State()
	if st.GameOver == nil || st.GameOver.Winner == nil || *st.GameOver.Winner != "a" || st.GameOver.Scores["a"] != 2 {
		t.Fatalf("gameOver = %+v", st.GameOver)
	}
	if _, err := m.HandleCommand(ctx, ugc.Command{Type: "MOVE", PlayerID: "b"}); !errors.Is(err, ErrGameOver) {
		t.Errorf("err = %v, want ErrGameOver", err)
	}
}

func TestNewFailsOnBadDomain(t *testing.T) {
	_, err := New(Config{Source: "const domain = {", PlayerIDs: threePlayers, Logger: quietLogger()})
	if !errors.Is(err, executor.ErrSyntax) {
		t.Errorf("err = %v, want syntax error", err)
	}
	_, err = New(Config{Source: doudizhuSource(t), Logger: quietLogger()})
	if !errors.Is(err, executor.ErrContract) {
		t.Errorf("no players: err = %v, want contract error", err)
	}
}

func attachView(t *testing.T, m *Match, player ugc.PlayerID, updates chan *ugc.GameState) *bridge.ViewSDK {
	t.Helper()
	hostEnd, viewEnd := bridge.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Serve(ctx, player, hostEnd)
	}()
	v := bridge.NewViewSDK(viewEnd, bridge.ViewConfig{
		AutoStart:     true,
		ReadyInterval: 20 * time.Millisecond,
		OnStateUpdate: func(st *ugc.GameState) {
			if updates != nil {
				updates <- st
			}
		},
		Logger: quietLogger(),
	})
	t.Cleanup(func() {
		v.Stop()
		cancel()
		viewEnd.Close()
		<-done
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := v.WaitReady(waitCtx); err != nil {
		t.Fatalf("WaitReady %s: %v", player, err)
	}
	return v
}

func TestBridgesReceivePerViewerState(t *testing.T) {
	m := newMatch(t, 11)
	p1Updates := make(chan *ugc.GameState, 8)
	p2Updates := make(chan *ugc.GameState, 8)
	v1 := attachView(t, m, "p1", p1Updates)
	attachView(t, m, "p2", p2Updates)

	if got := len(hand(t, v1.State(), "p2")); got != 0 {
		t.Errorf("p1 init sees %d of p2's cards", got)
	}
	if m.Viewers() != 2 {
		t.Errorf("Viewers = %d", m.Viewers())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cardID := firstCardID(t, v1.State(), "p1")
	res, err := v1.SendCommandWait(ctx, "PLAY_CARD", map[string]any{"cardIds": []string{cardID}})
	if err != nil || !res.Success {
		t.Fatalf("PLAY_CARD = %+v, %v", res, err)
	}

	for name, ch := range map[string]chan *ugc.GameState{"p1": p1Updates, "p2": p2Updates} {
		select {
		case st := <-ch:
			if st.ActivePlayerID != "p2" {
				t.Errorf("%s update active = %s", name, st.ActivePlayerID)
			}
			mine, other := hand(t, st, ugc.PlayerID(name)), hand(t, st, "p1")
			if name == "p1" && len(mine) != 19 {
				t.Errorf("p1 sees %d own cards, want 19", len(mine))
			}
			if name == "p2" && (len(mine) != 17 || len(other) != 0) {
				t.Errorf("p2 sees own=%d p1=%d", len(mine), len(other))
			}
		case <-ctx.Done():
			t.Fatalf("%s got no stateUpdate", name)
		}
	}

	res, err = v1.SendCommandWait(ctx, "PASS", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Error != "not your turn" {
		t.Errorf("out-of-turn PASS = %+v", res)
	}
}

func TestRunAction(t *testing.T) {
	m := newMatch(t, 5)
	hooks := actionhook.New(actionhook.Config{Timeout: time.Second, Logger: quietLogger()})
	playFirstCard(t, m, "p1")

	passAction := actionhook.Action{
		ID:       "pass",
		Label:    "Pass",
		Scope:    actionhook.ScopeCurrentPlayer,
		HookCode: `(payload) => ({ type: 'PASS', payload: { componentId: payload.context.componentId } })`,
	}
	hctx := actionhook.Context{ComponentID: "hand-p2", ComponentType: "hand"}

	if _, err := m.RunAction(context.Background(), hooks, "p3", passAction, hctx); err == nil {
		t.Error("p3 ran a current-player action out of turn")
	}

	res, err := m.RunAction(context.Background(), hooks, "p2", passAction, hctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.CommandID == "" {
		t.Fatalf("result = %+v", res)
	}
	st, _ := m.State()
	if st.ActivePlayerID != "p3" || st.PublicZones["passCount"] != float64(1) {
		t.Errorf("after hook: active=%s passCount=%v", st.ActivePlayerID, st.PublicZones["passCount"])
	}

	visible := m.VisibleActions("p3", []actionhook.Action{passAction, {ID: "chat", Scope: actionhook.ScopeAll}}, true)
	if len(visible) != 2 {
		t.Errorf("p3 visible = %d, want 2", len(visible))
	}
	if got := m.VisibleActions("p1", []actionhook.Action{passAction}, true); len(got) != 0 {
		t.Errorf("p1 visible = %+v", got)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(quietLogger())
	defer r.Close()

	m, err := r.Create(Config{PackageID: "pkg", Source: doudizhuSource(t), PlayerIDs: threePlayers})
	if err != nil {
		t.Fatal(err)
	}
	if m.ID() == "" || m.GameID() != "doudizhu" {
		t.Errorf("id=%q game=%q", m.ID(), m.GameID())
	}
	if got, ok := r.Get(m.ID()); !ok || got != m {
		t.Fatal("Get did not return the created match")
	}
	if len(r.List()) != 1 {
		t.Errorf("List = %d", len(r.List()))
	}
	if stats := r.Stats(); stats[ugc.StageSetup].Calls != 1 {
		t.Errorf("setup calls = %d", stats[ugc.StageSetup].Calls)
	}

	if !r.Remove(m.ID()) {
		t.Fatal("Remove reported unknown id")
	}
	if r.Remove(m.ID()) {
		t.Error("second Remove succeeded")
	}
	if _, err := m.State(); !errors.Is(err, ErrClosed) {
		t.Errorf("State after remove: %v", err)
	}
	if m.Executor().State() != executor.StateUnloaded {
		t.Error("executor still loaded after remove")
	}
}

func TestOnCommitSeesAcceptedCommandsOnly(t *testing.T) {
	var seen []ugc.Command
	m, err := New(Config{
		Source:    doudizhuSource(t),
		PlayerIDs: threePlayers,
		Seed:      2,
		Logger:    quietLogger(),
		OnCommit: func(cmd ugc.Command, events []ugc.Event, st *ugc.GameState) {
			if len(events) != 1 || st.ActivePlayerID == cmd.PlayerID {
				t.Errorf("commit %s: events=%d active=%s", cmd.Type, len(events), st.ActivePlayerID)
			}
			seen = append(seen, cmd)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	m.HandleCommand(context.Background(), ugc.Command{Type: "PASS", PlayerID: "p1"})
	playFirstCard(t, m, "p1")
	pass(t, m, "p2")

	if len(seen) != 2 || seen[0].Type != "PLAY_CARD" || seen[1].Type != "PASS" {
		t.Fatalf("seen = %+v", seen)
	}
	if seen[0].Timestamp == 0 {
		t.Error("committed command has no timestamp")
	}
}

func TestRegistryRejectsDuplicateID(t *testing.T) {
	r := NewRegistry(quietLogger())
	defer r.Close()

	cfg := Config{ID: "fixed", Source: doudizhuSource(t), PlayerIDs: threePlayers}
	if _, err := r.Create(cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create(cfg); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("err = %v, want ErrDuplicateID", err)
	}
}

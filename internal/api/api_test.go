package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MJE43/ugc-runtime-go/internal/actionhook"
	"github.com/MJE43/ugc-runtime-go/internal/bridge"
	"github.com/MJE43/ugc-runtime-go/internal/executor"
	"github.com/MJE43/ugc-runtime-go/internal/match"
	"github.com/MJE43/ugc-runtime-go/internal/pkgstore"
	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

const testToken = "test-token"

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestServer(t *testing.T, token string) *Server {
	t.Helper()
	store, err := pkgstore.New(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("pkgstore.New: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	s := NewServer(store, match.NewRegistry(quietLogger()), Options{
		Token:          token,
		Executor:       executor.Config{CallTimeout: time.Second},
		HookTimeout:    time.Second,
		Logger:         quietLogger(),
		SecurityLogger: quietLogger(),
	})
	t.Cleanup(func() {
		s.Shutdown(context.Background())
		store.Close()
	})
	return s
}

func doudizhuSource(t *testing.T) string {
	t.Helper()
	src, err := os.ReadFile("../../testdata/domains/doudizhu.js")
	if err != nil {
		t.Fatalf("read domain: %v", err)
	}
	return string(src)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, testToken)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %T: %v", v, err)
	}
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	return decode[map[string]APIError](t, w)["error"]
}

func createPackage(t *testing.T, h http.Handler, src string) pkgstore.Package {
	t.Helper()
	w := do(t, h, http.MethodPost, "/api/v1/packages", packageRequest{Name: "Dou Dizhu", Source: src})
	if w.Code != http.StatusCreated {
		t.Fatalf("create package: %d %s", w.Code, w.Body.String())
	}
	return decode[pkgstore.Package](t, w)
}

func createMatch(t *testing.T, h http.Handler, pkgID string, seed int64) createMatchResponse {
	t.Helper()
	w := do(t, h, http.MethodPost, "/api/v1/matches", createMatchRequest{
		PackageID: pkgID,
		PlayerIDs: []ugc.PlayerID{"p1", "p2", "p3"},
		Seed:      &seed,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create match: %d %s", w.Code, w.Body.String())
	}
	return decode[createMatchResponse](t, w)
}

func hand(st *ugc.GameState, player ugc.PlayerID) []any {
	hands, _ := st.PublicZones["hands"].(map[string]any)
	cards, _ := hands[string(player)].([]any)
	return cards
}

func firstCard(t *testing.T, st *ugc.GameState, player ugc.PlayerID) string {
	t.Helper()
	cards := hand(st, player)
	if len(cards) == 0 {
		t.Fatalf("%s has no cards", player)
	}
	return cards[0].(map[string]any)["id"].(string)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, "")

	w := do(t, s.Routes(), http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[HealthCheckResponse](t, w)
	if resp.Status != HealthStatusHealthy {
		t.Errorf("status = %s, checks = %+v", resp.Status, resp.Checks)
	}
	if resp.Checks["database"].Status != HealthStatusHealthy {
		t.Errorf("database check = %+v", resp.Checks["database"])
	}
	if resp.Version.Version == "" {
		t.Error("missing version")
	}
}

func TestPackageLifecycle(t *testing.T) {
	s := newTestServer(t, "")
	h := s.Routes()

	p := createPackage(t, h, doudizhuSource(t))
	if p.GameID != "doudizhu" || p.ID == "" || p.Source != "" {
		t.Fatalf("created = %+v", p)
	}

	w := do(t, h, http.MethodGet, "/api/v1/packages/"+p.ID, nil)
	if got := decode[pkgstore.Package](t, w); got.Source == "" {
		t.Error("get package omitted the source")
	}

	w = do(t, h, http.MethodGet, "/api/v1/packages?limit=10", nil)
	list := decode[packageList](t, w)
	if list.Total != 1 || len(list.Packages) != 1 {
		t.Errorf("list = %+v", list)
	}

	w = do(t, h, http.MethodPut, "/api/v1/packages/"+p.ID, packageRequest{Name: "Renamed", Source: doudizhuSource(t)})
	if w.Code != http.StatusOK || decode[pkgstore.Package](t, w).Name != "Renamed" {
		t.Errorf("update: %d", w.Code)
	}

	w = do(t, h, http.MethodPost, "/api/v1/packages", packageRequest{ID: p.ID, Name: "Again", Source: doudizhuSource(t)})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate id: %d", w.Code)
	}

	w = do(t, h, http.MethodDelete, "/api/v1/packages/"+p.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete: %d", w.Code)
	}
	w = do(t, h, http.MethodGet, "/api/v1/packages/"+p.ID, nil)
	if w.Code != http.StatusNotFound || errorCode(t, w).Code != CodeNotFound {
		t.Errorf("after delete: %d", w.Code)
	}
}

func TestPackageValidation(t *testing.T) {
	s := newTestServer(t, "")
	h := s.Routes()

	tests := []struct {
		name      string
		body      any
		status    int
		code      string
		errorType string
	}{
		{"missing name", packageRequest{Source: "const domain = {};"}, http.StatusUnprocessableEntity, CodeValidation, ""},
		{"missing source", packageRequest{Name: "x"}, http.StatusUnprocessableEntity, CodeValidation, ""},
		{"unknown field", map[string]any{"name": "x", "source": "y", "extra": 1}, http.StatusUnprocessableEntity, CodeValidation, ""},
		{"syntax error", packageRequest{Name: "x", Source: "const domain = {"}, http.StatusUnprocessableEntity, CodeDomain, "syntax"},
		{"no domain", packageRequest{Name: "x", Source: "const other = 1;"}, http.StatusUnprocessableEntity, CodeDomain, "contract"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/v1/packages", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.status, w.Body.String())
			}
			if got := w.Header().Get("X-Error-Code"); got != tt.code {
				t.Errorf("X-Error-Code = %q, want %q", got, tt.code)
			}
			e := errorCode(t, w)
			if e.ErrorType != tt.errorType {
				t.Errorf("errorType = %q, want %q", e.ErrorType, tt.errorType)
			}
			if e.RequestID == "" {
				t.Error("missing request id")
			}
		})
	}
}

func TestTokenRequired(t *testing.T) {
	s := newTestServer(t, testToken)
	h := s.Routes()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/packages", strings.NewReader(`{"name":"x","source":"y"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized || w.Header().Get("X-Error-Code") != CodeUnauthorized {
		t.Errorf("no token: %d %s", w.Code, w.Header().Get("X-Error-Code"))
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/packages", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("read without token: %d", w.Code)
	}

	createPackage(t, h, doudizhuSource(t))
}

func TestMatchFlow(t *testing.T) {
	s := newTestServer(t, testToken)
	h := s.Routes()
	p := createPackage(t, h, doudizhuSource(t))
	created := createMatch(t, h, p.ID, 42)

	if created.GameID != "doudizhu" || created.Seed != 42 || created.State.ActivePlayerID != "p1" {
		t.Fatalf("created = %+v", created.matchSummary)
	}
	base := "/api/v1/matches/" + created.ID

	w := do(t, h, http.MethodGet, base+"/state?player=p2", nil)
	view := decode[ugc.GameState](t, w)
	if len(hand(&view, "p1")) != 0 || len(hand(&view, "p2")) != 17 {
		t.Errorf("p2 view hands: p1=%d p2=%d", len(hand(&view, "p1")), len(hand(&view, "p2")))
	}

	w = do(t, h, http.MethodPost, base+"/commands", commandRequest{
		PlayerID: "p1",
		Type:     "PLAY_CARD",
		Payload:  map[string]any{"cardIds": []string{firstCard(t, created.State, "p1")}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("PLAY_CARD: %d %s", w.Code, w.Body.String())
	}
	out := decode[match.Outcome](t, w)
	if len(out.Events) != 1 || out.State.ActivePlayerID != "p2" {
		t.Errorf("outcome = %+v", out)
	}

	tests := []struct {
		name   string
		body   commandRequest
		status int
		code   string
	}{
		{"out of turn", commandRequest{PlayerID: "p3", Type: "PASS"}, http.StatusConflict, CodeRejected},
		{"unknown player", commandRequest{PlayerID: "p9", Type: "PASS"}, http.StatusForbidden, CodeValidation},
		{"missing type", commandRequest{PlayerID: "p2"}, http.StatusUnprocessableEntity, CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, base+"/commands", tt.body)
			if w.Code != tt.status || errorCode(t, w).Code != tt.code {
				t.Errorf("got %d %s", w.Code, w.Body.String())
			}
		})
	}

	w = do(t, h, http.MethodGet, "/api/v1/matches", nil)
	if list := decode[map[string][]matchSummary](t, w)["matches"]; len(list) != 1 || list[0].TurnNumber != out.State.TurnNumber {
		t.Errorf("matches = %+v", list)
	}

	w = do(t, h, http.MethodDelete, "/api/v1/packages/"+p.ID, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("delete package with live match: %d", w.Code)
	}

	w = do(t, h, http.MethodDelete, base, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete match: %d", w.Code)
	}
	if w = do(t, h, http.MethodGet, base, nil); w.Code != http.StatusNotFound {
		t.Errorf("deleted match: %d", w.Code)
	}
	if w = do(t, h, http.MethodDelete, "/api/v1/packages/"+p.ID, nil); w.Code != http.StatusNoContent {
		t.Errorf("delete package after match ended: %d", w.Code)
	}
}

func TestActionEndpoints(t *testing.T) {
	s := newTestServer(t, "")
	h := s.Routes()
	p := createPackage(t, h, doudizhuSource(t))
	created := createMatch(t, h, p.ID, 7)
	base := "/api/v1/matches/" + created.ID

	passAction := actionhook.Action{
		ID:       "pass",
		Label:    "Pass",
		Scope:    actionhook.ScopeCurrentPlayer,
		HookCode: `() => ({ type: 'PASS' })`,
	}

	w := do(t, h, http.MethodPost, base+"/actions/visible", visibleActionsRequest{PlayerID: "p2", Actions: []actionhook.Action{passAction}})
	if got := decode[map[string][]actionhook.Action](t, w)["actions"]; len(got) != 0 {
		t.Errorf("p2 sees %+v before its turn", got)
	}

	w = do(t, h, http.MethodPost, base+"/actions", actionRequest{PlayerID: "p2", Action: passAction})
	if w.Code != http.StatusForbidden {
		t.Errorf("out of turn action: %d", w.Code)
	}

	w = do(t, h, http.MethodPost, base+"/commands", commandRequest{
		PlayerID: "p1",
		Type:     "PLAY_CARD",
		Payload:  map[string]any{"cardIds": []string{firstCard(t, created.State, "p1")}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("PLAY_CARD: %d", w.Code)
	}

	w = do(t, h, http.MethodPost, base+"/actions", actionRequest{
		PlayerID: "p2",
		Action:   passAction,
		Context:  actionhook.Context{ComponentID: "hand", ComponentType: "hand"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("action: %d %s", w.Code, w.Body.String())
	}
	if res := decode[actionhook.Result](t, w); !res.Success || res.CommandID == "" {
		t.Errorf("result = %+v", res)
	}

	w = do(t, h, http.MethodGet, base, nil)
	if sum := decode[matchSummary](t, w); sum.ActivePlayerID != "p3" {
		t.Errorf("active = %s, want p3", sum.ActivePlayerID)
	}
}

func TestViewOverWebSocket(t *testing.T) {
	s := newTestServer(t, "")
	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	p := createPackage(t, ts.Config.Handler, doudizhuSource(t))
	created := createMatch(t, ts.Config.Handler, p.ID, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/matches/" + created.ID + "/view?player=p1"
	tr, err := bridge.DialWebSocket(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()

	updates := make(chan *ugc.GameState, 4)
	v := bridge.NewViewSDK(tr, bridge.ViewConfig{
		AutoStart:     true,
		ReadyInterval: 20 * time.Millisecond,
		OnStateUpdate: func(st *ugc.GameState) { updates <- st },
		Logger:        quietLogger(),
	})
	defer v.Stop()

	if err := v.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if v.CurrentPlayerID() != "p1" || len(hand(v.State(), "p2")) != 0 {
		t.Fatalf("init: player=%s p2 cards=%d", v.CurrentPlayerID(), len(hand(v.State(), "p2")))
	}

	res, err := v.SendCommandWait(ctx, "PLAY_CARD", map[string]any{"cardIds": []string{firstCard(t, v.State(), "p1")}})
	if err != nil || !res.Success {
		t.Fatalf("PLAY_CARD = %+v, %v", res, err)
	}
	select {
	case st := <-updates:
		if st.ActivePlayerID != "p2" {
			t.Errorf("update active = %s", st.ActivePlayerID)
		}
	case <-ctx.Done():
		t.Fatal("no stateUpdate")
	}

	w := do(t, ts.Config.Handler, http.MethodGet, "/metrics", nil)
	metrics := decode[MetricsResponse](t, w)
	if metrics.Matches != 1 || metrics.Viewers != 1 {
		t.Errorf("metrics matches=%d viewers=%d", metrics.Matches, metrics.Viewers)
	}
	if metrics.Stages[ugc.StageExecute].Calls != 1 {
		t.Errorf("execute calls = %d", metrics.Stages[ugc.StageExecute].Calls)
	}

	w = do(t, ts.Config.Handler, http.MethodGet, "/api/v1/matches/"+created.ID+"/view?player=p9", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("unknown viewer: %d", w.Code)
	}
}

package match

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/MJE43/ugc-runtime-go/internal/actionhook"
	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

// ErrActionUnavailable is returned when an action is not visible to the player.
var ErrActionUnavailable = errors.New("match: action not available")

// playerSender feeds hook commands straight into the match as one player.
type playerSender struct {
	ctx    context.Context
	m      *Match
	player ugc.PlayerID
}

func (s *playerSender) SendCommand(commandType string, params map[string]any) (string, error) {
	var payload any = params
	if params == nil {
		payload = map[string]any{}
	}
	if _, err := s.m.HandleCommand(s.ctx, ugc.Command{Type: commandType, PlayerID: s.player, Payload: payload}); err != nil {
		return "", err
	}
	return uuid.NewString(), nil
}

// RunAction evaluates an action hook on behalf of player. Commands the hook
// emits are applied to the match in order; the first failure stops the hook.
func (m *Match) RunAction(ctx context.Context, hooks *actionhook.Executor, player ugc.PlayerID, action actionhook.Action, hctx actionhook.Context) (actionhook.Result, error) {
	if !m.hasPlayer(player) {
		return actionhook.Result{}, fmt.Errorf("%w: %q", ErrUnknownPlayer, player)
	}
	st, err := m.View(player)
	if err != nil {
		return actionhook.Result{}, err
	}
	if !m.ActionVisible(player, action, true) {
		return actionhook.Result{}, fmt.Errorf("%w: %q for %s", ErrActionUnavailable, action.ID, player)
	}

	hctx.CurrentPlayerID = player
	hctx.PlayerIDs = m.PlayerIDs()
	return hooks.Execute(actionhook.Params{
		Action:  action,
		Context: hctx,
		State:   st,
		SDK:     &playerSender{ctx: ctx, m: m, player: player},
	}), nil
}

// VisibleActions filters actions for player against the current turn.
func (m *Match) VisibleActions(player ugc.PlayerID, actions []actionhook.Action, allowHooks bool) []actionhook.Action {
	st, err := m.current()
	if err != nil {
		return []actionhook.Action{}
	}
	return actionhook.GetVisibleActions(actions, allowHooks, st.ActivePlayerID == player)
}

// ActionVisible reports whether player may trigger action now.
func (m *Match) ActionVisible(player ugc.PlayerID, action actionhook.Action, allowHooks bool) bool {
	return len(m.VisibleActions(player, []actionhook.Action{action}, allowHooks)) == 1
}

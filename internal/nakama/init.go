// Package nakama hosts ugc matches inside a Nakama server as authoritative
// matches. Bridge envelopes travel as match data frames.
package nakama

import (
	"context"
	"database/sql"

	"github.com/heroiclabs/nakama-common/runtime"

	"github.com/MJE43/ugc-runtime-go/internal/config"
	"github.com/MJE43/ugc-runtime-go/internal/executor"
)

// InitModule wires RPCs and the match handler for the Nakama runtime.
func InitModule(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, initializer runtime.Initializer) error {
	env, _ := ctx.Value(runtime.RUNTIME_CTX_ENV).(map[string]string)
	cfg, err := config.FromEnvironment(env)
	if err != nil {
		return err
	}
	hcfg := HandlerConfig{Executor: executor.Config{
		CallTimeout:  cfg.CallTimeout,
		AllowConsole: cfg.AllowConsole,
	}}

	if err := RegisterRPCs(initializer, hcfg); err != nil {
		return err
	}
	if err := initializer.RegisterMatch(MatchName, func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule) (runtime.Match, error) {
		return NewMatchHandler(hcfg), nil
	}); err != nil {
		return err
	}

	logger.Info("UGC runtime module loaded (call timeout %s).", cfg.CallTimeout)
	return nil
}

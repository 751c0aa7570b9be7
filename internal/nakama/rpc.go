package nakama

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/heroiclabs/nakama-common/runtime"

	"github.com/MJE43/ugc-runtime-go/internal/executor"
	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

// StoredPackage is the storage object value of a published package.
type StoredPackage struct {
	Name   string `json:"name"`
	GameID string `json:"gameId"`
	Source string `json:"source"`
}

// PublishRequest is the payload of the publish RPC.
type PublishRequest struct {
	PackageID string `json:"packageId,omitempty"`
	Name      string `json:"name"`
	Source    string `json:"source"`
}

// PublishResponse is returned once a package is stored.
type PublishResponse struct {
	PackageID string `json:"packageId"`
	GameID    string `json:"gameId"`
}

// CreateMatchRequest is the payload of the create-match RPC.
type CreateMatchRequest struct {
	PackageID string   `json:"packageId"`
	PlayerIDs []string `json:"playerIds"`
	Seed      *int64   `json:"seed,omitempty"`
}

// CreateMatchResponse carries the id of the new match.
type CreateMatchResponse struct {
	MatchID string `json:"matchId"`
}

// RpcPublishPackage is the RPC id for storing a domain package.
const RpcPublishPackage = "ugc_publish_package"

// RegisterRPCs registers Nakama RPC endpoints.
func RegisterRPCs(initializer runtime.Initializer, cfg HandlerConfig) error {
	if err := initializer.RegisterRpc(RpcCreateMatch, rpcCreateMatch); err != nil {
		return err
	}
	return initializer.RegisterRpc(RpcPublishPackage, publishRPC(cfg))
}

func rpcCreateMatch(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	var req CreateMatchRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return "", runtime.NewError("invalid payload", 3)
	}
	if req.PackageID == "" {
		return "", runtime.NewError("packageId is required", 3)
	}
	if len(req.PlayerIDs) == 0 {
		userID, _ := ctx.Value(runtime.RUNTIME_CTX_USER_ID).(string)
		if userID == "" {
			return "", runtime.NewError("playerIds is required", 3)
		}
		req.PlayerIDs = []string{userID}
	}

	p := MatchParams{PackageID: req.PackageID, Seed: time.Now().UnixNano()}
	if req.Seed != nil {
		p.Seed = *req.Seed
	}
	for _, id := range req.PlayerIDs {
		p.PlayerIDs = append(p.PlayerIDs, ugc.PlayerID(id))
	}

	matchID, err := nk.MatchCreate(ctx, MatchName, p.Map())
	if err != nil {
		logger.Error("MatchCreate error: %v", err)
		return "", err
	}
	b, _ := json.Marshal(CreateMatchResponse{MatchID: matchID})
	return string(b), nil
}

// publishRPC compiles the source before storing it, so matches never start
// from a package that cannot load.
func publishRPC(cfg HandlerConfig) func(context.Context, runtime.Logger, *sql.DB, runtime.NakamaModule, string) (string, error) {
	return func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
		var req PublishRequest
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			return "", runtime.NewError("invalid payload", 3)
		}
		if req.Source == "" {
			return "", runtime.NewError("source is required", 3)
		}
		if req.PackageID == "" {
			req.PackageID = uuid.NewString()
		}

		execCfg := cfg.Executor
		execCfg.Logger = stdLogger(logger, "[EXEC] ")
		exec := executor.New(execCfg)
		res := exec.LoadCode(req.Source)
		if !res.Success {
			return "", runtime.NewError(res.Error, 3)
		}
		gameID := exec.GameID()
		exec.Unload()

		value, _ := json.Marshal(StoredPackage{Name: req.Name, GameID: gameID, Source: req.Source})
		if _, err := nk.StorageWrite(ctx, []*runtime.StorageWrite{{
			Collection:      PackageCollection,
			Key:             req.PackageID,
			Value:           string(value),
			PermissionRead:  2,
			PermissionWrite: 0,
		}}); err != nil {
			logger.Error("StorageWrite error: %v", err)
			return "", err
		}
		logger.Info("published package %s (%s)", req.PackageID, gameID)

		b, _ := json.Marshal(PublishResponse{PackageID: req.PackageID, GameID: gameID})
		return string(b), nil
	}
}

func loadSource(ctx context.Context, nk runtime.NakamaModule, packageID string) (string, error) {
	objects, err := nk.StorageRead(ctx, []*runtime.StorageRead{{Collection: PackageCollection, Key: packageID}})
	if err != nil {
		return "", fmt.Errorf("read package %s: %w", packageID, err)
	}
	if len(objects) == 0 {
		return "", fmt.Errorf("package %s not found", packageID)
	}
	var pkg StoredPackage
	if err := json.Unmarshal([]byte(objects[0].Value), &pkg); err != nil {
		return "", fmt.Errorf("decode package %s: %w", packageID, err)
	}
	if pkg.Source == "" {
		return "", errors.New("package " + packageID + " has no source")
	}
	return pkg.Source, nil
}

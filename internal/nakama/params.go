package nakama

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

// MatchParams are the values a ugc match is created with.
type MatchParams struct {
	PackageID string
	// Source is inline domain code. When empty the package is read from storage.
	Source    string
	PlayerIDs []ugc.PlayerID
	Seed      int64
}

// Map encodes the params for nk.MatchCreate.
func (p MatchParams) Map() map[string]interface{} {
	ids := make([]interface{}, len(p.PlayerIDs))
	for i, id := range p.PlayerIDs {
		ids[i] = string(id)
	}
	m := map[string]interface{}{
		"packageId": p.PackageID,
		"playerIds": ids,
		"seed":      strconv.FormatInt(p.Seed, 10),
	}
	if p.Source != "" {
		m["source"] = p.Source
	}
	return m
}

func parseParams(params map[string]interface{}) (MatchParams, error) {
	var p MatchParams
	p.PackageID, _ = params["packageId"].(string)
	p.Source, _ = params["source"].(string)
	if p.PackageID == "" && p.Source == "" {
		return p, errors.New("packageId or source is required")
	}

	switch ids := params["playerIds"].(type) {
	case []interface{}:
		for _, v := range ids {
			s, ok := v.(string)
			if !ok || s == "" {
				return p, fmt.Errorf("playerIds: bad entry %v", v)
			}
			p.PlayerIDs = append(p.PlayerIDs, ugc.PlayerID(s))
		}
	case []string:
		for _, s := range ids {
			p.PlayerIDs = append(p.PlayerIDs, ugc.PlayerID(s))
		}
	case string:
		for _, s := range strings.Split(ids, ",") {
			if s = strings.TrimSpace(s); s != "" {
				p.PlayerIDs = append(p.PlayerIDs, ugc.PlayerID(s))
			}
		}
	}
	if len(p.PlayerIDs) == 0 {
		return p, errors.New("playerIds is required")
	}

	var err error
	switch s := params["seed"].(type) {
	case nil:
	case string:
		p.Seed, err = strconv.ParseInt(s, 10, 64)
	case float64:
		p.Seed = int64(s)
	case int64:
		p.Seed = s
	case int:
		p.Seed = int64(s)
	case json.Number:
		p.Seed, err = s.Int64()
	default:
		err = fmt.Errorf("unsupported type %T", s)
	}
	if err != nil {
		return p, fmt.Errorf("seed: %w", err)
	}
	return p, nil
}

package queue

import (
	"context"
	"time"

	"github.com/berserksystems/instrumentality/internal/cache"
	"github.com/berserksystems/instrumentality/internal/record"
	"github.com/berserksystems/instrumentality/internal/store"
)

const hintTTL = time.Minute

// UsernameHint returns the most recently observed username for
// (platformID, platform), falling back to platformID itself when no meta
// record exists yet. Best-effort: hints may lag by up to the cache TTL.
func UsernameHint(ctx context.Context, q store.Querier, c cache.Cache, platformID, platform string) (string, error) {
	key := "hint:" + platform + ":" + platformID
	if c != nil {
		if hint, ok := c.Get(ctx, key); ok {
			return hint, nil
		}
	}

	hint := platformID
	username, ok, err := record.LatestMetaUsername(ctx, q, platformID, platform)
	if err != nil {
		return "", err
	}
	if ok {
		hint = username
	}

	if c != nil {
		c.Set(ctx, key, hint, hintTTL)
	}
	return hint, nil
}

// Package lock provides a leased per-identity mutex in the shared store, so
// two worker instances never run a job for the same account at once. A
// crashed holder releases by expiry.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var ErrLocked = errors.New("identity locked")

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Lease struct {
	rdb redis.Cmdable
}

func New(rdb redis.Cmdable) *Lease {
	return &Lease{rdb: rdb}
}

func key(identity string) string { return "lock:" + identity }

// Acquire takes the lease for identity for at most ttl. The returned
// release function only deletes the lease while this caller still owns it.
func (l *Lease) Acquire(ctx context.Context, identity string, ttl time.Duration) (func(context.Context), error) {
	owner := uuid.NewString()
	acquired, err := l.rdb.SetNX(ctx, key(identity), owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lease for %s: %w", identity, err)
	}
	if !acquired {
		return nil, ErrLocked
	}
	release := func(ctx context.Context) {
		if err := unlockScript.Run(ctx, l.rdb, []string{key(identity)}, owner).Err(); err != nil {
			slog.ErrorContext(ctx, "releasing lease failed", "identity", identity, "error", err)
		}
	}
	return release, nil
}

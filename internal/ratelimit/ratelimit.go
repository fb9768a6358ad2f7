// Package ratelimit gates task submission with a fixed-window counter per
// client origin. Exceeding the threshold bans the origin permanently; the
// ban key has no expiry and outlives every window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	DefaultWindow = time.Hour
	DefaultMax    = 5
)

// ErrUnavailable is returned when the store can't answer. Callers must deny.
var ErrUnavailable = errors.New("rate limiter store unavailable")

type Decision int

const (
	Allowed Decision = iota
	Banned
)

func (d Decision) String() string {
	if d == Allowed {
		return "allowed"
	}
	return "banned"
}

type Guard struct {
	rdb    redis.Cmdable
	window time.Duration
	max    int64
}

// New returns a guard admitting limit requests per window. Zero values take
// the defaults.
func New(rdb redis.Cmdable, window time.Duration, limit int) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultMax
	}
	return &Guard{rdb: rdb, window: window, max: int64(limit)}
}

// countScript increments the window counter and arms its expiry in one step.
// A counter found without a TTL gets one, so no key outlives its window.
var countScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

func banKey(origin string) string  { return "ban:" + origin }
func rateKey(origin string) string { return "rate:" + origin }

// Admit counts one request of origin and decides. Any store error yields
// Banned together with an error wrapping ErrUnavailable.
func (g *Guard) Admit(ctx context.Context, origin string) (Decision, error) {
	banned, err := g.rdb.Exists(ctx, banKey(origin)).Result()
	if err != nil {
		return Banned, fmt.Errorf("%w: checking ban: %v", ErrUnavailable, err)
	}
	if banned > 0 {
		return Banned, nil
	}

	key := rateKey(origin)
	count, err := countScript.Run(ctx, g.rdb, []string{key}, g.window.Milliseconds()).Int64()
	if err != nil {
		return Banned, fmt.Errorf("%w: counting: %v", ErrUnavailable, err)
	}

	if count > g.max {
		if err := g.rdb.Set(ctx, banKey(origin), "1", 0).Err(); err != nil {
			return Banned, fmt.Errorf("%w: banning: %v", ErrUnavailable, err)
		}
		slog.WarnContext(ctx, "origin banned", "origin", origin, "count", count, "window", g.window.String())
		return Banned, nil
	}
	return Allowed, nil
}

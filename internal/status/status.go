// Package status keeps the transient per-identity progress visible to
// polling clients: a status message, the run outcome, the title found in
// the job output and the last claimed title. Every key expires; writes are
// last-writer-wins without transactions across keys.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/epickiosk/kiosk/internal/model"
)

const (
	StatusTTL      = time.Hour
	FatalStatusTTL = 5 * time.Minute
	ResultTTL      = time.Hour
	PendingTTL     = time.Hour
	LastGameTTL    = 10 * time.Minute
)

func statusKey(identity string) string  { return "status:" + identity }
func resultKey(identity string) string  { return "result:" + identity }
func pendingKey(identity string) string { return "pending_game:" + identity }
func lastKey(identity string) string    { return "last_game:" + identity }

// Keys returns every key owned by identity.
func Keys(identity string) []string {
	return []string{
		statusKey(identity),
		resultKey(identity),
		lastKey(identity),
		pendingKey(identity),
	}
}

type Store struct {
	rdb redis.Cmdable
}

func New(rdb redis.Cmdable) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// get returns false for an absent key
func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("getting %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) SetStatus(ctx context.Context, identity, msg string, ttl time.Duration) error {
	return s.set(ctx, statusKey(identity), msg, ttl)
}

func (s *Store) Status(ctx context.Context, identity string) (string, bool, error) {
	return s.get(ctx, statusKey(identity))
}

func (s *Store) SetResult(ctx context.Context, identity string, outcome model.Outcome, ttl time.Duration) error {
	return s.set(ctx, resultKey(identity), string(outcome), ttl)
}

func (s *Store) Result(ctx context.Context, identity string) (model.Outcome, bool, error) {
	v, ok, err := s.get(ctx, resultKey(identity))
	return model.Outcome(v), ok, err
}

func (s *Store) SetPending(ctx context.Context, identity, title string, ttl time.Duration) error {
	return s.set(ctx, pendingKey(identity), title, ttl)
}

func (s *Store) Pending(ctx context.Context, identity string) (string, bool, error) {
	return s.get(ctx, pendingKey(identity))
}

func (s *Store) SetLastGame(ctx context.Context, identity, title string) error {
	return s.set(ctx, lastKey(identity), title, LastGameTTL)
}

// Clear removes the status and the result, so a new submission never shows
// the previous run outcome.
func (s *Store) Clear(ctx context.Context, identity string) error {
	if err := s.rdb.Del(ctx, statusKey(identity), resultKey(identity)).Err(); err != nil {
		return fmt.Errorf("clearing status of %s: %w", identity, err)
	}
	return nil
}

// Evict removes every key of identity in a single command. Absent keys are
// not an error.
func (s *Store) Evict(ctx context.Context, identity string) (int64, error) {
	n, err := s.rdb.Del(ctx, Keys(identity)...).Result()
	if err != nil {
		return 0, fmt.Errorf("evicting keys of %s: %w", identity, err)
	}
	return n, nil
}

// Snapshot is what a polling client gets.
type Snapshot struct {
	Waiting  bool
	Message  string
	Result   model.Outcome
	LastGame string
}

// Snapshot reads the poll view. Waiting is set when neither a status nor a
// result exist.
func (s *Store) Snapshot(ctx context.Context, identity string) (Snapshot, error) {
	vals, err := s.rdb.MGet(ctx, statusKey(identity), resultKey(identity), lastKey(identity)).Result()
	if err != nil {
		return Snapshot{Waiting: true}, fmt.Errorf("reading status of %s: %w", identity, err)
	}
	str := func(i int) string {
		if i >= len(vals) {
			return ""
		}
		s, _ := vals[i].(string)
		return s
	}
	snap := Snapshot{
		Message:  str(0),
		Result:   model.Outcome(str(1)),
		LastGame: str(2),
	}
	snap.Waiting = snap.Message == "" && snap.Result == ""
	return snap, nil
}

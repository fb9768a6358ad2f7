// Package queue is the durable FIFO of tasks shared by the request serving
// side, the scheduler and any number of workers. A popped message is gone
// from the list, so delivery is at most once; a worker crashing mid-task
// loses it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/epickiosk/kiosk/internal/model"
)

var (
	// ErrEmpty is returned by Pop when nothing arrived within the timeout.
	ErrEmpty = errors.New("queue empty")
	// ErrMalformed marks a popped payload which is not a valid task. The
	// message is consumed anyway.
	ErrMalformed = errors.New("malformed task")
)

type Queue struct {
	rdb redis.Cmdable
	key string
}

func New(rdb redis.Cmdable, key string) *Queue {
	if key == "" {
		key = model.DefaultQueueKey
	}
	return &Queue{rdb: rdb, key: key}
}

func (q *Queue) Key() string {
	return q.key
}

// Push appends task to the tail.
func (q *Queue) Push(ctx context.Context, task model.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("pushing %s: %w", task, err)
	}
	return nil
}

// Pop blocks up to timeout for the head of the queue.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (model.Task, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return model.Task{}, ErrEmpty
	case err != nil:
		return model.Task{}, fmt.Errorf("popping %s: %w", q.key, err)
	case len(res) != 2:
		return model.Task{}, fmt.Errorf("popping %s: unexpected reply %v", q.key, res)
	}

	var task model.Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return model.Task{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := task.Validate(); err != nil {
		return model.Task{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return task, nil
}

// Len returns the number of waiting tasks.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}

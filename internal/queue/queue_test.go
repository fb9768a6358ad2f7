package queue_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/epickiosk/kiosk/internal/model"
	"github.com/epickiosk/kiosk/internal/queue"
)

func newQueue(t *testing.T) (*queue.Queue, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return queue.New(rdb, ""), srv
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()
	q, srv := newQueue(t)
	ctx := t.Context()
	require.Equal(t, model.DefaultQueueKey, q.Key())

	tasks := []model.Task{
		{Identity: "a@example.com", Secret: "1", Mode: model.ModeVerify},
		{Identity: "b@example.com", Secret: "2", Mode: model.ModeClaim},
	}
	for _, task := range tasks {
		require.NoError(t, q.Push(ctx, task))
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	// payload stays compatible with producers writing the list directly
	head, err := srv.Lpop(model.DefaultQueueKey)
	require.NoError(t, err)
	require.JSONEq(t, `{"email":"a@example.com","password":"1","mode":"verify"}`, head)

	got, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, tasks[1], got)
}

func TestPop_Empty(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(t)
	_, err := q.Pop(t.Context(), 100*time.Millisecond)
	require.ErrorIs(t, err, queue.ErrEmpty)
}

func TestPop_Malformed(t *testing.T) {
	t.Parallel()
	q, srv := newQueue(t)
	_, err := srv.Push(model.DefaultQueueKey, "not json", `{"email":"../x","mode":"claim"}`)
	require.NoError(t, err)

	for range 2 {
		_, err = q.Pop(t.Context(), time.Second)
		require.ErrorIs(t, err, queue.ErrMalformed)
	}
	n, err := q.Len(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPush_Invalid(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(t)
	err := q.Push(t.Context(), model.Task{Identity: "a@b.c", Mode: "other"})
	require.ErrorIs(t, err, model.ErrInvalidMode)
}

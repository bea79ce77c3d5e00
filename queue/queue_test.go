package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type testTask struct {
	ID      string `json:"job_id"`
	Payload string `json:"payload"`
}

func (t testTask) JobID() string { return t.ID }

func testQueues(t *testing.T) map[string]Queue[testTask] {
	var opts = Options{VisibilityTimeout: 100 * time.Millisecond, ReclaimBatch: 10}

	var mr = miniredis.RunT(t)
	var client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Queue[testTask]{
		"redis":  NewRedisQueue[testTask](client, "test:jobs", opts),
		"memory": NewMemoryQueue[testTask]("test:jobs", opts),
	}
}

func TestPushDedupesByJobID(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			var ctx = context.Background()

			ok, err := q.Push(ctx, testTask{ID: "job-1", Payload: "a"})
			require.NoError(t, err)
			require.True(t, ok)

			// A second push of the same job id is suppressed, even when the
			// payload differs.
			ok, err = q.Push(ctx, testTask{ID: "job-1", Payload: "b"})
			require.NoError(t, err)
			require.False(t, ok)

			n, err := q.Len(ctx)
			require.NoError(t, err)
			require.Equal(t, int64(1), n)

			msg, err := q.Pop(ctx, time.Second)
			require.NoError(t, err)
			require.NotNil(t, msg)
			require.Equal(t, "a", msg.Task.Payload)

			// Exactly one pop is delivered before the ack.
			empty, err := q.Pop(ctx, 10*time.Millisecond)
			require.NoError(t, err)
			require.Nil(t, empty)

			require.NoError(t, q.Ack(ctx, msg))

			// After ack the job id may be enqueued again.
			ok, err = q.Push(ctx, testTask{ID: "job-1", Payload: "c"})
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestVisibilityTimeoutReclaim(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			var ctx = context.Background()

			_, err := q.Push(ctx, testTask{ID: "job-vt", Payload: "x"})
			require.NoError(t, err)

			first, err := q.Pop(ctx, time.Second)
			require.NoError(t, err)
			require.NotNil(t, first)

			// Let the visibility timeout lapse without acking.
			time.Sleep(150 * time.Millisecond)

			second, err := q.Pop(ctx, time.Second)
			require.NoError(t, err)
			require.NotNil(t, second)
			require.Equal(t, first.Payload, second.Payload)
			require.NotEqual(t, first.Token, second.Token)

			// Reclaim keeps the dedupe entry: a concurrent duplicate push of
			// the in-flight job is still suppressed.
			ok, err := q.Push(ctx, testTask{ID: "job-vt", Payload: "x"})
			require.NoError(t, err)
			require.False(t, ok)

			// An ack bearing the stale first token is a no-op.
			require.NoError(t, q.Ack(ctx, first))
			ok, err = q.Push(ctx, testTask{ID: "job-vt", Payload: "x"})
			require.NoError(t, err)
			require.False(t, ok)

			// The live token releases the job.
			require.NoError(t, q.Ack(ctx, second))
			ok, err = q.Push(ctx, testTask{ID: "job-vt", Payload: "x"})
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestPopTimesOutWhenEmpty(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			var started = time.Now()
			msg, err := q.Pop(context.Background(), 50*time.Millisecond)
			require.NoError(t, err)
			require.Nil(t, msg)
			require.GreaterOrEqual(t, time.Since(started), 40*time.Millisecond)
		})
	}
}

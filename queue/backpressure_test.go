package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackpressurePausesAndResumes(t *testing.T) {
	var ctx = context.Background()
	var q = NewMemoryQueue[testTask]("test:backpressure", DefaultOptions())
	var gate = NewBackpressure(q, 3, 1, 10*time.Millisecond)

	// Below the high-water mark the gate returns immediately.
	require.NoError(t, gate.WaitIfNeeded(ctx))
	require.False(t, gate.paused)

	for i := 0; i != 4; i++ {
		_, err := q.Push(ctx, testTask{ID: fmt.Sprintf("job-%d", i)})
		require.NoError(t, err)
	}

	// Drain the backlog concurrently; the gate must block until the depth
	// falls to the low-water mark, then release the producer.
	go func() {
		for {
			msg, err := q.Pop(ctx, time.Second)
			if err != nil || msg == nil {
				return
			}
			_ = q.Ack(ctx, msg)
		}
	}()

	require.NoError(t, gate.WaitIfNeeded(ctx))

	depth, err := q.Len(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, depth, int64(1))
}

func TestBackpressureSharedAcrossProducers(t *testing.T) {
	var ctx = context.Background()
	var q = NewMemoryQueue[testTask]("test:backpressure:shared", DefaultOptions())
	var gate = NewBackpressure(q, 5, 1, time.Millisecond)

	for i := 0; i != 8; i++ {
		_, err := q.Push(ctx, testTask{ID: fmt.Sprintf("seed-%d", i)})
		require.NoError(t, err)
	}

	// Several producers contend on the one gate while a consumer drains the
	// backlog. Every producer must observe a consistent pause state and be
	// admitted once the depth recovers.
	var wg sync.WaitGroup
	for p := 0; p != 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i != 5; i++ {
				if err := gate.WaitIfNeeded(ctx); err != nil {
					t.Error(err)
					return
				}
				if _, err := q.Push(ctx, testTask{ID: fmt.Sprintf("job-%d-%d", p, i)}); err != nil {
					t.Error(err)
					return
				}
			}
		}(p)
	}

	var stop = make(chan struct{})
	var done = make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			msg, err := q.Pop(ctx, 10*time.Millisecond)
			if err != nil || msg == nil {
				continue
			}
			_ = q.Ack(ctx, msg)
		}
	}()

	wg.Wait()
	close(stop)
	<-done
}

func TestBackpressureDisabledWithoutThreshold(t *testing.T) {
	var q = NewMemoryQueue[testTask]("test:backpressure:off", DefaultOptions())
	var gate = NewBackpressure(q, 0, 0, time.Millisecond)

	for i := 0; i != 10; i++ {
		_, err := q.Push(context.Background(), testTask{ID: fmt.Sprintf("job-%d", i)})
		require.NoError(t, err)
	}
	require.NoError(t, gate.WaitIfNeeded(context.Background()))

	var nilGate *Backpressure
	require.NoError(t, nilGate.WaitIfNeeded(context.Background()))
}

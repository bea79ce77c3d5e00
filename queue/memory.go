package queue

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue with the same dedupe and visibility
// semantics as RedisQueue. It backs single-process deployments and tests.
type MemoryQueue[T Task] struct {
	name string
	opts Options

	mu         sync.Mutex
	cond       *sync.Cond
	pending    *list.List // of string payloads
	dedupe     map[string]struct{}
	processing map[string]delivery // token -> delivery
	tokens     map[string]string   // job id -> token
	closed     bool
}

type delivery struct {
	payload string
	jobID   string
	expiry  time.Time
}

// NewMemoryQueue builds an in-process queue named |name|.
func NewMemoryQueue[T Task](name string, opts Options) *MemoryQueue[T] {
	var q = &MemoryQueue[T]{
		name:       name,
		opts:       opts.withDefaults(),
		pending:    list.New(),
		dedupe:     make(map[string]struct{}),
		processing: make(map[string]delivery),
		tokens:     make(map[string]string),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Name returns the queue's name.
func (q *MemoryQueue[T]) Name() string { return q.name }

// Push enqueues |task| unless its job id is already outstanding.
func (q *MemoryQueue[T]) Push(_ context.Context, task T) (bool, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("encoding task %s: %w", task.JobID(), err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, fmt.Errorf("queue %s is closed", q.name)
	}
	if _, ok := q.dedupe[task.JobID()]; ok {
		pushesCounter.WithLabelValues(q.name, "deduped").Inc()
		return false, nil
	}
	q.dedupe[task.JobID()] = struct{}{}
	q.pending.PushBack(string(payload))
	q.cond.Broadcast()
	pushesCounter.WithLabelValues(q.name, "enqueued").Inc()
	return true, nil
}

// Pop reclaims expired deliveries and waits up to |timeout| for a payload.
func (q *MemoryQueue[T]) Pop(ctx context.Context, timeout time.Duration) (*Message[T], error) {
	var deadline = time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		q.reclaimExpiredLocked()

		if front := q.pending.Front(); front != nil {
			q.pending.Remove(front)
			var payload = front.Value.(string)

			var task T
			if err := json.Unmarshal([]byte(payload), &task); err != nil {
				return nil, fmt.Errorf("decoding payload of %s: %w", q.name, err)
			}
			var token = uuid.NewString()
			q.processing[token] = delivery{
				payload: payload,
				jobID:   task.JobID(),
				expiry:  time.Now().Add(q.opts.VisibilityTimeout),
			}
			q.tokens[task.JobID()] = token
			return &Message[T]{Task: task, Payload: payload, JobID: task.JobID(), Token: token}, nil
		}
		if q.closed || ctx.Err() != nil {
			return nil, nil
		}
		var remaining = time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		// Wake periodically so reclaim and the deadline are re-checked even
		// when no Push occurs.
		var timer = time.AfterFunc(minDuration(remaining, 25*time.Millisecond), q.cond.Broadcast)
		q.cond.Wait()
		timer.Stop()
	}
}

// Ack releases the delivery unless it was already reclaimed and re-popped.
func (q *MemoryQueue[T]) Ack(_ context.Context, msg *Message[T]) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	token, ok := q.tokens[msg.JobID]
	if !ok || token != msg.Token {
		return nil
	}
	d, ok := q.processing[token]
	if !ok || d.payload != msg.Payload {
		return nil
	}
	delete(q.processing, token)
	delete(q.tokens, msg.JobID)
	delete(q.dedupe, msg.JobID)
	return nil
}

func (q *MemoryQueue[T]) reclaimExpiredLocked() {
	if q.opts.VisibilityTimeout <= 0 {
		return
	}
	var now = time.Now()
	var reclaimed = 0
	for token, d := range q.processing {
		if reclaimed >= q.opts.ReclaimBatch || d.expiry.After(now) {
			continue
		}
		delete(q.processing, token)
		delete(q.tokens, d.jobID)
		q.pending.PushFront(d.payload)
		reclaimed++
		reclaimsCounter.WithLabelValues(q.name).Inc()
	}
}

// Len returns the depth of the pending list.
func (q *MemoryQueue[T]) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n = int64(q.pending.Len())
	depthGauge.WithLabelValues(q.name).Set(float64(n))
	return n, nil
}

// Close drains the queue and unblocks waiting consumers.
func (q *MemoryQueue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.pending.Init()
	q.dedupe = make(map[string]struct{})
	q.processing = make(map[string]delivery)
	q.tokens = make(map[string]string)
	q.cond.Broadcast()
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

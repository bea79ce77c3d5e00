// Package queue implements the reliable at-least-once job queues shared by
// every stage of the filing pipeline. A queue deduplicates pushes by job id,
// parks popped payloads under a visibility timeout, and reclaims payloads
// whose consumer never acknowledged them.
package queue

import (
	"context"
	"time"
)

// Task is any payload carried by a Queue. The job id doubles as the dedupe
// key and as the persistence key of the analysis the job eventually produces,
// so it must be deterministic for a given unit of work.
type Task interface {
	JobID() string
}

// Message is a popped task together with the bookkeeping needed to Ack it.
// Payload is the exact serialized form that was popped; Token identifies
// this particular delivery and guards against stale acknowledgements after
// a visibility-timeout reclaim.
type Message[T Task] struct {
	Task    T
	Payload string
	JobID   string
	Token   string
}

// Queue is the reliable queue contract. Push returns false when the task was
// suppressed by dedupe. Pop blocks up to |timeout| and returns (nil, nil)
// when nothing arrived. Ack releases the dedupe entry; an un-acked message
// is re-offered once its visibility timeout expires.
type Queue[T Task] interface {
	Push(ctx context.Context, task T) (bool, error)
	Pop(ctx context.Context, timeout time.Duration) (*Message[T], error)
	Ack(ctx context.Context, msg *Message[T]) error
	Len(ctx context.Context) (int64, error)
	Close() error
}

// Options tune queue delivery behavior.
type Options struct {
	// VisibilityTimeout is how long a popped message stays invisible before
	// it is eligible for reclaim. <= 0 disables reclaim entirely.
	VisibilityTimeout time.Duration
	// ReclaimBatch bounds how many expired deliveries are reclaimed ahead
	// of a single Pop.
	ReclaimBatch int
}

// DefaultOptions returns the delivery tuning used when none is provided.
func DefaultOptions() Options {
	return Options{
		VisibilityTimeout: 5 * time.Minute,
		ReclaimBatch:      100,
	}
}

func (o Options) withDefaults() Options {
	if o.ReclaimBatch <= 0 {
		o.ReclaimBatch = 100
	}
	return o
}

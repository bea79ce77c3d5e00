package queue

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Depther reports the sampled depth of a named queue.
type Depther interface {
	Name() string
	Len(ctx context.Context) (int64, error)
}

// Backpressure pauses producers while a downstream queue's backlog is above
// a high-water mark, and releases them once it drains to a low-water mark.
// The hysteresis between the two thresholds avoids pause/resume flapping.
// It never blocks consumers.
type Backpressure struct {
	queue         Depther
	pauseHi       int64
	resumeLo      int64
	checkInterval time.Duration

	// mu guards paused. One gate is shared by every producer of its queue,
	// and the lock keeps a pause/resume transition from firing once per
	// producer instead of once per threshold crossing.
	mu     sync.Mutex
	paused bool
}

// NewBackpressure builds a gate over |queue|. A pauseHi of zero or less
// disables the gate entirely.
func NewBackpressure(queue Depther, pauseHi, resumeLo int64, checkInterval time.Duration) *Backpressure {
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	if resumeLo > pauseHi {
		resumeLo = pauseHi
	}
	return &Backpressure{
		queue:         queue,
		pauseHi:       pauseHi,
		resumeLo:      resumeLo,
		checkInterval: checkInterval,
	}
}

// WaitIfNeeded blocks while the downstream backlog exceeds the configured
// thresholds, or until |ctx| is cancelled.
func (b *Backpressure) WaitIfNeeded(ctx context.Context) error {
	if b == nil || b.pauseHi <= 0 {
		return nil
	}
	for {
		depth, err := b.queue.Len(ctx)
		if err != nil {
			return err
		}
		if b.admit(depth) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.checkInterval):
		}
	}
}

// admit applies one depth sample to the gate state and reports whether the
// producer may proceed.
func (b *Backpressure) admit(depth int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.paused {
		if depth > b.resumeLo {
			return false
		}
		b.paused = false
		backpressureEventsCounter.WithLabelValues(b.queue.Name(), "resume").Inc()
		log.WithFields(log.Fields{"queue": b.queue.Name(), "depth": depth}).
			Info("queue backpressure cleared")
		return true
	}
	if depth >= b.pauseHi {
		b.paused = true
		backpressureEventsCounter.WithLabelValues(b.queue.Name(), "pause").Inc()
		log.WithFields(log.Fields{"queue": b.queue.Name(), "depth": depth}).
			Warn("queue depth exceeded threshold; pausing producer")
		return false
	}
	return true
}

// Package budget meters the daily LLM token spend shared by every worker
// pool. Reservations are charged against a day-scoped Redis counter before a
// completion call is made, then settled with the tokens actually used.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBudgetExceeded is returned by Reserve when granting the reservation
// would push the day's spend over its limit.
var ErrBudgetExceeded = errors.New("daily token budget exceeded")

// DefaultPrefix is the key prefix of daily budget counters.
const DefaultPrefix = "sec:groq:budget"

// Scope identifies one budgeting domain: a consuming service and the model
// it spends against.
type Scope struct {
	Service string
	Model   string
}

// Manager coordinates token budgeting across workers and processes. All
// state lives in Redis so horizontally scaled processes share one budget.
type Manager struct {
	client   redis.UniversalClient
	prefix   string
	cooldown time.Duration
}

// NewManager builds a Manager over |client|. An empty |prefix| selects
// DefaultPrefix.
func NewManager(client redis.UniversalClient, prefix string, cooldown time.Duration) *Manager {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Manager{client: client, prefix: prefix, cooldown: cooldown}
}

// Limiter returns a limiter for |scope| with |dailyLimit| tokens per UTC day,
// or nil when budgeting is disabled for the scope.
func (m *Manager) Limiter(scope Scope, dailyLimit int64) *Limiter {
	if dailyLimit <= 0 {
		return nil
	}
	return &Limiter{manager: m, scope: scope, limit: dailyLimit}
}

// Limiter hands out reservations against one scope's daily limit.
type Limiter struct {
	manager *Manager
	scope   Scope
	limit   int64
}

// Scope returns the limiter's budgeting scope.
func (l *Limiter) Scope() Scope { return l.scope }

// Cooldown is how long a worker should sleep after a denied reservation.
func (l *Limiter) Cooldown() time.Duration { return l.manager.cooldown }

// Reserve charges |estimate| tokens against today's counter. It returns
// ErrBudgetExceeded, after undoing the charge, when the counter would pass
// the daily limit.
func (l *Limiter) Reserve(ctx context.Context, estimate int64) (*Reservation, error) {
	if estimate < 1 {
		estimate = 1
	}
	var key = l.manager.key(l.scope)

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	if _, err := l.manager.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, key, estimate)
		ttl = pipe.TTL(ctx, key)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("charging budget %s: %w", key, err)
	}
	var total = incr.Val()

	if ttl.Val() < 0 {
		if err := l.manager.client.ExpireAt(ctx, key, nextUTCMidnight()).Err(); err != nil {
			return nil, fmt.Errorf("setting budget expiry of %s: %w", key, err)
		}
	}
	if total > l.limit {
		if err := l.manager.client.DecrBy(ctx, key, estimate).Err(); err != nil {
			return nil, fmt.Errorf("undoing denied charge of %s: %w", key, err)
		}
		exhaustionsCounter.WithLabelValues(l.scope.Service, l.scope.Model).Inc()
		updateGauges(l.scope, total-estimate, l.limit)
		return nil, ErrBudgetExceeded
	}
	updateGauges(l.scope, total, l.limit)

	return &Reservation{limiter: l, key: key, reserved: estimate}, nil
}

// RecordDeferral bumps telemetry for a job deferred by a denied reservation.
func (l *Limiter) RecordDeferral() {
	deferralsCounter.WithLabelValues(l.scope.Service, l.scope.Model).Inc()
}

// Reservation is a granted token allocation pending settlement.
type Reservation struct {
	limiter  *Limiter
	key      string
	reserved int64
}

// Reserved returns the granted amount.
func (r *Reservation) Reserved() int64 { return r.reserved }

// Commit settles the reservation against the tokens actually used.
func (r *Reservation) Commit(ctx context.Context, used int64) error {
	return r.finalize(ctx, used)
}

// Release settles the reservation as if no tokens were used.
func (r *Reservation) Release(ctx context.Context) error {
	return r.finalize(ctx, 0)
}

func (r *Reservation) finalize(ctx context.Context, used int64) error {
	if used < 0 {
		used = 0
	}
	var m = r.limiter.manager
	var delta = used - r.reserved

	var total int64
	var err error
	switch {
	case delta == 0:
		total, err = m.client.Get(ctx, r.key).Int64()
		if err == redis.Nil {
			total, err = 0, nil
		}
	case delta < 0:
		total, err = m.client.DecrBy(ctx, r.key, -delta).Result()
	default:
		total, err = m.client.IncrBy(ctx, r.key, delta).Result()
		if err == nil && total > r.limiter.limit {
			exhaustionsCounter.WithLabelValues(r.limiter.scope.Service, r.limiter.scope.Model).Inc()
		}
	}
	if err != nil {
		return fmt.Errorf("settling budget %s: %w", r.key, err)
	}
	if delta != 0 {
		if err = m.client.ExpireAt(ctx, r.key, nextUTCMidnight()).Err(); err != nil {
			return fmt.Errorf("setting budget expiry of %s: %w", r.key, err)
		}
	}
	updateGauges(r.limiter.scope, total, r.limiter.limit)
	return nil
}

func (m *Manager) key(scope Scope) string {
	return fmt.Sprintf("%s:%s:%s:%s",
		m.prefix, scope.Service, scope.Model, time.Now().UTC().Format("20060102"))
}

func nextUTCMidnight() time.Time {
	var now = time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

func updateGauges(scope Scope, total, limit int64) {
	if total < 0 {
		total = 0
	}
	var remaining = limit - total
	if remaining < 0 {
		remaining = 0
	}
	usageGauge.WithLabelValues(scope.Service, scope.Model).Set(float64(total))
	remainingGauge.WithLabelValues(scope.Service, scope.Model).Set(float64(remaining))
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Redis key suffixes of a queue's bookkeeping structures.
const (
	dedupeSuffix            = ":dedupe"
	processingSuffix        = ":processing"
	processingZSetSuffix    = ":processing:zset"
	processingPayloadSuffix = ":processing:payload"
	processingTokenSuffix   = ":processing:token"
)

// pushScript atomically tests-and-adds the job id to the dedupe set and
// appends the payload only when the id was new.
var pushScript = redis.NewScript(`
if redis.call('sadd', KEYS[2], ARGV[2]) == 1 then
    return redis.call('rpush', KEYS[1], ARGV[1])
else
    return 0
end
`)

// RedisQueue is a Redis-backed Queue. Payloads wait in a list keyed by the
// queue name; popped payloads move to a processing list and are indexed by a
// per-delivery token so that expired deliveries can be reclaimed and stale
// acknowledgements rejected.
type RedisQueue[T Task] struct {
	client redis.UniversalClient
	name   string
	opts   Options

	dedupeKey         string
	processingKey     string
	processingZSet    string
	processingPayload string
	processingToken   string
}

// NewRedisQueue builds a RedisQueue over |client| using |name| as the base key.
func NewRedisQueue[T Task](client redis.UniversalClient, name string, opts Options) *RedisQueue[T] {
	opts = opts.withDefaults()
	return &RedisQueue[T]{
		client:            client,
		name:              name,
		opts:              opts,
		dedupeKey:         name + dedupeSuffix,
		processingKey:     name + processingSuffix,
		processingZSet:    name + processingZSetSuffix,
		processingPayload: name + processingPayloadSuffix,
		processingToken:   name + processingTokenSuffix,
	}
}

// Name returns the queue's base key.
func (q *RedisQueue[T]) Name() string { return q.name }

// Push enqueues |task| unless its job id is already outstanding.
func (q *RedisQueue[T]) Push(ctx context.Context, task T) (bool, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("encoding task %s: %w", task.JobID(), err)
	}
	n, err := pushScript.Run(ctx, q.client,
		[]string{q.name, q.dedupeKey}, string(payload), task.JobID()).Int()
	if err != nil {
		return false, fmt.Errorf("pushing to %s: %w", q.name, err)
	}
	if n == 0 {
		pushesCounter.WithLabelValues(q.name, "deduped").Inc()
		return false, nil
	}
	pushesCounter.WithLabelValues(q.name, "enqueued").Inc()
	return true, nil
}

// Pop reclaims expired deliveries, then blocks up to |timeout| for a payload.
// A successful Pop parks the payload under the visibility timeout and returns
// a Message carrying the delivery token.
func (q *RedisQueue[T]) Pop(ctx context.Context, timeout time.Duration) (*Message[T], error) {
	if err := q.reclaimExpired(ctx); err != nil {
		return nil, err
	}
	payload, err := q.client.BRPopLPush(ctx, q.name, q.processingKey, timeout).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("popping from %s: %w", q.name, err)
	}

	var task T
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return nil, fmt.Errorf("decoding payload of %s: %w", q.name, err)
	}
	var token = uuid.NewString()
	var expiry = float64(time.Now().Add(q.opts.VisibilityTimeout).UnixMilli()) / 1e3

	if _, err = q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, q.processingZSet, redis.Z{Score: expiry, Member: token})
		pipe.HSet(ctx, q.processingPayload, token, payload)
		pipe.HSet(ctx, q.processingToken, task.JobID(), token)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("parking delivery of %s: %w", q.name, err)
	}

	return &Message[T]{Task: task, Payload: payload, JobID: task.JobID(), Token: token}, nil
}

// Ack releases |msg| and its dedupe entry. Acks bearing a token or payload
// which doesn't match the current delivery (because the message was reclaimed
// and popped again) are no-ops.
func (q *RedisQueue[T]) Ack(ctx context.Context, msg *Message[T]) error {
	token, err := q.client.HGet(ctx, q.processingToken, msg.JobID).Result()
	if err == redis.Nil || (err == nil && token != msg.Token) {
		return nil
	} else if err != nil {
		return fmt.Errorf("reading token of %s: %w", msg.JobID, err)
	}
	payload, err := q.client.HGet(ctx, q.processingPayload, token).Result()
	if err == redis.Nil || (err == nil && payload != msg.Payload) {
		return nil
	} else if err != nil {
		return fmt.Errorf("reading payload of %s: %w", msg.JobID, err)
	}

	_, err = q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.processingPayload, token)
		pipe.ZRem(ctx, q.processingZSet, token)
		pipe.HDel(ctx, q.processingToken, msg.JobID)
		pipe.SRem(ctx, q.dedupeKey, msg.JobID)
		pipe.LRem(ctx, q.processingKey, 0, msg.Payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("acking %s: %w", msg.JobID, err)
	}
	return nil
}

// reclaimExpired re-enqueues a bounded batch of deliveries whose visibility
// timeout has lapsed. Dedupe entries are deliberately retained so a reclaimed
// job remains suppressed against concurrent duplicate pushes.
func (q *RedisQueue[T]) reclaimExpired(ctx context.Context) error {
	if q.opts.VisibilityTimeout <= 0 {
		return nil
	}
	var now = float64(time.Now().UnixMilli()) / 1e3
	tokens, err := q.client.ZRangeByScore(ctx, q.processingZSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", now),
		Count: int64(q.opts.ReclaimBatch),
	}).Result()
	if err != nil {
		return fmt.Errorf("scanning expired deliveries of %s: %w", q.name, err)
	}

	for _, token := range tokens {
		payload, err := q.client.HGet(ctx, q.processingPayload, token).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("reading expired payload of %s: %w", q.name, err)
		}
		if _, err = q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, q.processingZSet, token)
			pipe.HDel(ctx, q.processingPayload, token)
			if payload != "" {
				var probe struct {
					JobID string `json:"job_id"`
				}
				_ = json.Unmarshal([]byte(payload), &probe)
				pipe.HDel(ctx, q.processingToken, probe.JobID)
				pipe.LRem(ctx, q.processingKey, 0, payload)
				pipe.LPush(ctx, q.name, payload)
			} else {
				pipe.HDel(ctx, q.processingToken, token)
			}
			return nil
		}); err != nil {
			return fmt.Errorf("reclaiming delivery of %s: %w", q.name, err)
		}
		reclaimsCounter.WithLabelValues(q.name).Inc()
		log.WithFields(log.Fields{"queue": q.name, "token": token}).
			Debug("reclaimed expired delivery")
	}
	return nil
}

// Len returns the depth of the pending list.
func (q *RedisQueue[T]) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.name).Result()
	if err != nil {
		return 0, fmt.Errorf("measuring %s: %w", q.name, err)
	}
	depthGauge.WithLabelValues(q.name).Set(float64(n))
	return n, nil
}

// Close is a no-op: the Redis client is shared and owned by the caller.
func (q *RedisQueue[T]) Close() error { return nil }

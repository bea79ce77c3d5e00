package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// SeenSet records accession numbers that were ever enqueued. Unlike queue
// dedupe entries, seen entries are never released: a filing is ingested once
// for the lifetime of the set.
type SeenSet interface {
	// FirstSeen returns true exactly once per accession number.
	FirstSeen(ctx context.Context, accessionNumber string) (bool, error)
}

// RedisSeenSet backs a SeenSet with a Redis set.
type RedisSeenSet struct {
	client redis.UniversalClient
	key    string
}

// NewRedisSeenSet builds a SeenSet over |client| at |key|.
func NewRedisSeenSet(client redis.UniversalClient, key string) *RedisSeenSet {
	if key == "" {
		key = SeenSetKey
	}
	return &RedisSeenSet{client: client, key: key}
}

func (s *RedisSeenSet) FirstSeen(ctx context.Context, accessionNumber string) (bool, error) {
	n, err := s.client.SAdd(ctx, s.key, accessionNumber).Result()
	if err != nil {
		return false, fmt.Errorf("marking %s seen: %w", accessionNumber, err)
	}
	return n == 1, nil
}

// MemorySeenSet is the in-process SeenSet used in tests and single-process runs.
type MemorySeenSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemorySeenSet() *MemorySeenSet {
	return &MemorySeenSet{seen: make(map[string]struct{})}
}

func (s *MemorySeenSet) FirstSeen(_ context.Context, accessionNumber string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[accessionNumber]; ok {
		return false, nil
	}
	s.seen[accessionNumber] = struct{}{}
	return true, nil
}

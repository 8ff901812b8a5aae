package protocol

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// MemoryRegistry is an in-process Registry for tests and single-node runs.
type MemoryRegistry struct {
	mu    sync.Mutex
	codes map[string]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{codes: map[string]struct{}{}}
}

func (r *MemoryRegistry) Reserve(ctx context.Context, code string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codes[code]; ok {
		return false, nil
	}
	r.codes[code] = struct{}{}
	return true, nil
}

func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.codes)
}

// RedisRegistry claims codes with SETNX. Keys never expire: a code must not be
// reissued however many generations a room goes through.
type RedisRegistry struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisRegistry(rdb *redis.Client, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "doorbell"
	}
	return &RedisRegistry{rdb: rdb, prefix: prefix}
}

func (r *RedisRegistry) Reserve(ctx context.Context, code string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, fmt.Sprintf("%s:protocol:%s", r.prefix, code), 1, 0).Result()
	if err != nil {
		return false, fmt.Errorf("protocol: reserve %s: %w", code, err)
	}
	return ok, nil
}

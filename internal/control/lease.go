package control

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/clock"
)

// Lease grants one dispatch per device per interval. Acquire returns false
// while another holder's lease is live.
type Lease interface {
	Acquire(ctx context.Context, deviceID string, ttl time.Duration) (bool, error)
}

type RedisLease struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisLease(addr string) *RedisLease {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})
	return &RedisLease{rdb: rdb, prefix: "greenbro:control:lease:"}
}

func (l *RedisLease) Acquire(ctx context.Context, deviceID string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, l.prefix+deviceID, time.Now().UnixMilli(), ttl).Result()
}

func (l *RedisLease) Close() error { return l.rdb.Close() }

// MemoryLease is the single-process lease: a compare-and-swap on the last
// dispatch time per device.
type MemoryLease struct {
	mu    sync.Mutex
	clock clock.Clock
	until map[string]time.Time
}

func NewMemoryLease(c clock.Clock) *MemoryLease {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryLease{clock: c, until: map[string]time.Time{}}
}

func (l *MemoryLease) Acquire(_ context.Context, deviceID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if until, ok := l.until[deviceID]; ok && now.Before(until) {
		return false, nil
	}
	l.until[deviceID] = now.Add(ttl)
	return true, nil
}

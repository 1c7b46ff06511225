// Package usage records how often each instance was picked by rotation.
// Counts are advisory; a failed write is logged and dropped.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type Counter interface {
	// Increment must not block the caller.
	Increment(instance string)
	Count(ctx context.Context, instance string) (int64, error)
}

const (
	keyPrefix = "instance_usage:"
	keyTTL    = 48 * time.Hour
)

func dayKey(t time.Time) string {
	return keyPrefix + t.UTC().Format("20060102")
}

// RedisCounter keeps one hash per UTC day so counts survive restarts.
type RedisCounter struct {
	rdb *redis.Client
	log *logrus.Entry
	now func() time.Time
	wg  sync.WaitGroup
}

func NewRedisCounter(rdb *redis.Client, log *logrus.Entry) *RedisCounter {
	if log == nil {
		log = logrus.WithField("component", "usage")
	}
	return &RedisCounter{rdb: rdb, log: log, now: time.Now}
}

func (c *RedisCounter) Increment(instance string) {
	key := dayKey(c.now())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		pipe := c.rdb.TxPipeline()
		pipe.HIncrBy(ctx, key, instance, 1)
		pipe.Expire(ctx, key, keyTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			c.log.WithError(err).WithField("instance", instance).Warn("failed to record instance usage")
		}
	}()
}

func (c *RedisCounter) Count(ctx context.Context, instance string) (int64, error) {
	n, err := c.rdb.HGet(ctx, dayKey(c.now()), instance).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// Wait blocks until in-flight increments finish. Used on shutdown.
func (c *RedisCounter) Wait() {
	c.wg.Wait()
}

// MemoryCounter is used when Redis is not configured.
type MemoryCounter struct {
	mu     sync.Mutex
	now    func() time.Time
	counts map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{now: time.Now, counts: make(map[string]int64)}
}

func (c *MemoryCounter) Increment(instance string) {
	c.mu.Lock()
	c.counts[dayKey(c.now())+":"+instance]++
	c.mu.Unlock()
}

func (c *MemoryCounter) Count(_ context.Context, instance string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[dayKey(c.now())+":"+instance], nil
}

var (
	_ Counter = (*RedisCounter)(nil)
	_ Counter = (*MemoryCounter)(nil)
)

package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"pasofino/internal/constants"
	"pasofino/internal/logger"
)

type RedisStore struct {
	client  *redis.Client
	log     logger.Logger
	enabled atomic.Bool
	hits    atomic.Int64
	misses  atomic.Int64
	ctx     context.Context
	cancel  func()
	wg      sync.WaitGroup
}

// NewRedisStore pings once and starts a background probe that flips
// IsEnabled back on after an outage.
func NewRedisStore(client *redis.Client, log logger.Logger) *RedisStore {
	ctx, cancel := context.WithCancel(context.Background())

	store := &RedisStore{
		client: client,
		log:    logger.OrDefault(log).WithField("component", "cache"),
		ctx:    ctx,
		cancel: cancel,
	}

	store.probe()
	store.startProbe()

	return store
}

// Client exposes the underlying connection for Pub/Sub users.
func (st *RedisStore) Client() *redis.Client {
	return st.client
}

func (st *RedisStore) IsEnabled() bool {
	return st.enabled.Load()
}

func (st *RedisStore) Get(ctx context.Context, key string, dst any) error {
	if !st.IsEnabled() {
		st.misses.Add(1)
		return ErrNotFound
	}

	opCtx, cancel := context.WithTimeout(ctx, constants.RedisOpTimeout)
	defer cancel()

	data, err := st.client.Get(opCtx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		st.misses.Add(1)
		return ErrNotFound
	}
	if err != nil {
		st.fail(ctx, "get", key, err)
		st.misses.Add(1)
		return ErrNotFound
	}

	if err := json.Unmarshal(data, dst); err != nil {
		st.log.WithError(err).Warnf("Failed to decode cached value for %s", key)
		st.misses.Add(1)
		return ErrNotFound
	}

	st.hits.Add(1)
	return nil
}

func (st *RedisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	if !st.IsEnabled() {
		return false
	}

	data, err := json.Marshal(value)
	if err != nil {
		st.log.WithError(err).Warnf("Failed to encode value for %s", key)
		return false
	}
	if ttl < 0 {
		ttl = 0
	}

	opCtx, cancel := context.WithTimeout(ctx, constants.RedisOpTimeout)
	defer cancel()

	if err := st.client.Set(opCtx, key, data, ttl).Err(); err != nil {
		st.fail(ctx, "set", key, err)
		return false
	}
	return true
}

func (st *RedisStore) Delete(ctx context.Context, key string) int64 {
	if !st.IsEnabled() {
		return 0
	}

	opCtx, cancel := context.WithTimeout(ctx, constants.RedisOpTimeout)
	defer cancel()

	n, err := st.client.Del(opCtx, key).Result()
	if err != nil {
		st.fail(ctx, "delete", key, err)
		return 0
	}
	return n
}

func (st *RedisStore) Keys(ctx context.Context, pattern string) []string {
	if !st.IsEnabled() {
		return nil
	}

	var keys []string
	iter := st.client.Scan(ctx, 0, pattern, constants.CacheScanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		st.fail(ctx, "scan", pattern, err)
		return nil
	}
	return keys
}

func (st *RedisStore) Stats() Stats {
	return Stats{Hits: st.hits.Load(), Misses: st.misses.Load()}
}

// UsedMemory reports used_memory_human from INFO memory, or "" if unavailable.
func (st *RedisStore) UsedMemory(ctx context.Context) string {
	if !st.IsEnabled() {
		return ""
	}
	info, err := st.client.Info(ctx, "memory").Result()
	if err != nil {
		return ""
	}
	return parseInfoField(info, "used_memory_human")
}

func (st *RedisStore) Close() error {
	st.cancel()
	st.wg.Wait()
	st.enabled.Store(false)
	return st.client.Close()
}

// fail switches to degraded mode on transport errors. A caller whose own
// context was canceled or ran out says nothing about Redis health.
func (st *RedisStore) fail(ctx context.Context, op, key string, err error) {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		st.log.WithError(err).Debugf("Redis %s for %s abandoned by caller", op, key)
		return
	}
	if st.enabled.CompareAndSwap(true, false) {
		st.log.WithError(err).Warnf("⚠️  Redis %s failed for %s, switching to degraded mode", op, key)
		return
	}
	st.log.WithError(err).Debugf("Redis %s failed for %s", op, key)
}

func (st *RedisStore) probe() {
	ctx, cancel := context.WithTimeout(st.ctx, constants.RedisDialTimeout)
	defer cancel()

	err := st.client.Ping(ctx).Err()
	was := st.enabled.Swap(err == nil)
	switch {
	case err == nil && !was:
		st.log.Infof("✅ Redis reachable")
	case err != nil && was:
		st.log.WithError(err).Warnf("⚠️  Redis ping failed")
	}
}

func (st *RedisStore) startProbe() {
	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		ticker := time.NewTicker(constants.CacheProbeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-st.ctx.Done():
				return
			case <-ticker.C:
				st.probe()
			}
		}
	}()
}

func parseInfoField(info, field string) string {
	scanner := bufio.NewScanner(strings.NewReader(info))
	prefix := field + ":"
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix)
		}
	}
	return ""
}

// Package coordinator shares connection limits between dbpool instances
// through Redis.
//
// It provides:
//   - Atomic acquire/release of per-pool connection slots using Lua scripts
//   - Per-instance slot tracking so dead instances can be cleaned up
//   - Fallback mode with local limits when Redis is unavailable
//   - A Redis-backed failover event log
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joao-brasil/dbpool/internal/config"
	"github.com/joao-brasil/dbpool/internal/logging"
	"github.com/joao-brasil/dbpool/internal/metrics"
	"github.com/joao-brasil/dbpool/internal/pool"
)

var _ pool.SlotLimiter = (*Coordinator)(nil)

// ErrPoolNotRegistered is returned when a slot is requested for a pool whose
// limit was never registered in Redis.
var ErrPoolNotRegistered = errors.New("pool limit not registered")

// acquireScript returns the new global count, -1 at capacity or -2 when the
// pool has no registered limit.
var acquireScript = redis.NewScript(`
local max = tonumber(redis.call('GET', KEYS[2]))
if not max then
  return -2
end
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= max then
  return -1
end
redis.call('HINCRBY', KEYS[3], ARGV[1], 1)
return redis.call('INCR', KEYS[1])
`)

// releaseScript never lets either counter go below zero.
var releaseScript = redis.NewScript(`
local mine = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
if mine > 0 then
  redis.call('HINCRBY', KEYS[2], ARGV[1], -1)
end
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

// keys builds Redis key names under a common prefix.
type keys struct{ prefix string }

func (k keys) poolCount(pool string) string   { return fmt.Sprintf("%s:pool:%s:count", k.prefix, pool) }
func (k keys) poolMax(pool string) string     { return fmt.Sprintf("%s:pool:%s:max", k.prefix, pool) }
func (k keys) instanceConns(id string) string { return fmt.Sprintf("%s:instance:%s:conns", k.prefix, id) }
func (k keys) heartbeat(id string) string     { return fmt.Sprintf("%s:instance:%s:heartbeat", k.prefix, id) }
func (k keys) instances() string              { return k.prefix + ":instances" }
func (k keys) failoverEvents() string         { return k.prefix + ":failover_events" }

// Coordinator enforces per-pool connection limits across every instance
// sharing a Redis. It implements pool.SlotLimiter.
type Coordinator struct {
	client     redis.UniversalClient
	cfg        config.RedisConfig
	fallback   config.FallbackConfig
	instanceID string
	keys       keys
	logger     *zap.Logger

	fallbackMode atomic.Bool

	// limits holds the registered max per pool; counts the slots this
	// instance holds, in both modes.
	mu     sync.Mutex
	limits map[string]int
	counts map[string]int

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New connects to Redis and registers this instance. When Redis cannot be
// reached and fallback is enabled it starts in fallback mode instead of failing.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Coordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	return newCoordinator(ctx, client, cfg, logger)
}

func newCoordinator(ctx context.Context, client redis.UniversalClient, cfg *config.Config, logger *zap.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.Redis.KeyPrefix
	if prefix == "" {
		prefix = "dbpool"
	}

	c := &Coordinator{
		client:     client,
		cfg:        cfg.Redis,
		fallback:   cfg.Fallback,
		instanceID: cfg.Service.InstanceID,
		keys:       keys{prefix: prefix},
		logger:     logger.With(zap.String("component", "coordinator")),
		limits:     make(map[string]int),
		counts:     make(map[string]int),
		stopCh:     make(chan struct{}),
	}

	pingCtx := ctx
	if cfg.Redis.DialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.Redis.DialTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("ping", "error").Inc()
		if c.fallback.Enabled {
			c.logger.Warn("redis unavailable, starting in fallback mode",
				zap.String("addr", cfg.Redis.Addr), logging.Err(err))
			c.fallbackMode.Store(true)
			return c, nil
		}
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("ping", "ok").Inc()

	if err := client.SAdd(ctx, c.keys.instances(), c.instanceID).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("registering instance: %w", err)
	}

	c.logger.Info("redis coordinator initialized",
		zap.String("addr", cfg.Redis.Addr),
		zap.String("instance_id", c.instanceID),
		zap.String("key_prefix", prefix))
	return c, nil
}

// ── Slot limiter ────────────────────────────────────────────────────────

// RegisterPool publishes the pool's global max. The current global count is
// left untouched so instances can register the same pool concurrently.
func (c *Coordinator) RegisterPool(ctx context.Context, poolName string, max int) error {
	c.mu.Lock()
	c.limits[poolName] = max
	if _, ok := c.counts[poolName]; !ok {
		c.counts[poolName] = 0
	}
	c.mu.Unlock()

	if c.fallbackMode.Load() {
		return nil
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, c.keys.poolMax(poolName), max, 0)
	pipe.SetNX(ctx, c.keys.poolCount(poolName), 0, 0)
	pipe.SAdd(ctx, c.keys.instances(), c.instanceID)
	pipe.HSetNX(ctx, c.keys.instanceConns(c.instanceID), poolName, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RedisOperations.WithLabelValues("register", "error").Inc()
		if c.fallback.Enabled {
			c.enterFallback(err)
			return nil
		}
		return fmt.Errorf("registering pool %s: %w", poolName, err)
	}
	metrics.RedisOperations.WithLabelValues("register", "ok").Inc()
	c.logger.Debug("pool registered", zap.String("pool", poolName), zap.Int("max", max))
	return nil
}

// AcquireSlot takes one global slot for poolName. It reports false when the
// pool is at its global limit.
func (c *Coordinator) AcquireSlot(ctx context.Context, poolName string) (bool, error) {
	if c.fallbackMode.Load() {
		return c.acquireFallback(poolName), nil
	}

	res, err := acquireScript.Run(ctx, c.client,
		[]string{c.keys.poolCount(poolName), c.keys.poolMax(poolName), c.keys.instanceConns(c.instanceID)},
		poolName,
	).Int64()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("acquire", "error").Inc()
		if c.fallback.Enabled && ctx.Err() == nil {
			c.enterFallback(err)
			return c.acquireFallback(poolName), nil
		}
		return false, fmt.Errorf("redis acquire: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("acquire", "ok").Inc()

	switch res {
	case -1:
		return false, nil
	case -2:
		return false, fmt.Errorf("pool %s: %w", poolName, ErrPoolNotRegistered)
	}
	c.mu.Lock()
	c.counts[poolName]++
	c.mu.Unlock()
	return true, nil
}

// ReleaseSlot returns a slot taken by AcquireSlot.
func (c *Coordinator) ReleaseSlot(ctx context.Context, poolName string) error {
	c.mu.Lock()
	if c.counts[poolName] > 0 {
		c.counts[poolName]--
	}
	c.mu.Unlock()

	if c.fallbackMode.Load() {
		return nil
	}

	err := releaseScript.Run(ctx, c.client,
		[]string{c.keys.poolCount(poolName), c.keys.instanceConns(c.instanceID)},
		poolName,
	).Err()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("release", "error").Inc()
		if c.fallback.Enabled {
			c.enterFallback(err)
			return nil
		}
		return fmt.Errorf("redis release: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("release", "ok").Inc()
	return nil
}

// ── Fallback mode ───────────────────────────────────────────────────────

// IsFallback reports whether the coordinator is enforcing local limits.
func (c *Coordinator) IsFallback() bool {
	return c.fallbackMode.Load()
}

func (c *Coordinator) enterFallback(cause error) {
	if c.fallbackMode.CompareAndSwap(false, true) {
		c.logger.Warn("entering fallback mode, using local limits", logging.Err(cause))
		metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_entered").Inc()
	}
}

// ExitFallback reconnects to Redis, republishes pool limits and reconciles
// the slots this instance holds, then leaves fallback mode.
func (c *Coordinator) ExitFallback(ctx context.Context) error {
	if !c.fallbackMode.Load() {
		return nil
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return err
	}
	if err := c.reconcile(ctx); err != nil {
		c.logger.Warn("reconciliation failed, staying in fallback mode", logging.Err(err))
		return err
	}

	c.fallbackMode.Store(false)
	c.logger.Info("exited fallback mode, redis reconnected")
	metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_exited").Inc()
	return nil
}

func (c *Coordinator) acquireFallback(poolName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counts[poolName] >= c.localLimitLocked(poolName) {
		return false
	}
	c.counts[poolName]++
	return true
}

// localLimitLocked is the per-instance share of a pool's limit in fallback
// mode: max / divisor, at least 1.
func (c *Coordinator) localLimitLocked(poolName string) int {
	limit, ok := c.limits[poolName]
	if !ok {
		return 1
	}
	divisor := c.fallback.LocalLimitDivisor
	if divisor <= 0 {
		divisor = 3
	}
	return max(1, limit/divisor)
}

// reconcile pushes the local slot counts to Redis, adjusting the global
// counters by the difference with what Redis last knew about this instance.
func (c *Coordinator) reconcile(ctx context.Context) error {
	c.mu.Lock()
	limits := make(map[string]int, len(c.limits))
	for k, v := range c.limits {
		limits[k] = v
	}
	counts := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		counts[k] = v
	}
	c.mu.Unlock()

	instKey := c.keys.instanceConns(c.instanceID)
	known, err := c.client.HGetAll(ctx, instKey).Result()
	if err != nil {
		return fmt.Errorf("reading instance counts: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, c.keys.instances(), c.instanceID)
	for poolName, limit := range limits {
		pipe.Set(ctx, c.keys.poolMax(poolName), limit, 0)
	}
	for poolName, n := range counts {
		prev, _ := strconv.Atoi(known[poolName])
		if delta := n - prev; delta != 0 {
			pipe.IncrBy(ctx, c.keys.poolCount(poolName), int64(delta))
		}
		pipe.HSet(ctx, instKey, poolName, n)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reconcile pipeline: %w", err)
	}

	c.logger.Info("reconciled slot counts with redis", zap.Int("pools", len(counts)))
	return nil
}

// ── Queries ─────────────────────────────────────────────────────────────

// GlobalCount returns the number of slots held for poolName by all instances,
// or the local count in fallback mode.
func (c *Coordinator) GlobalCount(ctx context.Context, poolName string) (int, error) {
	if c.fallbackMode.Load() {
		return c.LocalCount(poolName), nil
	}
	n, err := c.client.Get(ctx, c.keys.poolCount(poolName)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// LocalCount returns the slots this instance holds for poolName.
func (c *Coordinator) LocalCount(poolName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[poolName]
}

// InstanceCounts returns the per-pool slot counts Redis holds for an instance.
func (c *Coordinator) InstanceCounts(ctx context.Context, instanceID string) (map[string]int, error) {
	res, err := c.client.HGetAll(ctx, c.keys.instanceConns(instanceID)).Result()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(res))
	for k, v := range res {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		counts[k] = n
	}
	return counts, nil
}

// ActiveInstances returns the registered instance IDs.
func (c *Coordinator) ActiveInstances(ctx context.Context) ([]string, error) {
	return c.client.SMembers(ctx, c.keys.instances()).Result()
}

// EventLog returns a failover event log stored under this coordinator's prefix.
func (c *Coordinator) EventLog() *EventLog {
	return NewEventLog(c.client, c.keys.prefix, c.cfg.EventRetention)
}

// InstanceID returns this instance's ID.
func (c *Coordinator) InstanceID() string { return c.instanceID }

// Client returns the underlying Redis client.
func (c *Coordinator) Client() redis.UniversalClient { return c.client }

// ── Lifecycle ───────────────────────────────────────────────────────────

// Close stops background workers, unregisters this instance and returns its
// slots, then closes the Redis client.
func (c *Coordinator) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()

		if !c.fallbackMode.Load() {
			if uerr := c.unregister(ctx); uerr != nil {
				c.logger.Warn("unregistering instance failed", logging.Err(uerr))
			}
		}
		metrics.InstanceHeartbeat.WithLabelValues(c.instanceID).Set(0)
		c.logger.Info("instance unregistered", zap.String("instance_id", c.instanceID))
		err = c.client.Close()
	})
	return err
}

// unregister removes this instance and gives back any slots Redis still
// attributes to it.
func (c *Coordinator) unregister(ctx context.Context) error {
	return c.removeInstance(ctx, c.instanceID)
}

// removeInstance subtracts an instance's slots from the global counters and
// deletes its keys. Counters are clamped at zero.
func (c *Coordinator) removeInstance(ctx context.Context, instanceID string) error {
	instKey := c.keys.instanceConns(instanceID)
	held, err := c.client.HGetAll(ctx, instKey).Result()
	if err != nil {
		return fmt.Errorf("reading counts for %s: %w", instanceID, err)
	}

	pipe := c.client.Pipeline()
	for poolName, v := range held {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			continue
		}
		pipe.DecrBy(ctx, c.keys.poolCount(poolName), int64(n))
	}
	pipe.Del(ctx, instKey, c.keys.heartbeat(instanceID))
	pipe.SRem(ctx, c.keys.instances(), instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing instance %s: %w", instanceID, err)
	}

	for poolName := range held {
		key := c.keys.poolCount(poolName)
		if n, err := c.client.Get(ctx, key).Int64(); err == nil && n < 0 {
			c.client.Set(ctx, key, 0, 0)
			c.logger.Warn("corrected negative slot count", zap.String("pool", poolName))
		}
	}
	return nil
}

// Ping checks Redis connectivity.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

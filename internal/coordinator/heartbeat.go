package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/dbpool/internal/logging"
	"github.com/joao-brasil/dbpool/internal/metrics"
)

// cleanupEvery runs dead-instance cleanup once per this many heartbeats.
const cleanupEvery = 3

// Heartbeat periodically refreshes this instance's presence in Redis
// and releases the slots of instances whose heartbeat expired.
type Heartbeat struct {
	coordinator *Coordinator
	interval    time.Duration
	ttl         time.Duration
	logger      *zap.Logger
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewHeartbeat creates a heartbeat worker for the given coordinator.
func NewHeartbeat(c *Coordinator) *Heartbeat {
	interval := c.cfg.HeartbeatInterval
	if interval == 0 {
		interval = 10 * time.Second
	}
	ttl := c.cfg.HeartbeatTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}

	return &Heartbeat{
		coordinator: c,
		interval:    interval,
		ttl:         ttl,
		logger:      c.logger.With(zap.String("worker", "heartbeat")),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the heartbeat loop in a background goroutine. The loop ends on
// Stop, on ctx cancellation or when the coordinator closes.
func (hb *Heartbeat) Start(ctx context.Context) {
	hb.coordinator.wg.Add(1)
	go hb.loop(ctx)
	hb.logger.Info("heartbeat started",
		zap.Duration("interval", hb.interval),
		zap.Duration("ttl", hb.ttl),
		zap.String("instance_id", hb.coordinator.instanceID))
}

// Stop signals the heartbeat loop to stop.
func (hb *Heartbeat) Stop() {
	hb.stopOnce.Do(func() { close(hb.stopCh) })
}

func (hb *Heartbeat) loop(ctx context.Context) {
	defer hb.coordinator.wg.Done()

	hb.beat(ctx)

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-hb.stopCh:
			return
		case <-hb.coordinator.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if hb.coordinator.IsFallback() {
				if err := hb.coordinator.ExitFallback(ctx); err != nil {
					continue
				}
			}

			hb.beat(ctx)

			ticks++
			if ticks%cleanupEvery == 0 {
				hb.cleanupDeadInstances(ctx)
			}
		}
	}
}

// beat refreshes this instance's heartbeat key with a TTL.
func (hb *Heartbeat) beat(ctx context.Context) {
	c := hb.coordinator
	if c.IsFallback() {
		return
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, c.keys.heartbeat(c.instanceID), time.Now().Unix(), hb.ttl)
	pipe.SAdd(ctx, c.keys.instances(), c.instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		hb.logger.Warn("failed to send heartbeat", logging.Err(err))
		metrics.RedisOperations.WithLabelValues("heartbeat", "error").Inc()
		if c.fallback.Enabled && ctx.Err() == nil {
			c.enterFallback(err)
		}
		return
	}

	metrics.InstanceHeartbeat.WithLabelValues(c.instanceID).Set(1)
	metrics.RedisOperations.WithLabelValues("heartbeat", "ok").Inc()
}

// cleanupDeadInstances releases the slots of registered instances whose
// heartbeat key has expired. It returns the number of instances removed.
func (hb *Heartbeat) cleanupDeadInstances(ctx context.Context) int {
	c := hb.coordinator
	if c.IsFallback() {
		return 0
	}

	instances, err := c.client.SMembers(ctx, c.keys.instances()).Result()
	if err != nil {
		hb.logger.Warn("failed to list instances", logging.Err(err))
		return 0
	}

	removed := 0
	for _, id := range instances {
		if id == c.instanceID {
			continue
		}
		alive, err := c.client.Exists(ctx, c.keys.heartbeat(id)).Result()
		if err != nil || alive > 0 {
			continue
		}

		held, _ := c.InstanceCounts(ctx, id)
		if err := c.removeInstance(ctx, id); err != nil {
			hb.logger.Warn("failed to clean up dead instance", zap.String("instance_id", id), logging.Err(err))
			continue
		}
		removed++

		recovered := 0
		for _, n := range held {
			recovered += max(n, 0)
		}
		metrics.InstanceHeartbeat.WithLabelValues(id).Set(0)
		metrics.ConnectionErrors.WithLabelValues("coordinator", "dead_instance_cleanup").Inc()
		hb.logger.Warn("cleaned up dead instance",
			zap.String("instance_id", id),
			zap.Int("recovered_slots", recovered))
	}
	return removed
}

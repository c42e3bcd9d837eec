package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/dbpool/internal/metrics"
	"github.com/joao-brasil/dbpool/internal/pool"
)

var _ pool.EventLog = (*EventLog)(nil)

// EventLog stores failover events in a Redis sorted set scored by time, so
// every instance sees the same history. Events older than the retention are
// trimmed on each write.
type EventLog struct {
	client    redis.UniversalClient
	key       string
	retention time.Duration
	now       func() time.Time
}

// NewEventLog returns an event log under prefix. A zero retention keeps
// events for pool.DefaultEventRetention.
func NewEventLog(client redis.UniversalClient, prefix string, retention time.Duration) *EventLog {
	if retention <= 0 {
		retention = pool.DefaultEventRetention
	}
	return &EventLog{
		client:    client,
		key:       keys{prefix: prefix}.failoverEvents(),
		retention: retention,
		now:       time.Now,
	}
}

func (l *EventLog) Record(ctx context.Context, ev pool.FailoverEvent) error {
	if ev.At.IsZero() {
		ev.At = l.now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding failover event: %w", err)
	}

	cutoff := l.now().Add(-l.retention).UnixMilli()
	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, l.key, redis.Z{Score: float64(ev.At.UnixMilli()), Member: data})
	pipe.ZRemRangeByScore(ctx, l.key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, l.key, l.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RedisOperations.WithLabelValues("record_event", "error").Inc()
		return fmt.Errorf("recording failover event: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("record_event", "ok").Inc()
	return nil
}

// Since returns events at or after t that are still within the retention,
// oldest first.
func (l *EventLog) Since(ctx context.Context, t time.Time) ([]pool.FailoverEvent, error) {
	from := max(t.UnixMilli(), l.now().Add(-l.retention).UnixMilli())
	members, err := l.client.ZRangeByScore(ctx, l.key, &redis.ZRangeBy{
		Min: strconv.FormatInt(from, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("list_events", "error").Inc()
		return nil, fmt.Errorf("listing failover events: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("list_events", "ok").Inc()

	events := make([]pool.FailoverEvent, 0, len(members))
	for _, m := range members {
		var ev pool.FailoverEvent
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

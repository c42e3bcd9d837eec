package pool

import (
	"context"
	"sync"
	"time"
)

// FailoverEvent records a pool being moved from one node to another.
type FailoverEvent struct {
	At     time.Time `json:"at"`
	Pool   string    `json:"pool"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
}

// EventLog stores failover events for reporting.
type EventLog interface {
	Record(ctx context.Context, ev FailoverEvent) error
	// Since returns events at or after t, oldest first.
	Since(ctx context.Context, t time.Time) ([]FailoverEvent, error)
}

// DefaultEventRetention is how long failover events are kept.
const DefaultEventRetention = 24 * time.Hour

// MemoryEventLog keeps events in memory, bounded by age and count.
type MemoryEventLog struct {
	mu        sync.Mutex
	retention time.Duration
	max       int
	events    []FailoverEvent
	now       func() time.Time
}

// NewMemoryEventLog keeps events for retention (24h when zero) and at most
// max entries (1000 when zero).
func NewMemoryEventLog(retention time.Duration, max int) *MemoryEventLog {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	if max <= 0 {
		max = 1000
	}
	return &MemoryEventLog{retention: retention, max: max, now: time.Now}
}

func (l *MemoryEventLog) Record(_ context.Context, ev FailoverEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ev.At.IsZero() {
		ev.At = l.now()
	}
	l.events = append(l.events, ev)
	l.pruneLocked()
	return nil
}

func (l *MemoryEventLog) Since(_ context.Context, t time.Time) ([]FailoverEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()
	out := make([]FailoverEvent, 0, len(l.events))
	for _, ev := range l.events {
		if !ev.At.Before(t) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *MemoryEventLog) pruneLocked() {
	cutoff := l.now().Add(-l.retention)
	i := 0
	for i < len(l.events) && l.events[i].At.Before(cutoff) {
		i++
	}
	if over := len(l.events) - i - l.max; over > 0 {
		i += over
	}
	if i > 0 {
		l.events = append(l.events[:0], l.events[i:]...)
	}
}

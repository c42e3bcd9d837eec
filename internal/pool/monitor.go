package pool

import (
	"context"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/dbpool/internal/metrics"
)

// Report is the outcome of one health check.
type Report struct {
	Pool      string         `json:"pool"`
	Status    HealthStatus   `json:"status"`
	Score     int            `json:"score"`
	Issues    []Issue        `json:"issues,omitempty"`
	NewLeaks  int            `json:"new_leaks"`
	Reclaimed int            `json:"reclaimed"`
	Nodes     []NodeStatus   `json:"nodes,omitempty"`
	Failover  *FailoverEvent `json:"failover,omitempty"`
	Stats     Statistics     `json:"statistics"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Monitor checks a pool on a fixed interval: leak detection, health scoring
// and, when enabled, failover between nodes. It only reads pool state and
// opens its own probe connections, so it never blocks Acquire or Release.
type Monitor struct {
	pool     *Pool
	interval time.Duration
	events   EventLog
	logger   *zap.Logger

	mu   sync.Mutex
	last *Report

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewMonitor builds a monitor for p using its HealthCheckInterval. Only
// WithEventLog applies; without it events go to an in-memory log. The
// monitor logs through the pool's logger.
func NewMonitor(p *Pool, opts ...Option) *Monitor {
	o := buildOptions(opts)
	if o.events == nil {
		o.events = NewMemoryEventLog(0, 0)
	}
	return &Monitor{
		pool:     p,
		interval: p.cfg.HealthCheckInterval,
		events:   o.events,
		logger:   p.base.With(zap.String("component", "monitor"), zap.String("pool", p.name)),
		stopCh:   make(chan struct{}),
	}
}

// Start runs Check every interval until Stop.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.loop()
	})
}

// Stop ends the background loop and waits for a running check to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			m.Check(ctx)
			cancel()
		}
	}
}

// Check runs one health check now.
func (m *Monitor) Check(ctx context.Context) Report {
	newLeaks, reclaimed := m.pool.detectLeaks()

	r := Report{Pool: m.pool.name, NewLeaks: newLeaks, Reclaimed: reclaimed}
	if m.pool.cfg.FailoverEnabled && m.pool.usable() {
		r.Nodes = m.pool.ProbeNodes(ctx)
		r.Failover = m.failover(ctx, r.Nodes)
	}

	r.Stats = m.pool.Statistics()
	r.Status = r.Stats.Health.Status
	r.Score = r.Stats.Health.Score
	r.Issues = r.Stats.Health.Issues
	r.CheckedAt = time.Now()
	metrics.HealthScore.WithLabelValues(m.pool.name).Set(float64(r.Score))

	m.mu.Lock()
	prev := m.last
	m.last = &r
	m.mu.Unlock()

	if prev == nil || prev.Status != r.Status {
		fields := []zap.Field{zap.String("status", string(r.Status)), zap.Int("score", r.Score)}
		for _, i := range r.Issues {
			fields = append(fields, zap.String("issue", i.Message))
		}
		if r.Status == StatusHealthy {
			m.logger.Info("pool health changed", fields...)
		} else {
			m.logger.Warn("pool health changed", fields...)
		}
	}
	return r
}

// Snapshot scores the pool's current statistics without detecting leaks,
// probing nodes or failing over. Node states come from the last Check.
func (m *Monitor) Snapshot() Report {
	stats := m.pool.Statistics()
	r := Report{
		Pool:      m.pool.name,
		Status:    stats.Health.Status,
		Score:     stats.Health.Score,
		Issues:    stats.Health.Issues,
		Stats:     stats,
		CheckedAt: time.Now(),
	}
	if last, ok := m.Last(); ok {
		r.Nodes = last.Nodes
	}
	return r
}

// Events returns the log failover events are recorded in.
func (m *Monitor) Events() EventLog { return m.events }

// Last returns the most recent report.
func (m *Monitor) Last() (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Report{}, false
	}
	return *m.last, true
}

// detectLeaks counts borrows older than AbandonedTimeout, once per borrow.
// With ReclaimAbandoned set those connections are closed; a later Release by
// the original borrower is then a no-op.
func (p *Pool) detectLeaks() (newLeaks, reclaimed int) {
	if p.cfg.AbandonedTimeout <= 0 {
		return 0, 0
	}

	type leak struct {
		id     uint64
		held   time.Duration
		labels map[string]string
	}
	var found []leak
	var victims []*Conn

	p.mu.Lock()
	now := time.Now()
	for _, c := range p.borrowed {
		c.mu.Lock()
		held := now.Sub(c.borrowedAt)
		if !c.releasing && held > p.cfg.AbandonedTimeout {
			if !c.leakReported {
				c.leakReported = true
				found = append(found, leak{id: c.id, held: held, labels: maps.Clone(c.labels)})
			}
			if p.cfg.ReclaimAbandoned {
				c.releasing = true
				victims = append(victims, c)
			}
		}
		c.mu.Unlock()
	}
	p.counters.leaks += uint64(len(found))
	p.mu.Unlock()

	for _, l := range found {
		p.logger.Warn("connection leak detected",
			zap.Uint64("conn_id", l.id), zap.Duration("held", l.held), zap.Any("labels", l.labels))
	}
	if len(found) > 0 {
		metrics.LeaksDetected.WithLabelValues(p.name).Add(float64(len(found)))
	}
	for _, c := range victims {
		p.logger.Warn("reclaiming abandoned connection", zap.Uint64("conn_id", c.id))
		p.remove(c)
	}
	return len(found), len(victims)
}

func (p *Pool) usable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateReady
}

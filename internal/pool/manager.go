package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joao-brasil/dbpool/internal/config"
	"github.com/joao-brasil/dbpool/internal/driver"
	"github.com/joao-brasil/dbpool/internal/logging"
	"github.com/joao-brasil/dbpool/internal/retry"
	"github.com/joao-brasil/dbpool/pkg/target"
)

type managedPool struct {
	pool    *Pool
	monitor *Monitor
	watched bool
}

// Manager owns named pools and is the entry point for callers that do not
// hold a *Pool themselves.
type Manager struct {
	mu       sync.RWMutex
	pools    map[string]*managedPool
	reserved map[string]struct{}

	logger *zap.Logger
	events EventLog
	opts   []Option
}

// NewManager creates an empty Manager. Options become the defaults of every
// pool it creates. Without WithEventLog, failover events of all pools go to
// one shared in-memory log.
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	all := append([]Option{WithLogger(logger)}, opts...)
	events := buildOptions(all).events
	if events == nil {
		events = NewMemoryEventLog(0, 0)
		all = append(all, WithEventLog(events))
	}
	return &Manager{
		pools:    make(map[string]*managedPool),
		reserved: make(map[string]struct{}),
		logger:   logger.With(zap.String("component", "manager")),
		events:   events,
		opts:     all,
	}
}

// CreatePool builds and initializes a pool and registers it under name.
// A monitor is started when WithMonitor(true) is passed.
func (m *Manager) CreatePool(ctx context.Context, name string, t *target.Target, cfg target.PoolConfig, opts ...Option) (*Pool, error) {
	if err := m.reserve(name); err != nil {
		return nil, err
	}

	all := append(append([]Option{}, m.opts...), opts...)
	o := buildOptions(all)

	p, err := m.build(ctx, name, t, cfg, o, all)
	if err != nil {
		m.unreserve(name)
		return nil, err
	}

	mp := &managedPool{pool: p, monitor: NewMonitor(p, all...), watched: o.monitor}
	if mp.watched {
		mp.monitor.Start()
	}

	m.mu.Lock()
	delete(m.reserved, name)
	m.pools[name] = mp
	m.mu.Unlock()

	m.logger.Info("pool registered",
		zap.String("pool", name), zap.String("dialect", t.Dialect), zap.Bool("monitor", mp.watched))
	return p, nil
}

// CreatePoolsFromConfig creates every configured pool. If one fails, the pools
// created by this call are closed again.
func (m *Manager) CreatePoolsFromConfig(ctx context.Context, cfg *config.Config) error {
	created := make([]string, 0, len(cfg.Pools))
	for i := range cfg.Pools {
		e := &cfg.Pools[i]
		t := e.Target
		if _, err := m.CreatePool(ctx, e.Name, &t, e.Pool, WithMonitor(e.Monitor)); err != nil {
			for _, name := range created {
				_ = m.ClosePool(ctx, name)
			}
			return fmt.Errorf("creating pool %s: %w", e.Name, err)
		}
		created = append(created, e.Name)
	}
	m.logger.Info("pools created from config", zap.Int("count", len(created)))
	return nil
}

// GetConnection acquires a connection from the named pool. With WithRetry,
// transient failures are retried; a closed pool never is.
func (m *Manager) GetConnection(ctx context.Context, name string, opts ...AcquireOption) (*Conn, error) {
	p, ok := m.Pool(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, name)
	}

	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.retry == nil {
		return p.Acquire(ctx, opts...)
	}

	policy := *o.retry
	if policy.Retryable == nil {
		policy.Retryable = IsRetryable
	}
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error, wait time.Duration) {
			m.logger.Debug("acquire failed, retrying",
				zap.String("pool", name), zap.Int("attempt", attempt),
				zap.Duration("wait", wait), logging.Err(err))
		}
	}
	return retry.DoWithResult(ctx, policy, func() (*Conn, error) {
		return p.Acquire(ctx, opts...)
	})
}

// Release returns a connection to the pool it came from.
func (m *Manager) Release(c *Conn, labels ...map[string]string) error {
	if c == nil {
		return nil
	}
	if c.pool == nil {
		return c.Release()
	}
	p, ok := m.Pool(c.poolName)
	if !ok || p != c.pool {
		m.logger.Warn("releasing connection of unregistered pool",
			zap.String("pool", c.poolName), zap.Uint64("conn_id", c.id))
		return c.pool.Release(c, labels...)
	}
	return p.Release(c, labels...)
}

// ClosePool stops the monitor, closes the pool and unregisters it.
func (m *Manager) ClosePool(ctx context.Context, name string) error {
	m.mu.Lock()
	mp, ok := m.pools[name]
	delete(m.pools, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, name)
	}

	mp.monitor.Stop()
	if err := mp.pool.Close(ctx); err != nil {
		return fmt.Errorf("closing pool %s: %w", name, err)
	}
	return nil
}

// CloseAll closes every registered pool concurrently.
func (m *Manager) CloseAll(ctx context.Context) error {
	var g errgroup.Group
	for _, name := range m.Names() {
		g.Go(func() error { return m.ClosePool(ctx, name) })
	}
	err := g.Wait()
	if errors.Is(err, ErrUnknownPool) {
		err = nil
	}
	m.logger.Info("manager closed")
	return err
}

// PerformHealthCheck runs a health check on the named pool, or on every pool
// concurrently when name is empty. Reports are ordered by pool name.
func (m *Manager) PerformHealthCheck(ctx context.Context, name string) ([]Report, error) {
	if name != "" {
		mp, ok := m.managed(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPool, name)
		}
		return []Report{mp.monitor.Check(ctx)}, nil
	}

	m.mu.RLock()
	monitors := make([]*Monitor, 0, len(m.pools))
	for _, mp := range m.pools {
		monitors = append(monitors, mp.monitor)
	}
	m.mu.RUnlock()

	reports := make([]Report, len(monitors))
	var g errgroup.Group
	for i, mon := range monitors {
		g.Go(func() error {
			reports[i] = mon.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(reports, func(i, j int) bool { return reports[i].Pool < reports[j].Pool })
	return reports, nil
}

// Snapshot returns passive reports for the named pool, or for every pool
// when name is empty. Unlike PerformHealthCheck it never probes nodes,
// counts leaks or fails over.
func (m *Manager) Snapshot(name string) ([]Report, error) {
	if name != "" {
		mp, ok := m.managed(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPool, name)
		}
		return []Report{mp.monitor.Snapshot()}, nil
	}

	m.mu.RLock()
	reports := make([]Report, 0, len(m.pools))
	for _, mp := range m.pools {
		reports = append(reports, mp.monitor.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(reports, func(i, j int) bool { return reports[i].Pool < reports[j].Pool })
	return reports, nil
}

// FailoverEvents returns failover events recorded at or after since, oldest
// first. Events older than the log's retention are gone.
func (m *Manager) FailoverEvents(ctx context.Context, since time.Time) ([]FailoverEvent, error) {
	return m.events.Since(ctx, since)
}

// LastReports returns the latest background report of every monitored pool.
func (m *Manager) LastReports() []Report {
	m.mu.RLock()
	reports := make([]Report, 0, len(m.pools))
	for _, mp := range m.pools {
		if r, ok := mp.monitor.Last(); ok {
			reports = append(reports, r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(reports, func(i, j int) bool { return reports[i].Pool < reports[j].Pool })
	return reports
}

// Statistics returns the statistics of every pool ordered by name.
func (m *Manager) Statistics() []Statistics {
	m.mu.RLock()
	stats := make([]Statistics, 0, len(m.pools))
	for _, mp := range m.pools {
		stats = append(stats, mp.pool.Statistics())
	}
	m.mu.RUnlock()
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Pool returns the pool registered under name.
func (m *Manager) Pool(name string) (*Pool, bool) {
	mp, ok := m.managed(name)
	if !ok {
		return nil, false
	}
	return mp.pool, true
}

// Names returns the registered pool names in order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ── Internal helpers ─────────────────────────────────────────────────────

func (m *Manager) managed(name string) (*managedPool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.pools[name]
	return mp, ok
}

// reserve claims name so concurrent CreatePool calls cannot both build it.
func (m *Manager) reserve(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePoolName, name)
	}
	if _, ok := m.reserved[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePoolName, name)
	}
	m.reserved[name] = struct{}{}
	return nil
}

func (m *Manager) unreserve(name string) {
	m.mu.Lock()
	delete(m.reserved, name)
	m.mu.Unlock()
}

func (m *Manager) build(ctx context.Context, name string, t *target.Target, cfg target.PoolConfig, o options, opts []Option) (*Pool, error) {
	drv, err := lookupDriver(o, t.Dialect)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", name, err)
	}
	p, err := New(name, t, cfg, drv, opts...)
	if err != nil {
		return nil, err
	}
	if err := p.Initialize(ctx); err != nil {
		_ = p.Close(ctx)
		return nil, err
	}
	return p, nil
}

func lookupDriver(o options, dialect string) (driver.Driver, error) {
	if d, ok := o.drivers[dialect]; ok && d != nil {
		return d, nil
	}
	return nil, fmt.Errorf("no driver registered for dialect %q", dialect)
}

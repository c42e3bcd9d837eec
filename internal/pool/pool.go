package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/joao-brasil/dbpool/internal/driver"
	"github.com/joao-brasil/dbpool/internal/logging"
	"github.com/joao-brasil/dbpool/internal/metrics"
	"github.com/joao-brasil/dbpool/internal/retry"
	"github.com/joao-brasil/dbpool/pkg/target"
)

// SlotLimiter caps physical connections across every process sharing a pool
// name. AcquireSlot returns false when the global limit is reached.
type SlotLimiter interface {
	RegisterPool(ctx context.Context, pool string, max int) error
	AcquireSlot(ctx context.Context, pool string) (bool, error)
	ReleaseSlot(ctx context.Context, pool string) error
}

var errSlotUnavailable = errors.New("global connection limit reached")

// slotPollInterval is how often a caller refused by the SlotLimiter retries.
const slotPollInterval = 500 * time.Millisecond

type poolState int

const (
	stateNew poolState = iota
	stateReady
	stateClosed
)

func (s poolState) String() string {
	switch s {
	case stateReady:
		return "ready"
	case stateClosed:
		return "closed"
	default:
		return "new"
	}
}

type counters struct {
	created          uint64
	closed           uint64
	failed           uint64
	validationErrors uint64
	leaks            uint64
	timeouts         uint64
	borrows          uint64
	releases         uint64
	peak             int
	totalWait        time.Duration
	maxWait          time.Duration
	totalHold        time.Duration
}

// Pool manages the connections of one target. Bookkeeping happens under a
// single mutex that is never held while waiting or during driver I/O.
type Pool struct {
	name    string
	target  *target.Target
	cfg     target.PoolConfig
	drv     driver.Driver
	logger  *zap.Logger
	base    *zap.Logger
	limiter SlotLimiter

	// createLimiter throttles new physical connections; nil when unlimited.
	createLimiter *rate.Limiter

	initMu sync.Mutex

	mu    sync.Mutex
	state poolState
	node  target.Node

	// idle holds connections available for reuse, most recently used last.
	idle []*Conn

	// borrowed tracks lent connections keyed by id.
	borrowed map[uint64]*Conn

	// pending counts connections being opened; checking counts idle
	// connections taken aside by maintenance for validation.
	pending  int
	checking int

	// waiters is a FIFO of callers blocked in Acquire. A connection sent on a
	// waiter channel is already lent to that waiter; a nil value means
	// capacity was freed and the waiter should try again.
	waiters []chan *Conn

	// drained is closed when the last borrowed connection comes back after Close.
	drained chan struct{}

	counters counters
	nextID   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an uninitialized pool. cfg defaults are applied before validation.
func New(name string, t *target.Target, cfg target.PoolConfig, drv driver.Driver, opts ...Option) (*Pool, error) {
	if name == "" {
		return nil, errors.New("pool name is required")
	}
	if t == nil || drv == nil {
		return nil, fmt.Errorf("pool %s: target and driver are required", name)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool %s: %w", name, err)
	}
	if err := t.Validate(cfg.FailoverEnabled); err != nil {
		return nil, fmt.Errorf("pool %s: %w", name, err)
	}

	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:     name,
		target:   t,
		cfg:      cfg,
		drv:      drv,
		logger:   o.logger.With(zap.String("component", "pool"), zap.String("pool", name)),
		base:     o.logger,
		limiter:  o.limiter,
		node:     t.Primary(),
		idle:     make([]*Conn, 0, cfg.MaxSize),
		borrowed: make(map[uint64]*Conn),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.CreateRate > 0 {
		p.createLimiter = rate.NewLimiter(rate.Limit(cfg.CreateRate), cfg.CreateBurst)
	}
	metrics.ConnectionsMax.WithLabelValues(name).Set(float64(cfg.MaxSize))
	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Config returns the effective configuration.
func (p *Pool) Config() target.PoolConfig { return p.cfg }

// Target returns the target the pool connects to.
func (p *Pool) Target() *target.Target { return p.target }

// Driver returns the driver the pool opens connections with.
func (p *Pool) Driver() driver.Driver { return p.drv }

// CurrentNode returns the node new connections are opened against.
func (p *Pool) CurrentNode() target.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.node
}

// Initialize opens InitialSize connections and starts maintenance. It fails
// with an *InitializationError when fewer than MinSize could be opened; the
// pool then stays uninitialized and Initialize may be called again.
func (p *Pool) Initialize(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	p.mu.Lock()
	switch p.state {
	case stateReady:
		p.mu.Unlock()
		return nil
	case stateClosed:
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	if p.limiter != nil {
		if err := p.limiter.RegisterPool(ctx, p.name, p.cfg.MaxSize); err != nil {
			p.logger.Warn("registering pool with slot limiter failed", logging.Err(err))
		}
	}

	opened := make([]*Conn, 0, p.cfg.InitialSize)
	var lastErr error
	for i := 0; i < p.cfg.InitialSize; i++ {
		c, err := retry.DoWithResult(ctx, p.connectPolicy(), func() (*Conn, error) {
			return p.createConn(ctx)
		})
		if err != nil {
			lastErr = err
			p.logger.Warn("failed to open initial connection",
				zap.Int("attempt", i+1), zap.Int("initial_size", p.cfg.InitialSize), logging.Err(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		opened = append(opened, c)
	}

	if len(opened) < p.cfg.MinSize {
		p.closeConns(opened)
		return &InitializationError{Pool: p.name, Opened: len(opened), Required: p.cfg.MinSize, Err: lastErr}
	}

	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		p.closeConns(opened)
		return ErrPoolClosed
	}
	p.idle = append(p.idle, opened...)
	p.state = stateReady
	p.wg.Add(1)
	p.updateMetricsLocked()
	p.mu.Unlock()

	go p.maintenanceLoop()

	p.logger.Info("pool initialized",
		zap.Int("idle", len(opened)), zap.Int("min", p.cfg.MinSize), zap.Int("max", p.cfg.MaxSize),
		zap.String("node", p.node.Addr()))
	return nil
}

// AcquireOption tunes a single Acquire call.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	timeout time.Duration
	labels  map[string]string
	retry   *retry.Policy
}

// WithTimeout bounds how long Acquire waits for a free connection. Zero fails
// immediately when nothing is free; a negative value waits until ctx is done.
func WithTimeout(d time.Duration) AcquireOption {
	return func(o *acquireOptions) { o.timeout = d }
}

// WithLabels prefers an idle connection carrying all the given labels.
func WithLabels(labels map[string]string) AcquireOption {
	return func(o *acquireOptions) { o.labels = labels }
}

// WithRetry makes Manager.GetConnection retry transient failures with p.
func WithRetry(p retry.Policy) AcquireOption {
	return func(o *acquireOptions) { o.retry = &p }
}

// validationAttempt marks a failed borrow-time validation inside the retry loop.
type validationAttempt struct{ err error }

func (e *validationAttempt) Error() string { return e.err.Error() }

func isValidationAttempt(err error) bool {
	var va *validationAttempt
	return errors.As(err, &va)
}

func isConnectFailure(err error) bool {
	var ce *connectError
	return errors.As(err, &ce)
}

// connectPolicy retries failed physical opens per RetryAttempts.
func (p *Pool) connectPolicy() retry.Policy {
	return retry.Policy{
		Attempts:   p.cfg.RetryAttempts + 1,
		Delay:      p.cfg.RetryDelay,
		Multiplier: p.cfg.BackoffMultiplier,
		Retryable:  isConnectFailure,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			p.logger.Debug("open failed, retrying",
				zap.Int("attempt", attempt), zap.Duration("wait", wait), logging.Err(err))
		},
	}
}

// Acquire lends a connection. Idle connections are preferred (label matches
// first, then most recently used), a new one is opened while below MaxSize,
// otherwise the caller waits for a release.
func (p *Pool) Acquire(ctx context.Context, opts ...AcquireOption) (*Conn, error) {
	o := acquireOptions{timeout: p.cfg.BorrowTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	var deadline time.Time
	if o.timeout >= 0 {
		deadline = start.Add(o.timeout)
	}

	policy := p.connectPolicy()
	policy.Retryable = func(err error) bool {
		return isValidationAttempt(err) || isConnectFailure(err)
	}
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		p.logger.Debug("acquire failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("wait", wait), logging.Err(err))
	}

	c, err := retry.DoWithResult(ctx, policy, func() (*Conn, error) {
		c, reused, err := p.checkout(ctx, o, start, deadline)
		if err != nil {
			return nil, err
		}
		if !reused || !p.cfg.ValidateOnBorrow {
			return c, nil
		}
		if err := driver.Validate(ctx, p.drv, c.handle, p.cfg.ValidationQuery, p.cfg.ValidationTimeout); err != nil {
			p.mu.Lock()
			p.counters.validationErrors++
			p.mu.Unlock()
			metrics.ConnectionErrors.WithLabelValues(p.name, "validation_failed").Inc()
			p.logger.Warn("connection failed validation, discarding",
				zap.Uint64("conn_id", c.id), logging.Err(err))
			p.Discard(c)
			return nil, &validationAttempt{err: err}
		}
		return c, nil
	})
	if err != nil {
		var va *validationAttempt
		if errors.As(err, &va) {
			return nil, &ValidationError{Pool: p.name, Attempts: policy.Attempts, Err: va.err}
		}
		return nil, err
	}

	wait := time.Since(start)
	p.mu.Lock()
	p.counters.totalWait += wait
	if wait > p.counters.maxWait {
		p.counters.maxWait = wait
	}
	p.mu.Unlock()
	metrics.AcquireWaitDuration.WithLabelValues(p.name).Observe(wait.Seconds())
	metrics.ConnectionsTotal.WithLabelValues(p.name, "acquired").Inc()
	return c, nil
}

// checkout obtains one lent connection without validating it. reused is true
// for connections that were handed out before.
func (p *Pool) checkout(ctx context.Context, o acquireOptions, start, deadline time.Time) (*Conn, bool, error) {
	for {
		p.mu.Lock()
		if err := p.usableLocked(); err != nil {
			p.mu.Unlock()
			return nil, false, err
		}

		c, stale := p.popIdleLocked(o.labels)
		if c != nil {
			p.lendLocked(c)
			p.mu.Unlock()
			p.closeConns(stale)
			return c, true, nil
		}

		slotRefused := false
		if p.totalLocked() < p.cfg.MaxSize {
			p.pending++
			p.mu.Unlock()
			p.closeConns(stale)
			stale = nil

			c, err := p.createConn(ctx)

			p.mu.Lock()
			p.pending--
			switch {
			case err == nil && p.state == stateClosed:
				p.mu.Unlock()
				p.closeConns([]*Conn{c})
				return nil, false, ErrPoolClosed
			case err == nil:
				p.lendLocked(c)
				p.mu.Unlock()
				return c, false, nil
			case !errors.Is(err, errSlotUnavailable):
				w := p.popWaiterLocked()
				p.mu.Unlock()
				signal(w)
				return nil, false, err
			}
			slotRefused = true
		}

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			p.counters.timeouts++
			p.mu.Unlock()
			p.closeConns(stale)
			metrics.ConnectionsTotal.WithLabelValues(p.name, "timeout").Inc()
			return nil, false, p.exhausted(start, deadline)
		}

		w := make(chan *Conn, 1)
		p.waiters = append(p.waiters, w)
		metrics.WaitersLength.WithLabelValues(p.name).Set(float64(len(p.waiters)))
		p.mu.Unlock()
		p.closeConns(stale)

		c, retryNow, err := p.wait(ctx, w, start, deadline, slotRefused)
		if err != nil || c != nil {
			return c, c != nil, err
		}
		if !retryNow {
			return nil, false, p.exhausted(start, deadline)
		}
	}
}

// wait blocks on a waiter channel. It returns a lent connection, or
// retryNow=true when the caller should go around the acquire loop again.
func (p *Pool) wait(ctx context.Context, w chan *Conn, start, deadline time.Time, slotRefused bool) (*Conn, bool, error) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}
	var poll <-chan time.Time
	if slotRefused {
		t := time.NewTimer(slotPollInterval)
		defer t.Stop()
		poll = t.C
	}

	select {
	case c, ok := <-w:
		if !ok {
			return nil, false, ErrPoolClosed
		}
		if c == nil {
			return nil, true, nil
		}
		return c, false, nil

	case <-poll:
		if c, closed := p.abandonWaiter(w); closed {
			return nil, false, ErrPoolClosed
		} else if c != nil {
			return c, false, nil
		}
		return nil, true, nil

	case <-timeout:
		p.giveUp(w)
		p.mu.Lock()
		p.counters.timeouts++
		p.mu.Unlock()
		metrics.ConnectionsTotal.WithLabelValues(p.name, "timeout").Inc()
		return nil, false, p.exhausted(start, deadline)

	case <-ctx.Done():
		p.giveUp(w)
		metrics.ConnectionsTotal.WithLabelValues(p.name, "cancelled").Inc()
		return nil, false, ctx.Err()
	}
}

// giveUp removes a waiter that stopped waiting. A connection handed to it in
// the meantime goes back to the pool.
func (p *Pool) giveUp(w chan *Conn) {
	if c, _ := p.abandonWaiter(w); c != nil {
		_ = p.Release(c)
	}
}

// abandonWaiter removes w from the queue. When w was already dequeued a value
// is in flight and is received here: a lent connection is returned, a
// capacity signal is forwarded to the next waiter.
func (p *Pool) abandonWaiter(w chan *Conn) (*Conn, bool) {
	p.mu.Lock()
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			metrics.WaitersLength.WithLabelValues(p.name).Set(float64(len(p.waiters)))
			p.mu.Unlock()
			return nil, false
		}
	}
	p.mu.Unlock()

	c, ok := <-w
	if !ok {
		return nil, true
	}
	if c == nil {
		p.signalCapacity()
	}
	return c, false
}

// Release returns a borrowed connection. Labels are merged into the
// connection. An open transaction is rolled back first. Expired connections
// are closed instead of reused. Releasing a connection that is not borrowed
// is a no-op.
func (p *Pool) Release(c *Conn, labels ...map[string]string) error {
	if c == nil {
		return nil
	}
	if c.pool != p {
		return ErrForeignConnection
	}

	p.mu.Lock()
	if cur, ok := p.borrowed[c.id]; !ok || cur != c {
		p.mu.Unlock()
		return nil
	}
	c.mu.Lock()
	if c.releasing {
		c.mu.Unlock()
		p.mu.Unlock()
		return nil
	}
	c.releasing = true
	hold := time.Since(c.borrowedAt)
	session := c.session
	c.mu.Unlock()
	p.counters.releases++
	p.counters.totalHold += hold
	closing := p.state == stateClosed
	node := p.node
	p.mu.Unlock()

	c.mergeLabels(labels)
	metrics.HoldDuration.WithLabelValues(p.name).Observe(hold.Seconds())
	metrics.ConnectionsTotal.WithLabelValues(p.name, "released").Inc()

	if closing {
		p.remove(c)
		return nil
	}

	reason := ""
	if !session.AutoCommit {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ValidationTimeout)
		if err := p.drv.Rollback(ctx, c.handle); err != nil {
			p.logger.Debug("rollback on release failed", zap.Uint64("conn_id", c.id), logging.Err(err))
		}
		cancel()
		c.SetSession(driver.DefaultSession)
	}
	if r, ok := p.drv.(driver.Resetter); ok {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ValidationTimeout)
		if err := r.Reset(ctx, c.handle); err != nil {
			reason = "reset_failed"
			p.logger.Warn("session reset failed, closing connection",
				zap.Uint64("conn_id", c.id), logging.Err(err))
		}
		cancel()
	}
	if reason == "" && p.expired(c, node) {
		reason = "expired"
	}

	if reason != "" {
		metrics.ConnectionErrors.WithLabelValues(p.name, reason).Inc()
		p.remove(c)
		return nil
	}
	p.putBack(c)
	return nil
}

// Discard closes a borrowed connection permanently.
func (p *Pool) Discard(c *Conn) {
	if c == nil || c.pool != p {
		return
	}
	p.mu.Lock()
	if cur, ok := p.borrowed[c.id]; !ok || cur != c {
		p.mu.Unlock()
		return
	}
	c.mu.Lock()
	if c.releasing {
		c.mu.Unlock()
		p.mu.Unlock()
		return
	}
	c.releasing = true
	c.mu.Unlock()
	p.mu.Unlock()

	metrics.ConnectionErrors.WithLabelValues(p.name, "discarded").Inc()
	p.remove(c)
}

// Close marks the pool closed, wakes waiters with ErrPoolClosed, closes idle
// connections and waits up to ShutdownGrace (or until ctx is done) for
// borrowed ones before closing them by force.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = stateClosed
	p.cancel()
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	var drained chan struct{}
	if len(p.borrowed) > 0 {
		p.drained = make(chan struct{})
		drained = p.drained
	}
	p.updateMetricsLocked()
	p.mu.Unlock()

	p.closeConns(idle)
	p.wg.Wait()

	if drained != nil {
		grace := time.NewTimer(p.cfg.ShutdownGrace)
		defer grace.Stop()
		select {
		case <-drained:
		case <-grace.C:
		case <-ctx.Done():
		}

		p.mu.Lock()
		forced := make([]*Conn, 0, len(p.borrowed))
		for id, c := range p.borrowed {
			forced = append(forced, c)
			delete(p.borrowed, id)
		}
		p.drained = nil
		p.updateMetricsLocked()
		p.mu.Unlock()

		if len(forced) > 0 {
			p.logger.Warn("closing borrowed connections after shutdown grace",
				zap.Int("count", len(forced)), zap.Duration("grace", p.cfg.ShutdownGrace))
			p.closeConns(forced)
		}
	}

	p.logger.Info("pool closed")
	return nil
}

// ── Internal helpers ─────────────────────────────────────────────────────

func (p *Pool) usableLocked() error {
	switch p.state {
	case stateClosed:
		return ErrPoolClosed
	case stateNew:
		return ErrPoolNotInitialized
	}
	return nil
}

func (p *Pool) totalLocked() int {
	return len(p.idle) + len(p.borrowed) + p.pending + p.checking
}

func (p *Pool) exhausted(start, deadline time.Time) error {
	e := &ExhaustedError{Pool: p.name, Max: p.cfg.MaxSize, Waited: time.Since(start)}
	if !deadline.IsZero() {
		e.Timeout = deadline.Sub(start)
	}
	return e
}

// createConn opens a physical connection against the current node, honouring
// the creation rate limit and the global slot limiter.
func (p *Pool) createConn(ctx context.Context) (*Conn, error) {
	if p.createLimiter != nil {
		if err := p.createLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("pool %s: create rate limit: %w", p.name, err)
		}
	}
	if p.limiter != nil {
		ok, err := p.limiter.AcquireSlot(ctx, p.name)
		if err != nil {
			return nil, fmt.Errorf("pool %s: acquire global slot: %w", p.name, err)
		}
		if !ok {
			metrics.ConnectionErrors.WithLabelValues(p.name, "global_limit").Inc()
			return nil, errSlotUnavailable
		}
	}

	p.mu.Lock()
	node := p.node
	p.mu.Unlock()

	h, err := p.drv.Open(ctx, p.target, node)
	if err != nil {
		p.releaseSlot()
		p.mu.Lock()
		p.counters.failed++
		p.mu.Unlock()
		metrics.ConnectionErrors.WithLabelValues(p.name, "create_failed").Inc()
		return nil, &connectError{node: node.Addr(), err: err}
	}

	c := newConn(p, p.nextID.Add(1), node, h, p.drv)
	p.mu.Lock()
	p.counters.created++
	p.mu.Unlock()
	metrics.ConnectionsTotal.WithLabelValues(p.name, "created").Inc()
	return c, nil
}

func (p *Pool) releaseSlot() {
	if p.limiter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.limiter.ReleaseSlot(ctx, p.name); err != nil {
		p.logger.Warn("releasing global slot failed", logging.Err(err))
	}
}

// closeConns closes physical connections that are no longer tracked.
func (p *Pool) closeConns(conns []*Conn) {
	for _, c := range conns {
		c.markClosed()
		if err := p.drv.Close(c.handle); err != nil {
			p.logger.Debug("closing connection failed", zap.Uint64("conn_id", c.id), logging.Err(err))
		}
		p.releaseSlot()
		p.mu.Lock()
		p.counters.closed++
		p.mu.Unlock()
		metrics.ConnectionsTotal.WithLabelValues(p.name, "destroyed").Inc()
	}
}

// remove untracks a borrowed connection, closes it and lets one waiter use
// the freed capacity. A connection no longer tracked was already closed by
// whoever untracked it, usually a forced Close.
func (p *Pool) remove(c *Conn) {
	p.mu.Lock()
	cur, ok := p.borrowed[c.id]
	tracked := ok && cur == c
	if tracked {
		delete(p.borrowed, c.id)
	}
	p.notifyDrainedLocked()
	p.updateMetricsLocked()
	p.mu.Unlock()

	if !tracked {
		return
	}
	p.closeConns([]*Conn{c})
	p.signalCapacity()
}

// putBack hands a released connection to the oldest waiter or parks it idle.
func (p *Pool) putBack(c *Conn) {
	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		p.remove(c)
		return
	}
	delete(p.borrowed, c.id)
	c.markIdle()
	if w := p.popWaiterLocked(); w != nil {
		p.lendLocked(c)
		p.mu.Unlock()
		w <- c
		return
	}
	p.idle = append(p.idle, c)
	p.updateMetricsLocked()
	p.mu.Unlock()
}

// lendLocked records c as borrowed.
func (p *Pool) lendLocked(c *Conn) {
	c.markBorrowed()
	p.borrowed[c.id] = c
	p.counters.borrows++
	if n := len(p.borrowed); n > p.counters.peak {
		p.counters.peak = n
	}
	p.updateMetricsLocked()
}

// popIdleLocked removes and returns the preferred idle connection, plus any
// expired idle connections the caller must close after unlocking.
func (p *Pool) popIdleLocked(labels map[string]string) (*Conn, []*Conn) {
	var stale []*Conn
	kept := p.idle[:0]
	for _, c := range p.idle {
		if p.expired(c, p.node) {
			stale = append(stale, c)
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept

	if len(p.idle) == 0 {
		return nil, stale
	}
	idx := len(p.idle) - 1
	if len(labels) > 0 {
		for i := len(p.idle) - 1; i >= 0; i-- {
			if p.idle[i].matches(labels) {
				idx = i
				break
			}
		}
	}
	c := p.idle[idx]
	p.idle = append(p.idle[:idx], p.idle[idx+1:]...)
	return c, stale
}

// expired reports whether c must not be reused: too old, reused too often or
// for too long, or opened against a node the pool no longer serves from.
func (p *Pool) expired(c *Conn, current target.Node) bool {
	if c.node.Addr() != current.Addr() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	switch {
	case p.cfg.MaxConnectionAge > 0 && now.Sub(c.createdAt) >= p.cfg.MaxConnectionAge:
		return true
	case p.cfg.MaxConnectionReuseCount > 0 && c.borrowCount >= uint64(p.cfg.MaxConnectionReuseCount):
		return true
	case p.cfg.MaxConnectionReuseTime > 0 && !c.firstBorrowedAt.IsZero() &&
		now.Sub(c.firstBorrowedAt) >= p.cfg.MaxConnectionReuseTime:
		return true
	}
	return false
}

func (p *Pool) popWaiterLocked() chan *Conn {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	metrics.WaitersLength.WithLabelValues(p.name).Set(float64(len(p.waiters)))
	return w
}

// signalCapacity wakes the oldest waiter so it can open a connection.
func (p *Pool) signalCapacity() {
	p.mu.Lock()
	var w chan *Conn
	if p.state == stateReady {
		w = p.popWaiterLocked()
	}
	p.mu.Unlock()
	signal(w)
}

func signal(w chan *Conn) {
	if w != nil {
		w <- nil
	}
}

func (p *Pool) notifyDrainedLocked() {
	if p.drained != nil && len(p.borrowed) == 0 {
		close(p.drained)
		p.drained = nil
	}
}

// updateMetricsLocked refreshes Prometheus gauges for this pool.
func (p *Pool) updateMetricsLocked() {
	metrics.ConnectionsActive.WithLabelValues(p.name).Set(float64(len(p.borrowed)))
	metrics.ConnectionsIdle.WithLabelValues(p.name).Set(float64(len(p.idle)))
}

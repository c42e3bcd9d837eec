// Package pool lends validated database connections to concurrent callers.
// A Pool owns the physical connections of one target, a Monitor scores its
// health and moves it between nodes, and a Manager keeps pools by name.
package pool

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/joao-brasil/dbpool/internal/driver"
	"github.com/joao-brasil/dbpool/pkg/target"
)

// Conn is one physical connection. Between Acquire and Release it belongs to
// exactly one caller.
type Conn struct {
	pool     *Pool
	id       uint64
	poolName string
	node     target.Node
	handle   driver.Handle
	drv      driver.Driver

	createdAt time.Time

	mu sync.Mutex

	// Fields below are guarded by mu. When both locks are needed the pool
	// mutex is taken first.
	active          bool
	releasing       bool
	closed          bool
	borrowedAt      time.Time
	firstBorrowedAt time.Time
	lastReleasedAt  time.Time
	borrowCount     uint64
	leakReported    bool
	labels          map[string]string
	session         driver.Session
}

func newConn(p *Pool, id uint64, node target.Node, h driver.Handle, drv driver.Driver) *Conn {
	now := time.Now()
	c := &Conn{
		pool:           p,
		id:             id,
		node:           node,
		handle:         h,
		drv:            drv,
		createdAt:      now,
		lastReleasedAt: now,
		labels:         make(map[string]string),
		session:        driver.DefaultSession,
	}
	if p != nil {
		c.poolName = p.name
	}
	return c
}

// Open opens a connection that belongs to no pool. Release closes it.
func Open(ctx context.Context, drv driver.Driver, t *target.Target, node target.Node) (*Conn, error) {
	h, err := drv.Open(ctx, t, node)
	if err != nil {
		return nil, &connectError{node: node.Addr(), err: err}
	}
	c := newConn(nil, 0, node, h, drv)
	c.markBorrowed()
	return c, nil
}

// ID returns the connection id, unique within its pool.
func (c *Conn) ID() uint64 { return c.id }

// PoolName returns the owning pool's name, empty for unpooled connections.
func (c *Conn) PoolName() string { return c.poolName }

// Node returns the address of the node the connection was opened against.
func (c *Conn) Node() string { return c.node.Addr() }

// Handle returns the driver handle.
func (c *Conn) Handle() driver.Handle { return c.handle }

// Driver returns the driver that owns the handle.
func (c *Conn) Driver() driver.Driver { return c.drv }

// CreatedAt returns when the physical connection was opened.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// Active reports whether the connection is currently borrowed.
func (c *Conn) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// BorrowCount returns how many times the connection was handed out.
func (c *Conn) BorrowCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.borrowCount
}

// BorrowedAt returns the start of the current borrow.
func (c *Conn) BorrowedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.borrowedAt
}

// Labels returns a copy of the connection labels.
func (c *Conn) Labels() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.labels)
}

// Session returns the current session settings.
func (c *Conn) Session() driver.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetSession records new session settings. The transaction manager calls it
// when a transaction begins and ends.
func (c *Conn) SetSession(s driver.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// Release returns the connection to its pool, merging labels into it.
// Releasing twice is a no-op.
func (c *Conn) Release(labels ...map[string]string) error {
	if c.pool != nil {
		return c.pool.Release(c, labels...)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.active = false
	c.mu.Unlock()
	return c.drv.Close(c.handle)
}

// ── Internal helpers ─────────────────────────────────────────────────────

func (c *Conn) markBorrowed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.active = true
	c.releasing = false
	c.borrowedAt = now
	if c.firstBorrowedAt.IsZero() {
		c.firstBorrowedAt = now
	}
	c.borrowCount++
	c.leakReported = false
}

func (c *Conn) markIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	c.releasing = false
	c.lastReleasedAt = time.Now()
}

func (c *Conn) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	c.closed = true
}

func (c *Conn) mergeLabels(labels []map[string]string) {
	if len(labels) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range labels {
		maps.Copy(c.labels, l)
	}
}

// matches reports whether every wanted label is present with the same value.
func (c *Conn) matches(want map[string]string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range want {
		if c.labels[k] != v {
			return false
		}
	}
	return true
}

func (c *Conn) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastReleasedAt)
}

func (c *Conn) heldFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.borrowedAt)
}

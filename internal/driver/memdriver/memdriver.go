// Package memdriver is an in-process driver.Driver backed by in-memory tables.
// It supports transactions, savepoints and batch writes, and lets callers inject
// failures (refused opens, failed validations, downed nodes) deterministically.
//
// Each table is keyed by its key columns (the first column when none are given).
// NULL values are rejected and inserting an existing key fails, which gives
// tests an easy way to produce invalid rows. A commit applies only the keys its
// transaction changed, so concurrent transactions on one table keep each
// other's rows; for a key both changed the last commit wins.
package memdriver

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/joao-brasil/dbpool/internal/driver"
	"github.com/joao-brasil/dbpool/pkg/target"
)

// ErrConnectionRefused is returned when opening a connection to a downed node.
var ErrConnectionRefused = errors.New("memdriver: connection refused")

type row map[string]any

type table map[string]row

type tables map[string]table

func (ts tables) clone() tables {
	out := make(tables, len(ts))
	for name, t := range ts {
		out[name] = t.clone()
	}
	return out
}

func (t table) clone() table {
	out := make(table, len(t))
	for k, r := range t {
		nr := make(row, len(r))
		for c, v := range r {
			nr[c] = v
		}
		out[k] = nr
	}
	return out
}

type savepoint struct {
	name    string
	work    tables
	touched map[string]bool
}

type conn struct {
	id     int
	node   string
	closed bool
	broken bool

	inTx       bool
	readOnly   bool
	base       tables
	work       tables
	touched    map[string]bool
	savepoints []savepoint
}

// Driver is safe for concurrent use by many connections.
type Driver struct {
	mu sync.Mutex

	committed tables
	nextID    int

	down             map[string]bool
	openFailures     int
	openErr          error
	validateFailures int
	latency          time.Duration

	opened  int
	closed  int
	resets  int
	handles map[*conn]struct{}
}

var (
	_ driver.Driver   = (*Driver)(nil)
	_ driver.Resetter = (*Driver)(nil)
)

// New returns an empty in-memory database.
func New() *Driver {
	return &Driver{
		committed: make(tables),
		down:      make(map[string]bool),
		handles:   make(map[*conn]struct{}),
	}
}

// ── Failure injection ────────────────────────────────────────────────────

// SetNodeDown marks a node address (host:port) as unreachable. Opens fail and
// validations on connections to it fail until it is brought back.
func (d *Driver) SetNodeDown(addr string, down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down[addr] = down
}

// FailOpens makes the next n opens fail.
func (d *Driver) FailOpens(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openFailures = n
}

// SetOpenError makes every open fail with err until cleared with nil.
func (d *Driver) SetOpenError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// FailValidations makes the next n validations fail.
func (d *Driver) FailValidations(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.validateFailures = n
}

// Break makes every later validation of h fail.
func (d *Driver) Break(h driver.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := h.(*conn); ok {
		c.broken = true
	}
}

// SetLatency adds a fixed delay to every batch execution.
func (d *Driver) SetLatency(latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latency = latency
}

// ── Inspection ───────────────────────────────────────────────────────────

// Count returns the number of committed rows in a table.
func (d *Driver) Count(tableName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.committed[tableName])
}

// Get returns the committed row with the given key.
func (d *Driver) Get(tableName string, key any) (map[string]any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.committed[tableName][fmt.Sprint(key)]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(r))
	for c, v := range r {
		out[c] = v
	}
	return out, true
}

// Opened returns how many connections were opened successfully.
func (d *Driver) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Closed returns how many connections were closed.
func (d *Driver) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Live returns how many connections are currently open.
func (d *Driver) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

// Resets returns how many session resets were performed.
func (d *Driver) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// NodeOf returns the node address a handle was opened against.
func NodeOf(h driver.Handle) string {
	if c, ok := h.(*conn); ok {
		return c.node
	}
	return ""
}

// InTx reports whether the handle has an open transaction.
func InTx(h driver.Handle) bool {
	c, ok := h.(*conn)
	return ok && c.inTx
}

// ── driver.Driver ────────────────────────────────────────────────────────

func (d *Driver) Open(ctx context.Context, t *target.Target, node target.Node) (driver.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	addr := node.Addr()
	if d.down[addr] {
		return nil, fmt.Errorf("dial %s: %w", addr, ErrConnectionRefused)
	}
	if d.openErr != nil {
		return nil, d.openErr
	}
	if d.openFailures > 0 {
		d.openFailures--
		return nil, fmt.Errorf("dial %s: %w", addr, ErrConnectionRefused)
	}

	d.nextID++
	c := &conn{id: d.nextID, node: addr}
	d.handles[c] = struct{}{}
	d.opened++
	return c, nil
}

func (d *Driver) Close(h driver.Handle) error {
	c, err := asConn(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.inTx = false
	c.work = nil
	c.savepoints = nil
	delete(d.handles, c)
	d.closed++
	return nil
}

func (d *Driver) Validate(ctx context.Context, h driver.Handle, query string) error {
	c, err := d.live(h)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.down[c.node]:
		return fmt.Errorf("validate on %s: %w", c.node, ErrConnectionRefused)
	case c.broken:
		return fmt.Errorf("validate conn %d: broken connection", c.id)
	case d.validateFailures > 0:
		d.validateFailures--
		return fmt.Errorf("validate conn %d: injected failure", c.id)
	}
	return nil
}

func (d *Driver) Reset(ctx context.Context, h driver.Handle) error {
	if _, err := d.live(h); err != nil {
		return err
	}
	d.mu.Lock()
	d.resets++
	d.mu.Unlock()
	return nil
}

func (d *Driver) BeginTx(ctx context.Context, h driver.Handle, opts driver.TxOptions) error {
	c, err := d.live(h)
	if err != nil {
		return err
	}
	if c.inTx {
		return errors.New("memdriver: transaction already in progress")
	}
	d.mu.Lock()
	c.base = d.committed.clone()
	d.mu.Unlock()
	c.work = c.base.clone()
	c.inTx = true
	c.readOnly = opts.ReadOnly
	c.touched = make(map[string]bool)
	c.savepoints = nil
	return nil
}

func (d *Driver) Commit(ctx context.Context, h driver.Handle) error {
	c, err := d.inTx(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	for name := range c.touched {
		mergeTable(d.committed, name, c.base[name], c.work[name])
	}
	d.mu.Unlock()
	c.endTx()
	return nil
}

func (d *Driver) Rollback(ctx context.Context, h driver.Handle) error {
	c, err := d.inTx(h)
	if err != nil {
		return err
	}
	c.endTx()
	return nil
}

func (d *Driver) CreateSavepoint(ctx context.Context, h driver.Handle, name string) (driver.SavepointRef, error) {
	c, err := d.inTx(h)
	if err != nil {
		return "", err
	}
	touched := make(map[string]bool, len(c.touched))
	for k := range c.touched {
		touched[k] = true
	}
	c.savepoints = append(c.savepoints, savepoint{name: name, work: c.work.clone(), touched: touched})
	return driver.SavepointRef(name), nil
}

func (d *Driver) RollbackToSavepoint(ctx context.Context, h driver.Handle, ref driver.SavepointRef) error {
	c, err := d.inTx(h)
	if err != nil {
		return err
	}
	i := c.findSavepoint(string(ref))
	if i < 0 {
		return fmt.Errorf("memdriver: savepoint %q does not exist", ref)
	}
	sp := c.savepoints[i]
	c.work = sp.work.clone()
	c.touched = make(map[string]bool, len(sp.touched))
	for k := range sp.touched {
		c.touched[k] = true
	}
	c.savepoints = c.savepoints[:i+1]
	return nil
}

func (d *Driver) ReleaseSavepoint(ctx context.Context, h driver.Handle, ref driver.SavepointRef) error {
	c, err := d.inTx(h)
	if err != nil {
		return err
	}
	i := c.findSavepoint(string(ref))
	if i < 0 {
		return fmt.Errorf("memdriver: savepoint %q does not exist", ref)
	}
	c.savepoints = c.savepoints[:i]
	return nil
}

func (d *Driver) ExecuteBatch(ctx context.Context, h driver.Handle, stmt driver.Statement, rows [][]any) ([]driver.Outcome, error) {
	c, err := d.live(h)
	if err != nil {
		return nil, err
	}
	if stmt.Op == "" {
		return nil, errors.New("memdriver: statement text is not supported, set Op")
	}
	if stmt.Table == "" || len(stmt.Columns) == 0 {
		return nil, errors.New("memdriver: statement needs a table and columns")
	}
	if c.inTx && c.readOnly {
		return nil, errors.New("memdriver: cannot write in a read-only transaction")
	}

	d.mu.Lock()
	latency := d.latency
	d.mu.Unlock()
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	outcomes := make([]driver.Outcome, len(rows))
	failed := false
	for i, r := range rows {
		if failed {
			outcomes[i] = driver.Outcome{Err: driver.ErrNotExecuted}
			continue
		}
		if err := ctx.Err(); err != nil {
			return outcomes[:i], err
		}

		var n int64
		if c.inTx {
			n, err = applyRow(c.work, stmt, r)
			if err == nil {
				c.touched[stmt.Table] = true
			}
		} else {
			d.mu.Lock()
			n, err = applyRow(d.committed, stmt, r)
			d.mu.Unlock()
		}
		if err != nil {
			failed = true
			outcomes[i] = driver.Outcome{Err: fmt.Errorf("row %d: %w", i, err)}
			continue
		}
		outcomes[i] = driver.Outcome{RowsAffected: n}
	}
	return outcomes, nil
}

// ── Internal helpers ─────────────────────────────────────────────────────

func asConn(h driver.Handle) (*conn, error) {
	c, ok := h.(*conn)
	if !ok || c == nil {
		return nil, fmt.Errorf("memdriver: foreign handle %T", h)
	}
	return c, nil
}

func (d *Driver) live(h driver.Handle) (*conn, error) {
	c, err := asConn(h)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	closed := c.closed
	d.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("memdriver: connection %d is closed", c.id)
	}
	return c, nil
}

func (d *Driver) inTx(h driver.Handle) (*conn, error) {
	c, err := d.live(h)
	if err != nil {
		return nil, err
	}
	if !c.inTx {
		return nil, errors.New("memdriver: no transaction in progress")
	}
	return c, nil
}

func (c *conn) endTx() {
	c.inTx = false
	c.readOnly = false
	c.base = nil
	c.work = nil
	c.touched = nil
	c.savepoints = nil
}

// mergeTable applies to dst[name] the rows a transaction added, changed or
// deleted relative to base.
func mergeTable(dst tables, name string, base, work table) {
	t := dst[name]
	if t == nil {
		t = make(table, len(work))
		dst[name] = t
	}
	for k, r := range work {
		if old, ok := base[k]; ok && reflect.DeepEqual(old, r) {
			continue
		}
		t[k] = r
	}
	for k := range base {
		if _, ok := work[k]; !ok {
			delete(t, k)
		}
	}
}

func (c *conn) findSavepoint(name string) int {
	for i := len(c.savepoints) - 1; i >= 0; i-- {
		if c.savepoints[i].name == name {
			return i
		}
	}
	return -1
}

func keyOf(stmt driver.Statement, values []any) (string, error) {
	keys := stmt.KeyColumns
	if len(keys) == 0 {
		keys = stmt.Columns[:1]
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		idx := -1
		for i, c := range stmt.Columns {
			if c == k {
				idx = i
				break
			}
		}
		if idx < 0 {
			return "", fmt.Errorf("key column %q not in columns", k)
		}
		parts = append(parts, fmt.Sprint(values[idx]))
	}
	return strings.Join(parts, "|"), nil
}

func applyRow(ts tables, stmt driver.Statement, values []any) (int64, error) {
	if len(values) != len(stmt.Columns) {
		return 0, fmt.Errorf("expected %d values, got %d", len(stmt.Columns), len(values))
	}
	for i, v := range values {
		if v == nil {
			return 0, fmt.Errorf("null value in column %q violates not-null constraint", stmt.Columns[i])
		}
	}
	key, err := keyOf(stmt, values)
	if err != nil {
		return 0, err
	}

	t := ts[stmt.Table]
	if t == nil {
		t = make(table)
		ts[stmt.Table] = t
	}
	r := make(row, len(values))
	for i, c := range stmt.Columns {
		r[c] = values[i]
	}

	existing, exists := t[key]
	switch stmt.Op {
	case driver.OpInsert:
		if exists {
			return 0, fmt.Errorf("duplicate key %q in table %s", key, stmt.Table)
		}
		t[key] = r
		return 1, nil
	case driver.OpUpdate:
		if !exists {
			return 0, nil
		}
		for c, v := range r {
			existing[c] = v
		}
		return 1, nil
	case driver.OpDelete:
		if !exists {
			return 0, nil
		}
		delete(t, key)
		return 1, nil
	case driver.OpUpsert:
		if exists {
			for c, v := range r {
				existing[c] = v
			}
		} else {
			t[key] = r
		}
		return 1, nil
	default:
		return 0, fmt.Errorf("unsupported operation %q", stmt.Op)
	}
}

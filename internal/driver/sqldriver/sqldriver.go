// Package sqldriver implements driver.Driver on top of database/sql.
//
// Every physical connection is its own *sql.DB limited to a single open
// connection, with that connection pinned through *sql.Conn. The pool above
// manages lifetime, so database/sql's own pooling is switched off.
package sqldriver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"

	"github.com/joao-brasil/dbpool/internal/driver"
	"github.com/joao-brasil/dbpool/pkg/target"
)

// Opener opens a *sql.DB for a driver name and DSN. sql.Open by default.
type Opener func(driverName, dsn string) (*sql.DB, error)

// Option configures a Driver.
type Option func(*Driver)

// WithOpener replaces sql.Open, mainly so tests can hand out sqlmock databases.
func WithOpener(open Opener) Option {
	return func(d *Driver) { d.open = open }
}

// Driver is a database/sql backed driver.Driver for one dialect.
type Driver struct {
	dialect *dialect
	open    Opener
}

var (
	_ driver.Driver   = (*Driver)(nil)
	_ driver.Resetter = (*Driver)(nil)
)

// New returns a driver for the named dialect (sqlserver, postgres or sqlite).
func New(dialectName string, opts ...Option) (*Driver, error) {
	dl, ok := dialects[dialectName]
	if !ok {
		return nil, fmt.Errorf("sqldriver: unsupported dialect %q", dialectName)
	}
	d := &Driver{dialect: dl, open: sql.Open}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dialect returns the dialect name.
func (d *Driver) Dialect() string { return d.dialect.name }

// conn is the Handle type of this driver.
type conn struct {
	db *sql.DB
	c  *sql.Conn
	tx *sql.Tx
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

func (c *conn) execer() execer {
	if c.tx != nil {
		return c.tx
	}
	return c.c
}

func (d *Driver) Open(ctx context.Context, t *target.Target, node target.Node) (driver.Handle, error) {
	if t.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.ConnectionTimeout)
		defer cancel()
	}

	db, err := d.open(d.dialect.driverName, t.DSN(node))
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	c, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", node.Addr(), err)
	}
	if err := c.PingContext(ctx); err != nil {
		c.Close()
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", node.Addr(), err)
	}
	return &conn{db: db, c: c}, nil
}

func (d *Driver) Close(h driver.Handle) error {
	c, err := asConn(h)
	if err != nil {
		return err
	}
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	return errors.Join(c.c.Close(), c.db.Close())
}

func (d *Driver) Validate(ctx context.Context, h driver.Handle, query string) error {
	c, err := asConn(h)
	if err != nil {
		return err
	}
	if query == "" {
		return c.c.PingContext(ctx)
	}
	_, err = c.c.ExecContext(ctx, query)
	return err
}

func (d *Driver) Reset(ctx context.Context, h driver.Handle) error {
	if d.dialect.reset == "" {
		return nil
	}
	c, err := asConn(h)
	if err != nil {
		return err
	}
	_, err = c.c.ExecContext(ctx, d.dialect.reset)
	return err
}

func (d *Driver) BeginTx(ctx context.Context, h driver.Handle, opts driver.TxOptions) error {
	c, err := asConn(h)
	if err != nil {
		return err
	}
	if c.tx != nil {
		return errors.New("sqldriver: transaction already in progress")
	}
	// The transaction outlives the caller's context; commit and rollback end it.
	tx, err := c.c.BeginTx(context.WithoutCancel(ctx), &sql.TxOptions{Isolation: opts.Isolation, ReadOnly: opts.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	c.tx = tx
	return nil
}

func (d *Driver) Commit(ctx context.Context, h driver.Handle) error {
	c, err := d.inTx(h)
	if err != nil {
		return err
	}
	err = c.tx.Commit()
	c.tx = nil
	return err
}

func (d *Driver) Rollback(ctx context.Context, h driver.Handle) error {
	c, err := d.inTx(h)
	if err != nil {
		return err
	}
	err = c.tx.Rollback()
	c.tx = nil
	return err
}

func (d *Driver) CreateSavepoint(ctx context.Context, h driver.Handle, name string) (driver.SavepointRef, error) {
	if err := d.savepointExec(ctx, h, d.dialect.savepoint, name); err != nil {
		return "", err
	}
	return driver.SavepointRef(name), nil
}

func (d *Driver) RollbackToSavepoint(ctx context.Context, h driver.Handle, ref driver.SavepointRef) error {
	return d.savepointExec(ctx, h, d.dialect.rollbackTo, string(ref))
}

func (d *Driver) ReleaseSavepoint(ctx context.Context, h driver.Handle, ref driver.SavepointRef) error {
	if d.dialect.release == "" {
		_, err := d.inTx(h)
		return err
	}
	return d.savepointExec(ctx, h, d.dialect.release, string(ref))
}

func (d *Driver) ExecuteBatch(ctx context.Context, h driver.Handle, stmt driver.Statement, rows [][]any) ([]driver.Outcome, error) {
	c, err := asConn(h)
	if err != nil {
		return nil, err
	}
	query, order, err := d.dialect.build(stmt)
	if err != nil {
		return nil, fmt.Errorf("sqldriver: %w", err)
	}

	ps, err := c.execer().PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	defer ps.Close()

	outcomes := make([]driver.Outcome, len(rows))
	failed := false
	for i, row := range rows {
		if failed {
			outcomes[i] = driver.Outcome{Err: driver.ErrNotExecuted}
			continue
		}
		if len(row) != len(stmt.Columns) {
			failed = true
			outcomes[i] = driver.Outcome{Err: fmt.Errorf("row %d: expected %d values, got %d", i, len(stmt.Columns), len(row))}
			continue
		}
		args := make([]any, len(order))
		for j, idx := range order {
			args[j] = row[idx]
		}
		res, err := ps.ExecContext(ctx, args...)
		if err != nil {
			failed = true
			outcomes[i] = driver.Outcome{Err: fmt.Errorf("row %d: %w", i, err)}
			continue
		}
		n, _ := res.RowsAffected()
		outcomes[i] = driver.Outcome{RowsAffected: n}
	}
	return outcomes, nil
}

// ── Internal helpers ─────────────────────────────────────────────────────

func asConn(h driver.Handle) (*conn, error) {
	c, ok := h.(*conn)
	if !ok || c == nil {
		return nil, fmt.Errorf("sqldriver: foreign handle %T", h)
	}
	return c, nil
}

func (d *Driver) inTx(h driver.Handle) (*conn, error) {
	c, err := asConn(h)
	if err != nil {
		return nil, err
	}
	if c.tx == nil {
		return nil, errors.New("sqldriver: no transaction in progress")
	}
	return c, nil
}

func (d *Driver) savepointExec(ctx context.Context, h driver.Handle, tmpl, name string) error {
	c, err := d.inTx(h)
	if err != nil {
		return err
	}
	q, err := d.dialect.savepointSQL(tmpl, name)
	if err != nil {
		return fmt.Errorf("sqldriver: %w", err)
	}
	_, err = c.tx.ExecContext(ctx, q)
	return err
}

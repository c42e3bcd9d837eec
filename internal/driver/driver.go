// Package driver defines the contract between the pool/transaction core and the
// component that actually talks to a database. Everything vendor-specific sits
// behind this interface.
package driver

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/joao-brasil/dbpool/pkg/target"
)

// Handle is the opaque per-connection state owned by a Driver.
type Handle any

// SavepointRef identifies a savepoint created by a Driver.
type SavepointRef string

// TxOptions are applied when a transaction begins.
type TxOptions struct {
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

// Session is the autocommit/isolation/read-only state of a connection. The
// transaction manager saves it on begin and restores it on commit or rollback.
type Session struct {
	AutoCommit bool
	Isolation  sql.IsolationLevel
	ReadOnly   bool
}

// DefaultSession is the state of a freshly opened connection.
var DefaultSession = Session{AutoCommit: true, Isolation: sql.LevelDefault}

// Operation is the kind of write a Statement performs.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpUpsert Operation = "upsert"
)

// Statement describes one parameterized write. Rows bound to it carry one value
// per entry in Columns. KeyColumns (a subset of Columns) identify the row for
// update, delete and upsert. When Text is set the driver uses it verbatim.
type Statement struct {
	Op         Operation
	Table      string
	Columns    []string
	KeyColumns []string
	Text       string
}

// Outcome is the result of binding one row of a batch.
type Outcome struct {
	RowsAffected int64
	Err          error
}

// ErrNotExecuted marks rows of a batch skipped because an earlier row failed.
var ErrNotExecuted = errors.New("row not executed")

// Driver opens physical connections and performs the transactional and batch
// primitives the pool and transaction manager need.
type Driver interface {
	Open(ctx context.Context, t *target.Target, node target.Node) (Handle, error)
	Close(h Handle) error
	Validate(ctx context.Context, h Handle, query string) error

	BeginTx(ctx context.Context, h Handle, opts TxOptions) error
	Commit(ctx context.Context, h Handle) error
	Rollback(ctx context.Context, h Handle) error

	CreateSavepoint(ctx context.Context, h Handle, name string) (SavepointRef, error)
	RollbackToSavepoint(ctx context.Context, h Handle, ref SavepointRef) error
	ReleaseSavepoint(ctx context.Context, h Handle, ref SavepointRef) error

	// ExecuteBatch binds each row to stmt in order. It returns one Outcome per row;
	// execution stops at the first failing row and the remaining rows carry
	// ErrNotExecuted. The returned error is reserved for failures that prevented
	// the batch from running at all.
	ExecuteBatch(ctx context.Context, h Handle, stmt Statement, rows [][]any) ([]Outcome, error)
}

// Resetter is implemented by drivers able to clear session state before a
// connection is reused.
type Resetter interface {
	Reset(ctx context.Context, h Handle) error
}

// Validate runs d.Validate bounded by timeout.
func Validate(ctx context.Context, d Driver, h Handle, query string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return d.Validate(ctx, h, query)
}

// FirstError returns the first failing outcome and its index, or -1.
func FirstError(outcomes []Outcome) (int, error) {
	for i, o := range outcomes {
		if o.Err != nil && !errors.Is(o.Err, ErrNotExecuted) {
			return i, o.Err
		}
	}
	return -1, nil
}

// Applied counts rows that executed successfully.
func Applied(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

package batch

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joao-brasil/dbpool/internal/driver"
	"github.com/joao-brasil/dbpool/internal/driver/memdriver"
	"github.com/joao-brasil/dbpool/internal/driver/sqldriver"
	"github.com/joao-brasil/dbpool/internal/pool"
	"github.com/joao-brasil/dbpool/pkg/target"
)

var insertUsers = driver.Statement{Op: driver.OpInsert, Table: "users", Columns: []string{"id", "name"}}

// fiveRows has a null name on the third row, so with a chunk size of two the
// second chunk fails.
func fiveRows() [][]any {
	return [][]any{{1, "a"}, {2, "b"}, {3, nil}, {4, "d"}, {5, "e"}}
}

func memConn(t *testing.T) (*pool.Conn, *memdriver.Driver) {
	t.Helper()
	d := memdriver.New()
	tgt := &target.Target{Dialect: target.DialectMemory, Database: "app"}
	c, err := pool.Open(context.Background(), d, tgt, tgt.Primary())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Release() })
	return c, d
}

func newExecutor(opts ...Option) *Executor {
	return NewExecutor(append([]Option{WithLogger(zap.NewNop())}, opts...)...)
}

func TestExecute_AutocommitContinueOnError(t *testing.T) {
	c, d := memConn(t)

	r, err := newExecutor().Execute(context.Background(), c, Job{
		Statement:       insertUsers,
		Rows:            fiveRows(),
		ChunkSize:       2,
		ContinueOnError: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, r.TotalChunks)
	assert.Equal(t, 2, r.SucceededChunks)
	assert.Equal(t, 1, r.FailedChunks)
	assert.Equal(t, 0, r.SkippedChunks)
	assert.Equal(t, 3, r.RowsProcessed)
	assert.EqualValues(t, 3, r.RowsAffected)
	assert.False(t, r.Committed)
	assert.Equal(t, 3, d.Count("users"))

	require.Len(t, r.Errors, 1)
	cerr := r.Errors[0]
	assert.Equal(t, 1, cerr.Chunk)
	assert.Equal(t, 2, cerr.Offset)
	assert.Equal(t, 0, cerr.Row)
	assert.Equal(t, [][]any{{3, nil}, {4, "d"}}, cerr.Rows)
	assert.Contains(t, cerr.Error(), "chunk 1 (rows 2-3) failed at row 2")
	assert.ErrorIs(t, r.Err(), ErrChunkFailed)
}

func TestExecute_AutocommitStopsAtFirstFailure(t *testing.T) {
	c, d := memConn(t)

	r, err := newExecutor().Execute(context.Background(), c, Job{
		Statement: insertUsers,
		Rows:      fiveRows(),
		ChunkSize: 2,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChunkFailed)

	var cerr *ChunkError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 1, cerr.Chunk)

	assert.Equal(t, 1, r.SucceededChunks)
	assert.Equal(t, 1, r.FailedChunks)
	assert.Equal(t, 1, r.SkippedChunks)
	assert.Equal(t, 2, r.RowsProcessed)
	assert.Equal(t, 2, d.Count("users"), "autocommitted chunks stay")
}

func TestExecute_TransactionalRollsBackEverything(t *testing.T) {
	c, d := memConn(t)

	r, err := newExecutor().Execute(context.Background(), c, Job{
		Statement:     insertUsers,
		Rows:          fiveRows(),
		ChunkSize:     2,
		Transactional: true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChunkFailed)

	assert.True(t, r.RolledBack)
	assert.False(t, r.Committed)
	assert.Equal(t, 0, r.RowsProcessed)
	assert.Equal(t, 1, r.SkippedChunks)
	assert.Equal(t, 0, d.Count("users"))
	assert.Equal(t, driver.DefaultSession, c.Session())
	assert.False(t, memdriver.InTx(c.Handle()))
}

func TestExecute_TransactionalContinueOnError(t *testing.T) {
	c, d := memConn(t)

	r, err := newExecutor().Execute(context.Background(), c, Job{
		Statement:       insertUsers,
		Rows:            fiveRows(),
		ChunkSize:       2,
		ContinueOnError: true,
		Transactional:   true,
	})
	require.NoError(t, err)

	assert.True(t, r.Committed)
	assert.False(t, r.RolledBack)
	assert.Equal(t, 2, r.SucceededChunks)
	assert.Equal(t, 1, r.FailedChunks)
	assert.Equal(t, 3, r.RowsProcessed)
	assert.Equal(t, 3, d.Count("users"))

	_, ok := d.Get("users", 4)
	assert.False(t, ok, "rows of the failed chunk are undone")
	_, ok = d.Get("users", 5)
	assert.True(t, ok)
	assert.Equal(t, driver.DefaultSession, c.Session())
}

func TestExecute_DefaultChunkSize(t *testing.T) {
	c, d := memConn(t)
	rows := [][]any{{1, "a"}, {2, "b"}, {3, "c"}, {4, "d"}, {5, "e"}}

	r, err := newExecutor(WithChunkSize(2)).Execute(context.Background(), c, Job{
		Statement: insertUsers,
		Rows:      rows,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, r.TotalChunks)
	assert.Equal(t, 3, r.SucceededChunks)
	assert.Equal(t, 5, r.RowsProcessed)
	assert.Equal(t, 5, d.Count("users"))
	assert.NoError(t, r.Err())
}

func TestExecute_EmptyJob(t *testing.T) {
	c, _ := memConn(t)

	r, err := newExecutor().Execute(context.Background(), c, Job{Statement: insertUsers, Transactional: true})
	require.NoError(t, err)
	assert.Equal(t, 0, r.TotalChunks)
	assert.True(t, r.Committed)
}

func TestExecute_InvalidStatement(t *testing.T) {
	c, _ := memConn(t)

	_, err := newExecutor().Execute(context.Background(), c, Job{Rows: fiveRows()})
	assert.Error(t, err)
}

func TestExecute_WholeChunkFailure(t *testing.T) {
	c, _ := memConn(t)
	stmt := driver.Statement{Table: "users", Columns: []string{"id", "name"}}

	r, err := newExecutor().Execute(context.Background(), c, Job{
		Statement:       stmt,
		Rows:            [][]any{{1, "a"}},
		ContinueOnError: true,
	})
	require.NoError(t, err)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, -1, r.Errors[0].Row)
	assert.Contains(t, r.Errors[0].Error(), "chunk 0 (rows 0-0) failed")
}

func TestExecute_CancelledContext(t *testing.T) {
	c, d := memConn(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := newExecutor().Execute(ctx, c, Job{Statement: insertUsers, Rows: fiveRows(), ChunkSize: 2})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, r.SkippedChunks)
	assert.Equal(t, 0, d.Count("users"))
}

func TestExecute_ConnectionAlreadyInTransaction(t *testing.T) {
	c, d := memConn(t)
	require.NoError(t, d.BeginTx(context.Background(), c.Handle(), driver.TxOptions{}))

	_, err := newExecutor().Execute(context.Background(), c, Job{
		Statement:     insertUsers,
		Rows:          fiveRows(),
		Transactional: true,
	})
	assert.Error(t, err)
}

func TestSplit(t *testing.T) {
	rows := fiveRows()
	chunks := split(rows, 2)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[2], 1)

	chunks[0] = append(chunks[0], []any{9, "x"})
	assert.Equal(t, []any{3, nil}, rows[2], "appending to a chunk must not clobber the next one")

	assert.Nil(t, split(nil, 10))
	assert.Len(t, split(rows, 10), 1)
}

// TestExecute_SQLite runs a transactional continue-on-error job against a real
// SQLite file through the database/sql driver.
func TestExecute_SQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "batch.db")

	setup, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer setup.Close()
	_, err = setup.ExecContext(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)

	d, err := sqldriver.New(target.DialectSQLite)
	require.NoError(t, err)
	tgt := &target.Target{Dialect: target.DialectSQLite, Database: path}
	c, err := pool.Open(ctx, d, tgt, tgt.Primary())
	require.NoError(t, err)
	defer c.Release()

	r, err := newExecutor().Execute(ctx, c, Job{
		Statement:       insertUsers,
		Rows:            fiveRows(),
		ChunkSize:       2,
		ContinueOnError: true,
		Transactional:   true,
	})
	require.NoError(t, err)
	assert.True(t, r.Committed)
	assert.Equal(t, 2, r.SucceededChunks)
	assert.Equal(t, 1, r.FailedChunks)

	var n int
	require.NoError(t, setup.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n))
	assert.Equal(t, 3, n)

	r, err = newExecutor().Execute(ctx, c, Job{
		Statement:     driver.Statement{Op: driver.OpInsert, Table: "users", Columns: []string{"id", "name"}},
		Rows:          [][]any{{10, "j"}, {11, nil}},
		ChunkSize:     1,
		Transactional: true,
	})
	require.Error(t, err)
	assert.True(t, r.RolledBack)
	require.NoError(t, setup.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n))
	assert.Equal(t, 3, n)
}

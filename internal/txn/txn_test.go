package txn

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joao-brasil/dbpool/internal/driver"
	"github.com/joao-brasil/dbpool/internal/driver/memdriver"
	"github.com/joao-brasil/dbpool/internal/pool"
	"github.com/joao-brasil/dbpool/pkg/target"
)

var (
	testTarget = &target.Target{Dialect: target.DialectMemory, Database: "app"}
	insertUser = driver.Statement{Op: driver.OpInsert, Table: "users", Columns: []string{"id", "name"}}
)

func newManager(t *testing.T) (*Manager, *memdriver.Driver) {
	t.Helper()
	d := memdriver.New()
	c, err := pool.Open(context.Background(), d, testTarget, testTarget.Primary())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Release() })
	return New(c, WithLogger(zap.NewNop())), d
}

func insert(t *testing.T, m *Manager, d *memdriver.Driver, id int) {
	t.Helper()
	out, err := d.ExecuteBatch(context.Background(), m.Conn().Handle(), insertUser, [][]any{{id, "user"}})
	require.NoError(t, err)
	_, rowErr := driver.FirstError(out)
	require.NoError(t, rowErr)
}

func TestBeginCommit_RestoresSession(t *testing.T) {
	ctx := context.Background()
	m, d := newManager(t)
	assert.Equal(t, StateIdle, m.State())

	require.NoError(t, m.Begin(ctx, Options{Isolation: sql.LevelSerializable}))
	assert.Equal(t, StateActive, m.State())
	s := m.Conn().Session()
	assert.False(t, s.AutoCommit)
	assert.Equal(t, sql.LevelSerializable, s.Isolation)

	insert(t, m, d, 1)
	assert.Equal(t, 0, d.Count("users"), "uncommitted rows are not visible")

	require.NoError(t, m.Commit(ctx))
	assert.Equal(t, StateCommitted, m.State())
	assert.Equal(t, driver.DefaultSession, m.Conn().Session())
	assert.Equal(t, 1, d.Count("users"))

	tx, ok := m.Transaction()
	require.True(t, ok)
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, "Serializable", tx.Isolation)
	assert.Positive(t, tx.Duration)
}

func TestBeginRollback_RestoresSession(t *testing.T) {
	ctx := context.Background()
	m, d := newManager(t)

	require.NoError(t, m.Begin(ctx, Options{ReadOnly: false}))
	insert(t, m, d, 1)
	require.NoError(t, m.Rollback(ctx))

	assert.Equal(t, StateRolledBack, m.State())
	assert.True(t, m.Conn().Session().AutoCommit)
	assert.Equal(t, 0, d.Count("users"))
	assert.False(t, memdriver.InTx(m.Conn().Handle()))
}

func TestStateErrors(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	assert.ErrorIs(t, m.Commit(ctx), ErrNoActiveTransaction)
	assert.ErrorIs(t, m.Rollback(ctx), ErrNoActiveTransaction)
	assert.ErrorIs(t, m.RollbackTo(ctx, "a"), ErrNoActiveTransaction)
	_, err := m.CreateSavepoint(ctx, "a", "")
	assert.ErrorIs(t, err, ErrNoActiveTransaction)
	assert.ErrorIs(t, m.ReleaseSavepoint(ctx, "a"), ErrNoActiveTransaction)

	require.NoError(t, m.Begin(ctx, Options{}))
	err = m.Begin(ctx, Options{})
	assert.ErrorIs(t, err, ErrTransactionAlreadyActive)
	assert.True(t, IsMisuse(err))

	require.NoError(t, m.Commit(ctx))
	assert.ErrorIs(t, m.Commit(ctx), ErrNoActiveTransaction)

	require.NoError(t, m.Begin(ctx, Options{}), "a finished manager can begin again")
	require.NoError(t, m.Rollback(ctx))
}

func TestBegin_DriverFailure(t *testing.T) {
	ctx := context.Background()
	m, d := newManager(t)
	require.NoError(t, d.BeginTx(ctx, m.Conn().Handle(), driver.TxOptions{}))

	err := m.Begin(ctx, Options{})
	require.Error(t, err)
	assert.Equal(t, StateIdle, m.State())
	assert.True(t, m.Conn().Session().AutoCommit)
}

func TestSavepoints(t *testing.T) {
	ctx := context.Background()
	m, d := newManager(t)
	require.NoError(t, m.Begin(ctx, Options{}))

	insert(t, m, d, 1)
	_, err := m.CreateSavepoint(ctx, "a", "after first row")
	require.NoError(t, err)
	insert(t, m, d, 2)
	_, err = m.CreateSavepoint(ctx, "b", "")
	require.NoError(t, err)
	insert(t, m, d, 3)
	_, err = m.CreateSavepoint(ctx, "c", "")
	require.NoError(t, err)

	_, err = m.CreateSavepoint(ctx, "a", "")
	assert.ErrorIs(t, err, ErrDuplicateSavepoint)

	require.NoError(t, m.RollbackTo(ctx, "a"))
	assert.Equal(t, StateActive, m.State())
	sps := m.Savepoints()
	require.Len(t, sps, 1)
	assert.Equal(t, "a", sps[0].Name)
	assert.Equal(t, "after first row", sps[0].Description)

	assert.ErrorIs(t, m.RollbackTo(ctx, "b"), ErrSavepointNotFound)
	assert.ErrorIs(t, m.ReleaseSavepoint(ctx, "c"), ErrSavepointNotFound)

	_, err = m.CreateSavepoint(ctx, "b", "")
	require.NoError(t, err, "discarded names can be reused")
	require.NoError(t, m.ReleaseSavepoint(ctx, "a"))
	assert.Empty(t, m.Savepoints())

	require.NoError(t, m.Commit(ctx))
	assert.Equal(t, 1, d.Count("users"))
	_, ok := d.Get("users", 1)
	assert.True(t, ok)
	assert.Nil(t, m.Savepoints())
}

func TestCreateSavepoint_GeneratesNames(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	require.NoError(t, m.Begin(ctx, Options{}))

	a, err := m.CreateSavepoint(ctx, "", "")
	require.NoError(t, err)
	_, err = m.CreateSavepoint(ctx, "sp_2", "")
	require.NoError(t, err)
	c, err := m.CreateSavepoint(ctx, "", "")
	require.NoError(t, err)

	assert.Equal(t, "sp_1", a.Name)
	assert.Equal(t, "sp_3", c.Name)
	require.NoError(t, m.Rollback(ctx))
}

func TestExecuteWithSavepoint(t *testing.T) {
	ctx := context.Background()
	m, d := newManager(t)
	require.NoError(t, m.Begin(ctx, Options{}))
	insert(t, m, d, 1)

	require.NoError(t, m.ExecuteWithSavepoint(ctx, "ok", func(ctx context.Context) error {
		insert(t, m, d, 2)
		return nil
	}))

	boom := errors.New("boom")
	err := m.ExecuteWithSavepoint(ctx, "fails", func(ctx context.Context) error {
		insert(t, m, d, 3)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateActive, m.State())
	assert.Empty(t, m.Savepoints())

	require.NoError(t, m.Commit(ctx))
	assert.Equal(t, 2, d.Count("users"))
	_, ok := d.Get("users", 3)
	assert.False(t, ok)
}

func TestExecuteWithRetry(t *testing.T) {
	ctx := context.Background()
	m, d := newManager(t)
	require.NoError(t, m.Begin(ctx, Options{}))

	calls := 0
	err := m.ExecuteWithRetry(ctx, RetryOptions{MaxRetries: 3, Delay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		insert(t, m, d, 10)
		if calls < 3 {
			return errors.New("deadlock victim")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.NoError(t, m.Commit(ctx))
	assert.Equal(t, 1, d.Count("users"))

	var retries int
	for _, e := range m.Log() {
		if e.Action == "retry" {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestExecuteWithRetry_GivesUp(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	require.NoError(t, m.Begin(ctx, Options{}))

	calls := 0
	err := m.ExecuteWithRetry(ctx, RetryOptions{MaxRetries: 2, Delay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return errors.New("still failing")
	})
	assert.EqualError(t, err, "still failing")
	assert.Equal(t, 3, calls)
	assert.Equal(t, StateActive, m.State())
	require.NoError(t, m.Rollback(ctx))
}

func TestExecuteWithRetry_MisuseNotRetried(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	require.NoError(t, m.Begin(ctx, Options{}))

	calls := 0
	err := m.ExecuteWithRetry(ctx, RetryOptions{MaxRetries: 5, Delay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return m.ReleaseSavepoint(ctx, "missing")
	})
	assert.ErrorIs(t, err, ErrSavepointNotFound)
	assert.Equal(t, 1, calls)

	m2, _ := newManager(t)
	err = m2.ExecuteWithRetry(ctx, RetryOptions{MaxRetries: 5}, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrNoActiveTransaction)
	require.NoError(t, m.Rollback(ctx))
}

func TestExecuteWithRetry_StopsOnCancel(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.Begin(context.Background(), Options{}))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := m.ExecuteWithRetry(ctx, RetryOptions{MaxRetries: 10, Delay: 10 * time.Millisecond}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	require.NoError(t, m.Abort(ctx))
}

func TestTimeout(t *testing.T) {
	ctx := context.Background()
	m, d := newManager(t)
	require.NoError(t, m.Begin(ctx, Options{Timeout: 10 * time.Millisecond}))
	insert(t, m, d, 1)
	time.Sleep(20 * time.Millisecond)

	err := m.Commit(ctx)
	assert.ErrorIs(t, err, ErrTransactionTimeout)
	assert.Equal(t, StateRolledBack, m.State())
	assert.True(t, m.Conn().Session().AutoCommit)
	assert.Equal(t, 0, d.Count("users"))
	assert.False(t, memdriver.InTx(m.Conn().Handle()))
}

func TestRunInTransaction(t *testing.T) {
	ctx := context.Background()
	m, d := newManager(t)

	require.NoError(t, m.RunInTransaction(ctx, Options{}, func(ctx context.Context) error {
		insert(t, m, d, 1)
		return nil
	}))
	assert.Equal(t, StateCommitted, m.State())
	assert.Equal(t, 1, d.Count("users"))

	boom := errors.New("boom")
	err := m.RunInTransaction(ctx, Options{}, func(ctx context.Context) error {
		insert(t, m, d, 2)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateRolledBack, m.State())
	assert.Equal(t, 1, d.Count("users"))

	assert.Panics(t, func() {
		_ = m.RunInTransaction(ctx, Options{}, func(ctx context.Context) error {
			insert(t, m, d, 3)
			panic("bad")
		})
	})
	assert.Equal(t, StateRolledBack, m.State())
	assert.Equal(t, 1, d.Count("users"))
	assert.True(t, m.Conn().Session().AutoCommit)
}

func TestAbort_RunsWithCancelledContext(t *testing.T) {
	m, d := newManager(t)
	require.NoError(t, m.Begin(context.Background(), Options{}))
	insert(t, m, d, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Abort(ctx))
	assert.Equal(t, StateRolledBack, m.State())
	assert.Equal(t, 0, d.Count("users"))

	require.NoError(t, m.Abort(ctx), "abort without an active transaction is a no-op")
}

func TestClose_ReleasesPooledConnection(t *testing.T) {
	ctx := context.Background()
	d := memdriver.New()
	p, err := pool.New("txn", testTarget, target.PoolConfig{MinSize: 1, InitialSize: 1, MaxSize: 1}, d)
	require.NoError(t, err)
	require.NoError(t, p.Initialize(ctx))
	defer p.Close(ctx)

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	m := New(c)
	require.NoError(t, m.Begin(ctx, Options{}))
	insert(t, m, d, 1)

	require.NoError(t, m.Close(ctx))
	assert.False(t, memdriver.InTx(c.Handle()))
	assert.Equal(t, 0, d.Count("users"))
	assert.Equal(t, 0, p.Statistics().Borrowed)
	assert.Equal(t, 1, p.Statistics().Available)
}

func TestLog(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	assert.Nil(t, m.Log())

	require.NoError(t, m.Begin(ctx, Options{}))
	_, err := m.CreateSavepoint(ctx, "a", "")
	require.NoError(t, err)
	require.NoError(t, m.RollbackTo(ctx, "a"))
	m.Note("batch", "chunk 1")
	require.NoError(t, m.Commit(ctx))

	var actions []string
	for _, e := range m.Log() {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"begin", "savepoint", "rollback_to", "batch", "commit"}, actions)
}

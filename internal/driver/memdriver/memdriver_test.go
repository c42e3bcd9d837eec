package memdriver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/dbpool/internal/driver"
	"github.com/joao-brasil/dbpool/pkg/target"
)

var (
	testTarget = &target.Target{Dialect: target.DialectMemory, Database: "test"}
	testNode   = target.Node{Host: "db1", Port: 5432}
	usersStmt  = driver.Statement{Op: driver.OpInsert, Table: "users", Columns: []string{"id", "name"}}
)

func open(t *testing.T, d *Driver) driver.Handle {
	t.Helper()
	h, err := d.Open(context.Background(), testTarget, testNode)
	require.NoError(t, err)
	return h
}

func TestExecuteBatch_Autocommit(t *testing.T) {
	ctx := context.Background()
	d := New()
	h := open(t, d)

	out, err := d.ExecuteBatch(ctx, h, usersStmt, [][]any{{1, "a"}, {2, "b"}})
	require.NoError(t, err)
	assert.Equal(t, 2, driver.Applied(out))
	assert.Equal(t, 2, d.Count("users"))

	row, ok := d.Get("users", 2)
	require.True(t, ok)
	assert.Equal(t, "b", row["name"])
}

func TestExecuteBatch_StopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	d := New()
	h := open(t, d)

	out, err := d.ExecuteBatch(ctx, h, usersStmt, [][]any{{1, "a"}, {2, nil}, {3, "c"}})
	require.NoError(t, err)
	require.Len(t, out, 3)

	idx, rowErr := driver.FirstError(out)
	assert.Equal(t, 1, idx)
	assert.ErrorContains(t, rowErr, "not-null")
	assert.ErrorIs(t, out[2].Err, driver.ErrNotExecuted)
	assert.Equal(t, 1, d.Count("users"))
}

func TestExecuteBatch_DuplicateKey(t *testing.T) {
	ctx := context.Background()
	d := New()
	h := open(t, d)

	_, err := d.ExecuteBatch(ctx, h, usersStmt, [][]any{{1, "a"}})
	require.NoError(t, err)
	out, err := d.ExecuteBatch(ctx, h, usersStmt, [][]any{{1, "again"}})
	require.NoError(t, err)
	_, rowErr := driver.FirstError(out)
	assert.ErrorContains(t, rowErr, "duplicate key")
}

func TestExecuteBatch_UpdateDeleteUpsert(t *testing.T) {
	ctx := context.Background()
	d := New()
	h := open(t, d)

	_, err := d.ExecuteBatch(ctx, h, usersStmt, [][]any{{1, "a"}, {2, "b"}})
	require.NoError(t, err)

	upd := driver.Statement{Op: driver.OpUpdate, Table: "users", Columns: []string{"id", "name"}, KeyColumns: []string{"id"}}
	out, err := d.ExecuteBatch(ctx, h, upd, [][]any{{1, "z"}, {9, "missing"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out[0].RowsAffected)
	assert.Equal(t, int64(0), out[1].RowsAffected)

	ups := driver.Statement{Op: driver.OpUpsert, Table: "users", Columns: []string{"id", "name"}}
	_, err = d.ExecuteBatch(ctx, h, ups, [][]any{{2, "y"}, {3, "c"}})
	require.NoError(t, err)
	assert.Equal(t, 3, d.Count("users"))

	del := driver.Statement{Op: driver.OpDelete, Table: "users", Columns: []string{"id"}}
	_, err = d.ExecuteBatch(ctx, h, del, [][]any{{1}})
	require.NoError(t, err)
	assert.Equal(t, 2, d.Count("users"))
	row, _ := d.Get("users", 2)
	assert.Equal(t, "y", row["name"])
}

func TestTransaction_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	d := New()
	h := open(t, d)

	require.NoError(t, d.BeginTx(ctx, h, driver.TxOptions{}))
	_, err := d.ExecuteBatch(ctx, h, usersStmt, [][]any{{1, "a"}})
	require.NoError(t, err)
	assert.Equal(t, 0, d.Count("users"), "uncommitted rows must not be visible")
	require.NoError(t, d.Rollback(ctx, h))
	assert.Equal(t, 0, d.Count("users"))

	require.NoError(t, d.BeginTx(ctx, h, driver.TxOptions{}))
	_, err = d.ExecuteBatch(ctx, h, usersStmt, [][]any{{1, "a"}})
	require.NoError(t, err)
	require.NoError(t, d.Commit(ctx, h))
	assert.Equal(t, 1, d.Count("users"))
	assert.False(t, InTx(h))
}

func TestTransaction_ConcurrentCommitsMergePerKey(t *testing.T) {
	ctx := context.Background()
	d := New()
	seed := open(t, d)
	_, err := d.ExecuteBatch(ctx, seed, usersStmt, [][]any{{1, "a"}, {2, "b"}})
	require.NoError(t, err)

	first, second := open(t, d), open(t, d)
	require.NoError(t, d.BeginTx(ctx, first, driver.TxOptions{}))
	require.NoError(t, d.BeginTx(ctx, second, driver.TxOptions{}))

	_, err = d.ExecuteBatch(ctx, first, usersStmt, [][]any{{10, "first"}})
	require.NoError(t, err)
	del := driver.Statement{Op: driver.OpDelete, Table: "users", Columns: []string{"id"}}
	_, err = d.ExecuteBatch(ctx, first, del, [][]any{{1}})
	require.NoError(t, err)

	_, err = d.ExecuteBatch(ctx, second, usersStmt, [][]any{{20, "second"}})
	require.NoError(t, err)
	ups := driver.Statement{Op: driver.OpUpsert, Table: "users", Columns: []string{"id", "name"}}
	_, err = d.ExecuteBatch(ctx, second, ups, [][]any{{2, "changed"}})
	require.NoError(t, err)

	require.NoError(t, d.Commit(ctx, first))
	require.NoError(t, d.Commit(ctx, second))

	assert.Equal(t, 3, d.Count("users"))
	_, ok := d.Get("users", 1)
	assert.False(t, ok, "delete from the first transaction survives the second commit")
	for _, id := range []int{10, 20} {
		_, ok := d.Get("users", id)
		assert.True(t, ok, "row %d", id)
	}
	row, _ := d.Get("users", 2)
	assert.Equal(t, "changed", row["name"])
}

func TestTransaction_Savepoints(t *testing.T) {
	ctx := context.Background()
	d := New()
	h := open(t, d)

	require.NoError(t, d.BeginTx(ctx, h, driver.TxOptions{}))
	_, err := d.ExecuteBatch(ctx, h, usersStmt, [][]any{{1, "a"}})
	require.NoError(t, err)

	sp1, err := d.CreateSavepoint(ctx, h, "sp1")
	require.NoError(t, err)
	_, err = d.ExecuteBatch(ctx, h, usersStmt, [][]any{{2, "b"}})
	require.NoError(t, err)
	_, err = d.CreateSavepoint(ctx, h, "sp2")
	require.NoError(t, err)
	_, err = d.ExecuteBatch(ctx, h, usersStmt, [][]any{{3, "c"}})
	require.NoError(t, err)

	require.NoError(t, d.RollbackToSavepoint(ctx, h, sp1))
	assert.Error(t, d.ReleaseSavepoint(ctx, h, "sp2"), "sp2 was discarded by rolling back to sp1")
	require.NoError(t, d.ReleaseSavepoint(ctx, h, sp1))
	require.NoError(t, d.Commit(ctx, h))

	assert.Equal(t, 1, d.Count("users"))
	_, ok := d.Get("users", 1)
	assert.True(t, ok)
}

func TestTransaction_ReadOnlyRejectsWrites(t *testing.T) {
	ctx := context.Background()
	d := New()
	h := open(t, d)

	require.NoError(t, d.BeginTx(ctx, h, driver.TxOptions{ReadOnly: true}))
	_, err := d.ExecuteBatch(ctx, h, usersStmt, [][]any{{1, "a"}})
	assert.ErrorContains(t, err, "read-only")
	require.NoError(t, d.Rollback(ctx, h))
}

func TestTransaction_Misuse(t *testing.T) {
	ctx := context.Background()
	d := New()
	h := open(t, d)

	assert.Error(t, d.Commit(ctx, h))
	assert.Error(t, d.Rollback(ctx, h))
	_, err := d.CreateSavepoint(ctx, h, "x")
	assert.Error(t, err)

	require.NoError(t, d.BeginTx(ctx, h, driver.TxOptions{}))
	assert.Error(t, d.BeginTx(ctx, h, driver.TxOptions{}))
}

func TestFailureInjection(t *testing.T) {
	ctx := context.Background()
	d := New()

	d.FailOpens(1)
	_, err := d.Open(ctx, testTarget, testNode)
	assert.ErrorIs(t, err, ErrConnectionRefused)
	h := open(t, d)

	d.FailValidations(1)
	assert.Error(t, d.Validate(ctx, h, "SELECT 1"))
	assert.NoError(t, d.Validate(ctx, h, "SELECT 1"))

	d.Break(h)
	assert.Error(t, d.Validate(ctx, h, "SELECT 1"))

	boom := errors.New("boom")
	d.SetOpenError(boom)
	_, err = d.Open(ctx, testTarget, testNode)
	assert.ErrorIs(t, err, boom)
	d.SetOpenError(nil)

	d.SetNodeDown(testNode.Addr(), true)
	_, err = d.Open(ctx, testTarget, testNode)
	assert.ErrorIs(t, err, ErrConnectionRefused)
	other, err := d.Open(ctx, testTarget, target.Node{Host: "db2", Port: 5432})
	require.NoError(t, err)
	assert.Equal(t, "db2:5432", NodeOf(other))
}

func TestCloseCounts(t *testing.T) {
	ctx := context.Background()
	d := New()
	h := open(t, d)
	_ = open(t, d)

	assert.Equal(t, 2, d.Live())
	require.NoError(t, d.Close(h))
	require.NoError(t, d.Close(h))
	assert.Equal(t, 1, d.Live())
	assert.Equal(t, 1, d.Closed())
	assert.Error(t, d.Validate(ctx, h, "SELECT 1"))
}

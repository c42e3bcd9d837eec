package sqldriver

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/dbpool/internal/driver"
	"github.com/joao-brasil/dbpool/pkg/target"
)

func newMock(t *testing.T, dialectName string) (*Driver, driver.Handle, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)

	d, err := New(dialectName, WithOpener(func(string, string) (*sql.DB, error) { return db, nil }))
	require.NoError(t, err)

	tgt := &target.Target{Dialect: dialectName, Database: "app"}
	h, err := d.Open(context.Background(), tgt, target.Node{Host: "db1", Port: 1433})
	require.NoError(t, err)
	return d, h, mock
}

func TestTransactionWithSavepoints_Postgres(t *testing.T) {
	ctx := context.Background()
	d, h, mock := newMock(t, target.DialectPostgres)

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT chunk_0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT chunk_0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT chunk_0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectClose()

	require.NoError(t, d.BeginTx(ctx, h, driver.TxOptions{}))
	ref, err := d.CreateSavepoint(ctx, h, "chunk_0")
	require.NoError(t, err)
	require.NoError(t, d.RollbackToSavepoint(ctx, h, ref))
	require.NoError(t, d.ReleaseSavepoint(ctx, h, ref))
	require.NoError(t, d.Commit(ctx, h))
	require.NoError(t, d.Close(h))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseSavepoint_SQLServerIsImplicit(t *testing.T) {
	ctx := context.Background()
	d, h, mock := newMock(t, target.DialectSQLServer)

	mock.ExpectBegin()
	mock.ExpectExec("SAVE TRANSACTION sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	require.NoError(t, d.BeginTx(ctx, h, driver.TxOptions{}))
	ref, err := d.CreateSavepoint(ctx, h, "sp_1")
	require.NoError(t, err)
	require.NoError(t, d.ReleaseSavepoint(ctx, h, ref))
	require.NoError(t, d.Rollback(ctx, h))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteBatch_StopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	d, h, mock := newMock(t, target.DialectPostgres)

	stmt := driver.Statement{Op: driver.OpInsert, Table: "users", Columns: []string{"id", "name"}}
	prep := mock.ExpectPrepare(`INSERT INTO "users" ("id", "name") VALUES ($1, $2)`)
	prep.ExpectExec().WithArgs(1, "a").WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs(2, "b").WillReturnError(errors.New("unique violation"))

	out, err := d.ExecuteBatch(ctx, h, stmt, [][]any{{1, "a"}, {2, "b"}, {3, "c"}})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, int64(1), out[0].RowsAffected)
	assert.ErrorContains(t, out[1].Err, "unique violation")
	assert.ErrorIs(t, out[2].Err, driver.ErrNotExecuted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteBatch_UpdateReordersArgs(t *testing.T) {
	ctx := context.Background()
	d, h, mock := newMock(t, target.DialectSQLServer)

	stmt := driver.Statement{Op: driver.OpUpdate, Table: "users", Columns: []string{"id", "name"}}
	mock.ExpectPrepare(`UPDATE [users] SET [name] = @p1 WHERE [id] = @p2`).
		ExpectExec().WithArgs("z", 7).WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := d.ExecuteBatch(ctx, h, stmt, [][]any{{7, "z"}})
	require.NoError(t, err)
	assert.Equal(t, 1, driver.Applied(out))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateAndReset(t *testing.T) {
	ctx := context.Background()
	d, h, mock := newMock(t, target.DialectPostgres)

	mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT 1").WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectExec("DISCARD ALL").WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, d.Validate(ctx, h, "SELECT 1"))
	assert.Error(t, d.Validate(ctx, h, "SELECT 1"))
	assert.NoError(t, d.Reset(ctx, h))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionMisuse(t *testing.T) {
	ctx := context.Background()
	d, h, _ := newMock(t, target.DialectPostgres)

	assert.Error(t, d.Commit(ctx, h))
	_, err := d.CreateSavepoint(ctx, h, "sp")
	assert.Error(t, err)
	assert.Error(t, d.ReleaseSavepoint(ctx, h, "sp"))
	assert.Error(t, d.Validate(ctx, "not a handle", "SELECT 1"))
}

// TestSQLite_EndToEnd runs a transactional batch with savepoints against a real
// SQLite file.
func TestSQLite_EndToEnd(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "e2e.db")

	setup, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer setup.Close()
	_, err = setup.ExecContext(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)

	d, err := New(target.DialectSQLite)
	require.NoError(t, err)
	tgt := &target.Target{Dialect: target.DialectSQLite, Database: path}
	h, err := d.Open(ctx, tgt, tgt.Primary())
	require.NoError(t, err)
	defer d.Close(h)
	require.NoError(t, d.Validate(ctx, h, "SELECT 1"))

	insert := driver.Statement{Op: driver.OpInsert, Table: "users", Columns: []string{"id", "name"}}

	require.NoError(t, d.BeginTx(ctx, h, driver.TxOptions{}))
	out, err := d.ExecuteBatch(ctx, h, insert, [][]any{{1, "a"}, {2, "b"}})
	require.NoError(t, err)
	assert.Equal(t, 2, driver.Applied(out))

	ref, err := d.CreateSavepoint(ctx, h, "chunk_1")
	require.NoError(t, err)
	out, err = d.ExecuteBatch(ctx, h, insert, [][]any{{3, "c"}, {4, nil}})
	require.NoError(t, err)
	idx, rowErr := driver.FirstError(out)
	assert.Equal(t, 1, idx)
	assert.Error(t, rowErr)
	require.NoError(t, d.RollbackToSavepoint(ctx, h, ref))
	require.NoError(t, d.ReleaseSavepoint(ctx, h, ref))
	require.NoError(t, d.Commit(ctx, h))

	var n int
	require.NoError(t, setup.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n))
	assert.Equal(t, 2, n)

	upsert := driver.Statement{Op: driver.OpUpsert, Table: "users", Columns: []string{"id", "name"}}
	_, err = d.ExecuteBatch(ctx, h, upsert, [][]any{{2, "bb"}, {5, "e"}})
	require.NoError(t, err)

	var name string
	require.NoError(t, setup.QueryRowContext(ctx, `SELECT name FROM users WHERE id = 2`).Scan(&name))
	assert.Equal(t, "bb", name)
	require.NoError(t, setup.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n))
	assert.Equal(t, 3, n)
}

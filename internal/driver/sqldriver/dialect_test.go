package sqldriver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/dbpool/internal/driver"
	"github.com/joao-brasil/dbpool/pkg/target"
)

func TestBuild(t *testing.T) {
	cols := []string{"id", "name", "email"}

	tests := []struct {
		name    string
		dialect string
		stmt    driver.Statement
		want    string
		order   []int
	}{
		{
			name:    "postgres insert",
			dialect: target.DialectPostgres,
			stmt:    driver.Statement{Op: driver.OpInsert, Table: "users", Columns: cols},
			want:    `INSERT INTO "users" ("id", "name", "email") VALUES ($1, $2, $3)`,
			order:   []int{0, 1, 2},
		},
		{
			name:    "sqlserver insert",
			dialect: target.DialectSQLServer,
			stmt:    driver.Statement{Op: driver.OpInsert, Table: "users", Columns: cols},
			want:    `INSERT INTO [users] ([id], [name], [email]) VALUES (@p1, @p2, @p3)`,
			order:   []int{0, 1, 2},
		},
		{
			name:    "sqlite update binds values then keys",
			dialect: target.DialectSQLite,
			stmt:    driver.Statement{Op: driver.OpUpdate, Table: "users", Columns: cols},
			want:    `UPDATE "users" SET "name" = ?, "email" = ? WHERE "id" = ?`,
			order:   []int{1, 2, 0},
		},
		{
			name:    "postgres update with composite key",
			dialect: target.DialectPostgres,
			stmt:    driver.Statement{Op: driver.OpUpdate, Table: "t", Columns: []string{"a", "b", "v"}, KeyColumns: []string{"a", "b"}},
			want:    `UPDATE "t" SET "v" = $1 WHERE "a" = $2 AND "b" = $3`,
			order:   []int{2, 0, 1},
		},
		{
			name:    "sqlserver delete",
			dialect: target.DialectSQLServer,
			stmt:    driver.Statement{Op: driver.OpDelete, Table: "users", Columns: []string{"id"}},
			want:    `DELETE FROM [users] WHERE [id] = @p1`,
			order:   []int{0},
		},
		{
			name:    "postgres upsert",
			dialect: target.DialectPostgres,
			stmt:    driver.Statement{Op: driver.OpUpsert, Table: "users", Columns: []string{"id", "name"}},
			want:    `INSERT INTO "users" ("id", "name") VALUES ($1, $2) ON CONFLICT ("id") DO UPDATE SET "name" = excluded."name"`,
			order:   []int{0, 1},
		},
		{
			name:    "sqlite upsert of keys only",
			dialect: target.DialectSQLite,
			stmt:    driver.Statement{Op: driver.OpUpsert, Table: "tags", Columns: []string{"tag"}},
			want:    `INSERT INTO "tags" ("tag") VALUES (?) ON CONFLICT ("tag") DO NOTHING`,
			order:   []int{0},
		},
		{
			name:    "sqlserver merge upsert",
			dialect: target.DialectSQLServer,
			stmt:    driver.Statement{Op: driver.OpUpsert, Table: "users", Columns: []string{"id", "name"}},
			want: `MERGE INTO [users] AS tgt USING (VALUES (@p1, @p2)) AS src ([id], [name]) ON tgt.[id] = src.[id]` +
				` WHEN MATCHED THEN UPDATE SET tgt.[name] = src.[name]` +
				` WHEN NOT MATCHED THEN INSERT ([id], [name]) VALUES (src.[id], src.[name]);`,
			order: []int{0, 1},
		},
		{
			name:    "explicit text",
			dialect: target.DialectPostgres,
			stmt:    driver.Statement{Text: "CALL archive($1, $2)", Columns: []string{"a", "b"}},
			want:    "CALL archive($1, $2)",
			order:   []int{0, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, order, err := dialects[tt.dialect].build(tt.stmt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.order, order)
		})
	}
}

func TestBuild_Errors(t *testing.T) {
	d := dialects[target.DialectPostgres]

	_, _, err := d.build(driver.Statement{Op: driver.OpInsert})
	assert.Error(t, err)

	_, _, err = d.build(driver.Statement{Op: driver.OpUpdate, Table: "t", Columns: []string{"id"}})
	assert.ErrorContains(t, err, "non-key")

	_, _, err = d.build(driver.Statement{Op: driver.OpDelete, Table: "t", Columns: []string{"id"}, KeyColumns: []string{"nope"}})
	assert.ErrorContains(t, err, "not in columns")
}

func TestSavepointNames(t *testing.T) {
	d := dialects[target.DialectSQLServer]

	q, err := d.savepointSQL(d.savepoint, "chunk_3")
	require.NoError(t, err)
	assert.Equal(t, "SAVE TRANSACTION chunk_3", q)

	_, err = d.savepointSQL(d.savepoint, "x; DROP TABLE users")
	assert.Error(t, err)
}

func TestNew_UnknownDialect(t *testing.T) {
	_, err := New("oracle")
	assert.Error(t, err)
	for _, name := range Dialects() {
		d, err := New(name)
		require.NoError(t, err)
		assert.Equal(t, name, d.Dialect())
	}
}

package sqldriver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/joao-brasil/dbpool/internal/driver"
	"github.com/joao-brasil/dbpool/pkg/target"
)

// dialect holds the vendor-specific SQL fragments.
type dialect struct {
	name       string
	driverName string

	placeholder func(i int) string
	quote       func(ident string) string

	savepoint  string
	rollbackTo string
	release    string // empty: release is implicit
	reset      string // empty: no session reset

	upsert func(d *dialect, table string, cols, keys []string) string
}

var dialects = map[string]*dialect{
	target.DialectSQLServer: {
		name:        target.DialectSQLServer,
		driverName:  "sqlserver",
		placeholder: func(i int) string { return "@p" + strconv.Itoa(i) },
		quote:       func(s string) string { return "[" + strings.ReplaceAll(s, "]", "]]") + "]" },
		savepoint:   "SAVE TRANSACTION %s",
		rollbackTo:  "ROLLBACK TRANSACTION %s",
		upsert:      mergeUpsert,
	},
	target.DialectPostgres: {
		name:        target.DialectPostgres,
		driverName:  "pgx",
		placeholder: func(i int) string { return "$" + strconv.Itoa(i) },
		quote:       doubleQuote,
		savepoint:   "SAVEPOINT %s",
		rollbackTo:  "ROLLBACK TO SAVEPOINT %s",
		release:     "RELEASE SAVEPOINT %s",
		reset:       "DISCARD ALL",
		upsert:      onConflictUpsert,
	},
	target.DialectSQLite: {
		name:        target.DialectSQLite,
		driverName:  "sqlite",
		placeholder: func(int) string { return "?" },
		quote:       doubleQuote,
		savepoint:   "SAVEPOINT %s",
		rollbackTo:  "ROLLBACK TO SAVEPOINT %s",
		release:     "RELEASE SAVEPOINT %s",
		upsert:      onConflictUpsert,
	},
}

// Dialects returns the names of the supported dialects.
func Dialects() []string {
	return []string{target.DialectSQLServer, target.DialectPostgres, target.DialectSQLite}
}

func doubleQuote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,127}$`)

func (d *dialect) savepointSQL(tmpl, name string) (string, error) {
	if !savepointName.MatchString(name) {
		return "", fmt.Errorf("invalid savepoint name %q", name)
	}
	return fmt.Sprintf(tmpl, name), nil
}

func (d *dialect) quoteAll(idents []string) []string {
	out := make([]string, len(idents))
	for i, s := range idents {
		out[i] = d.quote(s)
	}
	return out
}

func (d *dialect) placeholders(from, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = d.placeholder(from + i)
	}
	return out
}

// build renders stmt and returns, for each placeholder in order, the index of
// the row value bound to it.
func (d *dialect) build(stmt driver.Statement) (string, []int, error) {
	if stmt.Text != "" {
		order := make([]int, len(stmt.Columns))
		for i := range order {
			order[i] = i
		}
		return stmt.Text, order, nil
	}
	if stmt.Table == "" || len(stmt.Columns) == 0 {
		return "", nil, fmt.Errorf("statement needs a table and columns")
	}

	keys := stmt.KeyColumns
	if len(keys) == 0 {
		keys = stmt.Columns[:1]
	}
	index := make(map[string]int, len(stmt.Columns))
	for i, c := range stmt.Columns {
		index[c] = i
	}
	keyIdx := make([]int, 0, len(keys))
	for _, k := range keys {
		i, ok := index[k]
		if !ok {
			return "", nil, fmt.Errorf("key column %q not in columns", k)
		}
		keyIdx = append(keyIdx, i)
	}
	isKey := make(map[int]bool, len(keyIdx))
	for _, i := range keyIdx {
		isKey[i] = true
	}
	var valueIdx []int
	for i := range stmt.Columns {
		if !isKey[i] {
			valueIdx = append(valueIdx, i)
		}
	}

	table := d.quote(stmt.Table)
	all := make([]int, len(stmt.Columns))
	for i := range all {
		all[i] = i
	}

	switch stmt.Op {
	case driver.OpInsert:
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table,
			strings.Join(d.quoteAll(stmt.Columns), ", "),
			strings.Join(d.placeholders(1, len(stmt.Columns)), ", ")), all, nil

	case driver.OpUpdate:
		if len(valueIdx) == 0 {
			return "", nil, fmt.Errorf("update needs at least one non-key column")
		}
		sets := make([]string, len(valueIdx))
		for i, ci := range valueIdx {
			sets[i] = d.quote(stmt.Columns[ci]) + " = " + d.placeholder(i+1)
		}
		return fmt.Sprintf("UPDATE %s SET %s WHERE %s", table,
			strings.Join(sets, ", "), d.where(stmt.Columns, keyIdx, len(valueIdx)+1)),
			append(valueIdx, keyIdx...), nil

	case driver.OpDelete:
		return fmt.Sprintf("DELETE FROM %s WHERE %s", table, d.where(stmt.Columns, keyIdx, 1)), keyIdx, nil

	case driver.OpUpsert:
		keyNames := make([]string, len(keyIdx))
		for i, ci := range keyIdx {
			keyNames[i] = stmt.Columns[ci]
		}
		return d.upsert(d, stmt.Table, stmt.Columns, keyNames), all, nil

	default:
		return "", nil, fmt.Errorf("unsupported operation %q", stmt.Op)
	}
}

func (d *dialect) where(cols []string, keyIdx []int, from int) string {
	conds := make([]string, len(keyIdx))
	for i, ci := range keyIdx {
		conds[i] = d.quote(cols[ci]) + " = " + d.placeholder(from+i)
	}
	return strings.Join(conds, " AND ")
}

func onConflictUpsert(d *dialect, table string, cols, keys []string) string {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var sets []string
	for _, c := range cols {
		if !isKey[c] {
			sets = append(sets, d.quote(c)+" = excluded."+d.quote(c))
		}
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		d.quote(table),
		strings.Join(d.quoteAll(cols), ", "),
		strings.Join(d.placeholders(1, len(cols)), ", "),
		strings.Join(d.quoteAll(keys), ", "),
		action)
}

func mergeUpsert(d *dialect, table string, cols, keys []string) string {
	isKey := make(map[string]bool, len(keys))
	on := make([]string, len(keys))
	for i, k := range keys {
		isKey[k] = true
		on[i] = "tgt." + d.quote(k) + " = src." + d.quote(k)
	}
	var sets []string
	src := make([]string, len(cols))
	for i, c := range cols {
		src[i] = "src." + d.quote(c)
		if !isKey[c] {
			sets = append(sets, "tgt."+d.quote(c)+" = src."+d.quote(c))
		}
	}
	quoted := strings.Join(d.quoteAll(cols), ", ")

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s AS tgt USING (VALUES (%s)) AS src (%s) ON %s",
		d.quote(table), strings.Join(d.placeholders(1, len(cols)), ", "), quoted, strings.Join(on, " AND "))
	if len(sets) > 0 {
		fmt.Fprintf(&b, " WHEN MATCHED THEN UPDATE SET %s", strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);", quoted, strings.Join(src, ", "))
	return b.String()
}

// Package sqlbackend is the dialect-parameterized Acceleration Backend
// shared by the DuckDB, SQLite, and Postgres engines. The
// create/append/upsert/delete/scan logic lives once here; each concrete
// driver file only supplies a Dialect and registers a accel.Factory.
package sqlbackend

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/jmoiron/sqlx"

	"github.com/lakeforge/accelerate/pkg/schema"
)

// Dialect captures the handful of ways DuckDB, SQLite, and Postgres differ
// for the operations this backend needs: identifier quoting, parameter
// placeholders, column type spelling, and upsert syntax.
type Dialect interface {
	Name() string
	Quote(ident string) string
	Placeholder(pos int) string
	ColumnType(t arrow.DataType) string
	// RenameTable issues the statement(s) that atomically give table
	// `from` the name `to`, replacing any existing table named `to`.
	RenameTable(db *sqlx.DB, from, to string) error
	// UpsertSuffix returns the dialect's "ON CONFLICT (...) DO UPDATE SET
	// ..." clause appended after each row's INSERT, given the primary key
	// columns and the non-PK columns to overwrite on conflict. It is used
	// only for OnConflictUpsert; OnConflictDrop is built separately by
	// dropConflictSuffix (a trailing ON CONFLICT ... DO NOTHING for
	// Postgres, an INSERT OR IGNORE verb for DuckDB and SQLite).
	UpsertSuffix(pk []string, cols []string) string
}

func createTableSQL(d Dialect, table string, sch schema.Schema) string {
	cols := make([]string, len(sch.Columns))
	for i, c := range sch.Columns {
		nullability := ""
		if !c.Nullable {
			nullability = " NOT NULL"
		}
		cols[i] = fmt.Sprintf("%s %s%s", d.Quote(c.Name), d.ColumnType(c.Type), nullability)
	}
	pk := ""
	if len(sch.PrimaryKey) > 0 {
		quoted := make([]string, len(sch.PrimaryKey))
		for i, k := range sch.PrimaryKey {
			quoted[i] = d.Quote(k)
		}
		pk = fmt.Sprintf(", PRIMARY KEY (%s)", joinComma(quoted))
	}
	return fmt.Sprintf("CREATE TABLE %s (%s%s)", d.Quote(table), joinComma(cols), pk)
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

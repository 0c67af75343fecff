package sqlbackend

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/jmoiron/sqlx"

	// Registers the "sqlite3" database/sql driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/lakeforge/accelerate/pkg/accel"
)

func init() {
	accel.Register("sqlite", func(params map[string]any) (accel.Backend, error) {
		return newBackend("sqlite3", sqliteDialect{}, params)
	})
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string              { return "sqlite" }
func (sqliteDialect) Quote(ident string) string { return `"` + ident + `"` }
func (sqliteDialect) Placeholder(int) string    { return "?" }

func (sqliteDialect) ColumnType(t arrow.DataType) string {
	switch t.ID() {
	case arrow.INT64:
		return "INTEGER"
	case arrow.FLOAT64:
		return "REAL"
	case arrow.STRING:
		return "TEXT"
	case arrow.BOOL:
		return "INTEGER"
	case arrow.TIMESTAMP:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

func (sqliteDialect) RenameTable(db *sqlx.DB, from, to string) error {
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, to)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`ALTER TABLE "%s" RENAME TO "%s"`, from, to)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (sqliteDialect) UpsertSuffix(pk []string, cols []string) string {
	quotedPK := make([]string, len(pk))
	for i, k := range pk {
		quotedPK[i] = `"` + k + `"`
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf(`"%s" = excluded."%s"`, c, c)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", joinComma(quotedPK), joinComma(sets))
}

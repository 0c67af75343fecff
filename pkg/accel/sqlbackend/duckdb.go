package sqlbackend

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/jmoiron/sqlx"

	// Registers the "duckdb" database/sql driver.
	_ "github.com/marcboeker/go-duckdb"

	"github.com/lakeforge/accelerate/pkg/accel"
)

func init() {
	accel.Register("duckdb", func(params map[string]any) (accel.Backend, error) {
		return newBackend("duckdb", duckDBDialect{}, params)
	})
}

// duckDBDialect is the DuckDB dialect, registered as backend kind "duckdb".
type duckDBDialect struct{}

func (duckDBDialect) Name() string           { return "duckdb" }
func (duckDBDialect) Quote(ident string) string { return `"` + ident + `"` }
func (duckDBDialect) Placeholder(int) string    { return "?" }

func (duckDBDialect) ColumnType(t arrow.DataType) string {
	switch t.ID() {
	case arrow.INT64:
		return "BIGINT"
	case arrow.FLOAT64:
		return "DOUBLE"
	case arrow.STRING:
		return "VARCHAR"
	case arrow.BOOL:
		return "BOOLEAN"
	case arrow.TIMESTAMP:
		return "TIMESTAMP"
	default:
		return "VARCHAR"
	}
}

func (duckDBDialect) RenameTable(db *sqlx.DB, from, to string) error {
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

func (duckDBDialect) UpsertSuffix(pk []string, cols []string) string {
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

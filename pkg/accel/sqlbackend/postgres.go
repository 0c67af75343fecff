package sqlbackend

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/jmoiron/sqlx"

	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lakeforge/accelerate/pkg/accel"
)

func init() {
	accel.Register("external_engine", func(params map[string]any) (accel.Backend, error) {
		return newBackend("pgx", postgresDialect{}, params)
	})
}

type postgresDialect struct{}

func (postgresDialect) Name() string              { return "postgres" }
func (postgresDialect) Quote(ident string) string { return `"` + ident + `"` }
func (postgresDialect) Placeholder(pos int) string { return fmt.Sprintf("$%d", pos) }

func (postgresDialect) ColumnType(t arrow.DataType) string {
	switch t.ID() {
	case arrow.INT64:
		return "BIGINT"
	case arrow.FLOAT64:
		return "DOUBLE PRECISION"
	case arrow.STRING:
		return "TEXT"
	case arrow.BOOL:
		return "BOOLEAN"
	case arrow.TIMESTAMP:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func (postgresDialect) RenameTable(db *sqlx.DB, from, to string) error {
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

func (postgresDialect) UpsertSuffix(pk []string, cols []string) string {
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

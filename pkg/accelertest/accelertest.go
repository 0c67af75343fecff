// Package accelertest centralizes the environment-variable-gated DSN
// lookups that the sqlbackend and sqlsrc integration tests need, so each
// test skips cleanly when its backend isn't configured rather than failing.
package accelertest

import (
	"database/sql"
	"os"
	"testing"
)

// DSN returns the value of the named environment variable, or skips the
// calling test if it is unset — e.g. accelertest.DSN(t, "DUCKDB_DSN").
func DSN(t *testing.T, envVar string) string {
	t.Helper()
	dsn := os.Getenv(envVar)
	if dsn == "" {
		t.Skipf("skipping test because %s not set", envVar)
	}
	return dsn
}

// RunSQL executes one statement against driver/dsn, failing the test on
// error. Intended for fixture setup/teardown in integration tests.
func RunSQL(t *testing.T, driver, dsn, stmt string) {
	t.Helper()
	db, err := sql.Open(driver, dsn)
	if err != nil {
		t.Fatalf("accelertest: open %s: %v", driver, err)
	}
	defer db.Close()
	if _, err := db.Exec(stmt); err != nil {
		t.Fatalf("accelertest: exec %q: %v", stmt, err)
	}
}

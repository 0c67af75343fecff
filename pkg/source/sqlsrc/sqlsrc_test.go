package sqlsrc

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/schema"
)

func TestParseConfig_RequiresTableAndDSN(t *testing.T) {
	_, err := parseConfig(map[string]any{"table": "events"})
	assert.Error(t, err)

	cfg, err := parseConfig(map[string]any{"table": "events", "dsn": "user:pass@/db"})
	require.NoError(t, err)
	assert.Equal(t, "events", cfg.Table)
	assert.Equal(t, 10000, cfg.BatchSize)
	assert.Equal(t, 5, cfg.MaxRetries)
}

func TestProjectSchema_KeepsOnlyRequestedColumnsInOrder(t *testing.T) {
	s := schema.Schema{Columns: []schema.Column{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "ts", Type: arrow.FixedWidthTypes.Timestamp_us},
	}}
	got := projectSchema(s, query.Projection{"ts", "id"})
	require.Equal(t, 2, got.NumFields())
	assert.Equal(t, "ts", got.Field(0).Name)
	assert.Equal(t, "id", got.Field(1).Name)
}

func TestToInt64_HandlesDriverByteStrings(t *testing.T) {
	assert.Equal(t, int64(42), toInt64([]byte("42")))
	assert.Equal(t, int64(7), toInt64(int64(7)))
}

func TestClassifyQueryError(t *testing.T) {
	cases := map[string]bool{
		"Access denied for user":         true,
		"Unknown column 'x' in 'field list'": true,
	}
	for msg := range cases {
		err := classifyQueryError(fmtErr(msg))
		assert.Error(t, err)
	}
}

func fmtErr(msg string) error { return &testErr{msg} }

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

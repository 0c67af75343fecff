package mysqlcdc

import (
	"context"
	"testing"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/lakeforge/accelerate/pkg/schema"
)

func testSchema() schema.Schema {
	return schema.Schema{
		Columns: []schema.Column{
			{Name: "id", Type: arrow.PrimitiveTypes.Int64},
			{Name: "val", Type: arrow.BinaryTypes.String},
		},
		PrimaryKey: []string{"id"},
	}
}

func TestDeltaHandler_UpdateCoalescesToOneRow(t *testing.T) {
	h := newDeltaHandler(testSchema())

	require.NoError(t, h.OnRow(&canal.RowsEvent{Action: canal.InsertAction, Rows: [][]any{{int64(1), "a"}}}))
	require.NoError(t, h.OnRow(&canal.RowsEvent{Action: canal.UpdateAction, Rows: [][]any{{int64(1), "b"}}}))
	require.NoError(t, h.OnRow(&canal.RowsEvent{Action: canal.InsertAction, Rows: [][]any{{int64(2), "c"}}}))

	h.finish(nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	batches, err := h.collectUntilClosedOrCancelled(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	defer batches[0].Release()
	assert.EqualValues(t, 2, batches[0].NumRows())
}

func TestDeltaHandler_DeleteRemovesKey(t *testing.T) {
	h := newDeltaHandler(testSchema())
	require.NoError(t, h.OnRow(&canal.RowsEvent{Action: canal.InsertAction, Rows: [][]any{{int64(1), "a"}}}))
	require.NoError(t, h.OnRow(&canal.RowsEvent{Action: canal.DeleteAction, Rows: [][]any{{int64(1), "a"}}}))
	h.finish(nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	batches, err := h.collectUntilClosedOrCancelled(ctx)
	require.NoError(t, err)
	assert.Len(t, batches, 0)
}

func TestParsePosition(t *testing.T) {
	pos, err := parsePosition("binlog.000123:456")
	require.NoError(t, err)
	assert.Equal(t, "binlog.000123", pos.Name)
	assert.EqualValues(t, 456, pos.Pos)

	_, err = parsePosition("")
	assert.Error(t, err)
}

func TestParseConfig_RequiresHostDatabaseTable(t *testing.T) {
	_, err := parseConfig(map[string]any{"host": "127.0.0.1"})
	assert.Error(t, err)

	cfg, err := parseConfig(map[string]any{"host": "127.0.0.1", "database": "d", "table": "t"})
	require.NoError(t, err)
	assert.EqualValues(t, 3306, cfg.Port)
	assert.EqualValues(t, 1001, cfg.ServerID)
}

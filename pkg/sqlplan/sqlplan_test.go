package sqlplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/stream"
)

func TestParse_SingleTableWithProjectionFilterLimit(t *testing.T) {
	plan, err := Parse("SELECT id, amount FROM orders WHERE amount > 100 LIMIT 10")
	require.NoError(t, err)
	assert.Equal(t, query.OpScan, plan.Kind)
	assert.Equal(t, "orders", plan.Dataset)
	assert.Equal(t, query.Projection{"id", "amount"}, plan.Projection)
	require.Len(t, plan.Filters, 1)
	assert.Equal(t, "amount", plan.Filters[0].Column)
	assert.Equal(t, query.OpGt, plan.Filters[0].Op)
	assert.Equal(t, int64(100), plan.Filters[0].Value)
	assert.Equal(t, 10, plan.Limit)
}

func TestParse_TwoTableJoin(t *testing.T) {
	plan, err := Parse("SELECT id FROM orders JOIN customers ON orders.customer_id = customers.id")
	require.NoError(t, err)
	assert.Equal(t, query.OpJoin, plan.Kind)
	require.Len(t, plan.Children, 2)
	assert.Equal(t, "orders", plan.Children[0].Dataset)
	assert.Equal(t, "customers", plan.Children[1].Dataset)
	assert.Equal(t, [2]string{"customer_id", "id"}, plan.JoinOn)
}

func TestParse_AggregateWithGroupBy(t *testing.T) {
	plan, err := Parse("SELECT SUM(amount) AS total FROM orders GROUP BY customer_id")
	require.NoError(t, err)
	require.Equal(t, query.OpAggregate, plan.Kind)
	require.Len(t, plan.Aggregates, 1)
	assert.Equal(t, query.AggSum, plan.Aggregates[0].Func)
	assert.Equal(t, "amount", plan.Aggregates[0].Column)
	assert.Equal(t, "total", plan.Aggregates[0].As)
	assert.Equal(t, []string{"customer_id"}, plan.Aggregates[0].GroupBy)
}

func TestParse_RejectsOrderBy(t *testing.T) {
	_, err := Parse("SELECT id FROM orders ORDER BY id")
	require.Error(t, err)
	assert.Equal(t, stream.KindInvalid, stream.KindOf(err))
}

func TestParse_RejectsMultipleStatements(t *testing.T) {
	_, err := Parse("SELECT id FROM orders; SELECT id FROM customers")
	require.Error(t, err)
	assert.Equal(t, stream.KindInvalid, stream.KindOf(err))
}

func TestParse_RejectsNonSelect(t *testing.T) {
	_, err := Parse("DELETE FROM orders WHERE id = 1")
	require.Error(t, err)
	assert.Equal(t, stream.KindInvalid, stream.KindOf(err))
}

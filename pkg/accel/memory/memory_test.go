package memory

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakeforge/accelerate/pkg/accel"
	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/schema"
	"github.com/lakeforge/accelerate/pkg/stream"
)

func testSchema() schema.Schema {
	return schema.Schema{
		Columns: []schema.Column{
			{Name: "id", Type: arrow.PrimitiveTypes.Int64},
			{Name: "v", Type: arrow.BinaryTypes.String},
		},
		PrimaryKey: []string{"id"},
	}
}

func batchOf(ids []int64, vs []string) arrow.Record {
	sch := testSchema().ArrowSchema()
	ib := array.NewInt64Builder(memory.DefaultAllocator)
	defer ib.Release()
	ib.AppendValues(ids, nil)
	sb := array.NewStringBuilder(memory.DefaultAllocator)
	defer sb.Release()
	sb.AppendValues(vs, nil)
	idArr, vArr := ib.NewArray(), sb.NewArray()
	defer idArr.Release()
	defer vArr.Release()
	return array.NewRecord(sch, []arrow.Array{idArr, vArr}, int64(len(ids)))
}

func scanAll(t *testing.T, b accel.Backend) []string {
	t.Helper()
	s, _, err := b.Scan(context.Background(), nil, nil)
	require.NoError(t, err)
	recs, err := stream.Collect(context.Background(), s)
	require.NoError(t, err)
	var out []string
	for _, rec := range recs {
		idCol := rec.Column(0).(*array.Int64)
		vCol := rec.Column(1).(*array.String)
		for i := 0; i < int(rec.NumRows()); i++ {
			out = append(out, vCol.Value(i))
			_ = idCol
		}
		rec.Release()
	}
	return out
}

// TestUpsertConflict verifies that upserting a row whose key already
// exists replaces the existing value rather than duplicating the row.
func TestUpsertConflict(t *testing.T) {
	b := &Backend{}
	ctx := context.Background()
	require.NoError(t, b.CreateOrReplace(ctx, testSchema()))

	rec := batchOf([]int64{1, 2}, []string{"a", "b"})
	defer rec.Release()
	_, err := b.Upsert(ctx, stream.FromSlice(testSchema().ArrowSchema(), []arrow.Record{rec}), accel.OnConflictUpsert)
	require.NoError(t, err)

	changes := batchOf([]int64{2, 3}, []string{"B", "c"})
	defer changes.Release()
	_, err = b.Upsert(ctx, stream.FromSlice(testSchema().ArrowSchema(), []arrow.Record{changes}), accel.OnConflictUpsert)
	require.NoError(t, err)

	got := scanAll(t, b)
	assert.ElementsMatch(t, []string{"a", "B", "c"}, got)
}

func TestUpsertDrop_KeepsExistingOnConflict(t *testing.T) {
	b := &Backend{}
	ctx := context.Background()
	require.NoError(t, b.CreateOrReplace(ctx, testSchema()))

	rec := batchOf([]int64{1}, []string{"a"})
	defer rec.Release()
	_, err := b.Upsert(ctx, stream.FromSlice(testSchema().ArrowSchema(), []arrow.Record{rec}), accel.OnConflictDrop)
	require.NoError(t, err)

	changes := batchOf([]int64{1}, []string{"Z"})
	defer changes.Release()
	_, err = b.Upsert(ctx, stream.FromSlice(testSchema().ArrowSchema(), []arrow.Record{changes}), accel.OnConflictDrop)
	require.NoError(t, err)

	got := scanAll(t, b)
	assert.Equal(t, []string{"a"}, got)
}

// TestCreateOrReplace_OldSnapshotSurvivesForInFlightScan verifies that a
// scan bound to a snapshot is unaffected by a later create_or_replace.
func TestCreateOrReplace_OldSnapshotSurvivesForInFlightScan(t *testing.T) {
	b := &Backend{}
	ctx := context.Background()
	require.NoError(t, b.CreateOrReplace(ctx, testSchema()))
	rec := batchOf([]int64{1}, []string{"old"})
	defer rec.Release()
	_, err := b.Append(ctx, stream.FromSlice(testSchema().ArrowSchema(), []arrow.Record{rec}))
	require.NoError(t, err)

	s, _, err := b.Scan(ctx, nil, nil)
	require.NoError(t, err)

	require.NoError(t, b.CreateOrReplace(ctx, testSchema()))
	rec2 := batchOf([]int64{2}, []string{"new"})
	defer rec2.Release()
	_, err = b.Append(ctx, stream.FromSlice(testSchema().ArrowSchema(), []arrow.Record{rec2}))
	require.NoError(t, err)

	recs, err := stream.Collect(ctx, s)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	vCol := recs[0].Column(1).(*array.String)
	assert.Equal(t, "old", vCol.Value(0))
	recs[0].Release()
}

// TestStageFull_ScanDuringStagingSeesCompleteOldTable verifies that a scan
// started while a full replacement is being staged sees the complete old
// table, never the empty or partially-populated table being staged, and
// that a scan started only after CommitFull sees the complete new one.
func TestStageFull_ScanDuringStagingSeesCompleteOldTable(t *testing.T) {
	b := &Backend{}
	ctx := context.Background()
	require.NoError(t, b.CreateOrReplace(ctx, testSchema()))
	rec := batchOf([]int64{1, 2}, []string{"old-a", "old-b"})
	defer rec.Release()
	_, err := b.Append(ctx, stream.FromSlice(testSchema().ArrowSchema(), []arrow.Record{rec}))
	require.NoError(t, err)

	require.NoError(t, b.StageFull(ctx, testSchema()))

	midStagingScan := scanAll(t, b)
	assert.ElementsMatch(t, []string{"old-a", "old-b"}, midStagingScan)

	rec1 := batchOf([]int64{3}, []string{"new-a"})
	defer rec1.Release()
	_, err = b.AppendStaged(ctx, stream.FromSlice(testSchema().ArrowSchema(), []arrow.Record{rec1}))
	require.NoError(t, err)

	stillOld := scanAll(t, b)
	assert.ElementsMatch(t, []string{"old-a", "old-b"}, stillOld)

	rec2 := batchOf([]int64{4}, []string{"new-b"})
	defer rec2.Release()
	_, err = b.AppendStaged(ctx, stream.FromSlice(testSchema().ArrowSchema(), []arrow.Record{rec2}))
	require.NoError(t, err)

	require.NoError(t, b.CommitFull(ctx))

	got := scanAll(t, b)
	assert.ElementsMatch(t, []string{"new-a", "new-b"}, got)
}

func TestDeleteWhere_Retention(t *testing.T) {
	b := &Backend{}
	ctx := context.Background()
	require.NoError(t, b.CreateOrReplace(ctx, testSchema()))
	rec := batchOf([]int64{1, 2, 3}, []string{"a", "b", "c"})
	defer rec.Release()
	_, err := b.Append(ctx, stream.FromSlice(testSchema().ArrowSchema(), []arrow.Record{rec}))
	require.NoError(t, err)

	deleted, err := b.DeleteWhere(ctx, query.Filter{Column: "id", Op: query.OpLte, Value: int64(1)})
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	got := scanAll(t, b)
	assert.ElementsMatch(t, []string{"b", "c"}, got)
}

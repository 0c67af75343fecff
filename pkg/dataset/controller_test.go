package dataset

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakeforge/accelerate/pkg/accel"
	accelmem "github.com/lakeforge/accelerate/pkg/accel/memory"
	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/refresh"
	"github.com/lakeforge/accelerate/pkg/schema"
	"github.com/lakeforge/accelerate/pkg/source"
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

type stubConnector struct {
	sch      schema.Schema
	caps     source.Capabilities
	fullErr  error
	fullRows arrow.Record
	block    chan struct{}
}

func (s *stubConnector) Describe(context.Context) (schema.Schema, source.Capabilities, error) {
	return s.sch, s.caps, nil
}

func (s *stubConnector) Scan(ctx context.Context, _ query.Projection, _ []query.Filter, _ int) (stream.Stream, []query.Filter, error) {
	if s.block != nil {
		<-s.block
	}
	if s.fullErr != nil {
		return nil, nil, s.fullErr
	}
	var recs []arrow.Record
	if s.fullRows != nil {
		recs = append(recs, s.fullRows)
	}
	return stream.FromSlice(s.sch.ArrowSchema(), recs), nil, nil
}

func (s *stubConnector) ScanSince(ctx context.Context, since string) (stream.Stream, error) {
	return stream.FromSlice(s.sch.ArrowSchema(), nil), nil
}

func row(ids []int64, vs []string) arrow.Record {
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

func TestInitialize_LoadSucceeds(t *testing.T) {
	conn := &stubConnector{sch: testSchema(), fullRows: row([]int64{1}, []string{"a"})}
	c := New("events", conn, &accelmem.Backend{}, testSchema(), accel.OnConflictUpsert, refresh.Policy{Initial: refresh.InitialLoad})
	assert.Equal(t, StateInitializing, c.State())

	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, StateReady, c.State())

	s, _, err := c.Scan(context.Background(), nil, nil)
	require.NoError(t, err)
	recs, err := stream.Collect(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	recs[0].Release()
}

func TestInitialize_Defer_SkipsLoad(t *testing.T) {
	conn := &stubConnector{sch: testSchema()}
	c := New("events", conn, &accelmem.Backend{}, testSchema(), accel.OnConflictUpsert, refresh.Policy{Initial: refresh.InitialDefer})
	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, StateReady, c.State())
}

func TestInitialize_FailureGoesToError(t *testing.T) {
	conn := &stubConnector{sch: testSchema(), fullErr: stream.Errorf(stream.KindIO, "source unreachable")}
	c := New("events", conn, &accelmem.Backend{}, testSchema(), accel.OnConflictUpsert, refresh.Policy{Initial: refresh.InitialLoad, Retry: refresh.RetryPolicy{MaxAttempts: 1}})
	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, c.State())
}

func TestScan_RejectedBeforeReady(t *testing.T) {
	conn := &stubConnector{sch: testSchema()}
	c := New("events", conn, &accelmem.Backend{}, testSchema(), accel.OnConflictUpsert, refresh.Policy{Initial: refresh.InitialDefer})
	_, _, err := c.Scan(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, stream.KindInvalid, stream.KindOf(err))
}

func TestScan_AllowedInErrorWithPriorSnapshot(t *testing.T) {
	conn := &stubConnector{sch: testSchema(), fullRows: row([]int64{1}, []string{"a"})}
	c := New("events", conn, &accelmem.Backend{}, testSchema(), accel.OnConflictUpsert, refresh.Policy{Initial: refresh.InitialLoad})
	require.NoError(t, c.Initialize(context.Background()))
	require.Equal(t, StateReady, c.State())

	// A later scheduled/on-demand refresh failed fatally, but the dataset
	// still has the table the initial load committed.
	c.setState(StateError)

	s, _, err := c.Scan(context.Background(), nil, nil)
	require.NoError(t, err)
	recs, err := stream.Collect(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	recs[0].Release()
}

func TestScan_RejectedInErrorWithNoPriorSnapshot(t *testing.T) {
	conn := &stubConnector{sch: testSchema(), fullErr: stream.Errorf(stream.KindIO, "source unreachable")}
	c := New("events", conn, &accelmem.Backend{}, testSchema(), accel.OnConflictUpsert, refresh.Policy{Initial: refresh.InitialLoad, Retry: refresh.RetryPolicy{MaxAttempts: 1}})
	require.Error(t, c.Initialize(context.Background()))
	require.Equal(t, StateError, c.State())

	_, _, err := c.Scan(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, stream.KindInvalid, stream.KindOf(err))
}

// fatalStubConnector always fails ScanSince fatally (no retry), so a
// scheduled tick's refresh reaches StatusFailed on its first attempt.
type fatalStubConnector struct {
	*stubConnector
}

func (f *fatalStubConnector) ScanSince(ctx context.Context, since string) (stream.Stream, error) {
	return nil, stream.Errorf(stream.KindInvalid, "fatally broken")
}

func TestStart_ScheduledFailureTransitionsToError(t *testing.T) {
	conn := &stubConnector{sch: testSchema()}
	c := New("events", conn, &accelmem.Backend{}, testSchema(), accel.OnConflictUpsert, refresh.Policy{Initial: refresh.InitialDefer})
	require.NoError(t, c.Initialize(context.Background()))
	require.Equal(t, StateReady, c.State())

	c.Engine.Source = &fatalStubConnector{stubConnector: conn}
	c.Engine.Policy.Mode = refresh.ModeInterval
	c.Engine.Policy.Period = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	require.Eventually(t, func() bool {
		return c.State() == StateError
	}, 2*time.Second, 5*time.Millisecond)
}

func TestState_DerivesRefreshingWhileEngineRuns(t *testing.T) {
	conn := &stubConnector{sch: testSchema(), block: make(chan struct{})}
	c := New("events", conn, &accelmem.Backend{}, testSchema(), accel.OnConflictUpsert, refresh.Policy{Initial: refresh.InitialDefer})
	require.NoError(t, c.Initialize(context.Background()))

	done := make(chan struct{})
	go func() {
		c.RefreshNow(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return c.State() == StateRefreshing
	}, time.Second, time.Millisecond)

	close(conn.block)
	<-done
	assert.Equal(t, StateReady, c.State())
}

func TestRemove_ClosesBackend(t *testing.T) {
	conn := &stubConnector{sch: testSchema()}
	backend := &accelmem.Backend{}
	c := New("events", conn, backend, testSchema(), accel.OnConflictUpsert, refresh.Policy{Initial: refresh.InitialDefer})
	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Remove(context.Background()))
	assert.Equal(t, StateRemoving, c.State())
}

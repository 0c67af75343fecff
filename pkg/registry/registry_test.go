package registry

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakeforge/accelerate/pkg/accel"
	_ "github.com/lakeforge/accelerate/pkg/accel/memory"
	"github.com/lakeforge/accelerate/pkg/dataset"
	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/refresh"
	"github.com/lakeforge/accelerate/pkg/schema"
	"github.com/lakeforge/accelerate/pkg/source"
	"github.com/lakeforge/accelerate/pkg/stream"
)

type emptyConnector struct {
	sch schema.Schema
}

func (c *emptyConnector) Describe(context.Context) (schema.Schema, source.Capabilities, error) {
	return c.sch, source.Capabilities{}, nil
}

func (c *emptyConnector) Scan(context.Context, query.Projection, []query.Filter, int) (stream.Stream, []query.Filter, error) {
	return stream.FromSlice(c.sch.ArrowSchema(), nil), nil, nil
}

func (c *emptyConnector) ScanSince(context.Context, string) (stream.Stream, error) {
	return stream.FromSlice(c.sch.ArrowSchema(), nil), nil
}

func init() {
	source.Register("registrytest", func(params map[string]any) (source.Connector, error) {
		return &emptyConnector{sch: testSchema()}, nil
	})
}

func testSchema() schema.Schema {
	return schema.Schema{
		Columns: []schema.Column{
			{Name: "id", Type: arrow.PrimitiveTypes.Int64},
			{Name: "v", Type: arrow.BinaryTypes.String},
		},
		PrimaryKey: []string{"id"},
	}
}

func testSpec(name string) *Spec {
	return &Spec{
		Name:         name,
		SourceKind:   "registrytest",
		BackendKind:  "memory",
		Schema:       testSchema(),
		OnConflict:   accel.OnConflictDrop,
		Refresh:      refresh.Policy{Mode: refresh.ModeOnDemand},
	}
}

func TestRegister_AddsControllerInReadyState(t *testing.T) {
	r := New()
	ctrl, err := r.Register(context.Background(), testSpec("orders"))
	require.NoError(t, err)
	assert.Equal(t, dataset.StateReady, ctrl.State())

	got, ok := r.Get("orders")
	require.True(t, ok)
	assert.Same(t, ctrl, got)
}

func TestRegister_DuplicateNameRejected(t *testing.T) {
	r := New()
	_, err := r.Register(context.Background(), testSpec("orders"))
	require.NoError(t, err)

	_, err = r.Register(context.Background(), testSpec("orders"))
	require.Error(t, err)
	assert.Equal(t, stream.KindInvalid, stream.KindOf(err))
}

func TestUnregister_RemovesFromDirectory(t *testing.T) {
	r := New()
	_, err := r.Register(context.Background(), testSpec("orders"))
	require.NoError(t, err)

	require.NoError(t, r.Unregister(context.Background(), "orders"))
	_, ok := r.Get("orders")
	assert.False(t, ok)
}

func TestReload_CompatibleSchemaKeepsName(t *testing.T) {
	r := New()
	_, err := r.Register(context.Background(), testSpec("orders"))
	require.NoError(t, err)

	spec2 := testSpec("orders")
	spec2.Schema.Columns = append(spec2.Schema.Columns, schema.Column{
		Name: "extra", Type: arrow.PrimitiveTypes.Int64, Nullable: true,
	})
	ctrl, err := r.Reload(context.Background(), spec2)
	require.NoError(t, err)
	assert.Equal(t, dataset.StateReady, ctrl.State())
}

func TestReload_IncompatibleSchemaReregisters(t *testing.T) {
	r := New()
	_, err := r.Register(context.Background(), testSpec("orders"))
	require.NoError(t, err)

	spec2 := testSpec("orders")
	spec2.Schema.PrimaryKey = nil // incompatible: PK changed
	ctrl, err := r.Reload(context.Background(), spec2)
	require.NoError(t, err)
	assert.Equal(t, dataset.StateReady, ctrl.State())
}

func TestShutdown_RejectsNewRegistrationsAndReleasesBackends(t *testing.T) {
	r := New()
	ctrl, err := r.Register(context.Background(), testSpec("orders"))
	require.NoError(t, err)

	require.NoError(t, r.Shutdown(context.Background(), 100*time.Millisecond))
	assert.Equal(t, dataset.StateRemoving, ctrl.State())

	_, err = r.Register(context.Background(), testSpec("new_one"))
	require.Error(t, err)
	assert.Equal(t, stream.KindInvalid, stream.KindOf(err))
}

func TestDescribe_ReportsStateAndRowCount(t *testing.T) {
	r := New()
	_, err := r.Register(context.Background(), testSpec("orders"))
	require.NoError(t, err)

	info, err := r.Describe(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, dataset.StateReady, info.State)
	assert.Equal(t, int64(0), info.RowCount)
}

package federation

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakeforge/accelerate/pkg/accel"
	accelmem "github.com/lakeforge/accelerate/pkg/accel/memory"
	"github.com/lakeforge/accelerate/pkg/compute"
	"github.com/lakeforge/accelerate/pkg/dataset"
	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/refresh"
	"github.com/lakeforge/accelerate/pkg/schema"
	"github.com/lakeforge/accelerate/pkg/source"
	"github.com/lakeforge/accelerate/pkg/stream"
)

func ordersTestSchema() schema.Schema {
	return schema.Schema{
		Columns: []schema.Column{
			{Name: "id", Type: arrow.PrimitiveTypes.Int64},
			{Name: "amount", Type: arrow.PrimitiveTypes.Int64},
		},
		PrimaryKey: []string{"id"},
	}
}

// stubConnector is a minimal source.Connector double: Describe always
// succeeds, Scan/ScanSince are never exercised by these routing-focused
// tests.
type stubConnector struct {
	sch  schema.Schema
	caps source.Capabilities
}

func (s *stubConnector) Describe(context.Context) (schema.Schema, source.Capabilities, error) {
	return s.sch, s.caps, nil
}

func (s *stubConnector) Scan(context.Context, query.Projection, []query.Filter, int) (stream.Stream, []query.Filter, error) {
	return stream.FromSlice(s.sch.ArrowSchema(), nil), nil, nil
}

func (s *stubConnector) ScanSince(context.Context, string) (stream.Stream, error) {
	return stream.FromSlice(s.sch.ArrowSchema(), nil), nil
}

// newReadyController builds a Controller already in StateReady backed by
// pkg/accel/memory, with its last-commit timestamp set via a synthetic
// RunTask against an empty connector so Stale() has something to measure.
func newReadyController(t *testing.T, name string) *dataset.Controller {
	t.Helper()
	backend, err := accelmem.New(nil)
	require.NoError(t, err)
	conn := &stubConnector{sch: ordersTestSchema()}
	ctrl := dataset.New(name, conn, backend, ordersTestSchema(), accel.OnConflictDrop, refresh.Policy{
		Mode:               refresh.ModeOnDemand,
		StalenessTolerance: time.Hour,
	})
	require.NoError(t, ctrl.Initialize(context.Background()))
	require.Equal(t, dataset.StateReady, ctrl.State())
	return ctrl
}

func TestRouteDataset_LocalWhenFreshAndReady(t *testing.T) {
	ctrl := newReadyController(t, "orders")
	lookup := func(name string) (*dataset.Controller, bool) {
		if name == "orders" {
			return ctrl, true
		}
		return nil, false
	}
	p := New(lookup, Policy{}, nil)

	plan := query.Scan("orders")
	rewritten, resolve, err := p.Plan(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, query.TargetLocal, rewritten.Target)

	s, err := compute.Run(context.Background(), rewritten, resolve)
	require.NoError(t, err)
	defer s.Cancel()
}

func TestRouteDataset_UnavailableWhenNotRegistered(t *testing.T) {
	lookup := func(name string) (*dataset.Controller, bool) { return nil, false }
	p := New(lookup, Policy{}, nil)

	_, _, err := p.Plan(context.Background(), query.Scan("missing"))
	require.Error(t, err)
	assert.Equal(t, stream.KindUnavailable, stream.KindOf(err))
}

func TestRouteDataset_RemoteFallbackWhenStale(t *testing.T) {
	ctrl := newReadyController(t, "orders")
	lookup := func(name string) (*dataset.Controller, bool) {
		if name == "orders" {
			return ctrl, true
		}
		return nil, false
	}
	// now is far enough past the commit for Stale() to report true given
	// the hour-long StalenessTolerance configured in newReadyController.
	future := func() time.Time { return time.Now().Add(2 * time.Hour) }
	p := New(lookup, Policy{RemoteFallback: true}, future)

	rewritten, _, err := p.Plan(context.Background(), query.Scan("orders"))
	require.NoError(t, err)
	assert.Equal(t, query.TargetRemote, rewritten.Target)
}

func TestRouteDataset_UnavailableWhenStaleAndNoFallback(t *testing.T) {
	ctrl := newReadyController(t, "orders")
	lookup := func(name string) (*dataset.Controller, bool) {
		if name == "orders" {
			return ctrl, true
		}
		return nil, false
	}
	future := func() time.Time { return time.Now().Add(2 * time.Hour) }
	p := New(lookup, Policy{RemoteFallback: false}, future)

	_, _, err := p.Plan(context.Background(), query.Scan("orders"))
	require.Error(t, err)
	assert.Equal(t, stream.KindUnavailable, stream.KindOf(err))
}

func TestBackendIdentityKey_DistinctMemoryBackendsDoNotMatch(t *testing.T) {
	a := newReadyController(t, "a")
	b := newReadyController(t, "b")
	routes := map[string]route{
		"a": {target: query.TargetLocal, controller: a},
		"b": {target: query.TargetLocal, controller: b},
	}
	keyA, ok := backendIdentityKey(routes["a"])
	require.True(t, ok)
	keyB, ok := backendIdentityKey(routes["b"])
	require.True(t, ok)
	assert.NotEqual(t, keyA, keyB)
}

func TestCommonNativeBackend_FalseWhenNoNativeQuerier(t *testing.T) {
	a := newReadyController(t, "a")
	b := newReadyController(t, "b")
	routes := map[string]route{
		"a": {target: query.TargetLocal, controller: a},
		"b": {target: query.TargetLocal, controller: b},
	}
	plan := &query.Plan{
		Kind:     query.OpJoin,
		JoinOn:   [2]string{"id", "id"},
		Children: []*query.Plan{query.Scan("a"), query.Scan("b")},
	}
	_, ok := commonNativeBackend(plan, routes)
	assert.False(t, ok, "memory.Backend does not implement accel.NativeQuerier, so no native rewrite should apply")
}

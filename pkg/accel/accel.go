// Package accel defines the Acceleration Backend contract: the
// local materialization engine behind every Dataset, plus a kind-keyed
// factory registry mirroring pkg/source's.
package accel

import (
	"context"
	"sync"

	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/schema"
	"github.com/lakeforge/accelerate/pkg/stream"
)

// OnConflict is the Dataset-level policy applied by Upsert when a row's PK
// already exists.
type OnConflict int

const (
	OnConflictDrop OnConflict = iota
	OnConflictUpsert
)

// Backend is the per-table storage engine behind one Dataset. Every method
// other than Scan/RowCount/SizeBytes mutates the table and must be atomic:
// a failure mid-call leaves the table in its pre-call state, and concurrent
// readers (Scan) observe either the pre- or post-state of any call, never a
// partial one (its atomicity guarantee).
type Backend interface {
	// CreateOrReplace atomically swaps the table's storage for a new,
	// empty one matching schema. Concurrent Scans that already bound to
	// the previous snapshot continue to see it until they finish. Callers
	// materializing a full table from many windows of rows should use
	// StageFull/AppendStaged/CommitFull instead, so the table readers see
	// is never a transiently empty or partially-loaded one.
	CreateOrReplace(ctx context.Context, sch schema.Schema) error
	// StageFull begins building a full-replacement table matching sch off
	// to the side: it is invisible to Scan/RowCount/SizeBytes until
	// CommitFull swaps it in. It replaces whatever a prior StageFull
	// staged but never committed.
	StageFull(ctx context.Context, sch schema.Schema) error
	// AppendStaged adds rows to the table started by StageFull. Calling it
	// without a prior StageFull is an error.
	AppendStaged(ctx context.Context, batch stream.Stream) (rows int64, err error)
	// CommitFull atomically swaps the table staged by StageFull/AppendStaged
	// in as the live table. Concurrent Scans bound to the previous live
	// table continue to see it until they finish. Calling it without a
	// prior StageFull is an error.
	CommitFull(ctx context.Context) error
	// Append adds rows without any PK check.
	Append(ctx context.Context, batch stream.Stream) (rows int64, err error)
	// Upsert applies on_conflict semantics per row against the table's PK.
	Upsert(ctx context.Context, batch stream.Stream, conflict OnConflict) (rows int64, err error)
	// DeleteWhere removes rows matching predicate (used for retention).
	DeleteWhere(ctx context.Context, predicate query.Filter) (rows int64, err error)
	// Scan returns a Stream plus any filters it could not evaluate.
	Scan(ctx context.Context, projection query.Projection, filters []query.Filter) (stream.Stream, []query.Filter, error)
	RowCount(ctx context.Context) (int64, error)
	SizeBytes(ctx context.Context) (int64, error)
	Close() error
}

// BackendIdentity is an optional capability exposing a stable key for
// backend co-residency checks.
// Each Dataset owns its own Backend Go value (one per table), so two
// co-resident Datasets (e.g. two tables in the same DuckDB file) are
// never the same Backend pointer; BackendKey lets the Federation Planner
// recognize them as co-resident anyway. A Backend that doesn't implement
// this (pkg/accel/memory, where every instance is inherently distinct)
// is compared by Go pointer identity instead.
type BackendIdentity interface {
	BackendKey() string
}

// NativeQuerier is an optional capability: a Backend that can run its own
// relational query server-side lets the Federation Planner delegate an
// entire same-backend join/aggregate instead of pulling every input
// through the compute engine for cross-dataset pushdown.
type NativeQuerier interface {
	// NativeScan executes plan entirely inside the backend if every Scan
	// leaf names a table resident in this Backend; returns
	// stream.ErrInvalid if the plan references anything it cannot run.
	NativeScan(ctx context.Context, plan *query.Plan, tableForDataset func(dataset string) (string, bool)) (stream.Stream, error)
}

// TableNamer is an optional capability exposing the physical table name a
// Backend materializes its Dataset into, so the Federation Planner can
// build the tableForDataset lookup NativeScan needs without knowing
// anything about a particular Backend's configuration shape.
type TableNamer interface {
	Table() string
}

// Factory builds a Backend from a Dataset's acceleration.backend_params.
type Factory func(params map[string]any) (Backend, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = f
}

func New(kind string, params map[string]any) (Backend, error) {
	mu.RLock()
	f, ok := factories[kind]
	mu.RUnlock()
	if !ok {
		return nil, stream.Errorf(stream.KindInvalid, "accel: unknown backend kind %q", kind)
	}
	return f(params)
}

func Registered(kind string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := factories[kind]
	return ok
}

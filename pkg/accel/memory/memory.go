// Package memory is the in-process Acceleration Backend: a row-oriented
// table (converted to Arrow batches only by Scan) held behind an
// atomically-swappable pointer. StageFull/AppendStaged build
// the replacement table off to the side and CommitFull swaps the pointer in
// once it's fully populated, so readers holding the old pointer finish
// undisturbed and never observe a partially-loaded table; the writer only
// ever swaps once, with no lock contention on the read path.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/lakeforge/accelerate/pkg/accel"
	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/schema"
	"github.com/lakeforge/accelerate/pkg/stream"
)

func init() {
	accel.Register("memory", New)
}

// New builds a Backend with no required params; memory tables need no
// connection info.
func New(params map[string]any) (accel.Backend, error) {
	return &Backend{}, nil
}

// snapshot is the immutable value a Backend's pointer holds. Rows are kept
// row-oriented (rather than as a slice of Arrow batches) so Upsert's PK
// dedup does not have to rebuild column arrays on every conflicting row;
// Scan converts to Arrow only at the boundary.
type snapshot struct {
	sch  schema.Schema
	rows []row
}

type row []any

func (s *snapshot) pkKey(r row) (string, bool) {
	if len(s.sch.PrimaryKey) == 0 {
		return "", false
	}
	key := ""
	for _, pk := range s.sch.PrimaryKey {
		idx := s.sch.ColumnIndex(pk)
		key += fmt.Sprintf("%v\x00", r[idx])
	}
	return key, true
}

// Backend is a single Dataset's in-memory table. writerMu serializes
// mutating calls (the Controller also enforces at-most-one-writer, but the
// Backend does not trust callers to honor that), matching its
// single-writer/multi-reader discipline; readers never take writerMu.
type Backend struct {
	writerMu sync.Mutex
	snap     atomic.Pointer[snapshot]
	staging  *snapshot // guarded by writerMu; non-nil between StageFull and CommitFull
}

func (b *Backend) CreateOrReplace(ctx context.Context, sch schema.Schema) error {
	b.writerMu.Lock()
	defer b.writerMu.Unlock()
	b.snap.Store(&snapshot{sch: sch})
	return nil
}

// StageFull starts a new snapshot held only in b.staging, unreachable from
// Scan/RowCount/SizeBytes until CommitFull stores it into b.snap.
func (b *Backend) StageFull(ctx context.Context, sch schema.Schema) error {
	b.writerMu.Lock()
	defer b.writerMu.Unlock()
	b.staging = &snapshot{sch: sch}
	return nil
}

func (b *Backend) AppendStaged(ctx context.Context, batches stream.Stream) (int64, error) {
	b.writerMu.Lock()
	defer b.writerMu.Unlock()
	if b.staging == nil {
		return 0, stream.Errorf(stream.KindInvalid, "memory: no staged table; call StageFull first")
	}
	newRows, n, err := drainRows(ctx, batches, b.staging.sch)
	if err != nil {
		return 0, err
	}
	b.staging.rows = append(b.staging.rows, newRows...)
	return n, nil
}

// CommitFull makes the table built since StageFull the live one in a
// single atomic pointer store; readers bound to the previous snapshot are
// unaffected.
func (b *Backend) CommitFull(ctx context.Context) error {
	b.writerMu.Lock()
	defer b.writerMu.Unlock()
	if b.staging == nil {
		return stream.Errorf(stream.KindInvalid, "memory: no staged table to commit; call StageFull first")
	}
	b.snap.Store(b.staging)
	b.staging = nil
	return nil
}

func (b *Backend) Append(ctx context.Context, batches stream.Stream) (int64, error) {
	b.writerMu.Lock()
	defer b.writerMu.Unlock()

	cur := b.snap.Load()
	if cur == nil {
		return 0, stream.Errorf(stream.KindInvalid, "memory: table not created; call CreateOrReplace first")
	}
	newRows, n, err := drainRows(ctx, batches, cur.sch)
	if err != nil {
		return 0, err
	}
	next := &snapshot{sch: cur.sch, rows: append(append([]row{}, cur.rows...), newRows...)}
	b.snap.Store(next)
	return n, nil
}

func (b *Backend) Upsert(ctx context.Context, batches stream.Stream, conflict accel.OnConflict) (int64, error) {
	b.writerMu.Lock()
	defer b.writerMu.Unlock()

	cur := b.snap.Load()
	if cur == nil {
		return 0, stream.Errorf(stream.KindInvalid, "memory: table not created; call CreateOrReplace first")
	}
	incoming, n, err := drainRows(ctx, batches, cur.sch)
	if err != nil {
		return 0, err
	}

	byKey := make(map[string]int, len(cur.rows))
	merged := append([]row{}, cur.rows...)
	for i, r := range merged {
		if key, ok := cur.pkKey(r); ok {
			byKey[key] = i
		}
	}
	for _, r := range incoming {
		key, hasPK := cur.pkKey(r)
		if !hasPK {
			merged = append(merged, r)
			continue
		}
		if idx, exists := byKey[key]; exists {
			if conflict == accel.OnConflictUpsert {
				merged[idx] = r
			}
			// OnConflictDrop: existing row is left unchanged.
			continue
		}
		byKey[key] = len(merged)
		merged = append(merged, r)
	}

	next := &snapshot{sch: cur.sch, rows: merged}
	b.snap.Store(next)
	return n, nil
}

func (b *Backend) DeleteWhere(ctx context.Context, predicate query.Filter) (int64, error) {
	b.writerMu.Lock()
	defer b.writerMu.Unlock()

	cur := b.snap.Load()
	if cur == nil {
		return 0, stream.Errorf(stream.KindInvalid, "memory: table not created; call CreateOrReplace first")
	}
	idx := cur.sch.ColumnIndex(predicate.Column)
	if idx < 0 {
		return 0, stream.Errorf(stream.KindInvalid, "memory: delete_where references unknown column %q", predicate.Column)
	}
	var kept []row
	var deleted int64
	for _, r := range cur.rows {
		if matchFilter(r[idx], predicate) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	next := &snapshot{sch: cur.sch, rows: kept}
	b.snap.Store(next)
	return deleted, nil
}

func (b *Backend) Scan(ctx context.Context, projection query.Projection, filters []query.Filter) (stream.Stream, []query.Filter, error) {
	cur := b.snap.Load()
	if cur == nil {
		return nil, nil, stream.Errorf(stream.KindInvalid, "memory: table not created")
	}
	// Snapshot is immutable: bind to it now, this Scan is unaffected by any
	// later CreateOrReplace/Append/Upsert.
	var matched []row
	for _, r := range cur.rows {
		if rowMatchesAll(r, cur.sch, filters) {
			matched = append(matched, r)
		}
	}
	proj := projection
	if len(proj) == 0 {
		for _, c := range cur.sch.Columns {
			proj = append(proj, c.Name)
		}
	}
	rec := rowsToRecord(cur.sch, proj, matched)
	return stream.Memoize(stream.FromSlice(rec.Schema(), []arrow.Record{rec})), nil, nil
}

func (b *Backend) RowCount(ctx context.Context) (int64, error) {
	cur := b.snap.Load()
	if cur == nil {
		return 0, nil
	}
	return int64(len(cur.rows)), nil
}

func (b *Backend) SizeBytes(ctx context.Context) (int64, error) {
	cur := b.snap.Load()
	if cur == nil {
		return 0, nil
	}
	// A rough estimate: row count times column count times 8 bytes per
	// value. Exact byte accounting would require materializing Arrow
	// arrays, which only Scan does.
	return int64(len(cur.rows)) * int64(len(cur.sch.Columns)) * 8, nil
}

func (b *Backend) Close() error { return nil }

func matchFilter(v any, f query.Filter) bool {
	cmp := compare(v, f.Value)
	switch f.Op {
	case query.OpEq:
		return cmp == 0
	case query.OpNeq:
		return cmp != 0
	case query.OpLt:
		return cmp < 0
	case query.OpLte:
		return cmp <= 0
	case query.OpGt:
		return cmp > 0
	case query.OpGte:
		return cmp >= 0
	default:
		return false
	}
}

func rowMatchesAll(r row, sch schema.Schema, filters []query.Filter) bool {
	for _, f := range filters {
		idx := sch.ColumnIndex(f.Column)
		if idx < 0 || idx >= len(r) {
			return false
		}
		if !matchFilter(r[idx], f) {
			return false
		}
	}
	return true
}

// compare returns -1/0/1 comparing a and b for the scalar types the memory
// backend's builders accept (int64, float64, string, bool). Mixed or
// unsupported types compare as 0 (neither less nor greater) so unknown
// filters fail safe rather than panicking.
func compare(a, b any) int {
	switch av := a.(type) {
	case int64:
		bv, ok := toInt64(b)
		if !ok {
			return 0
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case float64:
		bv, ok := toFloat64(b)
		if !ok {
			return 0
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case bool:
		bv, ok := b.(bool)
		if !ok || av == bv {
			return 0
		}
		if av {
			return 1
		}
		return -1
	default:
		return 0
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// drainRows pulls every batch from s and flattens it into row-oriented
// values matching sch's column order.
func drainRows(ctx context.Context, s stream.Stream, sch schema.Schema) ([]row, int64, error) {
	var rows []row
	var n int64
	for {
		rec, err := s.Next(ctx)
		if err != nil {
			if err == stream.ErrEnd {
				return rows, n, nil
			}
			return rows, n, err
		}
		for r := int64(0); r < rec.NumRows(); r++ {
			rows = append(rows, recordRow(rec, sch, int(r)))
			n++
		}
		rec.Release()
	}
}

func recordRow(rec arrow.Record, sch schema.Schema, r int) row {
	out := make(row, len(sch.Columns))
	for i, c := range sch.Columns {
		fi := -1
		for j, f := range rec.Schema().Fields() {
			if f.Name == c.Name {
				fi = j
				break
			}
		}
		if fi < 0 {
			continue
		}
		out[i] = arrayValue(rec.Column(fi), r)
	}
	return out
}

func arrayValue(col arrow.Array, r int) any {
	if col.IsNull(r) {
		return nil
	}
	switch a := col.(type) {
	case *array.Int64:
		return a.Value(r)
	case *array.Float64:
		return a.Value(r)
	case *array.String:
		return a.Value(r)
	case *array.Boolean:
		return a.Value(r)
	case *array.Timestamp:
		return a.Value(r)
	default:
		return nil
	}
}

func rowsToRecord(sch schema.Schema, proj query.Projection, rows []row) arrow.Record {
	pool := memory.DefaultAllocator
	cols := make([]arrow.Field, 0, len(proj))
	colIdx := make([]int, 0, len(proj))
	for _, name := range proj {
		idx := sch.ColumnIndex(name)
		if idx < 0 {
			continue
		}
		c := sch.Columns[idx]
		cols = append(cols, arrow.Field{Name: c.Name, Type: c.Type, Nullable: c.Nullable})
		colIdx = append(colIdx, idx)
	}
	outSchema := arrow.NewSchema(cols, nil)
	builders := make([]array.Builder, len(cols))
	for i, f := range cols {
		builders[i] = array.NewBuilder(pool, f.Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()
	for _, r := range rows {
		for i, idx := range colIdx {
			appendRowValue(builders[i], r[idx])
		}
	}
	arrays := make([]arrow.Array, len(builders))
	for i, b := range builders {
		arrays[i] = b.NewArray()
	}
	defer func() {
		for _, a := range arrays {
			a.Release()
		}
	}()
	return array.NewRecord(outSchema, arrays, int64(len(rows)))
}

func appendRowValue(b array.Builder, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch bb := b.(type) {
	case *array.Int64Builder:
		if n, ok := v.(int64); ok {
			bb.Append(n)
		} else {
			bb.AppendNull()
		}
	case *array.Float64Builder:
		if n, ok := v.(float64); ok {
			bb.Append(n)
		} else {
			bb.AppendNull()
		}
	case *array.StringBuilder:
		if s, ok := v.(string); ok {
			bb.Append(s)
		} else {
			bb.AppendNull()
		}
	case *array.BooleanBuilder:
		if bo, ok := v.(bool); ok {
			bb.Append(bo)
		} else {
			bb.AppendNull()
		}
	case *array.TimestampBuilder:
		if ts, ok := v.(arrow.Timestamp); ok {
			bb.Append(ts)
		} else {
			bb.AppendNull()
		}
	default:
		b.AppendNull()
	}
}

var _ accel.Backend = (*Backend)(nil)

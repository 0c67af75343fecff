// Package compute is the in-process relational operator engine: filter,
// project, limit, hash-join, and aggregate over pkg/stream batches. The
// Federation Planner reaches for it whenever a sub-plan's inputs are not
// co-resident in one Acceleration Backend and so cannot be pushed down
// wholesale.
package compute

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/lakeforge/accelerate/pkg/query"
)

// row is a flat, column-ordered value slice, the same row-at-a-time shape
// pkg/accel/memory uses internally: operators that need to look at or
// reorder individual values (filter predicates, join keys, aggregate
// accumulation) work against rows rather than arrow.Array, converting back
// to Arrow only at the batch boundary.
type row []any

func recordRows(rec arrow.Record) []row {
	out := make([]row, rec.NumRows())
	cols := rec.Columns()
	for r := range out {
		out[r] = make(row, len(cols))
		for c, col := range cols {
			out[r][c] = arrayValue(col, r)
		}
	}
	return out
}

func fieldIndex(sch *arrow.Schema, name string) int {
	for i, f := range sch.Fields() {
		if f.Name == name {
			return i
		}
	}
	return -1
}

func arrayValue(col arrow.Array, r int) any {
	if col.IsNull(r) {
		return nil
	}
	switch a := col.(type) {
	case *array.Int64:
		return a.Value(r)
	case *array.Int32:
		return int64(a.Value(r))
	case *array.Float64:
		return a.Value(r)
	case *array.Float32:
		return float64(a.Value(r))
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

func rowsToRecord(sch *arrow.Schema, rows []row) arrow.Record {
	pool := memory.DefaultAllocator
	fields := sch.Fields()
	builders := make([]array.Builder, len(fields))
	for i, f := range fields {
		builders[i] = array.NewBuilder(pool, f.Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()
	for _, r := range rows {
		for i := range fields {
			appendRowValue(builders[i], r[i])
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
	return array.NewRecord(sch, arrays, int64(len(rows)))
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

// matchFilter evaluates a single predicate against one value. Mixed or
// unsupported type pairs are not comparable and evaluate false for every
// operator, so an unevaluable filter passes nothing rather than panicking.
func matchFilter(v any, f query.Filter) bool {
	cmp, ok := compareValues(v, f.Value)
	if !ok {
		return false
	}
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

func compareValues(a, b any) (int, bool) {
	switch av := a.(type) {
	case int64:
		bv, ok := toInt64(b)
		if !ok {
			return 0, false
		}
		return sign(av - bv), true
	case float64:
		bv, ok := toFloat64(b)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if av {
			return 1, true
		}
		return -1, true
	default:
		return 0, false
	}
}

func sign(n int64) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
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
	case arrow.Timestamp:
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

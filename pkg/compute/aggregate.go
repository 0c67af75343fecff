package compute

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/stream"
)

// Aggregate collects every row of src and computes count/sum/min/max,
// optionally grouped, emitting one output batch once src is exhausted. A
// full aggregate over a Dataset genuinely needs every row before it can
// emit anything, so collecting first is inherent to the operator, not a
// shortcut.
func Aggregate(ctx context.Context, src stream.Stream, aggs []query.Aggregate) (stream.Stream, error) {
	if len(aggs) == 0 {
		return src, nil
	}
	sch := src.Schema()
	rows, _, err := collectRows(ctx, src)
	if err != nil {
		return nil, err
	}

	groupBy := aggs[0].GroupBy
	groupIdx := make([]int, len(groupBy))
	for i, g := range groupBy {
		idx := fieldIndex(sch, g)
		if idx < 0 {
			return nil, stream.Errorf(stream.KindInvalid, "compute: aggregate group_by references unknown column %q", g)
		}
		groupIdx[i] = idx
	}

	type groupKey string
	type acc struct {
		keyVals []any
		states  []*aggState
	}
	groups := map[groupKey]*acc{}
	var order []groupKey

	aggIdx := make([]int, len(aggs))
	for i, a := range aggs {
		if a.Func == query.AggCount {
			aggIdx[i] = -1
			continue
		}
		idx := fieldIndex(sch, a.Column)
		if idx < 0 {
			return nil, stream.Errorf(stream.KindInvalid, "compute: aggregate references unknown column %q", a.Column)
		}
		aggIdx[i] = idx
	}

	for _, r := range rows {
		keyVals := make([]any, len(groupIdx))
		key := groupKey("")
		for i, gi := range groupIdx {
			keyVals[i] = r[gi]
			key += groupKey(fmt.Sprintf("%v\x00", r[gi]))
		}
		g, ok := groups[key]
		if !ok {
			states := make([]*aggState, len(aggs))
			for i, a := range aggs {
				states[i] = newAggState(a.Func)
			}
			g = &acc{keyVals: keyVals, states: states}
			groups[key] = g
			order = append(order, key)
		}
		for i, a := range aggs {
			var v any
			if aggIdx[i] >= 0 {
				v = r[aggIdx[i]]
			}
			g.states[i].add(v, a.Func)
		}
	}

	fields := make([]arrow.Field, 0, len(groupBy)+len(aggs))
	for _, g := range groupBy {
		fields = append(fields, arrow.Field{Name: g, Type: sch.Field(fieldIndex(sch, g)).Type, Nullable: true})
	}
	for _, a := range aggs {
		name := a.As
		if name == "" {
			name = string(aggFuncName(a.Func)) + "_" + a.Column
		}
		fields = append(fields, arrow.Field{Name: name, Type: aggResultType(a.Func, sch, a.Column), Nullable: true})
	}
	outSchema := arrow.NewSchema(fields, nil)

	var out []row
	for _, key := range order {
		g := groups[key]
		r := make(row, 0, len(groupBy)+len(aggs))
		r = append(r, g.keyVals...)
		for i, a := range aggs {
			r = append(r, g.states[i].result(a.Func))
		}
		out = append(out, r)
	}
	if len(out) == 0 && len(groupBy) == 0 {
		// COUNT/SUM/etc. over zero input rows still produce one row (0,
		// NULL, NULL...), matching standard SQL aggregate semantics.
		states := make([]*aggState, len(aggs))
		for i, a := range aggs {
			states[i] = newAggState(a.Func)
		}
		r := make(row, 0, len(aggs))
		for i, a := range aggs {
			r = append(r, states[i].result(a.Func))
		}
		out = append(out, r)
	}
	return stream.Memoize(stream.FromSlice(outSchema, []arrow.Record{rowsToRecord(outSchema, out)})), nil
}

type aggState struct {
	count    int64
	sum      float64
	sumIsInt bool
	min, max any
	seen     bool
}

func newAggState(f query.AggFunc) *aggState { return &aggState{sumIsInt: true} }

func (s *aggState) add(v any, f query.AggFunc) {
	s.count++
	if v == nil {
		return
	}
	switch f {
	case query.AggSum:
		s.seen = true
		switch n := v.(type) {
		case int64:
			s.sum += float64(n)
		case float64:
			s.sum += n
			s.sumIsInt = false
		}
	case query.AggMin:
		if !s.seen {
			s.min, s.seen = v, true
			return
		}
		if cmp, ok := compareValues(v, s.min); ok && cmp < 0 {
			s.min = v
		}
	case query.AggMax:
		if !s.seen {
			s.max, s.seen = v, true
			return
		}
		if cmp, ok := compareValues(v, s.max); ok && cmp > 0 {
			s.max = v
		}
	}
}

func (s *aggState) result(f query.AggFunc) any {
	switch f {
	case query.AggCount:
		return s.count
	case query.AggSum:
		if !s.seen {
			return nil
		}
		if s.sumIsInt {
			return int64(s.sum)
		}
		return s.sum
	case query.AggMin:
		return s.min
	case query.AggMax:
		return s.max
	default:
		return nil
	}
}

func aggFuncName(f query.AggFunc) string {
	switch f {
	case query.AggCount:
		return "count"
	case query.AggSum:
		return "sum"
	case query.AggMin:
		return "min"
	case query.AggMax:
		return "max"
	default:
		return "agg"
	}
}

func aggResultType(f query.AggFunc, sch *arrow.Schema, column string) arrow.DataType {
	if f == query.AggCount {
		return arrow.PrimitiveTypes.Int64
	}
	idx := fieldIndex(sch, column)
	if idx < 0 {
		return arrow.PrimitiveTypes.Float64
	}
	return sch.Field(idx).Type
}

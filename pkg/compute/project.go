package compute

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/stream"
)

// projectStream narrows (and reorders) each upstream batch's columns to
// Projection, used wherever a pushdown-capable Connector/Backend reported
// it couldn't apply the projection itself.
type projectStream struct {
	src        stream.Stream
	projection query.Projection
	outSchema  *arrow.Schema
	srcIdx     []int
}

// Project wraps src, narrowing every batch to projection. If projection is
// empty, src is returned unwrapped ("all columns").
func Project(src stream.Stream, projection query.Projection) stream.Stream {
	if len(projection) == 0 {
		return src
	}
	sch := src.Schema()
	fields := make([]arrow.Field, 0, len(projection))
	srcIdx := make([]int, 0, len(projection))
	for _, name := range projection {
		i := fieldIndex(sch, name)
		if i < 0 {
			continue
		}
		fields = append(fields, sch.Field(i))
		srcIdx = append(srcIdx, i)
	}
	return &projectStream{
		src:        src,
		projection: projection,
		outSchema:  arrow.NewSchema(fields, nil),
		srcIdx:     srcIdx,
	}
}

func (p *projectStream) Schema() *arrow.Schema { return p.outSchema }

func (p *projectStream) Next(ctx context.Context) (arrow.Record, error) {
	rec, err := p.src.Next(ctx)
	if err != nil {
		return nil, err
	}
	defer rec.Release()
	cols := make([]arrow.Array, len(p.srcIdx))
	for i, si := range p.srcIdx {
		cols[i] = rec.Column(si)
	}
	out := array.NewRecord(p.outSchema, cols, rec.NumRows())
	return out, nil
}

func (p *projectStream) Cancel() { p.src.Cancel() }

package compute

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/stream"
)

// filterStream re-applies predicates a Source Connector or Acceleration
// Backend reported back as residual filters (its residual_filters
// contract, testable property 7): a batch that matches nothing is not
// handed to the caller as an empty record but skipped, and the next
// upstream batch is pulled instead, so a long run of filtered-out input
// never shows up as a storm of zero-row Next calls.
type filterStream struct {
	src     stream.Stream
	filters []query.Filter
}

// Filter wraps src so every batch it yields has already had filters
// applied. If filters is empty, src is returned unwrapped.
func Filter(src stream.Stream, filters []query.Filter) stream.Stream {
	if len(filters) == 0 {
		return src
	}
	return &filterStream{src: src, filters: filters}
}

func (f *filterStream) Schema() *arrow.Schema { return f.src.Schema() }

func (f *filterStream) Next(ctx context.Context) (arrow.Record, error) {
	for {
		rec, err := f.src.Next(ctx)
		if err != nil {
			return nil, err
		}
		kept := f.applyTo(rec)
		rec.Release()
		if kept.NumRows() == 0 {
			kept.Release()
			continue
		}
		return kept, nil
	}
}

func (f *filterStream) applyTo(rec arrow.Record) arrow.Record {
	sch := rec.Schema()
	idx := make([]int, len(f.filters))
	for i, flt := range f.filters {
		idx[i] = fieldIndex(sch, flt.Column)
	}
	var kept []row
	for _, r := range recordRows(rec) {
		ok := true
		for i, flt := range f.filters {
			if idx[i] < 0 || !matchFilter(r[idx[i]], flt) {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, r)
		}
	}
	return rowsToRecord(sch, kept)
}

func (f *filterStream) Cancel() { f.src.Cancel() }

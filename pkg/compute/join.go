package compute

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/lakeforge/accelerate/pkg/stream"
)

// HashJoin equi-joins two streams on buildKey (right) / probeKey (left),
// materializing the build side into a hash map first and then streaming
// matched rows out of the probe side one upstream batch at a time. There
// is no spill-to-disk path: this scopes cross-dataset joins to what a
// Dataset Controller already fits in memory (see DESIGN.md).
func HashJoin(ctx context.Context, probe, build stream.Stream, probeKey, buildKey string) (stream.Stream, error) {
	buildRows, buildSchema, err := collectRows(ctx, build)
	if err != nil {
		return nil, err
	}
	buildKeyIdx := fieldIndex(buildSchema, buildKey)
	if buildKeyIdx < 0 {
		return nil, stream.Errorf(stream.KindInvalid, "compute: join build side has no column %q", buildKey)
	}
	index := make(map[any][]row, len(buildRows))
	for _, r := range buildRows {
		k := r[buildKeyIdx]
		index[k] = append(index[k], r)
	}

	probeSchema := probe.Schema()
	probeKeyIdx := fieldIndex(probeSchema, probeKey)
	if probeKeyIdx < 0 {
		return nil, stream.Errorf(stream.KindInvalid, "compute: join probe side has no column %q", probeKey)
	}

	outSchema := joinedSchema(probeSchema, buildSchema, buildKey)
	return &hashJoinStream{
		probe:       probe,
		index:       index,
		probeKeyIdx: probeKeyIdx,
		outSchema:   outSchema,
		skipBuild:   fieldIndex(buildSchema, buildKey),
	}, nil
}

// joinedSchema concatenates probe's fields with build's, dropping build's
// own copy of the join key (it is redundant with probe's).
func joinedSchema(probe, build *arrow.Schema, buildKey string) *arrow.Schema {
	fields := append([]arrow.Field{}, probe.Fields()...)
	for _, f := range build.Fields() {
		if f.Name == buildKey {
			continue
		}
		fields = append(fields, f)
	}
	return arrow.NewSchema(fields, nil)
}

type hashJoinStream struct {
	probe       stream.Stream
	index       map[any][]row
	probeKeyIdx int
	outSchema   *arrow.Schema
	skipBuild   int
}

func (h *hashJoinStream) Schema() *arrow.Schema { return h.outSchema }

func (h *hashJoinStream) Next(ctx context.Context) (arrow.Record, error) {
	for {
		rec, err := h.probe.Next(ctx)
		if err != nil {
			return nil, err
		}
		var out []row
		for _, pr := range recordRows(rec) {
			matches := h.index[pr[h.probeKeyIdx]]
			for _, br := range matches {
				joined := append(append(row{}, pr...), dropAt(br, h.skipBuild)...)
				out = append(out, joined)
			}
		}
		rec.Release()
		if len(out) == 0 {
			continue
		}
		return rowsToRecord(h.outSchema, out), nil
	}
}

func (h *hashJoinStream) Cancel() { h.probe.Cancel() }

func dropAt(r row, idx int) row {
	if idx < 0 {
		return r
	}
	out := make(row, 0, len(r)-1)
	for i, v := range r {
		if i == idx {
			continue
		}
		out = append(out, v)
	}
	return out
}

func collectRows(ctx context.Context, s stream.Stream) ([]row, *arrow.Schema, error) {
	sch := s.Schema()
	var out []row
	for {
		rec, err := s.Next(ctx)
		if err != nil {
			if err == stream.ErrEnd {
				return out, sch, nil
			}
			return nil, nil, err
		}
		out = append(out, recordRows(rec)...)
		rec.Release()
	}
}

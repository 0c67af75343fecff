package stream

import (
	"context"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
)

// FromSlice returns a Stream over a fixed, already-materialized sequence of
// batches. Connectors and backends that compute their whole result set
// eagerly (the common case for small scans and every test fixture) wrap it
// in Memoize before returning it to a caller.
func FromSlice(schema *arrow.Schema, batches []arrow.Record) Stream {
	for _, b := range batches {
		b.Retain()
	}
	return &sliceStream{schema: schema, batches: batches}
}

type sliceStream struct {
	schema    *arrow.Schema
	batches   []arrow.Record
	pos       int
	cancelled atomic.Bool
}

func (s *sliceStream) Schema() *arrow.Schema { return s.schema }

func (s *sliceStream) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, Errorf(KindCancelled, "%w", err)
	}
	if s.cancelled.Load() {
		return nil, ErrCancelled
	}
	if s.pos >= len(s.batches) {
		return nil, ErrEnd
	}
	rec := s.batches[s.pos]
	s.pos++
	return rec, nil
}

func (s *sliceStream) Cancel() {
	s.cancelled.Store(true)
	for _, b := range s.batches[s.pos:] {
		b.Release()
	}
}

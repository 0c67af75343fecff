package compute

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/lakeforge/accelerate/pkg/stream"
)

// limitStream counts rows yielded and truncates the final batch, then
// cancels src so an unbounded upstream doesn't keep producing once the
// limit is satisfied.
type limitStream struct {
	src       stream.Stream
	remaining int64
	done      bool
}

// Limit wraps src so no more than n rows total are ever returned. n<=0
// means unlimited; src is returned unwrapped.
func Limit(src stream.Stream, n int) stream.Stream {
	if n <= 0 {
		return src
	}
	return &limitStream{src: src, remaining: int64(n)}
}

func (l *limitStream) Schema() *arrow.Schema { return l.src.Schema() }

func (l *limitStream) Next(ctx context.Context) (arrow.Record, error) {
	if l.done || l.remaining <= 0 {
		if !l.done {
			l.done = true
			l.src.Cancel()
		}
		return nil, stream.ErrEnd
	}
	rec, err := l.src.Next(ctx)
	if err != nil {
		return nil, err
	}
	defer rec.Release()
	if rec.NumRows() <= l.remaining {
		l.remaining -= rec.NumRows()
		rec.Retain()
		return rec, nil
	}
	n := l.remaining
	l.remaining = 0
	cols := make([]arrow.Array, rec.NumCols())
	for i := range cols {
		cols[i] = array.NewSlice(rec.Column(i), 0, n)
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	out := array.NewRecord(rec.Schema(), cols, n)
	l.done = true
	l.src.Cancel()
	return out, nil
}

func (l *limitStream) Cancel() {
	l.done = true
	l.src.Cancel()
}

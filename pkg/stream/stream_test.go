package stream

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, nil)
}

func intBatch(vals ...int64) arrow.Record {
	b := array.NewInt64Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(vals, nil)
	col := b.NewArray()
	defer col.Release()
	return array.NewRecord(intSchema(), []arrow.Array{col}, int64(len(vals)))
}

func TestFromSlice_DrainsThenEnds(t *testing.T) {
	r1, r2 := intBatch(1, 2), intBatch(3)
	s := FromSlice(intSchema(), []arrow.Record{r1, r2})
	defer r1.Release()
	defer r2.Release()

	got, err := Collect(context.Background(), s)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	for _, r := range got {
		r.Release()
	}

	// terminal value repeats
	rec, err := s.Next(context.Background())
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrEnd)
}

func TestMemoize_RepeatsTerminalError(t *testing.T) {
	r1 := intBatch(1)
	defer r1.Release()
	inner := FromSlice(intSchema(), []arrow.Record{r1})
	m := Memoize(inner)

	rec, err := m.Next(context.Background())
	require.NoError(t, err)
	rec.Release()

	_, err = m.Next(context.Background())
	assert.ErrorIs(t, err, ErrEnd)
	_, err = m.Next(context.Background())
	assert.ErrorIs(t, err, ErrEnd)
}

func TestMemoize_CancelIsPromptAndSticky(t *testing.T) {
	r1, r2 := intBatch(1), intBatch(2)
	defer r1.Release()
	defer r2.Release()
	inner := FromSlice(intSchema(), []arrow.Record{r1, r2})
	m := Memoize(inner)

	m.Cancel()

	rec, err := m.Next(context.Background())
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrCancelled)

	// sticky: still cancelled on a second pull
	_, err = m.Next(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestKindError_ErrorsIsMatchesByKind(t *testing.T) {
	err := Errorf(KindIO, "dial tcp: %s", "refused")
	assert.ErrorIs(t, err, ErrIO)
	assert.False(t, errorsIsTimeout(err))
	assert.True(t, KindOf(err).Transient())
}

func errorsIsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}

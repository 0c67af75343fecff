package schema

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompatibleWith_NewColumnOK(t *testing.T) {
	existing := Schema{Columns: []Column{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, PrimaryKey: []string{"id"}}
	next := Schema{Columns: []Column{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "note", Type: arrow.BinaryTypes.String, Nullable: true},
	}, PrimaryKey: []string{"id"}}

	require.NoError(t, next.CompatibleWith(existing))
}

func TestCompatibleWith_NullableTighteningRejected(t *testing.T) {
	existing := Schema{Columns: []Column{{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true}}}
	next := Schema{Columns: []Column{{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: false}}}

	err := next.CompatibleWith(existing)
	assert.Error(t, err)
}

func TestCompatibleWith_PrimaryKeyChangeRejected(t *testing.T) {
	existing := Schema{Columns: []Column{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, PrimaryKey: []string{"id"}}
	next := Schema{Columns: []Column{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, PrimaryKey: nil}

	assert.Error(t, next.CompatibleWith(existing))
}

func TestCompatibleWith_TypeChangeRejected(t *testing.T) {
	existing := Schema{Columns: []Column{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}}
	next := Schema{Columns: []Column{{Name: "id", Type: arrow.BinaryTypes.String}}}

	assert.Error(t, next.CompatibleWith(existing))
}

func TestColumnIndexAndIsPrimaryKey(t *testing.T) {
	s := Schema{Columns: []Column{{Name: "id"}, {Name: "v"}}, PrimaryKey: []string{"id"}}
	assert.Equal(t, 0, s.ColumnIndex("id"))
	assert.Equal(t, -1, s.ColumnIndex("nope"))
	assert.True(t, s.IsPrimaryKey("id"))
	assert.False(t, s.IsPrimaryKey("v"))
}

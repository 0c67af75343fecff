package refresh

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/lakeforge/accelerate/pkg/schema"
)

// formatWatermark renders a column value as a string that sorts the same
// way the underlying value compares, since watermarks cross the
// source.Connector.ScanSince(since string) boundary as text. Int64 values
// are zero-padded so lexicographic and numeric ordering agree; timestamps
// are rendered in UTC with a fixed nine-digit fraction, so they sort
// lexicographically too.
func formatWatermark(col arrow.Array, row int) string {
	switch a := col.(type) {
	case *array.Int64:
		return fmt.Sprintf("%020d", a.Value(row))
	case *array.Float64:
		return fmt.Sprintf("%030.10f", a.Value(row))
	case *array.String:
		return a.Value(row)
	case *array.Timestamp:
		return a.Value(row).ToTime(arrow.Microsecond).Format("2006-01-02T15:04:05.000000000Z07:00")
	default:
		return fmt.Sprintf("%v", col)
	}
}

// maxWatermarkInBatch returns the largest formatted watermark value in rec
// for the named column, and whether the column/batch had any rows.
func maxWatermarkInBatch(rec arrow.Record, column string) (string, bool) {
	idx := -1
	for i, f := range rec.Schema().Fields() {
		if f.Name == column {
			idx = i
			break
		}
	}
	if idx < 0 || rec.NumRows() == 0 {
		return "", false
	}
	col := rec.Column(idx)
	max := ""
	found := false
	for r := 0; r < int(rec.NumRows()); r++ {
		if col.IsNull(r) {
			continue
		}
		v := formatWatermark(col, r)
		if !found || v > max {
			max = v
			found = true
		}
	}
	return max, found
}

// watermarkColumnIndex returns column's index in sch, as
// schema.Schema.ColumnIndex reports it.
func watermarkColumnIndex(sch schema.Schema, column string) int {
	return sch.ColumnIndex(column)
}

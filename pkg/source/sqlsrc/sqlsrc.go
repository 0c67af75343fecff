// Package sqlsrc is the generic database/sql Source Connector: it scans
// any table reachable through a registered driver by generating SQL,
// pushing down what it can and reporting the rest as residual filters.
package sqlsrc

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	// Default driver.
	_ "github.com/go-sql-driver/mysql"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/schema"
	"github.com/lakeforge/accelerate/pkg/source"
	"github.com/lakeforge/accelerate/pkg/stream"
)

func init() {
	source.Register("sql", New)
}

// Config is the source.params shape this connector expects.
type Config struct {
	Driver          string // "mysql" (default), or any driver registered with database/sql
	DSN             string
	Table           string
	WatermarkColumn string // "" disables ScanSince / supports_changes
	BatchSize       int    // rows per arrow.Record; 0 uses a sane default
	MaxRetries      int
}

// Connector scans one table through database/sql.
type Connector struct {
	cfg Config
	db  *sqlx.DB
	sch schema.Schema
}

// New builds a Connector from a DatasetSpec's source.params map.
func New(params map[string]any) (source.Connector, error) {
	cfg, err := parseConfig(params)
	if err != nil {
		return nil, err
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "mysql"
	}
	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, stream.Errorf(stream.KindInvalid, "sqlsrc: open %s: %w", driver, err)
	}
	return &Connector{cfg: cfg, db: db}, nil
}

func parseConfig(params map[string]any) (Config, error) {
	var cfg Config
	table, _ := params["table"].(string)
	dsn, _ := params["dsn"].(string)
	if table == "" || dsn == "" {
		return cfg, stream.Errorf(stream.KindInvalid, "sqlsrc: params require non-empty table and dsn")
	}
	cfg.Table = table
	cfg.DSN = dsn
	cfg.Driver, _ = params["driver"].(string)
	cfg.WatermarkColumn, _ = params["watermark_column"].(string)
	if bs, ok := params["batch_size"].(int); ok {
		cfg.BatchSize = bs
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10000
	}
	if mr, ok := params["max_retries"].(int); ok {
		cfg.MaxRetries = mr
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	return cfg, nil
}

// Describe returns the schema supplied with SetSchema and the connector's
// capabilities. It does not introspect the table: with no schema set it
// fails with Invalid.
func (c *Connector) Describe(ctx context.Context) (schema.Schema, source.Capabilities, error) {
	caps := source.Capabilities{
		FilterPushdown:     true,
		ProjectionPushdown: true,
		LimitPushdown:      true,
		WatermarkColumn:    c.cfg.WatermarkColumn,
		SupportsChanges:    c.cfg.WatermarkColumn != "", // ScanSince needs a watermark column
	}
	if c.sch.Columns != nil {
		return c.sch, caps, nil
	}
	return schema.Schema{}, caps, stream.Errorf(stream.KindInvalid, "sqlsrc: schema not set; call SetSchema before Describe")
}

// SetSchema lets the embedding DatasetSpec supply an already-known schema
// instead of requiring live introspection, matching its optional
// schema? field of the dataset specification.
func (c *Connector) SetSchema(s schema.Schema) { c.sch = s }

// Scan builds and runs a single SELECT pushing down every filter it can
// express as a simple comparison; anything else is returned as residual.
func (c *Connector) Scan(ctx context.Context, projection query.Projection, filters []query.Filter, limit int) (stream.Stream, []query.Filter, error) {
	return c.scanWhere(ctx, projection, filters, limit, "")
}

// ScanSince emits rows with WatermarkColumn > since, ordered by it.
func (c *Connector) ScanSince(ctx context.Context, since string) (stream.Stream, error) {
	if c.cfg.WatermarkColumn == "" {
		return nil, stream.Errorf(stream.KindInvalid, "sqlsrc: connector has no watermark_column, ScanSince unsupported")
	}
	where := fmt.Sprintf("`%s` > ?", c.cfg.WatermarkColumn)
	return c.scanWhereArgsOnly(ctx, nil, where, []any{since}, 0, c.cfg.WatermarkColumn)
}

// scanWhere pushes every filter down as a SQL comparison: this connector's
// Capabilities declare FilterPushdown for every Op in query.Op, so it never
// needs to report a residual filter itself.
func (c *Connector) scanWhere(ctx context.Context, projection query.Projection, filters []query.Filter, limit int, extraWhere string) (stream.Stream, []query.Filter, error) {
	var clauses []string
	var args []any
	for _, f := range filters {
		clauses = append(clauses, fmt.Sprintf("`%s` %s ?", f.Column, f.Op))
		args = append(args, f.Value)
	}
	where := strings.Join(clauses, " AND ")
	if extraWhere != "" {
		if where != "" {
			where = extraWhere + " AND " + where
		} else {
			where = extraWhere
		}
	}
	s, err := c.scanWhereArgsOnly(ctx, projection, where, args, limit, "")
	return s, nil, err
}

func (c *Connector) scanWhereArgsOnly(ctx context.Context, projection query.Projection, where string, args []any, limit int, orderBy string) (stream.Stream, error) {
	cols := "*"
	arrowSchema := c.sch.ArrowSchema()
	if len(projection) > 0 {
		cols = "`" + strings.Join(projection, "`, `") + "`"
		arrowSchema = projectSchema(c.sch, projection)
	}
	sqlStr := fmt.Sprintf("SELECT %s FROM `%s`", cols, c.cfg.Table)
	if where != "" {
		sqlStr += " WHERE " + where
	}
	if orderBy != "" {
		sqlStr += " ORDER BY `" + orderBy + "`"
	}
	if limit > 0 {
		sqlStr += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := c.queryWithRetry(ctx, sqlStr, args...)
	if err != nil {
		return nil, classifyQueryError(err)
	}
	defer rows.Close()

	batches, err := rowsToBatches(rows, arrowSchema, c.cfg.BatchSize)
	if err != nil {
		return nil, stream.Errorf(stream.KindIO, "sqlsrc: reading rows: %w", err)
	}
	return stream.Memoize(stream.FromSlice(arrowSchema, batches)), nil
}

func (c *Connector) queryWithRetry(ctx context.Context, sqlStr string, args ...any) (*sqlx.Rows, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		rows, err := c.db.QueryxContext(ctx, sqlStr, args...)
		if err == nil {
			return rows, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
		backoff(attempt)
	}
	return nil, lastErr
}

func isRetryable(err error) bool {
	// Connection-level failures are transient; everything else (syntax,
	// permission) is treated as fatal by the caller's classification.
	return err == sql.ErrConnDone || strings.Contains(err.Error(), "connection")
}

func backoff(attempt int) {
	time.Sleep(time.Duration(attempt*attempt) * 10 * time.Millisecond)
}

func classifyQueryError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "denied") || strings.Contains(msg, "permission"):
		return stream.Errorf(stream.KindPermissionDenied, "sqlsrc: %w", err)
	case strings.Contains(msg, "unknown column") || strings.Contains(msg, "doesn't exist"):
		return stream.Errorf(stream.KindSchemaMismatch, "sqlsrc: %w", err)
	case strings.Contains(msg, "timeout"):
		return stream.Errorf(stream.KindTimeout, "sqlsrc: %w", err)
	default:
		return stream.Errorf(stream.KindIO, "sqlsrc: %w", err)
	}
}

func projectSchema(s schema.Schema, cols query.Projection) *arrow.Schema {
	byName := make(map[string]schema.Column, len(s.Columns))
	for _, c := range s.Columns {
		byName[c.Name] = c
	}
	fields := make([]arrow.Field, 0, len(cols))
	for _, name := range cols {
		if c, ok := byName[name]; ok {
			fields = append(fields, arrow.Field{Name: c.Name, Type: c.Type, Nullable: c.Nullable})
		}
	}
	return arrow.NewSchema(fields, nil)
}

// rowsToBatches converts a *sqlx.Rows result set into fixed-size Arrow
// record batches. It materializes generic any values per cell, which is
// adequate for a convenience source connector (most columns are scalar
// numeric/string/time); callers needing zero-copy ingestion should prefer a
// columnar-native connector.
func rowsToBatches(rows *sqlx.Rows, sch *arrow.Schema, batchSize int) ([]arrow.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	builders := make([]array.Builder, len(cols))
	pool := memory.DefaultAllocator
	for i, f := range sch.Fields() {
		builders[i] = array.NewBuilder(pool, f.Type)
	}
	defer func() {
		for _, b := range builders {
			if b != nil {
				b.Release()
			}
		}
	}()

	var batches []arrow.Record
	n := 0
	flush := func() {
		if n == 0 {
			return
		}
		cols := make([]arrow.Array, len(builders))
		for i, b := range builders {
			cols[i] = b.NewArray()
		}
		rec := array.NewRecord(sch, cols, int64(n))
		for _, c := range cols {
			c.Release()
		}
		batches = append(batches, rec)
		n = 0
	}

	dest := make([]any, len(cols))
	for i := range dest {
		var v any
		dest[i] = &v
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, d := range dest {
			appendValue(builders[i], *(d.(*any)))
		}
		n++
		if n >= batchSize {
			flush()
		}
	}
	flush()
	return batches, rows.Err()
}

func appendValue(b array.Builder, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch bb := b.(type) {
	case *array.Int64Builder:
		bb.Append(toInt64(v))
	case *array.Float64Builder:
		bb.Append(toFloat64(v))
	case *array.StringBuilder:
		bb.Append(fmt.Sprintf("%v", v))
	case *array.BooleanBuilder:
		bb.Append(toBool(v))
	case *array.TimestampBuilder:
		if t, ok := v.(time.Time); ok {
			bb.Append(arrow.Timestamp(t.UnixMicro()))
		} else {
			bb.AppendNull()
		}
	default:
		b.AppendNull()
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case []byte:
		var out int64
		fmt.Sscanf(string(n), "%d", &out)
		return out
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case []byte:
		var out float64
		fmt.Sscanf(string(n), "%f", &out)
		return out
	default:
		return 0
	}
}

func toBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	default:
		return false
	}
}

var _ source.Connector = (*Connector)(nil)

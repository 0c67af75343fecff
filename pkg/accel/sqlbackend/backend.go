package sqlbackend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/jmoiron/sqlx"

	"github.com/lakeforge/accelerate/pkg/accel"
	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/schema"
	"github.com/lakeforge/accelerate/pkg/stream"
)

// Config is the accel.Factory params shape every sqlbackend driver shares.
type Config struct {
	DSN        string
	Table      string
	MaxRetries int
}

func parseConfig(params map[string]any) (Config, error) {
	var cfg Config
	cfg.DSN, _ = params["dsn"].(string)
	cfg.Table, _ = params["table"].(string)
	if cfg.DSN == "" || cfg.Table == "" {
		return cfg, stream.Errorf(stream.KindInvalid, "sqlbackend: params require non-empty dsn and table")
	}
	if mr, ok := params["max_retries"].(int); ok {
		cfg.MaxRetries = mr
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	return cfg, nil
}

// Backend is an accel.Backend riding a *sqlx.DB through a Dialect. Both
// CreateOrReplace and StageFull/AppendStaged/CommitFull build into a shadow
// table (table+"__shadow") and rename it over the live table: build aside,
// then atomically rename in, shared across all three dialects below. A full
// refresh should use StageFull/AppendStaged/CommitFull so the shadow is
// entirely populated before the rename; CreateOrReplace alone renames in an
// empty shadow immediately and is for callers that populate afterward via
// plain Append.
type Backend struct {
	cfg     Config
	dialect Dialect
	driver  string
	db      *sqlx.DB
	sch     schema.Schema

	stagingSch schema.Schema // set between StageFull and CommitFull
}

func newBackend(driver string, dialect Dialect, params map[string]any) (accel.Backend, error) {
	cfg, err := parseConfig(params)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, stream.Errorf(stream.KindIO, "sqlbackend: open %s: %w", driver, err)
	}
	return &Backend{cfg: cfg, dialect: dialect, driver: driver, db: db}, nil
}

// SetSchema lets the Dataset Controller supply the known schema; the
// backend otherwise has no way to learn it before the first
// CreateOrReplace.
func (b *Backend) SetSchema(s schema.Schema) { b.sch = s }

func (b *Backend) CreateOrReplace(ctx context.Context, sch schema.Schema) error {
	shadow := b.shadowTable()
	if _, err := b.execRetry(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", b.dialect.Quote(shadow))); err != nil {
		return classify(err)
	}
	if _, err := b.execRetry(ctx, createTableSQL(b.dialect, shadow, sch)); err != nil {
		return classify(err)
	}
	if err := b.dialect.RenameTable(b.db, shadow, b.cfg.Table); err != nil {
		return classify(err)
	}
	b.sch = sch
	return nil
}

func (b *Backend) shadowTable() string { return b.cfg.Table + "__shadow" }

// StageFull creates the shadow table but does not rename it over the live
// table: AppendStaged populates it, and only CommitFull's rename makes it
// visible, so a full refresh never exposes a transiently empty or
// partially-loaded live table to a concurrent Scan.
func (b *Backend) StageFull(ctx context.Context, sch schema.Schema) error {
	shadow := b.shadowTable()
	if _, err := b.execRetry(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", b.dialect.Quote(shadow))); err != nil {
		return classify(err)
	}
	if _, err := b.execRetry(ctx, createTableSQL(b.dialect, shadow, sch)); err != nil {
		return classify(err)
	}
	b.stagingSch = sch
	return nil
}

func (b *Backend) AppendStaged(ctx context.Context, batches stream.Stream) (int64, error) {
	if b.stagingSch.Columns == nil {
		return 0, stream.Errorf(stream.KindInvalid, "sqlbackend: no staged table; call StageFull first")
	}
	return b.insertAllInto(ctx, b.shadowTable(), b.stagingSch, batches, "")
}

// CommitFull renames the shadow table over the live one: the same
// single-statement atomic swap CreateOrReplace uses, just deferred until
// AppendStaged has fully populated the shadow.
func (b *Backend) CommitFull(ctx context.Context) error {
	if b.stagingSch.Columns == nil {
		return stream.Errorf(stream.KindInvalid, "sqlbackend: no staged table to commit; call StageFull first")
	}
	if err := b.dialect.RenameTable(b.db, b.shadowTable(), b.cfg.Table); err != nil {
		return classify(err)
	}
	b.sch = b.stagingSch
	b.stagingSch = schema.Schema{}
	return nil
}

func (b *Backend) Append(ctx context.Context, batches stream.Stream) (int64, error) {
	return b.insertAllInto(ctx, b.cfg.Table, b.sch, batches, "")
}

func (b *Backend) Upsert(ctx context.Context, batches stream.Stream, conflict accel.OnConflict) (int64, error) {
	var cols []string
	for _, c := range b.sch.Columns {
		if !b.sch.IsPrimaryKey(c.Name) {
			cols = append(cols, c.Name)
		}
	}
	suffix := ""
	switch conflict {
	case accel.OnConflictUpsert:
		suffix = b.dialect.UpsertSuffix(b.sch.PrimaryKey, cols)
	case accel.OnConflictDrop:
		suffix = dropConflictSuffix(b.dialect, b.sch.PrimaryKey)
	}
	return b.insertAllInto(ctx, b.cfg.Table, b.sch, batches, suffix)
}

func dropConflictSuffix(d Dialect, pk []string) string {
	if d.Name() == "postgres" {
		quoted := make([]string, len(pk))
		for i, k := range pk {
			quoted[i] = d.Quote(k)
		}
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", joinComma(quoted))
	}
	// DuckDB and SQLite express OnConflictDrop at the statement-verb level
	// (INSERT OR IGNORE) instead of a trailing clause; insertBatch checks
	// for this sentinel to pick the verb.
	return dropConflictVerbSentinel
}

// dropConflictVerbSentinel is never emitted as a SQL clause; insertBatch
// strips it back to "" and swaps the INSERT verb to INSERT OR IGNORE.
const dropConflictVerbSentinel = "\x00insert-or-ignore\x00"

func (b *Backend) insertAllInto(ctx context.Context, table string, sch schema.Schema, batches stream.Stream, conflictSuffix string) (int64, error) {
	if sch.Columns == nil {
		return 0, stream.Errorf(stream.KindInvalid, "sqlbackend: schema not set; call CreateOrReplace first")
	}
	var total int64
	for {
		rec, err := batches.Next(ctx)
		if err != nil {
			if err == stream.ErrEnd {
				return total, nil
			}
			return total, err
		}
		n, err := b.insertBatch(ctx, table, rec, conflictSuffix)
		rec.Release()
		total += n
		if err != nil {
			return total, err
		}
	}
}

func (b *Backend) insertBatch(ctx context.Context, table string, rec arrow.Record, conflictSuffix string) (int64, error) {
	colNames := make([]string, rec.Schema().NumFields())
	quoted := make([]string, len(colNames))
	for i, f := range rec.Schema().Fields() {
		colNames[i] = f.Name
		quoted[i] = b.dialect.Quote(f.Name)
	}

	verb := "INSERT"
	if conflictSuffix == dropConflictVerbSentinel {
		verb = "INSERT OR IGNORE"
		conflictSuffix = ""
	}

	rowsAffected := int64(0)
	for r := 0; r < int(rec.NumRows()); r++ {
		placeholders := make([]string, len(colNames))
		args := make([]any, len(colNames))
		for i := range colNames {
			placeholders[i] = b.dialect.Placeholder(i + 1)
			args[i] = arrayValue(rec.Column(i), r)
		}
		sqlStr := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)", verb, b.dialect.Quote(table), joinComma(quoted), joinComma(placeholders))
		if conflictSuffix != "" {
			sqlStr += " " + conflictSuffix
		}
		if _, err := b.execRetry(ctx, sqlStr, args...); err != nil {
			return rowsAffected, classify(err)
		}
		rowsAffected++
	}
	return rowsAffected, nil
}

func (b *Backend) DeleteWhere(ctx context.Context, predicate query.Filter) (int64, error) {
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s %s %s", b.dialect.Quote(b.cfg.Table), b.dialect.Quote(predicate.Column), predicate.Op, b.dialect.Placeholder(1))
	res, err := b.execRetry(ctx, sqlStr, predicate.Value)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (b *Backend) Scan(ctx context.Context, projection query.Projection, filters []query.Filter) (stream.Stream, []query.Filter, error) {
	cols := "*"
	arrowSch := b.sch.ArrowSchema()
	if len(projection) > 0 {
		quoted := make([]string, len(projection))
		for i, c := range projection {
			quoted[i] = b.dialect.Quote(c)
		}
		cols = joinComma(quoted)
		arrowSch = projectSchema(b.sch, projection)
	}
	var clauses []string
	var args []any
	for i, f := range filters {
		clauses = append(clauses, fmt.Sprintf("%s %s %s", b.dialect.Quote(f.Column), f.Op, b.dialect.Placeholder(i+1)))
		args = append(args, f.Value)
	}
	sqlStr := fmt.Sprintf("SELECT %s FROM %s", cols, b.dialect.Quote(b.cfg.Table))
	if len(clauses) > 0 {
		sqlStr += " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := b.db.QueryxContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, nil, classify(err)
	}
	defer rows.Close()

	batches, err := rowsToBatches(rows, arrowSch, 10000)
	if err != nil {
		return nil, nil, stream.Errorf(stream.KindIO, "sqlbackend: reading rows: %w", err)
	}
	return stream.Memoize(stream.FromSlice(arrowSch, batches)), nil, nil
}

func (b *Backend) RowCount(ctx context.Context) (int64, error) {
	var n int64
	err := b.db.GetContext(ctx, &n, fmt.Sprintf("SELECT COUNT(*) FROM %s", b.dialect.Quote(b.cfg.Table)))
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (b *Backend) SizeBytes(ctx context.Context) (int64, error) {
	n, err := b.RowCount(ctx)
	if err != nil {
		return 0, err
	}
	return n * int64(len(b.sch.Columns)) * 8, nil
}

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) execRetry(ctx context.Context, sqlStr string, args ...any) (interface{ RowsAffected() (int64, error) }, error) {
	var lastErr error
	for attempt := 0; attempt < b.cfg.MaxRetries; attempt++ {
		res, err := b.db.ExecContext(ctx, sqlStr, args...)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
		time.Sleep(time.Duration(attempt*attempt) * 10 * time.Millisecond)
	}
	return nil, lastErr
}

func isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "lock") || strings.Contains(msg, "connection")
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") || strings.Contains(msg, "does not exist"):
		return stream.Errorf(stream.KindSchemaMismatch, "sqlbackend: %w", err)
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		return stream.Errorf(stream.KindPermissionDenied, "sqlbackend: %w", err)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "lock"):
		return stream.Errorf(stream.KindBackendBusy, "sqlbackend: %w", err)
	default:
		return stream.Errorf(stream.KindIO, "sqlbackend: %w", err)
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

func arrayValue(col arrow.Array, r int) any {
	if col.IsNull(r) {
		return nil
	}
	switch a := col.(type) {
	case *array.Int64:
		return a.Value(r)
	case *array.Float64:
		return a.Value(r)
	case *array.String:
		return a.Value(r)
	case *array.Boolean:
		return a.Value(r)
	case *array.Timestamp:
		return a.Value(r)
	default:
		return nil
	}
}

func rowsToBatches(rows *sqlx.Rows, sch *arrow.Schema, batchSize int) ([]arrow.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	pool := memory.DefaultAllocator
	builders := make([]array.Builder, len(sch.Fields()))
	for i, f := range sch.Fields() {
		builders[i] = array.NewBuilder(pool, f.Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	var batches []arrow.Record
	n := 0
	flush := func() {
		if n == 0 {
			return
		}
		arrays := make([]arrow.Array, len(builders))
		for i, b := range builders {
			arrays[i] = b.NewArray()
		}
		rec := array.NewRecord(sch, arrays, int64(n))
		for _, a := range arrays {
			a.Release()
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
			if i >= len(builders) {
				continue
			}
			appendDriverValue(builders[i], *(d.(*any)))
		}
		n++
		if n >= batchSize {
			flush()
		}
	}
	flush()
	return batches, rows.Err()
}

func appendDriverValue(b array.Builder, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch bb := b.(type) {
	case *array.Int64Builder:
		switch n := v.(type) {
		case int64:
			bb.Append(n)
		case int:
			bb.Append(int64(n))
		default:
			bb.AppendNull()
		}
	case *array.Float64Builder:
		if f, ok := v.(float64); ok {
			bb.Append(f)
		} else {
			bb.AppendNull()
		}
	case *array.StringBuilder:
		bb.Append(fmt.Sprintf("%v", v))
	case *array.BooleanBuilder:
		if bo, ok := v.(bool); ok {
			bb.Append(bo)
		} else {
			bb.AppendNull()
		}
	default:
		b.AppendNull()
	}
}

var _ accel.Backend = (*Backend)(nil)

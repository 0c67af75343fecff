package sqlbackend

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/jmoiron/sqlx"

	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/stream"
)

// BackendKey identifies the physical engine this Backend talks to, so the
// Federation Planner can recognize two Datasets as co-resident ("same
// Acceleration Backend") even though each gets its own Backend Go value
// (one per table). Two sqlbackend.Backends with the same driver+DSN are
// the same DuckDB/SQLite file or the same Postgres server.
func (b *Backend) BackendKey() string { return b.driver + "|" + b.cfg.DSN }

// Table reports the physical table this Backend materializes its Dataset
// into, letting the Federation Planner resolve a Dataset name to a table
// name for NativeScan without reaching into Backend's configuration.
func (b *Backend) Table() string { return b.cfg.Table }

// NativeScan runs plan (a Join or Aggregate whose Scan leaves all resolved
// to this Backend) as a single SQL statement instead of pulling every
// input through pkg/compute, delegating planning to the database.
// tableForDataset resolves each Scan leaf's Dataset name to this backend's
// table for it; a leaf this Backend doesn't recognize fails the whole
// call with Invalid rather than guessing.
func (b *Backend) NativeScan(ctx context.Context, plan *query.Plan, tableForDataset func(dataset string) (string, bool)) (stream.Stream, error) {
	sqlStr, args, err := b.buildNativeSQL(plan, tableForDataset)
	if err != nil {
		return nil, err
	}
	rows, err := b.db.QueryxContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	sch, err := schemaFromColumnTypes(rows)
	if err != nil {
		return nil, stream.Errorf(stream.KindIO, "sqlbackend: native scan column types: %w", err)
	}
	batches, err := rowsToBatches(rows, sch, 10000)
	if err != nil {
		return nil, stream.Errorf(stream.KindIO, "sqlbackend: native scan reading rows: %w", err)
	}
	return stream.Memoize(stream.FromSlice(sch, batches)), nil
}

func (b *Backend) buildNativeSQL(plan *query.Plan, tableForDataset func(string) (string, bool)) (string, []any, error) {
	switch plan.Kind {
	case query.OpAggregate:
		if len(plan.Children) != 1 {
			return "", nil, stream.Errorf(stream.KindInvalid, "sqlbackend: native aggregate needs exactly one child")
		}
		return b.buildAggregateSQL(plan, tableForDataset)
	case query.OpJoin:
		return b.buildJoinSQL(plan, tableForDataset, nil)
	default:
		return "", nil, stream.Errorf(stream.KindInvalid, "sqlbackend: native scan does not support plan node kind %v", plan.Kind)
	}
}

func (b *Backend) buildJoinSQL(plan *query.Plan, tableForDataset func(string) (string, bool), selectList []string) (string, []any, error) {
	if len(plan.Children) != 2 || plan.Children[0].Kind != query.OpScan || plan.Children[1].Kind != query.OpScan {
		return "", nil, stream.Errorf(stream.KindInvalid, "sqlbackend: native join requires exactly two Scan children")
	}
	left, right := plan.Children[0], plan.Children[1]
	leftTable, ok := tableForDataset(left.Dataset)
	if !ok {
		return "", nil, stream.Errorf(stream.KindInvalid, "sqlbackend: native join: dataset %q not resident in this backend", left.Dataset)
	}
	rightTable, ok := tableForDataset(right.Dataset)
	if !ok {
		return "", nil, stream.Errorf(stream.KindInvalid, "sqlbackend: native join: dataset %q not resident in this backend", right.Dataset)
	}

	cols := "*"
	if len(selectList) > 0 {
		cols = strings.Join(selectList, ", ")
	} else if len(plan.Projection) > 0 {
		quoted := make([]string, len(plan.Projection))
		for i, c := range plan.Projection {
			quoted[i] = b.dialect.Quote(c)
		}
		cols = joinComma(quoted)
	}

	sqlStr := fmt.Sprintf("SELECT %s FROM %s JOIN %s ON %s.%s = %s.%s",
		cols,
		b.dialect.Quote(leftTable), b.dialect.Quote(rightTable),
		b.dialect.Quote(leftTable), b.dialect.Quote(plan.JoinOn[0]),
		b.dialect.Quote(rightTable), b.dialect.Quote(plan.JoinOn[1]),
	)

	var clauses []string
	var args []any
	for _, f := range append(append([]query.Filter{}, left.Filters...), right.Filters...) {
		clauses = append(clauses, fmt.Sprintf("%s %s %s", b.dialect.Quote(f.Column), f.Op, b.dialect.Placeholder(len(args)+1)))
		args = append(args, f.Value)
	}
	for _, f := range plan.Filters {
		clauses = append(clauses, fmt.Sprintf("%s %s %s", b.dialect.Quote(f.Column), f.Op, b.dialect.Placeholder(len(args)+1)))
		args = append(args, f.Value)
	}
	if len(clauses) > 0 {
		sqlStr += " WHERE " + strings.Join(clauses, " AND ")
	}
	if plan.Limit > 0 {
		sqlStr += fmt.Sprintf(" LIMIT %d", plan.Limit)
	}
	return sqlStr, args, nil
}

func (b *Backend) buildAggregateSQL(plan *query.Plan, tableForDataset func(string) (string, bool)) (string, []any, error) {
	child := plan.Children[0]
	selectParts := make([]string, 0, len(plan.Aggregates))
	var groupBy []string
	if len(plan.Aggregates) > 0 {
		groupBy = plan.Aggregates[0].GroupBy
	}
	for _, g := range groupBy {
		selectParts = append(selectParts, b.dialect.Quote(g))
	}
	for _, a := range plan.Aggregates {
		fn := aggSQLFunc(a.Func)
		col := "*"
		if a.Func != query.AggCount || a.Column != "" {
			col = b.dialect.Quote(a.Column)
		}
		as := a.As
		if as == "" {
			as = strings.ToLower(fn) + "_" + a.Column
		}
		selectParts = append(selectParts, fmt.Sprintf("%s(%s) AS %s", fn, col, b.dialect.Quote(as)))
	}

	var args []any
	switch child.Kind {
	case query.OpScan:
		table, ok := tableForDataset(child.Dataset)
		if !ok {
			return "", nil, stream.Errorf(stream.KindInvalid, "sqlbackend: native aggregate: dataset %q not resident in this backend", child.Dataset)
		}
		fromSQL := b.dialect.Quote(table)
		var clauses []string
		for _, f := range child.Filters {
			clauses = append(clauses, fmt.Sprintf("%s %s %s", b.dialect.Quote(f.Column), f.Op, b.dialect.Placeholder(len(args)+1)))
			args = append(args, f.Value)
		}
		sqlStr := fmt.Sprintf("SELECT %s FROM %s", strings.Join(selectParts, ", "), fromSQL)
		if len(clauses) > 0 {
			sqlStr += " WHERE " + strings.Join(clauses, " AND ")
		}
		if len(groupBy) > 0 {
			quoted := make([]string, len(groupBy))
			for i, g := range groupBy {
				quoted[i] = b.dialect.Quote(g)
			}
			sqlStr += " GROUP BY " + joinComma(quoted)
		}
		return sqlStr, args, nil
	case query.OpJoin:
		joinSQL, joinArgs, jerr := b.buildJoinSQL(child, tableForDataset, selectParts)
		if jerr != nil {
			return "", nil, jerr
		}
		sqlStr := joinSQL
		if len(groupBy) > 0 {
			quoted := make([]string, len(groupBy))
			for i, g := range groupBy {
				quoted[i] = b.dialect.Quote(g)
			}
			sqlStr += " GROUP BY " + joinComma(quoted)
		}
		return sqlStr, joinArgs, nil
	default:
		return "", nil, stream.Errorf(stream.KindInvalid, "sqlbackend: native aggregate child must be Scan or Join, got %v", child.Kind)
	}
}

func aggSQLFunc(f query.AggFunc) string {
	switch f {
	case query.AggCount:
		return "COUNT"
	case query.AggSum:
		return "SUM"
	case query.AggMin:
		return "MIN"
	case query.AggMax:
		return "MAX"
	default:
		return "COUNT"
	}
}

// schemaFromColumnTypes builds an arrow.Schema from the SQL driver's
// reported column types, used for native scans whose output spans columns
// from more than one Dataset's schema.Schema. Best-effort: an
// unrecognized SQL type name decodes as a nullable string column rather
// than failing the whole scan.
func schemaFromColumnTypes(rows *sqlx.Rows) (*arrow.Schema, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	// Not every driver implements ColumnTypes reliably; fall back to an
	// all-string schema rather than failing the scan outright.
	types, _ := rows.ColumnTypes()
	fields := make([]arrow.Field, len(names))
	for i, n := range names {
		dt := arrow.BinaryTypes.String
		if i < len(types) && types[i] != nil {
			dt = arrowTypeForSQL(types[i].DatabaseTypeName())
		}
		fields[i] = arrow.Field{Name: n, Type: dt, Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

func arrowTypeForSQL(name string) arrow.DataType {
	switch strings.ToUpper(name) {
	case "INTEGER", "INT", "INT4", "INT8", "BIGINT", "SMALLINT":
		return arrow.PrimitiveTypes.Int64
	case "REAL", "DOUBLE", "DOUBLE PRECISION", "FLOAT", "FLOAT4", "FLOAT8", "NUMERIC", "DECIMAL":
		return arrow.PrimitiveTypes.Float64
	case "BOOLEAN", "BOOL":
		return arrow.FixedWidthTypes.Boolean
	case "TIMESTAMP", "TIMESTAMPTZ", "DATETIME":
		return arrow.FixedWidthTypes.Timestamp_us
	default:
		return arrow.BinaryTypes.String
	}
}

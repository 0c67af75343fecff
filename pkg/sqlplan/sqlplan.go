// Package sqlplan is a convenience SQL front-end, not a general SQL
// engine (full SQL parsing is a collaborator's job): it translates a
// single-table or simple two-table-join SELECT statement into a
// query.Plan, using the TiDB parser to walk the AST rather than
// hand-rolling a tokenizer. Anything the translator cannot express —
// subqueries, UNIONs, OR predicates, more than one join, window
// functions, ORDER BY — is rejected with Invalid
// rather than guessed at.
package sqlplan

import (
	"fmt"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/opcode"
	driver "github.com/pingcap/tidb/pkg/types/parser_driver"

	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/stream"
)

// Parse translates sql into a query.Plan. Only a single top-level SELECT
// is accepted; anything else (DDL, multiple statements, a trailing
// semicolon aside) is rejected.
func Parse(sql string) (*query.Plan, error) {
	p := parser.New()
	stmtNodes, _, err := p.Parse(sql, "", "")
	if err != nil {
		return nil, stream.Errorf(stream.KindInvalid, "sqlplan: %w", err)
	}
	if len(stmtNodes) != 1 {
		return nil, stream.Errorf(stream.KindInvalid, "sqlplan: expected exactly one statement, got %d", len(stmtNodes))
	}
	sel, ok := stmtNodes[0].(*ast.SelectStmt)
	if !ok {
		return nil, stream.Errorf(stream.KindInvalid, "sqlplan: only SELECT statements are supported")
	}
	return translate(sel)
}

func translate(sel *ast.SelectStmt) (*query.Plan, error) {
	if sel.From == nil {
		return nil, stream.Errorf(stream.KindInvalid, "sqlplan: SELECT without FROM is not supported")
	}
	if sel.OrderBy != nil {
		return nil, stream.Errorf(stream.KindInvalid, "sqlplan: ORDER BY is not supported")
	}

	scan, joinOn, err := translateFrom(sel.From.TableRefs)
	if err != nil {
		return nil, err
	}

	var filters []query.Filter
	if sel.Where != nil {
		filters, err = translateWhere(sel.Where)
		if err != nil {
			return nil, err
		}
	}

	groupBy, err := translateGroupBy(sel.GroupBy)
	if err != nil {
		return nil, err
	}
	projection, aggregates, err := translateFields(sel.Fields)
	if err != nil {
		return nil, err
	}

	limit := 0
	if sel.Limit != nil {
		n, err := literalInt(sel.Limit.Count)
		if err != nil {
			return nil, stream.Errorf(stream.KindInvalid, "sqlplan: LIMIT must be a literal integer: %w", err)
		}
		limit = int(n)
	}

	var root *query.Plan
	switch len(scan) {
	case 1:
		root = scan[0]
		root.Filters = filters
	case 2:
		root = &query.Plan{
			Kind:     query.OpJoin,
			JoinOn:   joinOn,
			Filters:  filters,
			Children: []*query.Plan{scan[0], scan[1]},
		}
	default:
		return nil, stream.Errorf(stream.KindInvalid, "sqlplan: only single-table or two-table joins are supported, got %d tables", len(scan))
	}

	if len(aggregates) > 0 {
		for i := range aggregates {
			aggregates[i].GroupBy = groupBy
		}
		root = &query.Plan{Kind: query.OpAggregate, Aggregates: aggregates, Children: []*query.Plan{root}}
		if limit > 0 {
			root.Limit = limit
		}
		return root, nil
	}

	root.Projection = projection
	root.Limit = limit
	return root, nil
}

// translateFrom walks a single TableRefsClause, accepting either a bare
// table or a two-table equi-join. Returns one or two Scan leaves plus the
// join's [left, right] equi-join columns (zero value if there's no join).
func translateFrom(refs *ast.Join) ([]*query.Plan, [2]string, error) {
	if refs.Right == nil {
		name, err := tableName(refs.Left)
		if err != nil {
			return nil, [2]string{}, err
		}
		return []*query.Plan{query.Scan(name)}, [2]string{}, nil
	}

	leftName, err := tableName(refs.Left)
	if err != nil {
		return nil, [2]string{}, err
	}
	rightName, err := tableName(refs.Right)
	if err != nil {
		return nil, [2]string{}, err
	}
	if refs.On == nil {
		return nil, [2]string{}, stream.Errorf(stream.KindInvalid, "sqlplan: join without ON condition is not supported")
	}
	leftCol, rightCol, err := translateJoinOn(refs.On.Expr)
	if err != nil {
		return nil, [2]string{}, err
	}
	return []*query.Plan{query.Scan(leftName), query.Scan(rightName)}, [2]string{leftCol, rightCol}, nil
}

func tableName(node ast.ResultSetNode) (string, error) {
	src, ok := node.(*ast.TableSource)
	if !ok {
		return "", stream.Errorf(stream.KindInvalid, "sqlplan: expected a table reference")
	}
	tn, ok := src.Source.(*ast.TableName)
	if !ok {
		return "", stream.Errorf(stream.KindInvalid, "sqlplan: subqueries in FROM are not supported")
	}
	return tn.Name.O, nil
}

func translateJoinOn(expr ast.ExprNode) (string, string, error) {
	bin, ok := expr.(*ast.BinaryOperationExpr)
	if !ok || bin.Op != opcode.EQ {
		return "", "", stream.Errorf(stream.KindInvalid, "sqlplan: join ON must be a single column equality")
	}
	left, ok := bin.L.(*ast.ColumnNameExpr)
	if !ok {
		return "", "", stream.Errorf(stream.KindInvalid, "sqlplan: join ON must compare columns")
	}
	right, ok := bin.R.(*ast.ColumnNameExpr)
	if !ok {
		return "", "", stream.Errorf(stream.KindInvalid, "sqlplan: join ON must compare columns")
	}
	return left.Name.Name.O, right.Name.Name.O, nil
}

// translateWhere accepts a conjunction (AND-only) of column-op-literal
// predicates; anything else (OR, subqueries, function calls) is rejected.
func translateWhere(expr ast.ExprNode) ([]query.Filter, error) {
	if bin, ok := expr.(*ast.BinaryOperationExpr); ok && bin.Op == opcode.LogicAnd {
		left, err := translateWhere(bin.L)
		if err != nil {
			return nil, err
		}
		right, err := translateWhere(bin.R)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil
	}
	f, err := translatePredicate(expr)
	if err != nil {
		return nil, err
	}
	return []query.Filter{f}, nil
}

func translatePredicate(expr ast.ExprNode) (query.Filter, error) {
	bin, ok := expr.(*ast.BinaryOperationExpr)
	if !ok {
		return query.Filter{}, stream.Errorf(stream.KindInvalid, "sqlplan: WHERE must be a conjunction of column comparisons")
	}
	op, err := translateOp(bin.Op)
	if err != nil {
		return query.Filter{}, err
	}
	col, ok := bin.L.(*ast.ColumnNameExpr)
	if !ok {
		return query.Filter{}, stream.Errorf(stream.KindInvalid, "sqlplan: WHERE comparisons must have a column on the left")
	}
	val, err := literalValue(bin.R)
	if err != nil {
		return query.Filter{}, err
	}
	return query.Filter{Column: col.Name.Name.O, Op: op, Value: val}, nil
}

func translateOp(op opcode.Op) (query.Op, error) {
	switch op {
	case opcode.EQ:
		return query.OpEq, nil
	case opcode.NE:
		return query.OpNeq, nil
	case opcode.LT:
		return query.OpLt, nil
	case opcode.LE:
		return query.OpLte, nil
	case opcode.GT:
		return query.OpGt, nil
	case opcode.GE:
		return query.OpGte, nil
	default:
		return 0, stream.Errorf(stream.KindInvalid, "sqlplan: unsupported comparison operator %v", op)
	}
}

func literalValue(expr ast.ExprNode) (any, error) {
	v, ok := expr.(*driver.ValueExpr)
	if !ok {
		return nil, stream.Errorf(stream.KindInvalid, "sqlplan: WHERE comparisons must have a literal on the right")
	}
	return v.GetValue(), nil
}

func literalInt(expr ast.ExprNode) (int64, error) {
	val, err := literalValue(expr)
	if err != nil {
		return 0, err
	}
	switch n := val.(type) {
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("sqlplan: expected an integer literal, got %T", val)
	}
}

func translateGroupBy(gb *ast.GroupByClause) ([]string, error) {
	if gb == nil {
		return nil, nil
	}
	cols := make([]string, 0, len(gb.Items))
	for _, item := range gb.Items {
		col, ok := item.Expr.(*ast.ColumnNameExpr)
		if !ok {
			return nil, stream.Errorf(stream.KindInvalid, "sqlplan: GROUP BY items must be plain columns")
		}
		cols = append(cols, col.Name.Name.O)
	}
	return cols, nil
}

// translateFields separates a SELECT's field list into either a plain
// projection (every field a bare column or `*`) or a set of aggregate
// outputs (every field an aggregate function call); mixing the two forms
// in one statement is rejected, since this front-end doesn't model the
// functional-dependency rule that lets a plain column appear alongside an
// aggregate only when it's also a GROUP BY key.
func translateFields(fields *ast.FieldList) (query.Projection, []query.Aggregate, error) {
	if fields == nil {
		return nil, nil, nil
	}
	var projection query.Projection
	var aggregates []query.Aggregate
	for _, f := range fields.Fields {
		if f.WildCard != nil {
			continue
		}
		switch expr := f.Expr.(type) {
		case *ast.ColumnNameExpr:
			projection = append(projection, expr.Name.Name.O)
		case *ast.AggregateFuncExpr:
			agg, err := translateAggregate(expr, f.AsName.O)
			if err != nil {
				return nil, nil, err
			}
			aggregates = append(aggregates, agg)
		default:
			return nil, nil, stream.Errorf(stream.KindInvalid, "sqlplan: unsupported select expression")
		}
	}
	if len(projection) > 0 && len(aggregates) > 0 {
		return nil, nil, stream.Errorf(stream.KindInvalid, "sqlplan: mixing plain columns and aggregate functions is not supported")
	}
	return projection, aggregates, nil
}

func translateAggregate(expr *ast.AggregateFuncExpr, as string) (query.Aggregate, error) {
	fn, err := translateAggFunc(expr.F)
	if err != nil {
		return query.Aggregate{}, err
	}
	col := ""
	if len(expr.Args) == 1 {
		if c, ok := expr.Args[0].(*ast.ColumnNameExpr); ok {
			col = c.Name.Name.O
		} else if _, ok := expr.Args[0].(*ast.ColumnNameExpr); !ok && fn != query.AggCount {
			return query.Aggregate{}, stream.Errorf(stream.KindInvalid, "sqlplan: aggregate argument must be a plain column")
		}
	}
	if as == "" {
		as = strings.ToLower(expr.F) + "_" + col
	}
	return query.Aggregate{Func: fn, Column: col, As: as}, nil
}

func translateAggFunc(name string) (query.AggFunc, error) {
	switch strings.ToUpper(name) {
	case "COUNT":
		return query.AggCount, nil
	case "SUM":
		return query.AggSum, nil
	case "MIN":
		return query.AggMin, nil
	case "MAX":
		return query.AggMax, nil
	default:
		return 0, stream.Errorf(stream.KindInvalid, "sqlplan: unsupported aggregate function %s", name)
	}
}

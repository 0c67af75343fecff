// Package query holds the small, shared relational vocabulary — filters,
// projections, and the Plan/SubPlan tree — that Source Connectors,
// Acceleration Backends, the Federation Planner, the compute engine, and
// the SQL front-end all need to agree on without importing each other.
package query

import "fmt"

// Op is a comparison operator usable in a pushdown-able Filter.
type Op int

const (
	OpEq Op = iota
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNeq:
		return "!="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	default:
		return "?"
	}
}

// Filter is a single column-comparison predicate. Connectors and backends
// report any Filter they could not evaluate back to the caller as a
// residual filter; the compute engine then re-applies it
// so testable property 7 (residual filters) always holds regardless of
// what was pushed down.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

func (f Filter) String() string {
	return fmt.Sprintf("%s %s %v", f.Column, f.Op, f.Value)
}

// Projection is an ordered list of column names to retain; nil or empty
// means "all columns".
type Projection []string

// Target names where a Plan node executes.
type Target int

const (
	TargetUnrouted Target = iota
	TargetLocal
	TargetRemote
	TargetCompute
)

func (t Target) String() string {
	switch t {
	case TargetLocal:
		return "local"
	case TargetRemote:
		return "remote"
	case TargetCompute:
		return "compute"
	default:
		return "unrouted"
	}
}

// OperatorKind is the relational node type of a Plan.
type OperatorKind int

const (
	OpScan OperatorKind = iota
	OpFilterNode
	OpProjectNode
	OpJoin
	OpAggregate
	OpLimitNode
)

// AggFunc is a supported aggregate function.
type AggFunc int

const (
	AggCount AggFunc = iota
	AggSum
	AggMin
	AggMax
)

// Aggregate describes one aggregate output column, optionally grouped.
type Aggregate struct {
	Func    AggFunc
	Column  string
	As      string
	GroupBy []string
}

// Plan is a node in a relational operator tree. A Scan node
// names the Dataset it reads; a Join node's children are its two inputs
// and JoinOn names the equi-join columns on the left and right child
// respectively. Target is assigned by the Federation Planner, not by
// whoever builds the Plan.
type Plan struct {
	Kind       OperatorKind
	Dataset    string
	Target     Target
	Filters    []Filter
	Projection Projection
	Limit      int
	Aggregates []Aggregate
	JoinOn     [2]string
	Children   []*Plan
}

// Scan builds a leaf Plan reading dataset.
func Scan(dataset string) *Plan {
	return &Plan{Kind: OpScan, Dataset: dataset}
}

func (p *Plan) WithFilters(f ...Filter) *Plan {
	p.Filters = append(p.Filters, f...)
	return p
}

func (p *Plan) WithProjection(cols ...string) *Plan {
	p.Projection = cols
	return p
}

func (p *Plan) WithLimit(n int) *Plan {
	p.Limit = n
	return p
}

// Datasets returns every dataset name referenced by Scan nodes under p, in
// tree order, without duplicates.
func (p *Plan) Datasets() []string {
	seen := map[string]bool{}
	var out []string
	var walk func(*Plan)
	walk = func(n *Plan) {
		if n == nil {
			return
		}
		if n.Kind == OpScan && !seen[n.Dataset] {
			seen[n.Dataset] = true
			out = append(out, n.Dataset)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(p)
	return out
}

package compute

import (
	"context"

	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/stream"
)

// Resolver supplies the Stream for a Scan leaf, already bound to whatever
// projection/filters that dataset's own Controller could push down; Run
// re-applies anything still outstanding. Resolution is per-dataset rather
// than per-backend since pkg/federation already decided routing before
// handing the tree to Run.
type Resolver func(ctx context.Context, dataset string, projection query.Projection, filters []query.Filter) (stream.Stream, []query.Filter, error)

// Run executes a query.Plan tree in-process, used by the Federation
// Planner for the parts of a cross-dataset plan that could not be pushed
// into a single Acceleration Backend. It walks the Plan/SubPlan tree
// bottom-up: build sub-plans, execute leaves, join, then apply post-join
// filter/project/aggregate/limit.
func Run(ctx context.Context, plan *query.Plan, resolve Resolver) (stream.Stream, error) {
	switch plan.Kind {
	case query.OpScan:
		s, residual, err := resolve(ctx, plan.Dataset, plan.Projection, plan.Filters)
		if err != nil {
			return nil, err
		}
		s = Filter(s, residual)
		if len(plan.Projection) > 0 {
			s = Project(s, plan.Projection)
		}
		if plan.Limit > 0 {
			s = Limit(s, plan.Limit)
		}
		return s, nil

	case query.OpJoin:
		if len(plan.Children) != 2 {
			return nil, stream.Errorf(stream.KindInvalid, "compute: join node needs exactly two children, got %d", len(plan.Children))
		}
		left, err := Run(ctx, plan.Children[0], resolve)
		if err != nil {
			return nil, err
		}
		right, err := Run(ctx, plan.Children[1], resolve)
		if err != nil {
			left.Cancel()
			return nil, err
		}
		joined, err := HashJoin(ctx, left, right, plan.JoinOn[0], plan.JoinOn[1])
		if err != nil {
			return nil, err
		}
		joined = Filter(joined, plan.Filters)
		if len(plan.Projection) > 0 {
			joined = Project(joined, plan.Projection)
		}
		if plan.Limit > 0 {
			joined = Limit(joined, plan.Limit)
		}
		return joined, nil

	case query.OpAggregate:
		if len(plan.Children) != 1 {
			return nil, stream.Errorf(stream.KindInvalid, "compute: aggregate node needs exactly one child, got %d", len(plan.Children))
		}
		in, err := Run(ctx, plan.Children[0], resolve)
		if err != nil {
			return nil, err
		}
		return Aggregate(ctx, in, plan.Aggregates)

	case query.OpFilterNode, query.OpProjectNode, query.OpLimitNode:
		if len(plan.Children) != 1 {
			return nil, stream.Errorf(stream.KindInvalid, "compute: %v node needs exactly one child, got %d", plan.Kind, len(plan.Children))
		}
		in, err := Run(ctx, plan.Children[0], resolve)
		if err != nil {
			return nil, err
		}
		in = Filter(in, plan.Filters)
		if len(plan.Projection) > 0 {
			in = Project(in, plan.Projection)
		}
		if plan.Limit > 0 {
			in = Limit(in, plan.Limit)
		}
		return in, nil

	default:
		return nil, stream.Errorf(stream.KindInvalid, "compute: unsupported plan node kind %v", plan.Kind)
	}
}

// Package federation implements the Federation Planner: given
// a logical query.Plan over one or more Datasets, it decides per-scan
// whether to route local (the AcceleratedTable), remote (straight through
// the Source Connector), or fail Unavailable, then rewrites same-backend
// joins/aggregations into a single native query where possible and hands
// whatever remains to pkg/compute.
package federation

import (
	"context"
	"fmt"
	"time"

	"github.com/lakeforge/accelerate/pkg/accel"
	"github.com/lakeforge/accelerate/pkg/compute"
	"github.com/lakeforge/accelerate/pkg/dataset"
	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/stream"
)

// Lookup resolves a dataset name to its Controller. The Registry supplies
// this (as a bound method value) rather than the Planner importing the
// Registry directly, the same inversion pkg/compute's Resolver uses to
// stay agnostic of how a Scan's Stream is actually produced.
type Lookup func(name string) (*dataset.Controller, bool)

// Policy controls routing choices not implied by Controller/Connector
// state alone.
type Policy struct {
	// RemoteFallback allows routing to the Source Connector directly when
	// the local AcceleratedTable is stale beyond tolerance or otherwise
	// unavailable.
	RemoteFallback bool
}

// Planner is stateless beyond its Lookup/Policy/Clock; callers typically
// keep one per process, shared across every query.
type Planner struct {
	lookup Lookup
	policy Policy
	now    func() time.Time
}

// New builds a Planner. now defaults to time.Now if nil (tests inject a
// fixed clock to make staleness routing deterministic, spec testable
// property 9).
func New(lookup Lookup, policy Policy, now func() time.Time) *Planner {
	if now == nil {
		now = time.Now
	}
	return &Planner{lookup: lookup, policy: policy, now: now}
}

// route is the outcome of step 1-2 for a single Scan leaf: the chosen
// Target plus whatever collaborator will actually serve it.
type route struct {
	target     query.Target
	controller *dataset.Controller
}

func (p *Planner) routeDataset(ctx context.Context, name string) (route, error) {
	ctrl, ok := p.lookup(name)
	if !ok {
		return route{}, stream.Errorf(stream.KindUnavailable, "federation: dataset %q is not registered", name)
	}
	switch ctrl.State() {
	case dataset.StateReady, dataset.StateRefreshing:
		if !ctrl.Stale(p.now()) {
			return route{target: query.TargetLocal, controller: ctrl}, nil
		}
	}
	if p.policy.RemoteFallback {
		if _, _, err := ctrl.Source.Describe(ctx); err == nil {
			// The Source Connector is always a legitimate remote target
			// once policy allows fallback and it can describe itself;
			// which pushdowns it actually honors is decided per-call by
			// what it reports back as residual, not a precondition for
			// routing.
			return route{target: query.TargetRemote, controller: ctrl}, nil
		}
	}
	return route{}, stream.Errorf(stream.KindUnavailable, "federation: dataset %q has no viable route (state=%s, remote_fallback=%v)", name, ctrl.State(), p.policy.RemoteFallback)
}

// nativeCall records a same-backend Join/Aggregate subtree rewriteSameBackend
// replaced with a synthetic Scan leaf, so the Resolver can dispatch it to
// NativeQuerier instead of pkg/compute without compute.Run needing any
// native-execution awareness of its own.
type nativeCall struct {
	backend         accel.NativeQuerier
	plan            *query.Plan
	tableForDataset func(dataset string) (string, bool)
}

// Plan assigns a Target to every Scan leaf in root, rewrites any join or
// aggregate whose Scan children all resolved to the same backend into a
// single NativeQuerier call, and returns a Resolver that runs whatever is
// left through pkg/compute. It does not execute anything itself; call
// compute.Run(ctx, plan, resolver) on the result.
func (p *Planner) Plan(ctx context.Context, root *query.Plan) (*query.Plan, compute.Resolver, error) {
	routes := map[string]route{}
	for _, name := range root.Datasets() {
		r, err := p.routeDataset(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		routes[name] = r
	}

	routed := annotate(root, routes)
	natives := map[string]nativeCall{}
	rewritten := rewriteSameBackend(routed, routes, natives)

	resolver := func(ctx context.Context, dataset string, proj query.Projection, filters []query.Filter) (stream.Stream, []query.Filter, error) {
		if nc, ok := natives[dataset]; ok {
			s, err := nc.backend.NativeScan(ctx, nc.plan, nc.tableForDataset)
			return s, nil, err
		}
		r, ok := routes[dataset]
		if !ok {
			return nil, nil, stream.Errorf(stream.KindUnavailable, "federation: dataset %q has no resolved route", dataset)
		}
		switch r.target {
		case query.TargetLocal:
			return r.controller.Scan(ctx, proj, filters)
		case query.TargetRemote:
			limit := 0
			s, residual, err := r.controller.Source.Scan(ctx, proj, filters, limit)
			return s, residual, err
		default:
			return nil, nil, stream.Errorf(stream.KindUnavailable, "federation: dataset %q routed to no target", dataset)
		}
	}
	return rewritten, resolver, nil
}

// annotate returns a copy of plan with every Scan leaf's Target field set
// per routes. Non-scan nodes are copied with annotated children.
func annotate(plan *query.Plan, routes map[string]route) *query.Plan {
	if plan == nil {
		return nil
	}
	out := *plan
	if plan.Kind == query.OpScan {
		out.Target = routes[plan.Dataset].target
		return &out
	}
	out.Children = make([]*query.Plan, len(plan.Children))
	for i, c := range plan.Children {
		out.Children[i] = annotate(c, routes)
	}
	return &out
}

// backendIdentityKey returns a stable string identifying the physical
// engine behind r's Backend, so two Datasets backed by separate Backend
// Go values (the normal case: one Controller owns exactly one Backend
// scoped to a single table) can still be recognized as co-resident for
// cross-dataset pushdown. Backends implementing
// accel.BackendIdentity (sqlbackend.Backend: driver+DSN) compare by that
// key; anything else (e.g. pkg/accel/memory, where every instance is its
// own isolated store) falls back to Go value identity, which for those
// backends is also the correct answer since they're never truly shared.
func backendIdentityKey(r route) (string, bool) {
	if r.target != query.TargetLocal || r.controller == nil {
		return "", false
	}
	if bi, ok := r.controller.Backend.(accel.BackendIdentity); ok {
		return bi.BackendKey(), true
	}
	return fmt.Sprintf("%p", r.controller.Backend), true
}

// tableForDatasetFunc builds the dataset-name -> table-name lookup
// NativeScan needs, from whichever routed Backend implements
// accel.TableNamer. A Backend that doesn't expose a table name (nothing
// besides sqlbackend needs to) simply never resolves, failing that leaf's
// NativeScan with Invalid rather than guessing.
func tableForDatasetFunc(routes map[string]route) func(dataset string) (string, bool) {
	return func(name string) (string, bool) {
		r, ok := routes[name]
		if !ok || r.target != query.TargetLocal || r.controller == nil {
			return "", false
		}
		tn, ok := r.controller.Backend.(accel.TableNamer)
		if !ok {
			return "", false
		}
		return tn.Table(), true
	}
}

// rewriteSameBackend replaces a Join or Aggregate node whose Scan
// descendants all route locally to the same Backend, and where that
// Backend implements NativeQuerier, with a synthetic Scan leaf recorded in
// natives. The Resolver dispatches a synthetic leaf straight to
// NativeQuerier instead of treating it as an ordinary Dataset scan, so
// compute.Run never needs to know native execution exists. Everything
// else is left for compute.Run.
func rewriteSameBackend(plan *query.Plan, routes map[string]route, natives map[string]nativeCall) *query.Plan {
	if plan == nil {
		return nil
	}
	if plan.Kind == query.OpJoin || plan.Kind == query.OpAggregate {
		if backend, ok := commonNativeBackend(plan, routes); ok {
			name := fmt.Sprintf("__native_%d__", len(natives))
			natives[name] = nativeCall{
				backend:         backend,
				plan:            plan,
				tableForDataset: tableForDatasetFunc(routes),
			}
			return &query.Plan{Kind: query.OpScan, Dataset: name, Target: query.TargetLocal}
		}
	}
	if len(plan.Children) == 0 {
		return plan
	}
	out := *plan
	out.Children = make([]*query.Plan, len(plan.Children))
	for i, c := range plan.Children {
		out.Children[i] = rewriteSameBackend(c, routes, natives)
	}
	return &out
}

// commonNativeBackend reports whether every Scan leaf under plan routes
// locally to the same Backend (by backendIdentityKey) and that Backend
// supports NativeQuerier.
func commonNativeBackend(plan *query.Plan, routes map[string]route) (accel.NativeQuerier, bool) {
	datasets := plan.Datasets()
	if len(datasets) == 0 {
		return nil, false
	}
	var commonKey string
	var commonBackend accel.Backend
	for i, name := range datasets {
		r, ok := routes[name]
		if !ok {
			return nil, false
		}
		key, ok := backendIdentityKey(r)
		if !ok {
			return nil, false
		}
		if i == 0 {
			commonKey = key
			commonBackend = r.controller.Backend
		} else if key != commonKey {
			return nil, false
		}
	}
	nq, ok := commonBackend.(accel.NativeQuerier)
	if !ok {
		return nil, false
	}
	return nq, true
}

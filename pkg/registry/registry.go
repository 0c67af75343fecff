// Package registry implements the process-wide Registry & Lifecycle
// component: the directory mapping dataset name to
// dataset.Controller, with register/unregister/reload transitions and a
// fair shutdown. Shutdown tears down every owned Controller, collecting
// errors rather than aborting on the first one.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lakeforge/accelerate/pkg/accel"
	"github.com/lakeforge/accelerate/pkg/dataset"
	"github.com/lakeforge/accelerate/pkg/refresh"
	"github.com/lakeforge/accelerate/pkg/schema"
	"github.com/lakeforge/accelerate/pkg/source"
	"github.com/lakeforge/accelerate/pkg/stream"
)

// validate enforces the structural half of its "Unknown options are
// rejected at registration with Invalid": required fields and the
// OnConflict enum's two legal values. The semantic half is checked outside
// struct tags: validateSpec rejects an empty schema, and build rejects an
// unknown source or backend kind through source.New/accel.New. Primary-key
// columns are not checked against the schema's columns.
var validate = validator.New()

// Spec is a Dataset's declarative definition. Source/Backend kinds are resolved through
// source.New/accel.New's factory registries, the same kind-string
// indirection both packages already use for their concrete connectors and
// backends.
type Spec struct {
	Name          string           `validate:"required"`
	SourceKind    string           `validate:"required"`
	SourceParams  map[string]any   `validate:"omitempty"`
	Schema        schema.Schema    `validate:"required"`
	BackendKind   string           `validate:"required"`
	BackendParams map[string]any   `validate:"omitempty"`
	OnConflict    accel.OnConflict `validate:"oneof=0 1"`
	Refresh       refresh.Policy   `validate:"-"`
}

// validateSpec is the entry point both Register and Reload run before
// touching the directory, so an invalid Spec never reaches build and
// therefore never creates an AcceleratedTable (spec testable property 10).
func validateSpec(spec *Spec) error {
	if err := validate.Struct(spec); err != nil {
		return stream.Errorf(stream.KindInvalid, "registry: invalid dataset spec %q: %v", spec.Name, err)
	}
	if len(spec.Schema.Columns) == 0 {
		return stream.Errorf(stream.KindInvalid, "registry: dataset %q has an empty schema", spec.Name)
	}
	return nil
}

// entry pairs a live Controller with the Spec it was built from, so Reload
// can diff the new Spec's schema against what's running.
type entry struct {
	spec *Spec
	ctrl *dataset.Controller
}

// Registry is the process-wide directory of datasets. The
// zero value is not usable; build one with New.
type Registry struct {
	mu       sync.RWMutex
	datasets map[string]*entry
	closed   bool
}

func New() *Registry {
	return &Registry{datasets: map[string]*entry{}}
}

// Register builds a Controller from spec, runs its initial load (or
// defers it per policy), and adds it to the directory. Returns Invalid if
// a dataset by that name already exists or the Registry is shutting down.
func (r *Registry) Register(ctx context.Context, spec *Spec) (*dataset.Controller, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, stream.Errorf(stream.KindInvalid, "registry: cannot register %q, registry is shutting down", spec.Name)
	}
	if _, exists := r.datasets[spec.Name]; exists {
		r.mu.Unlock()
		return nil, stream.Errorf(stream.KindInvalid, "registry: dataset %q already registered", spec.Name)
	}
	r.mu.Unlock()

	ctrl, err := r.build(spec)
	if err != nil {
		return nil, err
	}
	if err := ctrl.Initialize(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = ctrl.Remove(ctx)
		return nil, stream.Errorf(stream.KindInvalid, "registry: cannot register %q, registry is shutting down", spec.Name)
	}
	if _, exists := r.datasets[spec.Name]; exists {
		_ = ctrl.Remove(ctx)
		return nil, stream.Errorf(stream.KindInvalid, "registry: dataset %q already registered", spec.Name)
	}
	r.datasets[spec.Name] = &entry{spec: spec, ctrl: ctrl}
	return ctrl, nil
}

func (r *Registry) build(spec *Spec) (*dataset.Controller, error) {
	src, err := source.New(spec.SourceKind, spec.SourceParams)
	if err != nil {
		return nil, err
	}
	backend, err := accel.New(spec.BackendKind, spec.BackendParams)
	if err != nil {
		return nil, err
	}
	return dataset.New(spec.Name, src, backend, spec.Schema, spec.OnConflict, spec.Refresh), nil
}

// Unregister cancels any in-flight refresh, releases the dataset's
// backend, and removes it from the directory.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.datasets[name]
	if !ok {
		r.mu.Unlock()
		return stream.Errorf(stream.KindInvalid, "registry: dataset %q not registered", name)
	}
	delete(r.datasets, name)
	r.mu.Unlock()

	return e.ctrl.Remove(ctx)
}

// Reload replaces a registered dataset's definition in place:
// schema-compatible changes keep the AcceleratedTable and its watermark
// and run an append refresh to pick up the difference; incompatible
// changes tear down the old Controller and register fresh, which performs
// a full create_or_replace load.
func (r *Registry) Reload(ctx context.Context, spec *Spec) (*dataset.Controller, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	r.mu.RLock()
	old, ok := r.datasets[spec.Name]
	r.mu.RUnlock()
	if !ok {
		return r.Register(ctx, spec)
	}

	compatErr := spec.Schema.CompatibleWith(old.spec.Schema)
	if compatErr != nil {
		if err := r.Unregister(ctx, spec.Name); err != nil {
			return nil, err
		}
		return r.Register(ctx, spec)
	}

	// Schema-compatible: carry the existing AcceleratedTable and watermark
	// forward into a new Controller bound to the new definition's
	// Source/policy, and drive it with an append task instead of
	// Initialize's full load, so the data already materialized isn't
	// discarded and rebuilt for a merely compatible change (§4.7). The old
	// Controller's Backend is handed to the new one rather than closed by
	// Unregister; only the old Controller object itself is discarded.
	old.ctrl.CancelRefresh()
	src, err := source.New(spec.SourceKind, spec.SourceParams)
	if err != nil {
		return nil, err
	}
	ctrl := dataset.New(spec.Name, src, old.ctrl.Backend, spec.Schema, spec.OnConflict, spec.Refresh)
	ctrl.Engine.SeedWatermark(old.ctrl.Engine.Watermark())
	if err := ctrl.InitializeAppend(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.datasets[spec.Name] = &entry{spec: spec, ctrl: ctrl}
	return ctrl, nil
}

// Get returns the Controller registered under name.
func (r *Registry) Get(name string) (*dataset.Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.datasets[name]
	if !ok {
		return nil, false
	}
	return e.ctrl, true
}

// Lookup adapts Get to federation.Lookup's signature without pkg/registry
// needing to import pkg/federation.
func (r *Registry) Lookup(name string) (*dataset.Controller, bool) { return r.Get(name) }

// List returns every registered dataset name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.datasets))
	for name := range r.datasets {
		names = append(names, name)
	}
	return names
}

// Info is the summary Describe returns.
type Info struct {
	State     dataset.State
	Freshness time.Duration
	RowCount  int64
}

func (r *Registry) Describe(ctx context.Context, name string) (Info, error) {
	ctrl, ok := r.Get(name)
	if !ok {
		return Info{}, stream.Errorf(stream.KindInvalid, "registry: dataset %q not registered", name)
	}
	rows, err := ctrl.Backend.RowCount(ctx)
	if err != nil {
		return Info{}, err
	}
	return Info{
		State:     ctrl.State(),
		Freshness: ctrl.Freshness(time.Now()),
		RowCount:  rows,
	}, nil
}

// Shutdown stops accepting new registrations, cancels every running
// refresh, waits up to deadline for in-flight work to settle, then
// releases every backend regardless of whether the deadline was met,
// collecting per-Controller errors rather than aborting on the first one.
func (r *Registry) Shutdown(ctx context.Context, deadline time.Duration) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.datasets))
	for _, e := range r.datasets {
		entries = append(entries, e)
	}
	r.datasets = map[string]*entry{}
	r.mu.Unlock()

	for _, e := range entries {
		e.ctrl.CancelRefresh()
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	drainUntilIdle(deadlineCtx, entries)

	var errs []error
	for _, e := range entries {
		if err := e.ctrl.Remove(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("registry: dataset %s: %w", e.ctrl.Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("registry: shutdown encountered %d error(s): %v", len(errs), errs)
	}
	return nil
}

// drainUntilIdle polls every entry's Controller until none report
// StateRefreshing or ctx's deadline passes, whichever comes first —
// letting a fast shutdown proceed immediately instead of always waiting
// out the full deadline.
func drainUntilIdle(ctx context.Context, entries []*entry) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		busy := false
		for _, e := range entries {
			if e.ctrl.State() == dataset.StateRefreshing {
				busy = true
				break
			}
		}
		if !busy {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

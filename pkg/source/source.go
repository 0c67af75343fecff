// Package source defines the Source Connector contract: the
// adapter between an external dataset and the Record Stream abstraction,
// plus a kind-keyed factory registry so a DatasetSpec's source.kind string
// can be turned into a live Connector without the Registry importing every
// concrete connector package.
package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/schema"
	"github.com/lakeforge/accelerate/pkg/stream"
)

// Capabilities enumerates what a Connector can evaluate itself, so the
// Refresh Engine and Federation Planner know what they still need to do
// after a scan.
type Capabilities struct {
	FilterPushdown     bool
	ProjectionPushdown bool
	LimitPushdown      bool
	WatermarkColumn    string // empty if the connector has none
	SupportsChanges    bool
}

// Connector adapts one external dataset to the Record Stream contract.
// ScanSince is only meaningful when Describe reports SupportsChanges;
// implementations that don't support it return stream.ErrInvalid.
type Connector interface {
	Describe(ctx context.Context) (schema.Schema, Capabilities, error)
	// Scan returns a Stream over the given projection/filters/limit, plus
	// any filters the connector could not evaluate (the engine re-applies
	// those). limit <= 0 means unlimited.
	Scan(ctx context.Context, projection query.Projection, filters []query.Filter, limit int) (stream.Stream, []query.Filter, error)
	// ScanSince emits rows whose watermark column is strictly greater than
	// since. Only valid when Capabilities.SupportsChanges.
	ScanSince(ctx context.Context, since string) (stream.Stream, error)
}

// Factory builds a Connector from the source.params map of a DatasetSpec.
type Factory func(params map[string]any) (Connector, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register associates kind with a Factory. Intended to be called from an
// init() in each connector package, e.g. sqlsrc and mysqlcdc.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = f
}

// New builds a Connector of the given kind. Returns a stream.KindError of
// KindInvalid if kind is not registered — this is what makes an unknown
// source.kind in a DatasetSpec a rejection at registration with Invalid.
func New(kind string, params map[string]any) (Connector, error) {
	mu.RLock()
	f, ok := factories[kind]
	mu.RUnlock()
	if !ok {
		return nil, stream.Errorf(stream.KindInvalid, "source: unknown connector kind %q", kind)
	}
	c, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("source: building %q connector: %w", kind, err)
	}
	return c, nil
}

// Registered reports whether kind has a registered Factory. Exposed mainly
// for DatasetSpec validation before a full New call.
func Registered(kind string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := factories[kind]
	return ok
}

// Package dataset implements the Dataset Controller state machine: the
// per-dataset object the Registry hands out, wrapping a
// refresh.Engine and an accel.Backend behind a state machine that keeps
// scans snapshot-consistent even while a refresh is in flight. State reads
// and writes go through an atomic value so a concurrent scan never
// observes a torn state transition, and Remove flips the state to
// Removing before releasing the backend.
package dataset

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"

	"github.com/lakeforge/accelerate/pkg/accel"
	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/refresh"
	"github.com/lakeforge/accelerate/pkg/schema"
	"github.com/lakeforge/accelerate/pkg/source"
	"github.com/lakeforge/accelerate/pkg/stream"
)

// Controller owns one Dataset's full lifecycle: its Source Connector,
// Acceleration Backend, and Refresh Engine.
type Controller struct {
	Name    string
	Schema  schema.Schema
	Source  source.Connector
	Backend accel.Backend
	Engine  *refresh.Engine

	state  atomic.Int32 // State
	logger loggers.Advanced
}

// New builds a Controller in StateInitializing. Call Initialize to perform
// (or defer) the first load before the dataset is usable.
func New(name string, src source.Connector, backend accel.Backend, sch schema.Schema, conflict accel.OnConflict, policy refresh.Policy) *Controller {
	c := &Controller{
		Name:    name,
		Schema:  sch,
		Source:  src,
		Backend: backend,
		Engine:  refresh.NewEngine(name, src, backend, sch, conflict, policy),
		logger:  logrus.New(),
	}
	c.state.Store(int32(StateInitializing))
	c.Engine.SetOnScheduledFailure(c.onScheduledFailure)
	return c
}

// onScheduledFailure transitions the Controller to Error when a task
// Start's own ticker loop kicked off (rather than RefreshNow or
// Initialize, which already handle this at their call sites) ends in
// StatusFailed; a cancelled task is not a failure of the dataset itself.
func (c *Controller) onScheduledFailure(task *refresh.Task, err error) {
	if task != nil && task.Status == refresh.StatusFailed {
		c.setState(StateError)
	}
}

func (c *Controller) SetLogger(l loggers.Advanced) {
	c.logger = l
	c.Engine.SetLogger(l)
}

// State reports the Controller's current lifecycle state. Refreshing is
// derived rather than stored: whenever the base state is Ready and the
// Engine has a task in flight (whether started by RefreshNow, Initialize,
// or the Engine's own background ticker via Start), State reports
// Refreshing. This keeps state correct regardless of which caller kicked
// off the refresh, instead of requiring every refresh entry point to
// remember to flip a separate Controller-level flag.
func (c *Controller) State() State {
	base := State(c.state.Load())
	if base == StateReady && c.Engine.IsRunning() {
		return StateRefreshing
	}
	return base
}

func (c *Controller) setState(s State) { c.state.Store(int32(s)) }

// Initialize transitions Initializing -> Ready, performing the initial
// full load first unless the policy defers it (refresh.InitialDefer). A
// failed initial load transitions to Error rather than Ready.
func (c *Controller) Initialize(ctx context.Context) error {
	if c.State() != StateInitializing {
		return stream.Errorf(stream.KindInvalid, "dataset %s: Initialize called outside Initializing state (current %s)", c.Name, c.State())
	}
	if c.Engine.Policy.Initial == refresh.InitialDefer {
		c.setState(StateReady)
		return nil
	}
	task, err := c.Engine.RunTask(ctx, refresh.KindFull)
	if err != nil {
		c.setState(StateError)
		c.logger.Errorf("dataset %s: initial load failed: %v", c.Name, err)
		return err
	}
	if task.Status != refresh.StatusCommitted {
		c.setState(StateError)
		return fmt.Errorf("dataset %s: initial load ended in status %s", c.Name, task.Status)
	}
	c.setState(StateReady)
	return nil
}

// InitializeAppend transitions Initializing -> Ready like Initialize, but
// drives an append task instead of a full load: used when this Controller
// has been handed a Backend that a prior Controller already populated (a
// schema-compatible Registry.Reload), so picking up the new definition
// doesn't re-create the AcceleratedTable from scratch. The Engine's
// watermark must already be seeded (refresh.Engine.SeedWatermark) from the
// prior Controller before calling this.
func (c *Controller) InitializeAppend(ctx context.Context) error {
	if c.State() != StateInitializing {
		return stream.Errorf(stream.KindInvalid, "dataset %s: InitializeAppend called outside Initializing state (current %s)", c.Name, c.State())
	}
	task, err := c.Engine.RunTask(ctx, refresh.KindAppend)
	if err != nil {
		c.setState(StateError)
		c.logger.Errorf("dataset %s: append migration failed: %v", c.Name, err)
		return err
	}
	if task.Status != refresh.StatusCommitted {
		c.setState(StateError)
		return fmt.Errorf("dataset %s: append migration ended in status %s", c.Name, task.Status)
	}
	c.setState(StateReady)
	return nil
}

// Scan returns a snapshot-consistent stream over the dataset's accelerated
// copy. It is available in both Ready and Refreshing (a refresh swaps the
// backend's snapshot atomically, so an in-flight Scan is unaffected), and
// in Error as long as a prior refresh already committed a snapshot to scan
// (a broken scheduled refresh shouldn't stop reads of the last good copy);
// an Error with nothing ever committed, or Initializing/Removing, reject it.
func (c *Controller) Scan(ctx context.Context, projection query.Projection, filters []query.Filter) (stream.Stream, []query.Filter, error) {
	switch c.State() {
	case StateReady, StateRefreshing:
	case StateError:
		n, err := c.Backend.RowCount(ctx)
		if err != nil || n == 0 {
			return nil, nil, stream.Errorf(stream.KindInvalid, "dataset %s: not available to scan in state %s", c.Name, c.State())
		}
	default:
		return nil, nil, stream.Errorf(stream.KindInvalid, "dataset %s: not available to scan in state %s", c.Name, c.State())
	}
	return c.Backend.Scan(ctx, projection, filters)
}

// RefreshNow drives an on-demand refresh. If the dataset is not currently
// Ready/Refreshing it returns an error rather than racing a concurrent
// Initialize/Remove.
func (c *Controller) RefreshNow(ctx context.Context) (*refresh.Task, error) {
	switch c.State() {
	case StateReady, StateRefreshing:
	default:
		return nil, stream.Errorf(stream.KindInvalid, "dataset %s: cannot refresh in state %s", c.Name, c.State())
	}

	task, err := c.Engine.RefreshNow(ctx)
	if task != nil && task.Status == refresh.StatusFailed {
		c.setState(StateError)
	}
	return task, err
}

// Start runs the Engine's background scheduling loop until ctx is
// cancelled, transitioning to Error whenever a scheduled (ticker-driven)
// refresh ends in StatusFailed; the loop keeps ticking afterward rather
// than stopping. Scheduled ticks that land mid-refresh are folded into
// State() automatically (see State).
func (c *Controller) Start(ctx context.Context) {
	c.Engine.Start(ctx)
}

// CancelRefresh cooperatively cancels any in-flight refresh.
func (c *Controller) CancelRefresh() { c.Engine.CancelRefresh() }

// Freshness reports how long ago the dataset's accelerated copy last
// committed a refresh. A zero LastCommitAt (never refreshed) reports a
// negative duration so staleness checks treat it as maximally stale.
func (c *Controller) Freshness(now time.Time) time.Duration {
	last := c.Engine.LastCommitAt()
	if last.IsZero() {
		return -1
	}
	return now.Sub(last)
}

// Stale reports whether Freshness exceeds the configured staleness
// tolerance.
func (c *Controller) Stale(now time.Time) bool {
	tol := c.Engine.Policy.StalenessTolerance
	if tol <= 0 {
		return false
	}
	f := c.Freshness(now)
	return f < 0 || f > tol
}

// Remove transitions the Controller to Removing, cancels any in-flight
// refresh, and releases the backend: state flip first, then the refresh
// cancel, then Backend.Close, whose error (the only step that can fail) is
// logged and returned.
func (c *Controller) Remove(ctx context.Context) error {
	c.setState(StateRemoving)
	c.Engine.CancelRefresh()
	if err := c.Backend.Close(); err != nil {
		c.logger.Errorf("dataset %s: error closing backend during removal: %v", c.Name, err)
		return err
	}
	return nil
}

// LastErr returns the error behind a StateError transition, if any.
func (c *Controller) LastErr() error { return c.Engine.LastErr() }

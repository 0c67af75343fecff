package refresh

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lakeforge/accelerate/pkg/accel"
	"github.com/lakeforge/accelerate/pkg/clock"
	"github.com/lakeforge/accelerate/pkg/metrics"
	"github.com/lakeforge/accelerate/pkg/query"
	"github.com/lakeforge/accelerate/pkg/schema"
	"github.com/lakeforge/accelerate/pkg/source"
	"github.com/lakeforge/accelerate/pkg/stream"
)

type engineState int32

const (
	stateIdle engineState = iota
	stateRunning
)

// Engine is the Refresh Engine for one Dataset: it owns the
// source.Connector and accel.Backend, enforces at-most-one-running, pulls
// rows in bounded windows, commits each window atomically, and tracks the
// watermark driving the next append/changes refresh. Scheduling runs on a
// background ticker and every tick single-flights against whatever task is
// already in progress.
type Engine struct {
	Dataset  string
	Source   source.Connector
	Backend  accel.Backend
	Schema   schema.Schema
	Conflict accel.OnConflict

	Policy Policy
	Clock  clock.Clock
	Sink   metrics.Sink
	logger loggers.Advanced

	// onScheduledFailure, if set, is called from Start's own loop when a
	// ticker-driven (or policy-triggered initial) task does not complete
	// successfully. RunTask's other callers (RefreshNow, a Controller's
	// explicit initial load) already get the returned error directly and
	// handle it themselves; Start is the one entry point that otherwise
	// only logs a failure instead of surfacing it to anything watching
	// the dataset's state.
	onScheduledFailure func(task *Task, err error)

	state        atomic.Int32 // engineState
	mu           sync.Mutex
	watermark    string
	lastErr      error
	lastCommitAt time.Time
	cancelFunc   context.CancelFunc
	retention    *query.Filter
}

// NewEngine builds an Engine with sane defaults: a NoopSink metrics sink, a
// logrus logger, and the Real clock.
func NewEngine(dataset string, src source.Connector, backend accel.Backend, sch schema.Schema, conflict accel.OnConflict, policy Policy) *Engine {
	return &Engine{
		Dataset:  dataset,
		Source:   src,
		Backend:  backend,
		Schema:   sch,
		Conflict: conflict,
		Policy:   policy,
		Clock:    clock.Real{},
		Sink:     metrics.NoopSink{},
		logger:   logrus.New(),
	}
}

func (e *Engine) SetLogger(l loggers.Advanced) { e.logger = l }
func (e *Engine) SetMetricsSink(s metrics.Sink) { e.Sink = s }

// SetOnScheduledFailure registers a callback invoked from Start's loop
// whenever a scheduled task finishes without committing.
func (e *Engine) SetOnScheduledFailure(f func(task *Task, err error)) {
	e.onScheduledFailure = f
}

// Retain sets the retention predicate applied (as a backend DeleteWhere)
// after every successful refresh, e.g. "time_column < now - retention".
// A nil predicate (the default) means no retention is enforced.
func (e *Engine) Retain(predicate *query.Filter) { e.retention = predicate }

// IsRunning reports whether a task currently holds the at-most-one-running
// slot.
func (e *Engine) IsRunning() bool {
	return engineState(e.state.Load()) == stateRunning
}

// Watermark returns the last successfully committed watermark, used to seed
// the next append/changes RunTask call.
func (e *Engine) Watermark() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watermark
}

// SeedWatermark sets the watermark a fresh Engine resumes append/changes
// refreshes from, without having committed anything itself. Used when an
// Engine is handed a Backend that another Engine already populated (a
// schema-compatible Registry.Reload carrying the old watermark forward),
// so the next RunTask continues from where the prior Engine left off
// instead of re-pulling everything via a full load.
func (e *Engine) SeedWatermark(wm string) {
	e.mu.Lock()
	e.watermark = wm
	e.mu.Unlock()
}

// LastCommitAt returns the time of the last successfully committed refresh,
// the zero Time if none has committed yet. The Dataset Controller uses this
// to compute freshness.
func (e *Engine) LastCommitAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCommitAt
}

// LastErr returns the error from the most recently failed task, if any.
func (e *Engine) LastErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// RunTask executes one refresh task of the given kind synchronously,
// enforcing the at-most-one-running invariant: if a task is already
// running, RunTask returns a Task with StatusSkipped instead of blocking or
// running concurrently.
func (e *Engine) RunTask(ctx context.Context, kind Kind) (*Task, error) {
	if !e.state.CompareAndSwap(int32(stateIdle), int32(stateRunning)) {
		skipped := newTask(e.Dataset, kind, e.Watermark())
		skipped.Status = StatusSkipped
		return skipped, nil
	}
	defer e.state.Store(int32(stateIdle))

	runCtx, cancel := context.WithCancel(ctx)
	if e.Policy.MaxDuration > 0 {
		var maxCancel context.CancelFunc
		runCtx, maxCancel = context.WithTimeout(runCtx, e.Policy.MaxDuration)
		defer maxCancel()
	}
	e.mu.Lock()
	e.cancelFunc = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancelFunc = nil
		e.mu.Unlock()
	}()

	t := newTask(e.Dataset, kind, e.Watermark())
	t.StartTime = e.Clock.Now()
	t.Status = StatusRunning

	var err error
	for attempt := 0; ; attempt++ {
		t.Attempt = attempt
		err = e.attempt(runCtx, t)
		if err == nil {
			break
		}
		if stream.KindOf(err) == stream.KindCancelled || runCtx.Err() != nil {
			t.Status = StatusCancelled
			t.Err = err
			e.logger.Infof("refresh: dataset=%s kind=%s cancelled: %v", e.Dataset, kind, err)
			return t, err
		}
		if !stream.KindOf(err).Transient() || attempt+1 >= e.maxAttempts() {
			break
		}
		delay := e.Policy.Retry.Backoff(attempt)
		e.logger.Warnf("refresh: dataset=%s kind=%s attempt=%d failed, retrying in %s: %v", e.Dataset, kind, attempt, delay, err)
		if !e.sleep(runCtx, delay) {
			t.Status = StatusCancelled
			t.Err = runCtx.Err()
			return t, runCtx.Err()
		}
	}

	if err != nil {
		t.Status = StatusFailed
		t.Err = err
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
		e.Sink.RefreshFailed(e.Dataset, string(kind), err.Error())
		e.logger.Errorf("refresh: dataset=%s kind=%s failed after %d attempts: %v", e.Dataset, kind, t.Attempt+1, err)
		return t, err
	}

	t.Status = StatusCommitted
	duration := e.Clock.Since(t.StartTime)
	e.mu.Lock()
	e.lastCommitAt = e.Clock.Now()
	e.lastErr = nil
	e.mu.Unlock()
	e.Sink.RefreshCommitted(e.Dataset, string(kind), t.Rows, duration)
	e.logger.Infof("refresh: dataset=%s kind=%s committed rows=%d duration=%s watermark=%s", e.Dataset, kind, t.Rows, duration, t.WatermarkOut)
	return t, nil
}

func (e *Engine) maxAttempts() int {
	if e.Policy.Retry.MaxAttempts > 0 {
		return e.Policy.Retry.MaxAttempts
	}
	return 1
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := e.Clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C():
		return true
	case <-ctx.Done():
		return false
	}
}

// attempt performs one try at the refresh task, pulling windows of rows
// from the source and committing each window to the backend before pulling
// the next: no window is held in memory waiting on a later one, and a
// failure partway through leaves everything already committed intact. A
// full task commits its windows into a staged, not-yet-visible table and
// only calls CommitFull once every window has landed, so a concurrent Scan
// never observes the table as transiently empty or partially loaded; an
// append/changes task commits each window straight into the live table.
func (e *Engine) attempt(ctx context.Context, t *Task) error {
	t.Rows = 0
	var strm stream.Stream
	var err error

	switch t.Kind {
	case KindFull:
		if err := e.Backend.StageFull(ctx, e.Schema); err != nil {
			return err
		}
		strm, _, err = e.Source.Scan(ctx, nil, nil, 0)
	case KindAppend, KindChanges:
		strm, err = e.Source.ScanSince(ctx, t.WatermarkIn)
	default:
		return stream.Errorf(stream.KindInvalid, "refresh: unknown task kind %q", t.Kind)
	}
	if err != nil {
		return err
	}
	defer strm.Cancel()

	watermarkCol := ""
	if _, caps, derr := e.Source.Describe(ctx); derr == nil {
		watermarkCol = caps.WatermarkColumn
	}

	observedWatermark := t.WatermarkIn

	// Pull window i+1 concurrently with committing window i: the puller
	// goroutine stays one window ahead via a depth-1 buffered channel, so
	// source I/O and backend I/O overlap, but commits themselves still
	// happen strictly in the puller's order — required for Upsert's
	// per-key "last write wins" correctness across windows.
	// errgroup coordinates the two goroutines and carries the first error
	// from either side back out.
	pipelineCtx, stopPipeline := context.WithCancel(ctx)
	defer stopPipeline()
	windows := make(chan windowPull, 1)
	g, gctx := errgroup.WithContext(pipelineCtx)
	g.Go(func() error {
		defer close(windows)
		for {
			batch, rows, we, err := e.pullWindow(gctx, strm, watermarkCol)
			select {
			case windows <- windowPull{batch, rows, we, err}:
			case <-gctx.Done():
				return gctx.Err()
			}
			if err != nil || (rows == 0 && batch == nil) {
				return err
			}
		}
	})

	var commitErr error
	for w := range windows {
		if w.err != nil {
			commitErr = w.err
			break
		}
		if w.rows == 0 && w.batch == nil {
			break
		}
		if err := e.commitWindow(ctx, t, w.batch); err != nil {
			commitErr = err
			break
		}
		t.Rows += w.rows
		if w.watermark != "" && w.watermark > observedWatermark {
			observedWatermark = w.watermark
		}
		if t.Kind != KindFull {
			// Append/changes windows commit straight into the live table
			// (§4.3), so the watermark they carry is already durable even
			// if a later window in this same attempt fails. Advance it now
			// so a retry of this task, or the next scheduled tick after
			// this task is ultimately marked failed, resumes from here
			// instead of re-pulling and re-committing these rows.
			t.WatermarkIn = observedWatermark
			t.WatermarkOut = observedWatermark
			e.mu.Lock()
			e.watermark = observedWatermark
			e.mu.Unlock()
		}
	}
	stopPipeline()
	if waitErr := g.Wait(); commitErr == nil && waitErr != nil && waitErr != context.Canceled {
		commitErr = waitErr
	}
	if commitErr != nil {
		return commitErr
	}

	if t.Kind == KindFull {
		if err := e.Backend.CommitFull(ctx); err != nil {
			return err
		}
		t.WatermarkOut = observedWatermark
		e.mu.Lock()
		e.watermark = observedWatermark
		e.mu.Unlock()
	}

	if e.retention != nil {
		if _, err := e.Backend.DeleteWhere(ctx, *e.retention); err != nil {
			return fmt.Errorf("refresh: retention delete_where: %w", err)
		}
	}
	return nil
}

type windowPull struct {
	batch     stream.Stream
	rows      int64
	watermark string
	err       error
}

// pullWindow accumulates up to Policy.windowRows() rows from strm into one
// combined batch stream, tracking the max watermark value seen.
func (e *Engine) pullWindow(ctx context.Context, strm stream.Stream, watermarkCol string) (stream.Stream, int64, string, error) {
	target := e.Policy.windowRows()
	var records []arrow.Record
	var sch *arrow.Schema
	var total int64
	maxWm := ""
	for total < int64(target) {
		rec, err := strm.Next(ctx)
		if err != nil {
			if err == stream.ErrEnd {
				break
			}
			return nil, 0, "", err
		}
		if sch == nil {
			sch = rec.Schema()
		}
		if watermarkCol != "" {
			if wm, ok := maxWatermarkInBatch(rec, watermarkCol); ok && wm > maxWm {
				maxWm = wm
			}
		}
		records = append(records, rec)
		total += rec.NumRows()
	}
	if len(records) == 0 {
		return nil, 0, "", nil
	}
	// FromSlice retains its own reference to each record; release ours
	// since the window stream (drained by commitWindow) now owns them.
	out := stream.FromSlice(sch, records)
	for _, r := range records {
		r.Release()
	}
	return out, total, maxWm, nil
}

func (e *Engine) commitWindow(ctx context.Context, t *Task, batch stream.Stream) error {
	if batch == nil {
		return nil
	}
	switch t.Kind {
	case KindFull:
		_, err := e.Backend.AppendStaged(ctx, batch)
		return err
	case KindAppend:
		_, err := e.Backend.Append(ctx, batch)
		return err
	case KindChanges:
		_, err := e.Backend.Upsert(ctx, batch, e.Conflict)
		return err
	}
	return nil
}

// Start runs the scheduling loop for Policy.Mode until ctx is cancelled.
// ModeOnDemand never ticks (callers drive it entirely via RefreshNow).
// Ticks that land while a task is already running are recorded as skipped
// rather than queued, per the at-most-one-running invariant. Every task
// Start itself triggers (the initial load and every scheduled tick) for
// which RunTask returns an error is reported to onScheduledFailure, if
// set, in addition to being logged; a skipped tick is not reported.
func (e *Engine) Start(ctx context.Context) {
	if e.Policy.Initial == InitialLoad {
		task, err := e.RunTask(ctx, KindFull)
		if err != nil {
			e.logger.Errorf("refresh: dataset=%s initial load failed: %v", e.Dataset, err)
			e.reportScheduledFailure(task, err)
		}
	}
	if e.Policy.Mode == ModeOnDemand || e.Policy.Period <= 0 {
		return
	}
	kind := KindAppend
	if e.Policy.Mode == ModeChanges {
		kind = KindChanges
	}
	ticker := e.Clock.NewTimer(e.Policy.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			task, err := e.RunTask(ctx, kind)
			if err != nil {
				e.logger.Warnf("refresh: dataset=%s scheduled %s failed: %v", e.Dataset, kind, err)
				e.reportScheduledFailure(task, err)
			}
			ticker = e.Clock.NewTimer(e.Policy.Period)
		}
	}
}

func (e *Engine) reportScheduledFailure(task *Task, err error) {
	if e.onScheduledFailure != nil {
		e.onScheduledFailure(task, err)
	}
}

// RefreshNow runs an on-demand refresh. If a task is already running, it
// waits for that task's result instead of starting a second one
// (refresh coalescing).
func (e *Engine) RefreshNow(ctx context.Context) (*Task, error) {
	kind := KindAppend
	if e.Policy.Mode == ModeChanges {
		kind = KindChanges
	}
	if e.Watermark() == "" {
		kind = KindFull
	}
	if !e.IsRunning() {
		return e.RunTask(ctx, kind)
	}
	// A task is mid-flight: poll for completion rather than starting a
	// concurrent one. The at-most-one-running CAS in RunTask guarantees
	// we never double-run; this just avoids a busy caller seeing a
	// spurious StatusSkipped for what is really "wait for the current one".
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if !e.IsRunning() {
			t := newTask(e.Dataset, kind, e.Watermark())
			t.Status = StatusCommitted
			e.mu.Lock()
			lastErr := e.lastErr
			e.mu.Unlock()
			if lastErr != nil {
				t.Status = StatusFailed
				t.Err = lastErr
			}
			return t, nil
		}
		if !e.sleep(ctx, 10*time.Millisecond) {
			return nil, ctx.Err()
		}
	}
}

// CancelRefresh cooperatively cancels the in-flight task, if any, by
// polling the context passed to RunTask between windows.
func (e *Engine) CancelRefresh() {
	e.mu.Lock()
	cancel := e.cancelFunc
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

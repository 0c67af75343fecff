// Package refresh implements the Refresh Engine: scheduling
// and executing refresh tasks, enforcing at-most-one-running per dataset,
// computing the next watermark, and handling retries and partial-batch
// commits. Its retry/backoff and background-ticker shapes generalize a
// one-shot run-to-completion job into a repeatedly-scheduled refresh.
package refresh

import (
	"math/rand"
	"time"
)

// Kind is the refresh task kind.
type Kind string

const (
	KindFull    Kind = "full"
	KindAppend  Kind = "append"
	KindChanges Kind = "changes"
)

// Mode is the scheduling mode of a Dataset's refresh policy.
type Mode int

const (
	ModeOnDemand Mode = iota
	ModeInterval
	ModeChanges
)

// Initial controls whether registration performs an initial full refresh.
type Initial int

const (
	InitialLoad Initial = iota
	InitialDefer
)

// RetryPolicy is exponential backoff with full jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Backoff returns a jittered delay for retry attempt i (0-indexed),
// following the "full jitter" formula: a uniform random duration in
// [0, min(MaxBackoff, BaseBackoff*2^i)]. The delay grows exponentially
// because refresh retries contend with a remote source over a network,
// where backoff needs to grow, not just jitter a fixed scale.
func (r RetryPolicy) Backoff(attempt int) time.Duration {
	if r.BaseBackoff <= 0 {
		return 0
	}
	ceiling := r.MaxBackoff
	cur := r.BaseBackoff
	for i := 0; i < attempt && (ceiling <= 0 || cur < ceiling); i++ {
		cur *= 2
		if cur > ceiling && ceiling > 0 {
			cur = ceiling
		}
	}
	if ceiling > 0 && cur > ceiling {
		cur = ceiling
	}
	if cur <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(cur)))
}

// Policy is a Dataset's refresh configuration.
type Policy struct {
	Mode               Mode
	Period             time.Duration // for ModeInterval / ModeChanges
	Initial            Initial
	Retry              RetryPolicy
	MaxDuration        time.Duration
	StalenessTolerance time.Duration

	// LateArrivalGrace is carried on the policy, but the Engine does not
	// read it: the committed watermark is always the bare max observed
	// value, so a row whose watermark column is at or below an
	// already-committed watermark is not pulled by a later append.
	LateArrivalGrace time.Duration

	// WindowRows bounds how many rows the engine pulls from the source
	// before committing to the backend.
	// Zero uses DefaultWindowRows.
	WindowRows int
}

const DefaultWindowRows = 1000

func (p Policy) windowRows() int {
	if p.WindowRows > 0 {
		return p.WindowRows
	}
	return DefaultWindowRows
}

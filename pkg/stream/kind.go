package stream

import (
	"errors"
	"fmt"
)

// Kind is the non-type error taxonomy shared across every package that
// produces or consumes a Stream: Source Connectors, Acceleration Backends,
// and the Refresh Engine all classify failures this way so the engine can
// decide retry/fatal/cancel behavior without importing package-specific
// error types.
type Kind int

const (
	KindUnknown Kind = iota

	// Transient: retried by the Refresh Engine per policy.
	KindIO
	KindTimeout
	KindBackendBusy

	// Fatal-Task: the task fails and the Controller transitions to Error.
	KindSchemaMismatch
	KindInvalid
	KindPermissionDenied

	// Cancelled is propagated as-is; never coerced into success.
	KindCancelled

	// Unavailable: the Federation Planner could not route a scan to
	// either local or remote. Distinct from Fatal-Task: the dataset itself
	// may be healthy, just not reachable under the caller's policy right
	// now (e.g. stale beyond tolerance with remote fallback disabled).
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IO"
	case KindTimeout:
		return "Timeout"
	case KindBackendBusy:
		return "BackendBusy"
	case KindSchemaMismatch:
		return "SchemaMismatch"
	case KindInvalid:
		return "Invalid"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindCancelled:
		return "Cancelled"
	case KindUnavailable:
		return "Unavailable"
	default:
		return "Unknown"
	}
}

// Transient reports whether the Refresh Engine should retry an error of
// this kind.
func (k Kind) Transient() bool {
	return k == KindIO || k == KindTimeout || k == KindBackendBusy
}

// KindError wraps an underlying error with its classification. Producers
// should build one with NewError; consumers inspect it with KindOf.
type KindError struct {
	Kind Kind
	Err  error
}

func NewError(kind Kind, err error) error {
	return &KindError{Kind: kind, Err: err}
}

func Errorf(kind Kind, format string, args ...any) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, stream.ErrCancelled) (and similar sentinels below)
// match any KindError carrying the same Kind, regardless of the wrapped
// cause.
func (e *KindError) Is(target error) bool {
	var other *KindError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// KindOf extracts the Kind from err, walking the Unwrap chain. Errors not
// produced via NewError/Errorf classify as KindUnknown.
func KindOf(err error) Kind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindUnknown
}

// Sentinels for use with errors.Is. Each carries no specific cause; compare
// only the Kind via (*KindError).Is.
var (
	ErrIO               = &KindError{Kind: KindIO}
	ErrTimeout          = &KindError{Kind: KindTimeout}
	ErrBackendBusy      = &KindError{Kind: KindBackendBusy}
	ErrSchemaMismatch   = &KindError{Kind: KindSchemaMismatch}
	ErrInvalid          = &KindError{Kind: KindInvalid}
	ErrPermissionDenied = &KindError{Kind: KindPermissionDenied}
	ErrCancelled        = &KindError{Kind: KindCancelled}
	ErrUnavailable      = &KindError{Kind: KindUnavailable}
)

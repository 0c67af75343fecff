// Package stream defines the Record Stream contract: a
// pull-based lazy sequence of Arrow record batches sharing one schema, with
// explicit cancellation and terminal-value memoization.
package stream

import (
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
)

// ErrEnd is the terminal, non-error value signaling a Stream is exhausted.
// It is io.EOF itself, so io.EOF-checking code treats it as stream
// completion, and an io.EOF from any other source (e.g. a driver) is
// indistinguishable from it.
var ErrEnd = io.EOF

// Stream is a pull-based sequence of record batches. Next must be called
// repeatedly until it returns ErrEnd or a KindError; after either terminal
// outcome, every subsequent Next call must return that same value (see
// Memoize). Cancel causes an in-flight or future Next to return
// ErrCancelled promptly and releases upstream resources; it is safe to call
// more than once and from a goroutine other than the one calling Next.
type Stream interface {
	Schema() *arrow.Schema
	Next(ctx context.Context) (arrow.Record, error)
	Cancel()
}

// Drain pulls every remaining batch from s, releasing each one, until it
// reaches ErrEnd or an error. Intended for tests and for callers (like
// retention sweeps) that need to exhaust a stream without collecting it.
func Drain(ctx context.Context, s Stream) error {
	for {
		rec, err := s.Next(ctx)
		if rec != nil {
			rec.Release()
		}
		if err != nil {
			if err == ErrEnd {
				return nil
			}
			return err
		}
	}
}

// Collect pulls every batch from s into a slice. Intended for tests; not
// suitable for production use against unbounded streams.
func Collect(ctx context.Context, s Stream) ([]arrow.Record, error) {
	var out []arrow.Record
	for {
		rec, err := s.Next(ctx)
		if rec != nil {
			rec.Retain()
			out = append(out, rec)
		}
		if err != nil {
			if err == ErrEnd {
				return out, nil
			}
			return out, err
		}
	}
}

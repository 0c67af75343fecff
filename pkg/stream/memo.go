package stream

import (
	"context"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// Memoize wraps inner so that once it returns a terminal value (ErrEnd or
// any error), every later Next call returns that same value without
// touching inner again — a contract every Stream must honor but that
// hand-written producers routinely get wrong at the edges (double
// EOF, re-entrant Cancel). Use it to wrap connector- and backend-authored
// streams at the point they're handed to a caller.
func Memoize(inner Stream) Stream {
	return &memoStream{inner: inner}
}

type memoStream struct {
	inner Stream

	mu        sync.Mutex
	terminal  bool
	terminalErr error
	cancelled bool
}

func (m *memoStream) Schema() *arrow.Schema { return m.inner.Schema() }

func (m *memoStream) Next(ctx context.Context) (arrow.Record, error) {
	m.mu.Lock()
	if m.terminal {
		err := m.terminalErr
		m.mu.Unlock()
		return nil, err
	}
	cancelled := m.cancelled
	m.mu.Unlock()

	if cancelled {
		m.setTerminal(ErrCancelled)
		return nil, ErrCancelled
	}

	rec, err := m.inner.Next(ctx)
	if err != nil {
		m.setTerminal(err)
		return rec, err
	}
	return rec, nil
}

func (m *memoStream) Cancel() {
	m.mu.Lock()
	m.cancelled = true
	alreadyTerminal := m.terminal
	m.mu.Unlock()

	m.inner.Cancel()
	if !alreadyTerminal {
		m.setTerminal(ErrCancelled)
	}
}

func (m *memoStream) setTerminal(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal {
		return
	}
	m.terminal = true
	m.terminalErr = err
}

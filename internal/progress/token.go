// Package progress implements the cooperative cancellation handle bound to
// one analysis run. A token is cancelled when the bound document's stamp
// advances, when an explicit Cancel arrives (restart, heavy operation, bulk
// update), or when its parent context ends.
package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrCanceled is the cancellation signal. It is not a failure: callers unwind
// and leave their dirty state in place.
var ErrCanceled = errors.New("analysis canceled")

// Reason classifies why a token was cancelled.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonDocumentChanged
	ReasonRestart
	ReasonHeavyOperation
	ReasonBulkUpdate
	ReasonClosed
	ReasonShutdown
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonDocumentChanged:
		return "document changed"
	case ReasonRestart:
		return "restart"
	case ReasonHeavyOperation:
		return "heavy operation"
	case ReasonBulkUpdate:
		return "bulk update"
	case ReasonClosed:
		return "document closed"
	case ReasonShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Stamped is anything exposing a modification stamp; *text.Document
// satisfies it.
type Stamped interface {
	Stamp() int64
}

// CanceledError carries the reason and optional detail of a cancellation.
type CanceledError struct {
	Reason Reason
	Detail string
}

func (e *CanceledError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", ErrCanceled, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrCanceled, e.Reason, e.Detail)
}

func (e *CanceledError) Unwrap() error { return ErrCanceled }

// Token is the cancellation handle of one run.
type Token struct {
	doc   Stamped
	stamp int64

	ctx    context.Context
	cancel context.CancelCauseFunc

	canceled atomic.Bool
	once     sync.Once
	cause    atomic.Pointer[CanceledError]
}

// New creates a token bound to doc at stamp. The token's context is derived
// from parent.
func New(parent context.Context, doc Stamped, stamp int64) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	t := &Token{doc: doc, stamp: stamp, ctx: ctx, cancel: cancel}
	context.AfterFunc(ctx, func() {
		t.Cancel(ReasonShutdown, "parent context done")
	})
	return t
}

// Stamp returns the document stamp the token is bound to.
func (t *Token) Stamp() int64 { return t.stamp }

// Context returns a context that is done once the token is cancelled.
// Collaborators that block on I/O select on it.
func (t *Token) Context() context.Context { return t.ctx }

// Cancel cancels the token. Only the first reason is kept.
func (t *Token) Cancel(reason Reason, detail string) {
	t.once.Do(func() {
		cerr := &CanceledError{Reason: reason, Detail: detail}
		t.cause.Store(cerr)
		t.canceled.Store(true)
		t.cancel(cerr)
	})
}

// IsCanceled reports whether the run must stop. Observing a stamp change
// cancels the token so every other goroutine of the run stops too.
func (t *Token) IsCanceled() bool {
	if t.canceled.Load() {
		return true
	}
	if t.doc != nil && t.doc.Stamp() != t.stamp {
		t.Cancel(ReasonDocumentChanged, "")
		return true
	}
	return false
}

// CheckCanceled returns a *CanceledError wrapping ErrCanceled once the token
// is cancelled, nil otherwise. It is cheap enough to call per element.
func (t *Token) CheckCanceled() error {
	if !t.IsCanceled() {
		return nil
	}
	return t.cause.Load()
}

// Reason returns why the token was cancelled, ReasonNone while it is live.
func (t *Token) Reason() Reason {
	if c := t.cause.Load(); c != nil {
		return c.Reason
	}
	return ReasonNone
}

// Err returns the cancellation cause or nil.
func (t *Token) Err() error {
	if c := t.cause.Load(); c != nil {
		return c
	}
	return nil
}

// Release frees the context of a finished run. A token cancelled earlier
// keeps its original reason.
func (t *Token) Release() {
	t.Cancel(ReasonShutdown, "run released")
}

// IsCanceled reports whether err represents a cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

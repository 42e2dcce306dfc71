package passes

import (
	"fmt"
	"runtime/debug"

	"github.com/jward/vigil/internal/highlight"
	"github.com/jward/vigil/internal/progress"
	"github.com/jward/vigil/internal/text"
)

// Emitter receives diagnostics from a collaborator. Each call is applied to
// the live set before it returns.
type Emitter func(d highlight.Diagnostic)

// Collaborator is an opaque analysis producer run by a stage. Analyze must
// poll rc.CheckCanceled often and return its error when cancelled.
type Collaborator interface {
	ID() string
	Analyze(rc *RunContext, span text.Span, emit Emitter) error
}

// Applicable is implemented by collaborators that only handle some
// documents.
type Applicable interface {
	AppliesTo(doc *text.Document) bool
}

// CollaboratorFunc adapts a function to a Collaborator.
type CollaboratorFunc struct {
	Name string
	Fn   func(rc *RunContext, span text.Span, emit Emitter) error
}

func (c CollaboratorFunc) ID() string { return c.Name }

func (c CollaboratorFunc) Analyze(rc *RunContext, span text.Span, emit Emitter) error {
	return c.Fn(rc, span, emit)
}

// FaultError is an unexpected failure of one collaborator. It never aborts
// sibling collaborators.
type FaultError struct {
	Stage  string
	Source string
	Err    error
	Panic  any
	Stack  []byte
}

func (e *FaultError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("passes: %s/%s panicked: %v", e.Stage, e.Source, e.Panic)
	}
	return fmt.Sprintf("passes: %s/%s: %v", e.Stage, e.Source, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

func applicable(c Collaborator, doc *text.Document) bool {
	a, ok := c.(Applicable)
	return !ok || a.AppliesTo(doc)
}

// invoke runs one collaborator over span. It returns a cancellation error,
// a *FaultError, or nil.
func invoke(rc *RunContext, stage string, c Collaborator, span text.Span, emit Emitter) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &FaultError{Stage: stage, Source: c.ID(), Panic: p, Stack: debug.Stack()}
		}
	}()
	if err := c.Analyze(rc, span, emit); err != nil {
		if progress.IsCanceled(err) && rc.IsCanceled() {
			return rc.CheckCanceled()
		}
		return &FaultError{Stage: stage, Source: c.ID(), Err: err}
	}
	return nil
}

// emitterFor stamps every diagnostic with the collaborator's id, which is
// what retirement keys on, and clamps it to the snapshot before handing it
// to the reconciler.
func emitterFor(rc *RunContext, source string, fileLevel bool) Emitter {
	n := rc.Snapshot.Len()
	return func(d highlight.Diagnostic) {
		d.SourceID = source
		if fileLevel {
			d.FileLevel = true
			d.Span = rc.Snapshot.WholeSpan()
		} else {
			d.Span = d.Span.Clamp(n)
		}
		rc.Reconciler.Apply(rc, d)
	}
}

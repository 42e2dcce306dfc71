package passes

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/jward/vigil/internal/highlight"
	"github.com/jward/vigil/internal/progress"
	"github.com/jward/vigil/internal/text"
)

// Outline exposes the top-level structural elements of a parsed document.
// Stages use it to chunk their work; syntax.Tree implements it.
type Outline interface {
	TopLevel() []text.Span
}

// RunContext is one analysis run of one document.
type RunContext struct {
	ID       uint64
	Snapshot *text.Snapshot
	Token    *progress.Token

	// VisibleRange is processed before the rest of the file when set.
	VisibleRange *text.Span
	// MinSeverity is an opaque floor handed to every collaborator; zero
	// means no floor.
	MinSeverity highlight.Severity

	Reconciler *highlight.Reconciler
	Outline    Outline
	Logger     *slog.Logger
	Hooks      Hooks

	// Serial runs stages and collaborators one at a time.
	Serial bool
	// Dumb reports whether the index is currently unavailable.
	Dumb func() bool

	mu       sync.Mutex
	deferred []StageID
}

// RunID implements highlight.Run.
func (rc *RunContext) RunID() uint64 { return rc.ID }

// IsCanceled implements highlight.Run.
func (rc *RunContext) IsCanceled() bool { return rc.Token.IsCanceled() }

// CheckCanceled returns progress.ErrCanceled once the run must stop.
func (rc *RunContext) CheckCanceled() error { return rc.Token.CheckCanceled() }

// Context is done once the run is cancelled.
func (rc *RunContext) Context() context.Context { return rc.Token.Context() }

// Document returns the live document of the run.
func (rc *RunContext) Document() *text.Document { return rc.Snapshot.Document() }

// IsDumb reports whether the run is in dumb mode right now.
func (rc *RunContext) IsDumb() bool { return rc.Dumb != nil && rc.Dumb() }

// Deferred returns the stages skipped because of dumb mode. They are still
// dirty and run again once smart mode returns.
func (rc *RunContext) Deferred() []StageID {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return slices.Clone(rc.deferred)
}

func (rc *RunContext) deferStage(id StageID) {
	rc.mu.Lock()
	rc.deferred = append(rc.deferred, id)
	rc.mu.Unlock()
}

func (rc *RunContext) hooks() Hooks {
	if rc.Hooks == nil {
		return nopHooks{}
	}
	return rc.Hooks
}

func (rc *RunContext) reportFault(f *FaultError) {
	rc.logger().Error("passes: collaborator fault",
		"doc", rc.Document().Path(), "stage", f.Stage, "source", f.Source, "err", f.Err, "panic", f.Panic)
	rc.hooks().CollaboratorFault(rc, f)
}

func (rc *RunContext) logger() *slog.Logger {
	if rc.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return rc.Logger
}

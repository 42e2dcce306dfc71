// Package dirty tracks, per document and per analysis stage, which part of
// the text must be re-analyzed. No entry means the stage is up to date, a
// whole-file entry dominates any span, and successive marks union.
package dirty

import (
	"log/slog"
	"maps"
	"sync"

	"github.com/jward/vigil/internal/text"
)

// StageID identifies a registered analysis stage.
type StageID int

// Scope is the dirty part of a document for one stage.
type Scope struct {
	Span      text.Span
	WholeFile bool
}

// Resolve turns the scope into a concrete span of a document of length n.
func (s Scope) Resolve(n int) text.Span {
	if s.WholeFile {
		return text.Span{Start: 0, End: n}
	}
	return s.Span.Clamp(n)
}

func (s Scope) union(o Scope) Scope {
	if s.WholeFile || o.WholeFile {
		return Scope{WholeFile: true}
	}
	return Scope{Span: s.Span.Union(o.Span)}
}

// Document is what the tracker needs from a document.
type Document interface {
	ID() text.DocID
	Stamp() int64
}

type pendingChange struct {
	stamp int64
	prior map[StageID]Scope
}

type fileStatus struct {
	dirty     map[StageID]Scope
	composite *Scope
	pending   *pendingChange
}

// Tracker is the per-document, per-stage dirty scope map.
type Tracker struct {
	mu     sync.Mutex
	stages []StageID
	files  map[text.DocID]*fileStatus
	logger *slog.Logger
}

// NewTracker creates a tracker over the given stages.
func NewTracker(logger *slog.Logger, stages ...StageID) *Tracker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tracker{stages: stages, files: make(map[text.DocID]*fileStatus), logger: logger}
}

// SetStages replaces the set of known stages. Stages added later start out
// whole-file dirty for every tracked document.
func (t *Tracker) SetStages(stages ...StageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	known := make(map[StageID]bool, len(t.stages))
	for _, s := range t.stages {
		known[s] = true
	}
	for _, s := range stages {
		if known[s] {
			continue
		}
		for _, fs := range t.files {
			fs.dirty[s] = Scope{WholeFile: true}
			fs.composite = nil
		}
	}
	t.stages = append([]StageID(nil), stages...)
}

// Stages returns the known stages.
func (t *Tracker) Stages() []StageID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]StageID(nil), t.stages...)
}

func (t *Tracker) status(doc Document) *fileStatus {
	fs, ok := t.files[doc.ID()]
	if !ok {
		fs = &fileStatus{dirty: make(map[StageID]Scope)}
		for _, s := range t.stages {
			fs.dirty[s] = Scope{WholeFile: true}
		}
		t.files[doc.ID()] = fs
	}
	return fs
}

// Track starts tracking doc with every stage whole-file dirty. Tracking an
// already tracked document is a no-op.
func (t *Tracker) Track(doc Document) {
	t.mu.Lock()
	t.status(doc)
	t.mu.Unlock()
}

// Forget drops all state of doc. Called when the document is closed.
func (t *Tracker) Forget(id text.DocID) {
	t.mu.Lock()
	delete(t.files, id)
	t.mu.Unlock()
}

// Reset drops all state of every document.
func (t *Tracker) Reset() {
	t.mu.Lock()
	clear(t.files)
	t.mu.Unlock()
}

// MarkDirty unions span into the dirty scope of the listed stages, or of all
// stages when none are listed.
func (t *Tracker) MarkDirty(doc Document, span text.Span, reason string, stages ...StageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fs := t.status(doc)
	t.mark(fs, Scope{Span: span}, stages)
	t.logger.Debug("dirty: mark", "doc", doc.ID(), "span", span.String(), "reason", reason)
}

// MarkWholeFileDirty marks every stage whole-file dirty.
func (t *Tracker) MarkWholeFileDirty(doc Document, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fs := t.status(doc)
	fs.pending = nil
	t.mark(fs, Scope{WholeFile: true}, nil)
	t.logger.Debug("dirty: mark whole file", "doc", doc.ID(), "reason", reason)
}

func (t *Tracker) mark(fs *fileStatus, sc Scope, stages []StageID) {
	if len(stages) == 0 {
		stages = t.stages
	}
	for _, s := range stages {
		if cur, ok := fs.dirty[s]; ok {
			fs.dirty[s] = cur.union(sc)
		} else {
			fs.dirty[s] = sc
		}
	}
	fs.composite = nil
}

// DocumentChanged is called synchronously with every edit. It shifts the
// existing dirty spans through the edit, remembers that state, and then
// marks the whole file dirty until StructureChanged narrows it down.
func (t *Tracker) DocumentChanged(doc Document, e text.Edit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fs := t.status(doc)
	prior := make(map[StageID]Scope, len(fs.dirty))
	for s, sc := range fs.dirty {
		if !sc.WholeFile {
			sc.Span = e.Transform(sc.Span)
		}
		prior[s] = sc
	}
	fs.pending = &pendingChange{stamp: doc.Stamp(), prior: prior}
	t.mark(fs, Scope{WholeFile: true}, nil)
}

// StructureChanged reports the smallest structural span affected by the edit
// that produced the document's current stamp. When it matches the pending
// change, the defensive whole-file mark is replaced by that span. It
// reports whether the narrowing happened.
func (t *Tracker) StructureChanged(doc Document, span text.Span) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	fs := t.status(doc)
	p := fs.pending
	fs.pending = nil
	if p == nil || p.stamp != doc.Stamp() {
		t.mark(fs, Scope{Span: span}, nil)
		return false
	}
	fs.dirty = maps.Clone(p.prior)
	t.mark(fs, Scope{Span: span}, nil)
	t.logger.Debug("dirty: structure changed", "doc", doc.ID(), "span", span.String())
	return true
}

// DirtyScope returns the dirty scope of stage, false when it is up to date.
func (t *Tracker) DirtyScope(doc Document, stage StageID) (Scope, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fs, ok := t.files[doc.ID()]
	if !ok {
		return Scope{}, false
	}
	sc, ok := fs.dirty[stage]
	return sc, ok
}

// MarkUpToDate clears stage only if doc is still at asOfStamp. A stage that
// finished analysing an older stamp leaves its range dirty.
func (t *Tracker) MarkUpToDate(doc Document, stage StageID, asOfStamp int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	fs, ok := t.files[doc.ID()]
	if !ok || doc.Stamp() != asOfStamp {
		return false
	}
	delete(fs.dirty, stage)
	fs.composite = nil
	return true
}

// Composite returns the union of the dirty scopes of all stages.
func (t *Tracker) Composite(doc Document) (Scope, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fs, ok := t.files[doc.ID()]
	if !ok {
		return Scope{}, false
	}
	if fs.composite == nil {
		var (
			c     Scope
			found bool
		)
		for _, sc := range fs.dirty {
			if !found {
				c, found = sc, true
				continue
			}
			c = c.union(sc)
		}
		if !found {
			return Scope{}, false
		}
		fs.composite = &c
	}
	return *fs.composite, true
}

// AllStagesUpToDate reports whether doc is tracked and no stage is dirty.
func (t *Tracker) AllStagesUpToDate(id text.DocID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	fs, ok := t.files[id]
	return ok && len(fs.dirty) == 0
}

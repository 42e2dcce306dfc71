package highlight

import (
	"github.com/jward/vigil/internal/text"
)

// Counters receives reconciler activity. internal/metrics implements it.
type Counters interface {
	Applied(source string)
	Retired(source string, n int)
	Dropped(source string)
}

type nopCounters struct{}

func (nopCounters) Applied(string)      {}
func (nopCounters) Retired(string, int) {}
func (nopCounters) Dropped(string)      {}

// Reconciler merges diagnostics into a Set as they are produced.
type Reconciler struct {
	set      *Set
	counters Counters
}

// NewReconciler returns a reconciler over set. counters may be nil.
func NewReconciler(set *Set, counters Counters) *Reconciler {
	if counters == nil {
		counters = nopCounters{}
	}
	return &Reconciler{set: set, counters: counters}
}

// Set returns the live set this reconciler mutates.
func (r *Reconciler) Set() *Set { return r.set }

// Apply inserts d into the live set within the call. It reports false when
// the run is stale and d was dropped. A diagnostic at a (source, span) held
// by an older run supersedes everything there; within one run diagnostics
// accumulate in production order and exact duplicates collapse.
func (r *Reconciler) Apply(run Run, d Diagnostic) bool {
	if d.FileLevel {
		return r.applyFileLevel(run, d)
	}
	s := r.set
	s.mu.Lock()
	if s.stale(run) {
		s.mu.Unlock()
		r.counters.Dropped(d.SourceID)
		return false
	}
	id := run.RunID()
	key := rangeKey{source: d.SourceID, span: d.Span}
	list := s.ranged[key]
	if len(list) > 0 && list[0].run != id {
		list = nil
	}
	for _, e := range list {
		if e.d.SameContent(d) {
			s.mu.Unlock()
			return true
		}
	}
	s.seq++
	d.Zombie = false
	s.ranged[key] = append(list, &entry{d: d, run: id, seq: s.seq})
	s.mu.Unlock()

	r.counters.Applied(d.SourceID)
	s.changed()
	return true
}

// applyFileLevel keys file-level diagnostics by content. Re-emitting the same
// content only refreshes the owning run, so the entry and its position in
// the set stay put.
func (r *Reconciler) applyFileLevel(run Run, d Diagnostic) bool {
	s := r.set
	s.mu.Lock()
	if s.stale(run) {
		s.mu.Unlock()
		r.counters.Dropped(d.SourceID)
		return false
	}
	key := fileKey{source: d.SourceID, hash: d.ContentHash()}
	if e, ok := s.fileLevel[key]; ok {
		e.run = run.RunID()
		s.mu.Unlock()
		return true
	}
	s.seq++
	d.Zombie = false
	s.fileLevel[key] = &entry{d: d, run: run.RunID(), seq: s.seq}
	s.mu.Unlock()

	r.counters.Applied(d.SourceID)
	s.changed()
	return true
}

// Retire removes the range diagnostics of source starting inside span that
// this run did not produce. It is called as soon as a stage finishes
// visiting span. It returns the number removed.
func (r *Reconciler) Retire(run Run, source string, span text.Span) int {
	s := r.set
	s.mu.Lock()
	if s.stale(run) {
		s.mu.Unlock()
		return 0
	}
	id := run.RunID()
	n := 0
	for key, list := range s.ranged {
		if key.source != source || key.span.Start < span.Start || key.span.Start >= span.End {
			continue
		}
		if list[0].run != id {
			n += len(list)
			delete(s.ranged, key)
		}
	}
	s.mu.Unlock()

	if n > 0 {
		r.counters.Retired(source, n)
		s.changed()
	}
	return n
}

// RetireFileLevel removes file-level diagnostics of source that this run did
// not reproduce.
func (r *Reconciler) RetireFileLevel(run Run, source string) int {
	s := r.set
	s.mu.Lock()
	if s.stale(run) {
		s.mu.Unlock()
		return 0
	}
	id := run.RunID()
	n := 0
	for key, e := range s.fileLevel {
		if key.source == source && e.run != id {
			delete(s.fileLevel, key)
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		r.counters.Retired(source, n)
		s.changed()
	}
	return n
}

// InstallZombies adds restored diagnostics flagged as zombies. Any zombies
// already installed are replaced.
func (r *Reconciler) InstallZombies(ds []Diagnostic) {
	s := r.set
	s.mu.Lock()
	s.zombies = s.zombies[:0]
	for _, d := range ds {
		if d.FileLevel {
			continue
		}
		d.Zombie = true
		s.seq++
		s.zombies = append(s.zombies, &entry{d: d, seq: s.seq})
	}
	s.mu.Unlock()
	s.changed()
}

// DropZombies removes every zombie at once. The engine calls it once the
// live general stage has covered the file.
func (r *Reconciler) DropZombies() int {
	s := r.set
	s.mu.Lock()
	n := len(s.zombies)
	s.zombies = nil
	s.mu.Unlock()
	if n > 0 {
		s.changed()
	}
	return n
}

// Clear empties the set, e.g. when highlighting is disabled for the file.
func (r *Reconciler) Clear() {
	s := r.set
	s.mu.Lock()
	s.ranged = make(map[rangeKey][]*entry)
	s.fileLevel = make(map[fileKey]*entry)
	s.zombies = nil
	s.mu.Unlock()
	s.changed()
}

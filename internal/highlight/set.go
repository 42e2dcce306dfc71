// Package highlight holds the live highlight set of a document and the
// reconciler that merges diagnostics into it while stages are running.
//
// Every mutation is checked against the identity of the run that produced
// it: once a newer run has begun, or the producing run's token is cancelled,
// its results are dropped instead of applied.
package highlight

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/jward/vigil/internal/text"
)

// Run identifies the analysis run a mutation comes from.
type Run interface {
	RunID() uint64
	IsCanceled() bool
}

type rangeKey struct {
	source string
	span   text.Span
}

type fileKey struct {
	source string
	hash   uint64
}

type entry struct {
	d   Diagnostic
	run uint64
	seq uint64
}

// Set is the live highlight set of one document.
type Set struct {
	mu        sync.Mutex
	current   uint64
	seq       uint64
	ranged    map[rangeKey][]*entry
	fileLevel map[fileKey]*entry
	zombies   []*entry

	version  atomic.Uint64
	onChange func(version uint64)
}

// NewSet creates an empty set. onChange, if non-nil, is called after every
// mutation that changed the set, outside the set lock.
func NewSet(onChange func(version uint64)) *Set {
	return &Set{
		ranged:    make(map[rangeKey][]*entry),
		fileLevel: make(map[fileKey]*entry),
		onChange:  onChange,
	}
}

// BeginRun admits run id as the newest run. Mutations from any older run are
// dropped from now on.
func (s *Set) BeginRun(id uint64) {
	s.mu.Lock()
	if id > s.current {
		s.current = id
	}
	s.mu.Unlock()
}

// CurrentRun returns the newest admitted run id.
func (s *Set) CurrentRun() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Version increases on every change.
func (s *Set) Version() uint64 { return s.version.Load() }

// stale must be called with s.mu held.
func (s *Set) stale(run Run) bool {
	return run.RunID() != s.current || run.IsCanceled()
}

func (s *Set) changed() {
	v := s.version.Add(1)
	if s.onChange != nil {
		s.onChange(v)
	}
}

// Snapshot returns live and zombie range diagnostics ordered by position,
// then by production order.
func (s *Set) Snapshot() []Diagnostic {
	s.mu.Lock()
	all := make([]entry, 0, len(s.zombies)+len(s.ranged))
	for _, list := range s.ranged {
		for _, e := range list {
			all = append(all, *e)
		}
	}
	for _, z := range s.zombies {
		all = append(all, *z)
	}
	s.mu.Unlock()

	sortEntries(all)
	out := make([]Diagnostic, len(all))
	for i, e := range all {
		out[i] = e.d
	}
	return out
}

// FileLevel returns the file-level diagnostics in production order.
func (s *Set) FileLevel() []Diagnostic {
	s.mu.Lock()
	all := make([]entry, 0, len(s.fileLevel))
	for _, e := range s.fileLevel {
		all = append(all, *e)
	}
	s.mu.Unlock()

	slices.SortFunc(all, func(a, b entry) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]Diagnostic, len(all))
	for i, e := range all {
		out[i] = e.d
	}
	return out
}

// Zombies returns the number of zombie entries still installed.
func (s *Set) Zombies() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.zombies)
}

// At returns the diagnostics covering offset, most severe first.
func (s *Set) At(offset int) []Diagnostic {
	var out []Diagnostic
	for _, d := range s.Snapshot() {
		if d.Span.ContainsOffset(offset) {
			out = append(out, d)
		}
	}
	slices.SortStableFunc(out, func(a, b Diagnostic) int { return cmp.Compare(b.Severity, a.Severity) })
	return out
}

// AdjustForEdit moves live and zombie ranges through an edit. Ranges after
// the edit shift, ranges spanning it stretch or shrink, and ranges lying
// entirely inside the replaced text are dropped. Zombies touching the edit
// are dropped: they can no longer be trusted.
func (s *Set) AdjustForEdit(e text.Edit) {
	old := e.OldSpan()
	delta := len(e.NewText) - e.OldLen

	s.mu.Lock()
	dirty := false
	next := make(map[rangeKey][]*entry, len(s.ranged))
	for key, list := range s.ranged {
		span, ok := shift(key.span, old, delta)
		if !ok {
			dirty = true
			continue
		}
		if span != key.span {
			dirty = true
			for _, en := range list {
				en.d.Span = span
			}
		}
		nk := rangeKey{source: key.source, span: span}
		next[nk] = append(next[nk], list...)
	}
	s.ranged = next

	kept := s.zombies[:0]
	for _, z := range s.zombies {
		if z.d.Span.Intersects(old) {
			dirty = true
			continue
		}
		if span, ok := shift(z.d.Span, old, delta); ok {
			if span != z.d.Span {
				dirty = true
			}
			z.d.Span = span
			kept = append(kept, z)
		}
	}
	clear(s.zombies[len(kept):])
	s.zombies = kept
	s.mu.Unlock()

	if dirty {
		s.changed()
	}
}

func shift(span, old text.Span, delta int) (text.Span, bool) {
	switch {
	case span.End <= old.Start:
		return span, true
	case span.Start >= old.End:
		return text.Span{Start: span.Start + delta, End: span.End + delta}, true
	case old.Contains(span):
		return span, false
	}
	start := min(span.Start, old.Start)
	end := old.Start
	if span.End >= old.End {
		end = span.End + delta
	}
	return text.Span{Start: start, End: max(start, end)}, true
}

func sortEntries(all []entry) {
	slices.SortFunc(all, func(a, b entry) int {
		if c := cmp.Compare(a.d.Span.Start, b.d.Span.Start); c != 0 {
			return c
		}
		if c := cmp.Compare(a.d.Span.End, b.d.Span.End); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
}

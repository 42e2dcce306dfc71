// Package text holds the document model the analysis engine reads: a
// mutable, versioned buffer with a monotonically increasing modification
// stamp, and immutable snapshots bound to one stamp.
package text

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrEditOutOfRange is returned when an edit does not fit the document.
var ErrEditOutOfRange = errors.New("text: edit out of range")

// DocID identifies an open document for the lifetime of the engine.
type DocID uint64

// Edit replaces OldLen bytes at Offset with NewText.
type Edit struct {
	Offset  int
	OldLen  int
	NewText string
}

// OldSpan is the region the edit replaces, in pre-edit coordinates.
func (e Edit) OldSpan() Span {
	return Span{Start: e.Offset, End: e.Offset + e.OldLen}
}

// NewSpan is the region the inserted text occupies, in post-edit coordinates.
func (e Edit) NewSpan() Span {
	return Span{Start: e.Offset, End: e.Offset + len(e.NewText)}
}

// Delta is the change in document length caused by the edit.
func (e Edit) Delta() int {
	return len(e.NewText) - e.OldLen
}

// Transform maps a pre-edit span to post-edit coordinates the way a range
// marker moves: offsets before the edit stay, offsets after it shift by
// Delta, and offsets inside the replaced text collapse onto its bounds.
func (e Edit) Transform(s Span) Span {
	oldEnd := e.Offset + e.OldLen
	move := func(off int, end bool) int {
		switch {
		case off < e.Offset, off == e.Offset && !end:
			return off
		case off >= oldEnd:
			return off + e.Delta()
		case end:
			return e.Offset + len(e.NewText)
		}
		return e.Offset
	}
	start, stop := move(s.Start, false), move(s.End, true)
	return Span{Start: start, End: max(start, stop)}
}

// Document is a text buffer owned by the editor side. The engine only reads
// snapshots and observes stamp changes.
type Document struct {
	id       DocID
	path     string
	language string

	mu    sync.RWMutex
	text  string
	stamp atomic.Int64
}

// NewDocument creates a document with stamp 1.
func NewDocument(id DocID, path, language, content string) *Document {
	d := &Document{id: id, path: path, language: language, text: content}
	d.stamp.Store(1)
	return d
}

// ID returns the document identity.
func (d *Document) ID() DocID { return d.id }

// Path returns the file path the document was opened from.
func (d *Document) Path() string { return d.path }

// Language returns the canonical language name, empty for plain text.
func (d *Document) Language() string { return d.language }

// Stamp returns the current modification stamp. It never decreases.
func (d *Document) Stamp() int64 { return d.stamp.Load() }

// Len returns the current text length in bytes.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.text)
}

// Text returns the current text.
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.text
}

// Snapshot returns an immutable view of the current text and stamp.
func (d *Document) Snapshot() *Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return &Snapshot{doc: d, text: d.text, stamp: d.stamp.Load()}
}

// Apply performs the edit and advances the stamp. The stamp is bumped before
// the write lock is released so any reader observing the new text also
// observes the new stamp.
func (d *Document) Apply(e Edit) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e.Offset < 0 || e.OldLen < 0 || e.Offset+e.OldLen > len(d.text) {
		return d.stamp.Load(), fmt.Errorf("%w: offset %d len %d in document of %d bytes",
			ErrEditOutOfRange, e.Offset, e.OldLen, len(d.text))
	}
	d.text = d.text[:e.Offset] + e.NewText + d.text[e.Offset+e.OldLen:]
	return d.stamp.Add(1), nil
}

// Touch advances the stamp without changing the text, e.g. after a reload
// that produced identical content.
func (d *Document) Touch() int64 {
	return d.stamp.Add(1)
}

// Snapshot is the text of a document as of one stamp.
type Snapshot struct {
	doc   *Document
	text  string
	stamp int64
}

// Document returns the live document this snapshot was taken from.
func (s *Snapshot) Document() *Document { return s.doc }

// Text returns the snapshot text.
func (s *Snapshot) Text() string { return s.text }

// Stamp returns the stamp the snapshot is bound to.
func (s *Snapshot) Stamp() int64 { return s.stamp }

// Len returns the snapshot length in bytes.
func (s *Snapshot) Len() int { return len(s.text) }

// WholeSpan covers the entire snapshot.
func (s *Snapshot) WholeSpan() Span { return Span{Start: 0, End: len(s.text)} }

// Slice returns the text covered by span, clamped to the snapshot.
func (s *Snapshot) Slice(span Span) string {
	c := span.Clamp(len(s.text))
	return s.text[c.Start:c.End]
}

// Stale reports whether the live document has moved past this snapshot.
func (s *Snapshot) Stale() bool {
	return s.doc.Stamp() != s.stamp
}

// DiffEdit computes the single edit that turns old into updated by trimming
// their common prefix and suffix. Editors that only send full text use it to
// recover a precise edit range.
func DiffEdit(old, updated string) (Edit, bool) {
	if old == updated {
		return Edit{}, false
	}
	prefix := 0
	limit := min(len(old), len(updated))
	for prefix < limit && old[prefix] == updated[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < limit-prefix && old[len(old)-1-suffix] == updated[len(updated)-1-suffix] {
		suffix++
	}
	return Edit{
		Offset:  prefix,
		OldLen:  len(old) - prefix - suffix,
		NewText: updated[prefix : len(updated)-suffix],
	}, true
}

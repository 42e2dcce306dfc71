// Package grave serialises a document's highlight set when the document is
// closed and restores it as zombie highlights when the same text is
// reopened, so the editor shows the previous markup until live analysis has
// covered the file.
package grave

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fortio.org/safecast"

	"github.com/jward/vigil/internal/highlight"
	"github.com/jward/vigil/internal/store"
	"github.com/jward/vigil/internal/text"
)

// Observer is told about grave traffic. internal/metrics implements it.
type Observer interface {
	Buried(records, bytes int)
	Exhumed(records int)
	Rejected(reason string)
}

type nopObserver struct{}

func (nopObserver) Buried(int, int) {}
func (nopObserver) Exhumed(int)     {}
func (nopObserver) Rejected(string) {}

// Rejection reasons passed to Observer.Rejected.
const (
	RejectHashMismatch = "hash_mismatch"
	RejectIncompatible = "incompatible"
	RejectCorrupt      = "corrupt"
)

// Grave buries and exhumes highlight snapshots through a store.GraveStore.
type Grave struct {
	store    store.GraveStore
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// Option configures a Grave.
type Option func(*Grave)

// WithLogger sets the logger for rejected snapshots.
func WithLogger(l *slog.Logger) Option {
	return func(g *Grave) { g.logger = l }
}

// WithObserver sets the observer notified on bury and exhume.
func WithObserver(o Observer) Option {
	return func(g *Grave) {
		if o != nil {
			g.observer = o
		}
	}
}

// New returns a Grave backed by s.
func New(s store.GraveStore, opts ...Option) *Grave {
	g := &Grave{
		store:    s,
		logger:   slog.New(slog.DiscardHandler),
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Capture builds the snapshot of set for content. File-level diagnostics
// are not part of a grave.
func Capture(content string, set *highlight.Set) (*Snapshot, error) {
	live := set.Snapshot()
	s := &Snapshot{ContentHash: store.ContentHash(content), Records: make([]Record, 0, len(live))}
	for _, d := range live {
		r, err := recordFor(d)
		if err != nil {
			return nil, err
		}
		s.Records = append(s.Records, r)
	}
	return s, nil
}

func recordFor(d highlight.Diagnostic) (Record, error) {
	start, err := safecast.Conv[int32](d.Span.Start)
	if err != nil {
		return Record{}, fmt.Errorf("grave: span %s: %w", d.Span, err)
	}
	end, err := safecast.Conv[int32](d.Span.End)
	if err != nil {
		return Record{}, fmt.Errorf("grave: span %s: %w", d.Span, err)
	}
	r := Record{Start: start, End: end, Layer: d.Layer, TargetArea: d.TargetArea}
	if !d.Attributes.Valid() {
		return Record{}, fmt.Errorf("grave: %s: both attributes key and literal set", d)
	}
	if d.Attributes.Key != "" {
		key := d.Attributes.Key
		r.AttributesKey = &key
	}
	if d.Attributes.Literal != nil {
		lit := *d.Attributes.Literal
		r.Literal = &lit
	}
	if d.GutterIconURL != "" {
		icon := d.GutterIconURL
		r.GutterIconURL = &icon
	}
	return r, nil
}

// Diagnostics turns records back into zombie diagnostics. Records that do
// not fit inside a document of length n are skipped.
func (s *Snapshot) Diagnostics(n int) []highlight.Diagnostic {
	out := make([]highlight.Diagnostic, 0, len(s.Records))
	for _, r := range s.Records {
		span := text.Span{Start: int(r.Start), End: int(r.End)}
		if span.End > n {
			continue
		}
		d := highlight.Diagnostic{
			Span:       span,
			Severity:   highlight.SevInformation,
			Layer:      r.Layer,
			TargetArea: r.TargetArea,
			Zombie:     true,
		}
		if r.AttributesKey != nil {
			d.Attributes.Key = *r.AttributesKey
		}
		if r.Literal != nil {
			lit := *r.Literal
			d.Attributes.Literal = &lit
		}
		if r.GutterIconURL != nil {
			d.GutterIconURL = *r.GutterIconURL
		}
		out = append(out, d)
	}
	return out
}

// Bury captures set for doc and stores it under the document path,
// replacing any earlier grave.
func (g *Grave) Bury(doc *text.Document, set *highlight.Set) (*Snapshot, error) {
	snap, err := Capture(doc.Text(), set)
	if err != nil {
		return nil, err
	}
	data, err := Encode(snap)
	if err != nil {
		return nil, err
	}
	err = g.store.PutGrave(&store.Grave{
		Path:          doc.Path(),
		FormatVersion: int(FormatVersion),
		ContentHash:   snap.ContentHash,
		RecordCount:   len(snap.Records),
		Data:          data,
		BuriedAt:      g.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("grave: bury %s: %w", doc.Path(), err)
	}
	g.observer.Buried(len(snap.Records), len(data))
	return snap, nil
}

// Exhume installs the grave stored for doc as zombies through r. It reports
// whether a snapshot was installed. A grave computed on different text is
// ignored and kept; an unreadable or incompatible one is deleted. Neither
// is an error.
func (g *Grave) Exhume(doc *text.Document, r *highlight.Reconciler) (bool, error) {
	stored, err := g.store.GraveByPath(doc.Path())
	if err != nil {
		return false, fmt.Errorf("grave: exhume %s: %w", doc.Path(), err)
	}
	if stored == nil {
		return false, nil
	}
	content := doc.Text()
	if stored.ContentHash != store.ContentHash(content) {
		g.observer.Rejected(RejectHashMismatch)
		g.logger.Debug("grave content changed", "path", doc.Path())
		return false, nil
	}

	snap, err := Decode(stored.Data)
	if err != nil {
		reason := RejectCorrupt
		if errors.Is(err, ErrIncompatibleFormat) {
			reason = RejectIncompatible
		}
		g.observer.Rejected(reason)
		g.logger.Warn("discarding grave", "path", doc.Path(), "err", err)
		if err := g.store.DeleteGrave(doc.Path()); err != nil {
			return false, fmt.Errorf("grave: exhume %s: %w", doc.Path(), err)
		}
		return false, nil
	}
	if snap.ContentHash != stored.ContentHash {
		g.observer.Rejected(RejectHashMismatch)
		return false, nil
	}

	zombies := snap.Diagnostics(len(content))
	r.InstallZombies(zombies)
	g.observer.Exhumed(len(zombies))
	return true, nil
}

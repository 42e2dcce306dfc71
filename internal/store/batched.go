package store

import "sync"

// Batch buffers grave and settings writes in memory so that burying every
// open document on shutdown costs one transaction. It implements
// GraveStore; reads see pending writes first and fall through to the
// underlying Store.
//
// Thread safety: the mutex protects the pending maps. Reads that fall
// through go to the Store, which is safe for concurrent use.
type Batch struct {
	store *Store
	mu    sync.Mutex

	graves   map[string]*Grave
	deleted  map[string]bool
	settings map[string]bool
}

// NewBatch creates a Batch backed by s.
func NewBatch(s *Store) *Batch {
	return &Batch{
		store:    s,
		graves:   make(map[string]*Grave),
		deleted:  make(map[string]bool),
		settings: make(map[string]bool),
	}
}

func (b *Batch) PutGrave(g *Grave) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *g
	b.graves[g.Path] = &cp
	delete(b.deleted, g.Path)
	return nil
}

func (b *Batch) GraveByPath(path string) (*Grave, error) {
	b.mu.Lock()
	if g, ok := b.graves[path]; ok {
		cp := *g
		b.mu.Unlock()
		return &cp, nil
	}
	if b.deleted[path] {
		b.mu.Unlock()
		return nil, nil
	}
	b.mu.Unlock()
	return b.store.GraveByPath(path)
}

func (b *Batch) DeleteGrave(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.graves, path)
	b.deleted[path] = true
	return nil
}

// SetHighlightingEnabled buffers a settings write.
func (b *Batch) SetHighlightingEnabled(path string, enabled bool) {
	b.mu.Lock()
	b.settings[path] = enabled
	b.mu.Unlock()
}

// Len returns the number of pending writes.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.graves) + len(b.deleted) + len(b.settings)
}

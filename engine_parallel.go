package vigil

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/jward/vigil/internal/grave"
	"github.com/jward/vigil/internal/store"
)

// FileReport is the result of checking one file.
type FileReport struct {
	Path     string
	Language string
	// Content is the text the diagnostics were computed on.
	Content     string
	Diagnostics []Diagnostic
}

// checkItem holds everything a check worker needs.
type checkItem struct {
	path string
	id   DocID
	// owned is false when the document was already open; it is left open.
	owned bool

	diags   []Diagnostic
	err     error
	lang    string
	content string
	hash    uint64
}

// CheckFiles analyses files to completion using a three-phase pipeline:
//
//	Phase A (serial):   Read and open every file.
//	Phase B (parallel): RunMainPasses via a worker pool.
//	Phase C (serial):   Bury results in one transaction, record analysis.
//
// Reports are returned in input order. Files that fail are left out of the
// reports and counted in the returned error.
func (e *Engine) CheckFiles(ctx context.Context, paths []string) ([]FileReport, error) {
	// ---- Phase A: Serial open ----
	var (
		items []*checkItem
		errs  []error
	)
	for _, path := range paths {
		item, err := e.prepareCheck(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("prepare %s: %w", path, err))
			continue
		}
		items = append(items, item)
	}

	// ---- Phase B: Parallel analysis ----
	numWorkers := max(min(e.workers, len(items)), 1)
	if e.workers <= 0 {
		numWorkers = max(min(runtime.NumCPU(), len(items)), 1)
	}
	workCh := make(chan *checkItem, len(items))
	for _, item := range items {
		workCh <- item
	}
	close(workCh)

	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range workCh {
				item.diags, item.err = e.RunMainPasses(ctx, item.id)
				if item.err == nil {
					item.content, item.err = e.Text(item.id)
				}
			}
		}()
	}
	wg.Wait()

	// ---- Phase C: Serial commit ----
	batch := store.NewBatch(e.store)
	buryTo := grave.New(batch, e.graveOptions()...)
	var reports []FileReport
	for _, item := range items {
		if !item.owned {
			if item.err != nil {
				errs = append(errs, fmt.Errorf("check %s: %w", item.path, item.err))
				continue
			}
			reports = append(reports, FileReport{Path: item.path, Content: item.content, Diagnostics: item.diags})
			continue
		}
		ds, err := e.detach(item.id)
		if err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", item.path, err))
			continue
		}
		if item.err != nil {
			errs = append(errs, fmt.Errorf("check %s: %w", item.path, item.err))
			continue
		}
		if ds.enabled {
			if _, err := buryTo.Bury(ds.doc, ds.set); err != nil {
				errs = append(errs, fmt.Errorf("bury %s: %w", item.path, err))
			}
		}
		item.lang = ds.doc.Language()
		item.hash = store.ContentHash(item.content)
		reports = append(reports, FileReport{Path: item.path, Language: item.lang, Content: item.content, Diagnostics: item.diags})
	}
	if err := e.store.CommitBatch(batch); err != nil {
		errs = append(errs, fmt.Errorf("commit: %w", err))
	}
	now := time.Now()
	for _, item := range items {
		if !item.owned || item.err != nil || item.hash == 0 {
			continue
		}
		if err := e.store.MarkAnalyzed(item.path, item.lang, item.hash, now); err != nil {
			errs = append(errs, fmt.Errorf("mark analyzed %s: %w", item.path, err))
		}
	}

	if len(errs) > 0 {
		return reports, fmt.Errorf("check had %d error(s): %w", len(errs), errs[0])
	}
	return reports, nil
}

// prepareCheck does Phase A work for a single file.
func (e *Engine) prepareCheck(path string) (*checkItem, error) {
	if id, ok := e.Lookup(path); ok {
		return &checkItem{path: path, id: id}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	id, err := e.Open(path, string(content))
	if err != nil {
		return nil, err
	}
	return &checkItem{path: path, id: id, owned: true}, nil
}

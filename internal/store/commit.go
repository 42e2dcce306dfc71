package store

import (
	"fmt"
	"maps"
	"slices"
)

// CommitBatch writes everything buffered in batch within a single
// transaction, then empties the batch. Paths are written in sorted order so
// the result does not depend on map iteration.
//
// Write order:
//  1. Deleted graves
//  2. Buried graves (creating file rows as needed)
//  3. File settings
func (s *Store) CommitBatch(batch *Batch) error {
	batch.mu.Lock()
	defer batch.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("commit batch: begin: %w", err)
	}
	defer tx.Rollback()

	for _, path := range slices.Sorted(maps.Keys(batch.deleted)) {
		if _, err := tx.Exec(
			"DELETE FROM graves WHERE file_id = (SELECT id FROM files WHERE path = ?)", path,
		); err != nil {
			return fmt.Errorf("commit batch: delete grave %s: %w", path, err)
		}
	}

	for _, path := range slices.Sorted(maps.Keys(batch.graves)) {
		if err := putGrave(tx, batch.graves[path]); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
	}

	for _, path := range slices.Sorted(maps.Keys(batch.settings)) {
		if err := setHighlighting(tx, path, batch.settings[path]); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: commit: %w", err)
	}
	clear(batch.graves)
	clear(batch.deleted)
	clear(batch.settings)
	return nil
}

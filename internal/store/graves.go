package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GraveStore is the grave access the grave package needs. Both Store and
// Batch implement it.
type GraveStore interface {
	PutGrave(g *Grave) error
	GraveByPath(path string) (*Grave, error)
	DeleteGrave(path string) error
}

var (
	_ GraveStore = (*Store)(nil)
	_ GraveStore = (*Batch)(nil)
)

// PutGrave stores g, replacing any grave already buried for the same path.
func (s *Store) PutGrave(g *Grave) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("put grave: begin: %w", err)
	}
	defer tx.Rollback()
	if err := putGrave(tx, g); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put grave: commit: %w", err)
	}
	return nil
}

func putGrave(tx *sql.Tx, g *Grave) error {
	fileID, err := upsertFile(tx, &File{Path: g.Path, Language: ""})
	if err != nil {
		return err
	}
	buried := g.BuriedAt
	if buried.IsZero() {
		buried = time.Now()
	}
	_, err = tx.Exec(
		`INSERT INTO graves (file_id, format_version, content_hash, record_count, data, buried_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET
		   format_version = excluded.format_version,
		   content_hash = excluded.content_hash,
		   record_count = excluded.record_count,
		   data = excluded.data,
		   buried_at = excluded.buried_at`,
		fileID, g.FormatVersion, int64(g.ContentHash), g.RecordCount, g.Data, buried,
	)
	if err != nil {
		return fmt.Errorf("put grave %s: %w", g.Path, err)
	}
	return nil
}

// GraveByPath returns the grave buried for path, or nil if none exists.
func (s *Store) GraveByPath(path string) (*Grave, error) {
	var (
		g    Grave
		hash int64
	)
	err := s.db.QueryRow(
		`SELECT f.path, g.format_version, g.content_hash, g.record_count, g.data, g.buried_at
		 FROM graves g JOIN files f ON f.id = g.file_id
		 WHERE f.path = ?`, path,
	).Scan(&g.Path, &g.FormatVersion, &hash, &g.RecordCount, &g.Data, &g.BuriedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("grave by path %s: %w", path, err)
	}
	g.ContentHash = uint64(hash)
	return &g, nil
}

// DeleteGrave removes the grave for path. Deleting a missing grave is not
// an error.
func (s *Store) DeleteGrave(path string) error {
	_, err := s.db.Exec(
		"DELETE FROM graves WHERE file_id = (SELECT id FROM files WHERE path = ?)", path,
	)
	if err != nil {
		return fmt.Errorf("delete grave %s: %w", path, err)
	}
	return nil
}

// Graves lists all buried graves ordered by path.
func (s *Store) Graves() ([]*GraveInfo, error) {
	rows, err := s.db.Query(
		`SELECT f.path, g.format_version, g.content_hash, g.record_count, length(g.data), g.buried_at
		 FROM graves g JOIN files f ON f.id = g.file_id
		 ORDER BY f.path`,
	)
	if err != nil {
		return nil, fmt.Errorf("list graves: %w", err)
	}
	defer rows.Close()

	var out []*GraveInfo
	for rows.Next() {
		var (
			gi   GraveInfo
			hash int64
		)
		if err := rows.Scan(&gi.Path, &gi.FormatVersion, &hash, &gi.RecordCount, &gi.Size, &gi.BuriedAt); err != nil {
			return nil, fmt.Errorf("scan grave: %w", err)
		}
		gi.ContentHash = uint64(hash)
		out = append(out, &gi)
	}
	return out, rows.Err()
}

// ClearGraves deletes every grave and returns how many were removed.
func (s *Store) ClearGraves() (int64, error) {
	res, err := s.db.Exec("DELETE FROM graves")
	if err != nil {
		return 0, fmt.Errorf("clear graves: %w", err)
	}
	return res.RowsAffected()
}

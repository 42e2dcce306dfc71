package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// SetHighlightingEnabled persists whether analysis runs for path.
func (s *Store) SetHighlightingEnabled(path string, enabled bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("set highlighting: begin: %w", err)
	}
	defer tx.Rollback()
	if err := setHighlighting(tx, path, enabled); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set highlighting: commit: %w", err)
	}
	return nil
}

func setHighlighting(tx *sql.Tx, path string, enabled bool) error {
	fileID, err := upsertFile(tx, &File{Path: path})
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO file_settings (file_id, highlighting_enabled) VALUES (?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET highlighting_enabled = excluded.highlighting_enabled`,
		fileID, enabled,
	)
	if err != nil {
		return fmt.Errorf("set highlighting %s: %w", path, err)
	}
	return nil
}

// HighlightingEnabled reports whether analysis is enabled for path. Files
// without a setting are enabled.
func (s *Store) HighlightingEnabled(path string) (bool, error) {
	var enabled bool
	err := s.db.QueryRow(
		`SELECT fs.highlighting_enabled FROM file_settings fs
		 JOIN files f ON f.id = fs.file_id WHERE f.path = ?`, path,
	).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("highlighting enabled %s: %w", path, err)
	}
	return enabled, nil
}

// DisabledFiles returns the paths with highlighting disabled, sorted.
func (s *Store) DisabledFiles() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT f.path FROM file_settings fs JOIN files f ON f.id = fs.file_id
		 WHERE NOT fs.highlighting_enabled ORDER BY f.path`,
	)
	if err != nil {
		return nil, fmt.Errorf("disabled files: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan disabled file: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

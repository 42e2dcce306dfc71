package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite data access layer for vigil's durable state: known
// files, buried highlight graves, per-file settings and metadata.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database at dbPath with WAL mode enabled.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use in transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates all tables and indexes. Idempotent.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := s.SetMeta("schema_version", SchemaVersion); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// SchemaVersion is recorded in the metadata table by Migrate.
const SchemaVersion = "1"

const schemaDDL = `
CREATE TABLE IF NOT EXISTS files (
  id              INTEGER PRIMARY KEY,
  path            TEXT NOT NULL UNIQUE,
  language        TEXT NOT NULL,
  hash            INTEGER,
  last_analyzed   TIMESTAMP
);

CREATE TABLE IF NOT EXISTS graves (
  file_id         INTEGER PRIMARY KEY REFERENCES files(id) ON DELETE CASCADE,
  format_version  INTEGER NOT NULL,
  content_hash    INTEGER NOT NULL,
  record_count    INTEGER NOT NULL,
  data            BLOB NOT NULL,
  buried_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS file_settings (
  file_id              INTEGER PRIMARY KEY REFERENCES files(id) ON DELETE CASCADE,
  highlighting_enabled BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS metadata (
  key             TEXT PRIMARY KEY,
  value           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_graves_buried_at ON graves(buried_at);
`

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

// UpsertFile inserts the file or updates its language, hash and timestamp.
// It sets f.ID and returns it.
func (s *Store) UpsertFile(f *File) (int64, error) {
	return upsertFile(s.db, f)
}

type execQuerier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func upsertFile(q execQuerier, f *File) (int64, error) {
	var lastAnalyzed any
	if !f.LastAnalyzed.IsZero() {
		lastAnalyzed = f.LastAnalyzed
	}
	err := q.QueryRow(
		`INSERT INTO files (path, language, hash, last_analyzed) VALUES (?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   language = CASE WHEN excluded.language = '' THEN files.language ELSE excluded.language END,
		   hash = COALESCE(excluded.hash, files.hash),
		   last_analyzed = COALESCE(excluded.last_analyzed, files.last_analyzed)
		 RETURNING id`,
		f.Path, f.Language, hashArg(f.Hash), lastAnalyzed,
	).Scan(&f.ID)
	if err != nil {
		return 0, fmt.Errorf("upsert file %s: %w", f.Path, err)
	}
	return f.ID, nil
}

// FileByPath returns the file record for path, or nil if none exists.
func (s *Store) FileByPath(path string) (*File, error) {
	var (
		f            File
		hash         sql.NullInt64
		lastAnalyzed sql.NullTime
	)
	err := s.db.QueryRow(
		"SELECT id, path, language, hash, last_analyzed FROM files WHERE path = ?", path,
	).Scan(&f.ID, &f.Path, &f.Language, &hash, &lastAnalyzed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file by path %s: %w", path, err)
	}
	f.Hash = uint64(hash.Int64)
	if lastAnalyzed.Valid {
		f.LastAnalyzed = lastAnalyzed.Time
	}
	return &f, nil
}

// MarkAnalyzed records that path was fully analysed with content hash.
func (s *Store) MarkAnalyzed(path, language string, hash uint64, at time.Time) error {
	_, err := s.UpsertFile(&File{Path: path, Language: language, Hash: hash, LastAnalyzed: at})
	return err
}

// DeleteFile removes a file and, by cascade, its grave and settings.
func (s *Store) DeleteFile(path string) error {
	if _, err := s.db.Exec("DELETE FROM files WHERE path = ?", path); err != nil {
		return fmt.Errorf("delete file %s: %w", path, err)
	}
	return nil
}

// hashArg stores a zero hash as NULL. SQLite integers are signed, so the
// uint64 is stored by its bit pattern.
func hashArg(h uint64) any {
	if h == 0 {
		return nil
	}
	return int64(h)
}

// ---------------------------------------------------------------------------
// Metadata
// ---------------------------------------------------------------------------

// SetMeta stores a metadata value.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// Meta returns a metadata value and whether it exists.
func (s *Store) Meta(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("meta %s: %w", key, err)
	}
	return v, true, nil
}

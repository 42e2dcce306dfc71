package store

import "time"

// File is a document path the engine has seen.
type File struct {
	ID           int64
	Path         string
	Language     string
	Hash         uint64
	LastAnalyzed time.Time
}

// Grave is a buried highlight snapshot. Data is the encoded snapshot; the
// store treats it as opaque bytes.
type Grave struct {
	Path          string
	FormatVersion int
	ContentHash   uint64
	RecordCount   int
	Data          []byte
	BuriedAt      time.Time
}

// GraveInfo is a Grave without its payload, for listings.
type GraveInfo struct {
	Path          string
	FormatVersion int
	ContentHash   uint64
	RecordCount   int
	Size          int
	BuriedAt      time.Time
}

package store

import "github.com/cespare/xxhash/v2"

// ContentHash is the document content hash stored with files and graves.
// A grave is only exhumed into a document whose content hash matches.
func ContentHash(content string) uint64 {
	return xxhash.Sum64String(content)
}

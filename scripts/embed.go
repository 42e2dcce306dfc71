// Package scripts embeds the built-in Risor collaborator scripts.
//
// Scripts under highlight/ run as range collaborators of the general stage
// and see chunk_start/chunk_end; scripts under file/ run once per run as
// file-level collaborators. A directory below either root restricts its
// scripts to that language.
package scripts

import "embed"

//go:embed highlight file
var FS embed.FS

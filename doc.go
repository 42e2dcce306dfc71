// Package vigil is an incremental background analysis engine for open text
// documents. It keeps per-document highlights fresh while the user types,
// re-analysing only what an edit invalidated.
//
// # Pipeline
//
// Every edit goes through the same steps:
//
//  1. The live highlights are shifted through the edit and the document's
//     current run is cancelled.
//  2. The dirty tracker marks the whole file dirty, then narrows that to the
//     innermost structural element the edit touched when tree-sitter
//     reports one after the incremental reparse.
//  3. After the reparse delay a new run instantiates every dirty stage and
//     executes them by dependency. Stages apply diagnostics the moment they
//     are produced and retire stale ones chunk by chunk.
//
// Closing a document buries its highlights in SQLite keyed by content hash;
// reopening identical text restores them as zombies until the live
// analysis has covered the file.
//
// # Usage
//
//	e, err := vigil.New("vigil.db", vigil.WithScriptsFS(scripts.FS))
//	if err != nil { ... }
//	defer e.Close()
//
//	id, err := e.Open("main.go", src)
//	err = e.Edit(id, vigil.Edit{Offset: 120, OldLen: 0, NewText: "x"})
//	err = e.WaitForIdle(ctx)
//	diags, err := e.Highlights(id)
//
// # Stages and collaborators
//
// Two stages are registered by default: the general stage, which runs
// range collaborators over the dirty scope one top-level element at a
// time, visible range first, and the file-level stage, which runs
// whole-file collaborators after the general stage has started. Callers
// add collaborators with [WithCollaborators] or register further stages
// with [Engine.RegisterStage]. Risor scripts under highlight/ and file/ in
// the scripts filesystem are loaded as collaborators.
//
// # Suspending analysis
//
// [Engine.BeginHeavyOperation] and [Engine.BeginBulkUpdate] hold runs back
// while batches of edits land; dirty state is kept and a single restart
// follows the release. [Engine.SetDumbMode] defers stages that need the
// index without cancelling runs in flight.
package vigil

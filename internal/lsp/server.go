// Package lsp serves the engine's live highlights over the Language Server
// Protocol. Text documents are synced in full; every change of a
// document's highlight set is published as textDocument/publishDiagnostics.
package lsp

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	"github.com/tliron/glsp/server"

	"github.com/jward/vigil"
	"github.com/jward/vigil/internal/text"
)

const (
	serverName         = "vigil"
	publishDiagnostics = "textDocument/publishDiagnostics"
)

// Backend is the part of the engine the server drives. *vigil.Engine
// implements it.
type Backend interface {
	Open(path, content string) (vigil.DocID, error)
	Edit(id vigil.DocID, e vigil.Edit) error
	Replace(id vigil.DocID, content string) error
	CloseDocument(id vigil.DocID) error
	Text(id vigil.DocID) (string, error)
	Highlights(id vigil.DocID) ([]vigil.Diagnostic, error)
	FileLevelHighlights(id vigil.DocID) ([]vigil.Diagnostic, error)
	Subscribe(fn func(vigil.Event)) (unsubscribe func())
}

// Server bridges LSP text document notifications to a Backend.
type Server struct {
	backend Backend
	logger  *slog.Logger
	version string
	handler protocol.Handler

	mu     sync.Mutex
	docs   map[protocol.DocumentUri]vigil.DocID
	uris   map[vigil.DocID]protocol.DocumentUri
	notify glsp.NotifyFunc

	unsubscribe func()
}

// NewServer creates a server over backend and subscribes to its events.
func NewServer(backend Backend, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	srv := &Server{
		backend: backend,
		logger:  logger,
		version: version,
		docs:    make(map[protocol.DocumentUri]vigil.DocID),
		uris:    make(map[vigil.DocID]protocol.DocumentUri),
	}
	srv.handler = protocol.Handler{
		Initialize:            srv.initialize,
		Initialized:           srv.initialized,
		Shutdown:              srv.shutdown,
		SetTrace:              srv.setTrace,
		TextDocumentDidOpen:   srv.didOpen,
		TextDocumentDidChange: srv.didChange,
		TextDocumentDidSave:   srv.didSave,
		TextDocumentDidClose:  srv.didClose,
	}
	srv.unsubscribe = backend.Subscribe(srv.onEvent)
	return srv
}

// RunStdio serves LSP on stdin/stdout until the client disconnects.
func (srv *Server) RunStdio() error {
	defer srv.unsubscribe()
	if err := server.NewServer(&srv.handler, serverName, false).RunStdio(); err != nil {
		return fmt.Errorf("lsp: %w", err)
	}
	return nil
}

// Close stops publishing.
func (srv *Server) Close() { srv.unsubscribe() }

func (srv *Server) initialize(ctx *glsp.Context, _ *protocol.InitializeParams) (any, error) {
	srv.setNotify(ctx)
	capabilities := srv.handler.CreateServerCapabilities()
	openClose := true
	change := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = protocol.TextDocumentSyncOptions{OpenClose: &openClose, Change: &change}

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    serverName,
			Version: &srv.version,
		},
	}, nil
}

func (srv *Server) initialized(_ *glsp.Context, _ *protocol.InitializedParams) error {
	return nil
}

func (srv *Server) shutdown(_ *glsp.Context) error {
	protocol.SetTraceValue(protocol.TraceValueOff)
	return nil
}

func (srv *Server) setTrace(_ *glsp.Context, params *protocol.SetTraceParams) error {
	protocol.SetTraceValue(params.Value)
	return nil
}

func (srv *Server) setNotify(ctx *glsp.Context) {
	if ctx == nil || ctx.Notify == nil {
		return
	}
	srv.mu.Lock()
	srv.notify = ctx.Notify
	srv.mu.Unlock()
}

func (srv *Server) didOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	srv.setNotify(ctx)
	uri := params.TextDocument.URI
	path := uriToPath(uri)
	if path == "" {
		return fmt.Errorf("lsp: unsupported uri %q", uri)
	}
	id, err := srv.backend.Open(path, params.TextDocument.Text)
	if err != nil {
		return fmt.Errorf("lsp: open %s: %w", path, err)
	}
	srv.mu.Lock()
	srv.docs[uri] = id
	srv.uris[id] = uri
	srv.mu.Unlock()
	srv.logger.Debug("lsp: opened", "uri", uri, "doc", id)

	// Restored zombies are already in the set.
	srv.publish(id)
	return nil
}

func (srv *Server) lookup(uri protocol.DocumentUri) (vigil.DocID, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	id, ok := srv.docs[uri]
	return id, ok
}

func (srv *Server) didChange(_ *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI
	id, ok := srv.lookup(uri)
	if !ok {
		return fmt.Errorf("lsp: change of unopened document %q", uri)
	}
	for _, change := range params.ContentChanges {
		if err := srv.applyChange(id, change); err != nil {
			return fmt.Errorf("lsp: change %s: %w", uri, err)
		}
	}
	return nil
}

var errUnknownChange = errors.New("unknown content change")

func (srv *Server) applyChange(id vigil.DocID, change any) error {
	switch c := change.(type) {
	case protocol.TextDocumentContentChangeEventWhole:
		return srv.backend.Replace(id, c.Text)
	case protocol.TextDocumentContentChangeEvent:
		if c.Range == nil {
			return srv.backend.Replace(id, c.Text)
		}
		current, err := srv.backend.Text(id)
		if err != nil {
			return err
		}
		li := text.NewLineIndex(current)
		start, end := offset(current, li, c.Range.Start), offset(current, li, c.Range.End)
		return srv.backend.Edit(id, vigil.Edit{Offset: start, OldLen: end - start, NewText: c.Text})
	case map[string]any:
		if t, ok := c["text"].(string); ok {
			return srv.backend.Replace(id, t)
		}
	}
	return fmt.Errorf("%w: %T", errUnknownChange, change)
}

func (srv *Server) didSave(_ *glsp.Context, params *protocol.DidSaveTextDocumentParams) error {
	if id, ok := srv.lookup(params.TextDocument.URI); ok && params.Text != nil {
		return srv.backend.Replace(id, *params.Text)
	}
	return nil
}

func (srv *Server) didClose(_ *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI
	srv.mu.Lock()
	id, ok := srv.docs[uri]
	delete(srv.docs, uri)
	delete(srv.uris, id)
	notify := srv.notify
	srv.mu.Unlock()
	if !ok {
		return nil
	}
	if err := srv.backend.CloseDocument(id); err != nil {
		return fmt.Errorf("lsp: close %s: %w", uri, err)
	}
	if notify != nil {
		notify(publishDiagnostics, &protocol.PublishDiagnosticsParams{
			URI:         uri,
			Diagnostics: []protocol.Diagnostic{},
		})
	}
	return nil
}

func (srv *Server) onEvent(ev vigil.Event) {
	switch ev.Kind {
	case vigil.EventHighlightsChanged:
		srv.publish(ev.Doc)
	case vigil.EventFault:
		srv.logger.Warn("lsp: collaborator fault", "path", ev.Path, "source", ev.Source, "err", ev.Err)
	}
}

// publish sends the current highlights of id. A document closed in the
// meantime is skipped.
func (srv *Server) publish(id vigil.DocID) {
	srv.mu.Lock()
	uri, ok := srv.uris[id]
	notify := srv.notify
	srv.mu.Unlock()
	if !ok || notify == nil {
		return
	}

	content, err := srv.backend.Text(id)
	if err != nil {
		return
	}
	ranged, err := srv.backend.Highlights(id)
	if err != nil {
		return
	}
	fileLevel, err := srv.backend.FileLevelHighlights(id)
	if err != nil {
		return
	}
	notify(publishDiagnostics, &protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: Diagnostics(content, ranged, fileLevel),
	})
}

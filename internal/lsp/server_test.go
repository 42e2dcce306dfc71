package lsp

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/jward/vigil"
	"github.com/jward/vigil/internal/highlight"
	"github.com/jward/vigil/internal/text"
)

// recorder captures published diagnostics per URI.
type recorder struct {
	mu   sync.Mutex
	last map[string][]protocol.Diagnostic
}

func (r *recorder) notify(method string, params any) {
	if method != publishDiagnostics {
		return
	}
	p := params.(*protocol.PublishDiagnosticsParams)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		r.last = map[string][]protocol.Diagnostic{}
	}
	r.last[p.URI] = p.Diagnostics
}

func (r *recorder) get(uri string) ([]protocol.Diagnostic, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.last[uri]
	return d, ok
}

func todo() vigil.CollaboratorFunc {
	return vigil.CollaboratorFunc{Name: "todo", Fn: func(rc *vigil.RunContext, span vigil.Span, emit vigil.Emitter) error {
		src := rc.Snapshot.Slice(span)
		if i := strings.Index(src, "TODO"); i >= 0 {
			emit(vigil.Diagnostic{Span: vigil.Span{Start: span.Start + i, End: span.Start + i + 4}, Severity: vigil.SevWarning, Description: "todo found"})
		}
		return nil
	}}
}

func newTestServer(t *testing.T) (*Server, *recorder, *glsp.Context) {
	t.Helper()
	e, err := vigil.New(filepath.Join(t.TempDir(), "test.db"), vigil.WithReparseDelay(time.Millisecond), vigil.WithCollaborators(todo()))
	require.NoError(t, err)
	srv := NewServer(e, nil, "test")
	t.Cleanup(func() {
		srv.Close()
		e.Close()
	})
	rec := &recorder{}
	return srv, rec, &glsp.Context{Notify: rec.notify}
}

func TestServer_OpenChangeClose(t *testing.T) {
	srv, rec, ctx := newTestServer(t)
	uri := pathToURI(filepath.Join(t.TempDir(), "notes.txt"))

	require.NoError(t, srv.didOpen(ctx, &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{URI: uri, LanguageID: "plaintext", Version: 1, Text: "ok\nTODO here\n"},
	}))
	require.Eventually(t, func() bool {
		d, _ := rec.get(uri)
		return len(d) == 1
	}, 5*time.Second, 5*time.Millisecond)
	d, _ := rec.get(uri)
	assert.Equal(t, "todo found", d[0].Message)
	assert.Equal(t, protocol.Position{Line: 1, Character: 0}, d[0].Range.Start)
	assert.Equal(t, protocol.Position{Line: 1, Character: 4}, d[0].Range.End)

	require.NoError(t, srv.didChange(ctx, &protocol.DidChangeTextDocumentParams{
		TextDocument:   protocol.VersionedTextDocumentIdentifier{TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: uri}, Version: 2},
		ContentChanges: []any{protocol.TextDocumentContentChangeEventWhole{Text: "all clean\n"}},
	}))
	require.Eventually(t, func() bool {
		d, _ := rec.get(uri)
		return len(d) == 0
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, srv.didClose(ctx, &protocol.DidCloseTextDocumentParams{TextDocument: protocol.TextDocumentIdentifier{URI: uri}}))
	_, open := srv.lookup(uri)
	assert.False(t, open)
}

func TestServer_ChangeOfUnopenedDocument(t *testing.T) {
	srv, _, ctx := newTestServer(t)
	err := srv.didChange(ctx, &protocol.DidChangeTextDocumentParams{
		TextDocument:   protocol.VersionedTextDocumentIdentifier{TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: "file:///nowhere.txt"}},
		ContentChanges: []any{map[string]any{"text": "x"}},
	})
	assert.Error(t, err)
}

func TestServer_RangedChange(t *testing.T) {
	srv, rec, ctx := newTestServer(t)
	uri := pathToURI(filepath.Join(t.TempDir(), "notes.txt"))
	require.NoError(t, srv.didOpen(ctx, &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{URI: uri, Text: "line one\nline two\n"},
	}))

	id, ok := srv.lookup(uri)
	require.True(t, ok)
	require.NoError(t, srv.didChange(ctx, &protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: uri}},
		ContentChanges: []any{protocol.TextDocumentContentChangeEvent{
			Range: &protocol.Range{Start: protocol.Position{Line: 1, Character: 5}, End: protocol.Position{Line: 1, Character: 8}},
			Text:  "TODO",
		}},
	}))
	got, err := srv.backend.Text(id)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline TODO\n", got)

	require.Eventually(t, func() bool {
		d, _ := rec.get(uri)
		return len(d) == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestServer_Initialize(t *testing.T) {
	srv, _, ctx := newTestServer(t)
	res, err := srv.initialize(ctx, &protocol.InitializeParams{})
	require.NoError(t, err)
	result := res.(protocol.InitializeResult)
	assert.Equal(t, "vigil", result.ServerInfo.Name)
	opts, ok := result.Capabilities.TextDocumentSync.(protocol.TextDocumentSyncOptions)
	require.True(t, ok)
	assert.Equal(t, protocol.TextDocumentSyncKindFull, *opts.Change)
}

func TestDiagnostics(t *testing.T) {
	t.Parallel()
	content := "abc\ndef\n"
	ranged := []highlight.Diagnostic{
		{Span: text.Span{Start: 5, End: 7}, Severity: highlight.SevError, Description: "bad", SourceID: "x"},
		{Span: text.Span{Start: 0, End: 1}, Severity: highlight.SevInformation},
		{Span: text.Span{Start: 0, End: 3}, Severity: highlight.SevWeakWarning, Description: "old", Zombie: true},
	}
	fileLevel := []highlight.Diagnostic{{FileLevel: true, Severity: highlight.SevWarning, Description: "whole"}}

	got := Diagnostics(content, ranged, fileLevel)
	require.Len(t, got, 3)
	assert.Equal(t, "whole", got[0].Message)
	assert.Equal(t, protocol.Range{}, got[0].Range)
	assert.Equal(t, protocol.DiagnosticSeverityWarning, *got[0].Severity)

	assert.Equal(t, "bad", got[1].Message)
	assert.Equal(t, protocol.Range{Start: protocol.Position{Line: 1, Character: 1}, End: protocol.Position{Line: 1, Character: 3}}, got[1].Range)
	assert.Equal(t, protocol.DiagnosticSeverityError, *got[1].Severity)
	assert.Equal(t, "x", got[1].Code.Value)

	assert.Equal(t, protocol.DiagnosticSeverityInformation, *got[2].Severity)
	assert.Empty(t, got[2].Tags)
	assert.Equal(t, map[string]any{"zombie": true}, got[2].Data)
	assert.Nil(t, got[1].Data)
}

func TestPositions_UTF16(t *testing.T) {
	t.Parallel()
	content := "x\naé😀b\n"
	li := text.NewLineIndex(content)
	b := strings.Index(content, "b")

	got := position(content, li, b)
	assert.Equal(t, protocol.Position{Line: 1, Character: 4}, got)
	assert.Equal(t, b, offset(content, li, got))

	// A column inside the surrogate pair stays before the emoji.
	assert.Equal(t, strings.Index(content, "😀"), offset(content, li, protocol.Position{Line: 1, Character: 3}))
	// Past the end of the line clamps to the newline.
	assert.Equal(t, b+1, offset(content, li, protocol.Position{Line: 1, Character: 99}))

	diags := Diagnostics(content, []highlight.Diagnostic{
		{Span: text.Span{Start: b, End: b + 1}, Severity: highlight.SevError, Description: "b"},
	}, nil)
	require.Len(t, diags, 1)
	assert.Equal(t, protocol.Position{Line: 1, Character: 5}, diags[0].Range.End)
}

func TestURIRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "dir with space", "a.go")
	assert.Equal(t, path, uriToPath(pathToURI(path)))
	assert.Empty(t, uriToPath("untitled:Untitled-1"))
}

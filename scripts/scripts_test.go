package scripts_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/vigil"
	"github.com/jward/vigil/internal/runtime"
	"github.com/jward/vigil/scripts"
)

func newTestEngine(t *testing.T) *vigil.Engine {
	t.Helper()
	e, err := vigil.New(filepath.Join(t.TempDir(), "test.db"), vigil.WithScriptsFS(scripts.FS))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestDiscover_EmbeddedScripts(t *testing.T) {
	rt := runtime.NewRuntime("", runtime.WithRuntimeFS(scripts.FS))
	ranged, fileLevel, err := runtime.Discover(rt, scripts.FS)
	require.NoError(t, err)

	require.Len(t, ranged, 1)
	assert.Equal(t, "highlight/go/todo.risor", ranged[0].Path())
	require.Len(t, fileLevel, 1)
	assert.Equal(t, "file/long_file.risor", fileLevel[0].Path())
	assert.True(t, fileLevel[0].FileLevel())
}

func TestTodo_FlagsComments(t *testing.T) {
	e := newTestEngine(t)
	src := `package a

// TODO: split this up
func f() {
	// plain comment
	_ = 1 // FIXME later
}
`
	id, err := e.Open("a.go", src)
	require.NoError(t, err)
	got, err := e.RunMainPasses(context.Background(), id)
	require.NoError(t, err)

	var messages []string
	for _, d := range got {
		assert.Equal(t, vigil.SevWeakWarning, d.Severity)
		assert.Equal(t, "TODO", d.Attributes.Key)
		assert.Equal(t, d.Description, src[d.Span.Start:d.Span.End])
		messages = append(messages, d.Description)
	}
	assert.ElementsMatch(t, []string{"// TODO: split this up", "// FIXME later"}, messages)
}

func TestTodo_OnlyGo(t *testing.T) {
	e := newTestEngine(t)
	id, err := e.Open("notes.txt", "TODO: not a comment\n")
	require.NoError(t, err)
	got, err := e.RunMainPasses(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLongFile(t *testing.T) {
	e := newTestEngine(t)
	id, err := e.Open("long.txt", strings.Repeat("line\n", 1200))
	require.NoError(t, err)
	_, err = e.RunMainPasses(context.Background(), id)
	require.NoError(t, err)

	got, err := e.FileLevelHighlights(id)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "file has 1201 lines (limit 1000)", got[0].Description)
	assert.Equal(t, "script:file/long_file", got[0].SourceID)

	short, err := e.Open("short.txt", "one line\n")
	require.NoError(t, err)
	_, err = e.RunMainPasses(context.Background(), short)
	require.NoError(t, err)
	got, err = e.FileLevelHighlights(short)
	require.NoError(t, err)
	assert.Empty(t, got)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/vigil/internal/highlight"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, t.TempDir(), `
[daemon]
reparse_delay = "50ms"
workers = 3
serial = true
min_severity = "error"
chunk_lines = 40

[highlighting]
disabled = ["vendor/**", "*.min.js", "gen/*.go"]

[scripts]
dir = "my-scripts"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, 50*time.Millisecond, cfg.Daemon.ReparseDelay.Duration)
	assert.Equal(t, 3, cfg.Daemon.Workers)
	assert.True(t, cfg.Daemon.Serial)
	assert.Equal(t, highlight.SevError, cfg.MinSeverity())
	assert.Equal(t, 40, cfg.Daemon.ChunkLines)
	assert.Equal(t, "my-scripts", cfg.Scripts.Dir)
}

func TestLoad_DefaultsKept(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, t.TempDir(), "[daemon]\nworkers = 2\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultReparseDelay, cfg.Daemon.ReparseDelay.Duration)
	assert.Zero(t, cfg.MinSeverity())
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()
	for name, body := range map[string]string{
		"syntax":       "[daemon\n",
		"unknown key":  "[daemon]\nworkerz = 2\n",
		"bad duration": "[daemon]\nreparse_delay = \"soon\"\n",
		"negative":     "[daemon]\nworkers = -1\n",
		"severity":     "[daemon]\nmin_severity = \"fatal\"\n",
		"pattern":      "[highlighting]\ndisabled = [\"[\"]\n",
	} {
		_, err := Load(writeConfig(t, t.TempDir(), body))
		assert.Error(t, err, name)
	}
}

func TestFind(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	want := writeConfig(t, root, "")
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	got, ok, err := Find(nested)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestHighlightingDisabled(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Highlighting.Disabled = []string{"vendor/**", "*.min.js", "gen/*.go"}

	for rel, want := range map[string]bool{
		"vendor/x/y.go":     true,
		"vendor":            true,
		"vendored/a.go":     false,
		"web/app.min.js":    true,
		"web/app.js":        false,
		"gen/types.go":      true,
		"gen/sub/types.go":  false,
		"internal/gen/x.go": false,
	} {
		assert.Equal(t, want, cfg.HighlightingDisabled(rel), rel)
	}
}

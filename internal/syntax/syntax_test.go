package syntax

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/vigil/internal/text"
)

const goSrc = `package a

func one() int {
	return 1
}

func two() int {
	x := 2
	return x
}
`

func parseGo(t *testing.T) *Tree {
	t.Helper()
	tree, err := Parse(context.Background(), "go", goSrc)
	require.NoError(t, err)
	t.Cleanup(tree.Close)
	return tree
}

func TestLanguageForFile(t *testing.T) {
	for path, want := range map[string]string{"a.go": "go", "b.TS": "typescript", "c.py": "python", "notes.txt": "text"} {
		got, ok := LanguageForFile(path)
		assert.True(t, ok, path)
		assert.Equal(t, want, got, path)
	}
	_, ok := LanguageForFile("Makefile")
	assert.False(t, ok)
	assert.True(t, Supported("go"))
	assert.False(t, Supported("text"))
}

func TestParse_Unsupported(t *testing.T) {
	_, err := Parse(context.Background(), "text", "hello")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestOutline(t *testing.T) {
	tree := parseGo(t)
	outline := tree.Outline().TopLevel()
	require.Len(t, outline, 3)
	assert.Equal(t, "package a", goSrc[outline[0].Start:outline[0].End])
	assert.True(t, strings.HasPrefix(goSrc[outline[2].Start:outline[2].End], "func two()"))
}

func TestEdit_EnclosingElement(t *testing.T) {
	tree := parseGo(t)
	two := tree.Outline()[2]

	off := strings.Index(goSrc, "x := 2") + len("x := ")
	span, ok, err := tree.Edit(context.Background(), text.Edit{Offset: off, OldLen: 1, NewText: "3"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, span.Contains(text.Span{Start: off, End: off + 1}), span.String())
	assert.True(t, two.Contains(span), "%s not inside %s", span, two)
	assert.Less(t, span.Len(), two.Len())
}

func TestEdit_BetweenDeclarations(t *testing.T) {
	tree := parseGo(t)
	off := strings.Index(goSrc, "}\n\nfunc two") + 2
	_, ok, err := tree.Edit(context.Background(), text.Edit{Offset: off, NewText: "\n"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEdit_UpdatesOutline(t *testing.T) {
	tree := parseGo(t)
	before := tree.Outline()

	_, _, err := tree.Edit(context.Background(), text.Edit{Offset: len(goSrc), NewText: "\nfunc three() {}\n"})
	require.NoError(t, err)
	after := tree.Outline()
	require.Len(t, after, 4)
	assert.Len(t, before, 3, "earlier outline is not mutated")
	assert.Equal(t, before[1], after[1])
}

func TestEdit_OutOfRange(t *testing.T) {
	tree := parseGo(t)
	_, _, err := tree.Edit(context.Background(), text.Edit{Offset: len(goSrc) + 1, NewText: "x"})
	assert.ErrorIs(t, err, text.ErrEditOutOfRange)
}

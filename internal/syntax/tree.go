package syntax

import (
	"context"
	"errors"
	"fmt"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/vigil/internal/text"
)

// ErrUnsupported is returned by Parse for a language without a grammar.
var ErrUnsupported = errors.New("syntax: unsupported language")

// Outline is the list of top-level declaration spans of one parse. It
// implements passes.Outline and is immutable.
type Outline []text.Span

// TopLevel returns the spans in document order.
func (o Outline) TopLevel() []text.Span { return o }

// Tree is the parse tree of one document. Edits reparse incrementally from
// the previous tree. A Tree is safe for concurrent use; Outline values it
// returns stay valid after later edits.
type Tree struct {
	mu      sync.Mutex
	lang    string
	parser  *sitter.Parser
	tree    *sitter.Tree
	src     []byte
	outline Outline
}

// Parse builds the tree for src in lang.
func Parse(ctx context.Context, lang, src string) (*Tree, error) {
	grammar, ok := GrammarFor(lang)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, lang)
	}
	parser := sitter.NewParser()
	parser.SetLanguage(grammar)
	tree, err := parser.ParseCtx(ctx, nil, []byte(src))
	if err != nil {
		parser.Close()
		return nil, fmt.Errorf("syntax: parse: %w", err)
	}
	t := &Tree{lang: lang, parser: parser, tree: tree, src: []byte(src)}
	t.outline = outlineOf(tree.RootNode())
	return t, nil
}

// Language returns the canonical language name.
func (t *Tree) Language() string { return t.lang }

// Outline returns the top-level spans of the current parse.
func (t *Tree) Outline() Outline {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outline
}

// Close releases the tree-sitter resources.
func (t *Tree) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tree != nil {
		t.tree.Close()
		t.tree = nil
	}
	if t.parser != nil {
		t.parser.Close()
		t.parser = nil
	}
}

// Edit applies e to the tree, reparses, and returns the span of the
// smallest well-formed structural element that contains the edited text.
// ok is false when no element narrower than the whole file contains it;
// callers then keep the whole file dirty.
func (t *Tree) Edit(ctx context.Context, e text.Edit) (span text.Span, ok bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tree == nil {
		return text.Span{}, false, errors.New("syntax: edit: tree closed")
	}
	if e.Offset < 0 || e.Offset+e.OldLen > len(t.src) {
		return text.Span{}, false, fmt.Errorf("syntax: edit: %w", text.ErrEditOutOfRange)
	}

	oldLines := text.NewLineIndex(string(t.src))
	updated := make([]byte, 0, len(t.src)+e.Delta())
	updated = append(updated, t.src[:e.Offset]...)
	updated = append(updated, e.NewText...)
	updated = append(updated, t.src[e.Offset+e.OldLen:]...)
	newLines := text.NewLineIndex(string(updated))

	newEnd := e.Offset + len(e.NewText)
	t.tree.Edit(sitter.EditInput{
		StartIndex:  uint32(e.Offset),
		OldEndIndex: uint32(e.Offset + e.OldLen),
		NewEndIndex: uint32(newEnd),
		StartPoint:  point(oldLines, e.Offset),
		OldEndPoint: point(oldLines, e.Offset+e.OldLen),
		NewEndPoint: point(newLines, newEnd),
	})
	tree, err := t.parser.ParseCtx(ctx, t.tree, updated)
	if err != nil {
		return text.Span{}, false, fmt.Errorf("syntax: reparse: %w", err)
	}
	t.tree.Close()
	t.tree = tree
	t.src = updated

	root := tree.RootNode()
	t.outline = outlineOf(root)
	n := enclosing(root, e.Offset, newEnd)
	if n == nil {
		return text.Span{}, false, nil
	}
	return nodeSpan(n), true, nil
}

func point(li *text.LineIndex, offset int) sitter.Point {
	line, col := li.Position(offset)
	return sitter.Point{Row: uint32(line), Column: uint32(col)}
}

func nodeSpan(n *sitter.Node) text.Span {
	return text.Span{Start: int(n.StartByte()), End: int(n.EndByte())}
}

// enclosing descends from root to the innermost named node containing
// [start,end], then climbs while the node is a leaf or contains a syntax
// error. It returns nil when only the root qualifies.
func enclosing(root *sitter.Node, start, end int) *sitter.Node {
	var path []*sitter.Node
	n := root
	for {
		var next *sitter.Node
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			if int(c.StartByte()) <= start && end <= int(c.EndByte()) {
				next = c
				break
			}
		}
		if next == nil {
			break
		}
		path = append(path, next)
		n = next
	}
	for i := len(path) - 1; i >= 0; i-- {
		c := path[i]
		if c.NamedChildCount() == 0 || c.HasError() {
			continue
		}
		return c
	}
	return nil
}

func outlineOf(root *sitter.Node) Outline {
	count := int(root.NamedChildCount())
	out := make(Outline, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, nodeSpan(root.NamedChild(i)))
	}
	return out
}

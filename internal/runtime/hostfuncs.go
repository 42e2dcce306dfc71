package runtime

import (
	"context"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/risor-io/risor/object"
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/vigil/internal/syntax"
)

// parsed is one tree a script built with parse_src, plus what node_text and
// query need to get back from any of its nodes.
type parsed struct {
	tree *sitter.Tree
	src  []byte
	lang *sitter.Language
}

// treeSet owns the trees parsed during one evaluation. go-tree-sitter has no
// Node.Tree(), so nodes are matched to their tree by root node address.
type treeSet struct {
	mu     sync.RWMutex
	byRoot map[uintptr]*parsed
}

func newTreeSet() *treeSet {
	return &treeSet{byRoot: make(map[uintptr]*parsed)}
}

func rootKey(n *sitter.Node) uintptr {
	for p := n.Parent(); p != nil; p = n.Parent() {
		n = p
	}
	return uintptr(unsafe.Pointer(n))
}

func (ts *treeSet) add(p *parsed) {
	ts.mu.Lock()
	ts.byRoot[rootKey(p.tree.RootNode())] = p
	ts.mu.Unlock()
}

func (ts *treeSet) owner(n *sitter.Node) (*parsed, bool) {
	ts.mu.RLock()
	p, ok := ts.byRoot[rootKey(n)]
	ts.mu.RUnlock()
	return p, ok
}

// close releases every tree in the set.
func (ts *treeSet) close() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, p := range ts.byRoot {
		p.tree.Close()
	}
	clear(ts.byRoot)
}

// hostFn wraps fn with an arity check.
func hostFn(name string, arity int, fn func(ctx context.Context, args []object.Object) object.Object) *object.Builtin {
	return object.NewBuiltin(name, func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != arity {
			return object.NewArgsError(name, arity, len(args))
		}
		return fn(ctx, args)
	})
}

func stringArg(fn, what string, arg object.Object) (string, object.Object) {
	s, ok := arg.(*object.String)
	if !ok {
		return "", object.Errorf("%s: %s must be a string, got %s", fn, what, arg.Type())
	}
	return s.Value(), nil
}

func nodeArg(fn string, arg object.Object) (*sitter.Node, object.Object) {
	p, ok := arg.(*object.Proxy)
	if !ok {
		return nil, object.Errorf("%s: expected a node, got %s", fn, arg.Type())
	}
	n, ok := p.Interface().(*sitter.Node)
	if !ok || n == nil {
		return nil, object.Errorf("%s: expected a node, got %T", fn, p.Interface())
	}
	return n, nil
}

func proxyOr(fn string, v any) object.Object {
	p, err := object.NewProxy(v)
	if err != nil {
		return object.Errorf("%s: %v", fn, err)
	}
	return p
}

// parse_src(source, language) → tree
func makeParseSrcFn(ts *treeSet) *object.Builtin {
	return hostFn("parse_src", 2, func(ctx context.Context, args []object.Object) object.Object {
		src, errObj := stringArg("parse_src", "source", args[0])
		if errObj != nil {
			return errObj
		}
		name, errObj := stringArg("parse_src", "language", args[1])
		if errObj != nil {
			return errObj
		}
		lang, ok := syntax.GrammarFor(name)
		if !ok {
			return object.Errorf("parse_src: unsupported language %q", name)
		}

		parser := sitter.NewParser()
		defer parser.Close()
		parser.SetLanguage(lang)
		b := []byte(src)
		tree, err := parser.ParseCtx(ctx, nil, b)
		if err != nil {
			return object.Errorf("parse_src: %v", err)
		}
		ts.add(&parsed{tree: tree, src: b, lang: lang})
		return proxyOr("parse_src", tree)
	})
}

// node_text(node) → string. Risor proxies cannot pass []byte to
// Node.Content, so the source is looked up here.
func makeNodeTextFn(ts *treeSet) *object.Builtin {
	return hostFn("node_text", 1, func(_ context.Context, args []object.Object) object.Object {
		n, errObj := nodeArg("node_text", args[0])
		if errObj != nil {
			return errObj
		}
		p, ok := ts.owner(n)
		if !ok {
			return object.Errorf("node_text: node does not belong to a parsed tree")
		}
		return object.NewString(n.Content(p.src))
	})
}

// query(pattern, node) → list of maps from capture name to node.
func makeQueryFn(ts *treeSet) *object.Builtin {
	return hostFn("query", 2, func(_ context.Context, args []object.Object) object.Object {
		pattern, errObj := stringArg("query", "pattern", args[0])
		if errObj != nil {
			return errObj
		}
		n, errObj := nodeArg("query", args[1])
		if errObj != nil {
			return errObj
		}
		p, ok := ts.owner(n)
		if !ok {
			return object.Errorf("query: node does not belong to a parsed tree")
		}

		q, err := sitter.NewQuery([]byte(pattern), p.lang)
		if err != nil {
			return object.Errorf("query: invalid pattern: %v", err)
		}
		defer q.Close()
		cursor := sitter.NewQueryCursor()
		defer cursor.Close()
		cursor.Exec(q, n)

		results := []object.Object{}
		for {
			m, ok := cursor.NextMatch()
			if !ok {
				break
			}
			m = cursor.FilterPredicates(m, p.src)
			captures := make(map[string]object.Object, len(m.Captures))
			for _, c := range m.Captures {
				captures[q.CaptureNameForId(c.Index)] = proxyOr("query", c.Node)
			}
			results = append(results, object.NewMap(captures))
		}
		return object.NewList(results)
	})
}

// node_child(node, field) → node or nil. Calling ChildByFieldName through
// the proxy would hand scripts a proxied nil pointer.
func makeNodeChildFn() *object.Builtin {
	return hostFn("node_child", 2, func(_ context.Context, args []object.Object) object.Object {
		n, errObj := nodeArg("node_child", args[0])
		if errObj != nil {
			return errObj
		}
		field, errObj := stringArg("node_child", "field", args[1])
		if errObj != nil {
			return errObj
		}
		child := n.ChildByFieldName(field)
		if child == nil {
			return object.Nil
		}
		return proxyOr("node_child", child)
	})
}

// scriptLog is the log global; messages carry the script label.
type scriptLog struct {
	logger *slog.Logger
}

func (l *scriptLog) Debug(msg string) { l.logger.Debug(msg) }
func (l *scriptLog) Info(msg string)  { l.logger.Info(msg) }
func (l *scriptLog) Warn(msg string)  { l.logger.Warn(msg) }
func (l *scriptLog) Error(msg string) { l.logger.Error(msg) }

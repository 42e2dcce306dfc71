package vigil

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// benchGoSource builds a Go file with n small functions, one TODO each.
func benchGoSource(n int) string {
	var sb strings.Builder
	sb.WriteString("package bench\n\n")
	for i := range n {
		fmt.Fprintf(&sb, "// fn%d doubles x. TODO: overflow\nfunc fn%d(x int) int {\n\treturn x * 2\n}\n\n", i, i)
	}
	return sb.String()
}

func newBenchEngine(b *testing.B, opts ...Option) *Engine {
	b.Helper()
	opts = append([]Option{WithReparseDelay(0), WithCollaborators(todoCollaborator())}, opts...)
	e, err := New(filepath.Join(b.TempDir(), "bench.db"), opts...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { e.Close() })
	return e
}

func benchWaitIdle(b *testing.B, e *Engine) {
	b.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.WaitForIdle(ctx); err != nil {
		b.Fatal(err)
	}
}

func BenchmarkRunMainPasses(b *testing.B) {
	e := newBenchEngine(b)
	id, err := e.Open("bench.go", benchGoSource(500))
	if err != nil {
		b.Fatal(err)
	}
	benchWaitIdle(b, e)

	for b.Loop() {
		if err := e.Restart(id); err != nil {
			b.Fatal(err)
		}
		if _, err := e.RunMainPasses(context.Background(), id); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkEditToIdle measures an in-function keystroke through reparse,
// dirty narrowing and the follow-up run.
func BenchmarkEditToIdle(b *testing.B) {
	e := newBenchEngine(b)
	src := benchGoSource(500)
	id, err := e.Open("bench.go", src)
	if err != nil {
		b.Fatal(err)
	}
	benchWaitIdle(b, e)
	offset := strings.Index(src, "x * 2") + 1

	for i := 0; b.Loop(); i++ {
		edit := Edit{Offset: offset, NewText: " "}
		if i%2 == 1 {
			edit = Edit{Offset: offset, OldLen: 1}
		}
		if err := e.Edit(id, edit); err != nil {
			b.Fatal(err)
		}
		benchWaitIdle(b, e)
	}
}

func BenchmarkCloseReopen(b *testing.B) {
	e := newBenchEngine(b)
	src := benchGoSource(200)

	for b.Loop() {
		id, err := e.Open("bench.go", src)
		if err != nil {
			b.Fatal(err)
		}
		benchWaitIdle(b, e)
		if err := e.CloseDocument(id); err != nil {
			b.Fatal(err)
		}
	}
}

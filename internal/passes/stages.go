package passes

import (
	"errors"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/jward/vigil/internal/text"
)

// DefaultChunkLines is the line-block size used when no outline exists.
const DefaultChunkLines = 200

// GeneralStage runs range collaborators over the dirty scope chunk by
// chunk. Each collaborator walks the chunks independently, visible chunks
// first, and retires its stale diagnostics in a chunk as soon as it has
// visited it.
type GeneralStage struct {
	ChunkLines    int
	Collaborators []Collaborator
}

// NewGeneralStage returns the general stage over cs.
func NewGeneralStage(chunkLines int, cs ...Collaborator) *GeneralStage {
	if chunkLines <= 0 {
		chunkLines = DefaultChunkLines
	}
	return &GeneralStage{ChunkLines: chunkLines, Collaborators: cs}
}

func (g *GeneralStage) Name() string                    { return "general" }
func (g *GeneralStage) SuitableFor(*text.Document) bool { return true }
func (g *GeneralStage) DumbAware() bool                 { return true }

func (g *GeneralStage) CreateInstance(rc *RunContext) Instance {
	var cs []Collaborator
	for _, c := range g.Collaborators {
		if applicable(c, rc.Document()) {
			cs = append(cs, c)
		}
	}
	return &generalInstance{stage: g, collaborators: cs}
}

type generalInstance struct {
	stage         *GeneralStage
	collaborators []Collaborator
}

func (gi *generalInstance) Collect(rc *RunContext, scope text.Span) error {
	var elements []text.Span
	if rc.Outline != nil {
		elements = rc.Outline.TopLevel()
	}
	lines := text.NewLineIndex(rc.Snapshot.Text())
	if scope.IsEmpty() {
		scope = lines.ExpandToLines(scope)
	}
	if len(elements) == 0 {
		elements = lines.Blocks(gi.stage.ChunkLines)
	}
	chunks := VisibleFirst(Chunks(scope, elements), rc.VisibleRange)
	eof := rc.Snapshot.Len()

	walk := func(c Collaborator) error {
		emit := emitterFor(rc, c.ID(), false)
		for _, chunk := range chunks {
			if err := rc.CheckCanceled(); err != nil {
				return err
			}
			if err := invoke(rc, gi.stage.Name(), c, chunk, emit); err != nil {
				var f *FaultError
				if errors.As(err, &f) {
					// The collaborator is out for the rest of this run. Its
					// earlier diagnostics stay.
					rc.reportFault(f)
					return nil
				}
				return err
			}
			rc.Reconciler.Retire(rc, c.ID(), retireSpan(chunk, eof))
		}
		return nil
	}
	return fanOut(rc, gi.collaborators, walk)
}

// Apply swaps out restored zombies: the live analysis has now covered the
// document.
func (gi *generalInstance) Apply(rc *RunContext) error {
	rc.Reconciler.DropZombies()
	return nil
}

// FileLevelStage runs whole-file collaborators. Their diagnostics apply to
// the whole document and are identified by content.
type FileLevelStage struct {
	Collaborators []Collaborator
}

// NewFileLevelStage returns the file-level stage over cs.
func NewFileLevelStage(cs ...Collaborator) *FileLevelStage {
	return &FileLevelStage{Collaborators: cs}
}

func (f *FileLevelStage) Name() string                    { return "file-level" }
func (f *FileLevelStage) SuitableFor(*text.Document) bool { return true }

func (f *FileLevelStage) CreateInstance(rc *RunContext) Instance {
	var cs []Collaborator
	for _, c := range f.Collaborators {
		if applicable(c, rc.Document()) {
			cs = append(cs, c)
		}
	}
	if len(cs) == 0 {
		return nil
	}
	return &fileLevelInstance{stage: f, collaborators: cs}
}

type fileLevelInstance struct {
	stage         *FileLevelStage
	collaborators []Collaborator
}

func (fi *fileLevelInstance) Collect(rc *RunContext, _ text.Span) error {
	whole := rc.Snapshot.WholeSpan()
	return fanOut(rc, fi.collaborators, func(c Collaborator) error {
		if err := invoke(rc, fi.stage.Name(), c, whole, emitterFor(rc, c.ID(), true)); err != nil {
			var f *FaultError
			if errors.As(err, &f) {
				rc.reportFault(f)
				return nil
			}
			return err
		}
		rc.Reconciler.RetireFileLevel(rc, c.ID())
		return nil
	})
}

func (fi *fileLevelInstance) Apply(*RunContext) error { return nil }

// fanOut runs fn for every collaborator, in parallel unless the run is
// serial. The first cancellation error is returned.
func fanOut(rc *RunContext, cs []Collaborator, fn func(Collaborator) error) error {
	if rc.Serial || len(cs) <= 1 {
		for _, c := range cs {
			if err := fn(c); err != nil {
				return err
			}
		}
		return nil
	}
	var g errgroup.Group
	for _, c := range cs {
		g.Go(func() error { return fn(c) })
	}
	return g.Wait()
}

// retireSpan widens the last chunk by one byte so diagnostics sitting at
// the very end of the document are retired too.
func retireSpan(chunk text.Span, eof int) text.Span {
	if chunk.End >= eof {
		chunk.End = eof + 1
	}
	return chunk
}

// Chunks partitions scope into consecutive spans aligned to elements. Gaps
// between elements become chunks of their own, so the result always covers
// scope exactly.
func Chunks(scope text.Span, elements []text.Span) []text.Span {
	if scope.IsEmpty() {
		return []text.Span{scope}
	}
	sorted := slices.Clone(elements)
	slices.SortFunc(sorted, func(a, b text.Span) int { return a.Start - b.Start })

	var out []text.Span
	cursor := scope.Start
	for _, el := range sorted {
		if el.End <= cursor || el.Start >= scope.End {
			continue
		}
		start := max(el.Start, cursor)
		if start > cursor {
			out = append(out, text.Span{Start: cursor, End: start})
		}
		end := min(el.End, scope.End)
		out = append(out, text.Span{Start: start, End: end})
		cursor = end
	}
	if cursor < scope.End {
		out = append(out, text.Span{Start: cursor, End: scope.End})
	}
	return out
}

// VisibleFirst moves the chunks intersecting visible to the front, keeping
// the relative order of both groups.
func VisibleFirst(chunks []text.Span, visible *text.Span) []text.Span {
	if visible == nil {
		return chunks
	}
	out := make([]text.Span, 0, len(chunks))
	var rest []text.Span
	for _, c := range chunks {
		if c.Intersects(*visible) {
			out = append(out, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(out, rest...)
}

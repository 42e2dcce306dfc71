package runtime

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"fortio.org/safecast"
	"github.com/risor-io/risor/object"

	"github.com/jward/vigil/internal/highlight"
	"github.com/jward/vigil/internal/passes"
	"github.com/jward/vigil/internal/text"
)

// Script roots. A script directly under a root applies to every language; a
// script under root/<language>/ applies to that language only.
const (
	HighlightDir = "highlight"
	FileLevelDir = "file"
)

// ScriptCollaborator runs one Risor script as a passes.Collaborator. The
// script sees these globals besides the runtime's tree-sitter helpers:
//
//	source, language, path   the snapshot being analysed
//	chunk_start, chunk_end   the span to analyse
//	min_severity             severity floor hint ("" when unset)
//	emit(map)                report a diagnostic
//	check_canceled()         abort the script once the run is cancelled
type ScriptCollaborator struct {
	rt        *Runtime
	id        string
	path      string
	language  string
	fileLevel bool
}

// NewScriptCollaborator returns a collaborator for the script at path.
// language restricts it to documents in that language; "" means all.
func NewScriptCollaborator(rt *Runtime, path, language string, fileLevel bool) *ScriptCollaborator {
	id := "script:" + strings.TrimSuffix(path, ".risor")
	return &ScriptCollaborator{rt: rt, id: id, path: path, language: language, fileLevel: fileLevel}
}

func (c *ScriptCollaborator) ID() string      { return c.id }
func (c *ScriptCollaborator) Path() string    { return c.path }
func (c *ScriptCollaborator) FileLevel() bool { return c.fileLevel }

// AppliesTo implements passes.Applicable.
func (c *ScriptCollaborator) AppliesTo(doc *text.Document) bool {
	return c.language == "" || c.language == doc.Language()
}

// Analyze evaluates the script over span.
func (c *ScriptCollaborator) Analyze(rc *passes.RunContext, span text.Span, emit passes.Emitter) error {
	if err := rc.CheckCanceled(); err != nil {
		return err
	}
	snap := rc.Snapshot
	minSeverity := ""
	if rc.MinSeverity != 0 {
		minSeverity = strings.ToLower(rc.MinSeverity.String())
	}
	globals := map[string]any{
		"source":         snap.Text(),
		"language":       snap.Document().Language(),
		"path":           snap.Document().Path(),
		"chunk_start":    span.Start,
		"chunk_end":      span.End,
		"min_severity":   minSeverity,
		"emit":           makeEmitFn(span, rc.MinSeverity, emit),
		"check_canceled": makeCheckCanceledFn(rc),
	}
	err := c.rt.RunScript(rc.Context(), c.path, globals)
	if err != nil && rc.IsCanceled() {
		return rc.CheckCanceled()
	}
	return err
}

// Discover returns a collaborator for every .risor script under the
// highlight and file roots of fsys, ordered by path.
func Discover(rt *Runtime, fsys fs.FS) (ranged, fileLevel []*ScriptCollaborator, err error) {
	for _, root := range []string{HighlightDir, FileLevelDir} {
		var found []*ScriptCollaborator
		err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || path.Ext(p) != ".risor" {
				return nil
			}
			rel := strings.TrimPrefix(p, root+"/")
			lang := ""
			if dir := path.Dir(rel); dir != "." {
				lang = dir
			}
			found = append(found, NewScriptCollaborator(rt, p, lang, root == FileLevelDir))
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("runtime: discover %s: %w", root, err)
		}
		sort.Slice(found, func(i, j int) bool { return found[i].path < found[j].path })
		if root == HighlightDir {
			ranged = found
		} else {
			fileLevel = found
		}
	}
	return ranged, fileLevel, nil
}

// makeEmitFn creates the "emit" host function.
//
// emit(map) → nil
//
// Recognised keys are start, end, severity, message, key, literal, layer,
// icon and lines. start and end default to the chunk. Diagnostics below the severity floor
// are dropped.
func makeEmitFn(chunk text.Span, floor highlight.Severity, emit passes.Emitter) *object.Builtin {
	return object.NewBuiltin("emit", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("emit", 1, len(args))
		}
		m, err := extractMap(args[0])
		if err != nil {
			return object.Errorf("emit: %v", err)
		}
		d, err := diagnosticFromMap(m, chunk)
		if err != nil {
			return object.Errorf("emit: %v", err)
		}
		if floor != 0 && d.Severity < floor {
			return object.Nil
		}
		emit(d)
		return object.Nil
	})
}

func diagnosticFromMap(m map[string]object.Object, chunk text.Span) (highlight.Diagnostic, error) {
	d := highlight.Diagnostic{
		Description:   getString(m, "message"),
		GutterIconURL: getString(m, "icon"),
		Severity:      highlight.SevWarning,
	}
	layer, err := convInt[int32](m, "layer")
	if err != nil {
		return d, err
	}
	d.Layer = layer
	start, ok := getOptionalInt(m, "start")
	if !ok {
		start = chunk.Start
	}
	end, ok := getOptionalInt(m, "end")
	if !ok {
		end = max(start, chunk.End)
	}
	if end < start {
		return d, fmt.Errorf("end %d before start %d", end, start)
	}
	d.Span = text.Span{Start: start, End: end}

	if sev := getString(m, "severity"); sev != "" {
		parsed, err := highlight.ParseSeverity(sev)
		if err != nil {
			return d, err
		}
		d.Severity = parsed
	}
	if getBool(m, "lines") {
		d.TargetArea = highlight.TargetLinesInRange
	}
	d.Attributes.Key = getString(m, "key")
	if lit, ok := m["literal"]; ok && lit != object.Nil {
		lm, err := extractMap(lit)
		if err != nil {
			return d, fmt.Errorf("literal: %v", err)
		}
		attrs, err := literalFromMap(lm)
		if err != nil {
			return d, fmt.Errorf("literal: %w", err)
		}
		d.Attributes.Literal = attrs
	}
	if !d.Attributes.Valid() {
		return d, fmt.Errorf("key and literal are mutually exclusive")
	}
	return d, nil
}

// makeCheckCanceledFn creates "check_canceled", which raises an error once
// the run is cancelled so the script unwinds.
//
// check_canceled() → nil
func makeCheckCanceledFn(rc *passes.RunContext) *object.Builtin {
	return object.NewBuiltin("check_canceled", func(ctx context.Context, args ...object.Object) object.Object {
		if err := rc.CheckCanceled(); err != nil {
			return object.Errorf("check_canceled: %v", err)
		}
		return object.Nil
	})
}

func extractMap(obj object.Object) (map[string]object.Object, error) {
	m, ok := obj.(*object.Map)
	if !ok {
		return nil, fmt.Errorf("expected map, got %s", obj.Type())
	}
	return m.Value(), nil
}

func getString(m map[string]object.Object, key string) string {
	if s, ok := m[key].(*object.String); ok {
		return s.Value()
	}
	return ""
}

func literalFromMap(m map[string]object.Object) (*highlight.TextAttributes, error) {
	var a highlight.TextAttributes
	for _, c := range []struct {
		key string
		dst *highlight.Color
	}{{"fg", &a.Foreground}, {"bg", &a.Background}, {"effect", &a.Effect}} {
		v, err := convInt[uint32](m, c.key)
		if err != nil {
			return nil, err
		}
		*c.dst = highlight.Color(v)
	}
	effect, err := convInt[uint8](m, "effect_type")
	if err != nil {
		return nil, err
	}
	style, err := convInt[uint8](m, "font_style")
	if err != nil {
		return nil, err
	}
	a.EffectType = highlight.EffectType(effect)
	a.FontStyle = highlight.FontStyle(style)
	return &a, nil
}

// convInt reads an optional integer and checks that it fits T.
func convInt[T int32 | uint32 | uint8](m map[string]object.Object, key string) (T, error) {
	v, _ := getOptionalInt(m, key)
	out, err := safecast.Conv[T](v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return out, nil
}

func getOptionalInt(m map[string]object.Object, key string) (int, bool) {
	switch v := m[key].(type) {
	case *object.Int:
		return int(v.Value()), true
	case *object.Float:
		return int(v.Value()), true
	}
	return 0, false
}

func getBool(m map[string]object.Object, key string) bool {
	if b, ok := m[key].(*object.Bool); ok {
		return b.Value()
	}
	return false
}

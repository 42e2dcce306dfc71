package vigil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jward/vigil/internal/text"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const goSrc = `package a

func one() int {
	return 1 // TODO
}

func two() int {
	x := 2
	return x
}
`

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	return newTestEngineAt(t, filepath.Join(t.TempDir(), "test.db"), opts...)
}

func newTestEngineAt(t *testing.T, dbPath string, opts ...Option) *Engine {
	t.Helper()
	e, err := New(dbPath, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func waitIdle(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.WaitForIdle(ctx))
}

// todoCollaborator warns on every TODO inside the span it is given.
func todoCollaborator() CollaboratorFunc {
	return CollaboratorFunc{Name: "todo", Fn: func(rc *RunContext, span Span, emit Emitter) error {
		src := rc.Snapshot.Slice(span)
		for i := 0; ; {
			j := strings.Index(src[i:], "TODO")
			if j < 0 {
				return nil
			}
			start := span.Start + i + j
			emit(Diagnostic{Span: Span{Start: start, End: start + 4}, Severity: SevWarning, Description: "todo"})
			i += j + 4
		}
	}}
}

// lengthCollaborator emits the same file-level warning on every run.
type lengthCollaborator struct{ calls atomic.Int32 }

func (c *lengthCollaborator) ID() string      { return "length" }
func (c *lengthCollaborator) FileLevel() bool { return true }

func (c *lengthCollaborator) Analyze(rc *RunContext, _ Span, emit Emitter) error {
	c.calls.Add(1)
	emit(Diagnostic{Severity: SevWarning, Description: "file is long"})
	return nil
}

// runRecorder records the id of every run that reached it.
type runRecorder struct {
	mu   sync.Mutex
	runs map[uint64]bool
}

func (r *runRecorder) ID() string { return "recorder" }

func (r *runRecorder) Analyze(rc *RunContext, _ Span, _ Emitter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = map[uint64]bool{}
	}
	r.runs[rc.ID] = true
	return nil
}

func (r *runRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func descriptions(ds []Diagnostic) []string {
	var out []string
	for _, d := range ds {
		out = append(out, d.Description)
	}
	return out
}

func TestNew_InvalidPath(t *testing.T) {
	_, err := New("/nonexistent/dir/db.sqlite")
	require.Error(t, err)
}

func TestClose_Idempotent(t *testing.T) {
	e, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = e.Open("a.go", goSrc)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_AnalysesDocument(t *testing.T) {
	e := newTestEngine(t, WithCollaborators(todoCollaborator()))
	id, err := e.Open("a.go", goSrc)
	require.NoError(t, err)
	waitIdle(t, e)

	got, err := e.Highlights(id)
	require.NoError(t, err)
	require.Len(t, got, 1)
	off := strings.Index(goSrc, "TODO")
	assert.Equal(t, Span{Start: off, End: off + 4}, got[0].Span)
	assert.Equal(t, "todo", got[0].SourceID)

	done, err := e.IsAllAnalysisFinished(id)
	require.NoError(t, err)
	assert.True(t, done)
	assert.False(t, e.IsRunning(id))
}

func TestOpen_Twice(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Open("a.go", goSrc)
	require.NoError(t, err)
	_, err = e.Open("a.go", goSrc)
	assert.ErrorIs(t, err, ErrDocumentOpen)
}

func TestUnknownDocument(t *testing.T) {
	e := newTestEngine(t)
	assert.ErrorIs(t, e.Edit(42, Edit{NewText: "x"}), ErrUnknownDocument)
	_, err := e.Highlights(42)
	assert.ErrorIs(t, err, ErrUnknownDocument)
	assert.ErrorIs(t, e.CloseDocument(42), ErrUnknownDocument)
}

func TestEdit_DirtyScopeNarrowedByStructure(t *testing.T) {
	e := newTestEngine(t, WithReparseDelay(time.Hour))
	id, err := e.Open("a.go", goSrc)
	require.NoError(t, err)
	waitIdle(t, e)

	_, _, ok, err := e.DirtyScope(id)
	require.NoError(t, err)
	require.False(t, ok, "fully analysed after the first run")

	off := strings.Index(goSrc, "x := 2") + len("x := ")
	require.NoError(t, e.Edit(id, Edit{Offset: off, OldLen: 1, NewText: "3"}))

	span, whole, ok, err := e.DirtyScope(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, whole)
	two := Span{Start: strings.Index(goSrc, "func two"), End: len(goSrc) - 1}
	assert.True(t, span.Contains(Span{Start: off, End: off + 1}), span.String())
	assert.True(t, two.Contains(span), "%s not inside func two", span)
}

func TestEdit_DirtyScopeWholeFileWithoutGrammar(t *testing.T) {
	e := newTestEngine(t, WithReparseDelay(time.Hour))
	id, err := e.Open("notes.txt", "first line\nsecond line\n")
	require.NoError(t, err)
	waitIdle(t, e)

	require.NoError(t, e.Edit(id, Edit{Offset: 3, OldLen: 0, NewText: "x"}))
	_, whole, ok, err := e.DirtyScope(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, whole)
}

func TestEdit_HighlightsFollowText(t *testing.T) {
	e := newTestEngine(t, WithReparseDelay(time.Millisecond), WithCollaborators(todoCollaborator()))
	id, err := e.Open("notes.txt", "a TODO\n")
	require.NoError(t, err)
	waitIdle(t, e)

	require.NoError(t, e.Edit(id, Edit{Offset: 0, OldLen: 0, NewText: "TODO "}))
	waitIdle(t, e)

	got, err := e.Highlights(id)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Span{Start: 0, End: 4}, got[0].Span)
	assert.Equal(t, Span{Start: 7, End: 11}, got[1].Span)

	require.NoError(t, e.Replace(id, "nothing here\n"))
	waitIdle(t, e)
	got, err = e.Highlights(id)
	require.NoError(t, err)
	assert.Empty(t, got)
	txt, err := e.Text(id)
	require.NoError(t, err)
	assert.Equal(t, "nothing here\n", txt)
}

func TestEdit_NoLateArrivalsFromCanceledRun(t *testing.T) {
	started := make(chan struct{})
	var calls atomic.Int32
	late := CollaboratorFunc{Name: "late", Fn: func(rc *RunContext, span Span, emit Emitter) error {
		if calls.Add(1) == 1 {
			close(started)
			<-rc.Context().Done()
			emit(Diagnostic{Span: span, Severity: SevError, Description: "late"})
			return rc.CheckCanceled()
		}
		return nil
	}}
	e := newTestEngine(t, WithReparseDelay(time.Millisecond), WithCollaborators(late))
	id, err := e.Open("notes.txt", "some text\n")
	require.NoError(t, err)

	<-started
	require.NoError(t, e.Edit(id, Edit{Offset: 0, NewText: "more "}))
	waitIdle(t, e)

	got, err := e.Highlights(id)
	require.NoError(t, err)
	assert.NotContains(t, descriptions(got), "late")
}

func TestEdit_KeystrokesKeepOneFileLevelDiagnostic(t *testing.T) {
	length := &lengthCollaborator{}
	e := newTestEngine(t, WithReparseDelay(time.Millisecond), WithCollaborators(length))
	id, err := e.Open("notes.txt", "")
	require.NoError(t, err)

	for i := range 100 {
		require.NoError(t, e.Edit(id, Edit{Offset: i, NewText: "x"}))
		if i%10 == 0 {
			waitIdle(t, e)
		}
	}
	waitIdle(t, e)

	got, err := e.FileLevelHighlights(id)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].FileLevel)
	assert.Equal(t, "file is long", got[0].Description)
	assert.Greater(t, length.calls.Load(), int32(1))
}

func TestCloseAndReopen_RestoresZombies(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	e1, err := New(dbPath, WithCollaborators(todoCollaborator()))
	require.NoError(t, err)
	id, err := e1.Open("a.go", goSrc)
	require.NoError(t, err)
	waitIdle(t, e1)
	live, err := e1.Highlights(id)
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.NoError(t, e1.CloseDocument(id))
	require.NoError(t, e1.Close())

	e2 := newTestEngineAt(t, dbPath, WithoutBuiltinStages(), WithReparseDelay(time.Hour))
	id, err = e2.Open("a.go", goSrc)
	require.NoError(t, err)
	got, err := e2.Highlights(id)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Zombie)
	assert.Equal(t, live[0].Span, got[0].Span)
}

func TestReopen_LiveRunReplacesZombies(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	e1, err := New(dbPath, WithCollaborators(todoCollaborator()))
	require.NoError(t, err)
	_, err = e1.Open("a.go", goSrc)
	require.NoError(t, err)
	waitIdle(t, e1)
	// Close buries every open document.
	require.NoError(t, e1.Close())

	e2 := newTestEngineAt(t, dbPath, WithCollaborators(todoCollaborator()))
	id, err := e2.Open("a.go", goSrc)
	require.NoError(t, err)
	waitIdle(t, e2)
	got, err := e2.Highlights(id)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Zombie)
}

func TestReopen_CustomStageSupersedesZombies(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	e1, err := New(dbPath, WithCollaborators(todoCollaborator()))
	require.NoError(t, err)
	_, err = e1.Open("notes.txt", "x TODO y\n")
	require.NoError(t, err)
	waitIdle(t, e1)
	require.NoError(t, e1.Close())

	e2 := newTestEngineAt(t, dbPath, WithoutBuiltinStages(), WithReparseDelay(0))
	stage := &indexStage{}
	_, err = e2.RegisterStage(stage, nil, nil, NoForcedID)
	require.NoError(t, err)
	id, err := e2.Open("notes.txt", "x TODO y\n")
	require.NoError(t, err)
	waitIdle(t, e2)

	assert.Equal(t, int32(1), stage.collected.Load())
	done, err := e2.IsAllAnalysisFinished(id)
	require.NoError(t, err)
	assert.True(t, done)
	got, err := e2.Highlights(id)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHeavyOperation_SuppressesRuns(t *testing.T) {
	rec := &runRecorder{}
	e := newTestEngine(t, WithCollaborators(rec))

	release := e.BeginHeavyOperation()
	id, err := e.Open("notes.txt", "text\n")
	require.NoError(t, err)
	waitIdle(t, e)
	assert.Zero(t, rec.count())
	done, err := e.IsAllAnalysisFinished(id)
	require.NoError(t, err)
	assert.False(t, done)

	release()
	release()
	waitIdle(t, e)
	assert.Equal(t, 1, rec.count())
	done, err = e.IsAllAnalysisFinished(id)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestBulkUpdate_SingleRestart(t *testing.T) {
	rec := &runRecorder{}
	e := newTestEngine(t, WithReparseDelay(time.Millisecond), WithCollaborators(rec))
	id, err := e.Open("notes.txt", "text\n")
	require.NoError(t, err)
	waitIdle(t, e)
	require.Equal(t, 1, rec.count())

	release, err := e.BeginBulkUpdate(id)
	require.NoError(t, err)
	for i := range 5 {
		require.NoError(t, e.Edit(id, Edit{Offset: i, NewText: "x"}))
	}
	waitIdle(t, e)
	assert.Equal(t, 1, rec.count())

	release()
	waitIdle(t, e)
	assert.Equal(t, 2, rec.count())
}

func TestRestart_RunsAgain(t *testing.T) {
	rec := &runRecorder{}
	e := newTestEngine(t, WithCollaborators(rec))
	id, err := e.Open("notes.txt", "text\n")
	require.NoError(t, err)
	waitIdle(t, e)

	require.NoError(t, e.Restart(id))
	waitIdle(t, e)
	assert.Equal(t, 2, rec.count())

	e.RestartAll()
	waitIdle(t, e)
	assert.Equal(t, 3, rec.count())
}

func TestSetHighlightingEnabled(t *testing.T) {
	e := newTestEngine(t, WithCollaborators(todoCollaborator()))
	id, err := e.Open("notes.txt", "TODO\n")
	require.NoError(t, err)
	waitIdle(t, e)

	require.NoError(t, e.SetHighlightingEnabled("notes.txt", false))
	got, err := e.Highlights(id)
	require.NoError(t, err)
	assert.Empty(t, got)
	enabled, err := e.Store().HighlightingEnabled("notes.txt")
	require.NoError(t, err)
	assert.False(t, enabled)
	done, err := e.IsAllAnalysisFinished(id)
	require.NoError(t, err)
	assert.True(t, done)

	require.NoError(t, e.SetHighlightingEnabled("notes.txt", true))
	waitIdle(t, e)
	got, err = e.Highlights(id)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

// indexStage needs the index and records each run it collects in.
type indexStage struct{ collected atomic.Int32 }

func (s *indexStage) Name() string                             { return "index" }
func (s *indexStage) SuitableFor(*text.Document) bool          { return true }
func (s *indexStage) CreateInstance(*RunContext) StageInstance { return s }
func (s *indexStage) Apply(*RunContext) error                  { return nil }

func (s *indexStage) Collect(*RunContext, Span) error {
	s.collected.Add(1)
	return nil
}

func TestDumbMode_DefersUntilSmart(t *testing.T) {
	e := newTestEngine(t)
	stage := &indexStage{}
	_, err := e.RegisterStage(stage, []StageID{GeneralStageID}, nil, NoForcedID)
	require.NoError(t, err)

	e.SetDumbMode(true)
	id, err := e.Open("notes.txt", "text\n")
	require.NoError(t, err)
	waitIdle(t, e)
	assert.Zero(t, stage.collected.Load())
	done, err := e.IsAllAnalysisFinished(id)
	require.NoError(t, err)
	assert.False(t, done)

	e.SetDumbMode(false)
	waitIdle(t, e)
	assert.Equal(t, int32(1), stage.collected.Load())
	done, err = e.IsAllAnalysisFinished(id)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestDumbMode_EndsMidRun(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	slow := CollaboratorFunc{Name: "slow", Fn: func(rc *RunContext, _ Span, _ Emitter) error {
		once.Do(func() { close(entered) })
		select {
		case <-release:
		case <-rc.Context().Done():
		}
		return rc.CheckCanceled()
	}}
	e := newTestEngine(t, WithReparseDelay(0), WithCollaborators(slow))
	stage := &indexStage{}
	_, err := e.RegisterStage(stage, []StageID{GeneralStageID}, nil, NoForcedID)
	require.NoError(t, err)

	e.SetDumbMode(true)
	id, err := e.Open("notes.txt", "text\n")
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("general stage never started")
	}
	require.True(t, e.IsRunning(id))

	// The index stage was deferred when the run started; smart mode
	// returns before the run ends.
	e.SetDumbMode(false)
	close(release)
	require.Eventually(t, func() bool {
		done, err := e.IsAllAnalysisFinished(id)
		return err == nil && done
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), stage.collected.Load())
}

func TestRegisterStage_ConfigError(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.RegisterStage(&indexStage{}, []StageID{GeneralStageID}, []StageID{GeneralStageID}, NoForcedID)
	var cfg *ConfigError
	require.True(t, errors.As(err, &cfg))
	assert.Equal(t, "index", cfg.Name)
}

func TestRunMainPasses(t *testing.T) {
	e := newTestEngine(t, WithCollaborators(todoCollaborator(), &lengthCollaborator{}))
	id, err := e.Open("a.go", goSrc)
	require.NoError(t, err)

	got, err := e.RunMainPasses(context.Background(), id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"todo", "file is long"}, descriptions(got))
	done, err := e.IsAllAnalysisFinished(id)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestRunMainPasses_Canceled(t *testing.T) {
	blocking := CollaboratorFunc{Name: "block", Fn: func(rc *RunContext, _ Span, _ Emitter) error {
		<-rc.Context().Done()
		return rc.CheckCanceled()
	}}
	e := newTestEngine(t, WithReparseDelay(time.Hour), WithCollaborators(blocking))
	id, err := e.Open("notes.txt", "text\n")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.RunMainPasses(ctx, id)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestHighlightAt_MostSevereFirst(t *testing.T) {
	sev := CollaboratorFunc{Name: "sev", Fn: func(rc *RunContext, span Span, emit Emitter) error {
		if span.Start > 0 {
			return nil
		}
		emit(Diagnostic{Span: Span{Start: 0, End: 10}, Severity: SevWarning, Description: "wide"})
		emit(Diagnostic{Span: Span{Start: 2, End: 4}, Severity: SevError, Description: "narrow"})
		return nil
	}}
	e := newTestEngine(t, WithCollaborators(sev))
	id, err := e.Open("notes.txt", "0123456789\n")
	require.NoError(t, err)
	waitIdle(t, e)

	got, err := e.HighlightAt(id, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"narrow", "wide"}, descriptions(got))
	got, err = e.HighlightAt(id, 8)
	require.NoError(t, err)
	assert.Equal(t, []string{"wide"}, descriptions(got))
}

func TestSubscribe_Events(t *testing.T) {
	boom := CollaboratorFunc{Name: "boom", Fn: func(*RunContext, Span, Emitter) error { panic("boom") }}
	e := newTestEngine(t, WithCollaborators(todoCollaborator(), boom))

	var (
		mu    sync.Mutex
		kinds = map[EventKind]int{}
		fault Event
	)
	unsubscribe := e.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds[ev.Kind]++
		if ev.Kind == EventFault {
			fault = ev
		}
	})
	defer unsubscribe()

	id, err := e.Open("notes.txt", "TODO\n")
	require.NoError(t, err)
	waitIdle(t, e)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return kinds[EventStarting] == 1 && kinds[EventFinished] == 1 && kinds[EventFault] == 1 && kinds[EventHighlightsChanged] > 0
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "boom", fault.Source)
	assert.Equal(t, id, fault.Doc)
	mu.Unlock()

	got, err := e.Highlights(id)
	require.NoError(t, err)
	assert.Len(t, got, 1, "sibling collaborator still applies")
}

func TestSubscribe_CancelReason(t *testing.T) {
	started := make(chan struct{})
	var calls atomic.Int32
	slow := CollaboratorFunc{Name: "slow", Fn: func(rc *RunContext, _ Span, _ Emitter) error {
		if calls.Add(1) == 1 {
			close(started)
			<-rc.Context().Done()
			return rc.CheckCanceled()
		}
		return nil
	}}
	e := newTestEngine(t, WithCollaborators(slow))
	reasons := make(chan CancelReason, 4)
	defer e.Subscribe(func(ev Event) {
		if ev.Kind == EventCanceled {
			reasons <- ev.Reason
		}
	})()

	id, err := e.Open("notes.txt", "text\n")
	require.NoError(t, err)
	<-started
	require.NoError(t, e.Restart(id))

	select {
	case r := <-reasons:
		assert.Equal(t, ReasonRestart, r)
	case <-time.After(5 * time.Second):
		t.Fatal("no cancel event")
	}
	waitIdle(t, e)
}

func TestCheckFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.go")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte(goSrc), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("clean\n"), 0o644))

	e := newTestEngine(t, WithCollaborators(todoCollaborator()))
	reports, err := e.CheckFiles(context.Background(), []string{a, b, filepath.Join(dir, "missing.go")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 error(s)")
	require.Len(t, reports, 2)
	assert.Equal(t, a, reports[0].Path)
	assert.Equal(t, "go", reports[0].Language)
	assert.Equal(t, []string{"todo"}, descriptions(reports[0].Diagnostics))
	assert.Empty(t, reports[1].Diagnostics)

	_, open := e.Lookup(a)
	assert.False(t, open)
	g, err := e.Store().GraveByPath(a)
	require.NoError(t, err)
	require.NotNil(t, g)
	f, err := e.Store().FileByPath(a)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.False(t, f.LastAnalyzed.IsZero())
}

func TestScriptsDir_LoadsCollaborators(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "highlight"), 0o755))
	script := `emit({"severity": "error", "message": "from script"})`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "highlight", "mark.risor"), []byte(script), 0o644))

	e := newTestEngine(t, WithScriptsDir(dir))
	id, err := e.Open("notes.txt", "text\n")
	require.NoError(t, err)
	waitIdle(t, e)

	got, err := e.Highlights(id)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "from script", got[0].Description)
	assert.Equal(t, SevError, got[0].Severity)
}

package vigil

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jward/vigil/internal/dirty"
	"github.com/jward/vigil/internal/grave"
	"github.com/jward/vigil/internal/highlight"
	"github.com/jward/vigil/internal/metrics"
	"github.com/jward/vigil/internal/passes"
	"github.com/jward/vigil/internal/progress"
	"github.com/jward/vigil/internal/runtime"
	"github.com/jward/vigil/internal/store"
	"github.com/jward/vigil/internal/syntax"
	"github.com/jward/vigil/internal/text"
)

var (
	ErrUnknownDocument = errors.New("vigil: unknown document")
	ErrDocumentOpen    = errors.New("vigil: document already open")
	ErrClosed          = errors.New("vigil: engine closed")
)

// DefaultReparseDelay is the debounce between an edit and the restart of
// analysis.
const DefaultReparseDelay = 300 * time.Millisecond

// Engine runs incremental background analysis over open documents. Each
// edit cancels the document's current run, narrows the dirty region and
// schedules a fresh run after the reparse delay. Results become visible in
// the document's live highlight set as they are produced.
type Engine struct {
	store    *store.Store
	graves   *grave.Grave
	runtime  *runtime.Runtime
	registry *passes.Registry
	tracker  *dirty.Tracker
	sched    *passes.Scheduler
	metrics  *metrics.Metrics
	logger   *slog.Logger
	events   *dispatcher

	reparseDelay  time.Duration
	workers       int
	serial        bool
	minSeverity   Severity
	chunkLines    int
	scriptsDir    string
	scriptsFS     fs.FS
	collaborators []Collaborator
	builtinStages bool

	ctx    context.Context
	cancel context.CancelFunc
	runSeq atomic.Uint64
	dumb   atomic.Bool
	runs   sync.WaitGroup

	mu       sync.Mutex
	docs     map[DocID]*docState
	byPath   map[string]DocID
	nextDoc  DocID
	heavy    int
	inflight int
	closed   bool
	// idle is closed and replaced whenever a run finishes or a timer
	// fires, waking WaitForIdle.
	idle chan struct{}
}

// docState is the engine's per-document state, guarded by Engine.mu.
type docState struct {
	doc     *text.Document
	set     *highlight.Set
	rec     *highlight.Reconciler
	tree    *syntax.Tree
	visible *text.Span
	enabled bool
	bulk    int

	timer   *time.Timer
	armed   bool
	gen     uint64
	token   *progress.Token
	running chan struct{}
	// pending records a restart suppressed by a latch or bulk update.
	pending bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithReparseDelay sets the debounce between an edit and the run it
// triggers.
func WithReparseDelay(d time.Duration) Option {
	return func(e *Engine) { e.reparseDelay = d }
}

// WithWorkers bounds the number of stages running concurrently per run.
// Zero means one per CPU.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithSerialPasses runs stages and collaborators one at a time, for
// debugging.
func WithSerialPasses(serial bool) Option {
	return func(e *Engine) { e.serial = serial }
}

// WithMinSeverity hands collaborators a severity floor hint.
func WithMinSeverity(s Severity) Option {
	return func(e *Engine) { e.minSeverity = s }
}

// WithChunkLines sets the block size the general stage falls back to when
// a document has no outline.
func WithChunkLines(n int) Option {
	return func(e *Engine) { e.chunkLines = n }
}

// WithLogger sets the structured logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics reports engine activity to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithScriptsFS loads Risor collaborator scripts from fsys, typically an
// embedded filesystem.
func WithScriptsFS(fsys fs.FS) Option {
	return func(e *Engine) { e.scriptsFS = fsys }
}

// WithScriptsDir loads Risor collaborator scripts from dir on disk. It is
// ignored when WithScriptsFS is set.
func WithScriptsDir(dir string) Option {
	return func(e *Engine) { e.scriptsDir = dir }
}

// WithCollaborators adds collaborators to the built-in stages.
// Collaborators implementing FileLevelCollaborator and reporting true go to
// the file-level stage; the rest to the general stage.
func WithCollaborators(cs ...Collaborator) Option {
	return func(e *Engine) { e.collaborators = append(e.collaborators, cs...) }
}

// WithoutBuiltinStages leaves the registry empty so callers register every
// stage themselves.
func WithoutBuiltinStages() Option {
	return func(e *Engine) { e.builtinStages = false }
}

// New creates an Engine backed by a SQLite database at dbPath, which holds
// buried highlights and per-file settings.
func New(dbPath string, opts ...Option) (*Engine, error) {
	s, err := store.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("vigil: create store: %w", err)
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("vigil: migrate: %w", err)
	}

	e := &Engine{
		store:         s,
		registry:      passes.NewRegistry(),
		logger:        slog.New(slog.DiscardHandler),
		reparseDelay:  DefaultReparseDelay,
		chunkLines:    passes.DefaultChunkLines,
		builtinStages: true,
		docs:          make(map[DocID]*docState),
		byPath:        make(map[string]DocID),
		idle:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.tracker = dirty.NewTracker(e.logger)
	e.sched = &passes.Scheduler{Workers: e.workers, Tracker: e.tracker}
	e.graves = grave.New(s, e.graveOptions()...)

	rtOpts := []runtime.RuntimeOption{runtime.WithRuntimeLogger(e.logger)}
	if e.scriptsFS != nil {
		rtOpts = append(rtOpts, runtime.WithRuntimeFS(e.scriptsFS))
	}
	e.runtime = runtime.NewRuntime(e.scriptsDir, rtOpts...)

	if e.builtinStages {
		if err := e.registerBuiltinStages(); err != nil {
			s.Close()
			return nil, err
		}
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.events = newDispatcher()
	return e, nil
}

func (e *Engine) graveOptions() []grave.Option {
	opts := []grave.Option{grave.WithLogger(e.logger)}
	if e.metrics != nil {
		opts = append(opts, grave.WithObserver(e.metrics))
	}
	return opts
}

func (e *Engine) registerBuiltinStages() error {
	var general, fileLevel []Collaborator
	for _, c := range e.collaborators {
		if fl, ok := c.(FileLevelCollaborator); ok && fl.FileLevel() {
			fileLevel = append(fileLevel, c)
		} else {
			general = append(general, c)
		}
	}

	if scripts := e.scriptSource(); scripts != nil {
		ranged, whole, err := runtime.Discover(e.runtime, scripts)
		if err != nil {
			return fmt.Errorf("vigil: %w", err)
		}
		for _, c := range ranged {
			general = append(general, c)
		}
		for _, c := range whole {
			fileLevel = append(fileLevel, c)
		}
	}

	if _, err := e.RegisterStage(passes.NewGeneralStage(e.chunkLines, general...), nil, nil, passes.GeneralStageID); err != nil {
		return err
	}
	_, err := e.RegisterStage(passes.NewFileLevelStage(fileLevel...), nil, []StageID{passes.GeneralStageID}, passes.FileLevelStageID)
	return err
}

func (e *Engine) scriptSource() fs.FS {
	if e.scriptsFS != nil {
		return e.scriptsFS
	}
	if e.scriptsDir != "" {
		return os.DirFS(e.scriptsDir)
	}
	return nil
}

// RegisterStage adds a stage factory. Dependencies name stages already
// registered; forcedID replaces an existing stage at that id or pins a new
// one. Configuration mistakes are returned as *ConfigError.
func (e *Engine) RegisterStage(f StageFactory, afterCompletionOf, afterStartingOf []StageID, forcedID StageID) (StageID, error) {
	id, err := e.registry.Register(f, afterCompletionOf, afterStartingOf, forcedID)
	if err != nil {
		return 0, err
	}
	e.tracker.SetStages(e.registry.IDs()...)
	e.logger.Debug("stage registered", "stage", f.Name(), "id", id)
	return id, nil
}

// Store returns the underlying Store.
func (e *Engine) Store() *Store { return e.store }

// Subscribe registers fn for engine events and returns a function that
// removes it.
func (e *Engine) Subscribe(fn func(Event)) (unsubscribe func()) {
	return e.events.subscribe(fn)
}

// Close stops every run, buries the highlights of open documents in one
// transaction and releases the database.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	states := make([]*docState, 0, len(e.docs))
	for _, ds := range e.docs {
		states = append(states, ds)
		e.stopTimerLocked(ds)
		if ds.token != nil {
			ds.token.Cancel(progress.ReasonShutdown, "engine closed")
		}
	}
	e.mu.Unlock()

	e.cancel()
	e.runs.Wait()

	batch := store.NewBatch(e.store)
	buryTo := grave.New(batch, e.graveOptions()...)
	var errs []error
	for _, ds := range states {
		if ds.enabled {
			if _, err := buryTo.Bury(ds.doc, ds.set); err != nil {
				errs = append(errs, err)
			}
		}
		if ds.tree != nil {
			ds.tree.Close()
		}
	}
	if err := e.store.CommitBatch(batch); err != nil {
		errs = append(errs, err)
	}

	e.mu.Lock()
	e.docs = map[DocID]*docState{}
	e.byPath = map[string]DocID{}
	e.mu.Unlock()

	e.events.close()
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Documents
// ---------------------------------------------------------------------------

// Open starts tracking a document. Buried highlights for the same content
// are restored as zombies, and a first run is started.
func (e *Engine) Open(path, content string) (DocID, error) {
	lang, _ := syntax.LanguageForFile(path)
	enabled, err := e.store.HighlightingEnabled(path)
	if err != nil {
		return 0, fmt.Errorf("vigil: open %s: %w", path, err)
	}

	var tree *syntax.Tree
	if syntax.Supported(lang) {
		tree, err = syntax.Parse(e.ctx, lang, content)
		if err != nil {
			e.logger.Warn("parse failed, using whole-file scopes", "path", path, "err", err)
			tree = nil
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		if tree != nil {
			tree.Close()
		}
		return 0, ErrClosed
	}
	if _, ok := e.byPath[path]; ok {
		e.mu.Unlock()
		if tree != nil {
			tree.Close()
		}
		return 0, fmt.Errorf("%w: %s", ErrDocumentOpen, path)
	}
	e.nextDoc++
	id := e.nextDoc
	doc := text.NewDocument(id, path, lang, content)
	set := highlight.NewSet(func(version uint64) {
		e.events.post(Event{Kind: EventHighlightsChanged, Doc: id, Path: path, Version: version})
	})
	var counters highlight.Counters
	if e.metrics != nil {
		counters = e.metrics
	}
	ds := &docState{
		doc:     doc,
		set:     set,
		rec:     highlight.NewReconciler(set, counters),
		tree:    tree,
		enabled: enabled,
	}
	e.docs[id] = ds
	e.byPath[path] = id
	e.tracker.Track(doc)
	e.observeDocsLocked()
	e.mu.Unlock()

	if enabled {
		if _, err := e.graves.Exhume(doc, ds.rec); err != nil {
			e.logger.Warn("exhume failed", "path", path, "err", err)
		}
	}

	e.mu.Lock()
	e.scheduleLocked(ds, 0)
	e.mu.Unlock()
	return id, nil
}

// Lookup returns the id of the open document at path.
func (e *Engine) Lookup(path string) (DocID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byPath[path]
	return id, ok
}

func (e *Engine) state(id DocID) (*docState, error) {
	ds, ok := e.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDocument, id)
	}
	return ds, nil
}

// Edit applies an edit to a document. The current run is cancelled, the
// dirty region narrowed to the edited structural element when the
// document's grammar reports one, and a new run scheduled after the
// reparse delay.
func (e *Engine) Edit(id DocID, edit Edit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds, err := e.state(id)
	if err != nil {
		return err
	}
	return e.applyEditLocked(ds, edit)
}

func (e *Engine) applyEditLocked(ds *docState, edit Edit) error {
	if _, err := ds.doc.Apply(edit); err != nil {
		return fmt.Errorf("vigil: edit %s: %w", ds.doc.Path(), err)
	}
	if ds.token != nil {
		ds.token.Cancel(progress.ReasonDocumentChanged, "")
	}
	ds.set.AdjustForEdit(edit)
	e.tracker.DocumentChanged(ds.doc, edit)

	if ds.tree != nil {
		span, ok, err := ds.tree.Edit(e.ctx, edit)
		switch {
		case err != nil:
			e.logger.Warn("reparse failed", "path", ds.doc.Path(), "err", err)
			ds.tree.Close()
			ds.tree = nil
		case ok:
			e.tracker.StructureChanged(ds.doc, span)
		}
	}
	e.scheduleLocked(ds, e.reparseDelay)
	return nil
}

// Replace sets the full text of a document, applied as the single edit
// that turns the old text into the new one.
func (e *Engine) Replace(id DocID, content string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds, err := e.state(id)
	if err != nil {
		return err
	}
	edit, changed := text.DiffEdit(ds.doc.Text(), content)
	if !changed {
		return nil
	}
	return e.applyEditLocked(ds, edit)
}

// Text returns the current text of a document.
func (e *Engine) Text(id DocID) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds, err := e.state(id)
	if err != nil {
		return "", err
	}
	return ds.doc.Text(), nil
}

// SetVisibleRange tells the engine which part of the document is on
// screen; stages analyse it first. A nil span clears the hint. A run in
// flight is restarted so the new range goes first.
func (e *Engine) SetVisibleRange(id DocID, span *Span) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds, err := e.state(id)
	if err != nil {
		return err
	}
	if span != nil {
		cp := span.Clamp(ds.doc.Len())
		ds.visible = &cp
	} else {
		ds.visible = nil
	}
	if ds.token != nil {
		ds.token.Cancel(progress.ReasonRestart, "visible range changed")
		e.scheduleLocked(ds, 0)
	}
	return nil
}

// CloseDocument stops analysis of a document and buries its highlights so
// reopening the same text shows them immediately.
func (e *Engine) CloseDocument(id DocID) error {
	ds, err := e.detach(id)
	if err != nil {
		return err
	}
	if !ds.enabled {
		return nil
	}
	if _, err := e.graves.Bury(ds.doc, ds.set); err != nil {
		return fmt.Errorf("vigil: close %s: %w", ds.doc.Path(), err)
	}
	return nil
}

// detach forgets a document and waits for its run to unwind. The caller
// owns the returned state.
func (e *Engine) detach(id DocID) (*docState, error) {
	e.mu.Lock()
	ds, err := e.state(id)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.stopTimerLocked(ds)
	running := ds.running
	if ds.token != nil {
		ds.token.Cancel(progress.ReasonClosed, "")
	}
	delete(e.docs, id)
	delete(e.byPath, ds.doc.Path())
	e.tracker.Forget(id)
	e.observeDocsLocked()
	e.mu.Unlock()

	if running != nil {
		<-running
	}
	if ds.tree != nil {
		ds.tree.Close()
	}
	return ds, nil
}

func (e *Engine) observeDocsLocked() {
	if e.metrics != nil {
		e.metrics.SetOpenDocuments(len(e.docs))
	}
}

// ---------------------------------------------------------------------------
// Highlights
// ---------------------------------------------------------------------------

// Highlights returns the range diagnostics of a document in document
// order, zombies included.
func (e *Engine) Highlights(id DocID) ([]Diagnostic, error) {
	set, err := e.setOf(id)
	if err != nil {
		return nil, err
	}
	return set.Snapshot(), nil
}

// FileLevelHighlights returns the whole-file diagnostics of a document.
func (e *Engine) FileLevelHighlights(id DocID) ([]Diagnostic, error) {
	set, err := e.setOf(id)
	if err != nil {
		return nil, err
	}
	return set.FileLevel(), nil
}

// HighlightAt returns the diagnostics covering offset, most severe first.
func (e *Engine) HighlightAt(id DocID, offset int) ([]Diagnostic, error) {
	set, err := e.setOf(id)
	if err != nil {
		return nil, err
	}
	return set.At(offset), nil
}

func (e *Engine) setOf(id DocID) (*highlight.Set, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds, err := e.state(id)
	if err != nil {
		return nil, err
	}
	return ds.set, nil
}

// DirtyScope returns the union of the dirty regions of every stage of a
// document. wholeFile is true when the edit could not be narrowed; ok is
// false when the document is fully analysed.
func (e *Engine) DirtyScope(id DocID) (span Span, wholeFile, ok bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds, err := e.state(id)
	if err != nil {
		return Span{}, false, false, err
	}
	sc, ok := e.tracker.Composite(ds.doc)
	if !ok {
		return Span{}, false, false, nil
	}
	return sc.Resolve(ds.doc.Len()), sc.WholeFile, true, nil
}

// SetHighlightingEnabled turns analysis of path on or off and persists the
// choice. Disabling clears the live set of an open document; enabling
// restarts it.
func (e *Engine) SetHighlightingEnabled(path string, enabled bool) error {
	if err := e.store.SetHighlightingEnabled(path, enabled); err != nil {
		return fmt.Errorf("vigil: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byPath[path]
	if !ok {
		return nil
	}
	ds := e.docs[id]
	if ds.enabled == enabled {
		return nil
	}
	ds.enabled = enabled
	if !enabled {
		e.stopTimerLocked(ds)
		if ds.token != nil {
			ds.token.Cancel(progress.ReasonRestart, "highlighting disabled")
		}
		ds.rec.Clear()
		return nil
	}
	e.tracker.MarkWholeFileDirty(ds.doc, "highlighting enabled")
	e.scheduleLocked(ds, 0)
	return nil
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// scheduleLocked arms the debounce timer of ds. While a latch or bulk
// update holds the document the restart is only recorded.
func (e *Engine) scheduleLocked(ds *docState, delay time.Duration) {
	if e.closed || !ds.enabled {
		return
	}
	if e.heavy > 0 || ds.bulk > 0 {
		e.stopTimerLocked(ds)
		ds.pending = true
		return
	}
	e.stopTimerLocked(ds)
	ds.armed = true
	gen := ds.gen
	ds.timer = time.AfterFunc(delay, func() { e.fire(ds, gen) })
}

func (e *Engine) stopTimerLocked(ds *docState) {
	if ds.timer != nil {
		ds.timer.Stop()
		ds.timer = nil
	}
	ds.gen++
	if ds.armed {
		ds.armed = false
		e.notifyIdleLocked()
	}
}

func (e *Engine) fire(ds *docState, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ds.gen != gen || e.docs[ds.doc.ID()] != ds {
		return
	}
	ds.timer = nil
	ds.armed = false
	if e.closed || !ds.enabled {
		e.notifyIdleLocked()
		return
	}
	if e.heavy > 0 || ds.bulk > 0 {
		ds.pending = true
		e.notifyIdleLocked()
		return
	}
	r := e.startLocked(ds, e.ctx)
	go r.execute()
}

// notifyIdleLocked wakes WaitForIdle callers to re-check.
func (e *Engine) notifyIdleLocked() {
	close(e.idle)
	e.idle = make(chan struct{})
}

// run is one analysis run of one document.
type run struct {
	e     *Engine
	ds    *docState
	rc    *passes.RunContext
	prev  chan struct{}
	done  chan struct{}
	start time.Time

	// deferred is set when dumb mode skipped stages of a completed run.
	deferred bool
}

// startLocked creates the run that replaces whatever is in flight for ds.
// The previous run is cancelled; execute waits for it to unwind.
func (e *Engine) startLocked(ds *docState, parent context.Context) *run {
	if ds.token != nil {
		ds.token.Cancel(progress.ReasonRestart, "")
	}
	snap := ds.doc.Snapshot()
	tok := progress.New(parent, ds.doc, snap.Stamp())

	rc := &passes.RunContext{
		ID:           e.runSeq.Add(1),
		Snapshot:     snap,
		Token:        tok,
		MinSeverity:  e.minSeverity,
		Reconciler:   ds.rec,
		Logger:       e.logger.With("doc", ds.doc.Path()),
		Serial:       e.serial,
		Dumb:         e.dumb.Load,
		VisibleRange: ds.visible,
	}
	if ds.tree != nil {
		rc.Outline = ds.tree.Outline()
	}
	rc.Hooks = &runHooks{e: e, doc: ds.doc.ID(), path: ds.doc.Path()}

	r := &run{e: e, ds: ds, rc: rc, prev: ds.running, done: make(chan struct{})}
	ds.token = tok
	ds.running = r.done
	e.inflight++
	e.runs.Add(1)
	return r
}

// execute runs every dirty stage and returns the scheduler's error, nil
// for a completed run.
func (r *run) execute() error {
	e, rc := r.e, r.rc
	defer r.finish()
	if r.prev != nil {
		<-r.prev
	}
	if err := rc.CheckCanceled(); err != nil {
		r.report(err)
		return err
	}

	r.start = time.Now()
	r.ds.set.BeginRun(rc.ID)
	rc.Logger.Debug("run starting", "run", rc.ID, "stamp", rc.Snapshot.Stamp())
	e.events.post(Event{Kind: EventStarting, Doc: r.ds.doc.ID(), Path: r.ds.doc.Path(), RunID: rc.ID})

	stages := e.registry.Instantiate(rc, e.tracker)
	outcome, err := e.sched.Run(rc, stages)
	if err == nil && len(outcome.Deferred) > 0 {
		r.deferred = true
		rc.Logger.Debug("run deferred stages in dumb mode", "run", rc.ID, "stages", outcome.Deferred)
	}
	// Zombies outlive the run only while some stage is still dirty; the
	// general stage drops them earlier when it applies.
	if err == nil && rc.CheckCanceled() == nil && e.tracker.AllStagesUpToDate(r.ds.doc.ID()) {
		if n := r.ds.rec.DropZombies(); n > 0 {
			rc.Logger.Debug("zombies superseded", "run", rc.ID, "count", n)
		}
	}
	r.report(err)
	return err
}

func (r *run) report(err error) {
	e, rc := r.e, r.rc
	ev := Event{Doc: r.ds.doc.ID(), Path: r.ds.doc.Path(), RunID: rc.ID}
	var elapsed time.Duration
	if !r.start.IsZero() {
		elapsed = time.Since(r.start)
	}
	switch {
	case err == nil:
		ev.Kind = EventFinished
		rc.Logger.Debug("run finished", "run", rc.ID, "elapsed", elapsed)
		if e.metrics != nil {
			e.metrics.RunFinished(progress.ReasonNone, elapsed)
		}
	default:
		ev.Kind = EventCanceled
		ev.Reason = rc.Token.Reason()
		if ev.Reason == progress.ReasonNone {
			ev.Reason = progress.ReasonShutdown
		}
		ev.Err = err
		rc.Logger.Debug("run canceled", "run", rc.ID, "reason", ev.Reason.String())
		if e.metrics != nil {
			e.metrics.RunFinished(ev.Reason, elapsed)
		}
	}
	e.events.post(ev)
}

func (r *run) finish() {
	e, ds := r.e, r.ds
	r.rc.Token.Release()
	e.mu.Lock()
	if ds.running == r.done {
		ds.running = nil
		ds.token = nil
		// Smart mode came back while this run was deferring stages.
		if r.deferred && !e.dumb.Load() && !ds.armed && e.docs[ds.doc.ID()] == ds {
			e.scheduleLocked(ds, 0)
		}
	}
	e.inflight--
	e.notifyIdleLocked()
	e.mu.Unlock()
	close(r.done)
	e.runs.Done()
}

// runHooks forwards stage activity to metrics and subscribers.
type runHooks struct {
	e    *Engine
	doc  DocID
	path string
}

func (h *runHooks) StageStarted(rc *passes.RunContext, stage string) {
	if h.e.metrics != nil {
		h.e.metrics.StageStarted(rc, stage)
	}
}

func (h *runHooks) StageFinished(rc *passes.RunContext, stage string, elapsed time.Duration, err error) {
	if h.e.metrics != nil {
		h.e.metrics.StageFinished(rc, stage, elapsed, err)
	}
}

func (h *runHooks) CollaboratorFault(rc *passes.RunContext, f *passes.FaultError) {
	if h.e.metrics != nil {
		h.e.metrics.CollaboratorFault(rc, f)
	}
	err := f.Err
	if err == nil {
		err = f
	}
	h.e.events.post(Event{Kind: EventFault, Doc: h.doc, Path: h.path, RunID: rc.ID, Stage: f.Stage, Source: f.Source, Err: err})
}

// RunMainPasses analyses a document synchronously on the caller's
// goroutine and returns its range and file-level diagnostics. A background
// run of the document is cancelled first. Cancelling ctx stops the run.
func (e *Engine) RunMainPasses(ctx context.Context, id DocID) ([]Diagnostic, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	ds, err := e.state(id)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.stopTimerLocked(ds)
	r := e.startLocked(ds, ctx)
	e.mu.Unlock()

	if err := r.execute(); err != nil {
		return nil, fmt.Errorf("vigil: run %s: %w", ds.doc.Path(), err)
	}
	return append(ds.set.Snapshot(), ds.set.FileLevel()...), nil
}

// Restart marks a document whole-file dirty and starts a fresh run.
func (e *Engine) Restart(id DocID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds, err := e.state(id)
	if err != nil {
		return err
	}
	e.restartLocked(ds)
	return nil
}

// RestartAll restarts every open document.
func (e *Engine) RestartAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ds := range e.docs {
		e.restartLocked(ds)
	}
}

func (e *Engine) restartLocked(ds *docState) {
	e.tracker.MarkWholeFileDirty(ds.doc, "restart")
	if ds.token != nil {
		ds.token.Cancel(progress.ReasonRestart, "")
	}
	e.scheduleLocked(ds, 0)
}

// ---------------------------------------------------------------------------
// Latches
// ---------------------------------------------------------------------------

// BeginHeavyOperation suppresses every run until the returned function is
// called. Runs in flight are cancelled; their documents restart once the
// last heavy operation ends. The release function is idempotent.
func (e *Engine) BeginHeavyOperation() (release func()) {
	e.mu.Lock()
	e.heavy++
	for _, ds := range e.docs {
		e.suspendLocked(ds, progress.ReasonHeavyOperation)
	}
	e.mu.Unlock()
	e.logger.Debug("heavy operation started")

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.heavy--
			if e.heavy > 0 {
				return
			}
			for _, ds := range e.docs {
				e.resumeLocked(ds)
			}
			e.logger.Debug("heavy operation finished")
		})
	}
}

// BeginBulkUpdate suppresses runs of one document until the returned
// function is called, so a batch of edits triggers a single restart.
func (e *Engine) BeginBulkUpdate(id DocID) (release func(), err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds, err := e.state(id)
	if err != nil {
		return nil, err
	}
	ds.bulk++
	e.suspendLocked(ds, progress.ReasonBulkUpdate)

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			ds.bulk--
			if ds.bulk == 0 && e.heavy == 0 && e.docs[id] == ds {
				e.resumeLocked(ds)
			}
		})
	}, nil
}

func (e *Engine) suspendLocked(ds *docState, reason CancelReason) {
	if ds.armed || ds.token != nil {
		ds.pending = true
	}
	e.stopTimerLocked(ds)
	if ds.token != nil {
		ds.token.Cancel(reason, "")
	}
}

func (e *Engine) resumeLocked(ds *docState) {
	if ds.bulk > 0 || !ds.pending {
		return
	}
	ds.pending = false
	e.scheduleLocked(ds, 0)
}

// SetDumbMode records whether the index is unavailable. Stages that are
// not dumb-aware are deferred while it is set; runs in flight are not
// cancelled. Leaving dumb mode restarts documents with deferred work; a
// run still in flight reschedules its document when it finishes.
func (e *Engine) SetDumbMode(dumb bool) {
	if e.dumb.Swap(dumb) == dumb || dumb {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ds := range e.docs {
		if ds.token == nil && !ds.armed && !e.tracker.AllStagesUpToDate(id) {
			e.scheduleLocked(ds, 0)
		}
	}
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

// IsRunning reports whether a run of the document is in flight.
func (e *Engine) IsRunning(id DocID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds, ok := e.docs[id]
	return ok && ds.running != nil
}

// IsAllAnalysisFinished reports whether every stage of the document is up
// to date and nothing is running or scheduled. A document with
// highlighting disabled is always finished.
func (e *Engine) IsAllAnalysisFinished(id DocID) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds, err := e.state(id)
	if err != nil {
		return false, err
	}
	if !ds.enabled {
		return true, nil
	}
	return ds.running == nil && !ds.armed && !ds.pending && e.tracker.AllStagesUpToDate(id), nil
}

// WaitForIdle blocks until no run is in flight or scheduled for any
// document. Work held back by a latch does not count.
func (e *Engine) WaitForIdle(ctx context.Context) error {
	for {
		e.mu.Lock()
		idle := e.inflight == 0
		for _, ds := range e.docs {
			if ds.armed {
				idle = false
				break
			}
		}
		wake := e.idle
		e.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

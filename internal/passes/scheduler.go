package passes

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jward/vigil/internal/dirty"
	"github.com/jward/vigil/internal/progress"
)

// Hooks observes stage execution. The engine forwards these to metrics and
// its event subscribers. Calls may come from any goroutine.
type Hooks interface {
	StageStarted(rc *RunContext, stage string)
	StageFinished(rc *RunContext, stage string, elapsed time.Duration, err error)
	CollaboratorFault(rc *RunContext, f *FaultError)
}

type nopHooks struct{}

func (nopHooks) StageStarted(*RunContext, string)                        {}
func (nopHooks) StageFinished(*RunContext, string, time.Duration, error) {}
func (nopHooks) CollaboratorFault(*RunContext, *FaultError)              {}

// Outcome summarises one scheduler run.
type Outcome struct {
	Completed []StageID
	Faulted   []StageID
	Deferred  []StageID
}

// Scheduler executes the stage instances of a run by dependency.
type Scheduler struct {
	// Workers bounds the number of stages running at once; zero means
	// runtime.NumCPU().
	Workers int
	Tracker *dirty.Tracker
}

type stageState struct {
	run       *StageRun
	started   chan struct{}
	done      chan struct{}
	startOnce sync.Once
	doneOnce  sync.Once
}

func (s *stageState) markStarted() { s.startOnce.Do(func() { close(s.started) }) }

// finish also releases stages waiting on the start of a stage that never
// started.
func (s *stageState) finish() {
	s.markStarted()
	s.doneOnce.Do(func() { close(s.done) })
}

// Run executes stages, which must be in topological order as returned by
// Registry.Instantiate. Stages whose dependencies are satisfied run in
// parallel. A stage waiting on AfterStartingOf only waits for the
// dependency to begin collecting. It returns the run's cancellation error
// if the run was cancelled; stage faults are reported in the Outcome.
func (s *Scheduler) Run(rc *RunContext, stages []*StageRun) (Outcome, error) {
	states := make(map[StageID]*stageState, len(stages))
	for _, st := range stages {
		states[st.ID] = &stageState{run: st, started: make(chan struct{}), done: make(chan struct{})}
	}

	workers := s.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if rc.Serial {
		workers = 1
	}

	var (
		mu  sync.Mutex
		out Outcome
	)
	record := func(list *[]StageID, id StageID) {
		mu.Lock()
		*list = append(*list, id)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, st := range stages {
		state := states[st.ID]
		if rc.IsCanceled() {
			state.finish()
			continue
		}
		g.Go(func() error {
			defer state.finish()
			return s.runStage(rc, state, states, func(kind stageResult) {
				switch kind {
				case resultCompleted:
					record(&out.Completed, state.run.ID)
				case resultFaulted:
					record(&out.Faulted, state.run.ID)
				case resultDeferred:
					record(&out.Deferred, state.run.ID)
				}
			})
		})
	}
	err := g.Wait()

	if cerr := rc.CheckCanceled(); cerr != nil {
		return out, cerr
	}
	out.Deferred = append(out.Deferred, rc.Deferred()...)
	return out, err
}

type stageResult int

const (
	resultCompleted stageResult = iota
	resultFaulted
	resultDeferred
)

func (s *Scheduler) runStage(rc *RunContext, st *stageState, all map[StageID]*stageState, record func(stageResult)) error {
	for _, dep := range st.run.AfterCompletionOf {
		if d, ok := all[dep]; ok {
			select {
			case <-d.done:
			case <-rc.Context().Done():
				return rc.CheckCanceled()
			}
		}
	}
	for _, dep := range st.run.AfterStartingOf {
		if d, ok := all[dep]; ok {
			select {
			case <-d.started:
			case <-rc.Context().Done():
				return rc.CheckCanceled()
			}
		}
	}

	// Dumb mode arriving mid-run defers stages that have not started yet;
	// they stay dirty and are not cancelled.
	if rc.IsDumb() && !st.run.DumbAware {
		rc.logger().Debug("passes: stage deferred in dumb mode", "stage", st.run.Name())
		record(resultDeferred)
		return nil
	}
	if err := rc.CheckCanceled(); err != nil {
		return err
	}

	name := st.run.Name()
	st.markStarted()
	rc.hooks().StageStarted(rc, name)
	start := time.Now()
	err := collectAndApply(rc, st.run)
	elapsed := time.Since(start)
	rc.hooks().StageFinished(rc, name, elapsed, err)

	switch {
	case err == nil:
		if cerr := rc.CheckCanceled(); cerr != nil {
			return cerr
		}
		if s.Tracker != nil {
			s.Tracker.MarkUpToDate(rc.Document(), st.run.ID, rc.Snapshot.Stamp())
		}
		rc.logger().Debug("passes: stage done", "stage", name, "elapsed", elapsed)
		record(resultCompleted)
	case progress.IsCanceled(err) && rc.IsCanceled():
		rc.logger().Debug("passes: stage canceled", "stage", name, "reason", rc.Token.Reason().String())
		return err
	default:
		var f *FaultError
		if !errors.As(err, &f) {
			f = &FaultError{Stage: name, Source: name, Err: err}
		}
		rc.reportFault(f)
		record(resultFaulted)
	}
	return nil
}

func collectAndApply(rc *RunContext, st *StageRun) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &FaultError{Stage: st.Name(), Source: st.Name(), Panic: p, Stack: debug.Stack()}
		}
	}()
	if err := st.Instance.Collect(rc, st.Scope); err != nil {
		return err
	}
	if err := rc.CheckCanceled(); err != nil {
		return err
	}
	if err := st.Instance.Apply(rc); err != nil {
		return fmt.Errorf("passes: apply %s: %w", st.Name(), err)
	}
	return nil
}

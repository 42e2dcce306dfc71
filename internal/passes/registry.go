package passes

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/jward/vigil/internal/dirty"
	"github.com/jward/vigil/internal/text"
)

// StageID identifies a registered stage. The dirty tracker keys its scopes
// by the same ids.
type StageID = dirty.StageID

// NoForcedID asks Register to allocate a fresh id.
const NoForcedID StageID = -1

// Ids of the built-in stages.
const (
	GeneralStageID   StageID = 1
	FileLevelStageID StageID = 2
)

const firstDynamicID StageID = 100

var (
	ErrOverlappingConstraints = errors.New("stage listed in both afterCompletionOf and afterStartingOf")
	ErrUnknownStage           = errors.New("unknown stage id")
	ErrCycle                  = errors.New("stage dependency cycle")
	ErrDuplicateStage         = errors.New("stage already registered under another id")
)

// ConfigError is an invalid stage graph. It is only ever returned from
// Register.
type ConfigError struct {
	Stage StageID
	Name  string
	Ref   []StageID
	Err   error
}

func (e *ConfigError) Error() string {
	if len(e.Ref) == 0 {
		return fmt.Sprintf("passes: register %q (id %d): %v", e.Name, e.Stage, e.Err)
	}
	return fmt.Sprintf("passes: register %q (id %d): %v: %v", e.Name, e.Stage, e.Err, e.Ref)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Factory creates stage instances.
type Factory interface {
	Name() string
	SuitableFor(doc *text.Document) bool
	// CreateInstance returns nil when the stage has nothing to do for this
	// run.
	CreateInstance(rc *RunContext) Instance
}

// DumbAware is implemented by factories whose stages may run while the
// index is not ready.
type DumbAware interface {
	DumbAware() bool
}

// Instance is one stage for one run. Collect does the analysis over scope
// and applies results as they are produced; Apply runs once after a
// successful Collect.
type Instance interface {
	Collect(rc *RunContext, scope text.Span) error
	Apply(rc *RunContext) error
}

// Descriptor is the registered form of a stage.
type Descriptor struct {
	ID                StageID
	Factory           Factory
	AfterCompletionOf []StageID
	AfterStartingOf   []StageID
	DumbAware         bool
}

// Registry is the explicit stage registrar of one engine.
type Registry struct {
	mu     sync.RWMutex
	descs  map[StageID]Descriptor
	order  []StageID
	nextID StageID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{descs: make(map[StageID]Descriptor), nextID: firstDynamicID}
}

// Register adds a stage. Referenced ids must already be registered, the two
// constraint lists must be disjoint, and the resulting graph acyclic.
// Registering with an existing forced id replaces that stage.
func (r *Registry) Register(f Factory, afterCompletionOf, afterStartingOf []StageID, forcedID StageID) (StageID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := forcedID
	if id == NoForcedID {
		id = r.nextID
	}
	cfgErr := func(err error, ref ...StageID) error {
		return &ConfigError{Stage: id, Name: f.Name(), Ref: ref, Err: err}
	}

	for _, d := range r.descs {
		if d.Factory.Name() == f.Name() && d.ID != id {
			return 0, cfgErr(ErrDuplicateStage, d.ID)
		}
	}

	var overlap []StageID
	for _, c := range afterCompletionOf {
		if slices.Contains(afterStartingOf, c) {
			overlap = append(overlap, c)
		}
	}
	if len(overlap) > 0 {
		return 0, cfgErr(ErrOverlappingConstraints, overlap...)
	}

	var unknown []StageID
	for _, dep := range slices.Concat(afterCompletionOf, afterStartingOf) {
		if dep == id {
			return 0, cfgErr(ErrCycle, dep)
		}
		if _, ok := r.descs[dep]; !ok {
			unknown = append(unknown, dep)
		}
	}
	if len(unknown) > 0 {
		return 0, cfgErr(ErrUnknownStage, unknown...)
	}

	desc := Descriptor{
		ID:                id,
		Factory:           f,
		AfterCompletionOf: slices.Clone(afterCompletionOf),
		AfterStartingOf:   slices.Clone(afterStartingOf),
	}
	if da, ok := f.(DumbAware); ok {
		desc.DumbAware = da.DumbAware()
	}

	tentative := make(map[StageID]Descriptor, len(r.descs)+1)
	for k, v := range r.descs {
		tentative[k] = v
	}
	tentative[id] = desc
	order, cycle := toposortKahn(tentative)
	if len(cycle) > 0 {
		return 0, cfgErr(ErrCycle, cycle...)
	}

	r.descs = tentative
	r.order = order
	if forcedID == NoForcedID || id >= r.nextID {
		r.nextID = id + 1
	}
	return id, nil
}

// Lookup returns the descriptor of id.
func (r *Registry) Lookup(id StageID) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[id]
	return d, ok
}

// IDs returns the registered ids in topological order.
func (r *Registry) IDs() []StageID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Descriptors returns the registered stages in topological order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.descs[id])
	}
	return out
}

// StageRun is a stage instance bound to its dirty scope for one run.
type StageRun struct {
	Descriptor
	Instance Instance
	Scope    text.Span
}

// Name returns the stage's factory name.
func (s *StageRun) Name() string { return s.Factory.Name() }

// Instantiate builds the stage instances of one run in topological order.
// Stages that are unsuitable for the document, up to date, not dumb-aware
// while in dumb mode, or whose factory opts out are left out.
func (r *Registry) Instantiate(rc *RunContext, tracker *dirty.Tracker) []*StageRun {
	doc := rc.Snapshot.Document()
	var out []*StageRun
	for _, d := range r.Descriptors() {
		if !d.Factory.SuitableFor(doc) {
			continue
		}
		sc, dirtyNow := tracker.DirtyScope(doc, d.ID)
		if !dirtyNow {
			continue
		}
		if rc.IsDumb() && !d.DumbAware {
			rc.deferStage(d.ID)
			continue
		}
		inst := d.Factory.CreateInstance(rc)
		if inst == nil {
			// Nothing to do for this document: it is up to date as of now.
			tracker.MarkUpToDate(doc, d.ID, rc.Snapshot.Stamp())
			continue
		}
		out = append(out, &StageRun{Descriptor: d, Instance: inst, Scope: sc.Resolve(rc.Snapshot.Len())})
	}
	return out
}

// toposortKahn orders stages so every dependency precedes its dependents.
// Ready stages are taken in id order. Stages left on a cycle are returned
// as the second result.
func toposortKahn(descs map[StageID]Descriptor) (order, cycle []StageID) {
	indeg := make(map[StageID]int, len(descs))
	edges := make(map[StageID][]StageID, len(descs))
	for id, d := range descs {
		indeg[id] += 0
		for _, dep := range slices.Concat(d.AfterCompletionOf, d.AfterStartingOf) {
			edges[dep] = append(edges[dep], id)
			indeg[id]++
		}
	}

	var current []StageID
	for id, n := range indeg {
		if n == 0 {
			current = append(current, id)
		}
	}
	slices.Sort(current)

	for len(current) > 0 {
		var next []StageID
		for _, id := range current {
			order = append(order, id)
			for _, to := range edges[id] {
				indeg[to]--
				if indeg[to] == 0 {
					next = append(next, to)
				}
			}
		}
		slices.Sort(next)
		current = next
	}

	if len(order) != len(descs) {
		for id, n := range indeg {
			if n > 0 {
				cycle = append(cycle, id)
			}
		}
		slices.Sort(cycle)
	}
	return order, cycle
}

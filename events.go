package vigil

import (
	"slices"
	"sync"
)

// EventKind classifies engine events.
type EventKind int

const (
	// EventStarting is sent when a run begins analysing a document.
	EventStarting EventKind = iota
	// EventFinished is sent when a run completed every scheduled stage.
	EventFinished
	// EventCanceled is sent when a run stopped early; Reason says why.
	EventCanceled
	// EventFault is sent for every recovered collaborator failure.
	EventFault
	// EventHighlightsChanged is sent after the live set of a document
	// changed. Bursts are coalesced per document.
	EventHighlightsChanged
)

func (k EventKind) String() string {
	switch k {
	case EventStarting:
		return "starting"
	case EventFinished:
		return "finished"
	case EventCanceled:
		return "canceled"
	case EventFault:
		return "fault"
	case EventHighlightsChanged:
		return "highlights changed"
	}
	return "unknown"
}

// Event is delivered to subscribers on the engine's dispatcher goroutine,
// never while an engine lock is held, so handlers may call back into the
// engine.
type Event struct {
	Kind  EventKind
	Doc   DocID
	Path  string
	RunID uint64

	// Reason is set for EventCanceled.
	Reason CancelReason
	// Stage, Source and Err are set for EventFault.
	Stage  string
	Source string
	Err    error
	// Version is the live set version for EventHighlightsChanged.
	Version uint64
}

// dispatcher owns the subscriber list and delivers queued events in order
// on a single goroutine.
type subscriber struct {
	id int
	fn func(Event)
}

type dispatcher struct {
	mu     sync.Mutex
	queue  []Event
	subs   []subscriber
	nextID int
	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) subscribe(fn func(Event)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs = append(d.subs, subscriber{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.subs = slices.DeleteFunc(d.subs, func(s subscriber) bool { return s.id == id })
			d.mu.Unlock()
		})
	}
}

// post queues ev. A highlights-changed event replaces a still queued one
// for the same document.
func (d *dispatcher) post(ev Event) {
	d.mu.Lock()
	if len(d.subs) == 0 {
		d.mu.Unlock()
		return
	}
	merged := false
	if ev.Kind == EventHighlightsChanged {
		for i := len(d.queue) - 1; i >= 0; i-- {
			q := &d.queue[i]
			if q.Kind == EventHighlightsChanged && q.Doc == ev.Doc {
				q.Version = max(q.Version, ev.Version)
				merged = true
				break
			}
			if q.Doc == ev.Doc {
				break
			}
		}
	}
	if !merged {
		d.queue = append(d.queue, ev)
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) loop() {
	defer close(d.exited)
	for {
		select {
		case <-d.wake:
			d.drain()
		case <-d.done:
			d.drain()
			return
		}
	}
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		batch := d.queue
		d.queue = nil
		subs := slices.Clone(d.subs)
		d.mu.Unlock()

		for _, ev := range batch {
			for _, s := range subs {
				s.fn(ev)
			}
		}
	}
}

// close delivers what is queued and stops the dispatcher goroutine.
func (d *dispatcher) close() {
	close(d.done)
	<-d.exited
}

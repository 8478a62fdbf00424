// Package event implements the Event Bus (§4.F): named events with an
// environment, a blocker set, and an emit/finish lifecycle driven by a
// single-threaded pump loop invoked once per main-loop iteration.
package event

import (
	"os"
	"sync"

	"github.com/tjper/initd/internal/jobworker/metrics"
	"github.com/tjper/initd/internal/log"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "event")

// State is an Event's position in its lifecycle (§3 "Event").
type State int

const (
	Pending State = iota
	Handling
	Finished
)

func (s State) String() string {
	switch s {
	case Handling:
		return "HANDLING"
	case Finished:
		return "FINISHED"
	default:
		return "PENDING"
	}
}

// BlockerKind tags the variants of the Blocker sum type (§3 "Blocker").
type BlockerKind int

const (
	BlockerEvent BlockerKind = iota
	BlockerJob
	BlockerEmitMethod
	BlockerStartMethod
	BlockerStopMethod
	BlockerRestartMethod
)

// Blocker is a tagged union identifying something that must complete
// before an Event can finish. Ref is a weak back-reference (an opaque id
// or callback) to the held item; Release is invoked exactly once, when the
// blocker is satisfied, regardless of whether the Event finished
// successfully.
type Blocker struct {
	Kind BlockerKind
	// Ref is an implementation-defined description of the blocked item,
	// used only for logging (e.g. "job:web/1", "method:start#42").
	Ref string
	// Release is called when this blocker is removed from its Event's
	// blocker set, with the Event's final Failed value.
	Release func(failed bool)
}

// Event is one emitted event (§3 "Event").
type Event struct {
	mu sync.Mutex

	ID     uint64
	Name   string
	Env    []string // ordered KEY=VALUE pairs
	state  State
	failed bool

	blockers map[uint64]Blocker
	nextRef  uint64
}

// EnvMap returns Env parsed into a lookup map, for expression evaluation
// (§4.G).
func (e *Event) EnvMap() map[string]string {
	m := make(map[string]string, len(e.Env))
	for _, kv := range e.Env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}

// State returns the Event's current lifecycle state.
func (e *Event) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Failed reports whether any blocker, or the event-expression evaluation
// itself, marked this event as failed.
func (e *Event) Failed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}

// Fail marks the event failed; it does not by itself release any blocker
// (§7 "Event-expression evaluation fails ... Event fails, blockers
// notified" happens when the event's remaining blockers are released).
func (e *Event) Fail() {
	e.mu.Lock()
	e.failed = true
	e.mu.Unlock()
}

// Block registers b against this event and returns a release function the
// binder/state-machine calls once the blocked work completes. Adding a
// blocker after the event has already Finished is a caller error (the bus
// does not resurrect finished events) and is logged.
func (e *Event) Block(b Blocker) (release func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Finished {
		logger.Warnf("block added to finished event; event: %s", e.Name)
	}
	ref := e.nextRef
	e.nextRef++
	e.blockers[ref] = b
	return func() { e.releaseBlocker(ref) }
}

func (e *Event) releaseBlocker(ref uint64) {
	e.mu.Lock()
	b, ok := e.blockers[ref]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.blockers, ref)
	finished := len(e.blockers) == 0
	failed := e.failed
	if finished {
		e.state = Finished
	}
	e.mu.Unlock()

	if b.Release != nil {
		b.Release(failed)
	}
	if finished {
		logger.Infof("event finished; name: %s, failed: %t", e.Name, failed)
	}
}

// blockerCount reports the live blocker count, used by Bus.pump to decide
// whether an event newly entering HANDLING has already finished (no
// binder matched it).
func (e *Event) blockerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.blockers)
}

// Bus is the Event Bus (§4.F): a FIFO queue of Events plus the single pump
// loop that advances them PENDING -> HANDLING.
type Bus struct {
	mu      sync.Mutex
	queue   []*Event
	nextID  uint64
	handler func(*Event)
	wake    chan struct{}
}

// New creates a Bus. handler is invoked once per event as it transitions
// to HANDLING — ordinarily the binder package's Handle method — and is
// expected to call Event.Block for anything that should delay FINISHED. A
// nil handler may be supplied when the handler itself depends on the Bus
// (the binder needs a Driver that in turn needs the Bus); call SetHandler
// once construction completes.
func New(handler func(*Event)) *Bus {
	return &Bus{handler: handler, wake: make(chan struct{}, 1)}
}

// Wake returns the channel Emit signals on, so a pump loop can block until
// there's actually something to pump instead of polling. The channel is
// buffered by one and never closed: a send that finds it already full is a
// no-op, since one pending wake covers however many events piled up since
// the last drain.
func (b *Bus) Wake() <-chan struct{} {
	return b.wake
}

// SetHandler installs or replaces the Bus's event handler, for the
// construction order where the handler (the binder) depends on components
// built from the Bus itself.
func (b *Bus) SetHandler(handler func(*Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

// Emit enqueues a new event, PENDING, to be picked up on the next Pump
// call. Events emitted from within a handler (reentrant Emit during Pump)
// are appended to the same queue and processed on a later Pump iteration,
// per §4.F "new events go to the back of the queue" and §5 "derived
// events ... before the next main-loop iteration".
func (b *Bus) Emit(name string, env []string) *Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	e := &Event{
		ID:       b.nextID,
		Name:     name,
		Env:      env,
		state:    Pending,
		blockers: make(map[uint64]Blocker),
	}
	b.queue = append(b.queue, e)

	select {
	case b.wake <- struct{}{}:
	default:
	}

	return e
}

// Pump moves every currently PENDING event to HANDLING and runs the bus
// handler on each, in emission order. It does not recurse into events
// emitted by the handler during this call; those are picked up by the next
// Pump invocation, matching the one-pump-per-main-loop-iteration model.
func (b *Bus) Pump() {
	b.mu.Lock()
	pending := b.queue
	b.queue = nil
	handler := b.handler
	b.mu.Unlock()

	for _, e := range pending {
		e.mu.Lock()
		e.state = Handling
		e.mu.Unlock()
		metrics.EventsPumped.WithLabelValues(e.Name).Inc()

		if handler != nil {
			handler(e)
		}

		// No blocker attached itself: the event has nothing to wait on and
		// finishes immediately.
		if e.blockerCount() == 0 {
			e.mu.Lock()
			e.state = Finished
			e.mu.Unlock()
		}
	}
}

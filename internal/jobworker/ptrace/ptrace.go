// Package ptrace implements the expect-fork/expect-daemon tracer (§4.C): it
// follows a job's MAIN process through one or two forks via PTRACE so the
// job state machine can rebind to the pid that ultimately stabilises as the
// long-running service, the way a daemonising server detaches from the
// process the supervisor originally spawned.
//
// A Tracker needs non-nil Primitives. No package in this repository falls
// back from expect fork/daemon to expect none when ptrace is unavailable.
package ptrace

import (
	"fmt"
	"os"

	"github.com/tjper/initd/internal/log"

	"golang.org/x/sys/unix"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "ptrace")

// Expect is the class-declared daemonising behavior a Tracker follows.
type Expect int

const (
	// ExpectFork means the service stabilises after exactly one fork.
	ExpectFork Expect = iota
	// ExpectDaemon means the service stabilises after two forks, the
	// classic double-fork daemonising idiom.
	ExpectDaemon
)

func (e Expect) requiredForks() int {
	if e == ExpectDaemon {
		return 2
	}
	return 1
}

// State is the per-instance trace sub-state machine (§4.C).
type State int

const (
	// StateNone means no trace is active (the Tracker's zero value).
	StateNone State = iota
	// StateNew is the initial state after trace-arm, before the first
	// SIGTRAP stop has been seen.
	StateNew
	// StateNormal is steady-state tracing: waiting for a FORK or EXEC
	// event, or forwarding any other trapped signal transparently.
	StateNormal
	// StateNewChild is entered immediately after rebinding to a freshly
	// forked child, which is expected to be stopped with SIGSTOP.
	StateNewChild
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateNormal:
		return "NORMAL"
	case StateNewChild:
		return "NEW_CHILD"
	default:
		return "NONE"
	}
}

// Primitives is the narrow, platform-specific ptrace surface the Tracker
// drives (§7 "Encapsulate the per-platform ptrace calls behind a narrow
// interface"). The state transitions in this package are platform
// independent; only these calls change per platform.
type Primitives interface {
	SetOptions(pid int) error
	Continue(pid int, sig int) error
	Detach(pid int) error
	GetForkChild(pid int) (int, error)
}

// linuxPrimitives implements Primitives with golang.org/x/sys/unix.
type linuxPrimitives struct{}

// Linux is the Primitives implementation for this platform.
var Linux Primitives = linuxPrimitives{}

func (linuxPrimitives) SetOptions(pid int) error {
	return unix.PtraceSetOptions(pid, unix.PTRACE_O_TRACEFORK|unix.PTRACE_O_TRACEEXEC)
}

func (linuxPrimitives) Continue(pid int, sig int) error {
	return unix.PtraceCont(pid, sig)
}

func (linuxPrimitives) Detach(pid int) error {
	return unix.PtraceDetach(pid)
}

func (linuxPrimitives) GetForkChild(pid int) (int, error) {
	msg, err := unix.PtraceGetEventMsg(pid)
	if err != nil {
		return 0, err
	}
	return int(msg), nil
}

// Event is a ptrace-relevant notification delivered to a Tracker, derived
// from the reaper's Stopped report (§4.B "PTRACE(event)").
type Event int

const (
	// EventTrap is a plain SIGTRAP stop: either the initial PTRACE_TRACEME
	// stop, or a forwarded signal-delivery stop.
	EventTrap Event = iota
	// EventFork is a PTRACE_EVENT_FORK stop.
	EventFork
	// EventExec is a PTRACE_EVENT_EXEC stop.
	EventExec
	// EventSignal is a trapped stop for a signal other than SIGTRAP,
	// forwarded transparently to the tracee.
	EventSignal
	// EventChildStopped is the SIGSTOP a freshly attached child delivers
	// once ptrace has taken hold of it.
	EventChildStopped
)

// Advance is returned by Tracker.Handle to tell the caller (job state
// machine, §4.D) what happened as a result of processing an event.
type Advance struct {
	// Pid is the pid the instance's MAIN should now be bound to. Zero means
	// unchanged.
	Pid int
	// Done reports that tracing has finished (detached, state == NONE); the
	// job state machine should advance past SPAWNED.
	Done bool
}

// Tracker drives one instance's trace sub-state machine.
type Tracker struct {
	prims  Primitives
	expect Expect

	state State
	pid   int
	forks int
}

// New creates a Tracker for a MAIN process about to be spawned with trace
// armed, tracking it against prims (platform ptrace calls) and expect (fork
// vs daemon).
func New(prims Primitives, expect Expect, pid int) *Tracker {
	return &Tracker{prims: prims, expect: expect, state: StateNew, pid: pid}
}

// State reports the Tracker's current sub-state, useful for logging and
// tests.
func (t *Tracker) State() State { return t.state }

// Handle processes one event observed for pid (which may be the tracked
// pid, or — in StateNewChild — the newly attached child) and returns how
// the caller should react.
func (t *Tracker) Handle(pid int, ev Event) (Advance, error) {
	switch t.state {
	case StateNew:
		return t.handleNew(pid, ev)
	case StateNormal:
		return t.handleNormal(pid, ev)
	case StateNewChild:
		return t.handleNewChild(pid, ev)
	default:
		return Advance{}, fmt.Errorf("ptrace: event on inactive tracker (pid %d)", pid)
	}
}

// handleNew configures trace options on the first SIGTRAP stop and resumes
// the tracee, moving to NORMAL (§4.C "NEW").
func (t *Tracker) handleNew(pid int, ev Event) (Advance, error) {
	if err := t.prims.SetOptions(pid); err != nil {
		return Advance{}, fmt.Errorf("set ptrace options: %w", err)
	}
	if err := t.prims.Continue(pid, 0); err != nil {
		return Advance{}, fmt.Errorf("continue: %w", err)
	}
	t.state = StateNormal
	return Advance{}, nil
}

// handleNormal implements the steady-state rules (§4.C "NORMAL").
func (t *Tracker) handleNormal(pid int, ev Event) (Advance, error) {
	switch ev {
	case EventFork:
		child, err := t.prims.GetForkChild(pid)
		if err != nil {
			return Advance{}, fmt.Errorf("get fork child: %w", err)
		}
		if err := t.prims.Detach(pid); err != nil {
			logger.Warnf("detach %d after fork: %s", pid, err)
		}
		t.pid = child
		if err := t.prims.SetOptions(child); err != nil {
			return Advance{}, fmt.Errorf("set ptrace options on child %d: %w", child, err)
		}
		t.state = StateNewChild
		return Advance{Pid: child}, nil

	case EventExec:
		if t.forks > 0 {
			if err := t.prims.Detach(pid); err != nil {
				logger.Warnf("detach %d after exec: %s", pid, err)
			}
			t.state = StateNone
			return Advance{Done: true}, nil
		}
		if err := t.prims.Continue(pid, 0); err != nil {
			return Advance{}, fmt.Errorf("continue after exec: %w", err)
		}
		return Advance{}, nil

	case EventSignal:
		if err := t.prims.Continue(pid, forwardedSignal); err != nil {
			return Advance{}, fmt.Errorf("continue with forwarded signal: %w", err)
		}
		return Advance{}, nil

	default:
		if err := t.prims.Continue(pid, 0); err != nil {
			return Advance{}, fmt.Errorf("continue: %w", err)
		}
		return Advance{}, nil
	}
}

// forwardedSignal is a placeholder for the trapped signal number; callers
// that need the exact signal forwarded should use HandleSignal instead of
// Handle(ev=EventSignal).
const forwardedSignal = 0

// HandleSignal is Handle for the EventSignal case when the exact signal
// number must be forwarded rather than stripped.
func (t *Tracker) HandleSignal(pid int, sig int) (Advance, error) {
	if t.state != StateNormal {
		return t.Handle(pid, EventSignal)
	}
	if err := t.prims.Continue(pid, sig); err != nil {
		return Advance{}, fmt.Errorf("continue with signal %d: %w", sig, err)
	}
	return Advance{}, nil
}

// handleNewChild implements §4.C "NEW_CHILD": the freshly attached child is
// expected to deliver SIGSTOP once ptrace has taken hold; count it and
// either finish tracing or fall back to NEW handling (configure options,
// resume, await the next fork/exec).
func (t *Tracker) handleNewChild(pid int, ev Event) (Advance, error) {
	if ev != EventChildStopped {
		// Unexpected event shape; treat it like a signal trap and keep going.
		return t.handleNew(pid, ev)
	}

	t.forks++
	if t.forks >= t.expect.requiredForks() {
		if err := t.prims.Detach(pid); err != nil {
			logger.Warnf("detach %d after final fork: %s", pid, err)
		}
		t.state = StateNone
		return Advance{Pid: pid, Done: true}, nil
	}

	// Not enough forks yet (DAEMON needs a second): reapply NEW handling on
	// this child and keep tracing.
	return t.handleNew(pid, ev)
}

// Package reaper implements the supervisor's SIGCHLD handling (§4.B):
// running as pid 1 (or any child subreaper), initd is responsible for
// reaping every exited descendant, not just its direct job children, so
// orphaned grandchildren never accumulate as zombies.
package reaper

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/tjper/initd/internal/log"

	"golang.org/x/sys/unix"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "reaper")

// Exit reports a terminated child: either a normal exit with a code, or a
// death by signal.
type Exit struct {
	Pid      int
	Code     int
	Signal   syscall.Signal
	CoreDump bool
}

func (e Exit) String() string {
	if e.Signal != 0 {
		return "signal " + e.Signal.String()
	}
	return "exit " + strconv.Itoa(e.Code)
}

// Stopped reports a child that stopped (SIGSTOP/group-stop) or continued
// (SIGCONT) without exiting, interesting to the ptrace tracker (§4.C) and
// to "expect stop" jobs.
type Stopped struct {
	Pid   int
	Sig   syscall.Signal
	Cont  bool
	Trace bool // the stop was a ptrace event-stop, not a plain job-control stop.
	// Cause is status.TrapCause(): one of the PTRACE_EVENT_* constants
	// (unix.PTRACE_EVENT_FORK, _EXEC, ...) for an event-stop, 0 for a plain
	// SIGTRAP stop with no event attached, or -1 if Sig isn't SIGTRAP at all
	// (a job-control stop, not a trace stop).
	Cause int
}

// Reaper owns pid 1's child-reaping responsibilities: it marks itself a
// child subreaper so orphaned descendants reparent to it instead of pid 1's
// ancestor, installs a SIGCHLD handler, and on each SIGCHLD drains every
// exited or stopped child via wait4(2) with WNOHANG so no event is missed
// between notifications.
type Reaper struct {
	mu        sync.Mutex
	onExit    func(Exit)
	onStopped func(Stopped)
}

// New creates a Reaper. onExit is invoked once per terminated child;
// onStopped is invoked for ptrace and job-control stop/continue
// transitions. Both callbacks run on the Reaper's own goroutine and must
// not block.
func New(onExit func(Exit), onStopped func(Stopped)) *Reaper {
	return &Reaper{onExit: onExit, onStopped: onStopped}
}

// BecomeSubreaper marks the calling process (expected to be pid 1, or any
// designated supervisor) as a child subreaper via prctl(2), so descendants
// orphaned by intermediate processes reparent here instead of escaping
// supervision.
func BecomeSubreaper() error {
	return unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
}

// Run installs the SIGCHLD handler and reaps until ctx is canceled. It never
// returns nil; on cancellation it returns ctx.Err().
func (r *Reaper) Run(ctx context.Context) error {
	sigs := make(chan os.Signal, 16)
	signal.Notify(sigs, unix.SIGCHLD)
	defer signal.Stop(sigs)

	// A freshly-installed handler can miss a SIGCHLD delivered between
	// process start and Notify; drain once up front so no exit is lost.
	r.drain()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sigs:
			r.drain()
		}
	}
}

// drain reaps every child wait4(2) reports without blocking, dispatching
// Exit or Stopped as appropriate, until ECHILD (no children left) or
// EAGAIN (nothing more to reap right now).
func (r *Reaper) drain() {
	var status unix.WaitStatus
	for {
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG|unix.WUNTRACED|unix.WCONTINUED, nil)
		if err != nil {
			if err != unix.ECHILD {
				logger.Warnf("wait4; error: %s", err)
			}
			return
		}
		if pid <= 0 {
			return
		}
		r.dispatch(pid, status)
	}
}

func (r *Reaper) dispatch(pid int, status unix.WaitStatus) {
	switch {
	case status.Exited():
		r.emitExit(Exit{Pid: pid, Code: status.ExitStatus()})
	case status.Signaled():
		r.emitExit(Exit{Pid: pid, Signal: status.Signal(), CoreDump: status.CoreDump()})
	case status.Stopped():
		sig := status.StopSignal()
		// A ptrace event-stop encodes the event in the high bits alongside
		// SIGTRAP; TrapCause() decodes those bits into a PTRACE_EVENT_*
		// constant (0 for a plain SIGTRAP stop with no event attached), so the
		// job package's tracker can tell a FORK/EXEC event-stop from a bare
		// trap without calling PTRACE_GETEVENTMSG itself.
		r.emitStopped(Stopped{Pid: pid, Sig: sig, Trace: sig == unix.SIGTRAP, Cause: status.TrapCause()})
	case status.Continued():
		r.emitStopped(Stopped{Pid: pid, Cont: true})
	}
}

func (r *Reaper) emitExit(e Exit) {
	r.mu.Lock()
	cb := r.onExit
	r.mu.Unlock()
	if cb != nil {
		cb(e)
	}
}

func (r *Reaper) emitStopped(s Stopped) {
	r.mu.Lock()
	cb := r.onStopped
	r.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

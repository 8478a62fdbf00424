package reaper

import (
	"context"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestExitString(t *testing.T) {
	tests := map[string]struct {
		exit Exit
		want string
	}{
		"plain exit":  {exit: Exit{Code: 3}, want: "exit 3"},
		"by signal":   {exit: Exit{Signal: syscall.SIGKILL}, want: "signal killed"},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			if actual := test.exit.String(); actual != test.want {
				t.Fatalf("unexpected string; actual: %q, expected: %q", actual, test.want)
			}
		})
	}
}

func TestEmitExitAndStoppedDispatchToCallbacks(t *testing.T) {
	var gotExit Exit
	var gotStopped Stopped
	r := New(
		func(e Exit) { gotExit = e },
		func(s Stopped) { gotStopped = s },
	)

	r.emitExit(Exit{Pid: 1, Code: 2})
	if gotExit.Pid != 1 || gotExit.Code != 2 {
		t.Fatalf("unexpected exit callback invocation: %+v", gotExit)
	}

	r.emitStopped(Stopped{Pid: 1, Cont: true})
	if gotStopped.Pid != 1 || !gotStopped.Cont {
		t.Fatalf("unexpected stopped callback invocation: %+v", gotStopped)
	}
}

func TestEmitExitWithNilCallbackIsNoop(t *testing.T) {
	r := New(nil, nil)
	r.emitExit(Exit{Pid: 1})
	r.emitStopped(Stopped{Pid: 1})
}

// stopStatus builds a stopped unix.WaitStatus reporting sig, with cause
// encoded in the bits TrapCause() decodes (0 for a plain trap/stop).
func stopStatus(sig syscall.Signal, cause int) unix.WaitStatus {
	return unix.WaitStatus(0x7f | (int(sig)&0xff)<<8 | (cause&0xff)<<16)
}

func TestDispatchStoppedCarriesPtraceEventCause(t *testing.T) {
	var got Stopped
	r := New(nil, func(s Stopped) { got = s })

	r.dispatch(42, stopStatus(syscall.SIGTRAP, unix.PTRACE_EVENT_FORK))

	if !got.Trace {
		t.Fatal("expected a SIGTRAP stop to be flagged as a trace event")
	}
	if got.Cause != unix.PTRACE_EVENT_FORK {
		t.Fatalf("unexpected cause; actual: %d, expected: %d", got.Cause, unix.PTRACE_EVENT_FORK)
	}
}

func TestDispatchStoppedPlainJobControlStopHasNoCause(t *testing.T) {
	var got Stopped
	r := New(nil, func(s Stopped) { got = s })

	r.dispatch(42, stopStatus(syscall.SIGSTOP, 0))

	if got.Trace {
		t.Fatal("expected a SIGSTOP job-control stop not to be flagged as a trace event")
	}
	if got.Cause != -1 {
		t.Fatalf("unexpected cause for a non-trap stop; actual: %d, expected: -1", got.Cause)
	}
}

// TestRunReapsRealChildExit exercises the full wait4/SIGCHLD path against a
// real child process, since the reaping logic itself is unix.Wait4-specific
// and not meaningfully fakeable.
func TestRunReapsRealChildExit(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 7")
	if err := cmd.Start(); err != nil {
		t.Fatalf("unexpected error starting child: %s", err)
	}

	exits := make(chan Exit, 1)
	r := New(func(e Exit) { exits <- e }, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case e := <-exits:
		if e.Pid != cmd.Process.Pid {
			t.Fatalf("unexpected pid; actual: %d, expected: %d", e.Pid, cmd.Process.Pid)
		}
		if e.Code != 7 {
			t.Fatalf("unexpected exit code; actual: %d", e.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reaped child exit")
	}

	cancel()
	<-done
}

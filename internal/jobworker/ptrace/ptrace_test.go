package ptrace

import "testing"

type fakePrimitives struct {
	options  []int
	continued []continueCall
	detached []int
	forkChild int
	forkErr   error
}

type continueCall struct {
	pid int
	sig int
}

func (f *fakePrimitives) SetOptions(pid int) error {
	f.options = append(f.options, pid)
	return nil
}

func (f *fakePrimitives) Continue(pid int, sig int) error {
	f.continued = append(f.continued, continueCall{pid: pid, sig: sig})
	return nil
}

func (f *fakePrimitives) Detach(pid int) error {
	f.detached = append(f.detached, pid)
	return nil
}

func (f *fakePrimitives) GetForkChild(pid int) (int, error) {
	return f.forkChild, f.forkErr
}

func TestHandleOnInactiveTrackerErrors(t *testing.T) {
	tr := &Tracker{}
	if _, err := tr.Handle(1, EventTrap); err == nil {
		t.Fatal("expected an error handling an event on an inactive tracker")
	}
}

func TestNewTrapMovesToNormalAndResumes(t *testing.T) {
	prims := &fakePrimitives{}
	tr := New(prims, ExpectFork, 100)

	if _, err := tr.Handle(100, EventTrap); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if tr.State() != StateNormal {
		t.Fatalf("unexpected state; actual: %s, expected: %s", tr.State(), StateNormal)
	}
	if len(prims.options) != 1 || prims.options[0] != 100 {
		t.Fatalf("expected ptrace options set on 100; actual: %v", prims.options)
	}
	if len(prims.continued) != 1 || prims.continued[0].pid != 100 {
		t.Fatalf("expected the tracee resumed; actual: %v", prims.continued)
	}
}

func TestExpectForkCompletesOnSingleFork(t *testing.T) {
	prims := &fakePrimitives{forkChild: 200}
	tr := New(prims, ExpectFork, 100)
	tr.state = StateNormal

	advance, err := tr.Handle(100, EventFork)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if advance.Pid != 200 {
		t.Fatalf("expected advance to report the fork child pid; actual: %+v", advance)
	}
	if advance.Done {
		t.Fatal("expected tracing to continue into NEW_CHILD, not finish yet")
	}
	if tr.State() != StateNewChild {
		t.Fatalf("unexpected state after fork; actual: %s", tr.State())
	}

	advance, err = tr.Handle(200, EventChildStopped)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !advance.Done || advance.Pid != 200 {
		t.Fatalf("expected tracing to finish on the child's stop for expect fork; actual: %+v", advance)
	}
	if tr.State() != StateNone {
		t.Fatalf("unexpected state after completion; actual: %s", tr.State())
	}
	if len(prims.detached) != 1 || prims.detached[0] != 200 {
		t.Fatalf("expected the child to be detached; actual: %v", prims.detached)
	}
}

func TestExpectDaemonRequiresSecondFork(t *testing.T) {
	prims := &fakePrimitives{forkChild: 300}
	tr := New(prims, ExpectDaemon, 100)
	tr.state = StateNormal

	if _, err := tr.Handle(100, EventFork); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if tr.State() != StateNewChild {
		t.Fatalf("unexpected state after first fork; actual: %s", tr.State())
	}

	advance, err := tr.Handle(300, EventChildStopped)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if advance.Done {
		t.Fatal("expected expect daemon to require a second fork before finishing")
	}
	if tr.State() != StateNormal {
		t.Fatalf("expected tracker back in NORMAL awaiting the second fork; actual: %s", tr.State())
	}

	prims.forkChild = 301
	if _, err := tr.Handle(300, EventFork); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	advance, err = tr.Handle(301, EventChildStopped)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !advance.Done || advance.Pid != 301 {
		t.Fatalf("expected the second fork to finish tracing; actual: %+v", advance)
	}
}

func TestExecWithNoPriorForkResumesTracee(t *testing.T) {
	prims := &fakePrimitives{}
	tr := New(prims, ExpectFork, 100)
	tr.state = StateNormal

	advance, err := tr.Handle(100, EventExec)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if advance.Done {
		t.Fatal("expected an exec before any fork to just resume, not finish")
	}
	if len(prims.continued) != 1 {
		t.Fatalf("expected the tracee to be resumed; actual: %v", prims.continued)
	}
}

func TestHandleSignalForwardsSignalNumber(t *testing.T) {
	prims := &fakePrimitives{}
	tr := New(prims, ExpectFork, 100)
	tr.state = StateNormal

	if _, err := tr.HandleSignal(100, 15); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(prims.continued) != 1 || prims.continued[0].sig != 15 {
		t.Fatalf("expected signal 15 forwarded; actual: %v", prims.continued)
	}
}

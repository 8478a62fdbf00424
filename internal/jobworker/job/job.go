// Package job implements the Job State Machine (§4.D): per-instance goal,
// state, and per-process-kind pid table, the change_goal/change_state
// operations, terminal-event routing, respawn throttling, and kill-timer
// escalation.
package job

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tjper/initd/internal/jobworker/binder"
	"github.com/tjper/initd/internal/jobworker/class"
	"github.com/tjper/initd/internal/jobworker/event"
	"github.com/tjper/initd/internal/jobworker/metrics"
	"github.com/tjper/initd/internal/jobworker/ptrace"
	"github.com/tjper/initd/internal/jobworker/reexec"
	"github.com/tjper/initd/internal/jobworker/reaper"
	"github.com/tjper/initd/internal/jobworker/spawner"
	"github.com/tjper/initd/internal/log"

	"golang.org/x/sys/unix"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "job")

// Goal is an instance's target disposition (§3 "goal").
type Goal int

const (
	GoalStop Goal = iota
	GoalStart
	GoalRespawn
)

func (g Goal) String() string {
	switch g {
	case GoalStart:
		return "start"
	case GoalRespawn:
		return "respawn"
	default:
		return "stop"
	}
}

// State is an instance's position in the lifecycle state machine (§3
// "state").
type State int

const (
	Waiting State = iota
	Starting
	PreStart
	Spawned
	PostStart
	Running
	PreStop
	Stopping
	Killed
	PostStop
)

func (s State) String() string {
	switch s {
	case Starting:
		return "STARTING"
	case PreStart:
		return "PRE_START"
	case Spawned:
		return "SPAWNED"
	case PostStart:
		return "POST_START"
	case Running:
		return "RUNNING"
	case PreStop:
		return "PRE_STOP"
	case Stopping:
		return "STOPPING"
	case Killed:
		return "KILLED"
	case PostStop:
		return "POST_STOP"
	default:
		return "WAITING"
	}
}

// FailRecord is an instance's terminal fail state (§3 "fail record").
type FailRecord struct {
	Failed     bool
	HasProcess bool
	Process    class.Kind
	Status     int
}

// Spawn is the narrow surface job needs from the process spawner, so tests
// can substitute a fake without forking real processes.
type Spawn func(spec spawner.Spec) (pid int, err error)

// Kill is the narrow surface job needs to signal a running process.
type Kill func(pid int, sig syscall.Signal) error

// Instance is one running realisation of a Class (§3 "Job Instance").
type Instance struct {
	mu sync.Mutex

	class   *class.Class
	name    string
	goal    Goal
	state   State
	pids    map[class.Kind]int
	fail    FailRecord
	tracker *ptrace.Tracker

	// pendingAdvance is the state a PRE_START/POST_START/PRE_STOP/POST_STOP
	// spawn advances to once its process terminates (§4.D terminal-event
	// routing), set by enterSpawnState and consumed by OnExit.
	pendingAdvance State

	respawnFirst time.Time
	respawnCount int

	lifecycleEnv []string
	stopEnv      []string

	killTimer *time.Timer
	killWhich class.Kind
	killArmed bool
	sentTerm  bool

	startInFlight bool
	startWaiters  []waiter
	stopWaiters   []waiter

	superseded bool
	destroyed  bool

	// metricsState is the state last reported to the Instances gauge, so a
	// transition can decrement the prior bucket before incrementing the new
	// one; metricsInit guards the very first transition, which has nothing
	// to decrement.
	metricsState State
	metricsInit  bool

	// deps, injected by the owning Supervisor.
	bus    *event.Bus
	spawn  Spawn
	kill   Kill
	prims  ptrace.Primitives
	onDone func() // called once, when the instance is fully destroyed.
}

type waiter struct {
	done   chan struct{}
	failed *bool
}

// Name satisfies binder.Instance / class.InstanceHandle.
func (i *Instance) Name() string { return i.name }

// Superseded marks the instance as orphaned from its (now replaced) class
// definition; it is left to finish its current lifecycle rather than being
// force-stopped (§4.E "supersede").
func (i *Instance) Superseded() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.superseded = true
}

// ChangeGoal implements binder.Instance, translating the binder's Goal into
// job.Goal and returning a completion channel per §4.G "finishes".
func (i *Instance) ChangeGoal(g binder.Goal) (<-chan struct{}, *bool) {
	jg := GoalStop
	if g == binder.GoalStart {
		jg = GoalStart
	}
	return i.changeGoalWaiting(jg)
}

// changeGoalWaiting applies change_goal and registers a waiter that is
// completed once the goal's implied lifecycle finishes (§4.G): RUNNING for
// a service start, a full cycle back to WAITING for a task start, and
// WAITING for any stop.
func (i *Instance) changeGoalWaiting(g Goal) (<-chan struct{}, *bool) {
	i.mu.Lock()
	done := make(chan struct{})
	failed := new(bool)
	w := waiter{done: done, failed: failed}
	if g == GoalStop {
		i.stopWaiters = append(i.stopWaiters, w)
	} else {
		i.startInFlight = true
		i.startWaiters = append(i.startWaiters, w)
	}
	i.mu.Unlock()

	i.changeGoal(g)
	return done, failed
}

// changeGoal implements change_goal (§4.D).
func (i *Instance) changeGoal(newGoal Goal) {
	i.mu.Lock()
	i.goal = newGoal
	state := i.state
	i.mu.Unlock()

	switch {
	case state == Waiting && (newGoal == GoalStart || newGoal == GoalRespawn):
		i.changeState(Starting)
	case state == Running && newGoal == GoalStop:
		if _, ok := i.class.Process(class.PreStop); ok {
			i.changeState(PreStop)
		} else {
			i.changeState(Stopping)
		}
	}
}

// changeState implements change_state (§4.D): runs new state's entry logic,
// then advances synchronously if that logic did not itself start an
// asynchronous wait (a spawn, or a blocked event).
func (i *Instance) changeState(s State) {
	i.mu.Lock()
	i.state = s
	prev, hadPrev := i.metricsState, i.metricsInit
	i.metricsState = s
	i.metricsInit = true
	i.mu.Unlock()
	logger.Infof("instance %s/%s -> %s", i.class.Name, i.name, s)

	if hadPrev {
		metrics.Instances.WithLabelValues(i.class.Name, prev.String()).Dec()
	}
	metrics.Instances.WithLabelValues(i.class.Name, s.String()).Inc()

	switch s {
	case Waiting:
		i.enterWaiting()
	case Starting:
		i.enterStarting()
	case PreStart:
		i.enterSpawnState(class.PreStart, Spawned)
	case Spawned:
		i.enterSpawned()
	case PostStart:
		i.enterSpawnState(class.PostStart, Running)
	case Running:
		i.enterRunning()
	case PreStop:
		i.enterSpawnState(class.PreStop, Stopping)
	case Stopping:
		i.enterStopping()
	case Killed:
		i.enterKilled()
	case PostStop:
		i.enterSpawnState(class.PostStop, Waiting)
	}
}

func (i *Instance) env() []string {
	env := []string{"JOB=" + i.class.Name}
	if i.name != "" {
		env = append(env, "INSTANCE="+i.name)
	}
	return env
}

// enterWaiting implements the WAITING entry logic (§4.D table).
func (i *Instance) enterWaiting() {
	i.mu.Lock()
	goal := i.goal
	stopWaiters := i.stopWaiters
	i.stopWaiters = nil
	// A task's start waiter (registered by changeGoalWaiting for a
	// GoalStart) only completes once the instance's single run cycles all
	// the way back to WAITING; a service's is already completed at
	// enterRunning, so this is ordinarily empty by the time WAITING is
	// reached for one (§4.G "finishes").
	startWaiters := i.startWaiters
	i.startWaiters = nil
	i.startInFlight = false
	fail := i.fail
	i.mu.Unlock()

	for _, w := range stopWaiters {
		*w.failed = fail.Failed
		close(w.done)
	}
	for _, w := range startWaiters {
		*w.failed = fail.Failed
		close(w.done)
	}

	if goal == GoalStart || goal == GoalRespawn {
		i.changeState(Starting)
		return
	}

	env := i.env()
	env = append(env, result(fail.Failed))
	if fail.HasProcess {
		env = append(env, "PROCESS="+fail.Process.String(), "EXIT_STATUS="+strconv.Itoa(fail.Status))
	}
	ev := i.bus.Emit("stopped", env)
	release := ev.Block(event.Blocker{Kind: event.BlockerJob, Ref: i.ref()})
	go func() {
		release()
		i.destroy()
	}()
}

func (i *Instance) destroy() {
	i.mu.Lock()
	if i.destroyed {
		i.mu.Unlock()
		return
	}
	i.destroyed = true
	i.mu.Unlock()
	if i.onDone != nil {
		i.onDone()
	}
}

// enterStarting implements STARTING (§4.D table).
func (i *Instance) enterStarting() {
	i.mu.Lock()
	i.lifecycleEnv = i.env()
	env := append([]string(nil), i.lifecycleEnv...)
	i.mu.Unlock()

	ev := i.bus.Emit("starting", env)
	release := ev.Block(event.Blocker{Kind: event.BlockerJob, Ref: i.ref()})
	go func() {
		release()
		i.onStartingFinished()
	}()
}

func (i *Instance) onStartingFinished() {
	i.mu.Lock()
	goal := i.goal
	i.mu.Unlock()
	if goal == GoalStop {
		// A competing stop arrived while starting was blocked; re-route
		// through the normal stop path instead of continuing to spawn.
		i.changeState(Stopping)
		return
	}
	i.changeState(PreStart)
}

// enterSpawnState covers the four optional-process states (PRE_START,
// POST_START, PRE_STOP, POST_STOP) whose entry logic is "spawn the kind if
// defined, else advance". onTerminal is the state to move to once the
// process finishes (or immediately, if the kind is undefined).
func (i *Instance) enterSpawnState(kind class.Kind, onTerminal State) {
	proc, ok := i.class.Process(kind)
	if !ok {
		i.changeState(onTerminal)
		return
	}
	if err := i.spawnProcess(kind, proc); err != nil {
		i.handleSpawnFailure(kind, onTerminal, err)
		return
	}
	i.mu.Lock()
	i.pendingAdvance = onTerminal
	i.mu.Unlock()
}

func (i *Instance) handleSpawnFailure(kind class.Kind, onTerminal State, err error) {
	logger.Errorf("spawn %s failed; job: %s/%s, error: %s", kind, i.class.Name, i.name, err)
	switch kind {
	case class.PreStart, class.PostStop, class.Main:
		i.mu.Lock()
		i.fail = FailRecord{Failed: true, HasProcess: true, Process: kind, Status: -1}
		i.goal = GoalStop
		i.mu.Unlock()
		i.changeState(Stopping)
	default:
		// POST_START / PRE_STOP spawn failures are logged only, and the
		// instance otherwise continues to onTerminal as if the optional
		// process had simply finished (§7).
		i.changeState(onTerminal)
	}
}

// enterSpawned implements SPAWNED (§4.D table).
func (i *Instance) enterSpawned() {
	proc, ok := i.class.Process(class.Main)
	if !ok {
		i.changeState(PostStart)
		return
	}

	trace := i.class.Expect == class.ExpectFork || i.class.Expect == class.ExpectDaemon
	if err := i.spawnProcess(class.Main, proc); err != nil {
		i.handleSpawnFailure(class.Main, PostStart, err)
		return
	}

	i.mu.Lock()
	pid := i.pids[class.Main]
	if trace {
		i.tracker = ptrace.New(i.prims, i.class.Expect.ToPtrace(), pid)
	}
	expect := i.class.Expect
	i.mu.Unlock()

	if expect == class.ExpectNone {
		i.changeState(PostStart)
	}
	// expect STOP / FORK / DAEMON wait for a reaper callback
	// (onStopped / onPtraceEvent) before advancing past SPAWNED.
}

// enterRunning implements RUNNING (§4.D table).
func (i *Instance) enterRunning() {
	i.mu.Lock()
	goal := i.goal
	waiters := i.startWaiters
	if !i.class.Task {
		i.startWaiters = nil
		i.startInFlight = false
	}
	i.mu.Unlock()

	if !i.class.Task {
		for _, w := range waiters {
			*w.failed = false
			close(w.done)
		}
	}

	i.bus.Emit("started", i.env())

	if goal == GoalStop {
		i.changeGoal(GoalStop)
	}
}

// enterStopping implements STOPPING (§4.D table).
func (i *Instance) enterStopping() {
	i.mu.Lock()
	i.stopEnv = i.env()
	env := append([]string(nil), i.stopEnv...)
	fail := i.fail
	i.mu.Unlock()

	// "stopping" carries the same RESULT/PROCESS/EXIT_STATUS variables
	// "stopped" eventually does (§4.D "stopping(JOB=..., RESULT=...)"),
	// reflecting whatever already drove the instance towards STOPPING.
	env = append(env, result(fail.Failed))
	if fail.HasProcess {
		env = append(env, "PROCESS="+fail.Process.String(), "EXIT_STATUS="+strconv.Itoa(fail.Status))
	}

	ev := i.bus.Emit("stopping", env)
	release := ev.Block(event.Blocker{Kind: event.BlockerJob, Ref: i.ref()})
	go func() {
		release()
		i.changeState(Killed)
	}()
}

// enterKilled implements KILLED (§4.D table).
func (i *Instance) enterKilled() {
	i.mu.Lock()
	pid := i.pids[class.Main]
	timeout := i.class.KillTimeout
	i.sentTerm = false
	i.mu.Unlock()

	if pid == 0 {
		i.changeState(PostStop)
		return
	}

	i.sendSignal(class.Main, pid, syscall.SIGTERM)
	i.mu.Lock()
	i.sentTerm = true
	i.mu.Unlock()

	if timeout <= 0 {
		return
	}
	i.mu.Lock()
	i.killArmed = true
	i.killWhich = class.Main
	i.killTimer = time.AfterFunc(time.Duration(timeout)*time.Second, i.onKillTimerFired)
	i.mu.Unlock()
}

func (i *Instance) onKillTimerFired() {
	i.mu.Lock()
	if !i.killArmed {
		i.mu.Unlock()
		return
	}
	i.killArmed = false
	pid := i.pids[i.killWhich]
	i.mu.Unlock()
	if pid == 0 {
		return
	}
	metrics.KillEscalations.WithLabelValues(i.class.Name).Inc()
	i.sendSignal(class.Main, pid, syscall.SIGKILL)
}

func (i *Instance) sendSignal(kind class.Kind, pid int, sig syscall.Signal) {
	if err := i.kill(pid, sig); err != nil && err != syscall.ESRCH {
		logger.Warnf("signal %s to %s pid %d; job: %s/%s, error: %s", sig, kind, pid, i.class.Name, i.name, err)
	}
}

func (i *Instance) ref() string { return fmt.Sprintf("job:%s/%s", i.class.Name, i.name) }

func result(failed bool) string {
	if failed {
		return "RESULT=failed"
	}
	return "RESULT=ok"
}

// spawnProcess builds a spawner.Spec for kind and forks it, recording the
// resulting pid.
func (i *Instance) spawnProcess(kind class.Kind, proc class.Process) error {
	cmd := buildCommand(proc)

	i.mu.Lock()
	env := append([]string(nil), i.lifecycleEnv...)
	c := i.class
	i.mu.Unlock()

	spec := spawner.Spec{
		Key:        i.ref(),
		Kind:       kind.String(),
		Cmd:        cmd,
		Env:        env,
		Dir:        c.Chdir,
		Chroot:     c.Chroot,
		Umask:      c.Umask,
		Nice:       c.Nice,
		OOMAdj:     c.OOMAdj,
		Console:    c.Console.ToReexec(),
		Limits:     c.Limits,
		DebugPause: c.DebugPause != nil && c.DebugPause[kind],
		Trace:      kind == class.Main && (c.Expect == class.ExpectFork || c.Expect == class.ExpectDaemon),
	}

	pid, err := i.spawn(spec)
	if err != nil {
		metrics.Spawns.WithLabelValues(i.class.Name, kind.String(), "error").Inc()
		return err
	}
	metrics.Spawns.WithLabelValues(i.class.Name, kind.String(), "ok").Inc()
	i.mu.Lock()
	i.pids[kind] = pid
	i.mu.Unlock()
	return nil
}

func buildCommand(proc class.Process) reexec.Command {
	if proc.Script {
		return reexec.Command{Script: true, Body: proc.Command}
	}
	fields := strings.Fields(proc.Command)
	if len(fields) == 0 {
		return reexec.Command{}
	}
	return reexec.Command{Name: fields[0], Args: fields[1:]}
}

// OnExit implements the reaper callback for a terminated child, dispatching
// to the terminal-event routing rules of §4.D ("on_child_terminated").
func (i *Instance) OnExit(kind class.Kind, e reaper.Exit) {
	i.mu.Lock()
	i.pids[kind] = 0
	if i.killWhich == kind {
		i.disarmKillTimerLocked()
	}
	status := e.Code
	if e.Signal != 0 {
		status = -int(e.Signal)
	}
	state := i.state
	pending := i.pendingAdvance
	i.mu.Unlock()

	switch kind {
	case class.Main:
		i.onMainTerminated(state, status, e)
	case class.PreStart, class.PostStop:
		if status != 0 {
			i.mu.Lock()
			i.fail = FailRecord{Failed: true, HasProcess: true, Process: kind, Status: status}
			i.goal = GoalStop
			i.mu.Unlock()
			i.changeState(Stopping)
			return
		}
		i.changeState(pending)
	case class.PostStart, class.PreStop:
		if status != 0 {
			logger.Warnf("%s exited non-zero; job: %s/%s, status: %d", kind, i.class.Name, i.name, status)
		}
		if kind == class.PreStop {
			i.mu.Lock()
			goal := i.goal
			i.mu.Unlock()
			if goal == GoalStart {
				// A start arrived while pre-stop ran: return to RUNNING
				// instead of continuing the stop.
				i.changeState(Running)
				return
			}
		}
		i.changeState(pending)
	}
}

func (i *Instance) disarmKillTimerLocked() {
	i.killArmed = false
	if i.killTimer != nil {
		i.killTimer.Stop()
	}
}

// onMainTerminated implements the MAIN branch of on_child_terminated
// (§4.D).
func (i *Instance) onMainTerminated(state State, status int, e reaper.Exit) {
	switch state {
	case PostStart:
		// A live post-start process still owns the advance; just record the
		// pid clearing already done in OnExit and wait for it.
		return
	case Killed:
		i.changeState(PostStop)
		return
	case Stopping:
		return
	}

	i.mu.Lock()
	superseded := i.superseded
	i.mu.Unlock()

	normal := i.isNormalExit(status)
	respawnEnabled := i.class.Respawn && !i.class.Task && !superseded
	failed := !normal
	if respawnEnabled && status == 0 && !normal {
		failed = true
	}

	if failed && respawnEnabled {
		i.handleRespawn(status)
		return
	}

	i.mu.Lock()
	if failed {
		i.fail = FailRecord{Failed: true, HasProcess: true, Process: class.Main, Status: status}
	}
	goal := i.goal
	i.mu.Unlock()

	if state == Running && goal != GoalStop {
		// A service's MAIN died unexpectedly without respawn configured, or a
		// task's MAIN ran to completion: either way nothing keeps the goal at
		// start, so settle it at stop before WAITING is reached, or it would
		// loop back into another start (§4.D "task run-to-completion").
		i.changeGoal(GoalStop)
		return
	}
	if _, ok := i.class.Process(class.PreStop); ok && state == Running {
		i.changeState(PreStop)
		return
	}
	i.changeState(Stopping)
}

func (i *Instance) isNormalExit(status int) bool {
	for _, n := range i.class.NormalExit {
		if n == status {
			return true
		}
	}
	return status == 0
}

// handleRespawn implements runaway detection (§4.D "Runaway detection"). It
// always drives the instance back through STOPPING/KILLED/POST_STOP to
// WAITING: a respawning instance's goal is set to GoalRespawn so
// enterWaiting restarts it, and a runaway instance's goal is forced to
// GoalStop so enterWaiting instead finishes it as a failed stop.
func (i *Instance) handleRespawn(status int) {
	i.mu.Lock()
	now := time.Now()
	interval := time.Duration(i.class.RespawnLimit.Interval) * time.Second
	if i.respawnFirst.IsZero() || now.Sub(i.respawnFirst) >= interval {
		i.respawnFirst = now
		i.respawnCount = 0
	}
	i.respawnCount++
	runaway := i.respawnCount > i.class.RespawnLimit.Count
	if runaway {
		i.fail = FailRecord{Failed: true, HasProcess: true, Process: class.Main, Status: status}
		i.goal = GoalStop
	} else {
		i.goal = GoalRespawn
	}
	i.mu.Unlock()

	if runaway {
		metrics.Runaways.WithLabelValues(i.class.Name).Inc()
		logger.Warnf("respawn too fast, giving up; job: %s/%s", i.class.Name, i.name)
	} else {
		metrics.Respawns.WithLabelValues(i.class.Name).Inc()
	}
	i.changeState(Stopping)
}

// OnStopped implements the reaper callback for a job-control stop/continue
// transition on MAIN (§4.D "Stopped-signal handling").
func (i *Instance) OnStopped(s reaper.Stopped) {
	i.mu.Lock()
	state := i.state
	expect := i.class.Expect
	tracker := i.tracker
	i.mu.Unlock()

	if s.Trace && tracker != nil {
		i.onPtraceEvent(s)
		return
	}

	if state == Spawned && expect == class.ExpectStop && s.Sig == syscall.SIGSTOP {
		i.sendSignal(class.Main, s.Pid, syscall.SIGCONT)
		i.changeState(PostStart)
	}
}

// onPtraceEvent drives the ptrace.Tracker for expect fork/daemon classes
// (§4.C) and advances the state machine once tracing completes.
func (i *Instance) onPtraceEvent(s reaper.Stopped) {
	i.mu.Lock()
	tracker := i.tracker
	i.mu.Unlock()
	if tracker == nil {
		return
	}

	ev := ptrace.EventTrap
	switch {
	case tracker.State() == ptrace.StateNewChild:
		ev = ptrace.EventChildStopped
	case s.Cause == unix.PTRACE_EVENT_FORK:
		ev = ptrace.EventFork
	case s.Cause == unix.PTRACE_EVENT_EXEC:
		ev = ptrace.EventExec
	}

	advance, err := tracker.Handle(s.Pid, ev)
	if err != nil {
		logger.Warnf("ptrace tracker; job: %s/%s, error: %s", i.class.Name, i.name, err)
		i.changeState(PostStart)
		return
	}
	if advance.Pid != 0 {
		i.mu.Lock()
		i.pids[class.Main] = advance.Pid
		i.mu.Unlock()
	}
	if advance.Done {
		i.changeState(PostStart)
	}
}

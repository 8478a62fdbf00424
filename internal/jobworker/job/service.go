package job

import (
	"sync"
	"syscall"

	"github.com/tjper/initd/internal/jobworker/binder"
	"github.com/tjper/initd/internal/jobworker/class"
	"github.com/tjper/initd/internal/jobworker/event"
	"github.com/tjper/initd/internal/jobworker/ptrace"
	"github.com/tjper/initd/internal/jobworker/reaper"
	"github.com/tjper/initd/internal/jobworker/spawner"
)

// Supervisor is the root owner of every job Instance: it implements
// binder.Driver (creating instances on demand), the reaper's pid->instance
// dispatch, and wires each new Instance to the process spawner, kill
// syscall, ptrace primitives, and event bus.
type Supervisor struct {
	mu sync.Mutex

	registry *class.Registry
	bus      *event.Bus
	spawn    Spawn
	kill     Kill
	prims    ptrace.Primitives

	byPid  map[int]pidOwner
	byName map[string]*Instance // "class/instance" -> Instance
}

type pidOwner struct {
	inst *Instance
	kind class.Kind
}

// NewSupervisor creates a Supervisor. kill defaults to syscall.Kill when
// nil.
func NewSupervisor(registry *class.Registry, bus *event.Bus, prims ptrace.Primitives, spawn Spawn, kill Kill) *Supervisor {
	if kill == nil {
		kill = func(pid int, sig syscall.Signal) error { return syscall.Kill(pid, sig) }
	}
	return &Supervisor{
		registry: registry,
		bus:      bus,
		spawn:    spawn,
		kill:     kill,
		prims:    prims,
		byPid:    make(map[int]pidOwner),
		byName:   make(map[string]*Instance),
	}
}

func key(className, instanceName string) string {
	return className + "/" + instanceName
}

// EnsureInstance implements binder.Driver: return the named instance,
// creating it if it does not already exist (§4.G "ensure an instance
// exists").
func (s *Supervisor) EnsureInstance(c *class.Class, instanceName string) binder.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(c.Name, instanceName)
	if inst, ok := s.byName[k]; ok {
		return inst
	}

	inst := &Instance{
		class:  c,
		name:   instanceName,
		pids:   make(map[class.Kind]int),
		bus:    s.bus,
		spawn:  s.trackedSpawn,
		kill:   s.kill,
		prims:  s.prims,
		onDone: func() { s.release(c.Name, instanceName) },
	}
	s.byName[k] = inst
	s.registry.BindInstance(c.Name, inst)
	return inst
}

func (s *Supervisor) release(className, instanceName string) {
	s.mu.Lock()
	delete(s.byName, key(className, instanceName))
	s.mu.Unlock()
	s.registry.ReleaseInstance(className, instanceName)
}

// trackedSpawn wraps the raw Spawn function to record pid ownership so
// OnExit/OnStopped can route reaper notifications back to the right
// Instance and process kind.
func (s *Supervisor) trackedSpawn(spec spawner.Spec) (int, error) {
	pid, err := s.spawn(spec)
	if err != nil {
		return 0, err
	}

	className, instanceName, kind := splitRef(spec.Key, spec.Kind)
	s.mu.Lock()
	if inst, ok := s.byName[key(className, instanceName)]; ok {
		s.byPid[pid] = pidOwner{inst: inst, kind: kind}
	}
	s.mu.Unlock()
	return pid, nil
}

func splitRef(ref, kindName string) (className, instanceName string, kind class.Kind) {
	// ref is "job:<class>/<instance>", built by Instance.ref.
	const prefix = "job:"
	trimmed := ref
	if len(ref) >= len(prefix) && ref[:len(prefix)] == prefix {
		trimmed = ref[len(prefix):]
	}
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '/' {
			className = trimmed[:i]
			instanceName = trimmed[i+1:]
			break
		}
	}
	for _, k := range class.Kinds {
		if k.String() == kindName {
			kind = k
			break
		}
	}
	return className, instanceName, kind
}

// OnExit is a reaper.Reaper exit callback: look up which instance and
// process kind pid belongs to and dispatch accordingly. An unknown pid
// (not one of ours — an orphaned grandchild reparented to us as the child
// subreaper) is ignored; nothing is logged for it.
func (s *Supervisor) OnExit(e reaper.Exit) {
	s.mu.Lock()
	owner, ok := s.byPid[e.Pid]
	if ok {
		delete(s.byPid, e.Pid)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	owner.inst.OnExit(owner.kind, e)
}

// OnStopped is a reaper.Reaper stop/continue callback, routed the same way
// as OnExit.
func (s *Supervisor) OnStopped(st reaper.Stopped) {
	s.mu.Lock()
	owner, ok := s.byPid[st.Pid]
	s.mu.Unlock()
	if !ok {
		return
	}
	owner.inst.OnStopped(st)
}

// Emit emits a named event on the supervisor's bus, for signal-to-event
// mapping and the startup event (§6).
func (s *Supervisor) Emit(name string, env []string) {
	s.bus.Emit(name, env)
}

// Status reports the live state of a named instance, for the control
// surface's status method (§4.I).
func (s *Supervisor) Status(className, instanceName string) (state State, goal Goal, pids map[class.Kind]int, ok bool) {
	s.mu.Lock()
	inst, found := s.byName[key(className, instanceName)]
	s.mu.Unlock()
	if !found {
		return 0, 0, nil, false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	pidsCopy := make(map[class.Kind]int, len(inst.pids))
	for k, v := range inst.pids {
		pidsCopy[k] = v
	}
	return inst.state, inst.goal, pidsCopy, true
}

// Instances lists every live instance name of the named class.
func (s *Supervisor) Instances(className string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	prefix := className + "/"
	for k := range s.byName {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			names = append(names, k[len(prefix):])
		}
	}
	return names
}

// Package class implements the Job Class Registry (§4.E): named templates
// for jobs, each owning the instances realised from it.
package class

import (
	"fmt"
	"os"
	"sync"

	"github.com/tjper/initd/internal/jobworker/limits"
	"github.com/tjper/initd/internal/jobworker/ptrace"
	"github.com/tjper/initd/internal/jobworker/reexec"
	"github.com/tjper/initd/internal/log"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "class")

// Kind identifies a process slot on a job class (§3 "process definitions").
type Kind int

const (
	Main Kind = iota
	PreStart
	PostStart
	PreStop
	PostStop
)

func (k Kind) String() string {
	switch k {
	case Main:
		return "main"
	case PreStart:
		return "pre-start"
	case PostStart:
		return "post-start"
	case PreStop:
		return "pre-stop"
	case PostStop:
		return "post-stop"
	default:
		return "unknown"
	}
}

// Kinds enumerates every process kind a class may define: MAIN first, then
// the four auxiliary kinds in lifecycle order.
var Kinds = []Kind{Main, PreStart, PostStart, PreStop, PostStop}

// Expect is the daemonising behavior expected of MAIN (§3 "expect mode").
type Expect int

const (
	ExpectNone Expect = iota
	ExpectStop
	ExpectFork
	ExpectDaemon
)

func (e Expect) String() string {
	switch e {
	case ExpectStop:
		return "stop"
	case ExpectFork:
		return "fork"
	case ExpectDaemon:
		return "daemon"
	default:
		return "none"
	}
}

// ToPtrace converts an expect-fork/daemon mode to the ptrace package's
// Expect, valid only when e is ExpectFork or ExpectDaemon.
func (e Expect) ToPtrace() ptrace.Expect {
	if e == ExpectDaemon {
		return ptrace.ExpectDaemon
	}
	return ptrace.ExpectFork
}

// Console is the console mode applied to every process the class spawns
// (§3 "console mode").
type Console int

const (
	ConsoleNone Console = iota
	ConsoleOutput
	ConsoleOwner
	ConsoleLogged
)

// ToReexec converts a class console mode to the reexec package's Console.
func (c Console) ToReexec() reexec.Console {
	switch c {
	case ConsoleOutput:
		return reexec.ConsoleOutput
	case ConsoleOwner:
		return reexec.ConsoleOwner
	case ConsoleLogged:
		return reexec.ConsoleLogged
	default:
		return reexec.ConsoleNone
	}
}

// Process is one process definition on a class (§3).
type Process struct {
	// Defined reports whether this process kind is configured at all; a
	// class may leave PRE_START, POST_START, PRE_STOP, and POST_STOP unset.
	Defined bool
	// Command is the command string; Script marks it as shell input rather
	// than a literal argv.
	Command string
	Script  bool
	// Exports lists environment variable names this process's output may
	// contribute back to the instance's lifecycle environment.
	Exports []string
}

// RespawnLimit bounds how many times an instance may respawn within
// Interval before it is considered a runaway (§4.D "Runaway detection").
type RespawnLimit struct {
	Count    int
	Interval int // seconds
}

// Expression is a boolean tree over event-name matchers, evaluated by the
// binder package against emitted events (§4.G, §3 "start_on"/"stop_on").
// It is defined here, rather than in binder, because it is part of a job
// class's persistent configuration.
type Expression interface {
	// Eval reports whether an event with the given name and environment
	// satisfies this node.
	Eval(name string, env map[string]string) bool
	String() string
}

// EventMatch is a leaf Expression: the named event, optionally with
// per-argument equality or glob checks on its environment.
type EventMatch struct {
	Name string
	// Args maps environment key to an expected value; "*" in the value
	// matches any value, the empty string included, as long as the key is
	// present (a restricted glob, per §4.G "optional per-argument
	// equality/glob checks").
	Args map[string]string
}

func (m EventMatch) Eval(name string, env map[string]string) bool {
	if name != m.Name {
		return false
	}
	for k, want := range m.Args {
		got, ok := env[k]
		if !ok {
			return false
		}
		if want == "*" {
			continue
		}
		if got != want {
			return false
		}
	}
	return true
}

func (m EventMatch) String() string { return fmt.Sprintf("%s %v", m.Name, m.Args) }

// And, Or, Not combine Expressions into the boolean tree §4.G describes.
type And struct{ Left, Right Expression }

func (e And) Eval(name string, env map[string]string) bool {
	return e.Left.Eval(name, env) && e.Right.Eval(name, env)
}
func (e And) String() string { return fmt.Sprintf("(%s and %s)", e.Left, e.Right) }

type Or struct{ Left, Right Expression }

func (e Or) Eval(name string, env map[string]string) bool {
	return e.Left.Eval(name, env) || e.Right.Eval(name, env)
}
func (e Or) String() string { return fmt.Sprintf("(%s or %s)", e.Left, e.Right) }

type Not struct{ Expr Expression }

func (e Not) Eval(name string, env map[string]string) bool { return !e.Expr.Eval(name, env) }
func (e Not) String() string                               { return fmt.Sprintf("(not %s)", e.Expr) }

// Class is a Job Class (§3 "Job Class").
type Class struct {
	Name        string
	Description string

	Processes map[Kind]Process

	StartOn Expression
	StopOn  Expression

	Expect Expect

	Respawn      bool
	Task         bool
	RespawnLimit RespawnLimit
	NormalExit   []int

	KillTimeout int // seconds

	Console Console

	Limits limits.Table
	Umask  *uint32
	Nice   *int
	OOMAdj *int
	Chroot string
	Chdir  string

	// Instance is the "instance" stanza template (§3 "instance name
	// expansion"): a string that may reference the triggering event's
	// environment as "$NAME" or "${NAME}". A class with no Instance stanza
	// has at most one running instance, keyed on the empty name.
	Instance string

	DebugPause map[Kind]bool
}

// ExpandInstance evaluates the class's Instance template against env,
// substituting "$NAME"/"${NAME}" references the same way a shell would
// (unset variables expand to empty), matching upstart's "instance $ENVVAR"
// convention. A class with no Instance template always expands to "".
func (c *Class) ExpandInstance(env map[string]string) string {
	if c.Instance == "" {
		return ""
	}
	return os.Expand(c.Instance, func(name string) string { return env[name] })
}

// Process looks up a process definition, returning ok=false if the kind is
// not defined on this class.
func (c *Class) Process(k Kind) (Process, bool) {
	p, ok := c.Processes[k]
	return p, ok && p.Defined
}

// Registry is the Job Class Registry (§4.E): the root of the object graph,
// mapping class names to Class definitions and their live instances.
//
// Registry methods are called from several goroutines (configuration
// intake, event handling, control-surface RPC handlers); the mutex
// serialises them.
type Registry struct {
	mu      sync.Mutex
	classes map[string]*entry
}

type entry struct {
	class     *Class
	instances map[string]InstanceHandle
}

// InstanceHandle is an opaque reference the job package's Instance
// satisfies, kept here only so the registry can enumerate instances without
// importing the job package (which imports class) and creating a cycle.
type InstanceHandle interface {
	Name() string
	// Superseded marks the instance as running under a class that has been
	// replaced; it finishes under the old definition (§4.E "supersede").
	Superseded()
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{classes: make(map[string]*entry)}
}

// Register adds a new class. An existing class of the same name is an
// error; use Supersede to replace one.
func (r *Registry) Register(c *Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.classes[c.Name]; ok {
		return fmt.Errorf("class %q already registered", c.Name)
	}
	r.classes[c.Name] = &entry{class: c, instances: make(map[string]InstanceHandle)}
	return nil
}

// Supersede replaces the definition of name with newClass. Existing
// instances keep running under their original *Class pointer (captured at
// creation) and are marked Superseded so they are not implicitly
// destroyed; new starts bind to newClass (§4.E "supersede").
func (r *Registry) Supersede(name string, newClass *Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.classes[name]
	if !ok {
		return r.registerLocked(newClass)
	}
	for _, inst := range old.instances {
		inst.Superseded()
	}
	logger.Infof("superseded class; name: %s, live instances: %d", name, len(old.instances))
	r.classes[name] = &entry{class: newClass, instances: make(map[string]InstanceHandle)}
	return nil
}

func (r *Registry) registerLocked(c *Class) error {
	if _, ok := r.classes[c.Name]; ok {
		return fmt.Errorf("class %q already registered", c.Name)
	}
	r.classes[c.Name] = &entry{class: c, instances: make(map[string]InstanceHandle)}
	return nil
}

// Unregister removes a class entirely (§4.H "on_class_unloaded"); existing
// instances are superseded (left to finish on their own) since the core
// never force-kills a running instance on configuration change.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.classes[name]
	if !ok {
		return
	}
	for _, inst := range e.instances {
		inst.Superseded()
	}
	delete(r.classes, name)
}

// Lookup returns the named class, or ok=false if no such class is
// registered.
func (r *Registry) Lookup(name string) (*Class, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.classes[name]
	if !ok {
		return nil, false
	}
	return e.class, true
}

// Foreach calls fn for every class registered at the time of the call. The
// lock is released before fn runs, so fn may call back into the Registry.
func (r *Registry) Foreach(fn func(*Class)) {
	r.mu.Lock()
	classes := make([]*Class, 0, len(r.classes))
	for _, e := range r.classes {
		classes = append(classes, e.class)
	}
	r.mu.Unlock()
	for _, c := range classes {
		fn(c)
	}
}

// BindInstance records inst as a live instance of the named class, so a
// future Supersede/Unregister can notify it.
func (r *Registry) BindInstance(className string, inst InstanceHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.classes[className]
	if !ok {
		return
	}
	e.instances[inst.Name()] = inst
}

// ReleaseInstance forgets inst, called once it is destroyed (reaches
// WAITING with no blockers and its class does not want it anymore).
func (r *Registry) ReleaseInstance(className, instanceName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.classes[className]
	if !ok {
		return
	}
	delete(e.instances, instanceName)
}

// Instance looks up a live instance by class and instance name.
func (r *Registry) Instance(className, instanceName string) (InstanceHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.classes[className]
	if !ok {
		return nil, false
	}
	inst, ok := e.instances[instanceName]
	return inst, ok
}

// Package binder implements the Event-to-Job Binder (§4.G): on each
// HANDLING event it evaluates every class's start_on/stop_on expressions
// and drives goal changes on the matching instances, blocking the event on
// their lifecycle until the start/stop sequence completes.
package binder

import (
	"fmt"
	"os"

	"github.com/tjper/initd/internal/jobworker/class"
	"github.com/tjper/initd/internal/jobworker/event"
	"github.com/tjper/initd/internal/log"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "binder")

// Goal mirrors job.Goal without importing the job package, which in turn
// imports binder to register itself — see Driver.
type Goal int

const (
	GoalStop Goal = iota
	GoalStart
)

// Driver is the narrow surface the binder needs from the job state machine
// (§4.D), kept as an interface so binder and job do not import each other.
type Driver interface {
	// EnsureInstance returns the named instance of class c, creating it if
	// necessary (§4.G "ensure an instance exists").
	EnsureInstance(c *class.Class, instanceName string) Instance
}

// Instance is the subset of job.Instance the binder drives.
type Instance interface {
	// ChangeGoal applies change_goal (§4.D) and returns a doneCh that is
	// closed once the instance reaches the completion state implied by
	// goal: WAITING again for tasks / a STOP goal, RUNNING for services
	// reaching START (§4.G "finishes").
	ChangeGoal(goal Goal) (doneCh <-chan struct{}, failed *bool)
}

// Registry is the subset of the class Registry the binder consults.
type Registry interface {
	Foreach(fn func(*class.Class))
}

// Binder wires a Bus's handling of each event to class Registry lookups
// and Driver goal changes.
type Binder struct {
	registry Registry
	driver   Driver
}

// New creates a Binder.
func New(registry Registry, driver Driver) *Binder {
	return &Binder{registry: registry, driver: driver}
}

// Handle is the event.Bus handler: for the given HANDLING event, evaluate
// every class's start_on/stop_on expressions and drive goal changes,
// attaching a blocker to ev for each instance so ev only finishes once the
// triggered start/stop sequences complete (§4.G).
func (b *Binder) Handle(ev *event.Event) {
	name := ev.Name
	env := ev.EnvMap()

	b.registry.Foreach(func(c *class.Class) {
		if c.StartOn != nil && c.StartOn.Eval(name, env) {
			b.trigger(ev, c, env, GoalStart)
		}
		if c.StopOn != nil && c.StopOn.Eval(name, env) {
			b.trigger(ev, c, env, GoalStop)
		}
	})
}

func (b *Binder) trigger(ev *event.Event, c *class.Class, env map[string]string, goal Goal) {
	instanceName := instanceNameFor(c, env)
	logger.Infof("event %s triggers class %s instance %q goal %d", ev.Name, c.Name, instanceName, goal)
	inst := b.driver.EnsureInstance(c, instanceName)

	release := ev.Block(event.Blocker{
		Kind: event.BlockerJob,
		Ref:  fmt.Sprintf("job:%s/%s", c.Name, instanceName),
	})

	doneCh, failed := inst.ChangeGoal(goal)
	go func() {
		<-doneCh
		if failed != nil && *failed {
			ev.Fail()
		}
		release()
	}()
}

// instanceNameFor expands the class's instance stanza (class.Class.Instance,
// a "$NAME"/"${NAME}" template) against the triggering event's environment,
// matching upstart's "instance $INSTANCE" convention. A class with no
// instance stanza always resolves to the single empty-named instance.
func instanceNameFor(c *class.Class, env map[string]string) string {
	return c.ExpandInstance(env)
}

package control

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tjper/initd/internal/jobworker/binder"
	"github.com/tjper/initd/internal/jobworker/class"
	"github.com/tjper/initd/internal/jobworker/job"
)

type fakeRegistry struct {
	classes map[string]*class.Class
}

func (r *fakeRegistry) Lookup(name string) (*class.Class, bool) {
	c, ok := r.classes[name]
	return c, ok
}

func (r *fakeRegistry) Foreach(fn func(*class.Class)) {
	for _, c := range r.classes {
		fn(c)
	}
}

type fakeInstance struct {
	doneCh chan struct{}
	failed bool
	goals  []binder.Goal
}

func (f *fakeInstance) ChangeGoal(g binder.Goal) (<-chan struct{}, *bool) {
	f.goals = append(f.goals, g)
	return f.doneCh, &f.failed
}

type fakeDriver struct {
	instances  map[string]*fakeInstance
	emitName   string
	emitEnv    []string
	emitCalled bool
}

func (d *fakeDriver) EnsureInstance(c *class.Class, instanceName string) binder.Instance {
	key := c.Name + "/" + instanceName
	inst, ok := d.instances[key]
	if !ok {
		inst = &fakeInstance{doneCh: closedChan()}
		d.instances[key] = inst
	}
	return inst
}

func (d *fakeDriver) Emit(name string, env []string) {
	d.emitCalled = true
	d.emitName = name
	d.emitEnv = env
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeInspector struct {
	instances map[string][]string
	statuses  map[string]statusEntry
}

type statusEntry struct {
	state job.State
	goal  job.Goal
	pids  map[class.Kind]int
	ok    bool
}

func (i *fakeInspector) Instances(className string) []string {
	return i.instances[className]
}

func (i *fakeInspector) Status(className, instanceName string) (job.State, job.Goal, map[class.Kind]int, bool) {
	e, ok := i.statuses[className+"/"+instanceName]
	if !ok {
		return 0, 0, nil, false
	}
	return e.state, e.goal, e.pids, e.ok
}

type fakeReloader struct {
	err    error
	called bool
}

func (r *fakeReloader) LoadAll() error {
	r.called = true
	return r.err
}

func newTestImpl(reg *fakeRegistry, drv *fakeDriver, insp *fakeInspector, reloader *fakeReloader) *impl {
	s := &impl{registry: reg, driver: drv, inspect: insp, version: "test"}
	if reloader != nil {
		s.reloader = reloader
	}
	return s
}

func TestStartRejectsEmptyClass(t *testing.T) {
	s := newTestImpl(&fakeRegistry{}, &fakeDriver{}, &fakeInspector{}, nil)
	if _, err := s.Start(context.Background(), &StartRequest{}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("unexpected code: %v", status.Code(err))
	}
}

func TestStartUnknownClassNotFound(t *testing.T) {
	s := newTestImpl(&fakeRegistry{classes: map[string]*class.Class{}}, &fakeDriver{}, &fakeInspector{}, nil)
	_, err := s.Start(context.Background(), &StartRequest{Class: "web"})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("unexpected code: %v", status.Code(err))
	}
}

func TestStartDrivesGoalStartAndReportsFailure(t *testing.T) {
	reg := &fakeRegistry{classes: map[string]*class.Class{"web": {Name: "web"}}}
	drv := &fakeDriver{instances: map[string]*fakeInstance{}}
	s := newTestImpl(reg, drv, &fakeInspector{}, nil)

	resp, err := s.Start(context.Background(), &StartRequest{Class: "web", Instance: "1"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if resp.Failed {
		t.Fatal("expected success")
	}
	inst := drv.instances["web/1"]
	if len(inst.goals) != 1 || inst.goals[0] != binder.GoalStart {
		t.Fatalf("unexpected goals driven: %v", inst.goals)
	}

	inst2 := &fakeInstance{doneCh: closedChan(), failed: true}
	drv.instances["web/2"] = inst2
	resp, err = s.Start(context.Background(), &StartRequest{Class: "web", Instance: "2"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !resp.Failed {
		t.Fatal("expected the reported failure to propagate")
	}
}

func TestStartContextCancelledReturnsCanceled(t *testing.T) {
	reg := &fakeRegistry{classes: map[string]*class.Class{"web": {Name: "web"}}}
	drv := &fakeDriver{instances: map[string]*fakeInstance{
		"web/1": {doneCh: make(chan struct{})}, // never closes
	}}
	s := newTestImpl(reg, drv, &fakeInspector{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Start(ctx, &StartRequest{Class: "web", Instance: "1"}); status.Code(err) != codes.Canceled {
		t.Fatalf("unexpected code: %v", status.Code(err))
	}
}

func TestStopDrivesGoalStop(t *testing.T) {
	reg := &fakeRegistry{classes: map[string]*class.Class{"web": {Name: "web"}}}
	drv := &fakeDriver{instances: map[string]*fakeInstance{}}
	s := newTestImpl(reg, drv, &fakeInspector{}, nil)

	if _, err := s.Stop(context.Background(), &StopRequest{Class: "web"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if goals := drv.instances["web/"].goals; len(goals) != 1 || goals[0] != binder.GoalStop {
		t.Fatalf("unexpected goals driven: %v", goals)
	}
}

func TestRestartStopsThenStarts(t *testing.T) {
	reg := &fakeRegistry{classes: map[string]*class.Class{"web": {Name: "web"}}}
	drv := &fakeDriver{instances: map[string]*fakeInstance{}}
	s := newTestImpl(reg, drv, &fakeInspector{}, nil)

	if _, err := s.Restart(context.Background(), &RestartRequest{Class: "web"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	goals := drv.instances["web/"].goals
	if len(goals) != 2 || goals[0] != binder.GoalStop || goals[1] != binder.GoalStart {
		t.Fatalf("unexpected goal sequence: %v", goals)
	}
}

func TestEmitRejectsEmptyName(t *testing.T) {
	s := newTestImpl(&fakeRegistry{}, &fakeDriver{}, &fakeInspector{}, nil)
	if _, err := s.Emit(context.Background(), &EmitRequest{}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("unexpected code: %v", status.Code(err))
	}
}

func TestEmitForwardsNameAndEnvToDriver(t *testing.T) {
	drv := &fakeDriver{instances: map[string]*fakeInstance{}}
	s := newTestImpl(&fakeRegistry{}, drv, &fakeInspector{}, nil)

	if _, err := s.Emit(context.Background(), &EmitRequest{Name: "started", Env: []string{"JOB=web"}}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !drv.emitCalled || drv.emitName != "started" || len(drv.emitEnv) != 1 || drv.emitEnv[0] != "JOB=web" {
		t.Fatalf("unexpected emit call: called=%t name=%s env=%v", drv.emitCalled, drv.emitName, drv.emitEnv)
	}
}

// driverWithoutEmit satisfies Driver but not the Emit extension interface,
// exercising the Unimplemented fallback.
type driverWithoutEmit struct{}

func (driverWithoutEmit) EnsureInstance(c *class.Class, instanceName string) binder.Instance {
	return &fakeInstance{doneCh: closedChan()}
}

func TestEmitUnimplementedWhenDriverLacksEmit(t *testing.T) {
	s := newTestImpl(&fakeRegistry{}, nil, &fakeInspector{}, nil)
	s.driver = driverWithoutEmit{}
	if _, err := s.Emit(context.Background(), &EmitRequest{Name: "started"}); status.Code(err) != codes.Unimplemented {
		t.Fatalf("unexpected code: %v", status.Code(err))
	}
}

func TestListScopedToOneClass(t *testing.T) {
	reg := &fakeRegistry{classes: map[string]*class.Class{"web": {Name: "web"}}}
	insp := &fakeInspector{
		instances: map[string][]string{"web": {"1"}},
		statuses: map[string]statusEntry{
			"web/1": {state: job.Running, goal: job.GoalStart, pids: map[class.Kind]int{class.Main: 42}, ok: true},
		},
	}
	s := newTestImpl(reg, &fakeDriver{}, insp, nil)

	resp, err := s.List(context.Background(), &ListRequest{Class: "web"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(resp.Instances) != 1 || resp.Instances[0].Instance != "1" || resp.Instances[0].Pids["main"] != 42 {
		t.Fatalf("unexpected list response: %+v", resp.Instances)
	}
}

func TestListUnscopedWalksEveryClass(t *testing.T) {
	reg := &fakeRegistry{classes: map[string]*class.Class{"web": {Name: "web"}, "db": {Name: "db"}}}
	insp := &fakeInspector{
		instances: map[string][]string{"web": {"1"}, "db": {"1"}},
		statuses: map[string]statusEntry{
			"web/1": {state: job.Running, goal: job.GoalStart, ok: true},
			"db/1":  {state: job.Waiting, goal: job.GoalStop, ok: true},
		},
	}
	s := newTestImpl(reg, &fakeDriver{}, insp, nil)

	resp, err := s.List(context.Background(), &ListRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(resp.Instances) != 2 {
		t.Fatalf("expected both classes' instances listed; actual: %+v", resp.Instances)
	}
}

func TestListUnknownClassNotFound(t *testing.T) {
	s := newTestImpl(&fakeRegistry{classes: map[string]*class.Class{}}, &fakeDriver{}, &fakeInspector{}, nil)
	if _, err := s.List(context.Background(), &ListRequest{Class: "web"}); status.Code(err) != codes.NotFound {
		t.Fatalf("unexpected code: %v", status.Code(err))
	}
}

func TestStatusFoundAndNotFound(t *testing.T) {
	reg := &fakeRegistry{classes: map[string]*class.Class{"web": {Name: "web"}}}
	insp := &fakeInspector{
		statuses: map[string]statusEntry{
			"web/1": {state: job.Running, goal: job.GoalStart, pids: map[class.Kind]int{class.Main: 7}, ok: true},
		},
	}
	s := newTestImpl(reg, &fakeDriver{}, insp, nil)

	resp, err := s.Status(context.Background(), &StatusRequest{Class: "web", Instance: "1"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !resp.Found || resp.Status.State != "RUNNING" || resp.Status.Pids["main"] != 7 {
		t.Fatalf("unexpected status response: %+v", resp)
	}

	resp, err = s.Status(context.Background(), &StatusRequest{Class: "web", Instance: "missing"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if resp.Found {
		t.Fatal("expected an unknown instance to report not found")
	}
}

func TestReloadConfigPropagatesLoaderError(t *testing.T) {
	reloader := &fakeReloader{err: errors.New("bad config")}
	s := newTestImpl(&fakeRegistry{}, &fakeDriver{}, &fakeInspector{}, reloader)

	_, err := s.ReloadConfig(context.Background(), &ReloadConfigRequest{})
	if status.Code(err) != codes.Internal {
		t.Fatalf("unexpected code: %v", status.Code(err))
	}
	if !reloader.called {
		t.Fatal("expected LoadAll to be called")
	}
}

func TestReloadConfigUnimplementedWithoutReloader(t *testing.T) {
	s := newTestImpl(&fakeRegistry{}, &fakeDriver{}, &fakeInspector{}, nil)
	if _, err := s.ReloadConfig(context.Background(), &ReloadConfigRequest{}); status.Code(err) != codes.Unimplemented {
		t.Fatalf("unexpected code: %v", status.Code(err))
	}
}

func TestSetAndGetLogPriorityRoundTrip(t *testing.T) {
	s := newTestImpl(&fakeRegistry{}, &fakeDriver{}, &fakeInspector{}, nil)
	defer func() {
		_, _ = s.SetLogPriority(context.Background(), &SetLogPriorityRequest{Priority: "info"})
	}()

	if _, err := s.SetLogPriority(context.Background(), &SetLogPriorityRequest{Priority: "warn"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	resp, err := s.GetLogPriority(context.Background(), &GetLogPriorityRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if resp.Priority != "warn" {
		t.Fatalf("unexpected priority: %s", resp.Priority)
	}
}

func TestSetLogPriorityRejectsUnknownValue(t *testing.T) {
	s := newTestImpl(&fakeRegistry{}, &fakeDriver{}, &fakeInspector{}, nil)
	if _, err := s.SetLogPriority(context.Background(), &SetLogPriorityRequest{Priority: "deafening"}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("unexpected code: %v", status.Code(err))
	}
}

func TestVersionReportsConfiguredValue(t *testing.T) {
	s := newTestImpl(&fakeRegistry{}, &fakeDriver{}, &fakeInspector{}, nil)
	s.version = "1.2.3"
	resp, err := s.Version(context.Background(), &VersionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if resp.Version != "1.2.3" {
		t.Fatalf("unexpected version: %s", resp.Version)
	}
}

func TestJSONCodecRoundTrips(t *testing.T) {
	var codec jsonCodec
	data, err := codec.Marshal(&StartRequest{Class: "web", Instance: "1"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	var out StartRequest
	if err := codec.Unmarshal(data, &out); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if out.Class != "web" || out.Instance != "1" {
		t.Fatalf("unexpected round-tripped value: %+v", out)
	}
	if codec.Name() != "proto" {
		t.Fatalf("unexpected codec name: %s", codec.Name())
	}
}

// Package control implements the gRPC half of the Control Surface (§4.I):
// Start, Stop, Restart, Emit, List, Status, ReloadConfig, GetLogPriority,
// SetLogPriority, and Version, authenticated the same mTLS way the
// teacher's grpc package was.
package control

import (
	"context"
	"os"

	"github.com/tjper/initd/internal/jobworker/binder"
	"github.com/tjper/initd/internal/jobworker/class"
	"github.com/tjper/initd/internal/jobworker/job"
	"github.com/tjper/initd/internal/jobworker/user"
	"github.com/tjper/initd/internal/log"
	"github.com/tjper/initd/internal/validator"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "control")

// Registry is the subset of class.Registry the control surface consults.
type Registry interface {
	Lookup(name string) (*class.Class, bool)
}

// Driver is the subset of job.Supervisor used to drive goal changes.
type Driver interface {
	EnsureInstance(c *class.Class, instanceName string) binder.Instance
}

// Inspector is the subset of job.Supervisor used for read-only queries.
type Inspector interface {
	Status(className, instanceName string) (job.State, job.Goal, map[class.Kind]int, bool)
	Instances(className string) []string
}

// ConfigReloader is the subset of config.Loader the ReloadConfig method
// drives.
type ConfigReloader interface {
	LoadAll() error
}

// impl implements Server, backing every RPC with the job package's
// Supervisor and the class Registry built at startup.
type impl struct {
	registry Registry
	driver   Driver
	inspect  Inspector
	reloader ConfigReloader
	user     user.Service
	version  string
}

// New creates a control Server.
func New(registry Registry, driver Driver, inspect Inspector, reloader ConfigReloader, version string) Server {
	return &impl{registry: registry, driver: driver, inspect: inspect, reloader: reloader, version: version}
}

// caller logs the mTLS-verified common name of the RPC's caller, for audit
// trails on the mutating calls (§4.I "Control Surface" is mTLS-authenticated
// the same way the teacher's grpc package was; the core has no per-job
// ownership model, so identity is logged rather than enforced).
func (s *impl) caller(ctx context.Context) string {
	name, ok := s.user.User(ctx)
	if !ok {
		return "unknown"
	}
	return name
}

func (s *impl) lookup(className string) (*class.Class, error) {
	c, ok := s.registry.Lookup(className)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown class %q", className)
	}
	return c, nil
}

func (s *impl) changeGoal(ctx context.Context, className, instanceName string, goal binder.Goal) (failed bool, err error) {
	c, err := s.lookup(className)
	if err != nil {
		return false, err
	}
	inst := s.driver.EnsureInstance(c, instanceName)
	doneCh, failedPtr := inst.ChangeGoal(goal)
	select {
	case <-ctx.Done():
		return false, status.FromContextError(ctx.Err()).Err()
	case <-doneCh:
		return failedPtr != nil && *failedPtr, nil
	}
}

func (s *impl) Start(ctx context.Context, req *StartRequest) (*StartResponse, error) {
	valid := validator.New()
	valid.Assert(req.Class != "", "class empty")
	if err := valid.Err(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	logger.Infof("start requested; caller: %s, class: %s, instance: %s", s.caller(ctx), req.Class, req.Instance)
	failed, err := s.changeGoal(ctx, req.Class, req.Instance, binder.GoalStart)
	if err != nil {
		return nil, err
	}
	return &StartResponse{Failed: failed}, nil
}

func (s *impl) Stop(ctx context.Context, req *StopRequest) (*StopResponse, error) {
	valid := validator.New()
	valid.Assert(req.Class != "", "class empty")
	if err := valid.Err(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	logger.Infof("stop requested; caller: %s, class: %s, instance: %s", s.caller(ctx), req.Class, req.Instance)
	failed, err := s.changeGoal(ctx, req.Class, req.Instance, binder.GoalStop)
	if err != nil {
		return nil, err
	}
	return &StopResponse{Failed: failed}, nil
}

func (s *impl) Restart(ctx context.Context, req *RestartRequest) (*RestartResponse, error) {
	valid := validator.New()
	valid.Assert(req.Class != "", "class empty")
	if err := valid.Err(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	logger.Infof("restart requested; caller: %s, class: %s, instance: %s", s.caller(ctx), req.Class, req.Instance)
	stopFailed, err := s.changeGoal(ctx, req.Class, req.Instance, binder.GoalStop)
	if err != nil {
		return nil, err
	}
	startFailed, err := s.changeGoal(ctx, req.Class, req.Instance, binder.GoalStart)
	if err != nil {
		return nil, err
	}
	return &RestartResponse{Failed: stopFailed || startFailed}, nil
}

func (s *impl) Emit(ctx context.Context, req *EmitRequest) (*EmitResponse, error) {
	valid := validator.New()
	valid.Assert(req.Name != "", "event name empty")
	if err := valid.Err(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	emitter, ok := s.driver.(interface{ Emit(string, []string) })
	if !ok {
		return nil, status.Error(codes.Unimplemented, "emit not supported")
	}
	logger.Infof("emit requested; caller: %s, name: %s", s.caller(ctx), req.Name)
	emitter.Emit(req.Name, req.Env)
	return &EmitResponse{}, nil
}

func (s *impl) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	var classes []string
	if req.Class != "" {
		if _, err := s.lookup(req.Class); err != nil {
			return nil, err
		}
		classes = []string{req.Class}
	} else {
		classes = s.allClassNames()
	}

	var out []InstanceStatus
	for _, className := range classes {
		for _, instName := range s.inspect.Instances(className) {
			state, goal, pids, ok := s.inspect.Status(className, instName)
			if !ok {
				continue
			}
			out = append(out, toInstanceStatus(className, instName, state, goal, pids))
		}
	}
	return &ListResponse{Instances: out}, nil
}

// allClassNames is a narrow extension some Registry implementations (such
// as class.Registry, via Foreach) support; those that don't simply report
// no classes for an unscoped List.
func (s *impl) allClassNames() []string {
	foreacher, ok := s.registry.(interface{ Foreach(func(*class.Class)) })
	if !ok {
		return nil
	}
	var names []string
	foreacher.Foreach(func(c *class.Class) { names = append(names, c.Name) })
	return names
}

func (s *impl) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	if _, err := s.lookup(req.Class); err != nil {
		return nil, err
	}
	state, goal, pids, ok := s.inspect.Status(req.Class, req.Instance)
	if !ok {
		return &StatusResponse{Found: false}, nil
	}
	return &StatusResponse{Found: true, Status: toInstanceStatus(req.Class, req.Instance, state, goal, pids)}, nil
}

func toInstanceStatus(className, instanceName string, state job.State, goal job.Goal, pids map[class.Kind]int) InstanceStatus {
	pidMap := make(map[string]int32, len(pids))
	for k, v := range pids {
		if v != 0 {
			pidMap[k.String()] = int32(v)
		}
	}
	return InstanceStatus{
		Class:    className,
		Instance: instanceName,
		State:    state.String(),
		Goal:     goal.String(),
		Pids:     pidMap,
	}
}

func (s *impl) ReloadConfig(ctx context.Context, req *ReloadConfigRequest) (*ReloadConfigResponse, error) {
	if s.reloader == nil {
		return nil, status.Error(codes.Unimplemented, "config reload not supported")
	}
	logger.Infof("config reload requested; caller: %s", s.caller(ctx))
	if err := s.reloader.LoadAll(); err != nil {
		logger.Errorf("reload config; error: %s", err)
		return nil, status.Error(codes.Internal, "reload config")
	}
	return &ReloadConfigResponse{}, nil
}

func (s *impl) GetLogPriority(ctx context.Context, req *GetLogPriorityRequest) (*GetLogPriorityResponse, error) {
	return &GetLogPriorityResponse{Priority: log.GetPriority().String()}, nil
}

func (s *impl) SetLogPriority(ctx context.Context, req *SetLogPriorityRequest) (*SetLogPriorityResponse, error) {
	p, err := log.ParsePriority(req.Priority)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	logger.Infof("log priority change requested; caller: %s, priority: %s", s.caller(ctx), p)
	log.SetPriority(p)
	return &SetLogPriorityResponse{}, nil
}

func (s *impl) Version(ctx context.Context, req *VersionRequest) (*VersionResponse, error) {
	return &VersionResponse{Version: s.version}, nil
}

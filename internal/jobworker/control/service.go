package control

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName is the fully-qualified gRPC service name this control surface
// registers under, in place of a protoc-generated one (§4.I, SPEC_FULL.md
// domain-stack notes).
const serviceName = "initd.control.v1.Control"

// Server is the interface a control.Server implementation satisfies; it is
// also the HandlerType for ServiceDesc.
type Server interface {
	Start(context.Context, *StartRequest) (*StartResponse, error)
	Stop(context.Context, *StopRequest) (*StopResponse, error)
	Restart(context.Context, *RestartRequest) (*RestartResponse, error)
	Emit(context.Context, *EmitRequest) (*EmitResponse, error)
	List(context.Context, *ListRequest) (*ListResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	ReloadConfig(context.Context, *ReloadConfigRequest) (*ReloadConfigResponse, error)
	GetLogPriority(context.Context, *GetLogPriorityRequest) (*GetLogPriorityResponse, error)
	SetLogPriority(context.Context, *SetLogPriorityRequest) (*SetLogPriorityResponse, error)
	Version(context.Context, *VersionRequest) (*VersionResponse, error)
}

// RegisterServer registers srv on s, the same role a protoc-generated
// RegisterControlServer function plays.
func RegisterServer(s *grpc.Server, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

func unaryHandler[Req any, Resp any](
	method func(Server, context.Context, *Req) (*Resp, error),
) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		impl := srv.(Server)
		if interceptor == nil {
			return method(impl, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/"}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return method(impl, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Start", Handler: unaryHandler(Server.Start)},
		{MethodName: "Stop", Handler: unaryHandler(Server.Stop)},
		{MethodName: "Restart", Handler: unaryHandler(Server.Restart)},
		{MethodName: "Emit", Handler: unaryHandler(Server.Emit)},
		{MethodName: "List", Handler: unaryHandler(Server.List)},
		{MethodName: "Status", Handler: unaryHandler(Server.Status)},
		{MethodName: "ReloadConfig", Handler: unaryHandler(Server.ReloadConfig)},
		{MethodName: "GetLogPriority", Handler: unaryHandler(Server.GetLogPriority)},
		{MethodName: "SetLogPriority", Handler: unaryHandler(Server.SetLogPriority)},
		{MethodName: "Version", Handler: unaryHandler(Server.Version)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "initd/control.proto",
}

// Package ipc exposes the control boundary over gRPC on a named pipe
// (Windows) or a unix socket.
package ipc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "netguard.v1.Control"

// ControlServer is the server API of the control service.
type ControlServer interface {
	ActivateRoutes(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	DeactivateRoutes(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ApplyRestrictDns(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ResetFirewall(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	CheckConnectivity(context.Context, *emptypb.Empty) (*wrapperspb.Int32Value, error)
	ActivateConnectivityMonitor(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)
	DeactivateConnectivityMonitor(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	WatchConnectivity(*emptypb.Empty, ConnectivityStream) error
}

// ConnectivityStream is the server side of WatchConnectivity.
type ConnectivityStream interface {
	Send(*wrapperspb.BoolValue) error
	Context() context.Context
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// unary builds a method descriptor for a ControlServer method.
func unary[Req, Resp any](name string, call func(ControlServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*Req))
			})
		},
	}
}

type connectivityStream struct {
	grpc.ServerStream
}

func (s connectivityStream) Send(v *wrapperspb.BoolValue) error { return s.ServerStream.SendMsg(v) }

func watchConnectivityHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).WatchConnectivity(in, connectivityStream{stream})
}

// ControlServiceDesc describes the control service for grpc.Server.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ActivateRoutes", ControlServer.ActivateRoutes),
		unary("DeactivateRoutes", ControlServer.DeactivateRoutes),
		unary("ApplyRestrictDns", ControlServer.ApplyRestrictDns),
		unary("ResetFirewall", ControlServer.ResetFirewall),
		unary("CheckConnectivity", ControlServer.CheckConnectivity),
		unary("ActivateConnectivityMonitor", ControlServer.ActivateConnectivityMonitor),
		unary("DeactivateConnectivityMonitor", ControlServer.DeactivateConnectivityMonitor),
		unary("GetStatus", ControlServer.GetStatus),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "WatchConnectivity",
		Handler:       watchConnectivityHandler,
		ServerStreams: true,
	}},
	Metadata: "netguard/v1/control.proto",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}

// ControlClient is the client API of the control service.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

// NewControlClient wraps a client connection.
func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, name string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ControlClient) ActivateRoutes(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, "ActivateRoutes", in, opts)
}

func (c *ControlClient) DeactivateRoutes(ctx context.Context, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, "DeactivateRoutes", &emptypb.Empty{}, opts)
}

func (c *ControlClient) ApplyRestrictDns(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, "ApplyRestrictDns", in, opts)
}

func (c *ControlClient) ResetFirewall(ctx context.Context, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, "ResetFirewall", &emptypb.Empty{}, opts)
}

func (c *ControlClient) CheckConnectivity(ctx context.Context, opts ...grpc.CallOption) (*wrapperspb.Int32Value, error) {
	return invoke[wrapperspb.Int32Value](ctx, c.cc, "CheckConnectivity", &emptypb.Empty{}, opts)
}

func (c *ControlClient) ActivateConnectivityMonitor(ctx context.Context, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	return invoke[wrapperspb.BoolValue](ctx, c.cc, "ActivateConnectivityMonitor", &emptypb.Empty{}, opts)
}

func (c *ControlClient) DeactivateConnectivityMonitor(ctx context.Context, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, "DeactivateConnectivityMonitor", &emptypb.Empty{}, opts)
}

func (c *ControlClient) GetStatus(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "GetStatus", &emptypb.Empty{}, opts)
}

// ConnectivityWatch receives connectivity transitions.
type ConnectivityWatch struct {
	stream grpc.ClientStream
}

// Recv blocks for the next transition.
func (w *ConnectivityWatch) Recv() (bool, error) {
	v := new(wrapperspb.BoolValue)
	if err := w.stream.RecvMsg(v); err != nil {
		return false, err
	}
	return v.GetValue(), nil
}

// WatchConnectivity streams connectivity transitions until ctx is done.
// The current state is sent first when a monitor is active.
func (c *ControlClient) WatchConnectivity(ctx context.Context, opts ...grpc.CallOption) (*ConnectivityWatch, error) {
	stream, err := c.cc.NewStream(ctx, &ControlServiceDesc.Streams[0], fullMethod("WatchConnectivity"), opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &ConnectivityWatch{stream: stream}, nil
}

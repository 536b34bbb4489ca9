package ipc

import (
	"context"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"netguard/internal/boundary"
	"netguard/internal/core"
)

// Service implements ControlServer over a boundary.
type Service struct {
	b         *boundary.Boundary
	relayPort uint16
}

// NewService creates the control service. relayPort is used when a
// RestrictDns request does not name one.
func NewService(b *boundary.Boundary, relayPort uint16) *Service {
	return &Service{b: b, relayPort: relayPort}
}

// collector gathers boundary messages for the duration of one call. A
// boundary component may keep the sink after the call returns; later
// messages are dropped since they are in the service log anyway.
type collector struct {
	mu   sync.Mutex
	msgs []string
	done bool
}

func (c *collector) sink(_ core.LogLevel, _ string, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		c.msgs = append(c.msgs, msg)
	}
}

func (c *collector) finish() {
	c.mu.Lock()
	c.done = true
	c.mu.Unlock()
}

func (c *collector) err(code codes.Code) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return status.Error(code, "operation failed")
	}
	return status.Error(code, strings.Join(c.msgs, "; "))
}

func (s *Service) ActivateRoutes(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	routes, err := RoutesFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	c := &collector{}
	defer c.finish()
	if !s.b.ActivateRouteManager(routes, c.sink) {
		return nil, c.err(codes.FailedPrecondition)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) DeactivateRoutes(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	if !s.b.DeactivateRouteManager() {
		return nil, status.Error(codes.Internal, "route teardown reported errors, see service log")
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) ApplyRestrictDns(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	rule, err := RestrictDNSFromStruct(in, s.relayPort)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	c := &collector{}
	defer c.finish()
	if !s.b.ApplyPolicy(rule, c.sink) {
		return nil, c.err(codes.FailedPrecondition)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) ResetFirewall(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	c := &collector{}
	defer c.finish()
	if !s.b.ResetPolicy(c.sink) {
		return nil, c.err(codes.Internal)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) CheckConnectivity(context.Context, *emptypb.Empty) (*wrapperspb.Int32Value, error) {
	return wrapperspb.Int32(int32(s.b.CheckConnectivity(nil))), nil
}

func (s *Service) ActivateConnectivityMonitor(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	c := &collector{}
	defer c.finish()
	var current bool
	if !s.b.ActivateConnectivityMonitor(nil, &current, c.sink) {
		return nil, c.err(codes.FailedPrecondition)
	}
	return wrapperspb.Bool(current), nil
}

func (s *Service) DeactivateConnectivityMonitor(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	if !s.b.DeactivateConnectivityMonitor() {
		return nil, status.Error(codes.Internal, "monitor teardown reported errors, see service log")
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	st := s.b.Status()
	routes := make([]any, 0)
	for _, r := range s.b.RouteStatus() {
		m := map[string]any{"route": r.Route.String(), "shared": r.Shared}
		if r.Entry != nil {
			m["entry"] = r.Entry.String()
		}
		if r.LastError != nil {
			m["error"] = r.LastError.Error()
		}
		if len(r.Superseded) > 0 {
			sup := make([]any, 0, len(r.Superseded))
			for _, e := range r.Superseded {
				sup = append(sup, e.String())
			}
			m["superseded"] = sup
		}
		routes = append(routes, m)
	}
	st["routes"] = routes
	out, err := structpb.NewStruct(st)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// WatchConnectivity streams monitor transitions until the client goes away.
func (s *Service) WatchConnectivity(_ *emptypb.Empty, stream ConnectivityStream) error {
	ch := make(chan bool, 16)
	unsub := s.b.Bus().Subscribe(core.EventConnectivityChanged, func(e core.Event) {
		p, ok := e.Payload.(core.ConnectivityPayload)
		if !ok {
			return
		}
		select {
		case ch <- p.Connected:
		default:
			core.Log.Warnf("IPC", "Connectivity watcher is slow, dropping transition")
		}
	})
	defer unsub()

	if connected, active := s.b.MonitorConnected(); active {
		if err := stream.Send(wrapperspb.Bool(connected)); err != nil {
			return err
		}
	}
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case c := <-ch:
			if err := stream.Send(wrapperspb.Bool(c)); err != nil {
				return err
			}
		}
	}
}

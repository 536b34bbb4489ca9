package ipc

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
)

// Server wraps a gRPC server serving the control service.
type Server struct {
	grpc     *grpc.Server
	listener net.Listener
}

// NewServer creates a new IPC server with the given ControlServer implementation.
func NewServer(svc ControlServer, opts ...grpc.ServerOption) *Server {
	gs := grpc.NewServer(opts...)
	RegisterControlServer(gs, svc)
	return &Server{grpc: gs}
}

// Start opens the platform listener at address and begins serving.
// Blocks until Stop is called or an error occurs.
func (s *Server) Start(address string) error {
	if address == "" {
		address = DefaultAddress
	}
	ln, err := Listen(address)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", address, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	return s.grpc.Serve(ln)
}

// Stop gracefully stops the gRPC server and closes the listener.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// ForceStop immediately stops the gRPC server.
func (s *Server) ForceStop() {
	s.grpc.Stop()
}

package ipc

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	defaultDialTimeout = 5 * time.Second
)

// Client wraps a gRPC client connected to the service.
type Client struct {
	conn    *grpc.ClientConn
	Control *ControlClient
}

// Dial connects to the service at address (DefaultAddress when empty).
func Dial(address string) (*Client, error) {
	return DialWithTimeout(address, defaultDialTimeout)
}

// DialWithTimeout connects to the service with a custom timeout.
func DialWithTimeout(address string, timeout time.Duration) (*Client, error) {
	if address == "" {
		address = DefaultAddress
	}
	return DialWith(func(context.Context, string) (net.Conn, error) {
		return dial(address, timeout)
	})
}

// DialWith connects using a custom dialer.
func DialWith(dialer func(context.Context, string) (net.Conn, error)) (*Client, error) {
	conn, err := grpc.NewClient(
		"passthrough:///netguard",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialer),
	)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial: %w", err)
	}

	return &Client{
		conn:    conn,
		Control: NewControlClient(conn),
	}, nil
}

// Close shuts down the gRPC client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

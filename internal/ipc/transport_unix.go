//go:build !windows

package ipc

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"time"
)

// DefaultAddress is the unix socket the service listens on.
const DefaultAddress = "/var/run/netguard.sock"

// Listen creates the unix socket listener, replacing a stale socket file.
func Listen(address string) (net.Listener, error) {
	if err := os.Remove(address); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	ln, err := net.Listen("unix", address)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(address, 0o600); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

func dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", address, timeout)
}

// Package platform collects the OS capabilities the service is built from.
package platform

import (
	"errors"
	"runtime"

	"netguard/internal/core"
	"netguard/internal/firewall"
	"netguard/internal/netmon"
	"netguard/internal/routing"
)

// ErrUnsupported is returned by capabilities the current OS does not provide.
var ErrUnsupported = errors.New("not supported on " + runtime.GOOS)

// Platform aggregates all platform-specific implementations.
// Populated by the factory (NewPlatform) in platform/windows/ or platform/linux/.
type Platform struct {
	Name string

	NewRouteTable func() (routing.Table, error)
	Connectivity  netmon.Source
	NewFirewall   func(cfg core.FirewallConfig) (firewall.Engine, error)

	// PreStartup runs platform-specific initialization before the control
	// boundary starts accepting calls (e.g., removing filters left behind
	// by a crashed instance).
	PreStartup func() error

	// FlushSystemDNS flushes the system DNS cache after a DNS policy change.
	FlushSystemDNS func() error
}

// Unsupported returns a Platform whose every capability fails with
// ErrUnsupported. ctl and validate still work with it.
func Unsupported() *Platform {
	return &Platform{
		Name:           runtime.GOOS,
		NewRouteTable:  func() (routing.Table, error) { return nil, ErrUnsupported },
		Connectivity:   unsupportedSource{},
		NewFirewall:    func(core.FirewallConfig) (firewall.Engine, error) { return nil, ErrUnsupported },
		PreStartup:     func() error { return nil },
		FlushSystemDNS: func() error { return nil },
	}
}

type unsupportedSource struct{}

func (unsupportedSource) Connectivity() (bool, error) { return false, ErrUnsupported }

func (unsupportedSource) Subscribe(func()) (func() error, error) { return nil, ErrUnsupported }

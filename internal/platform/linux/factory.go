//go:build linux

// Package linux provides Linux platform implementations on rtnetlink and
// iptables.
package linux

import (
	"os/exec"

	"netguard/internal/core"
	"netguard/internal/firewall"
	"netguard/internal/platform"
	"netguard/internal/routing"
)

// NewPlatform creates a Platform configured for Linux:
// rtnetlink routes and notifications, iptables filtering.
func NewPlatform() *platform.Platform {
	return &platform.Platform{
		Name: "linux",
		NewRouteTable: func() (routing.Table, error) {
			return NewRouteTable(), nil
		},
		Connectivity: ConnectivitySource{},
		NewFirewall: func(core.FirewallConfig) (firewall.Engine, error) {
			e, err := NewIPTablesEngine()
			if err != nil {
				return nil, err
			}
			return e, nil
		},

		PreStartup: CleanupStaleChains,

		// systemd-resolved is the only common cache; without it there is
		// nothing to flush.
		FlushSystemDNS: func() error {
			path, err := exec.LookPath("resolvectl")
			if err != nil {
				return nil
			}
			return exec.Command(path, "flush-caches").Run()
		},
	}
}

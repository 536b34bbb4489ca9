//go:build windows

// Package windows provides Windows-specific platform implementations.
package windows

import (
	"os/exec"
	"syscall"

	"netguard/internal/core"
	"netguard/internal/firewall"
	"netguard/internal/platform"
	"netguard/internal/routing"
)

// NewPlatform creates a Platform configured for Windows:
// iphlpapi routes and notifications, WFP filtering.
func NewPlatform() *platform.Platform {
	return &platform.Platform{
		Name: "windows",
		NewRouteTable: func() (routing.Table, error) {
			return NewRouteTable(), nil
		},
		Connectivity: ConnectivitySource{},
		NewFirewall: func(cfg core.FirewallConfig) (firewall.Engine, error) {
			e, err := NewWFPEngine(cfg)
			if err != nil {
				return nil, err
			}
			return e, nil
		},

		PreStartup: CleanupStaleFilters,

		FlushSystemDNS: func() error {
			cmd := exec.Command("ipconfig", "/flushdns")
			cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
			return cmd.Run()
		},
	}
}

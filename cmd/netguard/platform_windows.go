//go:build windows

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"netguard/internal/platform"
	platformWindows "netguard/internal/platform/windows"
	"netguard/internal/winsvc"
)

func newPlatform() *platform.Platform {
	return platformWindows.NewPlatform()
}

func isService() bool {
	return winsvc.IsWindowsService()
}

func runService(run func(ctx context.Context) error) error {
	return winsvc.RunService(run)
}

// serviceCommands manages the SCM registration.
func serviceCommands() []*cobra.Command {
	install := &cobra.Command{
		Use:   "install",
		Short: "Register the Windows service",
		RunE: func(cmd *cobra.Command, args []string) error {
			exePath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			cfg := ""
			if cmd.Flags().Changed("config") {
				cfg = resolveRelativeToExe(configFile)
			}
			if err := winsvc.InstallService(exePath, cfg); err != nil {
				return err
			}
			fmt.Printf("Service %q installed\n", winsvc.ServiceName)
			return nil
		},
	}
	simple := func(use, short, done string, fn func() error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(*cobra.Command, []string) error {
				if err := fn(); err != nil {
					return err
				}
				fmt.Printf("Service %q %s\n", winsvc.ServiceName, done)
				return nil
			},
		}
	}
	return []*cobra.Command{
		install,
		simple("uninstall", "Stop and remove the Windows service", "removed", winsvc.UninstallService),
		simple("start", "Start the Windows service", "started", winsvc.StartService),
		simple("stop", "Stop the Windows service", "stopped", winsvc.StopService),
	}
}

// Command netguard runs the VPN network core: route supervision, DNS leak
// filtering and connectivity monitoring behind a local gRPC boundary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"netguard/internal/boundary"
	"netguard/internal/core"
)

// Build info, injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:           "netguard",
		Short:         "VPN network core service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "netguard.yaml", "config file path (relative paths resolve next to the executable)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("netguard %s (commit=%s, built=%s)\n", version, commit, buildDate)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveRelativeToExe(configFile)
			if _, err := core.LoadConfig(path); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			fmt.Printf("Configuration %s is valid\n", path)
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Query host connectivity once, without the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			b := boundary.New(boundary.Deps{Connectivity: newPlatform().Connectivity})
			st := b.CheckConnectivity(func(_ core.LogLevel, _ string, msg string) {
				fmt.Fprintln(os.Stderr, msg)
			})
			fmt.Println(st)
			if st != boundary.Connected {
				os.Exit(int(st) + 1)
			}
			return nil
		},
	})

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCtlCmd())
	for _, c := range serviceCommands() {
		rootCmd.AddCommand(c)
	}
}

// resolveRelativeToExe resolves a relative path against the executable's
// directory. The SCM starts services in System32.
func resolveRelativeToExe(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

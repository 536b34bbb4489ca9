//go:build !windows

package main

import (
	"context"

	"github.com/spf13/cobra"
)

func isService() bool { return false }

func runService(run func(ctx context.Context) error) error {
	return run(context.Background())
}

func serviceCommands() []*cobra.Command { return nil }

//go:build !windows && !linux

package main

import "netguard/internal/platform"

func newPlatform() *platform.Platform {
	return platform.Unsupported()
}

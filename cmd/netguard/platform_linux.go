//go:build linux

package main

import (
	"netguard/internal/platform"
	platformLinux "netguard/internal/platform/linux"
)

func newPlatform() *platform.Platform {
	return platformLinux.NewPlatform()
}

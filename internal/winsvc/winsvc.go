//go:build windows

// Package winsvc runs netguard under the Windows Service Control Manager.
package winsvc

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/windows/svc"

	"netguard/internal/core"
)

const (
	ServiceName        = "netguard"
	ServiceDisplayName = "netguard network core"
	ServiceDescription = "Route supervision, DNS leak filtering and connectivity monitoring for the VPN client"
)

// IsWindowsService reports whether the current process is running as a Windows Service.
func IsWindowsService() bool {
	isSvc, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return isSvc
}

// RunService runs run under the SCM until it returns or the service is
// stopped, in which case run's context is cancelled. Blocks until run returns.
func RunService(run func(ctx context.Context) error) error {
	return svc.Run(ServiceName, &serviceHandler{run: run})
}

// serviceHandler implements svc.Handler for the Windows Service Control Manager.
type serviceHandler struct {
	run func(ctx context.Context) error
}

// Execute is called by the Windows SCM. It must respond to service control commands.
func (h *serviceHandler) Execute(_ []string, r <-chan svc.ChangeRequest, s chan<- svc.Status) (bool, uint32) {
	s <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.run(ctx)
	}()

	// run blocks for the service lifetime, so report Running right away.
	s <- svc.Status{State: svc.Running, Accepts: svc.AcceptStop | svc.AcceptShutdown}

	for {
		select {
		case cr := <-r:
			switch cr.Cmd {
			case svc.Interrogate:
				s <- cr.CurrentStatus
				// Resend after short delay per Windows docs.
				time.Sleep(100 * time.Millisecond)
				s <- cr.CurrentStatus
			case svc.Stop, svc.Shutdown:
				core.Log.Infof("Service", "SCM requested stop")
				s <- svc.Status{State: svc.StopPending}
				cancel()
				if err := <-errCh; err != nil {
					core.Log.Errorf("Service", "Stopped with error: %v", err)
					return true, 1
				}
				return false, 0
			}
		case err := <-errCh:
			if err != nil {
				core.Log.Errorf("Service", "Exited: %v", err)
				return true, 1
			}
			return false, 0
		}
	}
}

// ServiceError wraps service-related errors with context.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("winsvc: %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

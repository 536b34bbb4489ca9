//go:build windows

package winsvc

import (
	"fmt"
	"time"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// withService opens the netguard service and passes it to fn.
func withService(fn func(s *mgr.Service) error) error {
	m, err := mgr.Connect()
	if err != nil {
		return &ServiceError{Op: "connect to SCM", Err: err}
	}
	defer m.Disconnect()

	s, err := m.OpenService(ServiceName)
	if err != nil {
		return &ServiceError{Op: "open service", Err: fmt.Errorf("service %q: %w", ServiceName, err)}
	}
	defer s.Close()
	return fn(s)
}

// waitState polls s until it reaches want, for up to 15 seconds.
func waitState(s *mgr.Service, status svc.Status, want svc.State, op string) error {
	var err error
	for i := 0; i < 30; i++ {
		if status.State == want {
			return nil
		}
		if want == svc.Running && status.State == svc.Stopped && i > 0 {
			return &ServiceError{Op: op, Err: fmt.Errorf("service stopped unexpectedly")}
		}
		time.Sleep(500 * time.Millisecond)
		if status, err = s.Query(); err != nil {
			return &ServiceError{Op: "query service status", Err: err}
		}
	}
	return &ServiceError{Op: op, Err: fmt.Errorf("timeout waiting for state %d", want)}
}

// InstallService registers the service with the SCM. The SCM starts
// exePath with "serve --config configPath".
func InstallService(exePath, configPath string) error {
	m, err := mgr.Connect()
	if err != nil {
		return &ServiceError{Op: "connect to SCM", Err: err}
	}
	defer m.Disconnect()

	if s, err := m.OpenService(ServiceName); err == nil {
		s.Close()
		return &ServiceError{Op: "install", Err: fmt.Errorf("service %q already exists", ServiceName)}
	}

	args := []string{"serve"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	s, err := m.CreateService(ServiceName, exePath, mgr.Config{
		DisplayName:      ServiceDisplayName,
		Description:      ServiceDescription,
		StartType:        mgr.StartAutomatic,
		ServiceStartName: "LocalSystem",
	}, args...)
	if err != nil {
		return &ServiceError{Op: "create service", Err: err}
	}
	defer s.Close()

	// Restart after 5 seconds on the first two failures, then after 30.
	// Failing to set these leaves a working service, so it is not an error.
	_ = s.SetRecoveryActions([]mgr.RecoveryAction{
		{Type: mgr.ServiceRestart, Delay: 5 * time.Second},
		{Type: mgr.ServiceRestart, Delay: 5 * time.Second},
		{Type: mgr.ServiceRestart, Delay: 30 * time.Second},
	}, 86400)
	return nil
}

// UninstallService stops and removes the service.
func UninstallService() error {
	return withService(func(s *mgr.Service) error {
		if status, err := s.Control(svc.Stop); err == nil {
			_ = waitState(s, status, svc.Stopped, "stop service")
		}
		if err := s.Delete(); err != nil {
			return &ServiceError{Op: "delete service", Err: err}
		}
		return nil
	})
}

// StartService starts the service and waits until it runs.
func StartService() error {
	return withService(func(s *mgr.Service) error {
		if err := s.Start(); err != nil {
			return &ServiceError{Op: "start service", Err: err}
		}
		status, err := s.Query()
		if err != nil {
			return &ServiceError{Op: "query service status", Err: err}
		}
		return waitState(s, status, svc.Running, "start service")
	})
}

// StopService stops the service and waits until it has stopped.
func StopService() error {
	return withService(func(s *mgr.Service) error {
		status, err := s.Control(svc.Stop)
		if err != nil {
			return &ServiceError{Op: "stop service", Err: err}
		}
		return waitState(s, status, svc.Stopped, "stop service")
	})
}

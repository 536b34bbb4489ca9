package core

import (
	"errors"
	"fmt"
	"syscall"
)

// ConfigurationError reports invalid or duplicate input. It is always
// detected before any OS state is touched.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + e.Msg
}

// Configurationf builds a ConfigurationError.
func Configurationf(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// OsOperationError reports a failed OS call together with its status code.
type OsOperationError struct {
	Op   string
	Code uint32
	Err  error
}

func (e *OsOperationError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %v (code %d)", e.Op, e.Err, e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OsOperationError) Unwrap() error {
	return e.Err
}

// OsError wraps err as an OsOperationError. The status code is taken from
// the first syscall.Errno found in the chain. Returns nil for a nil err.
func OsError(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *OsOperationError
	if errors.As(err, &existing) {
		return err
	}
	e := &OsOperationError{Op: op, Err: err}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.Code = uint32(errno)
	}
	return e
}

// ConflictError reports a pre-existing routing entry that claims the same
// network as a desired route.
type ConflictError struct {
	Network string
	Owner   string
}

func (e *ConflictError) Error() string {
	if e.Owner == "" {
		return "conflicting entry for " + e.Network
	}
	return fmt.Sprintf("conflicting entry for %s via %s", e.Network, e.Owner)
}

// AlreadyActiveError reports a second activation of a single-instance
// component.
type AlreadyActiveError struct {
	Component string
}

func (e *AlreadyActiveError) Error() string {
	return e.Component + " is already active"
}

// IsConfiguration reports whether err is or wraps a ConfigurationError.
func IsConfiguration(err error) bool {
	var e *ConfigurationError
	return errors.As(err, &e)
}

// IsAlreadyActive reports whether err is or wraps an AlreadyActiveError.
func IsAlreadyActive(err error) bool {
	var e *AlreadyActiveError
	return errors.As(err, &e)
}

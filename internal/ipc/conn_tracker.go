package ipc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"netguard/internal/core"
)

// ConnTracker counts in-flight control calls, including connectivity
// watch streams. When the count drops to zero it starts an idle timer and
// calls onIdle if no call arrives before it expires.
type ConnTracker struct {
	active    atomic.Int64
	idleAfter time.Duration
	onIdle    func()

	mu        sync.Mutex
	idleTimer *time.Timer
}

// NewConnTracker creates a ConnTracker. onIdle runs on its own goroutine.
func NewConnTracker(idleAfter time.Duration, onIdle func()) *ConnTracker {
	return &ConnTracker{
		idleAfter: idleAfter,
		onIdle:    onIdle,
	}
}

// ActiveCount returns the current number of active RPCs.
func (ct *ConnTracker) ActiveCount() int64 {
	return ct.active.Load()
}

// CancelIdle cancels a pending idle timer.
func (ct *ConnTracker) CancelIdle() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.idleTimer != nil {
		ct.idleTimer.Stop()
		ct.idleTimer = nil
	}
}

func (ct *ConnTracker) inc() {
	if ct.active.Add(1) == 1 {
		ct.mu.Lock()
		if ct.idleTimer != nil {
			ct.idleTimer.Stop()
			ct.idleTimer = nil
			core.Log.Debugf("IPC", "Client reconnected, idle timer cancelled")
		}
		ct.mu.Unlock()
	}
}

func (ct *ConnTracker) dec() {
	if ct.active.Add(-1) == 0 {
		ct.Arm()
	}
}

// Arm starts the idle timer if no call is in flight. The service calls it
// once at startup so that it also stops when no client ever connects.
func (ct *ConnTracker) Arm() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.active.Load() != 0 {
		return
	}
	if ct.idleTimer != nil {
		ct.idleTimer.Stop()
	}
	core.Log.Debugf("IPC", "No clients, idle in %s", ct.idleAfter)
	ct.idleTimer = time.AfterFunc(ct.idleAfter, func() {
		ct.mu.Lock()
		ct.idleTimer = nil
		ct.mu.Unlock()
		if ct.onIdle != nil {
			ct.onIdle()
		}
	})
}

// UnaryInterceptor counts unary calls.
func (ct *ConnTracker) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ct.inc()
		defer ct.dec()
		return handler(ctx, req)
	}
}

// StreamInterceptor counts streams.
func (ct *ConnTracker) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ct.inc()
		defer ct.dec()
		return handler(srv, ss)
	}
}

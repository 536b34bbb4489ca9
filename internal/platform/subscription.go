package platform

import "sync"

// Subscription guards a change callback registered with the OS. OS
// notification APIs may still deliver after their unregister call returns;
// Close blocks until a running callback finishes and drops later ones.
type Subscription struct {
	mu     sync.RWMutex
	fn     func()
	closed bool
}

// NewSubscription wraps fn.
func NewSubscription(fn func()) *Subscription {
	return &Subscription{fn: fn}
}

// Notify runs the callback unless the subscription is closed.
func (s *Subscription) Notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.closed {
		s.fn()
	}
}

// Close stops delivery. It must not be called from the callback.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

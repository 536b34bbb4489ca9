// Package netmon reports host connectivity transitions.
package netmon

import (
	"fmt"
	"sync"
	"time"

	"netguard/internal/core"
)

// Source is the OS connectivity capability.
type Source interface {
	// Connectivity reports whether the host currently has a usable
	// network path, collapsing richer OS state into a boolean.
	Connectivity() (bool, error)
	// Subscribe calls fn after OS connectivity-relevant changes until the
	// returned function is called. The unsubscribe function must not return
	// while fn is still running.
	Subscribe(fn func()) (unsubscribe func() error, err error)
}

// Callback receives connectivity transitions. It runs on the notification
// goroutine and must not block for long or call Close.
type Callback func(connected bool)

// Options tunes a Monitor.
type Options struct {
	// Debounce delays evaluation until notifications have been quiet for
	// this long. Zero evaluates on every notification.
	Debounce time.Duration
}

// Monitor tracks connectivity and reports changes.
type Monitor struct {
	log  *core.Logger
	cb   Callback
	src  Source
	opts Options

	mu        sync.Mutex // held while evaluating and calling cb
	connected bool
	closed    bool
	timer     *time.Timer

	unsub func() error
}

// New queries the current connectivity, then subscribes to changes. The
// returned bool is the connectivity at construction time. A failed
// subscription is returned as an error.
func New(log *core.Logger, cb Callback, src Source, opts Options) (*Monitor, bool, error) {
	if log == nil {
		log = core.Log
	}
	connected, err := src.Connectivity()
	if err != nil {
		return nil, false, core.OsError("[NetMon] query connectivity", err)
	}

	m := &Monitor{
		log:       log,
		cb:        cb,
		src:       src,
		opts:      opts,
		connected: connected,
	}
	unsub, err := src.Subscribe(m.onNotify)
	if err != nil {
		return nil, false, core.OsError("[NetMon] subscribe", err)
	}
	m.unsub = unsub

	log.Infof("NetMon", "Monitor started, connected=%v", connected)
	return m, connected, nil
}

// Connected returns the last reported connectivity.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Monitor) onNotify() {
	if m.opts.Debounce <= 0 {
		m.evaluate()
		return
	}
	m.fireDebounced()
}

// fireDebounced schedules an evaluation debounce after the last event
// in a burst.
func (m *Monitor) fireDebounced() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.timer == nil {
		m.timer = time.AfterFunc(m.opts.Debounce, m.evaluate)
	} else {
		m.timer.Reset(m.opts.Debounce)
	}
}

// evaluate recomputes connectivity and reports a change. The callback is
// invoked under mu so Close cannot return while it runs.
func (m *Monitor) evaluate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	connected, err := m.src.Connectivity()
	if err != nil {
		m.log.Warnf("NetMon", "Query connectivity: %v", err)
		return
	}
	if connected == m.connected {
		return
	}
	m.connected = connected
	m.log.Infof("NetMon", "Connectivity changed, connected=%v", connected)
	if m.cb != nil {
		m.cb(connected)
	}
}

// Close unsubscribes. No callback starts after Close begins, and Close
// waits for a running callback to finish.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
	}
	m.mu.Unlock()

	if err := m.unsub(); err != nil {
		return fmt.Errorf("[NetMon] unsubscribe: %w", err)
	}
	m.log.Infof("NetMon", "Monitor stopped")
	return nil
}

// CheckConnectivity queries connectivity once without a monitor.
func CheckConnectivity(src Source) (bool, error) {
	connected, err := src.Connectivity()
	if err != nil {
		return false, core.OsError("[NetMon] query connectivity", err)
	}
	return connected, nil
}

// Package boundary is the narrow control surface over the route manager,
// the connectivity monitor and the firewall policy. It enforces single
// instances and converts every error into a logged status.
package boundary

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"netguard/internal/core"
	"netguard/internal/firewall"
	"netguard/internal/metrics"
	"netguard/internal/netmodel"
	"netguard/internal/netmon"
	"netguard/internal/routing"
)

// ConnectivityStatus is the result of CheckConnectivity.
type ConnectivityStatus int32

const (
	NotConnected        ConnectivityStatus = 0
	Connected           ConnectivityStatus = 1
	ConnectivityUnknown ConnectivityStatus = 2
)

func (s ConnectivityStatus) String() string {
	switch s {
	case NotConnected:
		return "not-connected"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Relay is a running DNS relay.
type Relay interface {
	Close() error
}

// Deps are the platform capabilities and settings the boundary drives.
type Deps struct {
	// NewRouteTable opens the OS routing table for one route session.
	NewRouteTable func() (routing.Table, error)
	// Connectivity is the OS connectivity source.
	Connectivity netmon.Source
	// NewFirewall opens the firewall engine. Called once, on first use.
	NewFirewall func() (firewall.Engine, error)
	// StartRelay starts a loopback DNS relay on port forwarding to the
	// given upstreams. Nil disables the relay.
	StartRelay func(port uint16, upstreams []netip.Addr) (Relay, error)

	Routing routing.Options
	Monitor netmon.Options
	Metrics *metrics.Metrics
	Bus     *core.EventBus
}

type routeSession struct {
	mgr    *routing.Manager
	detach func()
}

type monitorSession struct {
	mon    *netmon.Monitor
	detach func()
}

// Boundary owns the single route manager, monitor and firewall policy.
type Boundary struct {
	deps Deps

	routes  Slot[*routeSession]
	monitor Slot[*monitorSession]

	fwMu   sync.Mutex
	policy *firewall.Policy
	relay  Relay
}

// New creates a boundary over deps.
func New(deps Deps) *Boundary {
	if deps.Bus == nil {
		deps.Bus = core.NewEventBus()
	}
	return &Boundary{deps: deps}
}

// Bus returns the event bus transitions are published on.
func (b *Boundary) Bus() *core.EventBus { return b.deps.Bus }

// fail logs a failure and forwards it to sink. It is logged under its own
// tag so sinks attached to the component do not receive it twice.
func fail(sink core.Sink, tag string, err error, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg += ": " + err.Error()
	}
	core.Log.Errorf("Boundary", "[%s] %s", tag, msg)
	if sink != nil {
		sink(core.LevelError, tag, msg)
	}
}

// attach forwards warnings of component tag to sink until detached.
func attach(sink core.Sink, tag string) func() {
	if sink == nil {
		return func() {}
	}
	return core.Log.AddSink(core.LevelWarn, func(level core.LogLevel, t, msg string) {
		if strings.EqualFold(t, tag) {
			sink(level, t, msg)
		}
	})
}

// ActivateRouteManager converts routes, starts a route manager and installs
// them. Any route that cannot be installed aborts the activation and the
// partial state is rolled back.
func (b *Boundary) ActivateRouteManager(wire []netmodel.WireRoute, sink core.Sink) bool {
	routes, err := netmodel.RoutesFromWire(wire)
	if err != nil {
		fail(sink, "Route", err, "Invalid route set")
		return false
	}

	err = b.routes.Fill(func() (*routeSession, error) {
		table, err := b.deps.NewRouteTable()
		if err != nil {
			return nil, core.OsError("open routing table", err)
		}
		mgr := routing.NewManager(table, b.deps.Routing)
		report, err := mgr.Activate(routes)
		if err != nil {
			if rbErr := mgr.Deactivate(); rbErr != nil {
				core.Log.Warnf("Route", "Rollback: %v", rbErr)
			}
			return nil, err
		}
		b.deps.Bus.Publish(core.Event{Type: core.EventRoutesActivated, Payload: core.RoutesPayload{
			Installed: len(report.Installed),
			Failed:    len(report.Failed),
		}})
		return &routeSession{mgr: mgr, detach: attach(sink, "Route")}, nil
	})
	if errors.Is(err, ErrSlotOccupied) {
		err = &core.AlreadyActiveError{Component: "route manager"}
	}
	if err != nil {
		fail(sink, "Route", err, "Failed to activate route manager")
		return false
	}
	return true
}

// DeactivateRouteManager tears down the active route manager, if any. It
// returns false only if teardown reported errors.
func (b *Boundary) DeactivateRouteManager() bool {
	ok := true
	b.routes.Take(func(s *routeSession) {
		defer s.detach()
		if err := s.mgr.Deactivate(); err != nil {
			fail(nil, "Route", err, "Route manager teardown")
			ok = false
		}
		b.deps.Bus.Publish(core.Event{Type: core.EventRoutesDeactivated})
	})
	return ok
}

// RouteStatus returns the active manager's routes, or nil.
func (b *Boundary) RouteStatus() []routing.RouteStatus {
	var out []routing.RouteStatus
	b.routes.With(func(s *routeSession) { out = s.mgr.Status() })
	return out
}

// ActivateConnectivityMonitor starts the single connectivity monitor. The
// current connectivity is stored in current before any callback fires.
func (b *Boundary) ActivateConnectivityMonitor(cb netmon.Callback, current *bool, sink core.Sink) bool {
	err := b.monitor.Fill(func() (*monitorSession, error) {
		forward := func(connected bool) {
			b.deps.Metrics.ConnectivityChanged(connected)
			b.deps.Bus.Publish(core.Event{Type: core.EventConnectivityChanged, Payload: core.ConnectivityPayload{Connected: connected}})
			if cb != nil {
				cb(connected)
			}
		}
		mon, connected, err := netmon.New(core.Log, forward, b.deps.Connectivity, b.deps.Monitor)
		if err != nil {
			return nil, err
		}
		b.deps.Metrics.ConnectivityState(connected)
		if current != nil {
			*current = connected
		}
		return &monitorSession{mon: mon, detach: attach(sink, "NetMon")}, nil
	})
	if errors.Is(err, ErrSlotOccupied) {
		err = &core.AlreadyActiveError{Component: "connectivity monitor"}
	}
	if err != nil {
		fail(sink, "NetMon", err, "Failed to activate connectivity monitor")
		return false
	}
	return true
}

// DeactivateConnectivityMonitor stops the active monitor, if any.
func (b *Boundary) DeactivateConnectivityMonitor() bool {
	ok := true
	b.monitor.Take(func(s *monitorSession) {
		defer s.detach()
		if err := s.mon.Close(); err != nil {
			fail(nil, "NetMon", err, "Connectivity monitor teardown")
			ok = false
		}
	})
	return ok
}

// MonitorConnected reports the active monitor's last state.
func (b *Boundary) MonitorConnected() (connected, active bool) {
	active = b.monitor.With(func(s *monitorSession) { connected = s.mon.Connected() })
	return connected, active
}

// CheckConnectivity queries connectivity once.
func (b *Boundary) CheckConnectivity(sink core.Sink) ConnectivityStatus {
	connected, err := netmon.CheckConnectivity(b.deps.Connectivity)
	if err != nil {
		fail(sink, "NetMon", err, "Failed to determine connectivity")
		return ConnectivityUnknown
	}
	if connected {
		return Connected
	}
	return NotConnected
}

func (b *Boundary) firewallPolicy() (*firewall.Policy, error) {
	if b.policy != nil {
		return b.policy, nil
	}
	if b.deps.NewFirewall == nil {
		return nil, fmt.Errorf("no firewall engine on this platform")
	}
	engine, err := b.deps.NewFirewall()
	if err != nil {
		return nil, core.OsError("open firewall engine", err)
	}
	b.policy = firewall.NewPolicy(engine)
	return b.policy, nil
}

// ApplyPolicy installs rule, replacing any previous policy. For
// RestrictDNS the loopback relay is (re)started when configured.
func (b *Boundary) ApplyPolicy(rule firewall.Rule, sink core.Sink) bool {
	b.fwMu.Lock()
	defer b.fwMu.Unlock()

	policy, err := b.firewallPolicy()
	if err == nil {
		err = policy.Apply(rule)
	}
	b.deps.Metrics.PolicyApplied(err == nil)
	if err != nil {
		fail(sink, "Firewall", err, "Failed to apply %s", rule)
		return false
	}
	b.deps.Bus.Publish(core.Event{Type: core.EventPolicyApplied, Payload: rule})

	b.stopRelay()
	if r, ok := restrictDNS(rule); ok && b.deps.StartRelay != nil {
		upstreams := []netip.Addr{r.V4DNS.Addr()}
		if r.V6DNS != nil {
			upstreams = append(upstreams, r.V6DNS.Addr())
		}
		relay, err := b.deps.StartRelay(r.RelayPort, upstreams)
		if err != nil {
			// The policy stays: DNS through the tunnel hosts still works.
			fail(sink, "Relay", err, "Failed to start DNS relay on port %d", r.RelayPort)
			return true
		}
		b.relay = relay
	}
	return true
}

func restrictDNS(rule firewall.Rule) (firewall.RestrictDNS, bool) {
	switch r := rule.(type) {
	case firewall.RestrictDNS:
		return r, true
	case *firewall.RestrictDNS:
		return *r, true
	}
	return firewall.RestrictDNS{}, false
}

// ResetPolicy removes the applied policy and stops the relay.
func (b *Boundary) ResetPolicy(sink core.Sink) bool {
	b.fwMu.Lock()
	defer b.fwMu.Unlock()

	b.stopRelay()
	if b.policy == nil {
		return true
	}
	if err := b.policy.Reset(); err != nil {
		fail(sink, "Firewall", err, "Failed to reset firewall policy")
		return false
	}
	b.deps.Metrics.PolicyCleared()
	b.deps.Bus.Publish(core.Event{Type: core.EventPolicyReset})
	return true
}

// ActivePolicy returns the applied rule or nil.
func (b *Boundary) ActivePolicy() firewall.Rule {
	b.fwMu.Lock()
	defer b.fwMu.Unlock()
	if b.policy == nil {
		return nil
	}
	return b.policy.Current()
}

func (b *Boundary) stopRelay() {
	if b.relay == nil {
		return
	}
	if err := b.relay.Close(); err != nil {
		core.Log.Warnf("Relay", "Stop: %v", err)
	}
	b.relay = nil
}

// Status summarizes component state for health reporting.
func (b *Boundary) Status() map[string]any {
	connected, monitoring := b.MonitorConnected()
	policy := "none"
	if r := b.ActivePolicy(); r != nil {
		policy = r.String()
	}
	return map[string]any{
		"routes_active":   b.routes.Occupied(),
		"monitor_active":  monitoring,
		"connected":       connected,
		"firewall_policy": policy,
	}
}

// Shutdown tears everything down and closes the firewall engine. Errors
// are logged and reported as false.
func (b *Boundary) Shutdown() bool {
	ok := b.DeactivateRouteManager()
	ok = b.DeactivateConnectivityMonitor() && ok

	b.fwMu.Lock()
	defer b.fwMu.Unlock()
	b.stopRelay()
	if b.policy != nil {
		if err := b.policy.Close(); err != nil {
			fail(nil, "Firewall", err, "Firewall teardown")
			ok = false
		}
		b.policy = nil
	}
	return ok
}

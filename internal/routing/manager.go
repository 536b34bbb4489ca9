package routing

import (
	"errors"
	"fmt"
	"sync"

	"netguard/internal/core"
	"netguard/internal/metrics"
	"netguard/internal/netmodel"
)

// DefaultSupersededMetric is used when Options.SupersededMetric is zero.
const DefaultSupersededMetric = core.DefaultSupersededMetric

// ErrManagerSpent is returned by Activate on a manager that has already
// been deactivated. A new Manager is needed for a new session.
var ErrManagerSpent = errors.New("route manager was already used")

// State is the manager lifecycle state.
type State int

const (
	StateIdle State = iota
	StateActive
	StateSpent
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	default:
		return "spent"
	}
}

// Options configures a Manager.
type Options struct {
	// SupersededMetric is the metric conflicting entries are demoted to.
	SupersededMetric uint32
	Metrics          *metrics.Metrics
}

// Result is the outcome of installing one route.
type Result struct {
	Route netmodel.Route
	Err   error
}

// Report lists which routes of an activation were installed and which
// failed. Failed routes stay desired and are retried on reconciliation.
type Report struct {
	Installed []netmodel.Route
	Failed    []Result
}

// Err joins the per-route failures, or returns nil.
func (r Report) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", f.Route, f.Err))
	}
	return errors.Join(errs...)
}

// RouteStatus describes one desired route.
type RouteStatus struct {
	Route      netmodel.Route
	Entry      *Entry
	Shared     bool
	Superseded []Entry
	LastError  error
}

type superseded struct {
	entry    Entry // entry as demoted
	original uint32
}

type desiredRoute struct {
	route      netmodel.Route
	entry      *Entry // resolved target, set once resolution succeeds
	owned      bool   // we added entry and must delete it
	shared     bool   // an identical entry existed before activation
	superseded []superseded
	lastErr    error
}

func (d *desiredRoute) installed() bool { return d.owned || d.shared }

// Manager owns the desired route set of one tunnel session. Every table
// mutation runs on a single worker goroutine.
type Manager struct {
	table Table
	opts  Options

	mu    sync.Mutex // serializes Activate/Deactivate and guards state
	state State
	unsub func() error

	ops     chan func()
	kick    chan struct{}
	done    chan struct{}
	stopped chan struct{}

	// owned by the worker
	desired []*desiredRoute
}

// NewManager creates an idle manager over table.
func NewManager(table Table, opts Options) *Manager {
	if opts.SupersededMetric == 0 {
		opts.SupersededMetric = DefaultSupersededMetric
	}
	return &Manager{
		table: table,
		opts:  opts,
	}
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func validateRoutes(routes []netmodel.Route) error {
	seen := make(map[string]int, len(routes))
	for i, r := range routes {
		if err := r.Validate(); err != nil {
			return core.Configurationf("route %d (%s): %v", i, r, err)
		}
		key := r.Network.String()
		if j, dup := seen[key]; dup {
			return core.Configurationf("routes %d and %d share network %s", j, i, key)
		}
		seen[key] = i
	}
	return nil
}

// Activate installs routes and starts reconciliation. Input errors are
// reported before the routing table is touched. Per-route failures do not
// stop the batch; they are listed in the report and joined in the error.
// If the change subscription cannot be established, everything installed
// is rolled back.
func (m *Manager) Activate(routes []netmodel.Route) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateActive:
		return Report{}, &core.AlreadyActiveError{Component: "route manager"}
	case StateSpent:
		return Report{}, ErrManagerSpent
	}
	if err := validateRoutes(routes); err != nil {
		return Report{}, err
	}

	m.ops = make(chan func())
	m.kick = make(chan struct{}, 1)
	m.done = make(chan struct{})
	m.stopped = make(chan struct{})
	go m.worker()

	var report Report
	m.run(func() {
		m.desired = make([]*desiredRoute, 0, len(routes))
		for _, r := range routes {
			d := &desiredRoute{route: r}
			m.desired = append(m.desired, d)
			if err := m.install(d); err != nil {
				d.lastErr = err
				report.Failed = append(report.Failed, Result{Route: r, Err: err})
				core.Log.Warnf("Route", "Install %s: %v", r, err)
				continue
			}
			report.Installed = append(report.Installed, r)
		}
		m.publish()
	})

	unsub, err := m.table.Subscribe(m.notify)
	if err != nil {
		m.opts.Metrics.RouteError("subscribe")
		m.run(func() {
			if rbErr := m.teardown(); rbErr != nil {
				core.Log.Warnf("Route", "Rollback after subscribe failure: %v", rbErr)
			}
		})
		m.stopWorker()
		m.state = StateSpent
		return report, core.OsError("[Route] subscribe to route changes", err)
	}
	m.unsub = unsub
	m.state = StateActive
	m.notify()

	core.Log.Infof("Route", "Activated %d routes (%d failed)", len(report.Installed), len(report.Failed))
	return report, report.Err()
}

// Deactivate removes every route the manager installed and restores
// superseded entries. It continues past failures and returns them joined.
// Calling it on an inactive manager does nothing.
func (m *Manager) Deactivate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateActive {
		return nil
	}

	var errs []error
	if m.unsub != nil {
		if err := m.unsub(); err != nil {
			errs = append(errs, core.OsError("[Route] unsubscribe", err))
		}
		m.unsub = nil
	}
	m.run(func() {
		if err := m.teardown(); err != nil {
			errs = append(errs, err)
		}
	})
	m.stopWorker()
	m.state = StateSpent

	if err := errors.Join(errs...); err != nil {
		core.Log.Warnf("Route", "Deactivated with errors: %v", err)
		return err
	}
	core.Log.Infof("Route", "Deactivated")
	return nil
}

// Status returns a snapshot of the desired routes, or nil when inactive.
func (m *Manager) Status() []RouteStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return nil
	}

	var out []RouteStatus
	m.run(func() {
		out = make([]RouteStatus, 0, len(m.desired))
		for _, d := range m.desired {
			st := RouteStatus{Route: d.route, Shared: d.shared, LastError: d.lastErr}
			if d.installed() {
				e := *d.entry
				st.Entry = &e
			}
			for _, s := range d.superseded {
				st.Superseded = append(st.Superseded, s.entry)
			}
			out = append(out, st)
		}
	})
	return out
}

// notify requests a reconciliation pass. Requests arriving while one is
// pending are coalesced. Safe to call from any goroutine.
func (m *Manager) notify() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) worker() {
	defer close(m.stopped)
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.kick:
			m.reconcile()
		case <-m.done:
			return
		}
	}
}

// run executes op on the worker and waits for it.
func (m *Manager) run(op func()) {
	finished := make(chan struct{})
	m.ops <- func() {
		defer close(finished)
		op()
	}
	<-finished
}

func (m *Manager) stopWorker() {
	close(m.done)
	<-m.stopped
}

// install resolves and installs one route, superseding conflicting
// entries. On failure no entry added by this call remains and every
// demotion made by this call is undone.
func (m *Manager) install(d *desiredRoute) error {
	if d.entry == nil {
		e, err := m.table.Resolve(d.route)
		if err != nil {
			m.opts.Metrics.RouteError("resolve")
			return fmt.Errorf("resolve: %w", err)
		}
		d.entry = &e
	}

	entries, err := m.table.Entries(d.route.Network)
	if err != nil {
		m.opts.Metrics.RouteError("list")
		return core.OsError("list entries", err)
	}

	present := false
	var demoted []superseded
	for _, e := range entries {
		if e.Same(*d.entry) {
			present = true
			continue
		}
		s, changed, err := m.supersede(d, e)
		if err != nil {
			m.restore(demoted)
			return err
		}
		if changed {
			demoted = append(demoted, s)
		}
	}

	if present {
		// An entry we added earlier and that is still there is ours;
		// anything else identical predates us.
		if !d.owned {
			d.shared = true
		}
	} else {
		if err := m.table.Add(*d.entry); err != nil {
			m.opts.Metrics.RouteError("add")
			m.restore(demoted)
			return core.OsError("add "+d.entry.String(), err)
		}
		d.owned = true
		d.shared = false
	}
	d.superseded = append(d.superseded, demoted...)
	d.lastErr = nil
	return nil
}

// supersede demotes a conflicting entry unless it is already demoted.
func (m *Manager) supersede(d *desiredRoute, e Entry) (superseded, bool, error) {
	for i, s := range d.superseded {
		if !s.entry.Same(e) {
			continue
		}
		if e.Metric == m.opts.SupersededMetric {
			return superseded{}, false, nil
		}
		// Someone restored it behind our back; demote again but keep
		// the original metric we saved first.
		if err := m.table.SetMetric(e, m.opts.SupersededMetric); err != nil {
			m.opts.Metrics.RouteError("set_metric")
			return superseded{}, false, core.OsError("demote "+e.String(), err)
		}
		d.superseded[i].entry.Metric = m.opts.SupersededMetric
		return superseded{}, false, nil
	}

	conflict := &core.ConflictError{Network: e.Network.String(), Owner: e.String()}
	core.Log.Infof("Route", "Superseding %v", conflict)
	if e.Metric == m.opts.SupersededMetric {
		return superseded{entry: e, original: e.Metric}, true, nil
	}
	if err := m.table.SetMetric(e, m.opts.SupersededMetric); err != nil {
		m.opts.Metrics.RouteError("set_metric")
		return superseded{}, false, core.OsError("demote "+e.String(), fmt.Errorf("%v: %w", conflict, err))
	}
	demoted := e
	demoted.Metric = m.opts.SupersededMetric
	return superseded{entry: demoted, original: e.Metric}, true, nil
}

// restore puts demoted entries back to their original metric, logging
// failures. Entries that vanished meanwhile are ignored.
func (m *Manager) restore(list []superseded) error {
	var errs []error
	for _, s := range list {
		if s.original == s.entry.Metric {
			continue
		}
		if err := m.table.SetMetric(s.entry, s.original); err != nil && !errors.Is(err, ErrEntryNotFound) {
			m.opts.Metrics.RouteError("set_metric")
			core.Log.Warnf("Route", "Restore metric of %s: %v", s.entry, err)
			errs = append(errs, core.OsError("restore "+s.entry.String(), err))
		}
	}
	return errors.Join(errs...)
}

// reconcile repairs the table after a change notification. Failures are
// logged and retried on the next notification.
func (m *Manager) reconcile() {
	reinstalled := 0
	for _, d := range m.desired {
		again, err := m.repair(d)
		if err != nil {
			d.lastErr = err
			core.Log.Warnf("Route", "Reconcile %s: %v", d.route, err)
			continue
		}
		if again {
			reinstalled++
		}
	}
	m.opts.Metrics.Reconciled(reinstalled)
	m.publish()
}

// repair checks one desired route against the table and reports whether
// it had to be reinstalled after an external removal.
func (m *Manager) repair(d *desiredRoute) (bool, error) {
	if d.entry == nil {
		return false, m.install(d)
	}

	entries, err := m.table.Entries(d.route.Network)
	if err != nil {
		m.opts.Metrics.RouteError("list")
		return false, core.OsError("list entries", err)
	}

	// Forget demoted entries that were removed by their owner.
	kept := d.superseded[:0]
	for _, s := range d.superseded {
		if containsSame(entries, s.entry) {
			kept = append(kept, s)
		} else {
			core.Log.Debugf("Route", "Superseded entry %s is gone", s.entry)
		}
	}
	d.superseded = kept

	removed := d.installed() && !containsSame(entries, *d.entry)
	if removed {
		core.Log.Infof("Route", "Route %s was removed externally, reinstalling", d.route)
		d.owned = false
		d.shared = false
	}
	return removed, m.install(d)
}

func containsSame(entries []Entry, e Entry) bool {
	for _, x := range entries {
		if x.Same(e) {
			return true
		}
	}
	return false
}

// teardown deletes owned entries and restores superseded ones.
func (m *Manager) teardown() error {
	var errs []error
	for _, d := range m.desired {
		if d.owned && d.entry != nil {
			if err := m.table.Delete(*d.entry); err != nil && !errors.Is(err, ErrEntryNotFound) {
				m.opts.Metrics.RouteError("delete")
				errs = append(errs, core.OsError("delete "+d.entry.String(), err))
			}
		}
		if err := m.restore(d.superseded); err != nil {
			errs = append(errs, err)
		}
		d.owned, d.shared, d.superseded = false, false, nil
	}
	m.desired = nil
	m.publish()
	return errors.Join(errs...)
}

func (m *Manager) publish() {
	installed, demoted := 0, 0
	for _, d := range m.desired {
		if d.installed() {
			installed++
		}
		demoted += len(d.superseded)
	}
	m.opts.Metrics.RouteSet(len(m.desired), installed, demoted)
}

package routing

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netguard/internal/core"
	"netguard/internal/metrics"
	"netguard/internal/netmodel"
)

const (
	tunnelIf  = 10
	physIf    = 2
	otherIf   = 7
	tunnelDev = "wg-tunnel"
)

var physGateway = netip.MustParseAddr("192.168.1.1")

// fakeTable is an in-memory routing table.
type fakeTable struct {
	mu            sync.Mutex
	entries       []Entry
	calls         int
	subscriber    func()
	failSubscribe bool
	failAdd       map[string]error
	failDelete    error
	deletes       int
}

func newFakeTable(initial ...Entry) *fakeTable {
	return &fakeTable{entries: append([]Entry(nil), initial...), failAdd: map[string]error{}}
}

func (t *fakeTable) Resolve(r netmodel.Route) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	e := Entry{Network: r.Network}
	switch {
	case r.Node == nil:
		e.InterfaceID, e.NextHop = physIf, physGateway
	default:
		if dev, ok := r.Node.Device(); ok {
			if dev != tunnelDev {
				return Entry{}, fmt.Errorf("no interface %q", dev)
			}
			e.InterfaceID = tunnelIf
		} else {
			gw, _ := r.Node.Gateway()
			e.InterfaceID, e.NextHop = physIf, gw.Addr()
		}
	}
	return e, nil
}

func (t *fakeTable) Entries(n netmodel.Network) ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	var out []Entry
	for _, e := range t.entries {
		if e.Network.Equal(n) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *fakeTable) Add(e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if err := t.failAdd[e.Network.String()]; err != nil {
		return err
	}
	for _, x := range t.entries {
		if x.Same(e) {
			return errors.New("object already exists")
		}
	}
	t.entries = append(t.entries, e)
	return nil
}

func (t *fakeTable) Delete(e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	t.deletes++
	if t.failDelete != nil {
		return t.failDelete
	}
	for i, x := range t.entries {
		if x.Same(e) {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return nil
		}
	}
	return ErrEntryNotFound
}

func (t *fakeTable) SetMetric(e Entry, metric uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	for i, x := range t.entries {
		if x.Same(e) {
			t.entries[i].Metric = metric
			return nil
		}
	}
	return ErrEntryNotFound
}

func (t *fakeTable) Subscribe(fn func()) (func() error, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.failSubscribe {
		return nil, errors.New("notification registration failed")
	}
	t.subscriber = fn
	return func() error {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.subscriber = nil
		return nil
	}, nil
}

// external mutates the table as another process would and fires the
// change notification.
func (t *fakeTable) external(mutate func(entries []Entry) []Entry) {
	t.mu.Lock()
	t.entries = mutate(t.entries)
	fn := t.subscriber
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *fakeTable) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.String())
	}
	sort.Strings(out)
	return out
}

func (t *fakeTable) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func (t *fakeTable) has(e Entry) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, x := range t.entries {
		if x.Same(e) {
			return x, true
		}
	}
	return Entry{}, false
}

func devRoute(cidr string) netmodel.Route {
	n := netmodel.ByDevice(tunnelDev)
	return netmodel.Route{Network: netmodel.MustParseNetwork(cidr), Node: &n}
}

func tunnelEntry(cidr string) Entry {
	return Entry{Network: netmodel.MustParseNetwork(cidr), InterfaceID: tunnelIf}
}

func foreignDefault() Entry {
	return Entry{Network: netmodel.MustParseNetwork("0.0.0.0/0"), InterfaceID: physIf, NextHop: physGateway, Metric: 25}
}

func TestActivateDeactivateRestoresTable(t *testing.T) {
	other := Entry{Network: netmodel.MustParseNetwork("0.0.0.0/0"), InterfaceID: otherIf, NextHop: netip.MustParseAddr("10.9.0.1"), Metric: 5}
	table := newFakeTable(foreignDefault(), other)
	before := table.snapshot()

	m := NewManager(table, Options{})
	report, err := m.Activate([]netmodel.Route{
		devRoute("0.0.0.0/0"),
		devRoute("10.64.0.1/32"),
		{Network: netmodel.MustParseNetwork("198.51.100.7/32")},
	})
	require.NoError(t, err)
	assert.Len(t, report.Installed, 3)
	assert.Empty(t, report.Failed)
	assert.Equal(t, StateActive, m.State())

	_, ok := table.has(tunnelEntry("0.0.0.0/0"))
	assert.True(t, ok)
	demoted, _ := table.has(foreignDefault())
	assert.Equal(t, uint32(DefaultSupersededMetric), demoted.Metric)
	demoted, _ = table.has(other)
	assert.Equal(t, uint32(DefaultSupersededMetric), demoted.Metric)

	require.NoError(t, m.Deactivate())
	assert.Equal(t, before, table.snapshot())
	assert.Equal(t, StateSpent, m.State())
}

func TestActivateRejectsDuplicateNetworksWithoutOSCalls(t *testing.T) {
	table := newFakeTable()
	m := NewManager(table, Options{})

	_, err := m.Activate([]netmodel.Route{
		devRoute("10.0.0.0/8"),
		{Network: netmodel.MustParseNetwork("10.1.0.0/8")},
	})
	require.Error(t, err)
	assert.True(t, core.IsConfiguration(err))
	assert.Zero(t, table.callCount())
	assert.Equal(t, StateIdle, m.State())
}

func TestActivateTwiceFails(t *testing.T) {
	table := newFakeTable()
	m := NewManager(table, Options{})
	_, err := m.Activate([]netmodel.Route{devRoute("10.0.0.0/8")})
	require.NoError(t, err)
	before := table.snapshot()

	_, err = m.Activate([]netmodel.Route{devRoute("172.16.0.0/12")})
	require.Error(t, err)
	assert.True(t, core.IsAlreadyActive(err))
	assert.Equal(t, before, table.snapshot())
	require.Len(t, m.Status(), 1)

	require.NoError(t, m.Deactivate())
	_, err = m.Activate([]netmodel.Route{devRoute("10.0.0.0/8")})
	assert.ErrorIs(t, err, ErrManagerSpent)
}

func TestDeactivateIdleIsNoop(t *testing.T) {
	table := newFakeTable()
	m := NewManager(table, Options{})
	require.NoError(t, m.Deactivate())
	require.NoError(t, m.Deactivate())
	assert.Zero(t, table.callCount())
}

func TestPartialFailureContinuesBatch(t *testing.T) {
	table := newFakeTable()
	table.failAdd["10.0.0.0/8"] = errors.New("access denied")
	m := NewManager(table, Options{})

	unknown := netmodel.ByDevice("no-such-if")
	report, err := m.Activate([]netmodel.Route{
		devRoute("10.0.0.0/8"),
		{Network: netmodel.MustParseNetwork("172.16.0.0/12"), Node: &unknown},
		devRoute("192.168.0.0/16"),
	})
	require.Error(t, err)
	require.Len(t, report.Failed, 2)
	require.Len(t, report.Installed, 1)
	assert.Equal(t, "192.168.0.0/16 dev wg-tunnel", report.Installed[0].String())
	assert.Contains(t, err.Error(), "access denied")
	assert.Contains(t, err.Error(), "no-such-if")

	require.NoError(t, m.Deactivate())
	assert.Empty(t, table.snapshot())
}

func TestFailedRouteIsRetriedOnNotification(t *testing.T) {
	table := newFakeTable()
	table.failAdd["10.0.0.0/8"] = errors.New("transient")
	m := NewManager(table, Options{})
	_, err := m.Activate([]netmodel.Route{devRoute("10.0.0.0/8")})
	require.Error(t, err)

	table.external(func(entries []Entry) []Entry {
		delete(table.failAdd, "10.0.0.0/8")
		return entries
	})
	require.Eventually(t, func() bool {
		_, ok := table.has(tunnelEntry("10.0.0.0/8"))
		return ok
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Deactivate())
	assert.Empty(t, table.snapshot())
}

func TestExternallyDeletedRouteIsReinstalled(t *testing.T) {
	table := newFakeTable()
	mtr := metrics.New()
	m := NewManager(table, Options{Metrics: mtr})
	_, err := m.Activate([]netmodel.Route{devRoute("10.0.0.0/8"), devRoute("172.16.0.0/12")})
	require.NoError(t, err)

	target := tunnelEntry("10.0.0.0/8")
	table.external(func(entries []Entry) []Entry {
		for i, e := range entries {
			if e.Same(target) {
				return append(entries[:i], entries[i+1:]...)
			}
		}
		return entries
	})

	require.Eventually(t, func() bool {
		_, ok := table.has(target)
		return ok
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(mtr.RouteReinstalls) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Deactivate())
	assert.Empty(t, table.snapshot())
}

func TestNewConflictIsSupersededAndRestored(t *testing.T) {
	table := newFakeTable()
	m := NewManager(table, Options{SupersededMetric: 5000})
	_, err := m.Activate([]netmodel.Route{devRoute("0.0.0.0/0")})
	require.NoError(t, err)

	intruder := Entry{Network: netmodel.MustParseNetwork("0.0.0.0/0"), InterfaceID: otherIf, NextHop: netip.MustParseAddr("10.9.0.1"), Metric: 1}
	table.external(func(entries []Entry) []Entry { return append(entries, intruder) })

	require.Eventually(t, func() bool {
		e, ok := table.has(intruder)
		return ok && e.Metric == 5000
	}, time.Second, 5*time.Millisecond)

	status := m.Status()
	require.Len(t, status, 1)
	require.Len(t, status[0].Superseded, 1)

	require.NoError(t, m.Deactivate())
	e, ok := table.has(intruder)
	require.True(t, ok)
	assert.Equal(t, uint32(1), e.Metric)
	_, ok = table.has(tunnelEntry("0.0.0.0/0"))
	assert.False(t, ok)
}

func TestSharedEntryIsNotDeleted(t *testing.T) {
	existing := tunnelEntry("10.0.0.0/8")
	table := newFakeTable(existing)
	m := NewManager(table, Options{})
	_, err := m.Activate([]netmodel.Route{devRoute("10.0.0.0/8")})
	require.NoError(t, err)

	status := m.Status()
	require.Len(t, status, 1)
	assert.True(t, status[0].Shared)

	require.NoError(t, m.Deactivate())
	_, ok := table.has(existing)
	assert.True(t, ok)
}

func TestSubscribeFailureRollsBack(t *testing.T) {
	table := newFakeTable(foreignDefault())
	before := table.snapshot()
	table.failSubscribe = true

	m := NewManager(table, Options{})
	_, err := m.Activate([]netmodel.Route{devRoute("0.0.0.0/0"), devRoute("10.0.0.0/8")})
	require.Error(t, err)
	var osErr *core.OsOperationError
	assert.True(t, errors.As(err, &osErr))
	assert.Equal(t, before, table.snapshot())
	assert.Equal(t, StateSpent, m.State())
	require.NoError(t, m.Deactivate())
}

func TestDeactivateAggregatesErrors(t *testing.T) {
	table := newFakeTable()
	m := NewManager(table, Options{})
	_, err := m.Activate([]netmodel.Route{devRoute("10.0.0.0/8"), devRoute("172.16.0.0/12")})
	require.NoError(t, err)

	table.mu.Lock()
	table.failDelete = errors.New("device busy")
	table.mu.Unlock()

	err = m.Deactivate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
	table.mu.Lock()
	defer table.mu.Unlock()
	assert.Equal(t, 2, table.deletes, "every entry must be attempted")
}

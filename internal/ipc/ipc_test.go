package ipc

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"netguard/internal/boundary"
	"netguard/internal/core"
	"netguard/internal/firewall"
	"netguard/internal/netmodel"
	"netguard/internal/routing"
)

type nullTable struct {
	mu      sync.Mutex
	entries []routing.Entry
}

func (t *nullTable) Resolve(r netmodel.Route) (routing.Entry, error) {
	if r.Node != nil {
		if dev, ok := r.Node.Device(); ok && dev != "wg0" {
			return routing.Entry{}, errors.New("interface not found")
		}
	}
	return routing.Entry{Network: r.Network, InterfaceID: 10}, nil
}

func (t *nullTable) Entries(n netmodel.Network) ([]routing.Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []routing.Entry
	for _, e := range t.entries {
		if e.Network.Equal(n) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *nullTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *nullTable) Add(e routing.Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, e)
	return nil
}

func (t *nullTable) Delete(e routing.Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, x := range t.entries {
		if x.Same(e) {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return nil
		}
	}
	return routing.ErrEntryNotFound
}

func (t *nullTable) SetMetric(routing.Entry, uint32) error { return nil }

func (t *nullTable) Subscribe(func()) (func() error, error) {
	return func() error { return nil }, nil
}

type flipSource struct {
	mu        sync.Mutex
	connected bool
	fn        func()
}

func (s *flipSource) Connectivity() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected, nil
}

func (s *flipSource) Subscribe(fn func()) (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
	return func() error { return nil }, nil
}

func (s *flipSource) set(c bool) {
	s.mu.Lock()
	s.connected = c
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type nopEngine struct{}
type nopTx struct{}

func (nopEngine) Begin() (firewall.Transaction, error) { return nopTx{}, nil }
func (nopEngine) Close() error                         { return nil }
func (nopTx) AddFilter(firewall.Filter) error          { return nil }
func (nopTx) Commit() error                            { return nil }
func (nopTx) Abort() error                             { return nil }

type env struct {
	client *Client
	table  *nullTable
	src    *flipSource
}

func setup(t *testing.T) *env {
	t.Helper()
	e := &env{table: &nullTable{}, src: &flipSource{connected: true}}
	b := boundary.New(boundary.Deps{
		NewRouteTable: func() (routing.Table, error) { return e.table, nil },
		Connectivity:  e.src,
		NewFirewall:   func() (firewall.Engine, error) { return nopEngine{}, nil },
	})

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(NewService(b, 53))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		srv.ForceStop()
		b.Shutdown()
	})

	c, err := DialWith(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	e.client = c
	return e
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestActivateAndDeactivateRoutes(t *testing.T) {
	e := setup(t)
	dev := netmodel.ByDevice("wg0")
	req, err := RoutesToStruct([]netmodel.Route{
		{Network: netmodel.MustParseNetwork("10.0.0.0/8"), Node: &dev},
	})
	require.NoError(t, err)

	_, err = e.client.Control.ActivateRoutes(ctx(t), req)
	require.NoError(t, err)
	assert.Equal(t, 1, e.table.count())

	_, err = e.client.Control.ActivateRoutes(ctx(t), req)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	st, err := e.client.Control.GetStatus(ctx(t))
	require.NoError(t, err)
	assert.True(t, st.GetFields()["routes_active"].GetBoolValue())
	assert.Len(t, st.GetFields()["routes"].GetListValue().GetValues(), 1)

	_, err = e.client.Control.DeactivateRoutes(ctx(t))
	require.NoError(t, err)
	assert.Zero(t, e.table.count())
}

func TestActivateRoutesFailures(t *testing.T) {
	e := setup(t)
	bad, err := RoutesToStruct([]netmodel.Route{{Network: netmodel.MustParseNetwork("10.0.0.0/8")}})
	require.NoError(t, err)
	bad.Fields["routes"].GetListValue().Values[0].GetStructValue().Fields["network"] = structpb.NewStringValue("10.0.0.0/40")
	_, err = e.client.Control.ActivateRoutes(ctx(t), bad)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	dev := netmodel.ByDevice("eth9")
	req, err := RoutesToStruct([]netmodel.Route{{Network: netmodel.MustParseNetwork("10.0.0.0/8"), Node: &dev}})
	require.NoError(t, err)
	_, err = e.client.Control.ActivateRoutes(ctx(t), req)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "interface not found")
}

func TestRestrictDNSRoundTrip(t *testing.T) {
	e := setup(t)
	v6 := netmodel.MustParseAddr("fd00::1")
	rule := firewall.RestrictDNS{
		TunnelAlias: "wg0",
		V4DNS:       netmodel.MustParseAddr("10.64.0.1"),
		V6DNS:       &v6,
		RelayPort:   5353,
	}
	req, err := RestrictDNSToStruct(rule)
	require.NoError(t, err)

	back, err := RestrictDNSFromStruct(req, 53)
	require.NoError(t, err)
	assert.Equal(t, rule.String(), back.String())

	_, err = e.client.Control.ApplyRestrictDns(ctx(t), req)
	require.NoError(t, err)
	_, err = e.client.Control.ResetFirewall(ctx(t))
	require.NoError(t, err)

	delete(req.Fields, "v4_dns")
	_, err = e.client.Control.ApplyRestrictDns(ctx(t), req)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestConnectivityCalls(t *testing.T) {
	e := setup(t)
	v, err := e.client.Control.CheckConnectivity(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, int32(boundary.Connected), v.GetValue())

	cur, err := e.client.Control.ActivateConnectivityMonitor(ctx(t))
	require.NoError(t, err)
	assert.True(t, cur.GetValue())

	w, err := e.client.Control.WatchConnectivity(ctx(t))
	require.NoError(t, err)
	first, err := w.Recv()
	require.NoError(t, err)
	assert.True(t, first)

	e.src.set(false)
	next, err := w.Recv()
	require.NoError(t, err)
	assert.False(t, next)

	_, err = e.client.Control.DeactivateConnectivityMonitor(ctx(t))
	require.NoError(t, err)
}

func TestConnTrackerIdle(t *testing.T) {
	idle := make(chan struct{}, 1)
	ct := NewConnTracker(20*time.Millisecond, func() { idle <- struct{}{} })

	handler := func(ctx context.Context, req any) (any, error) { return nil, nil }
	_, err := ct.UnaryInterceptor()(context.Background(), nil, &grpc.UnaryServerInfo{}, handler)
	require.NoError(t, err)
	assert.Zero(t, ct.ActiveCount())

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle callback not called")
	}

	ct.Arm()
	ct.CancelIdle()
	select {
	case <-idle:
		t.Fatal("idle callback after cancel")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestRoutesFromStructRejectsBothNodes(t *testing.T) {
	s, err := RoutesToStruct([]netmodel.Route{{Network: netmodel.MustParseNetwork("10.0.0.0/8")}})
	require.NoError(t, err)
	fields := s.Fields["routes"].GetListValue().Values[0].GetStructValue().Fields
	dev := netmodel.ByDevice("wg0")
	withDev, _ := RoutesToStruct([]netmodel.Route{{Network: netmodel.MustParseNetwork("10.0.0.0/8"), Node: &dev}})
	fields["device"] = withDev.Fields["routes"].GetListValue().Values[0].GetStructValue().Fields["device"]
	gw := netmodel.ByGateway(netmodel.MustParseAddr("192.168.1.1"))
	withGw, _ := RoutesToStruct([]netmodel.Route{{Network: netmodel.MustParseNetwork("10.0.0.0/8"), Node: &gw}})
	fields["gateway"] = withGw.Fields["routes"].GetListValue().Values[0].GetStructValue().Fields["gateway"]

	_, err = RoutesFromStruct(s)
	assert.Error(t, err)

	wire, err := RoutesFromStruct(withGw)
	require.NoError(t, err)
	routes, err := netmodel.RoutesFromWire(wire)
	require.NoError(t, err)
	got, ok := routes[0].Node.Gateway()
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("192.168.1.1"), got.Addr())
}

func TestCollectorDropsMessagesAfterFinish(t *testing.T) {
	c := &collector{}
	c.sink(core.LevelWarn, "Firewall", "first")
	c.finish()
	c.sink(core.LevelWarn, "Firewall", "late")
	assert.Equal(t, "first", status.Convert(c.err(codes.FailedPrecondition)).Message())

	empty := &collector{}
	empty.finish()
	assert.Equal(t, "operation failed", status.Convert(empty.err(codes.Internal)).Message())
}

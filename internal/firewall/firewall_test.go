package firewall

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netguard/internal/core"
	"netguard/internal/netmodel"
)

type fakeEngine struct {
	committed [][]Filter
	active    []Filter
	failAt    int // fail the Nth AddFilter (1-based) of a transaction, 0 = never
	aborts    int
	closed    bool
}

type fakeTx struct {
	e       *fakeEngine
	pending []Filter
	done    bool
}

func (e *fakeEngine) Begin() (Transaction, error) { return &fakeTx{e: e}, nil }
func (e *fakeEngine) Close() error                { e.closed = true; return nil }

func (t *fakeTx) AddFilter(f Filter) error {
	if t.e.failAt != 0 && len(t.pending)+1 == t.e.failAt {
		return errors.New("engine rejected filter")
	}
	t.pending = append(t.pending, f)
	return nil
}

func (t *fakeTx) Commit() error {
	t.done = true
	t.e.active = t.pending
	t.e.committed = append(t.e.committed, t.pending)
	return nil
}

func (t *fakeTx) Abort() error {
	t.done = true
	t.pending = nil
	t.e.aborts++
	return nil
}

type recorder struct{ filters []Filter }

func (r *recorder) AddFilter(f Filter) error {
	r.filters = append(r.filters, f)
	return nil
}

func testRule(withV6 bool) RestrictDNS {
	r := RestrictDNS{
		TunnelAlias: "wg-tunnel",
		V4DNS:       netmodel.MustParseAddr("10.64.0.1"),
		RelayPort:   53,
	}
	if withV6 {
		v6 := netmodel.MustParseAddr("fc00:bbbb:bbbb:bb01::1")
		r.V6DNS = &v6
	}
	return r
}

func TestRestrictDNSPermitsOnlyConfiguredEndpoints(t *testing.T) {
	for _, withV6 := range []bool{false, true} {
		r := testRule(withV6)
		filters, err := Filters(r)
		require.NoError(t, err)

		allowed := map[netip.Prefix]bool{
			netip.MustParsePrefix("10.64.0.1/32"): true,
			netip.MustParsePrefix("127.0.0.1/32"): true,
		}
		if withV6 {
			allowed[netip.MustParsePrefix("fc00:bbbb:bbbb:bb01::1/128")] = true
		}

		permits := 0
		for _, f := range filters {
			if f.Action != ActionPermit {
				continue
			}
			permits++
			require.True(t, f.RemoteAddr.IsValid(), "permit %s has no address condition", f.Name)
			assert.True(t, allowed[f.RemoteAddr], "permit %s targets %s", f.Name, f.RemoteAddr)
			assert.Equal(t, WeightPermit, f.Weight)
		}
		if withV6 {
			assert.Equal(t, 3, permits)
		} else {
			assert.Equal(t, 2, permits)
		}
	}
}

func TestRestrictDNSBlocksOutsideTunnel(t *testing.T) {
	filters, err := Filters(testRule(false))
	require.NoError(t, err)

	var blockV4, blockV6 bool
	for _, f := range filters {
		if f.Action != ActionBlock {
			continue
		}
		assert.Equal(t, WeightBlock, f.Weight)
		assert.Equal(t, DNSPort, f.RemotePort)
		if f.Interface != nil && f.Interface.Negate && f.Interface.Alias == "wg-tunnel" {
			switch f.Layer {
			case LayerConnectV4:
				blockV4 = true
			case LayerConnectV6:
				blockV6 = true
			}
		}
	}
	assert.True(t, blockV4, "no v4 block outside the tunnel")
	assert.True(t, blockV6, "no v6 block outside the tunnel")
}

func TestRestrictDNSPermitsOutrankBlocks(t *testing.T) {
	assert.Greater(t, WeightPermit, WeightBlock)
	assert.Greater(t, WeightValue(WeightPermit), WeightValue(WeightBlock))
}

func TestRestrictDNSRelayEndpoint(t *testing.T) {
	r := testRule(false)
	r.RelayPort = 5353
	filters, err := Filters(r)
	require.NoError(t, err)

	var found bool
	for _, f := range filters {
		if f.Name == "permit-dns-relay" {
			found = true
			assert.Equal(t, uint16(5353), f.RemotePort)
			assert.True(t, f.RemoteAddr.Addr().IsLoopback())
			assert.Nil(t, f.Interface)
		}
	}
	assert.True(t, found)
}

func TestRestrictDNSValidation(t *testing.T) {
	r := testRule(false)
	r.TunnelAlias = ""
	_, err := Filters(r)
	assert.Error(t, err)

	r = testRule(false)
	r.V4DNS = netmodel.MustParseAddr("2001:db8::1")
	_, err = Filters(r)
	assert.Error(t, err)

	r = testRule(false)
	wrong := netmodel.MustParseAddr("192.0.2.1")
	r.V6DNS = &wrong
	_, err = Filters(r)
	assert.Error(t, err)

	err = Apply(r, &recorder{})
	assert.True(t, core.IsConfiguration(err))
}

func TestApplySubmitsEveryFilter(t *testing.T) {
	rec := &recorder{}
	require.NoError(t, Apply(testRule(true), rec))
	want, _ := Filters(testRule(true))
	assert.Equal(t, want, rec.filters)
}

func TestPolicyAbortsOnFailure(t *testing.T) {
	e := &fakeEngine{}
	p := NewPolicy(e)
	require.NoError(t, p.Apply(testRule(false)))
	before := e.active

	e.failAt = 3
	err := p.Apply(testRule(true))
	require.Error(t, err)
	assert.Equal(t, 1, e.aborts)
	assert.Equal(t, before, e.active, "failed apply must keep the previous filters")
	assert.Equal(t, testRule(false), p.Current())
}

func TestPolicyResetAndClose(t *testing.T) {
	e := &fakeEngine{}
	p := NewPolicy(e)

	require.NoError(t, p.Reset())
	assert.Empty(t, e.committed, "reset without a rule must not touch the engine")

	require.NoError(t, p.Apply(testRule(false)))
	require.NoError(t, p.Close())
	assert.Empty(t, e.active)
	assert.Nil(t, p.Current())
	assert.True(t, e.closed)
}

//go:build linux

package linux

import (
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"netguard/internal/firewall"
	"netguard/internal/netmodel"
	"netguard/internal/routing"
)

// fakeIPT models chains as ordered rule lists.
type fakeIPT struct {
	mu     sync.Mutex
	chains map[string][]string
}

func newFakeIPT() *fakeIPT {
	return &fakeIPT{chains: map[string][]string{outputChain: nil}}
}

func (f *fakeIPT) ClearChain(_, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chains[chain] = nil
	return nil
}

func (f *fakeIPT) Insert(_, chain string, pos int, spec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules := f.chains[chain]
	rule := strings.Join(spec, " ")
	f.chains[chain] = append(rules[:pos-1:pos-1], append([]string{rule}, rules[pos-1:]...)...)
	return nil
}

func (f *fakeIPT) InsertUnique(table, chain string, pos int, spec ...string) error {
	if f.has(chain, spec) {
		return nil
	}
	return f.Insert(table, chain, pos, spec...)
}

func (f *fakeIPT) Append(_, chain string, spec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chains[chain] = append(f.chains[chain], strings.Join(spec, " "))
	return nil
}

func (f *fakeIPT) DeleteIfExists(_, chain string, spec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule := strings.Join(spec, " ")
	rules := f.chains[chain]
	for i, r := range rules {
		if r == rule {
			f.chains[chain] = append(rules[:i], rules[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeIPT) ClearAndDeleteChain(_, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.chains, chain)
	return nil
}

func (f *fakeIPT) ChainExists(_, chain string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.chains[chain]
	return ok, nil
}

func (f *fakeIPT) has(chain string, spec []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule := strings.Join(spec, " ")
	for _, r := range f.chains[chain] {
		if r == rule {
			return true
		}
	}
	return false
}

func (f *fakeIPT) rules(chain string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.chains[chain]...)
}

func restrictDNS() firewall.RestrictDNS {
	return firewall.RestrictDNS{
		TunnelAlias: "wg0",
		V4DNS:       netmodel.MustParseAddr("10.64.0.1"),
		RelayPort:   53,
	}
}

func TestIPTablesPermitsPrecedeBlocks(t *testing.T) {
	v4, v6 := newFakeIPT(), newFakeIPT()
	p := firewall.NewPolicy(newEngineWith(v4, v6))
	require.NoError(t, p.Apply(restrictDNS()))

	assert.Equal(t, []string{"-j " + chainA}, v4.rules(outputChain))
	rules := v4.rules(chainA)
	require.NotEmpty(t, rules)
	seenBlock := false
	for _, r := range rules {
		if strings.HasSuffix(r, "DROP") {
			seenBlock = true
			continue
		}
		assert.False(t, seenBlock, "permit after block: %s", r)
	}
	assert.Contains(t, rules, "-p udp -o wg0 -d 10.64.0.1/32 --dport 53 -m comment --comment netguard permit-tunnel-dns-v4 -j RETURN")
	assert.Contains(t, rules, "-p tcp ! -o wg0 --dport 53 -m comment --comment netguard block-dns-v4 -j DROP")

	// v6 still blocks without a v6 host.
	assert.Equal(t, []string{"-j " + chainA}, v6.rules(outputChain))
	assert.Len(t, v6.rules(chainA), 4)
}

func TestIPTablesReapplySwapsChains(t *testing.T) {
	v4 := newFakeIPT()
	p := firewall.NewPolicy(newEngineWith(v4, nil))
	require.NoError(t, p.Apply(restrictDNS()))

	next := restrictDNS()
	next.V4DNS = netmodel.MustParseAddr("10.64.0.2")
	require.NoError(t, p.Apply(next))

	assert.Equal(t, []string{"-j " + chainB}, v4.rules(outputChain))
	assert.Empty(t, v4.rules(chainA))
	assert.Contains(t, strings.Join(v4.rules(chainB), "\n"), "10.64.0.2/32")

	require.NoError(t, p.Reset())
	assert.Empty(t, v4.rules(outputChain))

	require.NoError(t, p.Close())
	ok, _ := v4.ChainExists(table, chainA)
	assert.False(t, ok)
}

func TestIPTablesAbortLeavesCommittedChain(t *testing.T) {
	v4 := newFakeIPT()
	e := newEngineWith(v4, nil)
	p := firewall.NewPolicy(e)
	require.NoError(t, p.Apply(restrictDNS()))
	before := v4.rules(chainA)

	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.AddFilter(firewall.Filter{Name: "x", Action: firewall.ActionBlock, Weight: firewall.WeightBlock}))
	require.NoError(t, tx.Abort())

	assert.Empty(t, v4.rules(chainB))
	assert.Equal(t, before, v4.rules(chainA))
	assert.Equal(t, []string{"-j " + chainA}, v4.rules(outputChain))
}

func TestRuleSpecsWithoutPort(t *testing.T) {
	specs := ruleSpecs(firewall.Filter{
		Name:       "permit-dns-relay",
		Action:     firewall.ActionPermit,
		RemoteAddr: netip.MustParsePrefix("127.0.0.1/32"),
	})
	require.Len(t, specs, 1)
	assert.Equal(t, "-d 127.0.0.1/32 -m comment --comment netguard permit-dns-relay -j RETURN", strings.Join(specs[0], " "))
}

func TestBestRoutePrefersUpThenMetric(t *testing.T) {
	routes := []netlink.Route{
		{LinkIndex: 1, Priority: 10},
		{LinkIndex: 2, Priority: 600},
		{LinkIndex: 3, Priority: 100},
	}
	up := func(idx int) bool { return idx != 1 }
	best, ok := bestRoute(routes, up)
	require.True(t, ok)
	assert.Equal(t, 3, best.LinkIndex)

	_, ok = bestRoute(nil, up)
	assert.False(t, ok)
}

func TestEntryFromRoute(t *testing.T) {
	_, dst, _ := net.ParseCIDR("10.0.0.0/8")
	e, ok := entryFromRoute(netlink.Route{LinkIndex: 4, Dst: dst, Gw: net.ParseIP("192.168.1.1"), Priority: 50}, netmodel.IPv4)
	require.True(t, ok)
	assert.True(t, e.Same(routing.Entry{
		Network:     netmodel.MustParseNetwork("10.0.0.0/8"),
		InterfaceID: 4,
		NextHop:     netip.MustParseAddr("192.168.1.1"),
	}))
	assert.Equal(t, uint32(50), e.Metric)

	def, ok := entryFromRoute(netlink.Route{LinkIndex: 2}, netmodel.IPv6)
	require.True(t, ok)
	assert.True(t, def.Network.IsDefault())
	assert.Equal(t, netmodel.IPv6, def.Network.Family())
	assert.False(t, def.NextHop.IsValid())
}

func TestUsableLink(t *testing.T) {
	up := &netlink.LinkAttrs{Flags: net.FlagUp, OperState: netlink.OperUp}
	assert.True(t, usableLink(up, "device", false))
	assert.False(t, usableLink(up, "wireguard", false))
	assert.True(t, usableLink(up, "wireguard", true))
	assert.False(t, usableLink(&netlink.LinkAttrs{Flags: net.FlagUp | net.FlagLoopback, OperState: netlink.OperUp}, "device", false))
	assert.False(t, usableLink(&netlink.LinkAttrs{OperState: netlink.OperUp}, "device", false))
}

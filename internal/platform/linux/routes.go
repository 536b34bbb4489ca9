//go:build linux

package linux

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"netguard/internal/core"
	"netguard/internal/netmodel"
	"netguard/internal/platform"
	"netguard/internal/routing"
)

func nlFamily(f netmodel.Family) int {
	if f == netmodel.IPv6 {
		return netlink.FAMILY_V6
	}
	return netlink.FAMILY_V4
}

func ipNet(n netmodel.Network) *net.IPNet {
	p := n.Prefix()
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

func addrFromIP(ip net.IP) netip.Addr {
	a, ok := netip.AddrFromSlice(ip)
	if !ok || a.IsUnspecified() {
		return netip.Addr{}
	}
	return a.Unmap()
}

func entryFromRoute(r netlink.Route, f netmodel.Family) (routing.Entry, bool) {
	dst := r.Dst
	if dst == nil {
		dst = &net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)}
		if f == netmodel.IPv6 {
			dst = &net.IPNet{IP: net.IPv6zero, Mask: net.CIDRMask(0, 128)}
		}
	}
	addr, ok := netip.AddrFromSlice(dst.IP)
	if !ok {
		return routing.Entry{}, false
	}
	if f == netmodel.IPv4 {
		addr = addr.Unmap()
	}
	bits, _ := dst.Mask.Size()
	n, err := netmodel.NetworkFrom(netip.PrefixFrom(addr, bits))
	if err != nil {
		return routing.Entry{}, false
	}
	return routing.Entry{
		Network:     n,
		InterfaceID: uint64(r.LinkIndex),
		NextHop:     addrFromIP(r.Gw),
		Metric:      uint32(r.Priority),
	}, true
}

// RouteTable implements routing.Table on the main rtnetlink table.
type RouteTable struct{}

// NewRouteTable returns the main routing table.
func NewRouteTable() *RouteTable {
	return &RouteTable{}
}

func defaultRoutes(f netmodel.Family) ([]netlink.Route, error) {
	routes, err := netlink.RouteListFiltered(nlFamily(f), &netlink.Route{Table: unix.RT_TABLE_MAIN}, netlink.RT_FILTER_DST|netlink.RT_FILTER_TABLE)
	if err != nil {
		return nil, core.OsError("[Route] list default routes", err)
	}
	return routes, nil
}

func linkUp(index int) bool {
	link, err := netlink.LinkByIndex(index)
	if err != nil {
		return false
	}
	return usableLink(link.Attrs(), link.Type(), true)
}

// bestRoute prefers routes on up links, then the lowest metric.
func bestRoute(routes []netlink.Route, up func(index int) bool) (netlink.Route, bool) {
	var best netlink.Route
	found, bestUp := false, false
	for _, r := range routes {
		u := up(r.LinkIndex)
		if !found || (u && !bestUp) || (u == bestUp && r.Priority < best.Priority) {
			best, bestUp, found = r, u, true
		}
	}
	return best, found
}

// Resolve picks the link and next hop for r.
//
//   - no node: the link and gateway of the best default route
//   - device: that link, via its default gateway of the same family or
//     on-link when it has none
//   - gateway: the lowest-metric link with a default route via the
//     gateway, else the link the kernel would use to reach it
func (t *RouteTable) Resolve(r netmodel.Route) (routing.Entry, error) {
	fam := r.Network.Family()
	e := routing.Entry{Network: r.Network}

	defaults, err := defaultRoutes(fam)
	if err != nil {
		return e, err
	}

	if r.Node == nil {
		best, ok := bestRoute(defaults, linkUp)
		if !ok {
			return e, fmt.Errorf("no default %s route", fam)
		}
		e.InterfaceID = uint64(best.LinkIndex)
		e.NextHop = addrFromIP(best.Gw)
		return e, nil
	}

	if alias, ok := r.Node.Device(); ok {
		link, err := netlink.LinkByName(alias)
		if err != nil {
			return e, fmt.Errorf("interface %q not found: %w", alias, err)
		}
		idx := link.Attrs().Index
		e.InterfaceID = uint64(idx)
		var own []netlink.Route
		for _, d := range defaults {
			if d.LinkIndex == idx && d.Gw != nil {
				own = append(own, d)
			}
		}
		if best, ok := bestRoute(own, func(int) bool { return true }); ok {
			e.NextHop = addrFromIP(best.Gw)
		}
		return e, nil
	}

	gw, _ := r.Node.Gateway()
	if gw.Family() != fam {
		return e, core.Configurationf("gateway %s does not match %s", gw, r.Network)
	}
	var via []netlink.Route
	for _, d := range defaults {
		if addrFromIP(d.Gw) == gw.Addr() {
			via = append(via, d)
		}
	}
	best, ok := bestRoute(via, func(int) bool { return true })
	if !ok {
		got, err := netlink.RouteGet(gw.Addr().AsSlice())
		if err != nil || len(got) == 0 || got[0].LinkIndex == 0 {
			return e, fmt.Errorf("no interface has gateway %s", gw)
		}
		best = got[0]
	}
	e.InterfaceID = uint64(best.LinkIndex)
	e.NextHop = gw.Addr()
	return e, nil
}

func (t *RouteTable) list(n netmodel.Network) ([]netlink.Route, error) {
	filter := &netlink.Route{Dst: ipNet(n), Table: unix.RT_TABLE_MAIN}
	routes, err := netlink.RouteListFiltered(nlFamily(n.Family()), filter, netlink.RT_FILTER_DST|netlink.RT_FILTER_TABLE)
	if err != nil {
		return nil, core.OsError(fmt.Sprintf("[Route] list %s", n), err)
	}
	return routes, nil
}

// Entries lists the main-table routes for exactly n.
func (t *RouteTable) Entries(n netmodel.Network) ([]routing.Entry, error) {
	routes, err := t.list(n)
	if err != nil {
		return nil, err
	}
	var out []routing.Entry
	for _, r := range routes {
		if e, ok := entryFromRoute(r, n.Family()); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *RouteTable) find(e routing.Entry) (*netlink.Route, error) {
	routes, err := t.list(e.Network)
	if err != nil {
		return nil, err
	}
	for i := range routes {
		if cur, ok := entryFromRoute(routes[i], e.Network.Family()); ok && cur.Same(e) {
			return &routes[i], nil
		}
	}
	return nil, routing.ErrEntryNotFound
}

func toRoute(e routing.Entry) *netlink.Route {
	r := &netlink.Route{
		LinkIndex: int(e.InterfaceID),
		Dst:       ipNet(e.Network),
		Priority:  int(e.Metric),
		Family:    nlFamily(e.Network.Family()),
		Table:     unix.RT_TABLE_MAIN,
		Protocol:  unix.RTPROT_STATIC,
	}
	if e.NextHop.IsValid() {
		r.Gw = e.NextHop.AsSlice()
	} else {
		r.Scope = netlink.SCOPE_LINK
	}
	return r
}

// Add installs e as a static route.
func (t *RouteTable) Add(e routing.Entry) error {
	if err := netlink.RouteAdd(toRoute(e)); err != nil {
		return core.OsError(fmt.Sprintf("[Route] add %s", e), err)
	}
	return nil
}

// Delete removes e. A route that vanished in the meantime reports
// routing.ErrEntryNotFound.
func (t *RouteTable) Delete(e routing.Entry) error {
	r, err := t.find(e)
	if err != nil {
		return err
	}
	if err := netlink.RouteDel(r); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return routing.ErrEntryNotFound
		}
		return core.OsError(fmt.Sprintf("[Route] delete %s", e), err)
	}
	return nil
}

// SetMetric replaces e with a copy at the new metric. The kernel keys
// routes by metric, so the copy is added before the original is removed.
func (t *RouteTable) SetMetric(e routing.Entry, metric uint32) error {
	r, err := t.find(e)
	if err != nil {
		return err
	}
	moved := *r
	moved.Priority = int(metric)
	if err := netlink.RouteAdd(&moved); err != nil && !errors.Is(err, unix.EEXIST) {
		return core.OsError(fmt.Sprintf("[Route] set metric %d on %s", metric, e), err)
	}
	if err := netlink.RouteDel(r); err != nil && !errors.Is(err, unix.ESRCH) {
		return core.OsError(fmt.Sprintf("[Route] set metric %d on %s", metric, e), err)
	}
	return nil
}

// Subscribe calls fn on every rtnetlink route update.
func (t *RouteTable) Subscribe(fn func()) (func() error, error) {
	sub := platform.NewSubscription(fn)
	updates := make(chan netlink.RouteUpdate, 64)
	done := make(chan struct{})
	err := netlink.RouteSubscribeWithOptions(updates, done, netlink.RouteSubscribeOptions{
		ErrorCallback: func(err error) {
			core.Log.Warnf("Route", "Route subscription: %v", err)
		},
	})
	if err != nil {
		return nil, core.OsError("[Route] subscribe", err)
	}
	go func() {
		for range updates {
			sub.Notify()
		}
	}()
	return func() error {
		sub.Close()
		close(done)
		return nil
	}, nil
}

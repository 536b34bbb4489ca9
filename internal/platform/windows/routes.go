//go:build windows

package windows

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wireguard/windows/tunnel/winipcfg"

	"netguard/internal/core"
	"netguard/internal/netmodel"
	"netguard/internal/platform"
	"netguard/internal/routing"
)

// RouteTable implements routing.Table on the iphlpapi forward table.
type RouteTable struct{}

// NewRouteTable returns the system route table.
func NewRouteTable() *RouteTable {
	return &RouteTable{}
}

// Resolve picks the interface and next hop for r.
//
//   - no node: the interface and gateway of the best default route
//   - device: that interface, via its first gateway of the same family
//     or on-link when it has none
//   - gateway: the lowest-metric interface that has the gateway
func (t *RouteTable) Resolve(r netmodel.Route) (routing.Entry, error) {
	fam := r.Network.Family()
	e := routing.Entry{Network: r.Network}

	if r.Node == nil {
		row, err := bestDefaultRoute(fam)
		if err != nil {
			return e, err
		}
		e.InterfaceID = uint64(row.InterfaceLUID)
		e.NextHop = hopFromRow(row)
		return e, nil
	}

	if alias, ok := r.Node.Device(); ok {
		a, err := adapterByAlias(alias)
		if err != nil {
			return e, err
		}
		e.InterfaceID = uint64(a.luid)
		if gw, ok := a.gateway(fam); ok {
			e.NextHop = gw
		}
		return e, nil
	}

	gw, _ := r.Node.Gateway()
	if gw.Family() != fam {
		return e, core.Configurationf("gateway %s does not match %s", gw, r.Network)
	}
	adapters, err := listAdapters()
	if err != nil {
		return e, err
	}
	var best *adapter
	for _, a := range adapters {
		for _, g := range a.gateways {
			if g == gw.Addr() && (best == nil || a.metric[fam] < best.metric[fam]) {
				best = a
			}
		}
	}
	if best == nil {
		return e, fmt.Errorf("no interface has gateway %s", gw)
	}
	e.InterfaceID = uint64(best.luid)
	e.NextHop = gw.Addr()
	return e, nil
}

// bestDefaultRoute returns the default route of family f preferring active
// interfaces, then the lowest route plus interface metric.
func bestDefaultRoute(f netmodel.Family) (*winipcfg.MibIPforwardRow2, error) {
	fam := addressFamily(f)
	rows, err := winipcfg.GetIPForwardTable2(fam)
	if err != nil {
		return nil, core.OsError("[Route] GetIPForwardTable2", err)
	}

	var best *winipcfg.MibIPforwardRow2
	bestUp := false
	lowest := ^uint32(0)
	for i := range rows {
		if rows[i].DestinationPrefix.PrefixLength != 0 {
			continue
		}
		ifrow, err := rows[i].InterfaceLUID.Interface()
		if err != nil {
			continue
		}
		iface, err := rows[i].InterfaceLUID.IPInterface(fam)
		if err != nil {
			continue
		}
		up := ifrow.OperStatus == winipcfg.IfOperStatusUp
		metric := rows[i].Metric + iface.Metric
		if best == nil || (up && !bestUp) || (up == bestUp && metric < lowest) {
			best, bestUp, lowest = &rows[i], up, metric
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no default %s route", f)
	}
	return best, nil
}

func hopFromRow(row *winipcfg.MibIPforwardRow2) netip.Addr {
	hop := row.NextHop.Addr()
	if !hop.IsValid() || hop.IsUnspecified() {
		return netip.Addr{}
	}
	return hop.Unmap()
}

func entryFromRow(row *winipcfg.MibIPforwardRow2) (routing.Entry, bool) {
	p := row.DestinationPrefix.Prefix()
	if !p.IsValid() {
		return routing.Entry{}, false
	}
	n, err := netmodel.NetworkFrom(p)
	if err != nil {
		return routing.Entry{}, false
	}
	return routing.Entry{
		Network:     n,
		InterfaceID: uint64(row.InterfaceLUID),
		NextHop:     hopFromRow(row),
		Metric:      row.Metric,
	}, true
}

// Entries lists the forward-table rows for exactly n.
func (t *RouteTable) Entries(n netmodel.Network) ([]routing.Entry, error) {
	rows, err := winipcfg.GetIPForwardTable2(addressFamily(n.Family()))
	if err != nil {
		return nil, core.OsError("[Route] GetIPForwardTable2", err)
	}
	var out []routing.Entry
	for i := range rows {
		if e, ok := entryFromRow(&rows[i]); ok && e.Network.Equal(n) {
			out = append(out, e)
		}
	}
	return out, nil
}

// find returns the row for e, re-read from the table.
func (t *RouteTable) find(e routing.Entry) (*winipcfg.MibIPforwardRow2, error) {
	rows, err := winipcfg.GetIPForwardTable2(addressFamily(e.Network.Family()))
	if err != nil {
		return nil, core.OsError("[Route] GetIPForwardTable2", err)
	}
	for i := range rows {
		if cur, ok := entryFromRow(&rows[i]); ok && cur.Same(e) {
			return &rows[i], nil
		}
	}
	return nil, routing.ErrEntryNotFound
}

// rowFromEntry builds the forward row for e. An invalid next hop becomes
// the unspecified address of the entry's family, which Windows treats as
// on-link.
func rowFromEntry(e routing.Entry) (*winipcfg.MibIPforwardRow2, error) {
	row := &winipcfg.MibIPforwardRow2{}
	row.Init()
	row.InterfaceLUID = winipcfg.LUID(e.InterfaceID)
	if err := row.DestinationPrefix.SetPrefix(e.Network.Prefix()); err != nil {
		return nil, fmt.Errorf("[Route] destination %s: %w", e.Network, err)
	}
	hop := e.NextHop
	if !hop.IsValid() {
		hop = netip.IPv4Unspecified()
		if e.Network.Family() == netmodel.IPv6 {
			hop = netip.IPv6Unspecified()
		}
	}
	if err := row.NextHop.SetAddr(hop); err != nil {
		return nil, fmt.Errorf("[Route] next hop %s: %w", hop, err)
	}
	row.Metric = e.Metric
	row.Protocol = winipcfg.RouteProtocolNetMgmt
	row.Origin = winipcfg.RouteOriginManual
	return row, nil
}

// Add creates e as a manually configured network-management route.
func (t *RouteTable) Add(e routing.Entry) error {
	row, err := rowFromEntry(e)
	if err != nil {
		return err
	}
	if err := row.Create(); err != nil {
		return core.OsError(fmt.Sprintf("[Route] add %s", e), err)
	}
	return nil
}

// Delete removes e. A route that vanished in the meantime reports
// routing.ErrEntryNotFound.
func (t *RouteTable) Delete(e routing.Entry) error {
	row, err := t.find(e)
	if err != nil {
		return err
	}
	if err := row.Delete(); err != nil {
		if errors.Is(err, windows.ERROR_NOT_FOUND) {
			return routing.ErrEntryNotFound
		}
		return core.OsError(fmt.Sprintf("[Route] delete %s", e), err)
	}
	return nil
}

// SetMetric rewrites the metric of e in place.
func (t *RouteTable) SetMetric(e routing.Entry, metric uint32) error {
	row, err := t.find(e)
	if err != nil {
		return err
	}
	row.Metric = metric
	if err := row.Set(); err != nil {
		if errors.Is(err, windows.ERROR_NOT_FOUND) {
			return routing.ErrEntryNotFound
		}
		return core.OsError(fmt.Sprintf("[Route] set metric %d on %s", metric, e), err)
	}
	return nil
}

// Subscribe calls fn on every route change notification.
func (t *RouteTable) Subscribe(fn func()) (func() error, error) {
	sub := platform.NewSubscription(fn)
	cb, err := winipcfg.RegisterRouteChangeCallback(func(winipcfg.MibNotificationType, *winipcfg.MibIPforwardRow2) {
		sub.Notify()
	})
	if err != nil {
		return nil, core.OsError("[Route] register route change callback", err)
	}
	return func() error {
		sub.Close()
		return cb.Unregister()
	}, nil
}

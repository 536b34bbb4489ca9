//go:build windows

package windows

import (
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wireguard/windows/tunnel/winipcfg"

	"netguard/internal/netmodel"
)

func addressFamily(f netmodel.Family) winipcfg.AddressFamily {
	if f == netmodel.IPv6 {
		return windows.AF_INET6
	}
	return windows.AF_INET
}

// adapter is the subset of IP_ADAPTER_ADDRESSES used for node resolution.
type adapter struct {
	luid     winipcfg.LUID
	alias    string
	up       bool
	physical bool
	metric   [2]uint32 // indexed by netmodel.Family
	gateways []netip.Addr
}

// gateway returns the first gateway of family f.
func (a *adapter) gateway(f netmodel.Family) (netip.Addr, bool) {
	for _, gw := range a.gateways {
		if gw.Is4() == (f == netmodel.IPv4) {
			return gw, true
		}
	}
	return netip.Addr{}, false
}

func listAdapters() ([]*adapter, error) {
	aas, err := winipcfg.GetAdaptersAddresses(windows.AF_UNSPEC, winipcfg.GAAFlagIncludeGateways)
	if err != nil {
		return nil, fmt.Errorf("[Platform] GetAdaptersAddresses: %w", err)
	}
	out := make([]*adapter, 0, len(aas))
	for _, aa := range aas {
		a := &adapter{
			luid:   aa.LUID,
			alias:  aa.FriendlyName(),
			up:     aa.OperStatus == winipcfg.IfOperStatusUp,
			metric: [2]uint32{aa.Ipv4Metric, aa.Ipv6Metric},
		}
		switch aa.IfType {
		case winipcfg.IfTypeSoftwareLoopback, winipcfg.IfTypeTunnel, winipcfg.IfTypePropVirtual:
		default:
			a.physical = true
		}
		for gw := aa.FirstGatewayAddress; gw != nil; gw = gw.Next {
			ip, ok := netip.AddrFromSlice(gw.Address.IP())
			if ok {
				a.gateways = append(a.gateways, ip.Unmap())
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func adapterByAlias(alias string) (*adapter, error) {
	adapters, err := listAdapters()
	if err != nil {
		return nil, err
	}
	for _, a := range adapters {
		if strings.EqualFold(a.alias, alias) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("interface %q not found", alias)
}

package firewall

import (
	"fmt"
	"net/netip"
	"strings"

	"netguard/internal/netmodel"
)

// Layer is the connect layer a filter is attached to.
type Layer uint8

const (
	LayerConnectV4 Layer = iota
	LayerConnectV6
)

func (l Layer) String() string {
	if l == LayerConnectV6 {
		return "connect-v6"
	}
	return "connect-v4"
}

// Action is a filter verdict.
type Action uint8

const (
	ActionBlock Action = iota
	ActionPermit
)

func (a Action) String() string {
	if a == ActionPermit {
		return "permit"
	}
	return "block"
}

// WeightClass orders filters on the same layer. A higher class is
// evaluated first, so specific permits always win over general blocks.
// Installers map classes to concrete engine weights.
type WeightClass uint8

const (
	WeightBlock WeightClass = iota + 1
	WeightPermit
)

// InterfaceMatch restricts a filter to (or away from) one interface.
type InterfaceMatch struct {
	Alias  string
	Negate bool
}

// Filter is one filter-install intent. Zero-valued conditions match
// everything: an invalid RemoteAddr is any address, RemotePort 0 is any port.
// Port conditions cover both TCP and UDP.
type Filter struct {
	Name       string
	Layer      Layer
	Action     Action
	Weight     WeightClass
	Interface  *InterfaceMatch
	RemoteAddr netip.Prefix
	RemotePort uint16
}

func (f Filter) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", f.Name, f.Layer, f.Action)
	if f.Interface != nil {
		op := "=="
		if f.Interface.Negate {
			op = "!="
		}
		fmt.Fprintf(&b, " if%s%q", op, f.Interface.Alias)
	}
	if f.RemoteAddr.IsValid() {
		fmt.Fprintf(&b, " dst=%s", f.RemoteAddr)
	}
	if f.RemotePort != 0 {
		fmt.Fprintf(&b, " port=%d", f.RemotePort)
	}
	return b.String()
}

// Filters builds the filter set for a rule.
func Filters(r Rule) ([]Filter, error) {
	switch rule := r.(type) {
	case RestrictDNS:
		return restrictDNSFilters(rule)
	case *RestrictDNS:
		if rule == nil {
			return nil, fmt.Errorf("nil rule")
		}
		return restrictDNSFilters(*rule)
	default:
		return nil, fmt.Errorf("unsupported rule %T", r)
	}
}

func hostPrefix(a netmodel.IPAddress) netip.Prefix {
	return netip.PrefixFrom(a.Addr(), a.Addr().BitLen())
}

func restrictDNSFilters(r RestrictDNS) ([]Filter, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	tunnel := &InterfaceMatch{Alias: r.TunnelAlias}
	outside := &InterfaceMatch{Alias: r.TunnelAlias, Negate: true}

	filters := []Filter{
		{
			Name:       "permit-tunnel-dns-v4",
			Layer:      LayerConnectV4,
			Action:     ActionPermit,
			Weight:     WeightPermit,
			Interface:  tunnel,
			RemoteAddr: hostPrefix(r.V4DNS),
			RemotePort: DNSPort,
		},
		{
			Name:       "permit-dns-relay",
			Layer:      LayerConnectV4,
			Action:     ActionPermit,
			Weight:     WeightPermit,
			RemoteAddr: netip.PrefixFrom(RelayAddr, 32),
			RemotePort: r.RelayPort,
		},
		{
			Name:       "block-dns-v4",
			Layer:      LayerConnectV4,
			Action:     ActionBlock,
			Weight:     WeightBlock,
			Interface:  outside,
			RemotePort: DNSPort,
		},
		{
			Name:       "block-tunnel-dns-v4",
			Layer:      LayerConnectV4,
			Action:     ActionBlock,
			Weight:     WeightBlock,
			Interface:  tunnel,
			RemotePort: DNSPort,
		},
	}

	if r.V6DNS != nil {
		filters = append(filters, Filter{
			Name:       "permit-tunnel-dns-v6",
			Layer:      LayerConnectV6,
			Action:     ActionPermit,
			Weight:     WeightPermit,
			Interface:  tunnel,
			RemoteAddr: hostPrefix(*r.V6DNS),
			RemotePort: DNSPort,
		})
	}

	// IPv6 is blocked even without a v6 host so DNS cannot leak over it.
	filters = append(filters,
		Filter{
			Name:       "block-dns-v6",
			Layer:      LayerConnectV6,
			Action:     ActionBlock,
			Weight:     WeightBlock,
			Interface:  outside,
			RemotePort: DNSPort,
		},
		Filter{
			Name:       "block-tunnel-dns-v6",
			Layer:      LayerConnectV6,
			Action:     ActionBlock,
			Weight:     WeightBlock,
			Interface:  tunnel,
			RemotePort: DNSPort,
		},
	)
	return filters, nil
}

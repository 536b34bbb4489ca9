// Package firewall builds the filter sets that make up a firewall policy
// and submits them through a transactional installer.
package firewall

import (
	"fmt"
	"net/netip"

	"netguard/internal/netmodel"
)

// DNSPort is the well-known DNS port restricted by RestrictDNS.
const DNSPort uint16 = 53

// RelayAddr is the loopback address the local DNS relay listens on.
var RelayAddr = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// Rule is a firewall rule variant. The set of variants is closed; Filters
// switches over them.
type Rule interface {
	isRule()
	fmt.Stringer
}

// RestrictDNS confines DNS to the tunnel interface and the configured
// hosts, plus the loopback relay on RelayPort.
type RestrictDNS struct {
	TunnelAlias string
	V4DNS       netmodel.IPAddress
	V6DNS       *netmodel.IPAddress
	RelayPort   uint16
}

func (RestrictDNS) isRule() {}

func (r RestrictDNS) String() string {
	v6 := "none"
	if r.V6DNS != nil {
		v6 = r.V6DNS.String()
	}
	return fmt.Sprintf("restrict-dns(tunnel=%q v4=%s v6=%s relay=%d)", r.TunnelAlias, r.V4DNS, v6, r.RelayPort)
}

// Validate checks that the rule can be turned into filters.
func (r RestrictDNS) Validate() error {
	if r.TunnelAlias == "" {
		return fmt.Errorf("tunnel alias is required")
	}
	if !r.V4DNS.IsValid() || r.V4DNS.Family() != netmodel.IPv4 {
		return fmt.Errorf("v4 DNS host must be an IPv4 address, got %s", r.V4DNS)
	}
	if r.V6DNS != nil && (!r.V6DNS.IsValid() || r.V6DNS.Family() != netmodel.IPv6) {
		return fmt.Errorf("v6 DNS host must be an IPv6 address, got %s", r.V6DNS)
	}
	if r.RelayPort == 0 {
		return fmt.Errorf("relay port is required")
	}
	return nil
}

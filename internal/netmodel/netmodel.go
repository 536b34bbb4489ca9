// Package netmodel holds the immutable value types describing routing
// intents: addresses, networks, next-hop nodes and routes.
package netmodel

import (
	"fmt"
	"net/netip"
)

// Family is an IP address family.
type Family uint8

const (
	IPv4 Family = iota
	IPv6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// Bits returns the address width of the family.
func (f Family) Bits() int {
	if f == IPv6 {
		return 128
	}
	return 32
}

// IPAddress is a v4 or v6 address. The zero value is invalid.
type IPAddress struct {
	addr netip.Addr
}

// AddrFrom builds an IPAddress from a netip.Addr. IPv4-mapped IPv6
// addresses are kept as IPv6.
func AddrFrom(a netip.Addr) (IPAddress, error) {
	if !a.IsValid() {
		return IPAddress{}, fmt.Errorf("invalid address")
	}
	return IPAddress{addr: a.WithZone("")}, nil
}

// ParseAddr parses a textual IPv4 or IPv6 address.
func ParseAddr(s string) (IPAddress, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return IPAddress{}, err
	}
	return AddrFrom(a)
}

// MustParseAddr is ParseAddr that panics on error.
func MustParseAddr(s string) IPAddress {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddrFromBytes builds an address of family f from raw bytes. Exactly 4
// bytes are required for IPv4 and 16 for IPv6.
func AddrFromBytes(f Family, b []byte) (IPAddress, error) {
	switch f {
	case IPv4:
		if len(b) != 4 {
			return IPAddress{}, fmt.Errorf("ipv4 address needs 4 bytes, got %d", len(b))
		}
		return IPAddress{addr: netip.AddrFrom4([4]byte(b))}, nil
	case IPv6:
		if len(b) != 16 {
			return IPAddress{}, fmt.Errorf("ipv6 address needs 16 bytes, got %d", len(b))
		}
		return IPAddress{addr: netip.AddrFrom16([16]byte(b))}, nil
	default:
		return IPAddress{}, fmt.Errorf("unknown address %s", f)
	}
}

// IsValid reports whether a is a usable address.
func (a IPAddress) IsValid() bool { return a.addr.IsValid() }

// Family returns the address family.
func (a IPAddress) Family() Family {
	if a.addr.Is4() {
		return IPv4
	}
	return IPv6
}

// Addr returns the address as a netip.Addr.
func (a IPAddress) Addr() netip.Addr { return a.addr }

// Bytes returns the significant address bytes (4 or 16).
func (a IPAddress) Bytes() []byte { return a.addr.AsSlice() }

func (a IPAddress) String() string {
	if !a.addr.IsValid() {
		return "invalid"
	}
	return a.addr.String()
}

// Network is an address prefix. The address is not required to be masked;
// Prefix returns the canonical masked form used for comparisons.
type Network struct {
	Addr      IPAddress
	PrefixLen uint8
}

// NewNetwork validates and builds a Network.
func NewNetwork(addr IPAddress, prefixLen uint8) (Network, error) {
	n := Network{Addr: addr, PrefixLen: prefixLen}
	if err := n.Validate(); err != nil {
		return Network{}, err
	}
	return n, nil
}

// ParseNetwork parses CIDR notation. A bare address is a host network.
func ParseNetwork(s string) (Network, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return NetworkFrom(p)
	}
	a, err := ParseAddr(s)
	if err != nil {
		return Network{}, fmt.Errorf("parse network %q: %w", s, err)
	}
	return Network{Addr: a, PrefixLen: uint8(a.Family().Bits())}, nil
}

// MustParseNetwork is ParseNetwork that panics on error.
func MustParseNetwork(s string) Network {
	n, err := ParseNetwork(s)
	if err != nil {
		panic(err)
	}
	return n
}

// NetworkFrom converts a netip.Prefix.
func NetworkFrom(p netip.Prefix) (Network, error) {
	a, err := AddrFrom(p.Addr())
	if err != nil {
		return Network{}, err
	}
	return NewNetwork(a, uint8(p.Bits()))
}

// Validate checks the address and prefix length.
func (n Network) Validate() error {
	if !n.Addr.IsValid() {
		return fmt.Errorf("network has no address")
	}
	if int(n.PrefixLen) > n.Addr.Family().Bits() {
		return fmt.Errorf("prefix length %d exceeds %d for %s", n.PrefixLen, n.Addr.Family().Bits(), n.Addr.Family())
	}
	return nil
}

// Family returns the network's address family.
func (n Network) Family() Family { return n.Addr.Family() }

// Prefix returns the masked netip.Prefix.
func (n Network) Prefix() netip.Prefix {
	return netip.PrefixFrom(n.Addr.addr, int(n.PrefixLen)).Masked()
}

// Equal reports whether both networks cover the same prefix.
func (n Network) Equal(o Network) bool {
	return n.Prefix() == o.Prefix()
}

// IsDefault reports whether n is 0.0.0.0/0 or ::/0.
func (n Network) IsDefault() bool { return n.PrefixLen == 0 }

func (n Network) String() string {
	if !n.Addr.IsValid() {
		return "invalid"
	}
	return n.Prefix().String()
}

// NodeKind tells which field of a Node is populated.
type NodeKind uint8

const (
	NodeDevice NodeKind = iota + 1
	NodeGateway
)

// Node is a route's next hop: either an interface by alias or a gateway.
type Node struct {
	kind    NodeKind
	device  string
	gateway IPAddress
}

// ByDevice names the next hop by interface alias.
func ByDevice(alias string) Node {
	return Node{kind: NodeDevice, device: alias}
}

// ByGateway names the next hop by gateway address.
func ByGateway(gw IPAddress) Node {
	return Node{kind: NodeGateway, gateway: gw}
}

// Kind returns the node variant.
func (n Node) Kind() NodeKind { return n.kind }

// Device returns the interface alias and true for a ByDevice node.
func (n Node) Device() (string, bool) {
	return n.device, n.kind == NodeDevice
}

// Gateway returns the gateway and true for a ByGateway node.
func (n Node) Gateway() (IPAddress, bool) {
	return n.gateway, n.kind == NodeGateway
}

// Validate checks that exactly one variant is populated.
func (n Node) Validate() error {
	switch n.kind {
	case NodeDevice:
		if n.device == "" {
			return fmt.Errorf("device node has an empty alias")
		}
	case NodeGateway:
		if !n.gateway.IsValid() {
			return fmt.Errorf("gateway node has no address")
		}
	default:
		return fmt.Errorf("node has no variant")
	}
	return nil
}

func (n Node) String() string {
	switch n.kind {
	case NodeDevice:
		return "dev " + n.device
	case NodeGateway:
		return "via " + n.gateway.String()
	default:
		return "none"
	}
}

// Route is one desired routing-table entry. A nil Node means the route
// follows the host's current default interface.
type Route struct {
	Network Network
	Node    *Node
}

// Validate checks the network, the node and that a gateway matches the
// network's family.
func (r Route) Validate() error {
	if err := r.Network.Validate(); err != nil {
		return err
	}
	if r.Node == nil {
		return nil
	}
	if err := r.Node.Validate(); err != nil {
		return err
	}
	if gw, ok := r.Node.Gateway(); ok && gw.Family() != r.Network.Family() {
		return fmt.Errorf("gateway %s does not match %s network %s", gw, r.Network.Family(), r.Network)
	}
	return nil
}

func (r Route) String() string {
	if r.Node == nil {
		return r.Network.String()
	}
	return r.Network.String() + " " + r.Node.String()
}

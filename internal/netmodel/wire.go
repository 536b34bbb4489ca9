package netmodel

import "fmt"

// Wire family tags used by the boundary marshalling layer.
const (
	WireFamilyV4 uint32 = 0
	WireFamilyV6 uint32 = 1
)

// WireIP is the boundary shape of an address: a family tag and 16 bytes,
// of which the first 4 are significant for IPv4.
type WireIP struct {
	Family uint32
	Bytes  [16]byte
}

// WireNetwork is the boundary shape of a Network.
type WireNetwork struct {
	Addr      WireIP
	PrefixLen uint8
}

// WireNode is the boundary shape of a Node. Exactly one of Gateway and
// DeviceName is set.
type WireNode struct {
	Gateway    *WireIP
	DeviceName string
}

// WireRoute is the boundary shape of a Route.
type WireRoute struct {
	Network WireNetwork
	Node    *WireNode
}

// ToWire converts an address to its boundary shape.
func (a IPAddress) ToWire() WireIP {
	var w WireIP
	if a.Family() == IPv6 {
		w.Family = WireFamilyV6
	}
	copy(w.Bytes[:], a.Bytes())
	return w
}

// AddrFromWire converts a boundary address.
func AddrFromWire(w WireIP) (IPAddress, error) {
	switch w.Family {
	case WireFamilyV4:
		return AddrFromBytes(IPv4, w.Bytes[:4])
	case WireFamilyV6:
		return AddrFromBytes(IPv6, w.Bytes[:])
	default:
		return IPAddress{}, fmt.Errorf("unknown wire address family %d", w.Family)
	}
}

// ToWire converts a network to its boundary shape.
func (n Network) ToWire() WireNetwork {
	return WireNetwork{Addr: n.Addr.ToWire(), PrefixLen: n.PrefixLen}
}

// NetworkFromWire converts and validates a boundary network.
func NetworkFromWire(w WireNetwork) (Network, error) {
	a, err := AddrFromWire(w.Addr)
	if err != nil {
		return Network{}, err
	}
	return NewNetwork(a, w.PrefixLen)
}

// ToWire converts a node to its boundary shape.
func (n Node) ToWire() WireNode {
	if gw, ok := n.Gateway(); ok {
		w := gw.ToWire()
		return WireNode{Gateway: &w}
	}
	return WireNode{DeviceName: n.device}
}

// NodeFromWire converts a boundary node. A node carrying both or neither
// variant is rejected.
func NodeFromWire(w WireNode) (Node, error) {
	switch {
	case w.Gateway != nil && w.DeviceName != "":
		return Node{}, fmt.Errorf("node sets both gateway and device name")
	case w.Gateway != nil:
		gw, err := AddrFromWire(*w.Gateway)
		if err != nil {
			return Node{}, fmt.Errorf("node gateway: %w", err)
		}
		return ByGateway(gw), nil
	case w.DeviceName != "":
		return ByDevice(w.DeviceName), nil
	default:
		return Node{}, fmt.Errorf("node sets neither gateway nor device name")
	}
}

// ToWire converts a route to its boundary shape.
func (r Route) ToWire() WireRoute {
	w := WireRoute{Network: r.Network.ToWire()}
	if r.Node != nil {
		n := r.Node.ToWire()
		w.Node = &n
	}
	return w
}

// RouteFromWire converts and validates a boundary route.
func RouteFromWire(w WireRoute) (Route, error) {
	n, err := NetworkFromWire(w.Network)
	if err != nil {
		return Route{}, err
	}
	r := Route{Network: n}
	if w.Node != nil {
		node, err := NodeFromWire(*w.Node)
		if err != nil {
			return Route{}, fmt.Errorf("route %s: %w", n, err)
		}
		r.Node = &node
	}
	if err := r.Validate(); err != nil {
		return Route{}, err
	}
	return r, nil
}

// RoutesFromWire converts a batch, failing on the first invalid entry.
func RoutesFromWire(ws []WireRoute) ([]Route, error) {
	routes := make([]Route, 0, len(ws))
	for i, w := range ws {
		r, err := RouteFromWire(w)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		routes = append(routes, r)
	}
	return routes, nil
}

package ipc

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"netguard/internal/firewall"
	"netguard/internal/netmodel"
)

// RoutesToStruct encodes a route set as {"routes": [{"network", "device"|"gateway"}]}.
func RoutesToStruct(routes []netmodel.Route) (*structpb.Struct, error) {
	list := make([]any, 0, len(routes))
	for _, r := range routes {
		m := map[string]any{"network": r.Network.String()}
		if r.Node != nil {
			if dev, ok := r.Node.Device(); ok {
				m["device"] = dev
			} else if gw, ok := r.Node.Gateway(); ok {
				m["gateway"] = gw.String()
			}
		}
		list = append(list, m)
	}
	return structpb.NewStruct(map[string]any{"routes": list})
}

// RoutesFromStruct decodes a route set into its boundary shape.
func RoutesFromStruct(s *structpb.Struct) ([]netmodel.WireRoute, error) {
	values := s.GetFields()["routes"].GetListValue().GetValues()
	out := make([]netmodel.WireRoute, 0, len(values))
	for i, v := range values {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("route %d: not an object", i)
		}
		network, err := netmodel.ParseNetwork(fields["network"].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		r := netmodel.Route{Network: network}

		dev, hasDev := fields["device"]
		gw, hasGw := fields["gateway"]
		switch {
		case hasDev && hasGw:
			return nil, fmt.Errorf("route %d: device and gateway are exclusive", i)
		case hasDev:
			n := netmodel.ByDevice(dev.GetStringValue())
			r.Node = &n
		case hasGw:
			addr, err := netmodel.ParseAddr(gw.GetStringValue())
			if err != nil {
				return nil, fmt.Errorf("route %d: gateway: %w", i, err)
			}
			n := netmodel.ByGateway(addr)
			r.Node = &n
		}
		out = append(out, r.ToWire())
	}
	return out, nil
}

// RestrictDNSToStruct encodes a RestrictDNS rule.
func RestrictDNSToStruct(r firewall.RestrictDNS) (*structpb.Struct, error) {
	m := map[string]any{
		"tunnel_alias": r.TunnelAlias,
		"v4_dns":       r.V4DNS.String(),
		"relay_port":   float64(r.RelayPort),
	}
	if r.V6DNS != nil {
		m["v6_dns"] = r.V6DNS.String()
	}
	return structpb.NewStruct(m)
}

// RestrictDNSFromStruct decodes a RestrictDNS rule. A missing relay port
// is filled with defaultPort.
func RestrictDNSFromStruct(s *structpb.Struct, defaultPort uint16) (firewall.RestrictDNS, error) {
	fields := s.GetFields()
	r := firewall.RestrictDNS{
		TunnelAlias: fields["tunnel_alias"].GetStringValue(),
		RelayPort:   defaultPort,
	}
	v4, err := netmodel.ParseAddr(fields["v4_dns"].GetStringValue())
	if err != nil {
		return r, fmt.Errorf("v4_dns: %w", err)
	}
	r.V4DNS = v4
	if v, ok := fields["v6_dns"]; ok && v.GetStringValue() != "" {
		v6, err := netmodel.ParseAddr(v.GetStringValue())
		if err != nil {
			return r, fmt.Errorf("v6_dns: %w", err)
		}
		r.V6DNS = &v6
	}
	if v, ok := fields["relay_port"]; ok {
		port := v.GetNumberValue()
		if port < 1 || port > 65535 || port != float64(uint16(port)) {
			return r, fmt.Errorf("relay_port: %v is not a port", port)
		}
		r.RelayPort = uint16(port)
	}
	return r, r.Validate()
}

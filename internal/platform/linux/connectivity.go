//go:build linux

package linux

import (
	"net"

	"github.com/vishvananda/netlink"

	"netguard/internal/core"
	"netguard/internal/netmodel"
	"netguard/internal/platform"
)

// virtualLinkTypes never count as a path to the network.
var virtualLinkTypes = map[string]bool{
	"tuntap":    true,
	"wireguard": true,
	"dummy":     true,
}

// usableLink reports whether a link can carry traffic off the host.
// Virtual links are accepted only when allowVirtual is set.
func usableLink(attrs *netlink.LinkAttrs, linkType string, allowVirtual bool) bool {
	if attrs == nil || attrs.Flags&net.FlagLoopback != 0 || attrs.Flags&net.FlagUp == 0 {
		return false
	}
	if !allowVirtual && virtualLinkTypes[linkType] {
		return false
	}
	return attrs.OperState == netlink.OperUp || attrs.OperState == netlink.OperUnknown
}

// ConnectivitySource implements netmon.Source. The host counts as connected
// while a default route points at an up, non-virtual link.
type ConnectivitySource struct{}

func (ConnectivitySource) Connectivity() (bool, error) {
	for _, fam := range []netmodel.Family{netmodel.IPv4, netmodel.IPv6} {
		routes, err := defaultRoutes(fam)
		if err != nil {
			return false, err
		}
		for _, r := range routes {
			link, err := netlink.LinkByIndex(r.LinkIndex)
			if err != nil {
				continue
			}
			if usableLink(link.Attrs(), link.Type(), false) {
				return true, nil
			}
		}
	}
	return false, nil
}

// Subscribe fires fn on link and route updates.
func (ConnectivitySource) Subscribe(fn func()) (func() error, error) {
	sub := platform.NewSubscription(fn)
	done := make(chan struct{})

	links := make(chan netlink.LinkUpdate, 64)
	if err := netlink.LinkSubscribe(links, done); err != nil {
		return nil, core.OsError("[NetMon] subscribe links", err)
	}
	routes := make(chan netlink.RouteUpdate, 64)
	err := netlink.RouteSubscribeWithOptions(routes, done, netlink.RouteSubscribeOptions{
		ErrorCallback: func(err error) {
			core.Log.Warnf("NetMon", "Route subscription: %v", err)
		},
	})
	if err != nil {
		close(done)
		return nil, core.OsError("[NetMon] subscribe routes", err)
	}

	go func() {
		for range links {
			sub.Notify()
		}
	}()
	go func() {
		for range routes {
			sub.Notify()
		}
	}()
	return func() error {
		sub.Close()
		close(done)
		return nil
	}, nil
}

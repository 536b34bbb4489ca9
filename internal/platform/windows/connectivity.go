//go:build windows

package windows

import (
	"errors"

	"golang.zx2c4.com/wireguard/windows/tunnel/winipcfg"

	"netguard/internal/core"
	"netguard/internal/platform"
)

// ConnectivitySource implements netmon.Source. The host counts as connected
// while an operational non-virtual adapter has a gateway.
type ConnectivitySource struct{}

func (ConnectivitySource) Connectivity() (bool, error) {
	adapters, err := listAdapters()
	if err != nil {
		return false, err
	}
	for _, a := range adapters {
		if a.up && a.physical && len(a.gateways) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Subscribe fires fn on interface and route changes. Losing the last
// gateway shows up only as a route change.
func (ConnectivitySource) Subscribe(fn func()) (func() error, error) {
	sub := platform.NewSubscription(fn)
	ifcb, err := winipcfg.RegisterInterfaceChangeCallback(func(winipcfg.MibNotificationType, *winipcfg.MibIPInterfaceRow) {
		sub.Notify()
	})
	if err != nil {
		return nil, core.OsError("[NetMon] register interface change callback", err)
	}
	rtcb, err := winipcfg.RegisterRouteChangeCallback(func(winipcfg.MibNotificationType, *winipcfg.MibIPforwardRow2) {
		sub.Notify()
	})
	if err != nil {
		_ = ifcb.Unregister()
		return nil, core.OsError("[NetMon] register route change callback", err)
	}
	return func() error {
		sub.Close()
		return errors.Join(ifcb.Unregister(), rtcb.Unregister())
	}, nil
}

// Package routing keeps a desired set of routes installed in the OS
// routing table and repairs it when the table changes underneath.
package routing

import (
	"errors"
	"fmt"
	"net/netip"

	"netguard/internal/netmodel"
)

// ErrEntryNotFound is returned by Table.Delete and Table.SetMetric when the
// entry no longer exists.
var ErrEntryNotFound = errors.New("routing entry not found")

// Entry is one concrete OS routing-table entry.
type Entry struct {
	Network     netmodel.Network
	InterfaceID uint64     // LUID on Windows, link index on Linux
	NextHop     netip.Addr // invalid for on-link routes
	Metric      uint32
}

// Same reports whether e and o denote the same entry regardless of metric.
func (e Entry) Same(o Entry) bool {
	return e.Network.Equal(o.Network) && e.InterfaceID == o.InterfaceID && e.NextHop == o.NextHop
}

func (e Entry) String() string {
	hop := "on-link"
	if e.NextHop.IsValid() {
		hop = e.NextHop.String()
	}
	return fmt.Sprintf("%s via %s if %d metric %d", e.Network, hop, e.InterfaceID, e.Metric)
}

// Table is the OS routing capability.
type Table interface {
	// Resolve turns a desired route into the entry that would be installed,
	// resolving its node (or the default interface when it has none).
	Resolve(r netmodel.Route) (Entry, error)
	// Entries lists the current entries for exactly network n.
	Entries(n netmodel.Network) ([]Entry, error)
	Add(e Entry) error
	Delete(e Entry) error
	SetMetric(e Entry, metric uint32) error
	// Subscribe calls fn after every routing-table change until the
	// returned function is called. fn runs on an OS notification goroutine.
	Subscribe(fn func()) (unsubscribe func() error, err error)
}

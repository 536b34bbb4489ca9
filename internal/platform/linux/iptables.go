//go:build linux

package linux

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/coreos/go-iptables/iptables"

	"netguard/internal/core"
	"netguard/internal/firewall"
)

const (
	table       = "filter"
	outputChain = "OUTPUT"

	// Committed filters live in one of two chains; a transaction fills the
	// other one and Commit swaps the OUTPUT jump.
	chainA = "NETGUARD-DNS-A"
	chainB = "NETGUARD-DNS-B"
)

// ipTables is the subset of *iptables.IPTables the engine drives.
type ipTables interface {
	ClearChain(table, chain string) error
	Insert(table, chain string, pos int, rulespec ...string) error
	InsertUnique(table, chain string, pos int, rulespec ...string) error
	Append(table, chain string, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
	ClearAndDeleteChain(table, chain string) error
	ChainExists(table, chain string) (bool, error)
}

// IPTablesEngine implements firewall.Engine on the OUTPUT chain of the
// filter table, one ipTables handle per address family.
type IPTablesEngine struct {
	mu     sync.Mutex
	ipt    [2]ipTables // indexed by firewall.Layer
	active string      // chain OUTPUT jumps to, "" when none
}

// NewIPTablesEngine opens iptables and ip6tables handles. A host without
// ip6tables gets v4 filtering only.
func NewIPTablesEngine() (*IPTablesEngine, error) {
	ipt4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("[Firewall] iptables (IPv4): %w", err)
	}
	e := &IPTablesEngine{}
	e.ipt[firewall.LayerConnectV4] = ipt4

	ipt6, err := iptables.NewWithProtocol(iptables.ProtocolIPv6)
	if err != nil {
		core.Log.Warnf("Firewall", "IPv6 iptables not available: %v", err)
	} else {
		e.ipt[firewall.LayerConnectV6] = ipt6
	}
	return e, nil
}

func newEngineWith(ipt4, ipt6 ipTables) *IPTablesEngine {
	return &IPTablesEngine{ipt: [2]ipTables{ipt4, ipt6}}
}

func (e *IPTablesEngine) handles() []ipTables {
	var out []ipTables
	for _, ipt := range e.ipt {
		if ipt != nil {
			out = append(out, ipt)
		}
	}
	return out
}

func otherChain(c string) string {
	if c == chainA {
		return chainB
	}
	return chainA
}

// Begin clears the inactive chain and returns a transaction filling it.
// Before the first commit both chains are created.
func (e *IPTablesEngine) Begin() (firewall.Transaction, error) {
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()

	target := otherChain(active)
	prepare := []string{target}
	if active == "" {
		prepare = []string{chainA, chainB}
	}
	for _, ipt := range e.handles() {
		for _, c := range prepare {
			if err := ipt.ClearChain(table, c); err != nil {
				return nil, core.OsError("[Firewall] prepare chain "+c, err)
			}
		}
	}
	return &iptTx{e: e, chain: target}, nil
}

// Close removes the jump and both chains.
func (e *IPTablesEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = ""
	return removeChains(e.handles())
}

func removeChains(handles []ipTables) error {
	var errs []error
	for _, ipt := range handles {
		for _, c := range []string{chainA, chainB} {
			exists, err := ipt.ChainExists(table, c)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !exists {
				continue
			}
			if err := ipt.DeleteIfExists(table, outputChain, "-j", c); err != nil {
				errs = append(errs, err)
			}
			if err := ipt.ClearAndDeleteChain(table, c); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// CleanupStaleChains removes chains left behind by an earlier instance.
func CleanupStaleChains() error {
	e, err := NewIPTablesEngine()
	if err != nil {
		return err
	}
	if err := removeChains(e.handles()); err != nil {
		return fmt.Errorf("[Firewall] remove stale chains: %w", err)
	}
	return nil
}

// ruleSpecs returns one rulespec per transport protocol the filter covers.
func ruleSpecs(f firewall.Filter) [][]string {
	var base []string
	if f.Interface != nil {
		if f.Interface.Negate {
			base = append(base, "!")
		}
		base = append(base, "-o", f.Interface.Alias)
	}
	if f.RemoteAddr.IsValid() {
		base = append(base, "-d", f.RemoteAddr.String())
	}

	// Permits return to OUTPUT so other rules there still apply.
	target := []string{"-j", "DROP"}
	if f.Action == firewall.ActionPermit {
		target = []string{"-j", "RETURN"}
	}
	comment := []string{"-m", "comment", "--comment", "netguard " + f.Name}

	if f.RemotePort == 0 {
		spec := append([]string{}, base...)
		spec = append(spec, comment...)
		return [][]string{append(spec, target...)}
	}
	var out [][]string
	for _, proto := range []string{"udp", "tcp"} {
		spec := append([]string{"-p", proto}, base...)
		spec = append(spec, "--dport", strconv.Itoa(int(f.RemotePort)))
		spec = append(spec, comment...)
		out = append(out, append(spec, target...))
	}
	return out
}

type iptTx struct {
	e     *IPTablesEngine
	chain string
	used  [2]bool
	done  bool
}

// AddFilter appends blocks and inserts permits at the head of the chain, so
// every permit is evaluated before any block.
func (tx *iptTx) AddFilter(f firewall.Filter) error {
	if tx.done {
		return errors.New("[Firewall] transaction finished")
	}
	ipt := tx.e.ipt[f.Layer]
	if ipt == nil {
		if f.Layer == firewall.LayerConnectV6 {
			core.Log.Debugf("Firewall", "Skipping %s, no ip6tables", f.Name)
			return nil
		}
		return fmt.Errorf("[Firewall] no handle for %s", f.Layer)
	}
	for _, spec := range ruleSpecs(f) {
		var err error
		if f.Weight == firewall.WeightPermit {
			err = ipt.Insert(table, tx.chain, 1, spec...)
		} else {
			err = ipt.Append(table, tx.chain, spec...)
		}
		if err != nil {
			return core.OsError(fmt.Sprintf("[Firewall] add %s", f.Name), err)
		}
	}
	tx.used[f.Layer] = true
	core.Log.Debugf("Firewall", "Added %s to %s", f, tx.chain)
	return nil
}

// Commit points OUTPUT at this transaction's chain and empties the previous
// one. A family without filters loses its jump.
func (tx *iptTx) Commit() error {
	if tx.done {
		return errors.New("[Firewall] transaction finished")
	}
	tx.done = true
	tx.e.mu.Lock()
	defer tx.e.mu.Unlock()

	prev := otherChain(tx.chain)
	var errs []error
	for layer, ipt := range tx.e.ipt {
		if ipt == nil {
			continue
		}
		if tx.used[layer] {
			if err := ipt.InsertUnique(table, outputChain, 1, "-j", tx.chain); err != nil {
				errs = append(errs, err)
				continue
			}
		} else if err := ipt.DeleteIfExists(table, outputChain, "-j", tx.chain); err != nil {
			errs = append(errs, err)
		}
		if err := ipt.DeleteIfExists(table, outputChain, "-j", prev); err != nil {
			errs = append(errs, err)
		}
		if err := ipt.ClearChain(table, prev); err != nil {
			errs = append(errs, err)
		}
	}
	tx.e.active = tx.chain
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("[Firewall] swap chains: %w", err)
	}
	core.Log.Infof("Firewall", "OUTPUT now jumps to %s", tx.chain)
	return nil
}

// Abort empties the transaction's chain.
func (tx *iptTx) Abort() error {
	if tx.done {
		return nil
	}
	tx.done = true
	var errs []error
	for _, ipt := range tx.e.handles() {
		if err := ipt.ClearChain(table, tx.chain); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

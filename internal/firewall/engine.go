package firewall

import (
	"errors"
	"fmt"
	"sync"

	"netguard/internal/core"
)

// Concrete weights for engines with a numeric filter weight.
const (
	WeightValuePermit uint64 = 0xFFFF
	WeightValueBlock  uint64 = 0xFFFE
)

// WeightValue maps a weight class to its engine weight.
func WeightValue(c WeightClass) uint64 {
	if c == WeightPermit {
		return WeightValuePermit
	}
	return WeightValueBlock
}

// Installer accepts filter-install intents as part of one transaction.
type Installer interface {
	AddFilter(f Filter) error
}

// Transaction is an all-or-nothing batch of filters. Commit replaces the
// filters of the previously committed transaction; Abort discards every
// filter added since Begin.
type Transaction interface {
	Installer
	Commit() error
	Abort() error
}

// Engine opens transactions against the system firewall.
type Engine interface {
	Begin() (Transaction, error)
	Close() error
}

// Apply submits every filter of r through inst. It stops at the first
// failure; undoing earlier submissions is the installer's job.
func Apply(r Rule, inst Installer) error {
	filters, err := Filters(r)
	if err != nil {
		return core.Configurationf("%s: %v", r, err)
	}
	for _, f := range filters {
		if err := inst.AddFilter(f); err != nil {
			return fmt.Errorf("[Firewall] add filter %s: %w", f.Name, err)
		}
	}
	return nil
}

// Policy holds the currently applied rule and replaces it atomically.
type Policy struct {
	mu      sync.Mutex
	engine  Engine
	current Rule
}

// NewPolicy creates a policy over engine.
func NewPolicy(engine Engine) *Policy {
	return &Policy{engine: engine}
}

// Apply installs r in a single transaction, replacing the previous rule.
// On failure the previous rule stays in effect.
func (p *Policy) Apply(r Rule) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.engine.Begin()
	if err != nil {
		return core.OsError("[Firewall] begin transaction", err)
	}
	if err := Apply(r, tx); err != nil {
		if abortErr := tx.Abort(); abortErr != nil {
			core.Log.Warnf("Firewall", "Abort after failed apply: %v", abortErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return core.OsError("[Firewall] commit", err)
	}
	p.current = r
	core.Log.Infof("Firewall", "Applied %s", r)
	return nil
}

// Reset removes the applied rule, if any.
func (p *Policy) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		return nil
	}
	tx, err := p.engine.Begin()
	if err != nil {
		return core.OsError("[Firewall] begin transaction", err)
	}
	if err := tx.Commit(); err != nil {
		return core.OsError("[Firewall] commit", err)
	}
	core.Log.Infof("Firewall", "Removed %s", p.current)
	p.current = nil
	return nil
}

// Current returns the applied rule or nil.
func (p *Policy) Current() Rule {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Close resets the policy and closes the engine.
func (p *Policy) Close() error {
	return errors.Join(p.Reset(), p.engine.Close())
}

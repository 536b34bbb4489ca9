//go:build windows

package windows

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tailscale/wf"
	"golang.org/x/sys/windows"

	"netguard/internal/core"
	"netguard/internal/firewall"
)

// WFP GUIDs for our provider and sublayer.
var (
	netguardProviderID = wf.ProviderID{
		Data1: 0x6E670001,
		Data2: 0x4E47,
		Data3: 0x0001,
		Data4: [8]byte{0x9A, 0x31, 0x5C, 0x0E, 0x44, 0x6E, 0x73, 0x01},
	}
	netguardSublayerID = wf.SublayerID{
		Data1: 0x6E670002,
		Data2: 0x4E47,
		Data3: 0x0002,
		Data4: [8]byte{0x9A, 0x31, 0x5C, 0x0E, 0x44, 0x6E, 0x73, 0x02},
	}
)

const (
	protoTCP uint8 = 6
	protoUDP uint8 = 17
)

// WFPEngine implements firewall.Engine on a dynamic WFP session, so every
// filter disappears with the process.
type WFPEngine struct {
	session *wf.Session

	mu        sync.Mutex
	committed []wf.RuleID
	nextSeq   uint32
}

// NewWFPEngine opens the session and registers the provider and sublayer.
func NewWFPEngine(cfg core.FirewallConfig) (*WFPEngine, error) {
	sess, err := wf.New(&wf.Options{
		Name:        cfg.SessionName,
		Description: cfg.SessionDescription,
		Dynamic:     true,
	})
	if err != nil {
		return nil, core.OsError("[WFP] open session", err)
	}

	if err := sess.AddProvider(&wf.Provider{
		ID:          netguardProviderID,
		Name:        cfg.SessionName,
		Description: "netguard WFP provider",
	}); err != nil {
		sess.Close()
		return nil, core.OsError("[WFP] add provider", err)
	}

	if err := sess.AddSublayer(&wf.Sublayer{
		ID:       netguardSublayerID,
		Name:     cfg.SessionName + " DNS rules",
		Provider: netguardProviderID,
		Weight:   0xFFFF,
	}); err != nil {
		sess.Close()
		return nil, core.OsError("[WFP] add sublayer", err)
	}

	core.Log.Infof("WFP", "Session opened (Dynamic=true)")
	return &WFPEngine{session: sess}, nil
}

// Begin starts a transaction. Rules are installed as they are added and
// tracked by ID; Abort deletes them again.
func (w *WFPEngine) Begin() (firewall.Transaction, error) {
	return &wfpTx{w: w}, nil
}

// Close closes the WFP session. Dynamic=true means all rules are auto-removed.
func (w *WFPEngine) Close() error {
	if w.session == nil {
		return nil
	}
	err := w.session.Close()
	w.session = nil
	core.Log.Infof("WFP", "Session closed")
	return err
}

func (w *WFPEngine) nextRuleID() wf.RuleID {
	w.nextSeq++
	guid, err := windows.GenerateGUID()
	if err != nil {
		// Fallback to sequential GUIDs.
		return wf.RuleID{
			Data1: 0x6E670100 + w.nextSeq,
			Data2: 0x4E47,
			Data3: 0x0003,
			Data4: [8]byte{0x9A, 0x31, 0x5C, 0x0E, 0x44, 0x6E, 0x73, 0x03},
		}
	}
	return wf.RuleID(guid)
}

func (w *WFPEngine) deleteRules(ids []wf.RuleID) error {
	var errs []error
	for _, id := range ids {
		if err := w.session.DeleteRule(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type wfpTx struct {
	w     *WFPEngine
	added []wf.RuleID
	done  bool
}

// AddFilter installs f immediately. A port condition becomes one rule per
// transport protocol.
func (tx *wfpTx) AddFilter(f firewall.Filter) error {
	if tx.done {
		return errors.New("[WFP] transaction finished")
	}
	base, err := conditions(f)
	if err != nil {
		return err
	}

	layer := wf.LayerALEAuthConnectV4
	if f.Layer == firewall.LayerConnectV6 {
		layer = wf.LayerALEAuthConnectV6
	}
	action := wf.ActionBlock
	if f.Action == firewall.ActionPermit {
		action = wf.ActionPermit
	}

	variants := [][]*wf.Match{base}
	if f.RemotePort != 0 {
		variants = variants[:0]
		for _, proto := range []uint8{protoUDP, protoTCP} {
			conds := append([]*wf.Match{
				{Field: wf.FieldIPProtocol, Op: wf.MatchTypeEqual, Value: proto},
				{Field: wf.FieldIPRemotePort, Op: wf.MatchTypeEqual, Value: f.RemotePort},
			}, base...)
			variants = append(variants, conds)
		}
	}

	tx.w.mu.Lock()
	defer tx.w.mu.Unlock()
	for _, conds := range variants {
		id := tx.w.nextRuleID()
		if err := tx.w.session.AddRule(&wf.Rule{
			ID:         id,
			Name:       "netguard " + f.Name,
			Layer:      layer,
			Sublayer:   netguardSublayerID,
			Weight:     firewall.WeightValue(f.Weight),
			Conditions: conds,
			Action:     action,
		}); err != nil {
			return core.OsError(fmt.Sprintf("[WFP] add rule %s", f.Name), err)
		}
		tx.added = append(tx.added, id)
	}
	core.Log.Debugf("WFP", "Added %s", f)
	return nil
}

func conditions(f firewall.Filter) ([]*wf.Match, error) {
	var conds []*wf.Match
	if f.Interface != nil {
		a, err := adapterByAlias(f.Interface.Alias)
		if err != nil {
			return nil, fmt.Errorf("[WFP] %s: %w", f.Name, err)
		}
		op := wf.MatchTypeEqual
		if f.Interface.Negate {
			op = wf.MatchTypeNotEqual
		}
		conds = append(conds, &wf.Match{Field: wf.FieldIPLocalInterface, Op: op, Value: uint64(a.luid)})
	}
	if f.RemoteAddr.IsValid() {
		conds = append(conds, &wf.Match{Field: wf.FieldIPRemoteAddress, Op: wf.MatchTypeEqual, Value: f.RemoteAddr})
	}
	return conds, nil
}

// Commit makes this transaction's rules the installed set and removes the
// previously committed ones.
func (tx *wfpTx) Commit() error {
	if tx.done {
		return errors.New("[WFP] transaction finished")
	}
	tx.done = true
	tx.w.mu.Lock()
	defer tx.w.mu.Unlock()
	prev := tx.w.committed
	tx.w.committed = tx.added
	if err := tx.w.deleteRules(prev); err != nil {
		return fmt.Errorf("[WFP] remove previous rules: %w", err)
	}
	core.Log.Infof("WFP", "Committed %d rules, removed %d", len(tx.added), len(prev))
	return nil
}

// Abort deletes the rules added since Begin.
func (tx *wfpTx) Abort() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.w.mu.Lock()
	defer tx.w.mu.Unlock()
	if err := tx.w.deleteRules(tx.added); err != nil {
		return fmt.Errorf("[WFP] rollback: %w", err)
	}
	return nil
}

// CleanupStaleFilters removes rules left in our sublayer by an instance that
// did not use a dynamic session (or is still being torn down).
func CleanupStaleFilters() error {
	sess, err := wf.New(&wf.Options{Name: "netguard cleanup", Dynamic: true})
	if err != nil {
		return core.OsError("[WFP] open cleanup session", err)
	}
	defer sess.Close()

	rules, err := sess.Rules()
	if err != nil {
		return core.OsError("[WFP] list rules", err)
	}
	removed := 0
	for _, r := range rules {
		if r.Sublayer != netguardSublayerID {
			continue
		}
		if err := sess.DeleteRule(r.ID); err != nil {
			core.Log.Warnf("WFP", "Failed to remove stale rule %q: %v", r.Name, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		core.Log.Infof("WFP", "Removed %d stale rules", removed)
	}
	return nil
}

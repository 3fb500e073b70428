package thresholds

import (
	"fmt"
	"sort"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
	"github.com/spaolacci/murmur3"
)

// Action is what a fired rule asks the host to do. ADJUST_THRESHOLD is
// applied internally; the rest are returned for the orchestrator to
// execute.
type Action string

const (
	ActionAdjustThreshold Action = "ADJUST_THRESHOLD"
	ActionSendAlert       Action = "SEND_ALERT"
	ActionBlockIP         Action = "BLOCK_IP"
	ActionEscalate        Action = "ESCALATE"
)

// Rule is one data-driven evaluation rule. Condition is a Tengo expression
// over the snapshot's metric names; it must evaluate to a boolean.
type Rule struct {
	ID        string  `yaml:"id"`
	Enabled   bool    `yaml:"enabled"`
	Condition string  `yaml:"condition"`
	Action    Action  `yaml:"action"`

	// ThresholdID and Delta apply to ADJUST_THRESHOLD.
	ThresholdID string  `yaml:"threshold_id"`
	Delta       float64 `yaml:"delta"`

	// Target names an alert recipient or the snapshot key holding the
	// address for BLOCK_IP.
	Target string `yaml:"target"`
}

// Snapshot is a point-in-time view of system metrics fed to rule
// conditions.
type Snapshot map[string]float64

// Fired describes one rule that fired during evaluation.
type Fired struct {
	RuleID string
	Action Action
	Target string
	// Threshold holds the post-adjustment state for ADJUST_THRESHOLD.
	Threshold *Threshold
	Err       error
}

// safeModules keeps rule expressions sandboxed: math only, no I/O.
var safeModules = stdlib.GetModuleMap("math")

// RegisterRules replaces the rule set. Rules evaluate in registration
// order.
func (m *Manager) RegisterRules(rules []Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append([]Rule(nil), rules...)
}

// EvaluateRules runs every enabled rule against the snapshot in
// registration order. Evaluation is idempotent per snapshot: a rule that
// fired for an identical snapshot does not fire again until the snapshot
// changes.
func (m *Manager) EvaluateRules(snap Snapshot) []Fired {
	m.mu.RLock()
	rules := m.rules
	m.mu.RUnlock()

	fp := snap.fingerprint()
	var fired []Fired
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled {
			continue
		}
		m.mu.Lock()
		already := m.lastFired[rule.ID] == fp
		m.mu.Unlock()
		if already {
			continue
		}

		ok, err := evalCondition(rule.Condition, snap)
		if err != nil {
			fired = append(fired, Fired{RuleID: rule.ID, Action: rule.Action, Err: err})
			continue
		}
		if !ok {
			continue
		}

		m.mu.Lock()
		m.lastFired[rule.ID] = fp
		m.mu.Unlock()

		f := Fired{RuleID: rule.ID, Action: rule.Action, Target: rule.Target}
		if rule.Action == ActionAdjustThreshold {
			t, err := m.AdjustAutomatically(rule.ThresholdID, rule.Delta,
				"threshold rule "+rule.ID, nil)
			if err != nil {
				f.Err = err
			} else {
				f.Threshold = &t
			}
		}
		fired = append(fired, f)
	}
	return fired
}

// evalCondition compiles and runs one boolean Tengo expression with the
// snapshot's metrics bound as variables.
func evalCondition(expr string, snap Snapshot) (bool, error) {
	script := tengo.NewScript([]byte("__result__ := (" + expr + ")"))
	script.SetImports(safeModules)
	script.SetMaxAllocs(1_000_000)
	for name, val := range snap {
		if err := script.Add(name, val); err != nil {
			return false, fmt.Errorf("thresholds: bind %q: %w", name, err)
		}
	}
	compiled, err := script.Run()
	if err != nil {
		return false, fmt.Errorf("thresholds: condition %q: %w", expr, err)
	}
	v := compiled.Get("__result__")
	if v.ValueType() != "bool" {
		return false, fmt.Errorf("thresholds: condition %q is not boolean", expr)
	}
	return v.Bool(), nil
}

// fingerprint hashes the snapshot deterministically for the idempotency
// check.
func (s Snapshot) fingerprint() uint64 {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := murmur3.New64()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%g;", k, s[k])
	}
	return h.Sum64()
}

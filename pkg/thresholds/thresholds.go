// Package thresholds holds the authoritative value for every tunable in the
// pipeline, with bounds validation and an append-only adjustment log. Rules
// with Tengo condition expressions over a metrics snapshot drive automatic
// adjustments.
package thresholds

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TriggerSource records what initiated an adjustment.
type TriggerSource string

const (
	TriggerManual    TriggerSource = "MANUAL"
	TriggerAutomatic TriggerSource = "AUTOMATIC"
	TriggerScheduled TriggerSource = "SCHEDULED"
)

// Threshold is one mutable tunable with documented bounds.
type Threshold struct {
	ID             string    `yaml:"id" json:"id"`
	Category       string    `yaml:"category" json:"category"`
	Value          float64   `yaml:"value" json:"value"`
	Unit           string    `yaml:"unit" json:"unit"`
	Min            float64   `yaml:"min" json:"min"`
	Max            float64   `yaml:"max" json:"max"`
	LastModified   time.Time `yaml:"last_modified" json:"last_modified"`
	LastModifiedBy string    `yaml:"last_modified_by" json:"last_modified_by"`
}

// AdjustmentEntry is one immutable audit record. The log answers "why is
// the system behaving differently now".
type AdjustmentEntry struct {
	ID          string        `json:"id"`
	ThresholdID string        `json:"threshold_id"`
	OldValue    float64       `json:"old_value"`
	NewValue    float64       `json:"new_value"`
	Reason      string        `json:"reason"`
	Trigger     TriggerSource `json:"trigger"`
	Actor       string        `json:"actor,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Manager owns the threshold set. Safe for concurrent use.
type Manager struct {
	mu         sync.RWMutex
	thresholds map[string]*Threshold
	log        []AdjustmentEntry

	rules     []Rule
	lastFired map[string]uint64 // rule ID -> snapshot fingerprint
}

// New creates a Manager seeded with the given thresholds.
func New(seed []Threshold) *Manager {
	m := &Manager{
		thresholds: make(map[string]*Threshold, len(seed)),
		lastFired:  make(map[string]uint64),
	}
	for i := range seed {
		t := seed[i]
		m.thresholds[t.ID] = &t
	}
	return m
}

// Defaults returns the built-in tunables.
func Defaults() []Threshold {
	return []Threshold{
		{ID: "rate_limit.adjustment_factor", Category: "rate_limit", Value: 1.5, Unit: "ratio", Min: 0.5, Max: 5},
		{ID: "anomaly.response_time_ms", Category: "anomaly", Value: 5000, Unit: "ms", Min: 100, Max: 60000},
		{ID: "patterns.confidence_cutoff", Category: "patterns", Value: 60, Unit: "score", Min: 0, Max: 100},
		{ID: "blacklist.auto_threshold", Category: "blacklist", Value: 3, Unit: "violations", Min: 1, Max: 100},
		{ID: "aggregator.block_score", Category: "aggregator", Value: 70, Unit: "score", Min: 40, Max: 100},
		{ID: "system.error_rate", Category: "system", Value: 0.05, Unit: "ratio", Min: 0.001, Max: 0.5},
	}
}

// Get returns a copy of the threshold.
func (m *Manager) Get(id string) (Threshold, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.thresholds[id]
	if !ok {
		return Threshold{}, false
	}
	return *t, true
}

// List returns all thresholds.
func (m *Manager) List() []Threshold {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Threshold, 0, len(m.thresholds))
	for _, t := range m.thresholds {
		out = append(out, *t)
	}
	return out
}

// Update sets a threshold to an absolute value on behalf of an operator.
// Values outside the threshold's bounds are rejected with no mutation.
func (m *Manager) Update(id string, value float64, actor, reason string) (Threshold, error) {
	return m.set(id, value, actor, reason, TriggerManual, nil)
}

// AdjustAutomatically applies a relative delta from a feedback loop.
func (m *Manager) AdjustAutomatically(id string, delta float64, reason string, metadata map[string]string) (Threshold, error) {
	m.mu.RLock()
	t, ok := m.thresholds[id]
	if !ok {
		m.mu.RUnlock()
		return Threshold{}, fmt.Errorf("thresholds: unknown threshold %q", id)
	}
	target := t.Value + delta
	m.mu.RUnlock()
	return m.set(id, target, "system", reason, TriggerAutomatic, metadata)
}

// AdjustScheduled applies an absolute value from a periodic learning task.
func (m *Manager) AdjustScheduled(id string, value float64, reason string) (Threshold, error) {
	return m.set(id, value, "scheduler", reason, TriggerScheduled, nil)
}

func (m *Manager) set(id string, value float64, actor, reason string, trigger TriggerSource, metadata map[string]string) (Threshold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.thresholds[id]
	if !ok {
		return Threshold{}, fmt.Errorf("thresholds: unknown threshold %q", id)
	}
	if value < t.Min || value > t.Max {
		return Threshold{}, fmt.Errorf("thresholds: %q value %v outside bounds [%v, %v]",
			id, value, t.Min, t.Max)
	}
	entry := AdjustmentEntry{
		ID:          uuid.NewString(),
		ThresholdID: id,
		OldValue:    t.Value,
		NewValue:    value,
		Reason:      reason,
		Trigger:     trigger,
		Actor:       actor,
		Timestamp:   time.Now().UTC(),
		Metadata:    metadata,
	}
	t.Value = value
	t.LastModified = entry.Timestamp
	t.LastModifiedBy = actor
	m.log = append(m.log, entry)
	return *t, nil
}

// AuditLog returns a copy of the append-only adjustment history.
func (m *Manager) AuditLog() []AdjustmentEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AdjustmentEntry, len(m.log))
	copy(out, m.log)
	return out
}

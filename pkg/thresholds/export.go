package thresholds

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Export serializes the full threshold set to YAML, ordered by ID so the
// output is stable.
func (m *Manager) Export() ([]byte, error) {
	ts := m.List()
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
	return yaml.Marshal(ts)
}

// Import replaces the threshold set from previously exported YAML. Values
// and bounds round-trip exactly; an imported value outside its own bounds
// is rejected and nothing is imported. Import does not write audit entries:
// it restores state rather than adjusting it.
func (m *Manager) Import(data []byte) error {
	var ts []Threshold
	if err := yaml.Unmarshal(data, &ts); err != nil {
		return fmt.Errorf("thresholds: import: %w", err)
	}
	for _, t := range ts {
		if t.ID == "" {
			return fmt.Errorf("thresholds: import: threshold with empty id")
		}
		if t.Min > t.Max {
			return fmt.Errorf("thresholds: import: %q bounds inverted [%v, %v]", t.ID, t.Min, t.Max)
		}
		if t.Value < t.Min || t.Value > t.Max {
			return fmt.Errorf("thresholds: import: %q value %v outside bounds [%v, %v]",
				t.ID, t.Value, t.Min, t.Max)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = make(map[string]*Threshold, len(ts))
	for i := range ts {
		t := ts[i]
		m.thresholds[t.ID] = &t
	}
	return nil
}

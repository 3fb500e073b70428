package reputation

import (
	"time"

	"github.com/threatpipe/threatpipe/pkg/event"
)

// AutoRule fires when an address accumulates enough matching violations
// inside the rule's window. The resulting entry carries the rule's severity
// and block duration.
type AutoRule struct {
	ID         string         `yaml:"id"`
	Enabled    bool           `yaml:"enabled"`
	Categories []event.Category `yaml:"categories"` // empty = any
	Threshold  int            `yaml:"threshold"`
	Window     time.Duration  `yaml:"window"`
	Duration   time.Duration  `yaml:"duration"` // 0 = permanent
	Severity   event.Severity `yaml:"severity"`
	Escalate   bool           `yaml:"escalate"`
}

func (r *AutoRule) applies(cat event.Category) bool {
	if len(r.Categories) == 0 {
		return true
	}
	for _, c := range r.Categories {
		if c == cat {
			return true
		}
	}
	return false
}

// DefaultAutoRules returns the built-in auto-blacklist rule set.
func DefaultAutoRules() []AutoRule {
	return []AutoRule{
		{
			ID: "brute-force-lockout", Enabled: true,
			Categories: []event.Category{event.CategoryBruteForce},
			Threshold:  3, Window: 10 * time.Minute, Duration: time.Hour,
			Severity: event.SeverityHigh, Escalate: true,
		},
		{
			ID: "scanner-block", Enabled: true,
			Categories: []event.Category{event.CategoryScanner},
			Threshold:  5, Window: 15 * time.Minute, Duration: 6 * time.Hour,
			Severity: event.SeverityHigh,
		},
		{
			ID: "repeat-offender", Enabled: true,
			Threshold: 10, Window: time.Hour, Duration: 24 * time.Hour,
			Severity: event.SeverityCritical, Escalate: true,
		},
	}
}

// RecordViolation notes one violation for the address and evaluates the
// auto-blacklist rules. Returns the created entry when a rule fired, nil
// otherwise.
func (m *Manager) RecordViolation(addr string, cat event.Category, now time.Time) *Entry {
	m.violMu.Lock()
	vs := append(m.violations[addr], violation{at: now, category: cat})
	m.violations[addr] = vs
	m.violMu.Unlock()

	for i := range m.cfg.AutoRules {
		rule := &m.cfg.AutoRules[i]
		if !rule.Enabled || !rule.applies(cat) {
			continue
		}
		if m.countViolations(addr, rule, now) >= rule.Threshold {
			return m.Add(addr, ReasonAutoThreshold, rule.Severity, rule.Duration,
				"auto-blacklist rule "+rule.ID, now)
		}
	}
	return nil
}

func (m *Manager) countViolations(addr string, rule *AutoRule, now time.Time) int {
	cutoff := now.Add(-rule.Window)
	m.violMu.Lock()
	defer m.violMu.Unlock()
	n := 0
	for _, v := range m.violations[addr] {
		if !v.at.Before(cutoff) && rule.applies(v.category) {
			n++
		}
	}
	return n
}

// GeoVerdict is the outcome of a geo threat evaluation.
type GeoVerdict struct {
	ShouldBlock bool
	RiskScore   int
}

// EvaluateGeoThreat scores an address by its resolved location. Countries
// on the high-risk list score low (risky); below the block cutoff the
// recommendation is to block, otherwise only to log.
func (m *Manager) EvaluateGeoThreat(addr string, geo *event.GeoLocation) GeoVerdict {
	if geo == nil || geo.CountryCode == "" {
		return GeoVerdict{RiskScore: defaultScore}
	}
	score := defaultScore
	for _, cc := range m.cfg.HighRiskCountries {
		if cc == geo.CountryCode {
			score = 20
			break
		}
	}
	for _, cc := range m.cfg.BlockedCountries {
		if cc == geo.CountryCode {
			score = 0
			break
		}
	}
	return GeoVerdict{ShouldBlock: score < m.cfg.BlockCutoff, RiskScore: score}
}

// Package reputation implements the blacklist manager: active-block lookup,
// auto-blacklisting rules, geo threat evaluation, and multi-source
// reputation scoring with a bounded cache.
package reputation

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/threatpipe/threatpipe/pkg/event"
)

// Reason classifies why an address was blacklisted.
type Reason string

const (
	ReasonManual          Reason = "manual"
	ReasonAutoThreshold   Reason = "auto_threshold"
	ReasonCriticalVerdict Reason = "critical_verdict"
	ReasonBruteForce      Reason = "brute_force"
	ReasonScanner         Reason = "scanner"
	ReasonRateLimit       Reason = "rate_limit"
	ReasonGeo             Reason = "geo"
	ReasonReputation      Reason = "reputation"
)

// Entry is one blacklist record. At most one active entry exists per
// address; re-adding updates the existing entry in place.
type Entry struct {
	ID              string             `json:"id"`
	Address         string             `json:"address"` // exact address or CIDR
	Reason          Reason             `json:"reason"`
	Severity        event.Severity     `json:"severity"`
	Notes           string             `json:"notes,omitempty"`
	FirstDetected   time.Time          `json:"first_detected"`
	LastActivity    time.Time          `json:"last_activity"`
	AttackCount     int64              `json:"attack_count"`
	BlockedRequests int64              `json:"blocked_requests"`
	IsActive        bool               `json:"is_active"`
	ExpiresAt       *time.Time         `json:"expires_at,omitempty"` // nil = permanent
	Geo             *event.GeoLocation `json:"geo,omitempty"`
}

// Permanent reports whether the entry never expires.
func (e *Entry) Permanent() bool { return e.ExpiresAt == nil }

// expired reports whether a non-permanent entry has lapsed.
func (e *Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Lookup is the result of an isBlacklisted check.
type Lookup struct {
	IsBlacklisted bool
	Entry         *Entry
}

// Manager owns the blacklist, the auto-blacklist rules, and the reputation
// scorer state. Safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry // exact addresses
	cidrs   []*cidrEntry

	violMu     sync.Mutex
	violations map[string][]violation

	rep *scorer
}

type cidrEntry struct {
	net   *net.IPNet
	entry *Entry
}

type violation struct {
	at       time.Time
	category event.Category
}

// New creates a Manager.
func New(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		entries:    make(map[string]*Entry),
		violations: make(map[string][]violation),
		rep:        newScorer(cfg),
	}
}

// IsBlacklisted checks the address against exact entries and CIDR ranges.
// Expired non-permanent entries read as absent; the periodic sweep reclaims
// them. A hit increments the entry's blocked-request counter.
func (m *Manager) IsBlacklisted(addr string, now time.Time) Lookup {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[addr]; ok && e.IsActive && !e.expired(now) {
		e.BlockedRequests++
		cp := *e
		return Lookup{IsBlacklisted: true, Entry: &cp}
	}
	if ip := net.ParseIP(addr); ip != nil {
		for _, c := range m.cidrs {
			if c.entry.IsActive && !c.entry.expired(now) && c.net.Contains(ip) {
				c.entry.BlockedRequests++
				cp := *c.entry
				return Lookup{IsBlacklisted: true, Entry: &cp}
			}
		}
	}
	return Lookup{}
}

// Add inserts or refreshes a blacklist entry. duration <= 0 means
// permanent. Re-adding an address updates the existing entry: the attack
// count increments, activity and expiry refresh, and the higher severity
// wins.
func (m *Manager) Add(addr string, reason Reason, severity event.Severity, duration time.Duration, notes string, now time.Time) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expires *time.Time
	if duration > 0 {
		t := now.Add(duration)
		expires = &t
	}

	if e, ok := m.entries[addr]; ok {
		refresh(e, reason, severity, expires, notes, now)
		cp := *e
		return &cp
	}
	for _, c := range m.cidrs {
		if c.entry.Address == addr {
			refresh(c.entry, reason, severity, expires, notes, now)
			cp := *c.entry
			return &cp
		}
	}

	e := &Entry{
		ID:            uuid.NewString(),
		Address:       addr,
		Reason:        reason,
		Severity:      severity,
		Notes:         notes,
		FirstDetected: now,
		LastActivity:  now,
		AttackCount:   1,
		IsActive:      true,
		ExpiresAt:     expires,
	}
	if _, ipnet, err := net.ParseCIDR(addr); err == nil {
		m.cidrs = append(m.cidrs, &cidrEntry{net: ipnet, entry: e})
	} else {
		m.entries[addr] = e
	}
	m.logger.Info("address blacklisted",
		"addr", addr, "reason", reason, "severity", severity, "permanent", expires == nil)
	cp := *e
	return &cp
}

// refresh applies a re-add to an existing entry. The attack count
// increments, activity and expiry take the new values, and the higher
// severity wins.
func refresh(e *Entry, reason Reason, severity event.Severity, expires *time.Time, notes string, now time.Time) {
	e.AttackCount++
	e.LastActivity = now
	e.IsActive = true
	e.ExpiresAt = expires
	e.Reason = reason
	if severity.AtLeast(e.Severity) {
		e.Severity = severity
	}
	if notes != "" {
		e.Notes = notes
	}
}

// Remove deactivates the entry for an address. Returns false if no entry
// exists.
func (m *Manager) Remove(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[addr]; ok {
		e.IsActive = false
		return true
	}
	for _, c := range m.cidrs {
		if c.entry.Address == addr {
			c.entry.IsActive = false
			return true
		}
	}
	return false
}

// Entries returns a copy of all entries, active and not.
func (m *Manager) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries)+len(m.cidrs))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	for _, c := range m.cidrs {
		out = append(out, *c.entry)
	}
	return out
}

// ActiveCount returns the number of active unexpired entries.
func (m *Manager) ActiveCount(now time.Time) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.entries {
		if e.IsActive && !e.expired(now) {
			n++
		}
	}
	for _, c := range m.cidrs {
		if c.entry.IsActive && !c.entry.expired(now) {
			n++
		}
	}
	return n
}

// Sweep deactivates expired entries, reclaims inactive CIDR entries, and
// trims old violation history.
func (m *Manager) Sweep(now time.Time) int {
	removed := 0
	m.mu.Lock()
	for _, e := range m.entries {
		if e.IsActive && e.expired(now) {
			e.IsActive = false
			removed++
		}
	}
	kept := m.cidrs[:0]
	for _, c := range m.cidrs {
		if c.entry.IsActive && c.entry.expired(now) {
			c.entry.IsActive = false
			removed++
		}
		if c.entry.IsActive {
			kept = append(kept, c)
		}
	}
	m.cidrs = kept
	m.mu.Unlock()

	cutoff := now.Add(-maxViolationAge)
	m.violMu.Lock()
	for addr, vs := range m.violations {
		i := 0
		for i < len(vs) && vs[i].at.Before(cutoff) {
			i++
		}
		switch {
		case i == len(vs):
			delete(m.violations, addr)
		case i > 0:
			m.violations[addr] = append([]violation(nil), vs[i:]...)
		}
	}
	m.violMu.Unlock()
	return removed
}

const maxViolationAge = 24 * time.Hour

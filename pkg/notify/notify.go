// Package notify implements the notification and escalation engine: rule
// matching, per-rule rate-capped delivery, composite-threat correlation, and
// time/count-based escalation. Channel failures are isolated; one channel
// failing never blocks the others.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/threatpipe/threatpipe/pkg/event"
	"github.com/threatpipe/threatpipe/pkg/metrics"
)

// RateLimit caps deliveries per rule+address with fixed-window resets.
type RateLimit struct {
	MaxPerHour      int `yaml:"max_per_hour"`
	MaxPerDay       int `yaml:"max_per_day"`
	CooldownMinutes int `yaml:"cooldown_minutes"`
}

// EscalationPolicy re-emits a recurring threat at forced CRITICAL severity.
type EscalationPolicy struct {
	Enabled          bool     `yaml:"enabled"`
	CountThreshold   int      `yaml:"count_threshold"`
	MinutesThreshold int      `yaml:"minutes_threshold"`
	Channels         []string `yaml:"channels"`
}

// Rule decides which threats reach which channels.
type Rule struct {
	ID                 string           `yaml:"id"`
	Enabled            bool             `yaml:"enabled"`
	Channels           []string         `yaml:"channels"`
	MinSeverity        event.Severity   `yaml:"min_severity"`
	Categories         []event.Category `yaml:"categories"` // empty = all
	MinRiskScore       int              `yaml:"min_risk_score"`
	MinConfidence      int              `yaml:"min_confidence"`
	MinEscalationLevel int              `yaml:"min_escalation_level"`
	RateLimit          RateLimit        `yaml:"rate_limit"`
	Escalation         EscalationPolicy `yaml:"escalation"`
}

// matches reports whether the rule applies to the threat.
func (r *Rule) matches(t *event.SecurityThreat) bool {
	if !r.Enabled {
		return false
	}
	if r.MinSeverity != "" && !t.Severity.AtLeast(r.MinSeverity) {
		return false
	}
	if len(r.Categories) > 0 {
		found := false
		for _, c := range r.Categories {
			if c == t.Category {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return t.RiskScore >= r.MinRiskScore &&
		t.Confidence >= r.MinConfidence &&
		t.EscalationLevel >= r.MinEscalationLevel
}

// Config configures the Engine.
type Config struct {
	Rules []Rule `yaml:"rules"`

	// Composite correlation.
	CompositeWindow    time.Duration `yaml:"composite_window"`     // trailing window, default 5m
	CompositePeers     int           `yaml:"composite_peers"`      // prior threats needed, default 2
	SweepMinVectors    int           `yaml:"sweep_min_vectors"`    // default 3
	SweepMinThreats    int           `yaml:"sweep_min_threats"`    // default 5
	SweepWindow        time.Duration `yaml:"sweep_window"`         // default 15m
	EscalationInterval time.Duration `yaml:"escalation_interval"`  // min gap per pair, default 30m
	HistoryMaxAge      time.Duration `yaml:"history_max_age"`      // cleanup horizon, default 1h
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Rules:              DefaultRules(),
		CompositeWindow:    5 * time.Minute,
		CompositePeers:     2,
		SweepMinVectors:    3,
		SweepMinThreats:    5,
		SweepWindow:        15 * time.Minute,
		EscalationInterval: 30 * time.Minute,
		HistoryMaxAge:      time.Hour,
	}
}

// DefaultRules routes HIGH+ threats to the log channel and CRITICAL threats
// to every configured channel.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID: "high-to-log", Enabled: true,
			Channels:    []string{"log"},
			MinSeverity: event.SeverityHigh,
			RateLimit:   RateLimit{MaxPerHour: 50, MaxPerDay: 200},
		},
		{
			ID: "critical-all", Enabled: true,
			Channels:    []string{"log", "webhook"},
			MinSeverity: event.SeverityCritical,
			RateLimit:   RateLimit{MaxPerHour: 20, MaxPerDay: 100, CooldownMinutes: 1},
			Escalation: EscalationPolicy{
				Enabled: true, CountThreshold: 5, MinutesThreshold: 30,
				Channels: []string{"webhook"},
			},
		},
	}
}

type deliveryCounter struct {
	hourCount int
	dayCount  int
	hourReset time.Time
	dayReset  time.Time
	lastSent  time.Time
}

type threatRecord struct {
	at       time.Time
	category event.Category
	severity event.Severity
}

type escalationState struct {
	count         int
	firstSeen     time.Time
	lastEscalated time.Time
}

// Engine is the notification engine. Safe for concurrent use.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	senders map[string]Sender

	mu          sync.Mutex
	counters    map[string]*deliveryCounter // ruleID|addr
	history     map[string][]threatRecord   // addr
	raised      map[string]time.Time        // addr -> last composite raise
	escalations map[string]*escalationState // addr|category
}

// New creates an Engine. senders maps channel names to implementations;
// metrics may be nil.
func New(cfg Config, senders []Sender, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]Sender, len(senders))
	for _, s := range senders {
		byName[s.Name()] = s
	}
	return &Engine{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		senders:     byName,
		counters:    make(map[string]*deliveryCounter),
		history:     make(map[string][]threatRecord),
		raised:      make(map[string]time.Time),
		escalations: make(map[string]*escalationState),
	}
}

// Notify routes one threat through rule matching, rate caps, delivery,
// composite correlation, and escalation tracking. It never returns an
// error: delivery problems are contained and logged.
func (e *Engine) Notify(ctx context.Context, t event.SecurityThreat) {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	for i := range e.cfg.Rules {
		rule := &e.cfg.Rules[i]
		if !rule.matches(&t) {
			continue
		}
		if !e.allowDelivery(rule, t.SourceAddr, t.Timestamp) {
			if e.metrics != nil {
				e.metrics.NotificationsSuppressed.Inc()
			}
			continue
		}
		e.deliver(ctx, rule.Channels, &t)
		e.trackEscalation(ctx, rule, &t)
	}
	e.correlate(ctx, &t)
}

// allowDelivery enforces the per rule+address hour/day caps and cooldown.
// Counters reset on fixed windows: when the elapsed time since the last
// reset reaches one hour or 24 hours respectively.
func (e *Engine) allowDelivery(rule *Rule, addr string, now time.Time) bool {
	key := rule.ID + "|" + addr
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.counters[key]
	if !ok {
		c = &deliveryCounter{hourReset: now, dayReset: now}
		e.counters[key] = c
	}
	if now.Sub(c.hourReset) >= time.Hour {
		c.hourCount = 0
		c.hourReset = now
	}
	if now.Sub(c.dayReset) >= 24*time.Hour {
		c.dayCount = 0
		c.dayReset = now
	}
	if cd := rule.RateLimit.CooldownMinutes; cd > 0 && !c.lastSent.IsZero() {
		if now.Sub(c.lastSent) < time.Duration(cd)*time.Minute {
			return false
		}
	}
	if max := rule.RateLimit.MaxPerHour; max > 0 && c.hourCount >= max {
		return false
	}
	if max := rule.RateLimit.MaxPerDay; max > 0 && c.dayCount >= max {
		return false
	}
	c.hourCount++
	c.dayCount++
	c.lastSent = now
	return true
}

// deliver fans out to every named channel concurrently and waits for all of
// them, collecting failures without letting one abort the rest.
func (e *Engine) deliver(ctx context.Context, channels []string, t *event.SecurityThreat) {
	var wg sync.WaitGroup
	for _, name := range channels {
		sender, ok := e.senders[name]
		if !ok {
			e.logger.Warn("unknown notification channel", "channel", name)
			continue
		}
		wg.Add(1)
		go func(name string, s Sender) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("notification channel panic", "channel", name, "panic", r)
				}
			}()
			if err := s.Send(ctx, *t); err != nil {
				e.logger.Warn("notification delivery failed", "channel", name, "err", err)
				return
			}
			if e.metrics != nil {
				e.metrics.NotificationsSent.WithLabelValues(name).Inc()
			}
		}(name, sender)
	}
	wg.Wait()
}

// Cleanup drops stale counters, history, and escalation state. Runs on the
// hourly maintenance ticker.
func (e *Engine) Cleanup(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	horizon := e.cfg.HistoryMaxAge
	for key, c := range e.counters {
		if now.Sub(c.lastSent) > 24*time.Hour {
			delete(e.counters, key)
			removed++
		}
	}
	for addr, hist := range e.history {
		i := 0
		for i < len(hist) && now.Sub(hist[i].at) > horizon {
			i++
		}
		switch {
		case i == len(hist):
			delete(e.history, addr)
			removed++
		case i > 0:
			e.history[addr] = append([]threatRecord(nil), hist[i:]...)
		}
	}
	for addr, at := range e.raised {
		if now.Sub(at) > horizon {
			delete(e.raised, addr)
		}
	}
	for key, es := range e.escalations {
		if now.Sub(es.firstSeen) > 24*time.Hour && now.Sub(es.lastEscalated) > 24*time.Hour {
			delete(e.escalations, key)
			removed++
		}
	}
	return removed
}

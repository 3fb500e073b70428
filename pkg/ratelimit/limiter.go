package ratelimit

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/threatpipe/threatpipe/pkg/counterstore"
	"github.com/threatpipe/threatpipe/pkg/event"
	"github.com/threatpipe/threatpipe/pkg/regexcache"
)

// Config configures the Limiter.
type Config struct {
	Rules []Rule `yaml:"rules"`

	// Whitelist addresses bypass all rule evaluation.
	Whitelist []string `yaml:"whitelist"`

	// WhitelistUAPatterns are regexes; a matching user agent bypasses all
	// rule evaluation (health checkers, internal probes).
	WhitelistUAPatterns []string `yaml:"whitelist_ua_patterns"`

	// Blacklist addresses are rejected before any rule evaluation.
	Blacklist []string `yaml:"blacklist"`

	// Adaptive learning. A learned per-minute limit replaces the rule's
	// configured per-minute limit for keys with enough history.
	AdjustmentFactor float64       `yaml:"adjustment_factor"`
	LearnMin         int64         `yaml:"learn_min"`
	LearnMax         int64         `yaml:"learn_max"`
	LearnInterval    time.Duration `yaml:"learn_interval"`

	// Emergency mode.
	EmergencyViolations  int           `yaml:"emergency_violations"`
	EmergencyWindow      time.Duration `yaml:"emergency_window"`
	EmergencyRestriction float64       `yaml:"emergency_restriction"`
	EmergencyDuration    time.Duration `yaml:"emergency_duration"`
}

// DefaultConfig returns production defaults: hourly relearning, emergency
// mode at 100 violations over 5 minutes cutting limits to 30% for 10
// minutes.
func DefaultConfig() Config {
	return Config{
		Rules:                DefaultRules(),
		AdjustmentFactor:     1.5,
		LearnMin:             10,
		LearnMax:             5000,
		LearnInterval:        time.Hour,
		EmergencyViolations:  100,
		EmergencyWindow:      5 * time.Minute,
		EmergencyRestriction: 0.3,
		EmergencyDuration:    10 * time.Minute,
	}
}

// Result is the outcome of one admission check. On acceptance Release must
// be called when the request completes; it is safe to call exactly once via
// defer and is a no-op on rejections.
type Result struct {
	Allowed           bool
	RuleID            string
	ViolationType     string
	CurrentCount      int64
	Limit             int64
	RemainingRequests int64
	ResetTime         time.Time
	Release           func()
}

// Limiter is the adaptive rate limiter. Safe for concurrent use.
type Limiter struct {
	cfg    Config
	rules  []Rule
	store  *counterstore.Store
	logger *slog.Logger

	whitelist map[string]struct{}
	blacklist map[string]struct{}

	// inflight concurrent-request counters per rule+key.
	inflight sync.Map // string -> *atomic.Int64

	// learned per-minute limits per client key.
	learnedMu sync.RWMutex
	learned   map[string]int64

	// seen tracks keys with recent traffic for the relearn pass.
	seenMu sync.Mutex
	seen   map[string]time.Time

	// violations is a rolling log of rejection timestamps driving emergency
	// mode.
	violMu     sync.Mutex
	violations []time.Time

	emergency struct {
		sync.Mutex
		active      bool
		activatedAt time.Time
	}
}

// New creates a Limiter using store for window accounting.
func New(cfg Config, store *counterstore.Store, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		cfg:       cfg,
		rules:     sortRules(cfg.Rules),
		store:     store,
		logger:    logger,
		whitelist: toSet(cfg.Whitelist),
		blacklist: toSet(cfg.Blacklist),
		learned:   make(map[string]int64),
		seen:      make(map[string]time.Time),
	}
	return l
}

func toSet(ss []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		m[s] = struct{}{}
	}
	return m
}

var allowAll = Result{Allowed: true, Release: func() {}}

// Check evaluates the event against the rule set at time now. Any internal
// panic fails open: the request is allowed.
func (l *Limiter) Check(e *event.RequestEvent, now time.Time) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("rate limiter panic, failing open", "panic", r)
			res = allowAll
		}
	}()

	if l.bypassed(e) {
		return allowAll
	}
	if _, ok := l.blacklist[e.SourceAddr]; ok {
		return Result{
			ViolationType: ViolationBlacklist,
			ResetTime:     now.Add(24 * time.Hour),
			Release:       func() {},
		}
	}

	l.maybeDeactivateEmergency(now)
	l.markSeen(e.Key(), now)

	matchedAny := false
	best := allowAll
	best.RemainingRequests = -1
	releases := []func(){}
	for i := range l.rules {
		rule := &l.rules[i]
		if !rule.matches(e) {
			continue
		}
		matchedAny = true
		rr := l.checkRule(rule, e, now)
		if !rr.Allowed {
			for _, rel := range releases {
				rel()
			}
			l.recordViolation(now)
			return rr
		}
		releases = append(releases, rr.Release)
		// Track the tightest remaining quota across matched rules.
		if best.RemainingRequests < 0 || rr.RemainingRequests < best.RemainingRequests {
			best = rr
		}
	}
	if !matchedAny {
		return allowAll
	}
	best.Release = func() {
		for _, rel := range releases {
			rel()
		}
	}
	return best
}

// checkRule runs one rule's windows. Counters are consumed in order; the
// first window at or past its limit rejects with that window's name.
func (l *Limiter) checkRule(rule *Rule, e *event.RequestEvent, now time.Time) Result {
	key := e.Key()
	remaining := int64(-1)
	var nearestReset time.Time

	for _, w := range rule.windows() {
		limit := l.effectiveLimit(w, key)
		if limit <= 0 {
			continue
		}
		c := l.store.Hit(counterKey(rule.ID, key, w.name), w.duration, now)
		reset := c.WindowStart.Add(w.duration)
		if c.Count > limit {
			return Result{
				RuleID:        rule.ID,
				ViolationType: w.name,
				CurrentCount:  c.Count,
				Limit:         limit,
				ResetTime:     reset,
				Release:       func() {},
			}
		}
		if slack := limit - c.Count; remaining < 0 || slack < remaining {
			remaining = slack
			nearestReset = reset
		}
	}

	if rule.BurstCapacity > 0 {
		limit := l.restrict(rule.BurstCapacity)
		c := l.store.Hit(counterKey(rule.ID, key, "burst"), BurstWindow, now)
		reset := c.WindowStart.Add(BurstWindow)
		if c.Count > limit {
			return Result{
				RuleID:        rule.ID,
				ViolationType: ViolationBurst,
				CurrentCount:  c.Count,
				Limit:         limit,
				ResetTime:     reset,
				Release:       func() {},
			}
		}
		if slack := limit - c.Count; remaining < 0 || slack < remaining {
			remaining = slack
			nearestReset = reset
		}
	}

	release := func() {}
	if rule.ConcurrentRequestLimit > 0 {
		ctr := l.inflightCounter(rule.ID, key)
		if n := ctr.Add(1); n > rule.ConcurrentRequestLimit {
			ctr.Add(-1)
			return Result{
				RuleID:        rule.ID,
				ViolationType: ViolationConcurrent,
				CurrentCount:  n,
				Limit:         rule.ConcurrentRequestLimit,
				ResetTime:     now,
				Release:       func() {},
			}
		}
		var once sync.Once
		release = func() {
			once.Do(func() { ctr.Add(-1) })
		}
	}

	// Remaining can go negative when a wider window was already past its
	// limit at acceptance time; clamp to zero rather than reporting a
	// negative quota.
	if remaining < 0 {
		remaining = 0
	}
	if nearestReset.IsZero() {
		nearestReset = now.Add(time.Minute)
	}
	return Result{
		Allowed:           true,
		RuleID:            rule.ID,
		RemainingRequests: remaining,
		ResetTime:         nearestReset,
		Release:           release,
	}
}

// effectiveLimit applies the learned per-minute override and the emergency
// restriction to a window's configured limit.
func (l *Limiter) effectiveLimit(w window, key string) int64 {
	limit := w.limit
	if w.name == ViolationMinute {
		l.learnedMu.RLock()
		if learned, ok := l.learned[key]; ok {
			limit = learned
		}
		l.learnedMu.RUnlock()
	}
	if limit <= 0 {
		return limit
	}
	return l.restrict(limit)
}

// restrict applies the emergency multiplier, keeping at least one request
// per window so emergency mode throttles rather than hard-blocks.
func (l *Limiter) restrict(limit int64) int64 {
	l.emergency.Lock()
	active := l.emergency.active
	l.emergency.Unlock()
	if !active {
		return limit
	}
	restricted := int64(float64(limit) * l.cfg.EmergencyRestriction)
	if restricted < 1 {
		restricted = 1
	}
	return restricted
}

func (l *Limiter) inflightCounter(ruleID, key string) *atomic.Int64 {
	k := ruleID + "|" + key
	if v, ok := l.inflight.Load(k); ok {
		return v.(*atomic.Int64)
	}
	v, _ := l.inflight.LoadOrStore(k, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func (l *Limiter) bypassed(e *event.RequestEvent) bool {
	if _, ok := l.whitelist[e.SourceAddr]; ok {
		return true
	}
	for _, p := range l.cfg.WhitelistUAPatterns {
		re, err := regexcache.Get(p, false)
		if err != nil {
			continue
		}
		if re.MatchString(e.UserAgent) {
			return true
		}
	}
	return false
}

func counterKey(ruleID, clientKey, window string) string {
	return "rl|" + ruleID + "|" + clientKey + "|" + window
}

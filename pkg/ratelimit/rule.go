// Package ratelimit implements rule-based, multi-window, burst-aware
// admission control. Each matched rule is checked against four fixed
// windows, a 10-second burst window, and a concurrent in-flight counter;
// limits can be tightened globally by emergency mode and overridden per key
// by adaptively learned values. Internal failures always fail open: an
// outage here must never turn into a denial of service.
package ratelimit

import (
	"sort"
	"time"

	"github.com/threatpipe/threatpipe/pkg/event"
	"github.com/threatpipe/threatpipe/pkg/regexcache"
)

// Window names reported as violation types.
const (
	ViolationSecond     = "second_exceeded"
	ViolationMinute     = "minute_exceeded"
	ViolationHour       = "hour_exceeded"
	ViolationDay        = "day_exceeded"
	ViolationBurst      = "burst_exceeded"
	ViolationConcurrent = "concurrent_exceeded"
	ViolationBlacklist  = "blacklisted"
)

// BurstWindow is the sliding burst accounting interval.
const BurstWindow = 10 * time.Second

// Limits holds the per-window request caps for a rule. Zero means the
// window is not enforced.
type Limits struct {
	PerSecond int64 `yaml:"per_second"`
	PerMinute int64 `yaml:"per_minute"`
	PerHour   int64 `yaml:"per_hour"`
	PerDay    int64 `yaml:"per_day"`
}

// Rule is one admission-control rule. Rules are immutable once loaded;
// matching walks them in ascending priority order and the first rule that
// disqualifies the request wins.
type Rule struct {
	ID      string `yaml:"id"`
	Enabled bool   `yaml:"enabled"`

	// PathPattern is a regular expression matched against the request path.
	PathPattern string `yaml:"path_pattern"`

	// Method restricts the rule to one HTTP method when non-empty.
	Method string `yaml:"method"`

	// UserType restricts the rule to "anonymous" or "authenticated" when
	// non-empty.
	UserType string `yaml:"user_type"`

	Limits                 Limits `yaml:"limits"`
	BurstCapacity          int64  `yaml:"burst_capacity"`
	ConcurrentRequestLimit int64  `yaml:"concurrent_limit"`
	Priority               int    `yaml:"priority"`
}

// matches reports whether the rule applies to the event.
func (r *Rule) matches(e *event.RequestEvent) bool {
	if !r.Enabled {
		return false
	}
	if r.Method != "" && r.Method != e.Method {
		return false
	}
	switch r.UserType {
	case "anonymous":
		if e.UserID != "" {
			return false
		}
	case "authenticated":
		if e.UserID == "" {
			return false
		}
	}
	if r.PathPattern == "" {
		return true
	}
	re, err := regexcache.Get(r.PathPattern, true)
	if err != nil {
		return false
	}
	return re.MatchString(e.Path)
}

// sortRules orders rules by ascending priority, stable on ID for
// determinism.
func sortRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DefaultRules returns a conservative starter rule set: a tight rule for
// auth endpoints and a broad catch-all.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "auth-endpoints",
			Enabled:     true,
			PathPattern: `^/(api/)?(login|signin|auth|token|password)`,
			Limits:      Limits{PerSecond: 3, PerMinute: 20, PerHour: 200, PerDay: 1000},
			BurstCapacity:          10,
			ConcurrentRequestLimit: 10,
			Priority:               10,
		},
		{
			ID:      "default",
			Enabled: true,
			Limits:  Limits{PerSecond: 25, PerMinute: 600, PerHour: 10000, PerDay: 100000},
			BurstCapacity:          100,
			ConcurrentRequestLimit: 50,
			Priority:               100,
		},
	}
}

// window pairs a violation name with its duration and configured limit.
type window struct {
	name     string
	duration time.Duration
	limit    int64
}

func (r *Rule) windows() []window {
	return []window{
		{ViolationSecond, time.Second, r.Limits.PerSecond},
		{ViolationMinute, time.Minute, r.Limits.PerMinute},
		{ViolationHour, time.Hour, r.Limits.PerHour},
		{ViolationDay, 24 * time.Hour, r.Limits.PerDay},
	}
}

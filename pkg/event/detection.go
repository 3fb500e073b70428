package event

import (
	"time"
)

// DetectionKind discriminates the DetectionResult union.
type DetectionKind string

const (
	KindRateLimit DetectionKind = "rate_limit"
	KindPattern   DetectionKind = "pattern"
	KindAnomaly   DetectionKind = "anomaly"
	KindBlacklist DetectionKind = "blacklist"
)

// DetectionResult is one engine's finding for one request. It is a tagged
// union: exactly one variant pointer is non-nil, matching Kind.
type DetectionResult struct {
	Kind       DetectionKind `json:"kind"`
	Category   Category      `json:"category"`
	Confidence int           `json:"confidence"` // 0-100
	RiskScore  int           `json:"risk_score"` // 0-100
	SourceAddr string        `json:"source_addr"`
	Endpoint   string        `json:"endpoint"`
	Timestamp  time.Time     `json:"timestamp"`
	Evidence   Evidence      `json:"evidence,omitempty"`

	RateLimit *RateLimitVerdict `json:"rate_limit,omitempty"`
	Pattern   *PatternMatch     `json:"pattern,omitempty"`
	Anomaly   *AnomalyFinding   `json:"anomaly,omitempty"`
	Blacklist *BlacklistHit     `json:"blacklist,omitempty"`
}

// RateLimitVerdict is the rate limiter's variant payload.
type RateLimitVerdict struct {
	Allowed           bool      `json:"allowed"`
	RuleID            string    `json:"rule_id"`
	ViolationType     string    `json:"violation_type,omitempty"`
	CurrentCount      int64     `json:"current_count"`
	Limit             int64     `json:"limit"`
	RemainingRequests int64     `json:"remaining_requests"`
	ResetTime         time.Time `json:"reset_time"`
}

// PatternMatch is the signature matcher's variant payload.
type PatternMatch struct {
	RuleID          string   `json:"rule_id"`
	MatchedPatterns []string `json:"matched_patterns"`
	MatchedSamples  []string `json:"matched_samples"`
	WeightedScore   float64  `json:"weighted_score"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// AnomalyFinding is the anomaly detector's variant payload.
type AnomalyFinding struct {
	Detector    string `json:"detector"`
	Threshold   int    `json:"threshold"`
	Observed    int    `json:"observed"`
	WindowStart time.Time `json:"window_start"`
}

// BlacklistHit is the blacklist lookup's variant payload.
type BlacklistHit struct {
	EntryID   string    `json:"entry_id"`
	Reason    string    `json:"reason"`
	Severity  Severity  `json:"severity"`
	Permanent bool      `json:"permanent"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether exactly the variant named by Kind is populated.
func (d *DetectionResult) Valid() bool {
	switch d.Kind {
	case KindRateLimit:
		return d.RateLimit != nil && d.Pattern == nil && d.Anomaly == nil && d.Blacklist == nil
	case KindPattern:
		return d.Pattern != nil && d.RateLimit == nil && d.Anomaly == nil && d.Blacklist == nil
	case KindAnomaly:
		return d.Anomaly != nil && d.RateLimit == nil && d.Pattern == nil && d.Blacklist == nil
	case KindBlacklist:
		return d.Blacklist != nil && d.RateLimit == nil && d.Pattern == nil && d.Anomaly == nil
	}
	return false
}

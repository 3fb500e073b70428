// Package anomaly implements heuristic detectors over each client key's
// recent activity. Unlike the signature matcher, every detector here is
// stateful per key: it reads the sliding history kept in the counter store
// and fires when the observed behavior crosses its configured threshold.
package anomaly

import (
	"strings"
	"sync"
	"time"

	"github.com/threatpipe/threatpipe/pkg/counterstore"
	"github.com/threatpipe/threatpipe/pkg/event"
	"github.com/threatpipe/threatpipe/pkg/patterns"
)

// DetectorConfig holds the per-detector tunables. Each detector can be
// toggled independently.
type DetectorConfig struct {
	Enabled   bool           `yaml:"enabled"`
	Threshold int            `yaml:"threshold"`
	Window    time.Duration  `yaml:"window"`
	Severity  event.Severity `yaml:"severity"`
}

// Config configures the full detector set.
type Config struct {
	RateViolation DetectorConfig `yaml:"rate_violation"`
	UserAgent     DetectorConfig `yaml:"user_agent"`
	Signatures    DetectorConfig `yaml:"signatures"`
	BruteForce    DetectorConfig `yaml:"brute_force"`
	Scanner       DetectorConfig `yaml:"scanner"`
	Bot           DetectorConfig `yaml:"bot"`

	// AuthEndpoints are path substrings counted by the brute-force detector.
	AuthEndpoints []string `yaml:"auth_endpoints"`

	// BenignCrawlers is the allow-list of bot user-agent substrings that the
	// bot detector ignores.
	BenignCrawlers []string `yaml:"benign_crawlers"`
}

// DefaultConfig returns the detector set with all detectors enabled.
func DefaultConfig() Config {
	return Config{
		RateViolation: DetectorConfig{Enabled: true, Threshold: 120, Window: time.Minute, Severity: event.SeverityMedium},
		UserAgent:     DetectorConfig{Enabled: true, Threshold: 1, Window: time.Minute, Severity: event.SeverityMedium},
		Signatures:    DetectorConfig{Enabled: true, Threshold: 1, Window: time.Minute, Severity: event.SeverityHigh},
		BruteForce:    DetectorConfig{Enabled: true, Threshold: 5, Window: 5 * time.Minute, Severity: event.SeverityHigh},
		Scanner:       DetectorConfig{Enabled: true, Threshold: 30, Window: 5 * time.Minute, Severity: event.SeverityHigh},
		Bot:           DetectorConfig{Enabled: true, Threshold: 1, Window: time.Minute, Severity: event.SeverityLow},
		AuthEndpoints: []string{"/login", "/signin", "/auth", "/password", "/token", "/session"},
		BenignCrawlers: []string{
			"googlebot", "bingbot", "duckduckbot", "slurp", "baiduspider",
			"yandexbot", "applebot", "facebookexternalhit", "twitterbot",
		},
	}
}

// Detector runs the heuristic detector set. Safe for concurrent use.
type Detector struct {
	cfg     Config
	store   *counterstore.Store
	matcher *patterns.Matcher

	mu       sync.RWMutex
	crawlers map[string]struct{}
}

// New creates a Detector reading history from store. The signature-scoped
// detectors run their own rule set, separate from the primary matcher's.
func New(cfg Config, store *counterstore.Store) *Detector {
	crawlers := make(map[string]struct{}, len(cfg.BenignCrawlers))
	for _, c := range cfg.BenignCrawlers {
		crawlers[strings.ToLower(c)] = struct{}{}
	}
	return &Detector{
		cfg:      cfg,
		store:    store,
		matcher:  patterns.New(signatureRules()),
		crawlers: crawlers,
	}
}

// AllowCrawler adds a user-agent substring to the benign crawler allow-list.
func (d *Detector) AllowCrawler(ua string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.crawlers[strings.ToLower(ua)] = struct{}{}
}

// DisallowCrawler removes a user-agent substring from the allow-list.
func (d *Detector) DisallowCrawler(ua string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.crawlers, strings.ToLower(ua))
}

// Detect evaluates every enabled detector against the event and the key's
// recent history. The event is assumed to have been recorded in the store
// already by the caller.
func (d *Detector) Detect(e *event.RequestEvent) []event.DetectionResult {
	var results []event.DetectionResult
	key := e.Key()

	if d.cfg.RateViolation.Enabled {
		if r := d.detectRate(e, key); r != nil {
			results = append(results, *r)
		}
	}
	if d.cfg.UserAgent.Enabled {
		if r := d.detectUserAgent(e); r != nil {
			results = append(results, *r)
		}
	}
	if d.cfg.Signatures.Enabled {
		results = append(results, d.detectSignatures(e)...)
	}
	if d.cfg.BruteForce.Enabled {
		if r := d.detectBruteForce(e, key); r != nil {
			results = append(results, *r)
		}
	}
	if d.cfg.Scanner.Enabled {
		if r := d.detectScanner(e, key); r != nil {
			results = append(results, *r)
		}
	}
	if d.cfg.Bot.Enabled {
		if r := d.detectBot(e); r != nil {
			results = append(results, *r)
		}
	}
	return results
}

// confidence implements the evidence-richness scoring shared by all
// detectors: base 70, +15 for more than two matched patterns, +10 for any
// match at all, +10 for exceeding twice the volume threshold, capped at 100.
func confidence(matchedPatterns int, doubleVolume bool) int {
	c := 70
	if matchedPatterns > 2 {
		c += 15
	}
	if matchedPatterns > 0 {
		c += 10
	}
	if doubleVolume {
		c += 10
	}
	if c > 100 {
		c = 100
	}
	return c
}

// risk maps the detector's severity tier to a base score and adds small
// evidence bonuses, capped at 100.
func risk(sev event.Severity, bonus int) int {
	r := sev.RiskScore() + bonus
	if r > 100 {
		r = 100
	}
	return r
}

func (d *Detector) result(e *event.RequestEvent, cat event.Category, detector string, cfg DetectorConfig, observed int, conf int, bonus int, ev event.Evidence) event.DetectionResult {
	return event.DetectionResult{
		Kind:       event.KindAnomaly,
		Category:   cat,
		Confidence: conf,
		RiskScore:  risk(cfg.Severity, bonus),
		SourceAddr: e.SourceAddr,
		Endpoint:   e.Endpoint(),
		Timestamp:  e.Timestamp,
		Evidence:   ev,
		Anomaly: &event.AnomalyFinding{
			Detector:    detector,
			Threshold:   cfg.Threshold,
			Observed:    observed,
			WindowStart: e.Timestamp.Add(-cfg.Window),
		},
	}
}

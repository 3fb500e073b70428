package anomaly

import (
	"strings"

	"github.com/threatpipe/threatpipe/pkg/event"
	"github.com/threatpipe/threatpipe/pkg/patterns"
)

// scannerSignatures are user-agent substrings of known scanning tools.
var scannerSignatures = []string{
	"sqlmap", "nikto", "nmap", "masscan", "dirbuster", "dirb", "gobuster",
	"wfuzz", "ffuf", "burpsuite", "burp collaborator", "acunetix", "nessus",
	"openvas", "metasploit", "hydra", "zgrab", "nuclei", "wpscan", "arachni",
	"python-requests", "go-http-client", "curl/", "libwww-perl",
}

func (d *Detector) detectRate(e *event.RequestEvent, key string) *event.DetectionResult {
	cfg := d.cfg.RateViolation
	samples := d.store.Recent(key, e.Timestamp.Add(-cfg.Window))
	n := len(samples)
	if n <= cfg.Threshold {
		return nil
	}
	double := n > cfg.Threshold*2
	r := d.result(e, event.CategoryRateLimit, "rate_violation", cfg, n,
		confidence(0, double), min(n-cfg.Threshold, 15), event.Evidence{
			"request_count": event.Int(n),
			"threshold":     event.Int(cfg.Threshold),
		})
	return &r
}

func (d *Detector) detectUserAgent(e *event.RequestEvent) *event.DetectionResult {
	cfg := d.cfg.UserAgent
	ua := strings.ToLower(e.UserAgent)

	var reasons []string
	matched := 0
	for _, sig := range scannerSignatures {
		if strings.Contains(ua, sig) {
			reasons = append(reasons, "tool:"+sig)
			matched++
		}
	}
	switch {
	case e.UserAgent == "":
		reasons = append(reasons, "empty")
	case len(e.UserAgent) < 10:
		reasons = append(reasons, "too_short")
	case len(e.UserAgent) > 1000:
		reasons = append(reasons, "too_long")
	}
	if special := specialRatio(e.UserAgent); special > 0.4 {
		reasons = append(reasons, "excessive_special_chars")
	}
	if len(reasons) == 0 {
		return nil
	}
	r := d.result(e, event.CategoryUserAgent, "suspicious_user_agent", cfg, len(reasons),
		confidence(matched, false), len(reasons)*3, event.Evidence{
			"user_agent": event.String(truncateUA(e.UserAgent)),
			"reasons":    event.Strings(reasons),
		})
	return &r
}

// detectSignatures runs the detector-scoped signature rules and re-labels
// the firings as anomaly findings so they score through this detector's
// severity tiers rather than the primary matcher's.
func (d *Detector) detectSignatures(e *event.RequestEvent) []event.DetectionResult {
	cfg := d.cfg.Signatures
	fired := d.matcher.Scan(e)
	out := make([]event.DetectionResult, 0, len(fired))
	for i := range fired {
		pm := fired[i].Pattern
		r := d.result(e, fired[i].Category, "signature:"+string(fired[i].Category), cfg,
			len(pm.MatchedPatterns),
			confidence(len(pm.MatchedPatterns), false),
			len(pm.MatchedPatterns)*4,
			event.Evidence{
				"matched": event.Strings(pm.MatchedPatterns),
			})
		out = append(out, r)
	}
	return out
}

func (d *Detector) detectBruteForce(e *event.RequestEvent, key string) *event.DetectionResult {
	cfg := d.cfg.BruteForce
	if !d.isAuthEndpoint(e.Path) {
		return nil
	}
	samples := d.store.Recent(key, e.Timestamp.Add(-cfg.Window))
	failures := 0
	for _, s := range samples {
		if (s.StatusCode == 401 || s.StatusCode == 403) && d.isAuthEndpoint(s.Path) {
			failures++
		}
	}
	if failures < cfg.Threshold {
		return nil
	}
	double := failures >= cfg.Threshold*2
	r := d.result(e, event.CategoryBruteForce, "brute_force", cfg, failures,
		confidence(0, double), min(failures*2, 20), event.Evidence{
			"auth_failures": event.Int(failures),
			"endpoint":      event.String(e.Path),
		})
	return &r
}

func (d *Detector) detectScanner(e *event.RequestEvent, key string) *event.DetectionResult {
	cfg := d.cfg.Scanner
	samples := d.store.Recent(key, e.Timestamp.Add(-cfg.Window))
	total := len(samples)
	if total == 0 {
		return nil
	}
	unique := make(map[string]struct{}, total)
	notFound := 0
	for _, s := range samples {
		unique[s.Path] = struct{}{}
		if s.StatusCode == 404 {
			notFound++
		}
	}
	ratio404 := float64(notFound) / float64(total)

	// Fires on broad low-success probing (many unique paths with a high 404
	// ratio, both scaled off the threshold) or on raw volume at twice the
	// threshold, independently.
	broad := len(unique) > cfg.Threshold/2 && ratio404 > 0.4
	volume := total > cfg.Threshold*2
	if !broad && !volume {
		return nil
	}
	r := d.result(e, event.CategoryScanner, "scanner_activity", cfg, total,
		confidence(0, volume), min(len(unique)/2, 20), event.Evidence{
			"unique_paths": event.Int(len(unique)),
			"not_found":    event.Int(notFound),
			"total":        event.Int(total),
			"broad_probe":  event.Bool(broad),
			"high_volume":  event.Bool(volume),
		})
	return &r
}

func (d *Detector) detectBot(e *event.RequestEvent) *event.DetectionResult {
	cfg := d.cfg.Bot
	if !e.IsBot {
		return nil
	}
	ua := strings.ToLower(e.UserAgent)
	d.mu.RLock()
	for crawler := range d.crawlers {
		if strings.Contains(ua, crawler) {
			d.mu.RUnlock()
			return nil
		}
	}
	d.mu.RUnlock()

	r := d.result(e, event.CategoryBot, "bot_activity", cfg, 1,
		confidence(0, false), 5, event.Evidence{
			"user_agent": event.String(truncateUA(e.UserAgent)),
		})
	return &r
}

func (d *Detector) isAuthEndpoint(path string) bool {
	p := strings.ToLower(path)
	for _, a := range d.cfg.AuthEndpoints {
		if strings.Contains(p, a) {
			return true
		}
	}
	return false
}

func specialRatio(s string) float64 {
	if s == "" {
		return 0
	}
	special := 0
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == ' ', r == '/', r == '.', r == '(', r == ')', r == ';', r == ':', r == ',', r == '-', r == '_', r == '+':
		default:
			special++
		}
	}
	return float64(special) / float64(len(s))
}

func truncateUA(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// signatureRules returns the detector-scoped signature set: the same four
// injection categories as the primary matcher but with single-match
// thresholds, since here they feed anomaly scoring rather than standing on
// their own.
func signatureRules() []patterns.Rule {
	rules := patterns.DefaultRules()
	keep := map[event.Category]bool{
		event.CategorySQLi:      true,
		event.CategoryXSS:       true,
		event.CategoryCmdInject: true,
		event.CategoryTraversal: true,
	}
	out := rules[:0]
	for _, r := range rules {
		if !keep[r.Category] {
			continue
		}
		r.ID = "anomaly-" + r.ID
		r.Threshold = 1.5
		out = append(out, r)
	}
	return out
}

// Package patterns implements the weighted signature matcher. Each rule owns
// a set of weighted regular expressions scoped to parts of the request; a
// rule fires when the weighted sum of its matches reaches the rule's
// threshold. The matcher is stateless: identical input against identical
// rules always yields identical results.
package patterns

import (
	"sort"
	"strings"

	"github.com/threatpipe/threatpipe/pkg/event"
	"github.com/threatpipe/threatpipe/pkg/regexcache"
)

// SearchContext names the part of the request a signature is tested against.
type SearchContext string

const (
	ContextURL     SearchContext = "url"
	ContextQuery   SearchContext = "query"
	ContextBody    SearchContext = "body"
	ContextHeaders SearchContext = "headers"
	ContextAll     SearchContext = "all"
)

// MaxEvidenceLen bounds the matched substring retained as evidence.
const MaxEvidenceLen = 120

// Signature is one weighted detection pattern.
type Signature struct {
	ID            string  `yaml:"id"`
	Pattern       string  `yaml:"pattern"`
	Weight        float64 `yaml:"weight"`
	CaseSensitive bool    `yaml:"case_sensitive"`
}

// Rule groups the signatures for one attack category.
type Rule struct {
	ID         string         `yaml:"id"`
	Category   event.Category `yaml:"category"`
	Contexts   []SearchContext `yaml:"contexts"`
	Signatures []Signature    `yaml:"signatures"`
	// Threshold is the minimum weighted sum of matches for the rule to fire.
	Threshold float64 `yaml:"threshold"`
	Severity  event.Severity `yaml:"severity"`
	Enabled   bool           `yaml:"enabled"`
}

// Matcher scans request events against a fixed rule set.
type Matcher struct {
	rules []Rule
}

// New creates a Matcher over the given rules. Rules with invalid patterns
// are kept; their broken signatures simply never match (the error is
// surfaced by Validate).
func New(rules []Rule) *Matcher {
	return &Matcher{rules: rules}
}

// Default creates a Matcher with the built-in signature sets.
func Default() *Matcher {
	return New(DefaultRules())
}

// Validate compiles every signature and returns the first error.
func (m *Matcher) Validate() error {
	for _, r := range m.rules {
		for _, sig := range r.Signatures {
			if _, err := regexcache.Get(sig.Pattern, sig.CaseSensitive); err != nil {
				return err
			}
		}
	}
	return nil
}

// match records one signature hit.
type match struct {
	sigID   string
	sample  string
	weight  float64
}

// Scan tests the event against every enabled rule and returns one detection
// result per firing rule.
func (m *Matcher) Scan(e *event.RequestEvent) []event.DetectionResult {
	var results []event.DetectionResult
	for i := range m.rules {
		rule := &m.rules[i]
		if !rule.Enabled {
			continue
		}
		text := assemble(e, rule.Contexts)
		if text == "" {
			continue
		}
		matches := scanRule(rule, text)
		if len(matches) == 0 {
			continue
		}
		total := 0.0
		for _, mt := range matches {
			total += mt.weight
		}
		if total < rule.Threshold {
			continue
		}
		results = append(results, buildResult(e, rule, matches, total))
	}
	return results
}

func scanRule(rule *Rule, text string) []match {
	var matches []match
	for _, sig := range rule.Signatures {
		re, err := regexcache.Get(sig.Pattern, sig.CaseSensitive)
		if err != nil {
			continue
		}
		if loc := re.FindStringIndex(text); loc != nil {
			matches = append(matches, match{
				sigID:  sig.ID,
				sample: truncate(text[loc[0]:loc[1]], MaxEvidenceLen),
				weight: sig.Weight,
			})
		}
	}
	return matches
}

func buildResult(e *event.RequestEvent, rule *Rule, matches []match, total float64) event.DetectionResult {
	ids := make([]string, len(matches))
	samples := make([]string, len(matches))
	for i, mt := range matches {
		ids[i] = mt.sigID
		samples[i] = mt.sample
	}
	sort.Strings(ids)

	recs := Recommendations(rule.Category)
	risk := rule.Severity.RiskScore() + int(total*2)
	if risk > 100 {
		risk = 100
	}
	return event.DetectionResult{
		Kind:       event.KindPattern,
		Category:   rule.Category,
		Confidence: confidence(len(matches), distinct(ids)),
		RiskScore:  risk,
		SourceAddr: e.SourceAddr,
		Endpoint:   e.Endpoint(),
		Timestamp:  e.Timestamp,
		Evidence: event.Evidence{
			"rule_id":        event.String(rule.ID),
			"matched":        event.Strings(ids),
			"weighted_score": event.Float(total),
		},
		Pattern: &event.PatternMatch{
			RuleID:          rule.ID,
			MatchedPatterns: ids,
			MatchedSamples:  samples,
			WeightedScore:   total,
			Recommendations: recs,
		},
	}
}

// confidence derives from match count and diversity, never a per-category
// constant: 50 base, up to +30 for volume, up to +20 for distinct patterns.
func confidence(count, distinct int) int {
	c := 50
	if count > 3 {
		count = 3
	}
	c += count * 10
	if distinct > 4 {
		distinct = 4
	}
	c += distinct * 5
	if c > 100 {
		c = 100
	}
	return c
}

func distinct(ids []string) int {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return len(seen)
}

// assemble concatenates the request fields named by the rule's contexts.
func assemble(e *event.RequestEvent, contexts []SearchContext) string {
	var parts []string
	add := func(ctx SearchContext) {
		switch ctx {
		case ContextURL:
			parts = append(parts, e.Path)
		case ContextQuery:
			if e.Query != "" {
				parts = append(parts, e.Query)
			}
		case ContextBody:
			if e.Body != "" {
				parts = append(parts, e.Body)
			}
		case ContextHeaders:
			if e.UserAgent != "" {
				parts = append(parts, e.UserAgent)
			}
			for _, k := range sortedHeaderKeys(e.Headers) {
				parts = append(parts, k+": "+e.Headers[k])
			}
		}
	}
	for _, ctx := range contexts {
		if ctx == ContextAll {
			add(ContextURL)
			add(ContextQuery)
			add(ContextBody)
			add(ContextHeaders)
			break
		}
		add(ctx)
	}
	return strings.Join(parts, "\n")
}

func sortedHeaderKeys(h map[string]string) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

package patterns

import "github.com/threatpipe/threatpipe/pkg/event"

// DefaultRules returns the built-in signature sets. Patterns are drawn from
// the usual suspects: sqlmap-style tautologies, script-tag and event-handler
// XSS, shell metacharacter chains, dot-dot traversal, link-local SSRF
// targets, and external-entity XML preambles.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "sqli-core",
			Category: event.CategorySQLi,
			Contexts: []SearchContext{ContextURL, ContextQuery, ContextBody},
			Severity: event.SeverityHigh,
			Threshold: 2.0,
			Enabled:  true,
			Signatures: []Signature{
				{ID: "sqli-union", Pattern: `\bunion\b[\s/*]+(all[\s/*]+)?\bselect\b`, Weight: 3},
				{ID: "sqli-tautology", Pattern: `(\bor\b|\band\b)\s+['"]?\d+['"]?\s*=\s*['"]?\d+`, Weight: 2.5},
				{ID: "sqli-comment", Pattern: `(--|#|/\*)\s*$|\bor\b\s+1\s*=\s*1`, Weight: 2},
				{ID: "sqli-stacked", Pattern: `;\s*(drop|delete|insert|update|truncate)\b`, Weight: 3},
				{ID: "sqli-time", Pattern: `\b(sleep|benchmark|pg_sleep|waitfor\s+delay)\s*\(`, Weight: 3},
				{ID: "sqli-info", Pattern: `\b(information_schema|sysobjects|mysql\.user)\b`, Weight: 2.5},
				{ID: "sqli-quote-break", Pattern: `'\s*(or|and)\s*'`, Weight: 2},
			},
		},
		{
			ID:       "xss-core",
			Category: event.CategoryXSS,
			Contexts: []SearchContext{ContextURL, ContextQuery, ContextBody},
			Severity: event.SeverityHigh,
			Threshold: 2.0,
			Enabled:  true,
			Signatures: []Signature{
				{ID: "xss-script-tag", Pattern: `<\s*script[^>]*>`, Weight: 3},
				{ID: "xss-event-handler", Pattern: `\bon(error|load|click|mouseover|focus)\s*=`, Weight: 2.5},
				{ID: "xss-js-uri", Pattern: `javascript\s*:`, Weight: 2.5},
				{ID: "xss-img-src", Pattern: `<\s*(img|svg|iframe)[^>]+(src|onerror)`, Weight: 2},
				{ID: "xss-eval", Pattern: `\b(eval|atob|document\.cookie|document\.write)\s*[(\.]`, Weight: 2},
				{ID: "xss-encoded", Pattern: `(%3C|&lt;)\s*script`, Weight: 2},
			},
		},
		{
			ID:       "cmdi-core",
			Category: event.CategoryCmdInject,
			Contexts: []SearchContext{ContextURL, ContextQuery, ContextBody},
			Severity: event.SeverityCritical,
			Threshold: 2.0,
			Enabled:  true,
			Signatures: []Signature{
				{ID: "cmdi-chain", Pattern: `[;&|]{1,2}\s*(cat|ls|id|whoami|uname|wget|curl|nc|bash|sh)\b`, Weight: 3},
				{ID: "cmdi-subst", Pattern: "\\$\\([^)]+\\)|`[^`]+`", Weight: 2.5},
				{ID: "cmdi-paths", Pattern: `/(etc/passwd|etc/shadow|bin/(ba)?sh)\b`, Weight: 3},
				{ID: "cmdi-redirect", Pattern: `\b(nc|ncat)\s+-[el]|/dev/tcp/`, Weight: 3},
				{ID: "cmdi-powershell", Pattern: `\bpowershell\b.*(-enc|-command|iex)`, Weight: 2.5},
			},
		},
		{
			ID:       "traversal-core",
			Category: event.CategoryTraversal,
			Contexts: []SearchContext{ContextURL, ContextQuery},
			Severity: event.SeverityHigh,
			Threshold: 2.0,
			Enabled:  true,
			Signatures: []Signature{
				{ID: "trav-dotdot", Pattern: `(\.\./|\.\.\\){2,}`, Weight: 3},
				{ID: "trav-encoded", Pattern: `(%2e%2e[/\\]|%252e|\.%2e/|%c0%ae)`, Weight: 3},
				{ID: "trav-sensitive", Pattern: `(etc/passwd|boot\.ini|win\.ini|proc/self/environ)`, Weight: 2.5},
				{ID: "trav-null", Pattern: `%00`, Weight: 1.5},
			},
		},
		{
			ID:       "ssrf-core",
			Category: event.CategorySSRF,
			Contexts: []SearchContext{ContextQuery, ContextBody},
			Severity: event.SeverityHigh,
			Threshold: 2.0,
			Enabled:  true,
			Signatures: []Signature{
				{ID: "ssrf-metadata", Pattern: `169\.254\.169\.254|metadata\.google\.internal`, Weight: 3},
				{ID: "ssrf-localhost", Pattern: `(https?|gopher|dict)://(127\.0\.0\.1|localhost|0\.0\.0\.0|\[::1\])`, Weight: 2.5},
				{ID: "ssrf-internal", Pattern: `https?://(10\.|172\.(1[6-9]|2\d|3[01])\.|192\.168\.)`, Weight: 2},
				{ID: "ssrf-scheme", Pattern: `\b(file|gopher|dict|ftp)://`, Weight: 2},
			},
		},
		{
			ID:       "xxe-core",
			Category: event.CategoryXXE,
			Contexts: []SearchContext{ContextBody},
			Severity: event.SeverityHigh,
			Threshold: 2.0,
			Enabled:  true,
			Signatures: []Signature{
				{ID: "xxe-doctype", Pattern: `<!DOCTYPE[^>]+\[`, Weight: 2},
				{ID: "xxe-entity", Pattern: `<!ENTITY[^>]+(SYSTEM|PUBLIC)`, Weight: 3},
				{ID: "xxe-file", Pattern: `SYSTEM\s+["']file://`, Weight: 3},
			},
		},
	}
}

// recommendationTemplates maps categories to the canned follow-up actions
// attached to firing rules.
var recommendationTemplates = map[event.Category][]string{
	event.CategorySQLi: {
		"Review parameterized query usage on the matched endpoint",
		"Enable database query logging for the source address",
	},
	event.CategoryXSS: {
		"Verify output encoding on the matched endpoint",
		"Review Content-Security-Policy headers",
	},
	event.CategoryCmdInject: {
		"Audit shell invocations reachable from the matched endpoint",
		"Isolate the source address pending review",
	},
	event.CategoryTraversal: {
		"Review filesystem ACLs for the web root",
		"Verify path canonicalization on file-serving endpoints",
	},
	event.CategorySSRF: {
		"Restrict outbound egress from request-handling hosts",
		"Validate and allow-list fetchable URL targets",
	},
	event.CategoryXXE: {
		"Disable external entity resolution in XML parsers",
	},
}

// Recommendations returns the templated actions for a category.
func Recommendations(cat event.Category) []string {
	if recs, ok := recommendationTemplates[cat]; ok {
		out := make([]string, len(recs))
		copy(out, recs)
		return out
	}
	return []string{"Review request logs for the source address"}
}

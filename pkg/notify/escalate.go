package notify

import (
	"context"
	"time"

	"github.com/threatpipe/threatpipe/pkg/event"
)

// trackEscalation maintains the per (address, category) running count and
// re-emits the threat at forced CRITICAL severity on the rule's escalation
// channels when the count or elapsed-time threshold is crossed. At least
// EscalationInterval must pass between escalations for the same pair.
func (e *Engine) trackEscalation(ctx context.Context, rule *Rule, t *event.SecurityThreat) {
	pol := rule.Escalation
	if !pol.Enabled {
		return
	}
	key := t.SourceAddr + "|" + string(t.Category)

	e.mu.Lock()
	es, ok := e.escalations[key]
	if !ok {
		es = &escalationState{firstSeen: t.Timestamp}
		e.escalations[key] = es
	}
	es.count++

	byCount := pol.CountThreshold > 0 && es.count >= pol.CountThreshold
	byTime := pol.MinutesThreshold > 0 &&
		t.Timestamp.Sub(es.firstSeen) >= time.Duration(pol.MinutesThreshold)*time.Minute
	recentlyEscalated := !es.lastEscalated.IsZero() &&
		t.Timestamp.Sub(es.lastEscalated) < e.cfg.EscalationInterval

	fire := (byCount || byTime) && !recentlyEscalated
	if fire {
		es.lastEscalated = t.Timestamp
		es.count = 0
		es.firstSeen = t.Timestamp
	}
	e.mu.Unlock()

	if !fire {
		return
	}
	if e.metrics != nil {
		e.metrics.EscalationsTotal.Inc()
	}
	e.logger.Warn("threat escalated",
		"addr", t.SourceAddr, "category", t.Category, "rule", rule.ID)

	escalated := *t
	escalated.Severity = event.SeverityCritical
	escalated.EscalationLevel++
	escalated.Description = "ESCALATED: " + t.Description
	e.deliver(ctx, pol.Channels, &escalated)
}

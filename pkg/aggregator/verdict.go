package aggregator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/threatpipe/threatpipe/pkg/event"
	"github.com/threatpipe/threatpipe/pkg/eventlog"
	"github.com/threatpipe/threatpipe/pkg/reputation"
)

// aggregate merges detections into one verdict. Scores are averaged across
// detections so a single noisy engine cannot dominate, then event-level
// baselines are added and the total clamped to [0, 100].
func (o *Orchestrator) aggregate(e *event.RequestEvent, detections []event.DetectionResult, now time.Time) *event.SecurityVerdict {
	total := 0
	blacklistHit := false
	badBot := false
	for i := range detections {
		d := &detections[i]
		if d.Kind == event.KindBlacklist {
			blacklistHit = true
			total += blacklistHitScore
		} else {
			total += d.RiskScore
		}
		if d.Category == event.CategoryBot {
			badBot = true
		}
	}
	score := 0
	if n := len(detections); n > 0 {
		score = total / n
	}
	if e.IsSuspicious {
		score += baselineSuspicious
	}
	if e.StatusCode >= 500 {
		score += baselineServerErr
	}
	if badBot {
		score += baselineBadBot
	}
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	v := &event.SecurityVerdict{
		ID:                 uuid.NewString(),
		SourceAddr:         e.SourceAddr,
		Endpoint:           e.Endpoint(),
		Timestamp:          now,
		RiskLevel:          event.RiskLevelFor(score),
		TotalRiskScore:     score,
		DetectionCount:     len(detections),
		ShouldBlock:        score >= blockScore || blacklistHit,
		EscalationRequired: score >= escalateScore || len(detections) >= escalateCount,
		RecommendedActions: recommendations(detections, score),
		Detections:         detections,
	}
	return v
}

func recommendations(detections []event.DetectionResult, score int) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(rec string) {
		if _, ok := seen[rec]; !ok {
			seen[rec] = struct{}{}
			out = append(out, rec)
		}
	}
	for i := range detections {
		if p := detections[i].Pattern; p != nil {
			for _, rec := range p.Recommendations {
				add(rec)
			}
		}
	}
	switch {
	case score >= escalateScore:
		add("Block the source address immediately")
	case score >= blockScore:
		add("Block the source address")
	case score >= 40:
		add("Monitor the source address closely")
	}
	return out
}

// respond folds the verdict into threat intelligence, logs it, records
// violations, and drives automated blocking and notification. Persistence
// and notification failures never affect the returned verdict.
func (o *Orchestrator) respond(ctx context.Context, e *event.RequestEvent, v *event.SecurityVerdict, now time.Time) {
	o.analyzed.Add(1)
	if o.deps.Metrics != nil {
		o.deps.Metrics.VerdictsTotal.WithLabelValues(string(v.RiskLevel)).Inc()
		if v.ShouldBlock {
			o.deps.Metrics.BlockedTotal.Inc()
		}
	}
	if v.ShouldBlock {
		o.blocked.Add(1)
	}

	o.deps.Intel.Merge(v, now)

	// Persist fire-and-forget; the decision stands even if durability
	// fails. A saturated pool drops the write rather than stalling the
	// analysis path.
	record := eventlog.NewRecord(v)
	if !o.pool.TrySubmit(func() {
		if err := o.deps.Sink.Write(record); err != nil {
			o.logger.Warn("event log write failed", "err", err)
		}
	}) {
		o.logger.Warn("event log write dropped", "verdict", v.ID)
	}

	// Feed violations to the auto-blacklist rules, and surface each
	// critical-tier detection under its own attack category so
	// category-filtered notification rules see the concrete vector.
	for i := range v.Detections {
		d := &v.Detections[i]
		if d.Kind == event.KindBlacklist {
			continue
		}
		if d.RiskScore >= 40 {
			if entry := o.deps.Reputation.RecordViolation(e.SourceAddr, d.Category, now); entry != nil {
				o.notifyBlacklisted(ctx, entry, now)
			}
		}
		if event.RiskLevelFor(d.RiskScore) == event.RiskCritical {
			o.deps.Notifier.Notify(ctx, event.ThreatFromDetection(d))
		}
	}

	// Automated response.
	if v.RiskLevel == event.RiskCritical && v.ShouldBlock {
		o.deps.Reputation.Add(e.SourceAddr, reputation.ReasonCriticalVerdict,
			event.SeverityCritical, o.cfg.AutoBlockDuration,
			"auto-block on critical verdict "+v.ID, now)
	}
	if v.RiskLevel == event.RiskCritical && o.recordCritical(e.SourceAddr, now) {
		entry := o.deps.Reputation.Add(e.SourceAddr, reputation.ReasonCriticalVerdict,
			event.SeverityCritical, o.cfg.AutoBlacklistDuration,
			"repeated critical verdicts, last "+v.ID, now)
		o.notifyBlacklisted(ctx, entry, now)
	}

	if v.RiskLevel == event.RiskHigh || v.RiskLevel == event.RiskCritical || v.EscalationRequired {
		o.deps.Notifier.Notify(ctx, event.ThreatFromVerdict(v))
	}
}

// recordCritical tracks critical verdicts per address and reports whether
// the streak threshold was just reached.
func (o *Orchestrator) recordCritical(addr string, now time.Time) bool {
	cutoff := now.Add(-o.cfg.CriticalWindow)
	o.critMu.Lock()
	defer o.critMu.Unlock()

	ts := append(o.criticals[addr], now)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	ts = ts[i:]
	o.criticals[addr] = ts
	if len(ts) >= o.cfg.CriticalStreak {
		o.criticals[addr] = nil // reset the streak after firing
		return true
	}
	return false
}

func (o *Orchestrator) notifyBlacklisted(ctx context.Context, entry *reputation.Entry, now time.Time) {
	o.deps.Notifier.Notify(ctx, event.SecurityThreat{
		ID:          uuid.NewString(),
		Severity:    event.SeverityCritical,
		Category:    event.CategoryBlacklist,
		SourceAddr:  entry.Address,
		RiskScore:   blacklistHitScore,
		Confidence:  95,
		Description: "address auto-blacklisted: " + entry.Notes,
		Evidence: event.Evidence{
			"reason":    event.String(string(entry.Reason)),
			"permanent": event.Bool(entry.Permanent()),
		},
		RecommendedActions: []string{"Review the blacklist entry and recent activity"},
		Timestamp:          now,
	})
}

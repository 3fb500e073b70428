package aggregator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/threatpipe/threatpipe/pkg/event"
	"github.com/threatpipe/threatpipe/pkg/eventlog"
	"github.com/threatpipe/threatpipe/pkg/intel"
	"github.com/threatpipe/threatpipe/pkg/reputation"
	"github.com/threatpipe/threatpipe/pkg/thresholds"
)

// Stats is the dashboard read model.
type Stats struct {
	EventsAnalyzed  int64          `json:"events_analyzed"`
	BlockRecommends int64          `json:"block_recommends"`
	QueueDepth      int            `json:"queue_depth"`
	TrackedAddrs    int            `json:"tracked_addrs"`
	ActiveBlacklist int            `json:"active_blacklist"`
	EmergencyMode   bool           `json:"emergency_mode"`
	TopOffenders    []intel.Record `json:"top_offenders"`
}

// Stats returns an aggregate statistics snapshot.
func (o *Orchestrator) Stats(now time.Time) Stats {
	return Stats{
		EventsAnalyzed:  o.analyzed.Load(),
		BlockRecommends: o.blocked.Load(),
		QueueDepth:      o.QueueDepth(),
		TrackedAddrs:    o.deps.Intel.Len(),
		ActiveBlacklist: o.deps.Reputation.ActiveCount(now),
		EmergencyMode:   o.deps.Limiter.EmergencyActive(),
		TopOffenders:    o.deps.Intel.TopOffenders(10),
	}
}

// IsBlacklisted exposes the blacklist lookup to collaborators.
func (o *Orchestrator) IsBlacklisted(addr string) reputation.Lookup {
	return o.deps.Reputation.IsBlacklisted(addr, time.Now())
}

// ThreatIntelligence returns the record for one address.
func (o *Orchestrator) ThreatIntelligence(addr string) (intel.Record, bool) {
	return o.deps.Intel.Get(addr)
}

// ResolveFalsePositive marks a previously logged event as a false positive
// in the event log.
func (o *Orchestrator) ResolveFalsePositive(eventID, reason string) error {
	if o.deps.Metrics != nil {
		o.deps.Metrics.FalsePositives.Inc()
	}
	return o.deps.Sink.Write(eventlog.Record{
		ID:            uuid.NewString(),
		Category:      "resolution",
		Severity:      event.SeverityLow,
		Message:       "resolved as false positive: " + reason,
		Timestamp:     time.Now().UTC(),
		FalsePositive: true,
		Metadata: event.Evidence{
			"resolves": event.String(eventID),
		},
	})
}

// evaluateThresholdRules builds a metrics snapshot, runs the threshold
// rules, and executes the non-adjustment actions they request.
func (o *Orchestrator) evaluateThresholdRules(ctx context.Context, now time.Time) {
	snap := thresholds.Snapshot{
		"events_analyzed": float64(o.analyzed.Load()),
		"blocked":         float64(o.blocked.Load()),
		"queue_depth":     float64(o.QueueDepth()),
		"tracked_addrs":   float64(o.deps.Intel.Len()),
		"blacklist_size":  float64(o.deps.Reputation.ActiveCount(now)),
		"emergency":       boolToFloat(o.deps.Limiter.EmergencyActive()),
	}
	for _, fired := range o.deps.Thresholds.EvaluateRules(snap) {
		if fired.Err != nil {
			o.logger.Warn("threshold rule failed", "rule", fired.RuleID, "err", fired.Err)
			continue
		}
		switch fired.Action {
		case thresholds.ActionAdjustThreshold:
			o.logger.Info("threshold adjusted by rule",
				"rule", fired.RuleID, "threshold", fired.Threshold.ID, "value", fired.Threshold.Value)
		case thresholds.ActionSendAlert:
			o.deps.Notifier.Notify(ctx, event.SecurityThreat{
				ID:          uuid.NewString(),
				Severity:    event.SeverityHigh,
				Category:    event.Category("system"),
				RiskScore:   60,
				Confidence:  80,
				Description: "threshold rule alert: " + fired.RuleID,
				Timestamp:   now,
			})
		case thresholds.ActionBlockIP:
			if fired.Target != "" {
				o.deps.Reputation.Add(fired.Target, reputation.ReasonAutoThreshold,
					event.SeverityHigh, o.cfg.AutoBlockDuration,
					"threshold rule "+fired.RuleID, now)
			}
		case thresholds.ActionEscalate:
			o.deps.Notifier.Notify(ctx, event.SecurityThreat{
				ID:              uuid.NewString(),
				Severity:        event.SeverityCritical,
				Category:        event.Category("system"),
				RiskScore:       85,
				Confidence:      80,
				EscalationLevel: 1,
				Description:     "threshold rule escalation: " + fired.RuleID,
				Timestamp:       now,
			})
		}
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/threatpipe/threatpipe/pkg/event"
)

// correlate records the threat in the address's trailing history and raises
// one synthetic "coordinated attack" threat when enough independent threats
// from the same address land inside the composite window. The synthetic
// threat is raised once per window per address, not once per contributing
// threat.
func (e *Engine) correlate(ctx context.Context, t *event.SecurityThreat) {
	if t.Category == event.CategoryCoordinated {
		return // synthetic threats do not feed back into correlation
	}

	e.mu.Lock()
	hist := append(e.history[t.SourceAddr], threatRecord{
		at:       t.Timestamp,
		category: t.Category,
		severity: t.Severity,
	})
	e.history[t.SourceAddr] = hist

	cutoff := t.Timestamp.Add(-e.cfg.CompositeWindow)
	peers := 0
	for i := 0; i < len(hist)-1; i++ {
		if !hist[i].at.Before(cutoff) {
			peers++
		}
	}
	already := false
	if last, ok := e.raised[t.SourceAddr]; ok && t.Timestamp.Sub(last) < e.cfg.CompositeWindow {
		already = true
	}
	fire := peers >= e.cfg.CompositePeers && !already
	if fire {
		e.raised[t.SourceAddr] = t.Timestamp
	}
	e.mu.Unlock()

	if fire {
		e.raiseComposite(ctx, t.SourceAddr, peers+1, t.Timestamp)
	}
}

// SweepComposite is the coarser periodic pass: it looks for addresses whose
// recent history spans enough distinct attack vectors and enough total
// threats, and raises the same synthetic threat if the trailing correlation
// has not already done so. Intended to run every 5-15 minutes.
func (e *Engine) SweepComposite(ctx context.Context, now time.Time) int {
	type candidate struct {
		addr  string
		count int
	}
	var candidates []candidate

	e.mu.Lock()
	cutoff := now.Add(-e.cfg.SweepWindow)
	for addr, hist := range e.history {
		if last, ok := e.raised[addr]; ok && now.Sub(last) < e.cfg.SweepWindow {
			continue
		}
		vectors := make(map[event.Category]struct{})
		total := 0
		for _, rec := range hist {
			if rec.at.Before(cutoff) {
				continue
			}
			vectors[rec.category] = struct{}{}
			total++
		}
		if len(vectors) >= e.cfg.SweepMinVectors && total >= e.cfg.SweepMinThreats {
			e.raised[addr] = now
			candidates = append(candidates, candidate{addr: addr, count: total})
		}
	}
	e.mu.Unlock()

	for _, c := range candidates {
		e.raiseComposite(ctx, c.addr, c.count, now)
	}
	return len(candidates)
}

// raiseComposite emits the synthetic coordinated-attack threat through the
// normal notification path with severity forced to CRITICAL.
func (e *Engine) raiseComposite(ctx context.Context, addr string, count int, now time.Time) {
	e.logger.Warn("coordinated attack detected", "addr", addr, "threats", count)
	e.Notify(ctx, event.SecurityThreat{
		ID:          uuid.NewString(),
		Severity:    event.SeverityCritical,
		Category:    event.CategoryCoordinated,
		SourceAddr:  addr,
		RiskScore:   95,
		Confidence:  90,
		Description: fmt.Sprintf("coordinated attack: %d threats from one address", count),
		Evidence: event.Evidence{
			"threat_count": event.Int(count),
			"window":       event.String(e.cfg.CompositeWindow.String()),
		},
		RecommendedActions: []string{
			"Blacklist the source address",
			"Review all recent activity from the source address",
		},
		Timestamp: now,
	})
}

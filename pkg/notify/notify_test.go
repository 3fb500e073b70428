package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatpipe/threatpipe/pkg/event"
)

// captureSender records every threat it is asked to deliver.
type captureSender struct {
	name string
	fail bool

	mu   sync.Mutex
	sent []event.SecurityThreat
}

func (c *captureSender) Name() string { return c.name }

func (c *captureSender) Send(_ context.Context, t event.SecurityThreat) error {
	if c.fail {
		return errors.New("delivery refused")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, t)
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *captureSender) byCategory(cat event.Category) []event.SecurityThreat {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.SecurityThreat
	for _, t := range c.sent {
		if t.Category == cat {
			out = append(out, t)
		}
	}
	return out
}

func threat(addr string, sev event.Severity, cat event.Category, ts time.Time) event.SecurityThreat {
	return event.SecurityThreat{
		ID:         "t-" + addr + "-" + ts.Format("150405.000000000"),
		Severity:   sev,
		Category:   cat,
		SourceAddr: addr,
		RiskScore:  70,
		Confidence: 80,
		Timestamp:  ts,
	}
}

func engineWith(cfg Config, senders ...Sender) *Engine {
	return New(cfg, senders, nil, nil)
}

func catchAllRule(channel string, rl RateLimit) Rule {
	return Rule{ID: "catch-all", Enabled: true, Channels: []string{channel}, RateLimit: rl}
}

func TestNotify_RuleMatching(t *testing.T) {
	cap := &captureSender{name: "cap"}
	cfg := DefaultConfig()
	cfg.Rules = []Rule{
		{
			ID: "sqli-high", Enabled: true,
			Channels:    []string{"cap"},
			MinSeverity: event.SeverityHigh,
			Categories:  []event.Category{event.CategorySQLi},
		},
	}
	e := engineWith(cfg, cap)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	e.Notify(ctx, threat("10.0.0.1", event.SeverityHigh, event.CategorySQLi, now))
	e.Notify(ctx, threat("10.0.0.1", event.SeverityMedium, event.CategorySQLi, now)) // below severity
	e.Notify(ctx, threat("10.0.0.1", event.SeverityHigh, event.CategoryXSS, now))    // wrong category

	assert.Equal(t, 1, cap.count())
}

func TestNotify_HourlyCapSuppressesAndResets(t *testing.T) {
	cap := &captureSender{name: "cap"}
	cfg := DefaultConfig()
	cfg.Rules = []Rule{catchAllRule("cap", RateLimit{MaxPerHour: 2, MaxPerDay: 100})}
	cfg.CompositePeers = 100 // keep correlation out of the delivery counts
	e := engineWith(cfg, cap)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		e.Notify(ctx, threat("10.0.0.2", event.SeverityHigh, event.CategoryScanner,
			base.Add(time.Duration(i)*time.Minute)))
	}
	assert.Equal(t, 2, cap.count(), "deliveries above the hourly cap must be suppressed")

	// The fixed window resets one hour after the first delivery.
	e.Notify(ctx, threat("10.0.0.2", event.SeverityHigh, event.CategoryScanner, base.Add(time.Hour)))
	assert.Equal(t, 3, cap.count(), "post-reset delivery suppressed")

	// Caps are per address: a different source is unaffected.
	e.Notify(ctx, threat("10.0.0.3", event.SeverityHigh, event.CategoryScanner, base))
	assert.Equal(t, 4, cap.count())
}

func TestNotify_Cooldown(t *testing.T) {
	cap := &captureSender{name: "cap"}
	cfg := DefaultConfig()
	cfg.Rules = []Rule{catchAllRule("cap", RateLimit{MaxPerHour: 100, CooldownMinutes: 5})}
	cfg.CompositePeers = 100
	e := engineWith(cfg, cap)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	e.Notify(ctx, threat("10.0.0.4", event.SeverityHigh, event.CategoryBot, base))
	e.Notify(ctx, threat("10.0.0.4", event.SeverityHigh, event.CategoryBot, base.Add(time.Minute)))
	assert.Equal(t, 1, cap.count(), "delivery inside the cooldown")

	e.Notify(ctx, threat("10.0.0.4", event.SeverityHigh, event.CategoryBot, base.Add(5*time.Minute)))
	assert.Equal(t, 2, cap.count())
}

func TestNotify_FailingChannelDoesNotBlockOthers(t *testing.T) {
	good := &captureSender{name: "good"}
	bad := &captureSender{name: "bad", fail: true}
	cfg := DefaultConfig()
	cfg.Rules = []Rule{{
		ID: "both", Enabled: true,
		Channels: []string{"bad", "good", "missing"},
	}}
	e := engineWith(cfg, good, bad)

	e.Notify(context.Background(), threat("10.0.0.5", event.SeverityHigh, event.CategorySQLi, time.Now()))
	assert.Equal(t, 1, good.count())
}

func TestCorrelate_CompositeFiresExactlyOncePerWindow(t *testing.T) {
	cap := &captureSender{name: "cap"}
	cfg := DefaultConfig()
	cfg.Rules = []Rule{catchAllRule("cap", RateLimit{})}
	e := engineWith(cfg, cap)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cats := []event.Category{event.CategorySQLi, event.CategoryXSS, event.CategoryScanner, event.CategoryBot}
	for i := 0; i < 4; i++ {
		e.Notify(ctx, threat("10.0.1.1", event.SeverityHigh, cats[i],
			base.Add(time.Duration(i)*time.Minute)))
	}

	synthetic := cap.byCategory(event.CategoryCoordinated)
	require.Len(t, synthetic, 1, "exactly one synthetic threat per window")
	assert.Equal(t, event.SeverityCritical, synthetic[0].Severity)
	assert.Equal(t, "10.0.1.1", synthetic[0].SourceAddr)
	assert.Equal(t, 95, synthetic[0].RiskScore)

	// Past the composite window the correlation re-arms.
	later := base.Add(10 * time.Minute)
	for i := 0; i < 3; i++ {
		e.Notify(ctx, threat("10.0.1.1", event.SeverityHigh, cats[i],
			later.Add(time.Duration(i)*time.Second)))
	}
	assert.Len(t, cap.byCategory(event.CategoryCoordinated), 2)
}

func TestCorrelate_DistinctAddressesDoNotCombine(t *testing.T) {
	cap := &captureSender{name: "cap"}
	cfg := DefaultConfig()
	cfg.Rules = []Rule{catchAllRule("cap", RateLimit{})}
	e := engineWith(cfg, cap)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 6; i++ {
		addr := "10.0.2.1"
		if i%2 == 0 {
			addr = "10.0.2.2"
		}
		e.Notify(ctx, threat(addr, event.SeverityHigh, event.CategorySQLi, base))
	}
	// Three threats per address: each address is one short of the two prior
	// peers needed... until the third lands, so each fires exactly once.
	assert.Len(t, cap.byCategory(event.CategoryCoordinated), 2)
}

func TestSweepComposite(t *testing.T) {
	cap := &captureSender{name: "cap"}
	cfg := DefaultConfig()
	cfg.Rules = []Rule{catchAllRule("cap", RateLimit{})}
	// Push the trailing correlation out of the way so only the sweep fires.
	cfg.CompositePeers = 100
	e := engineWith(cfg, cap)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Five threats across three vectors within the sweep window.
	cats := []event.Category{
		event.CategorySQLi, event.CategorySQLi, event.CategoryXSS,
		event.CategoryScanner, event.CategoryScanner,
	}
	for i, cat := range cats {
		e.Notify(ctx, threat("10.0.3.1", event.SeverityHigh, cat,
			base.Add(time.Duration(i)*time.Minute)))
	}
	// Two vectors only: must not qualify.
	for i := 0; i < 6; i++ {
		cat := event.CategorySQLi
		if i%2 == 0 {
			cat = event.CategoryXSS
		}
		e.Notify(ctx, threat("10.0.3.2", event.SeverityHigh, cat,
			base.Add(time.Duration(i)*time.Minute)))
	}

	raised := e.SweepComposite(ctx, base.Add(10*time.Minute))
	assert.Equal(t, 1, raised)
	synthetic := cap.byCategory(event.CategoryCoordinated)
	require.Len(t, synthetic, 1)
	assert.Equal(t, "10.0.3.1", synthetic[0].SourceAddr)

	// A second sweep inside the window stays quiet.
	assert.Equal(t, 0, e.SweepComposite(ctx, base.Add(11*time.Minute)))
}

func TestTrackEscalation_ByCount(t *testing.T) {
	cap := &captureSender{name: "cap"}
	esc := &captureSender{name: "esc"}
	cfg := DefaultConfig()
	cfg.Rules = []Rule{{
		ID: "with-escalation", Enabled: true,
		Channels: []string{"cap"},
		Escalation: EscalationPolicy{
			Enabled:        true,
			CountThreshold: 3,
			Channels:       []string{"esc"},
		},
	}}
	e := engineWith(cfg, cap, esc)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		e.Notify(ctx, threat("10.0.4.1", event.SeverityMedium, event.CategoryBruteForce,
			base.Add(time.Duration(i)*time.Minute)))
	}
	assert.Equal(t, 0, esc.count())

	e.Notify(ctx, threat("10.0.4.1", event.SeverityMedium, event.CategoryBruteForce, base.Add(2*time.Minute)))
	require.Equal(t, 1, esc.count())

	escalated := esc.sent[0]
	assert.Equal(t, event.SeverityCritical, escalated.Severity, "escalation forces CRITICAL")
	assert.Equal(t, 1, escalated.EscalationLevel)
	assert.Contains(t, escalated.Description, "ESCALATED:")

	// The interval guard holds even though the count threshold is crossed
	// again.
	for i := 0; i < 5; i++ {
		e.Notify(ctx, threat("10.0.4.1", event.SeverityMedium, event.CategoryBruteForce,
			base.Add(3*time.Minute+time.Duration(i)*time.Minute)))
	}
	assert.Equal(t, 1, esc.count())

	// Once the interval elapses the accumulated count fires again.
	late := base.Add(40 * time.Minute)
	for i := 0; i < 3; i++ {
		e.Notify(ctx, threat("10.0.4.1", event.SeverityMedium, event.CategoryBruteForce,
			late.Add(time.Duration(i)*time.Second)))
	}
	assert.Equal(t, 2, esc.count())
}

func TestTrackEscalation_ByElapsedTime(t *testing.T) {
	cap := &captureSender{name: "cap"}
	esc := &captureSender{name: "esc"}
	cfg := DefaultConfig()
	cfg.Rules = []Rule{{
		ID: "slow-burn", Enabled: true,
		Channels: []string{"cap"},
		Escalation: EscalationPolicy{
			Enabled:          true,
			MinutesThreshold: 30,
			Channels:         []string{"esc"},
		},
	}}
	e := engineWith(cfg, cap, esc)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	e.Notify(ctx, threat("10.0.5.1", event.SeverityLow, event.CategoryBot, base))
	e.Notify(ctx, threat("10.0.5.1", event.SeverityLow, event.CategoryBot, base.Add(29*time.Minute)))
	assert.Equal(t, 0, esc.count())

	e.Notify(ctx, threat("10.0.5.1", event.SeverityLow, event.CategoryBot, base.Add(30*time.Minute)))
	assert.Equal(t, 1, esc.count())
}

func TestTrackEscalation_PerAddressCategoryPair(t *testing.T) {
	cap := &captureSender{name: "cap"}
	esc := &captureSender{name: "esc"}
	cfg := DefaultConfig()
	cfg.Rules = []Rule{{
		ID: "paired", Enabled: true,
		Channels: []string{"cap"},
		Escalation: EscalationPolicy{
			Enabled:        true,
			CountThreshold: 3,
			Channels:       []string{"esc"},
		},
	}}
	e := engineWith(cfg, cap, esc)
	ctx := context.Background()
	now := time.Now()

	// Mixed categories from one address never reach the per-pair count.
	e.Notify(ctx, threat("10.0.6.1", event.SeverityHigh, event.CategorySQLi, now))
	e.Notify(ctx, threat("10.0.6.1", event.SeverityHigh, event.CategoryXSS, now))
	e.Notify(ctx, threat("10.0.6.1", event.SeverityHigh, event.CategoryScanner, now))
	assert.Equal(t, 0, esc.count())
}

func TestCleanup(t *testing.T) {
	cap := &captureSender{name: "cap"}
	cfg := DefaultConfig()
	cfg.Rules = []Rule{catchAllRule("cap", RateLimit{})}
	e := engineWith(cfg, cap)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	e.Notify(ctx, threat("10.0.7.1", event.SeverityHigh, event.CategorySQLi, base))
	removed := e.Cleanup(base.Add(48 * time.Hour))
	assert.Greater(t, removed, 0)

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.counters)
	assert.Empty(t, e.history)
}

package reputation

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatpipe/threatpipe/pkg/event"
)

func newTestManager(cfg Config) *Manager {
	return New(cfg, slog.Default())
}

func TestAddAndLookup(t *testing.T) {
	m := newTestManager(Config{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	e := m.Add("10.0.0.1", ReasonManual, event.SeverityHigh, time.Hour, "manual block", now)
	require.NotNil(t, e)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Permanent())
	assert.Equal(t, int64(1), e.AttackCount)

	hit := m.IsBlacklisted("10.0.0.1", now)
	require.True(t, hit.IsBlacklisted)
	assert.Equal(t, int64(1), hit.Entry.BlockedRequests)

	// Each lookup hit counts a blocked request.
	hit = m.IsBlacklisted("10.0.0.1", now)
	assert.Equal(t, int64(2), hit.Entry.BlockedRequests)

	assert.False(t, m.IsBlacklisted("10.0.0.2", now).IsBlacklisted)
}

func TestAdd_ReAddUpdatesInPlace(t *testing.T) {
	m := newTestManager(Config{})
	now := time.Now()

	first := m.Add("10.0.0.3", ReasonScanner, event.SeverityMedium, time.Hour, "", now)
	second := m.Add("10.0.0.3", ReasonBruteForce, event.SeverityHigh, 2*time.Hour, "again", now.Add(time.Minute))

	assert.Equal(t, first.ID, second.ID, "re-add created a new entry")
	assert.Equal(t, int64(2), second.AttackCount)
	assert.Equal(t, event.SeverityHigh, second.Severity, "higher severity wins")
	assert.Equal(t, ReasonBruteForce, second.Reason)
	assert.Equal(t, now.Add(time.Minute), second.LastActivity)
	require.NotNil(t, second.ExpiresAt)
	assert.Equal(t, now.Add(time.Minute).Add(2*time.Hour), *second.ExpiresAt)

	// A lower severity on re-add does not downgrade the entry.
	third := m.Add("10.0.0.3", ReasonManual, event.SeverityLow, 0, "", now.Add(2*time.Minute))
	assert.Equal(t, event.SeverityHigh, third.Severity)
	assert.True(t, third.Permanent(), "re-add with zero duration becomes permanent")
}

func TestExpiryIsLazy(t *testing.T) {
	m := newTestManager(Config{})
	now := time.Now()

	m.Add("10.0.0.4", ReasonRateLimit, event.SeverityMedium, time.Hour, "", now)
	assert.True(t, m.IsBlacklisted("10.0.0.4", now.Add(time.Hour-time.Second)).IsBlacklisted)
	assert.False(t, m.IsBlacklisted("10.0.0.4", now.Add(time.Hour)).IsBlacklisted,
		"entry still active at exact expiry")

	// Sweep deactivates what lookups already treat as absent.
	assert.Equal(t, 1, m.Sweep(now.Add(2*time.Hour)))
	assert.Equal(t, 0, m.ActiveCount(now.Add(2*time.Hour)))
}

func TestCIDRBlacklisting(t *testing.T) {
	m := newTestManager(Config{})
	now := time.Now()

	m.Add("192.168.10.0/24", ReasonManual, event.SeverityHigh, 0, "lab range", now)

	assert.True(t, m.IsBlacklisted("192.168.10.55", now).IsBlacklisted)
	assert.False(t, m.IsBlacklisted("192.168.11.55", now).IsBlacklisted)
	assert.True(t, m.Remove("192.168.10.0/24"))
	assert.False(t, m.IsBlacklisted("192.168.10.55", now).IsBlacklisted)
}

func TestCIDR_ReAddUpdatesInPlace(t *testing.T) {
	m := newTestManager(Config{})
	now := time.Now()

	first := m.Add("10.9.0.0/24", ReasonManual, event.SeverityMedium, time.Hour, "", now)
	second := m.Add("10.9.0.0/24", ReasonScanner, event.SeverityHigh, 2*time.Hour, "again", now.Add(time.Minute))

	assert.Equal(t, first.ID, second.ID, "re-adding the same range created a new entry")
	assert.Equal(t, int64(2), second.AttackCount)
	assert.Equal(t, event.SeverityHigh, second.Severity)
	require.NotNil(t, second.ExpiresAt)
	assert.Equal(t, now.Add(time.Minute).Add(2*time.Hour), *second.ExpiresAt)

	entries := m.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "10.9.0.0/24", entries[0].Address)

	hit := m.IsBlacklisted("10.9.0.77", now.Add(2*time.Minute))
	require.True(t, hit.IsBlacklisted)
	assert.Equal(t, second.ID, hit.Entry.ID)
}

func TestSweep_ReclaimsInactiveCIDREntries(t *testing.T) {
	m := newTestManager(Config{})
	now := time.Now()

	m.Add("10.8.0.0/24", ReasonManual, event.SeverityMedium, time.Hour, "", now)
	m.Add("10.7.0.0/24", ReasonManual, event.SeverityMedium, 0, "", now)

	assert.Equal(t, 1, m.Sweep(now.Add(2*time.Hour)))
	entries := m.Entries()
	require.Len(t, entries, 1, "expired range entry must be reclaimed")
	assert.Equal(t, "10.7.0.0/24", entries[0].Address)
	assert.False(t, m.IsBlacklisted("10.8.0.5", now.Add(2*time.Hour)).IsBlacklisted)
	assert.True(t, m.IsBlacklisted("10.7.0.5", now.Add(2*time.Hour)).IsBlacklisted)
}

func TestRecordViolation_AutoBlacklist(t *testing.T) {
	m := newTestManager(Config{})
	now := time.Now()

	// Two brute-force violations stay under the lockout threshold of three.
	assert.Nil(t, m.RecordViolation("10.0.0.5", event.CategoryBruteForce, now))
	assert.Nil(t, m.RecordViolation("10.0.0.5", event.CategoryBruteForce, now.Add(time.Minute)))

	e := m.RecordViolation("10.0.0.5", event.CategoryBruteForce, now.Add(2*time.Minute))
	require.NotNil(t, e, "third violation inside the window must blacklist")
	assert.Equal(t, ReasonAutoThreshold, e.Reason)
	assert.Equal(t, event.SeverityHigh, e.Severity)
	assert.False(t, e.Permanent())
	assert.True(t, m.IsBlacklisted("10.0.0.5", now.Add(3*time.Minute)).IsBlacklisted)
}

func TestRecordViolation_WindowExcludesOldEntries(t *testing.T) {
	m := newTestManager(Config{})
	now := time.Now()

	// Violations spaced wider than the 10-minute lockout window never
	// accumulate to the threshold.
	for i := 0; i < 6; i++ {
		e := m.RecordViolation("10.0.0.6", event.CategoryBruteForce, now.Add(time.Duration(i)*11*time.Minute))
		assert.Nil(t, e, "violation %d fired a rule", i+1)
	}
}

func TestRecordViolation_RepeatOffenderAnyCategory(t *testing.T) {
	m := newTestManager(Config{})
	now := time.Now()

	cats := []event.Category{
		event.CategorySQLi, event.CategoryXSS, event.CategoryRateLimit,
		event.CategoryBot, event.CategoryUserAgent,
	}
	var fired *Entry
	for i := 0; i < 10; i++ {
		fired = m.RecordViolation("10.0.0.7", cats[i%len(cats)], now.Add(time.Duration(i)*time.Minute))
	}
	require.NotNil(t, fired, "ten mixed violations in an hour must trip repeat-offender")
	assert.Equal(t, event.SeverityCritical, fired.Severity)
}

func TestEvaluateGeoThreat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HighRiskCountries = []string{"XA", "XB"}
	cfg.BlockedCountries = []string{"XZ"}
	m := newTestManager(cfg)

	assert.Equal(t, GeoVerdict{RiskScore: 50}, m.EvaluateGeoThreat("1.2.3.4", nil))
	assert.Equal(t, GeoVerdict{RiskScore: 50},
		m.EvaluateGeoThreat("1.2.3.4", &event.GeoLocation{CountryCode: "DE"}))

	high := m.EvaluateGeoThreat("1.2.3.4", &event.GeoLocation{CountryCode: "XA"})
	assert.Equal(t, GeoVerdict{ShouldBlock: true, RiskScore: 20}, high)

	blocked := m.EvaluateGeoThreat("1.2.3.4", &event.GeoLocation{CountryCode: "XZ"})
	assert.Equal(t, GeoVerdict{ShouldBlock: true, RiskScore: 0}, blocked)
}

func TestEvaluateReputation_BlendsSuccessfulSources(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sources = []NamedSource{
		{Name: "feed-a", Lookup: func(ctx context.Context, addr string) (int, error) { return 10, nil }},
		{Name: "feed-b", Lookup: func(ctx context.Context, addr string) (int, error) { return 40, nil }},
		{Name: "feed-down", Lookup: func(ctx context.Context, addr string) (int, error) {
			return 0, errors.New("connection refused")
		}},
	}
	m := newTestManager(cfg)

	v := m.EvaluateReputation(context.Background(), "10.0.0.8")
	// Mean over baseline 50 and the two live sources: (50+10+40)/3.
	assert.Equal(t, 33, v.Score)
	assert.False(t, v.ShouldBlock)
	assert.Equal(t, map[string]int{"feed-a": 10, "feed-b": 40}, v.Sources)
	_, failedPresent := v.Sources["feed-down"]
	assert.False(t, failedPresent, "failed source must not appear in the breakdown")
}

func TestEvaluateReputation_BlockCutoffAndCache(t *testing.T) {
	calls := 0
	cfg := DefaultConfig()
	cfg.Sources = []NamedSource{
		{Name: "feed", Lookup: func(ctx context.Context, addr string) (int, error) {
			calls++
			return 0, nil
		}},
	}
	m := newTestManager(cfg)

	v := m.EvaluateReputation(context.Background(), "10.0.0.9")
	// (50+0)/2 = 25, under the cutoff of 30.
	assert.Equal(t, 25, v.Score)
	assert.True(t, v.ShouldBlock)

	m.EvaluateReputation(context.Background(), "10.0.0.9")
	assert.Equal(t, 1, calls, "second evaluation must come from the cache")

	m.ClearReputationCache()
	m.EvaluateReputation(context.Background(), "10.0.0.9")
	assert.Equal(t, 2, calls)
}

func TestEvaluateReputation_NoSources(t *testing.T) {
	m := newTestManager(Config{})
	v := m.EvaluateReputation(context.Background(), "10.0.0.10")
	assert.Equal(t, 50, v.Score, "baseline only")
	assert.False(t, v.ShouldBlock)
}

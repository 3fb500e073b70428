package anomaly

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatpipe/threatpipe/pkg/counterstore"
	"github.com/threatpipe/threatpipe/pkg/event"
)

func newTestDetector(cfg Config) (*Detector, *counterstore.Store) {
	store := counterstore.New(counterstore.Config{})
	return New(cfg, store), store
}

func findCategory(results []event.DetectionResult, cat event.Category) *event.DetectionResult {
	for i := range results {
		if results[i].Category == cat {
			return &results[i]
		}
	}
	return nil
}

func browserEvent(addr string) *event.RequestEvent {
	return &event.RequestEvent{
		SourceAddr: addr,
		Method:     "GET",
		Path:       "/api/orders",
		UserAgent:  "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
		StatusCode: 200,
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDetectRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateViolation.Threshold = 10
	d, store := newTestDetector(cfg)

	e := browserEvent("10.0.0.1")
	for i := 0; i < 11; i++ {
		store.Record(e.Key(), counterstore.Sample{
			Timestamp:  e.Timestamp.Add(-time.Duration(i) * time.Second),
			StatusCode: 200,
			Path:       e.Path,
		})
	}

	r := findCategory(d.Detect(e), event.CategoryRateLimit)
	require.NotNil(t, r)
	require.True(t, r.Valid())
	assert.Equal(t, "rate_violation", r.Anomaly.Detector)
	assert.Equal(t, 11, r.Anomaly.Observed)
	assert.Equal(t, 10, r.Anomaly.Threshold)
	assert.Equal(t, 70, r.Confidence, "no pattern evidence, no double volume")
}

func TestDetectRate_AtThresholdDoesNotFire(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateViolation.Threshold = 10
	d, store := newTestDetector(cfg)

	e := browserEvent("10.0.0.2")
	for i := 0; i < 10; i++ {
		store.Record(e.Key(), counterstore.Sample{Timestamp: e.Timestamp})
	}
	assert.Nil(t, findCategory(d.Detect(e), event.CategoryRateLimit))
}

func TestDetectUserAgent(t *testing.T) {
	d, _ := newTestDetector(DefaultConfig())

	tests := []struct {
		name string
		ua   string
		want bool
	}{
		{"browser", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36", false},
		{"sqlmap", "sqlmap/1.7.2#stable (https://sqlmap.org)", true},
		{"empty", "", true},
		{"too short", "x", true},
		{"curl", "curl/8.4.0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := browserEvent("10.0.0.3")
			e.UserAgent = tt.ua
			got := findCategory(d.Detect(e), event.CategoryUserAgent)
			if tt.want {
				require.NotNil(t, got, "ua %q", tt.ua)
				assert.Equal(t, "suspicious_user_agent", got.Anomaly.Detector)
			} else {
				assert.Nil(t, got, "ua %q", tt.ua)
			}
		})
	}
}

func TestDetectSignatures_RelabeledAsAnomaly(t *testing.T) {
	d, _ := newTestDetector(DefaultConfig())

	e := browserEvent("10.0.0.4")
	e.Query = "id=1 UNION SELECT password FROM users"

	r := findCategory(d.Detect(e), event.CategorySQLi)
	require.NotNil(t, r)
	assert.Equal(t, event.KindAnomaly, r.Kind)
	assert.Equal(t, "signature:sqli", r.Anomaly.Detector)
	assert.GreaterOrEqual(t, r.Confidence, 80, "matched patterns add confidence")
}

func TestDetectBruteForce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BruteForce.Threshold = 5
	d, store := newTestDetector(cfg)

	e := browserEvent("10.0.0.5")
	e.Path = "/api/login"
	e.StatusCode = 401

	record := func(status int, path string) {
		store.Record(e.Key(), counterstore.Sample{
			Timestamp:  e.Timestamp.Add(-time.Minute),
			StatusCode: status,
			Path:       path,
		})
	}

	// Four auth failures plus noise stays under the threshold of five.
	for i := 0; i < 4; i++ {
		record(401, "/api/login")
	}
	record(200, "/api/login")
	record(404, "/assets/x.png")
	assert.Nil(t, findCategory(d.Detect(e), event.CategoryBruteForce))

	record(403, "/api/login")
	r := findCategory(d.Detect(e), event.CategoryBruteForce)
	require.NotNil(t, r)
	assert.Equal(t, "brute_force", r.Anomaly.Detector)
	assert.Equal(t, 5, r.Anomaly.Observed)
	assert.True(t, r.RiskScore >= event.SeverityHigh.RiskScore())
}

func TestDetectBruteForce_IgnoresNonAuthPaths(t *testing.T) {
	d, store := newTestDetector(DefaultConfig())

	e := browserEvent("10.0.0.6")
	e.Path = "/api/orders"
	for i := 0; i < 20; i++ {
		store.Record(e.Key(), counterstore.Sample{
			Timestamp:  e.Timestamp,
			StatusCode: 401,
			Path:       "/api/orders",
		})
	}
	assert.Nil(t, findCategory(d.Detect(e), event.CategoryBruteForce))
}

func TestDetectScanner_BroadProbing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scanner.Threshold = 20
	d, store := newTestDetector(cfg)

	e := browserEvent("10.0.0.7")
	// Fifteen unique paths, twelve of them 404s: broad probing with a high
	// miss ratio but nowhere near the volume trigger.
	for i := 0; i < 15; i++ {
		status := 404
		if i%5 == 0 {
			status = 200
		}
		store.Record(e.Key(), counterstore.Sample{
			Timestamp:  e.Timestamp.Add(-time.Minute),
			StatusCode: status,
			Path:       fmt.Sprintf("/probe/%d", i),
		})
	}

	r := findCategory(d.Detect(e), event.CategoryScanner)
	require.NotNil(t, r)
	assert.Equal(t, "scanner_activity", r.Anomaly.Detector)
	assert.True(t, r.Evidence["broad_probe"].Bool)
	assert.False(t, r.Evidence["high_volume"].Bool)
}

func TestDetectScanner_VolumeAlone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scanner.Threshold = 10
	d, store := newTestDetector(cfg)

	e := browserEvent("10.0.0.8")
	// One path, all successful: no broad probing, but 21 requests exceeds
	// twice the threshold.
	for i := 0; i < 21; i++ {
		store.Record(e.Key(), counterstore.Sample{
			Timestamp:  e.Timestamp.Add(-time.Minute),
			StatusCode: 200,
			Path:       "/api/feed",
		})
	}

	r := findCategory(d.Detect(e), event.CategoryScanner)
	require.NotNil(t, r)
	assert.False(t, r.Evidence["broad_probe"].Bool)
	assert.True(t, r.Evidence["high_volume"].Bool)
	assert.Equal(t, 80, r.Confidence, "double volume bonus")
}

func TestDetectBot_CrawlerAllowlist(t *testing.T) {
	d, _ := newTestDetector(DefaultConfig())

	bot := browserEvent("10.0.0.9")
	bot.IsBot = true
	bot.UserAgent = "CustomScraper/1.0 (+http://example.com/bot)"
	require.NotNil(t, findCategory(d.Detect(bot), event.CategoryBot))

	google := browserEvent("10.0.0.9")
	google.IsBot = true
	google.UserAgent = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
	assert.Nil(t, findCategory(d.Detect(google), event.CategoryBot))

	// Runtime allow-list changes take effect immediately.
	d.AllowCrawler("CustomScraper")
	assert.Nil(t, findCategory(d.Detect(bot), event.CategoryBot))
	d.DisallowCrawler("customscraper")
	assert.NotNil(t, findCategory(d.Detect(bot), event.CategoryBot))
}

func TestDetect_DisabledDetectorsStaySilent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateViolation.Enabled = false
	cfg.UserAgent.Enabled = false
	cfg.Signatures.Enabled = false
	cfg.BruteForce.Enabled = false
	cfg.Scanner.Enabled = false
	cfg.Bot.Enabled = false
	d, store := newTestDetector(cfg)

	e := browserEvent("10.0.0.10")
	e.IsBot = true
	e.UserAgent = "sqlmap/1.7"
	e.Query = "id=1 UNION SELECT 1,2"
	for i := 0; i < 500; i++ {
		store.Record(e.Key(), counterstore.Sample{Timestamp: e.Timestamp, StatusCode: 404, Path: fmt.Sprintf("/p/%d", i)})
	}
	assert.Empty(t, d.Detect(e))
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 70, confidence(0, false))
	assert.Equal(t, 80, confidence(1, false))
	assert.Equal(t, 95, confidence(3, false))
	assert.Equal(t, 100, confidence(3, true))
	assert.Equal(t, 80, confidence(0, true))
}

func TestSpecialRatio(t *testing.T) {
	assert.Equal(t, 0.0, specialRatio("Mozilla/5.0 (Linux)"))
	assert.Greater(t, specialRatio("!!!###$$$%%%"), 0.4)
}

package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreatFromVerdict(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := &SecurityVerdict{
		ID:             "v-1",
		SourceAddr:     "10.0.0.1",
		Timestamp:      now,
		RiskLevel:      RiskHigh,
		TotalRiskScore: 72,
		DetectionCount: 2,
		Detections: []DetectionResult{
			{Kind: KindPattern, Category: CategorySQLi, Confidence: 65},
			{Kind: KindAnomaly, Category: CategoryScanner, Confidence: 80},
		},
	}

	th := ThreatFromVerdict(v)
	assert.NotEmpty(t, th.ID)
	assert.Equal(t, SeverityHigh, th.Severity)
	assert.Equal(t, CategorySQLi, th.Category, "dominant category is the first seen")
	assert.Equal(t, 72, th.RiskScore)
	assert.Equal(t, 80, th.Confidence, "confidence is the maximum across detections")
	assert.Equal(t, now, th.Timestamp)
}

func TestThreatFromVerdict_NoDetections(t *testing.T) {
	v := &SecurityVerdict{
		ID:             "v-2",
		SourceAddr:     "10.0.0.2",
		RiskLevel:      RiskMedium,
		TotalRiskScore: 45,
	}

	th := ThreatFromVerdict(v)
	assert.Equal(t, CategoryVerdict, th.Category)
	// The coordinated-attack category is reserved for correlated synthetic
	// threats; a bare verdict must never claim it.
	assert.NotEqual(t, CategoryCoordinated, th.Category)
}

func TestThreatFromDetection(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := &DetectionResult{
		Kind:       KindPattern,
		Category:   CategoryXSS,
		Confidence: 70,
		RiskScore:  85,
		SourceAddr: "10.0.0.3",
		Timestamp:  now,
		Evidence:   Evidence{"rule": String("xss-core")},
	}

	th := ThreatFromDetection(d)
	require.NotEmpty(t, th.ID)
	assert.Equal(t, SeverityCritical, th.Severity, "severity follows the risk tier")
	assert.Equal(t, CategoryXSS, th.Category)
	assert.Equal(t, 85, th.RiskScore)
	assert.Equal(t, 70, th.Confidence)
	assert.Equal(t, "pattern detection", th.Description)
	assert.Equal(t, d.Evidence, th.Evidence)
}

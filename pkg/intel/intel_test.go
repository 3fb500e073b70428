package intel

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatpipe/threatpipe/pkg/event"
)

func verdict(addr string, score, detections int, cats ...event.Category) *event.SecurityVerdict {
	v := &event.SecurityVerdict{
		SourceAddr:     addr,
		TotalRiskScore: score,
		DetectionCount: detections,
		RiskLevel:      event.RiskLevelFor(score),
	}
	for _, c := range cats {
		v.Detections = append(v.Detections, event.DetectionResult{Category: c})
	}
	return v
}

func TestMerge_EMARecurrence(t *testing.T) {
	s := New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	scores := []int{80, 40, 90, 10}

	expected := 0.0
	for i, score := range scores {
		expected = alpha*expected + (1-alpha)*float64(score)
		rec := s.Merge(verdict("10.0.0.1", score, 1), now.Add(time.Duration(i)*time.Minute))
		assert.Equal(t, expected, rec.RiskScore, "verdict %d", i+1)
	}

	rec, ok := s.Get("10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, expected, rec.RiskScore)
	assert.Equal(t, int64(4), rec.TotalDetections)
	assert.Equal(t, now, rec.FirstSeen)
	assert.Equal(t, now.Add(3*time.Minute), rec.LastSeen)
}

func TestMerge_ThreatTypesDeduplicated(t *testing.T) {
	s := New()
	now := time.Now()

	s.Merge(verdict("10.0.0.2", 50, 2, event.CategorySQLi, event.CategoryXSS), now)
	rec := s.Merge(verdict("10.0.0.2", 50, 1, event.CategorySQLi, event.CategoryScanner), now)

	assert.Equal(t, []event.Category{
		event.CategorySQLi, event.CategoryXSS, event.CategoryScanner,
	}, rec.ThreatTypes)
}

func TestMerge_MonitoringAndBlockFlags(t *testing.T) {
	s := New()
	now := time.Now()

	// One mild verdict: EMA 0.3*30 = 9, one detection, nothing trips.
	rec := s.Merge(verdict("10.0.0.3", 30, 1), now)
	assert.False(t, rec.IsActivelyMonitored)
	assert.False(t, rec.BlockRecommendation)

	// Detection volume alone trips monitoring even at low risk.
	rec = s.Merge(verdict("10.0.0.3", 0, 10), now)
	assert.True(t, rec.IsActivelyMonitored)
	assert.False(t, rec.BlockRecommendation)

	// Sustained critical verdicts push the EMA over the block line.
	for i := 0; i < 12; i++ {
		rec = s.Merge(verdict("10.0.0.4", 100, 1), now)
	}
	assert.Greater(t, rec.RiskScore, blockRisk)
	assert.True(t, rec.BlockRecommendation)
	assert.True(t, rec.IsActivelyMonitored)
}

func TestTopOffenders(t *testing.T) {
	s := New()
	now := time.Now()
	for i, score := range []int{10, 90, 50, 70} {
		addr := fmt.Sprintf("10.0.1.%d", i)
		// Repeated merges converge the EMA toward the verdict score, keeping
		// the relative order of the inputs.
		for j := 0; j < 20; j++ {
			s.Merge(verdict(addr, score, 1), now)
		}
	}

	top := s.TopOffenders(2)
	require.Len(t, top, 2)
	assert.Equal(t, "10.0.1.1", top[0].Address)
	assert.Equal(t, "10.0.1.3", top[1].Address)
	assert.Equal(t, 4, s.Len())
}

func TestGC_SparesMonitoredRecords(t *testing.T) {
	s := New()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.Merge(verdict("10.0.2.1", 10, 1), old)  // idle, unmonitored
	s.Merge(verdict("10.0.2.2", 90, 10), old) // idle but monitored
	s.Merge(verdict("10.0.2.3", 10, 1), old.Add(29*24*time.Hour))

	removed := s.GC(old.Add(31 * 24 * time.Hour))
	assert.Equal(t, 1, removed)

	_, ok := s.Get("10.0.2.1")
	assert.False(t, ok, "idle unmonitored record survived")
	_, ok = s.Get("10.0.2.2")
	assert.True(t, ok, "monitored record collected")
	_, ok = s.Get("10.0.2.3")
	assert.True(t, ok, "recently active record collected")
}

func TestSnapshotIsolation(t *testing.T) {
	s := New()
	rec := s.Merge(verdict("10.0.3.1", 50, 1, event.CategorySQLi), time.Now())
	rec.ThreatTypes[0] = event.CategoryBot

	again, _ := s.Get("10.0.3.1")
	assert.Equal(t, event.CategorySQLi, again.ThreatTypes[0], "caller mutated internal state")
}

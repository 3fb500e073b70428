package event

import (
	"time"

	"github.com/google/uuid"
)

// SecurityVerdict aggregates all detection results for one request.
// RiskLevel is always RiskLevelFor(TotalRiskScore).
type SecurityVerdict struct {
	ID                 string            `json:"id"`
	SourceAddr         string            `json:"source_addr"`
	Endpoint           string            `json:"endpoint"`
	Timestamp          time.Time         `json:"timestamp"`
	RiskLevel          RiskLevel         `json:"risk_level"`
	TotalRiskScore     int               `json:"total_risk_score"`
	DetectionCount     int               `json:"detection_count"`
	ShouldBlock        bool              `json:"should_block"`
	EscalationRequired bool              `json:"escalation_required"`
	RecommendedActions []string          `json:"recommended_actions,omitempty"`
	Detections         []DetectionResult `json:"detections,omitempty"`
}

// HasBlacklistHit reports whether any detection came from the blacklist.
func (v *SecurityVerdict) HasBlacklistHit() bool {
	for i := range v.Detections {
		if v.Detections[i].Kind == KindBlacklist {
			return true
		}
	}
	return false
}

// Categories returns the distinct attack categories across all detections.
func (v *SecurityVerdict) Categories() []Category {
	seen := make(map[Category]struct{}, len(v.Detections))
	var out []Category
	for i := range v.Detections {
		c := v.Detections[i].Category
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

// SecurityThreat is the normalized projection of a detection result, verdict,
// or blacklist entry into the shape the notification engine consumes.
type SecurityThreat struct {
	ID                 string    `json:"id"`
	Severity           Severity  `json:"severity"`
	Category           Category  `json:"category"`
	SourceAddr         string    `json:"source_addr"`
	RiskScore          int       `json:"risk_score"`
	Confidence         int       `json:"confidence"`
	EscalationLevel    int       `json:"escalation_level"`
	Description        string    `json:"description"`
	Evidence           Evidence  `json:"evidence,omitempty"`
	RecommendedActions []string  `json:"recommended_actions,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// ThreatFromVerdict projects a verdict onto the common threat shape. The
// dominant category is the first one seen; confidence is the maximum across
// the verdict's detections.
func ThreatFromVerdict(v *SecurityVerdict) SecurityThreat {
	t := SecurityThreat{
		ID:                 uuid.NewString(),
		Severity:           v.RiskLevel.Severity(),
		Category:           CategoryVerdict,
		SourceAddr:         v.SourceAddr,
		RiskScore:          v.TotalRiskScore,
		Description:        "aggregated security verdict",
		RecommendedActions: v.RecommendedActions,
		Timestamp:          v.Timestamp,
		Evidence:           Evidence{"detection_count": Int(v.DetectionCount)},
	}
	if cats := v.Categories(); len(cats) > 0 {
		t.Category = cats[0]
	}
	for i := range v.Detections {
		if c := v.Detections[i].Confidence; c > t.Confidence {
			t.Confidence = c
		}
	}
	return t
}

// ThreatFromDetection projects a single detection result onto the common
// threat shape.
func ThreatFromDetection(d *DetectionResult) SecurityThreat {
	return SecurityThreat{
		ID:          uuid.NewString(),
		Severity:    RiskLevelFor(d.RiskScore).Severity(),
		Category:    d.Category,
		SourceAddr:  d.SourceAddr,
		RiskScore:   d.RiskScore,
		Confidence:  d.Confidence,
		Description: string(d.Kind) + " detection",
		Evidence:    d.Evidence,
		Timestamp:   d.Timestamp,
	}
}

package event

// Severity classifies threats and blacklist entries.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityOrder maps severity to numeric order for comparison.
// Higher number = more severe.
var severityOrder = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// AtLeast reports whether s is at least as severe as min.
// Unknown severities compare as lowest.
func (s Severity) AtLeast(min Severity) bool {
	return severityOrder[s] >= severityOrder[min]
}

// RiskScore returns the base risk score for a severity tier.
func (s Severity) RiskScore() int {
	switch s {
	case SeverityCritical:
		return 80
	case SeverityHigh:
		return 60
	case SeverityMedium:
		return 40
	default:
		return 20
	}
}

// RiskLevel is the aggregated risk classification of one request.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskLevelFor maps a total risk score onto a risk level. The mapping is
// pure and monotonic: >=80 critical, >=60 high, >=40 medium, else low.
func RiskLevelFor(score int) RiskLevel {
	switch {
	case score >= 80:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Severity converts a risk level to the equivalent threat severity.
func (r RiskLevel) Severity() Severity {
	switch r {
	case RiskCritical:
		return SeverityCritical
	case RiskHigh:
		return SeverityHigh
	case RiskMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Category identifies an attack vector or detection source.
type Category string

const (
	CategorySQLi        Category = "sqli"
	CategoryXSS         Category = "xss"
	CategoryCmdInject   Category = "cmdi"
	CategoryTraversal   Category = "traversal"
	CategorySSRF        Category = "ssrf"
	CategoryXXE         Category = "xxe"
	CategoryRateLimit   Category = "rate-limit"
	CategoryBruteForce  Category = "brute-force"
	CategoryScanner     Category = "scanner"
	CategoryBot         Category = "bot"
	CategoryUserAgent   Category = "user-agent"
	CategoryBlacklist   Category = "blacklist"
	CategoryGeo         Category = "geo"
	CategoryReputation  Category = "reputation"
	CategoryCoordinated Category = "coordinated-attack"
	// CategoryVerdict marks a threat projected from an aggregate verdict
	// with no categorized detections.
	CategoryVerdict Category = "verdict"
)

// Package event defines the shared data model for the threat detection
// pipeline: request telemetry snapshots, detection results, aggregated
// verdicts, and the normalized threat shape consumed by notification rules.
package event

import (
	"time"
)

// RequestEvent is an immutable snapshot of one completed HTTP request.
// It is created by the ingestion boundary and is read-only to the pipeline.
type RequestEvent struct {
	Timestamp      time.Time         `json:"timestamp"`
	SourceAddr     string            `json:"source_addr"`
	UserID         string            `json:"user_id,omitempty"`
	UserAgent      string            `json:"user_agent"`
	Method         string            `json:"method"`
	Path           string            `json:"path"`
	Query          string            `json:"query,omitempty"`
	Body           string            `json:"body,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	StatusCode     int               `json:"status_code"`
	ResponseTimeMs int64             `json:"response_time_ms"`
	ResponseSize   int64             `json:"response_size"`

	// Flags pre-computed by the ingestion boundary.
	IsBot        bool `json:"is_bot"`
	IsSuspicious bool `json:"is_suspicious"`

	// Geo is resolved externally and may be nil.
	Geo *GeoLocation `json:"geo,omitempty"`
}

// GeoLocation is the externally resolved location for a source address.
type GeoLocation struct {
	CountryCode string  `json:"country_code"`
	Region      string  `json:"region,omitempty"`
	City        string  `json:"city,omitempty"`
	ASN         string  `json:"asn,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
}

// Key returns the client key used for per-source accounting. The user ID
// takes precedence over the address so that authenticated traffic behind a
// shared NAT is tracked per user.
func (e *RequestEvent) Key() string {
	if e.UserID != "" {
		return "user:" + e.UserID
	}
	return "addr:" + e.SourceAddr
}

// Endpoint returns method and path combined, the form used in evidence and
// detection results.
func (e *RequestEvent) Endpoint() string {
	return e.Method + " " + e.Path
}

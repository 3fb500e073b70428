// Package eventlog writes structured security-event records to a durable
// append-only sink. Writes are fire-and-forget from the pipeline's point of
// view: a sink failure is logged locally and never blocks request handling.
package eventlog

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/threatpipe/threatpipe/pkg/event"
	"github.com/threatpipe/threatpipe/pkg/jsonutil"
)

// Record is one security-event log line.
type Record struct {
	ID         string         `json:"id"`
	Category   event.Category `json:"category"`
	Severity   event.Severity `json:"severity"`
	SourceAddr string         `json:"source_addr"`
	RiskScore  int            `json:"risk_score"`
	Confidence int            `json:"confidence"`
	Message    string         `json:"message,omitempty"`
	Metadata   event.Evidence `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`

	// FalsePositive marks a record resolved by an operator.
	FalsePositive bool `json:"false_positive,omitempty"`
}

// NewRecord builds a record from a verdict.
func NewRecord(v *event.SecurityVerdict) Record {
	return Record{
		ID:         v.ID,
		Category:   dominantCategory(v),
		Severity:   v.RiskLevel.Severity(),
		SourceAddr: v.SourceAddr,
		RiskScore:  v.TotalRiskScore,
		Message:    "security verdict " + string(v.RiskLevel),
		Timestamp:  v.Timestamp,
		Metadata: event.Evidence{
			"detection_count": event.Int(v.DetectionCount),
			"should_block":    event.Bool(v.ShouldBlock),
		},
	}
}

func dominantCategory(v *event.SecurityVerdict) event.Category {
	if cats := v.Categories(); len(cats) > 0 {
		return cats[0]
	}
	return event.Category("none")
}

// Sink is the durable event log boundary.
type Sink interface {
	Write(rec Record) error
	Close() error
}

// Discard is a Sink that drops everything, for tests and minimal deploys.
type Discard struct{}

func (Discard) Write(Record) error { return nil }
func (Discard) Close() error       { return nil }

// FileSink appends JSONL records to a local file.
type FileSink struct {
	mu     sync.Mutex
	f      *os.File
	logger *slog.Logger
}

// NewFileSink opens (or creates) the log file in append mode.
func NewFileSink(path string, logger *slog.Logger) (*FileSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f, logger: logger}, nil
}

// Write appends one record as a JSON line.
func (s *FileSink) Write(rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	data, err := jsonutil.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// Close syncs and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		s.logger.Warn("event log sync failed", "err", err)
	}
	return s.f.Close()
}

// Package aggregator is the pipeline orchestrator. For each request event
// it fans out concurrently to the rate limiter, the pattern matcher, the
// anomaly detectors, and the blacklist/reputation manager, merges whatever
// results come back into one verdict, folds the verdict into longitudinal
// threat intelligence, and drives automated response. A failure in any
// engine is contained: the verdict is computed from the engines that
// succeeded, and total failure yields a safe low-risk fallback rather than
// an error on the serving path.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/threatpipe/threatpipe/pkg/anomaly"
	"github.com/threatpipe/threatpipe/pkg/counterstore"
	"github.com/threatpipe/threatpipe/pkg/event"
	"github.com/threatpipe/threatpipe/pkg/eventlog"
	"github.com/threatpipe/threatpipe/pkg/intel"
	"github.com/threatpipe/threatpipe/pkg/metrics"
	"github.com/threatpipe/threatpipe/pkg/notify"
	"github.com/threatpipe/threatpipe/pkg/patterns"
	"github.com/threatpipe/threatpipe/pkg/ratelimit"
	"github.com/threatpipe/threatpipe/pkg/reputation"
	"github.com/threatpipe/threatpipe/pkg/thresholds"
	"github.com/threatpipe/threatpipe/pkg/workerpool"
)

// Aggregation weights and cutoffs.
const (
	blacklistHitScore = 90

	baselineSuspicious = 30
	baselineServerErr  = 20
	baselineBadBot     = 25

	blockScore     = 70
	escalateScore  = 85
	escalateCount  = 3
)

// Config configures the Orchestrator.
type Config struct {
	QueueCapacity int           `yaml:"queue_capacity"`
	BatchSize     int           `yaml:"batch_size"`
	BatchInterval time.Duration `yaml:"batch_interval"`
	Workers       int           `yaml:"workers"`

	// AutoBlockDuration bounds the immediate block on a critical verdict.
	AutoBlockDuration time.Duration `yaml:"auto_block_duration"`

	// AutoBlacklistDuration bounds the block applied after repeated
	// critical verdicts.
	AutoBlacklistDuration time.Duration `yaml:"auto_blacklist_duration"`

	// CriticalStreak and CriticalWindow define "repeated": this many
	// critical verdicts inside the window.
	CriticalStreak int           `yaml:"critical_streak"`
	CriticalWindow time.Duration `yaml:"critical_window"`

	// High-priority routing for Submit.
	SensitivePathPatterns []string `yaml:"sensitive_path_patterns"`
	HighLatencyMs         int64    `yaml:"high_latency_ms"`
	OversizedBody         int64    `yaml:"oversized_body"`

	// Maintenance intervals.
	CounterSweepInterval   time.Duration `yaml:"counter_sweep_interval"`
	ReputationClearInterval time.Duration `yaml:"reputation_clear_interval"`
	IntelGCInterval        time.Duration `yaml:"intel_gc_interval"`
	NotifyCleanupInterval  time.Duration `yaml:"notify_cleanup_interval"`
	CompositeSweepInterval time.Duration `yaml:"composite_sweep_interval"`
	LearnInterval          time.Duration `yaml:"learn_interval"`
	ThresholdEvalInterval  time.Duration `yaml:"threshold_eval_interval"`
}

// DefaultConfig returns production defaults per the concurrency model: a
// thousand-entry drop-oldest queue drained in batches of ten every three
// seconds.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:           1000,
		BatchSize:               10,
		BatchInterval:           3 * time.Second,
		Workers:                 8,
		AutoBlockDuration:       time.Hour,
		AutoBlacklistDuration:   24 * time.Hour,
		CriticalStreak:          3,
		CriticalWindow:          5 * time.Minute,
		SensitivePathPatterns:   []string{`^/(api/)?(admin|login|auth|token|billing)`},
		HighLatencyMs:           5000,
		OversizedBody:           10 << 20,
		CounterSweepInterval:    time.Hour,
		ReputationClearInterval: 6 * time.Hour,
		IntelGCInterval:         24 * time.Hour,
		NotifyCleanupInterval:   time.Hour,
		CompositeSweepInterval:  5 * time.Minute,
		LearnInterval:           time.Hour,
		ThresholdEvalInterval:   time.Minute,
	}
}

// Deps are the engines and collaborators the Orchestrator drives.
type Deps struct {
	Store      *counterstore.Store
	Limiter    *ratelimit.Limiter
	Matcher    *patterns.Matcher
	Anomaly    *anomaly.Detector
	Reputation *reputation.Manager
	Intel      *intel.Store
	Notifier   *notify.Engine
	Thresholds *thresholds.Manager
	Sink       eventlog.Sink
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Orchestrator is the pipeline entry point. Safe for concurrent use.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer
	pool   *workerpool.Pool

	queueMu sync.Mutex
	queue   []*event.RequestEvent

	critMu    sync.Mutex
	criticals map[string][]time.Time

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup

	analyzed atomic.Int64
	blocked  atomic.Int64
}

// New creates an Orchestrator. Start must be called to run the background
// queue and maintenance tasks.
func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		logger:    deps.Logger,
		tracer:    otel.Tracer("threatpipe/aggregator"),
		pool:      workerpool.New(cfg.Workers),
		criticals: make(map[string][]time.Time),
		stop:      make(chan struct{}),
	}
}

// engineResult carries one engine's output across the join point.
type engineResult struct {
	engine     string
	detections []event.DetectionResult
	err        error
}

// Analyze runs the full fan-out for one event and returns the verdict. It
// never returns an error and never panics outward: total failure produces
// the fallback verdict.
func (o *Orchestrator) Analyze(ctx context.Context, e *event.RequestEvent) (v *event.SecurityVerdict) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("analysis panic, returning fallback verdict", "panic", r)
			v = o.fallbackVerdict(e)
		}
		if o.deps.Metrics != nil {
			o.deps.Metrics.AnalyzeSeconds.Observe(time.Since(start).Seconds())
		}
	}()

	ctx, span := o.tracer.Start(ctx, "analyze",
		trace.WithAttributes(attribute.String("source.addr", e.SourceAddr)))
	defer span.End()

	now := e.Timestamp
	if now.IsZero() {
		now = time.Now()
		e.Timestamp = now
	}

	// Record the sample before anomaly detection so detectors see the
	// current request in the key's history.
	o.deps.Store.Record(e.Key(), counterstore.Sample{
		Timestamp:  now,
		Method:     e.Method,
		Path:       e.Path,
		StatusCode: e.StatusCode,
		UserAgent:  e.UserAgent,
	})

	results := make(chan engineResult, 4)
	o.runEngine(ctx, results, "ratelimit", func(ctx context.Context) []event.DetectionResult {
		return o.checkRateLimit(e, now)
	})
	o.runEngine(ctx, results, "patterns", func(ctx context.Context) []event.DetectionResult {
		return o.deps.Matcher.Scan(e)
	})
	o.runEngine(ctx, results, "anomaly", func(ctx context.Context) []event.DetectionResult {
		return o.deps.Anomaly.Detect(e)
	})
	o.runEngine(ctx, results, "blacklist", func(ctx context.Context) []event.DetectionResult {
		return o.checkReputation(ctx, e, now)
	})

	var detections []event.DetectionResult
	failures := 0
	for i := 0; i < 4; i++ {
		r := <-results
		if r.err != nil {
			failures++
			o.logger.Warn("detection engine failed", "engine", r.engine, "err", r.err)
			if o.deps.Metrics != nil {
				o.deps.Metrics.EngineFailures.WithLabelValues(r.engine).Inc()
			}
			continue
		}
		detections = append(detections, r.detections...)
		if o.deps.Metrics != nil {
			for j := range r.detections {
				o.deps.Metrics.DetectionsTotal.
					WithLabelValues(r.engine, string(r.detections[j].Category)).Inc()
			}
		}
	}
	if failures == 4 {
		return o.fallbackVerdict(e)
	}

	verdict := o.aggregate(e, detections, now)
	o.respond(ctx, e, verdict, now)
	return verdict
}

// runEngine executes one engine with panic containment.
func (o *Orchestrator) runEngine(ctx context.Context, out chan<- engineResult, name string, fn func(context.Context) []event.DetectionResult) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- engineResult{engine: name, err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out <- engineResult{engine: name, detections: fn(ctx)}
	}()
}

func (o *Orchestrator) checkRateLimit(e *event.RequestEvent, now time.Time) []event.DetectionResult {
	res := o.deps.Limiter.Check(e, now)
	defer res.Release()
	if o.deps.Metrics != nil {
		if o.deps.Limiter.EmergencyActive() {
			o.deps.Metrics.EmergencyMode.Set(1)
		} else {
			o.deps.Metrics.EmergencyMode.Set(0)
		}
	}
	if res.Allowed {
		return nil
	}
	return []event.DetectionResult{{
		Kind:       event.KindRateLimit,
		Category:   event.CategoryRateLimit,
		Confidence: 90,
		RiskScore:  40,
		SourceAddr: e.SourceAddr,
		Endpoint:   e.Endpoint(),
		Timestamp:  now,
		Evidence: event.Evidence{
			"violation": event.String(res.ViolationType),
			"count":     event.Int(int(res.CurrentCount)),
			"limit":     event.Int(int(res.Limit)),
		},
		RateLimit: &event.RateLimitVerdict{
			Allowed:           false,
			RuleID:            res.RuleID,
			ViolationType:     res.ViolationType,
			CurrentCount:      res.CurrentCount,
			Limit:             res.Limit,
			RemainingRequests: res.RemainingRequests,
			ResetTime:         res.ResetTime,
		},
	}}
}

// checkReputation covers the blacklist lookup plus, for flagged events, geo
// and external reputation scoring.
func (o *Orchestrator) checkReputation(ctx context.Context, e *event.RequestEvent, now time.Time) []event.DetectionResult {
	var out []event.DetectionResult

	if lk := o.deps.Reputation.IsBlacklisted(e.SourceAddr, now); lk.IsBlacklisted {
		d := event.DetectionResult{
			Kind:       event.KindBlacklist,
			Category:   event.CategoryBlacklist,
			Confidence: 100,
			RiskScore:  blacklistHitScore,
			SourceAddr: e.SourceAddr,
			Endpoint:   e.Endpoint(),
			Timestamp:  now,
			Evidence: event.Evidence{
				"reason": event.String(string(lk.Entry.Reason)),
			},
			Blacklist: &event.BlacklistHit{
				EntryID:   lk.Entry.ID,
				Reason:    string(lk.Entry.Reason),
				Severity:  lk.Entry.Severity,
				Permanent: lk.Entry.Permanent(),
			},
		}
		if lk.Entry.ExpiresAt != nil {
			d.Blacklist.ExpiresAt = *lk.Entry.ExpiresAt
		}
		out = append(out, d)
	}

	// Geo and external reputation only run for already-flagged traffic so
	// oracle call volume stays proportional to suspicious load.
	if !e.IsSuspicious {
		return out
	}
	if gv := o.deps.Reputation.EvaluateGeoThreat(e.SourceAddr, e.Geo); gv.ShouldBlock {
		out = append(out, event.DetectionResult{
			Kind:       event.KindBlacklist,
			Category:   event.CategoryGeo,
			Confidence: 70,
			RiskScore:  100 - gv.RiskScore,
			SourceAddr: e.SourceAddr,
			Endpoint:   e.Endpoint(),
			Timestamp:  now,
			Evidence: event.Evidence{
				"geo_score": event.Int(gv.RiskScore),
				"country":   event.String(countryOf(e)),
			},
			Blacklist: &event.BlacklistHit{Reason: string(reputation.ReasonGeo), Severity: event.SeverityHigh},
		})
	}
	if rv := o.deps.Reputation.EvaluateReputation(ctx, e.SourceAddr); rv.ShouldBlock {
		out = append(out, event.DetectionResult{
			Kind:       event.KindBlacklist,
			Category:   event.CategoryReputation,
			Confidence: 80,
			RiskScore:  100 - rv.Score,
			SourceAddr: e.SourceAddr,
			Endpoint:   e.Endpoint(),
			Timestamp:  now,
			Evidence: event.Evidence{
				"reputation_score": event.Int(rv.Score),
				"sources":          event.Int(len(rv.Sources)),
			},
			Blacklist: &event.BlacklistHit{Reason: string(reputation.ReasonReputation), Severity: event.SeverityHigh},
		})
	}
	return out
}

func countryOf(e *event.RequestEvent) string {
	if e.Geo == nil {
		return ""
	}
	return e.Geo.CountryCode
}

// fallbackVerdict is the safe answer when analysis itself fails: low risk,
// no block, one generic recommendation.
func (o *Orchestrator) fallbackVerdict(e *event.RequestEvent) *event.SecurityVerdict {
	return &event.SecurityVerdict{
		ID:                 uuid.NewString(),
		SourceAddr:         e.SourceAddr,
		Endpoint:           e.Endpoint(),
		Timestamp:          time.Now(),
		RiskLevel:          event.RiskLow,
		RecommendedActions: []string{"Analysis degraded; review security pipeline health"},
	}
}

package aggregator

import (
	"context"
	"time"

	"github.com/threatpipe/threatpipe/pkg/event"
	"github.com/threatpipe/threatpipe/pkg/regexcache"
)

// Submit routes one event: high-priority events are analyzed synchronously
// inline and their verdict returned; everything else is queued for batch
// analysis and Submit returns nil.
func (o *Orchestrator) Submit(ctx context.Context, e *event.RequestEvent) *event.SecurityVerdict {
	if o.highPriority(e) {
		if o.deps.Metrics != nil {
			o.deps.Metrics.EventsAnalyzed.WithLabelValues("inline").Inc()
		}
		return o.Analyze(ctx, e)
	}
	o.QueueForBackgroundAnalysis(e)
	return nil
}

// QueueForBackgroundAnalysis enqueues an event on the bounded FIFO queue,
// dropping the oldest entry on overflow so fresh telemetry wins.
func (o *Orchestrator) QueueForBackgroundAnalysis(e *event.RequestEvent) {
	o.queueMu.Lock()
	if len(o.queue) >= o.cfg.QueueCapacity {
		o.queue = o.queue[1:]
		if o.deps.Metrics != nil {
			o.deps.Metrics.QueueDropped.Inc()
		}
	}
	o.queue = append(o.queue, e)
	depth := len(o.queue)
	o.queueMu.Unlock()

	if o.deps.Metrics != nil {
		o.deps.Metrics.QueueDepth.Set(float64(depth))
	}
}

// highPriority implements the inline-analysis routing: flagged suspicious,
// server errors, sensitive endpoints, abnormal latency, bots, unusual
// methods, and oversized payloads all skip the queue.
func (o *Orchestrator) highPriority(e *event.RequestEvent) bool {
	if e.IsSuspicious || e.IsBot {
		return true
	}
	if e.StatusCode >= 500 {
		return true
	}
	if e.ResponseTimeMs > o.cfg.HighLatencyMs {
		return true
	}
	if o.cfg.OversizedBody > 0 && e.ResponseSize > o.cfg.OversizedBody {
		return true
	}
	switch e.Method {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS":
	default:
		return true
	}
	for _, p := range o.cfg.SensitivePathPatterns {
		re, err := regexcache.Get(p, false)
		if err != nil {
			continue
		}
		if re.MatchString(e.Path) {
			return true
		}
	}
	return false
}

// QueueDepth returns the current background queue length.
func (o *Orchestrator) QueueDepth() int {
	o.queueMu.Lock()
	defer o.queueMu.Unlock()
	return len(o.queue)
}

// drainBatch analyzes up to BatchSize queued events on the worker pool.
func (o *Orchestrator) drainBatch(ctx context.Context) {
	o.queueMu.Lock()
	n := o.cfg.BatchSize
	if n > len(o.queue) {
		n = len(o.queue)
	}
	batch := make([]*event.RequestEvent, n)
	copy(batch, o.queue[:n])
	o.queue = o.queue[n:]
	depth := len(o.queue)
	o.queueMu.Unlock()

	if o.deps.Metrics != nil {
		o.deps.Metrics.QueueDepth.Set(float64(depth))
	}
	for _, e := range batch {
		e := e
		o.pool.Submit(func() {
			if o.deps.Metrics != nil {
				o.deps.Metrics.EventsAnalyzed.WithLabelValues("batch").Inc()
			}
			o.Analyze(ctx, e)
		})
	}
}

// Start launches the batch drain loop and all periodic maintenance tasks.
// The tasks run until Stop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.runTicker(ctx, o.cfg.BatchInterval, func(ctx context.Context, _ time.Time) {
		o.drainBatch(ctx)
	})
	o.runTicker(ctx, o.cfg.CounterSweepInterval, func(_ context.Context, now time.Time) {
		removed := o.deps.Store.Sweep(now, 25*time.Hour)
		o.logger.Debug("counter store swept", "removed", removed)
	})
	o.runTicker(ctx, o.cfg.ReputationClearInterval, func(_ context.Context, now time.Time) {
		o.deps.Reputation.ClearReputationCache()
		o.deps.Reputation.Sweep(now)
	})
	o.runTicker(ctx, o.cfg.IntelGCInterval, func(_ context.Context, now time.Time) {
		removed := o.deps.Intel.GC(now)
		o.logger.Info("threat intelligence GC", "removed", removed)
	})
	o.runTicker(ctx, o.cfg.NotifyCleanupInterval, func(_ context.Context, now time.Time) {
		o.deps.Notifier.Cleanup(now)
	})
	o.runTicker(ctx, o.cfg.CompositeSweepInterval, func(ctx context.Context, now time.Time) {
		o.deps.Notifier.SweepComposite(ctx, now)
	})
	o.runTicker(ctx, o.cfg.LearnInterval, func(_ context.Context, now time.Time) {
		updated := o.deps.Limiter.Relearn(now)
		o.logger.Debug("rate limits relearned", "keys", updated)
	})
	o.runTicker(ctx, o.cfg.ThresholdEvalInterval, func(ctx context.Context, now time.Time) {
		o.evaluateThresholdRules(ctx, now)
	})
}

// runTicker owns one maintenance loop.
func (o *Orchestrator) runTicker(ctx context.Context, interval time.Duration, fn func(context.Context, time.Time)) {
	if interval <= 0 {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-o.stop:
				return
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				fn(ctx, now)
			}
		}
	}()
}

// Stop halts all background tasks and waits for in-flight work.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stop)
		o.wg.Wait()
		o.pool.Close()
	})
}

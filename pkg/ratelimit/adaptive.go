package ratelimit

import (
	"time"
)

// minLearnSamples is the history size below which no learned limit is
// computed for a key.
const minLearnSamples = 10

// learnWindowSize bounds how many recent timestamps feed the learned rate.
const learnWindowSize = 100

func (l *Limiter) markSeen(key string, now time.Time) {
	l.seenMu.Lock()
	l.seen[key] = now
	l.seenMu.Unlock()
}

// recordViolation appends a rejection timestamp and activates emergency mode
// when the rolling window count crosses the configured threshold.
func (l *Limiter) recordViolation(now time.Time) {
	if l.cfg.EmergencyViolations <= 0 {
		return
	}
	cutoff := now.Add(-l.cfg.EmergencyWindow)

	l.violMu.Lock()
	l.violations = append(l.violations, now)
	// Trim expired entries in place.
	i := 0
	for i < len(l.violations) && l.violations[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.violations = append(l.violations[:0], l.violations[i:]...)
	}
	count := len(l.violations)
	l.violMu.Unlock()

	if count > l.cfg.EmergencyViolations {
		l.activateEmergency(now)
	}
}

func (l *Limiter) activateEmergency(now time.Time) {
	l.emergency.Lock()
	defer l.emergency.Unlock()
	if l.emergency.active {
		return
	}
	l.emergency.active = true
	l.emergency.activatedAt = now
	l.logger.Warn("emergency mode activated",
		"restriction", l.cfg.EmergencyRestriction,
		"duration", l.cfg.EmergencyDuration)
}

// maybeDeactivateEmergency ends emergency mode at exactly activatedAt +
// duration, not before.
func (l *Limiter) maybeDeactivateEmergency(now time.Time) {
	l.emergency.Lock()
	defer l.emergency.Unlock()
	if !l.emergency.active {
		return
	}
	if !now.Before(l.emergency.activatedAt.Add(l.cfg.EmergencyDuration)) {
		l.emergency.active = false
		l.logger.Info("emergency mode deactivated")
	}
}

// EmergencyActive reports whether emergency restrictions are in force.
func (l *Limiter) EmergencyActive() bool {
	l.emergency.Lock()
	defer l.emergency.Unlock()
	return l.emergency.active
}

// Relearn recomputes learned per-minute limits for every recently seen key.
// A key needs at least minLearnSamples recorded timestamps; the learned
// limit is the observed request rate scaled by the adjustment factor and
// clamped to [LearnMin, LearnMax]. Intended to run on the LearnInterval
// ticker owned by the orchestrator.
func (l *Limiter) Relearn(now time.Time) int {
	l.seenMu.Lock()
	keys := make([]string, 0, len(l.seen))
	for key, last := range l.seen {
		if now.Sub(last) > 24*time.Hour {
			delete(l.seen, key)
			continue
		}
		keys = append(keys, key)
	}
	l.seenMu.Unlock()

	updated := 0
	for _, key := range keys {
		ts := l.store.Timestamps(key, learnWindowSize)
		if len(ts) < minLearnSamples {
			continue
		}
		span := ts[len(ts)-1].Sub(ts[0])
		if span <= 0 {
			continue
		}
		// Average inter-arrival over the retained window, expressed as
		// requests per minute.
		perMinute := float64(len(ts)-1) / span.Minutes()
		learned := int64(perMinute * l.cfg.AdjustmentFactor)
		if learned < l.cfg.LearnMin {
			learned = l.cfg.LearnMin
		}
		if learned > l.cfg.LearnMax {
			learned = l.cfg.LearnMax
		}
		l.learnedMu.Lock()
		l.learned[key] = learned
		l.learnedMu.Unlock()
		updated++
	}
	return updated
}

// LearnedLimit returns the learned per-minute limit for a key, if any.
func (l *Limiter) LearnedLimit(key string) (int64, bool) {
	l.learnedMu.RLock()
	defer l.learnedMu.RUnlock()
	v, ok := l.learned[key]
	return v, ok
}

package reputation

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// defaultScore is the neutral baseline blended into every reputation result.
const defaultScore = 50

// Source is one external reputation oracle returning a 0-100 score for an
// address (lower = worse reputation).
type Source func(ctx context.Context, addr string) (int, error)

// NamedSource pairs a source with the name reported in score breakdowns.
type NamedSource struct {
	Name   string
	Lookup Source
}

// Config configures the Manager.
type Config struct {
	AutoRules         []AutoRule    `yaml:"auto_rules"`
	HighRiskCountries []string      `yaml:"high_risk_countries"`
	BlockedCountries  []string      `yaml:"blocked_countries"`
	BlockCutoff       int           `yaml:"block_cutoff"`
	SourceTimeout     time.Duration `yaml:"source_timeout"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	CacheSize         int           `yaml:"cache_size"`

	// Sources are injected by the daemon, not loaded from YAML.
	Sources []NamedSource `yaml:"-"`
}

// DefaultConfig returns production defaults: a one-hour score cache and a
// block cutoff of 30.
func DefaultConfig() Config {
	return Config{
		AutoRules:     DefaultAutoRules(),
		BlockCutoff:   30,
		SourceTimeout: 2 * time.Second,
		CacheTTL:      time.Hour,
		CacheSize:     10_000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BlockCutoff == 0 {
		c.BlockCutoff = d.BlockCutoff
	}
	if c.SourceTimeout == 0 {
		c.SourceTimeout = d.SourceTimeout
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.CacheSize == 0 {
		c.CacheSize = d.CacheSize
	}
	if c.AutoRules == nil {
		c.AutoRules = d.AutoRules
	}
	return c
}

// ReputationVerdict is the blended multi-source reputation result.
type ReputationVerdict struct {
	ShouldBlock bool
	Score       int
	// Sources lists each source's score; failed sources are absent.
	Sources map[string]int
}

// scorer caches blended reputation scores with a bounded TTL so external
// call volume stays bounded.
type scorer struct {
	cfg   Config
	cache *expirable.LRU[string, ReputationVerdict]
}

func newScorer(cfg Config) *scorer {
	return &scorer{
		cfg:   cfg,
		cache: expirable.NewLRU[string, ReputationVerdict](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// EvaluateReputation blends the configured sources into one 0-100 score.
// The blend is the unweighted mean across the internal baseline of 50 and
// every source that responded inside the timeout. Failed sources are
// excluded from the mean entirely, not treated as zero or as neutral.
func (m *Manager) EvaluateReputation(ctx context.Context, addr string) ReputationVerdict {
	if v, ok := m.rep.cache.Get(addr); ok {
		return v
	}

	scores := map[string]int{}
	total := defaultScore
	count := 1
	for _, src := range m.cfg.Sources {
		sctx, cancel := context.WithTimeout(ctx, m.cfg.SourceTimeout)
		score, err := src.Lookup(sctx, addr)
		cancel()
		if err != nil {
			m.logger.Debug("reputation source unavailable", "source", src.Name, "err", err)
			continue
		}
		scores[src.Name] = score
		total += score
		count++
	}

	v := ReputationVerdict{
		Score:   total / count,
		Sources: scores,
	}
	v.ShouldBlock = v.Score < m.cfg.BlockCutoff
	m.rep.cache.Add(addr, v)
	return v
}

// ClearReputationCache drops all cached scores. Runs on the six-hour
// maintenance ticker.
func (m *Manager) ClearReputationCache() {
	m.rep.cache.Purge()
}

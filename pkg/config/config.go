// Package config loads the daemon configuration: component settings layered
// over defaults from an optional YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/threatpipe/threatpipe/pkg/aggregator"
	"github.com/threatpipe/threatpipe/pkg/anomaly"
	"github.com/threatpipe/threatpipe/pkg/notify"
	"github.com/threatpipe/threatpipe/pkg/ratelimit"
	"github.com/threatpipe/threatpipe/pkg/reputation"
	"github.com/threatpipe/threatpipe/pkg/thresholds"
)

// Channels configures outbound notification endpoints.
type Channels struct {
	WebhookURL string `yaml:"webhook_url"`
	SlackURL   string `yaml:"slack_url"`

	// PacePerSecond and PaceBurst throttle each outbound channel.
	PacePerSecond float64 `yaml:"pace_per_second"`
	PaceBurst     int     `yaml:"pace_burst"`
}

// Config is the full daemon configuration.
type Config struct {
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`
	EventLogPath  string `yaml:"event_log_path"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	LogLevel      string `yaml:"log_level"`

	RateLimit      ratelimit.Config       `yaml:"rate_limit"`
	Anomaly        anomaly.Config         `yaml:"anomaly"`
	Reputation     reputation.Config      `yaml:"reputation"`
	Notify         notify.Config          `yaml:"notify"`
	Aggregator     aggregator.Config      `yaml:"aggregator"`
	Thresholds     []thresholds.Threshold `yaml:"thresholds"`
	ThresholdRules []thresholds.Rule      `yaml:"threshold_rules"`
	Channels       Channels               `yaml:"channels"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Listen:        ":8085",
		MetricsListen: ":9095",
		EventLogPath:  "security-events.jsonl",
		LogLevel:      "info",
		RateLimit:     ratelimit.DefaultConfig(),
		Anomaly:       anomaly.DefaultConfig(),
		Reputation:    reputation.DefaultConfig(),
		Notify:        notify.DefaultConfig(),
		Aggregator:    aggregator.DefaultConfig(),
		Thresholds:    thresholds.Defaults(),
		Channels:      Channels{PacePerSecond: 5, PaceBurst: 10},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

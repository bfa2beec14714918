package chatsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opd-ai/chatsync/scheduler"
)

// Options contains configuration for creating a Client.
type Options struct {
	// SelfID identifies the local user; appends authored by this ID
	// never bump unread counts.
	SelfID string
	// SelfName is the local user's display name.
	SelfName string
	// FetchLimit is the page size for PollConversation.
	FetchLimit int
	// Policy overrides the scheduler's delay/probability source.
	Policy scheduler.Policy
	// Clock overrides the scheduler's timer source.
	Clock scheduler.Clock
	// LogLevel sets the logrus level when non-empty ("debug", "info",
	// "warn", ...).
	LogLevel string
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		SelfID:     "u-you",
		SelfName:   "You",
		FetchLimit: 40,
	}
}

// Config is the yaml file shape accepted by LoadConfig.
type Config struct {
	SelfID     string `yaml:"self_id"`
	SelfName   string `yaml:"self_name"`
	FetchLimit int    `yaml:"fetch_limit"`
	LogLevel   string `yaml:"log_level"`

	Remote struct {
		BaseURL     string `yaml:"base_url"`
		PushEnabled bool   `yaml:"push_enabled"`
	} `yaml:"remote"`

	Scheduler struct {
		DeliverDelayMS  int     `yaml:"deliver_delay_ms"`
		DeliverJitterMS int     `yaml:"deliver_jitter_ms"`
		ReadDelayMS     int     `yaml:"read_delay_ms"`
		ReadJitterMS    int     `yaml:"read_jitter_ms"`
		ReadProbability float64 `yaml:"read_probability"`
	} `yaml:"scheduler"`
}

// LoadConfig reads a yaml configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Options converts the file configuration into client options, filling
// unset fields with defaults.
func (cfg *Config) Options() *Options {
	opts := NewOptions()
	if cfg.SelfID != "" {
		opts.SelfID = cfg.SelfID
	}
	if cfg.SelfName != "" {
		opts.SelfName = cfg.SelfName
	}
	if cfg.FetchLimit > 0 {
		opts.FetchLimit = cfg.FetchLimit
	}
	opts.LogLevel = cfg.LogLevel

	sc := cfg.Scheduler
	if sc.DeliverDelayMS > 0 || sc.ReadDelayMS > 0 || sc.ReadProbability > 0 {
		policy := scheduler.NewRandomPolicy()
		if sc.DeliverDelayMS > 0 {
			policy.DeliverBase = time.Duration(sc.DeliverDelayMS) * time.Millisecond
		}
		if sc.DeliverJitterMS > 0 {
			policy.DeliverJitter = time.Duration(sc.DeliverJitterMS) * time.Millisecond
		}
		if sc.ReadDelayMS > 0 {
			policy.ReadBase = time.Duration(sc.ReadDelayMS) * time.Millisecond
		}
		if sc.ReadJitterMS > 0 {
			policy.ReadJitter = time.Duration(sc.ReadJitterMS) * time.Millisecond
		}
		if sc.ReadProbability > 0 {
			policy.ReadProbability = sc.ReadProbability
		}
		opts.Policy = policy
	}
	return opts
}

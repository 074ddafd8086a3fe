package marketsync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the declarative engine configuration loaded from a YAML or JSON
// file: default strategy, per-category/per-target strategy overrides, the
// priority table, and per-target transform constraints. It replaces the
// process-wide settings singletons a host might otherwise reach for; the
// engine only ever sees the resulting explicit options.
type Config struct {
	Version string `json:"version" yaml:"version"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`

	// DefaultStrategy applies to every conflict not matched by a rule.
	DefaultStrategy string `json:"default_strategy,omitempty" yaml:"default_strategy,omitempty" validate:"omitempty,oneof=latest_wins highest_priority manual_review merge_values marketplace_specific"`

	// Priorities ranks target systems for the highest-priority strategy.
	Priorities map[string]int `json:"priorities,omitempty" yaml:"priorities,omitempty"`

	// Strategies are first-match-wins overrides.
	Strategies []StrategyRuleConfig `json:"strategies,omitempty" yaml:"strategies,omitempty" validate:"dive"`

	// Targets overrides or adds built-in transform constraints.
	Targets map[string]TargetConstraintsConfig `json:"targets,omitempty" yaml:"targets,omitempty" validate:"dive"`

	// Retry enables gateway dispatch retries. Absent means one attempt per
	// target.
	Retry *RetryConfigFile `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// RetryConfigFile mirrors RetryConfig for configuration files. Zero fields
// fall back to the defaults of DefaultRetryConfig.
type RetryConfigFile struct {
	MaxAttempts    int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" validate:"min=0"`
	InitialDelayMS int     `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty" validate:"min=0"`
	MaxDelayMS     int     `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty" validate:"min=0"`
	Multiplier     float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty" validate:"min=0"`
}

// StrategyRuleConfig is one strategy override. Empty category or target
// matches any.
type StrategyRuleConfig struct {
	Category string `json:"category,omitempty" yaml:"category,omitempty" validate:"omitempty,oneof=inventory pricing listing order"`
	Target   string `json:"target,omitempty" yaml:"target,omitempty"`
	Strategy string `json:"strategy" yaml:"strategy" validate:"required,oneof=latest_wins highest_priority manual_review merge_values marketplace_specific"`
}

// TargetConstraintsConfig mirrors TargetConstraints for configuration files.
type TargetConstraintsConfig struct {
	TitleLimit     int `json:"title_limit,omitempty" yaml:"title_limit,omitempty" validate:"min=0"`
	PricePrecision int `json:"price_precision,omitempty" yaml:"price_precision,omitempty" validate:"min=0,max=6"`
}

// LoadConfig reads and validates a configuration file. The format is chosen
// by extension: .json parses as JSON, everything else as YAML.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration's declarative constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for target, rank := range c.Priorities {
		if target == "" {
			return fmt.Errorf("invalid configuration: priority table contains an empty target name")
		}
		if rank < 0 {
			return fmt.Errorf("invalid configuration: priority rank for %q must not be negative", target)
		}
	}
	return nil
}

// Options converts the configuration into engine construction options.
func (c *Config) Options() []Option {
	var opts []Option

	if c.DefaultStrategy != "" {
		opts = append(opts, WithDefaultStrategy(Strategy(c.DefaultStrategy)))
	}
	if len(c.Priorities) > 0 {
		table := make(StaticPriorityTable, len(c.Priorities))
		for target, rank := range c.Priorities {
			table[target] = rank
		}
		opts = append(opts, WithPriorityTable(table))
	}
	for _, rule := range c.Strategies {
		opts = append(opts, WithStrategyFor(DataCategory(rule.Category), rule.Target, Strategy(rule.Strategy)))
	}
	for target, constraints := range c.Targets {
		opts = append(opts, WithTargetConstraints(target, TargetConstraints{
			TitleLimit:     constraints.TitleLimit,
			PricePrecision: constraints.PricePrecision,
		}))
	}
	if c.Retry != nil {
		retry := DefaultRetryConfig()
		if c.Retry.MaxAttempts > 0 {
			retry.MaxAttempts = c.Retry.MaxAttempts
		}
		if c.Retry.InitialDelayMS > 0 {
			retry.InitialDelay = time.Duration(c.Retry.InitialDelayMS) * time.Millisecond
		}
		if c.Retry.MaxDelayMS > 0 {
			retry.MaxDelay = time.Duration(c.Retry.MaxDelayMS) * time.Millisecond
		}
		if c.Retry.Multiplier > 0 {
			retry.Multiplier = c.Retry.Multiplier
		}
		opts = append(opts, WithRetry(retry))
	}

	return opts
}

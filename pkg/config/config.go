// Package config provides configuration loading and validation for the
// conductor system. Configuration is a single YAML file loaded at startup;
// it is immutable afterwards — changes require a reload, never a live patch.
package config

import (
	"fmt"
	"time"

	"conductor/pkg/degrade"
)

// Budget period constants.
const (
	PeriodDaily   = "daily"
	PeriodMonthly = "monthly"
)

// Defaults applied by the loader when a field is unset.
const (
	DefaultMaxUnits         = 1_000_000
	DefaultResetDay         = 1
	DefaultQueueCapacity    = 64
	DefaultQueueMaxAttempts = 3
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 3
)

// Default durations applied by the loader.
var (
	defaultCooldown          = 30 * time.Second
	defaultMaxCooldown       = 5 * time.Minute
	defaultHeartbeatInterval = 10 * time.Second
	defaultDialTimeout       = 5 * time.Second
	defaultRetryInitialDelay = 500 * time.Millisecond
	defaultRetryMaxDelay     = 30 * time.Second
)

// AgentConfig describes one downstream agent worker endpoint.
type AgentConfig struct {
	ID       string `yaml:"id"`
	Address  string `yaml:"address"`  // host:port of the worker's A2A listener
	Priority int    `yaml:"priority"` // Merge order in fan-out aggregates (lower = earlier)
}

// PolicyConfig is the declarative budget policy for one agent.
type PolicyConfig struct {
	MaxUnits       int64  `yaml:"max_units"`
	Period         string `yaml:"period"`          // "daily" or "monthly"
	OnLimit        string `yaml:"action_on_limit"` // warn | queue | degrade | block
	ResetDay       int    `yaml:"reset_day"`       // Day of month for monthly periods
	FallbackTarget string `yaml:"fallback_target"` // Required when OnLimit is "degrade"
}

// MultiplierConfig scales effective budgets during a recurring time window.
// Days lists weekday names ("saturday") or the shorthand "weekend"/"weekday".
type MultiplierConfig struct {
	Name      string   `yaml:"name"`
	Days      []string `yaml:"days"`
	StartHour int      `yaml:"start_hour"`
	EndHour   int      `yaml:"end_hour"` // Exclusive; 0 with StartHour 0 means all day
	Factor    float64  `yaml:"factor"`
}

// BudgetConfig groups the default policy, per-agent overrides, and time-window
// multipliers.
type BudgetConfig struct {
	Default     PolicyConfig            `yaml:"default"`
	Agents      map[string]PolicyConfig `yaml:"agents"`
	Multipliers []MultiplierConfig      `yaml:"multipliers"`
	StorePath   string                  `yaml:"store_path"` // SQLite file for usage persistence; empty disables
}

// BreakerConfig tunes the per-agent circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
	BackoffFactor    float64       `yaml:"backoff_factor"`
}

// QueueConfig tunes the per-agent deferred-dispatch queues.
type QueueConfig struct {
	Capacity      int           `yaml:"capacity"`
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

// TransportConfig tunes the persistent A2A channels.
type TransportConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MissedHeartbeats  int           `yaml:"missed_heartbeats"` // Consecutive misses before the conn is failed
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReconnectMinDelay time.Duration `yaml:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
}

// Config is the root configuration for the conductor system.
type Config struct {
	Agents        []AgentConfig   `yaml:"agents"`
	Budget        BudgetConfig    `yaml:"budget"`
	Breaker       BreakerConfig   `yaml:"breaker"`
	Queue         QueueConfig     `yaml:"queue"`
	Transport     TransportConfig `yaml:"transport"`
	ListenAddr    string          `yaml:"listen_addr"`    // HTTP health/status endpoint
	MetricsAddr   string          `yaml:"metrics_addr"`   // Prometheus scrape endpoint
	PrometheusURL string          `yaml:"prometheus_url"` // Optional, for usage query service
}

// AgentByID returns the endpoint config for an agent, or nil if not declared.
func (c *Config) AgentByID(id string) *AgentConfig {
	for i := range c.Agents {
		if c.Agents[i].ID == id {
			return &c.Agents[i]
		}
	}
	return nil
}

// PolicyFor returns the budget policy for an agent, falling back to the
// default policy when no per-agent override exists.
func (c *Config) PolicyFor(agentID string) PolicyConfig {
	if p, ok := c.Budget.Agents[agentID]; ok {
		return p
	}
	return c.Budget.Default
}

// Validate checks the configuration for internal consistency. It is called by
// Load after defaults are applied; a config that fails validation never
// reaches the rest of the system.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("config: at least one agent must be declared")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.ID == "" {
			return fmt.Errorf("config: agent %d has empty id", i)
		}
		if a.Address == "" {
			return fmt.Errorf("config: agent %s has empty address", a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("config: duplicate agent id %s", a.ID)
		}
		seen[a.ID] = true
	}

	if err := validatePolicy("default", c.Budget.Default, c); err != nil {
		return err
	}
	for agentID, p := range c.Budget.Agents {
		if !seen[agentID] {
			return fmt.Errorf("config: budget policy for undeclared agent %s", agentID)
		}
		if err := validatePolicy(agentID, p, c); err != nil {
			return err
		}
	}

	for i := range c.Budget.Multipliers {
		m := &c.Budget.Multipliers[i]
		if m.Factor <= 0 {
			return fmt.Errorf("config: multiplier %s has non-positive factor %.2f", m.Name, m.Factor)
		}
		if m.StartHour < 0 || m.StartHour > 23 || m.EndHour < 0 || m.EndHour > 24 {
			return fmt.Errorf("config: multiplier %s has hours outside 0-24", m.Name)
		}
	}

	if c.Breaker.BackoffFactor < 1.0 {
		return fmt.Errorf("config: breaker backoff_factor must be >= 1.0")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("config: queue capacity must be positive")
	}
	if c.Transport.MissedHeartbeats <= 0 {
		return fmt.Errorf("config: transport missed_heartbeats must be positive")
	}

	return nil
}

func validatePolicy(name string, p PolicyConfig, c *Config) error {
	if p.MaxUnits <= 0 {
		return fmt.Errorf("config: policy %s: max_units must be positive", name)
	}
	if p.Period != PeriodDaily && p.Period != PeriodMonthly {
		return fmt.Errorf("config: policy %s: unknown period %q", name, p.Period)
	}
	if p.Period == PeriodMonthly && (p.ResetDay < 1 || p.ResetDay > 28) {
		// Capped at 28 so every month has the reset day.
		return fmt.Errorf("config: policy %s: reset_day must be 1-28, got %d", name, p.ResetDay)
	}

	action, err := degrade.ParseAction(p.OnLimit)
	if err != nil {
		return fmt.Errorf("config: policy %s: %w", name, err)
	}
	if action == degrade.ActionDegrade {
		if p.FallbackTarget == "" {
			return fmt.Errorf("config: policy %s: degrade requires fallback_target", name)
		}
		if c.AgentByID(p.FallbackTarget) == nil {
			return fmt.Errorf("config: policy %s: fallback_target %s is not a declared agent", name, p.FallbackTarget)
		}
	}
	return nil
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, defaults, and validates a YAML config file. The returned Config
// is treated as read-only by every consumer.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes config bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills unset fields so the rest of the system never checks for
// zero values.
func applyDefaults(cfg *Config) {
	defaultPolicy(&cfg.Budget.Default)
	for id, p := range cfg.Budget.Agents {
		// Per-agent policies inherit nothing from the default block; each is
		// defaulted independently so a partial override stays predictable.
		defaultPolicy(&p)
		cfg.Budget.Agents[id] = p
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Breaker.SuccessThreshold == 0 {
		cfg.Breaker.SuccessThreshold = DefaultSuccessThreshold
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = defaultCooldown
	}
	if cfg.Breaker.MaxCooldown == 0 {
		cfg.Breaker.MaxCooldown = defaultMaxCooldown
	}
	if cfg.Breaker.BackoffFactor == 0 {
		cfg.Breaker.BackoffFactor = 2.0
	}

	if cfg.Queue.Capacity == 0 {
		cfg.Queue.Capacity = DefaultQueueCapacity
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = DefaultQueueMaxAttempts
	}
	if cfg.Queue.InitialDelay == 0 {
		cfg.Queue.InitialDelay = defaultRetryInitialDelay
	}
	if cfg.Queue.MaxDelay == 0 {
		cfg.Queue.MaxDelay = defaultRetryMaxDelay
	}
	if cfg.Queue.BackoffFactor == 0 {
		cfg.Queue.BackoffFactor = 2.0
	}

	if cfg.Transport.HeartbeatInterval == 0 {
		cfg.Transport.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Transport.MissedHeartbeats == 0 {
		cfg.Transport.MissedHeartbeats = 3
	}
	if cfg.Transport.DialTimeout == 0 {
		cfg.Transport.DialTimeout = defaultDialTimeout
	}
	if cfg.Transport.ReconnectMinDelay == 0 {
		cfg.Transport.ReconnectMinDelay = defaultRetryInitialDelay
	}
	if cfg.Transport.ReconnectMaxDelay == 0 {
		cfg.Transport.ReconnectMaxDelay = defaultRetryMaxDelay
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}
}

func defaultPolicy(p *PolicyConfig) {
	if p.MaxUnits == 0 {
		p.MaxUnits = DefaultMaxUnits
	}
	if p.Period == "" {
		p.Period = PeriodMonthly
	}
	if p.OnLimit == "" {
		p.OnLimit = "warn"
	}
	if p.ResetDay == 0 {
		p.ResetDay = DefaultResetDay
	}
}

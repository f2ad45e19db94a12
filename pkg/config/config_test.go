package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/degrade"
)

const minimalYAML = `
agents:
  - id: research
    address: localhost:9401
  - id: summarizer
    address: localhost:9402
`

// TestParse_Defaults verifies a minimal config is filled in completely.
func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, int64(DefaultMaxUnits), cfg.Budget.Default.MaxUnits)
	assert.Equal(t, PeriodMonthly, cfg.Budget.Default.Period)
	assert.Equal(t, "warn", cfg.Budget.Default.OnLimit)
	assert.Equal(t, DefaultResetDay, cfg.Budget.Default.ResetDay)

	assert.Equal(t, DefaultFailureThreshold, cfg.Breaker.FailureThreshold)
	assert.Equal(t, DefaultSuccessThreshold, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, 2.0, cfg.Breaker.BackoffFactor)

	assert.Equal(t, DefaultQueueCapacity, cfg.Queue.Capacity)
	assert.Equal(t, DefaultQueueMaxAttempts, cfg.Queue.MaxAttempts)

	assert.Equal(t, 10*time.Second, cfg.Transport.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Transport.MissedHeartbeats)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

// TestParse_FullConfig verifies a fully specified config round-trips into the
// right fields.
func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
agents:
  - id: research
    address: localhost:9401
    priority: 1
  - id: summarizer
    address: localhost:9402
    priority: 2
budget:
  default:
    max_units: 500000
    period: daily
    action_on_limit: queue
  agents:
    research:
      max_units: 2000000
      period: monthly
      reset_day: 15
      action_on_limit: degrade
      fallback_target: summarizer
  multipliers:
    - name: weekend-surge
      days: [weekend]
      factor: 1.5
  store_path: /tmp/usage.db
breaker:
  failure_threshold: 4
  cooldown: 10s
queue:
  capacity: 16
transport:
  heartbeat_interval: 2s
`))
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.AgentByID("research").Priority)
	assert.Nil(t, cfg.AgentByID("nope"))

	p := cfg.PolicyFor("research")
	assert.Equal(t, int64(2_000_000), p.MaxUnits)
	assert.Equal(t, 15, p.ResetDay)
	assert.Equal(t, "summarizer", p.FallbackTarget)

	// Undeclared agents inherit the default block.
	p = cfg.PolicyFor("summarizer")
	assert.Equal(t, int64(500_000), p.MaxUnits)
	assert.Equal(t, "queue", p.OnLimit)

	assert.Equal(t, 4, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 16, cfg.Queue.Capacity)
	assert.Equal(t, 2*time.Second, cfg.Transport.HeartbeatInterval)
	assert.Len(t, cfg.Budget.Multipliers, 1)
}

// TestValidate_Rejections verifies each inconsistency is caught.
func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no agents", `agents: []`},
		{"duplicate agent id", `
agents:
  - {id: a, address: "localhost:1"}
  - {id: a, address: "localhost:2"}
`},
		{"empty address", `
agents:
  - {id: a, address: ""}
`},
		{"unknown action", `
agents:
  - {id: a, address: "localhost:1"}
budget:
  default:
    action_on_limit: explode
`},
		{"degrade without fallback", `
agents:
  - {id: a, address: "localhost:1"}
budget:
  default:
    action_on_limit: degrade
`},
		{"fallback not declared", `
agents:
  - {id: a, address: "localhost:1"}
budget:
  default:
    action_on_limit: degrade
    fallback_target: ghost
`},
		{"policy for undeclared agent", `
agents:
  - {id: a, address: "localhost:1"}
budget:
  agents:
    ghost:
      max_units: 10
`},
		{"reset day out of range", `
agents:
  - {id: a, address: "localhost:1"}
budget:
  default:
    period: monthly
    reset_day: 31
`},
		{"non-positive multiplier factor", `
agents:
  - {id: a, address: "localhost:1"}
budget:
  multipliers:
    - {name: bad, factor: 0}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

// TestParseActionAgreement verifies config action strings line up with the
// degradation resolver's parser.
func TestParseActionAgreement(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	action, err := degrade.ParseAction(cfg.Budget.Default.OnLimit)
	require.NoError(t, err)
	assert.Equal(t, degrade.ActionWarn, action)
}

// Package breaker provides per-agent circuit breakers that isolate failing
// downstream workers. Each agent has its own state machine; while a breaker
// is open all calls short-circuit without touching the transport, except for
// exactly one half-open probe after the cooldown elapses.
package breaker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"conductor/pkg/config"
	"conductor/pkg/logx"
)

// State represents the state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, short-circuit requests
	StateHalfOpen              // Probing whether the agent recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Verdict is the gate decision for one call attempt.
type Verdict struct {
	Permit     bool
	Probe      bool          // This call holds the single half-open probe slot
	RetryAfter time.Duration // Time until the next probe opportunity, on denial
}

// Stats is a snapshot of one breaker's state.
type Stats struct {
	AgentID             string     `json:"agent_id"`
	State               State      `json:"-"`
	StateName           string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	Cooldown            time.Duration `json:"-"`
}

// StateChangeFunc is invoked on every state transition, outside the breaker
// lock. Used to emit metrics and events.
type StateChangeFunc func(agentID string, from, to State)

// Breaker is the failure-isolation state machine for a single agent.
type Breaker struct {
	agentID string
	cfg     config.BreakerConfig
	logger  *logx.Logger
	onChange StateChangeFunc
	clock   func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	halfOpenSuccesses   int
	openedAt            time.Time
	cooldown            time.Duration

	// Gates the single half-open probe. CAS keeps concurrent callers from
	// launching a probe storm.
	probeInFlight atomic.Bool
}

func newBreaker(agentID string, cfg config.BreakerConfig, onChange StateChangeFunc, clock func() time.Time, logger *logx.Logger) *Breaker {
	return &Breaker{
		agentID:  agentID,
		cfg:      cfg,
		logger:   logger,
		onChange: onChange,
		clock:    clock,
		state:    StateClosed,
		cooldown: cfg.Cooldown,
	}
}

// Allow decides whether a call to this agent may proceed. At most one
// concurrent caller receives Probe=true while the breaker is recovering.
func (b *Breaker) Allow() Verdict {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return Verdict{Permit: true}

	case StateOpen:
		elapsed := b.clock().Sub(b.openedAt)
		if elapsed < b.cooldown {
			return Verdict{RetryAfter: b.cooldown - elapsed}
		}
		// Cooldown elapsed: exactly one caller transitions us to half-open
		// and takes the probe slot.
		if !b.probeInFlight.CompareAndSwap(false, true) {
			return Verdict{RetryAfter: b.cooldown}
		}
		b.transitionLocked(StateHalfOpen)
		b.halfOpenSuccesses = 0
		return Verdict{Permit: true, Probe: true}

	case StateHalfOpen:
		if !b.probeInFlight.CompareAndSwap(false, true) {
			return Verdict{RetryAfter: b.cooldown}
		}
		return Verdict{Permit: true, Probe: true}

	default:
		return Verdict{}
	}
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0

	case StateHalfOpen:
		b.probeInFlight.Store(false)
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
			b.consecutiveFailures = 0
			b.halfOpenSuccesses = 0
			b.cooldown = b.cfg.Cooldown // Recovery resets the backoff
		}

	case StateOpen:
		// A straggler from before the breaker opened; ignore.
	}
}

// RecordFailure notes a failed call. Threshold consecutive failures open the
// breaker; a failed probe re-opens it with a longer cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.openLocked()
		}

	case StateHalfOpen:
		b.probeInFlight.Store(false)
		b.consecutiveFailures++
		// Probe failed: back off harder before the next one.
		b.cooldown = time.Duration(float64(b.cooldown) * b.cfg.BackoffFactor)
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
		b.openLocked()

	case StateOpen:
		// Short-circuited calls never reach here; stragglers are ignored.
	}
}

// RecordCancel releases a held probe slot without counting the call either
// way. Cancelled calls are distinguished from genuine failures: they say
// nothing about the agent's health.
func (b *Breaker) RecordCancel(wasProbe bool) {
	if !wasProbe {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probeInFlight.Store(false)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := Stats{
		AgentID:             b.agentID,
		State:               b.state,
		StateName:           b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		Cooldown:            b.cooldown,
	}
	if b.state != StateClosed && !b.openedAt.IsZero() {
		opened := b.openedAt
		stats.OpenedAt = &opened
	}
	return stats
}

func (b *Breaker) openLocked() {
	b.openedAt = b.clock()
	b.halfOpenSuccesses = 0
	b.transitionLocked(StateOpen)
}

// transitionLocked applies a state change and fires the hook on a fresh
// goroutine so listeners cannot deadlock against the breaker lock.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.logger.Info("Breaker %s: %s -> %s (failures=%d, cooldown=%s)",
		b.agentID, from, to, b.consecutiveFailures, b.cooldown)
	if b.onChange != nil {
		go b.onChange(b.agentID, from, to)
	}
}

// Registry manages one breaker per agent.
type Registry struct {
	cfg      config.BreakerConfig
	logger   *logx.Logger
	onChange StateChangeFunc
	clock    func() time.Time

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStateChange installs a transition hook applied to every breaker.
func WithStateChange(fn StateChangeFunc) RegistryOption {
	return func(r *Registry) { r.onChange = fn }
}

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

// NewRegistry creates a breaker registry sharing one config across agents.
func NewRegistry(cfg config.BreakerConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:      cfg,
		logger:   logx.NewLogger("breaker"),
		clock:    time.Now,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for an agent, creating it on first use.
func (r *Registry) Get(agentID string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[agentID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[agentID]; ok {
		return b
	}
	b = newBreaker(agentID, r.cfg, r.onChange, r.clock, r.logger)
	r.breakers[agentID] = b
	return b
}

// Allow gates a call to the given agent.
func (r *Registry) Allow(agentID string) Verdict {
	return r.Get(agentID).Allow()
}

// RecordSuccess notes a successful call to the given agent.
func (r *Registry) RecordSuccess(agentID string) {
	r.Get(agentID).RecordSuccess()
}

// RecordFailure notes a failed call to the given agent.
func (r *Registry) RecordFailure(agentID string) {
	r.Get(agentID).RecordFailure()
}

// RecordCancel releases a probe slot held by a cancelled call.
func (r *Registry) RecordCancel(agentID string, wasProbe bool) {
	r.Get(agentID).RecordCancel(wasProbe)
}

// StateOf returns the current state for an agent.
func (r *Registry) StateOf(agentID string) State {
	return r.Get(agentID).State()
}

// Stats returns a snapshot for an agent.
func (r *Registry) Stats(agentID string) Stats {
	return r.Get(agentID).Stats()
}

// AllStats returns snapshots for every known breaker.
func (r *Registry) AllStats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}

// Error is returned when a call is short-circuited by an open breaker.
type Error struct {
	AgentID    string
	State      State
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent %s unavailable: circuit breaker is %s", e.AgentID, e.State)
}

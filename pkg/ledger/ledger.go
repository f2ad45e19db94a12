// Package ledger tracks token consumption against per-agent budgets using a
// two-phase reservation scheme: an estimate is reserved before dispatch, then
// reconciled to actual usage on completion or released on failure. Each
// agent's counter is an independent concurrency domain — contention never
// crosses agents.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/config"
	"conductor/pkg/logx"
)

// ErrUnknownAgent is returned for agents with no policy and no default.
var ErrUnknownAgent = fmt.Errorf("agent not configured")

// Decision is the result of a reservation attempt.
type Decision struct {
	Allowed       bool
	ReservationID string        // Set only when Allowed (or forced via Reserve)
	Remaining     int64         // Effective budget remaining after this decision
	EffectiveMax  int64         // MaxUnits scaled by the current multiplier
	RetryAfter    time.Duration // Time until the next period boundary, on denial
}

// Status is the externally visible budget state for one agent.
type Status struct {
	AgentID      string    `json:"agent_id"`
	Policy       Policy    `json:"-"`
	PeriodStart  time.Time `json:"period_start"`
	Consumed     int64     `json:"consumed"`
	Reserved     int64     `json:"reserved"`
	EffectiveMax int64     `json:"effective_max"`
	Remaining    int64     `json:"remaining"`
}

// Ledger owns all per-agent usage counters.
type Ledger struct {
	agents      map[string]*agentLedger
	multipliers *MultiplierTable
	store       *Store // nil when persistence is disabled
	logger      *logx.Logger
	clock       func() time.Time
	resetTimers []*time.Timer
	mu          sync.Mutex // Guards resetTimers only; counters have their own locks
}

// agentLedger is one agent's counter plus its outstanding reservations.
// It has its own mutex so unrelated agents stay fully concurrent.
type agentLedger struct {
	policy       Policy
	mu           sync.Mutex
	periodStart  time.Time
	consumed     int64
	reservations map[string]int64
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore attaches a persistence store; counters are restored on creation
// and saved on every commit and reset.
func WithStore(s *Store) Option {
	return func(l *Ledger) { l.store = s }
}

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// New creates a Ledger with one counter per declared agent.
func New(cfg *config.Config, opts ...Option) *Ledger {
	l := &Ledger{
		agents:      make(map[string]*agentLedger, len(cfg.Agents)),
		multipliers: NewMultiplierTable(cfg.Budget.Multipliers),
		logger:      logx.NewLogger("ledger"),
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	now := l.clock()
	for i := range cfg.Agents {
		agentID := cfg.Agents[i].ID
		policy := NewPolicy(agentID, cfg.PolicyFor(agentID))
		al := &agentLedger{
			policy:       policy,
			periodStart:  policy.periodStart(now),
			reservations: make(map[string]int64),
		}

		// Restore persisted consumption if it belongs to the current period.
		// Reservations are never persisted: a restart fails their calls, so
		// phantom consumption cannot survive.
		if l.store != nil {
			if rec, err := l.store.LoadCounter(agentID); err != nil {
				l.logger.Warn("Failed to restore counter for %s: %v", agentID, err)
			} else if rec != nil && rec.PeriodStart.Equal(al.periodStart) {
				al.consumed = rec.Consumed
			}
		}

		l.agents[agentID] = al
	}
	return l
}

// StartResetScheduler arms one timer per agent that fires Reset at the next
// period boundary and re-arms for the following one. Reset is idempotent, so
// an extra trigger at the boundary is harmless.
func (l *Ledger) StartResetScheduler() {
	for agentID, al := range l.agents {
		l.scheduleReset(agentID, al.policy)
	}
}

func (l *Ledger) scheduleReset(agentID string, policy Policy) {
	now := l.clock()
	boundary := policy.nextBoundary(now)

	timer := time.AfterFunc(boundary.Sub(now), func() {
		l.Reset(agentID)
		l.scheduleReset(agentID, policy)
	})

	l.mu.Lock()
	l.resetTimers = append(l.resetTimers, timer)
	l.mu.Unlock()
}

// Close stops all reset timers.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.resetTimers {
		t.Stop()
	}
	l.resetTimers = nil
}

// CheckAndReserve attempts to reserve estimated units against the agent's
// effective budget. A reservation and a concurrent reservation never both
// succeed past the limit: the check and the reserve happen under the agent's
// lock.
func (l *Ledger) CheckAndReserve(agentID string, units int64) (Decision, error) {
	al, ok := l.agents[agentID]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	now := l.clock()
	effectiveMax := l.effectiveMax(al.policy, now)

	al.mu.Lock()
	defer al.mu.Unlock()

	al.rolloverLocked(now)

	committed := al.consumed + al.reservedLocked()
	if committed+units > effectiveMax {
		remaining := effectiveMax - committed
		if remaining < 0 {
			remaining = 0
		}
		return Decision{
			Allowed:      false,
			Remaining:    remaining,
			EffectiveMax: effectiveMax,
			RetryAfter:   al.policy.nextBoundary(now).Sub(now),
		}, nil
	}

	resID := uuid.New().String()
	al.reservations[resID] = units
	return Decision{
		Allowed:       true,
		ReservationID: resID,
		Remaining:     effectiveMax - committed - units,
		EffectiveMax:  effectiveMax,
	}, nil
}

// Reserve records a reservation unconditionally, bypassing the budget check.
// Used by warn policies, which proceed even over budget but must still
// reconcile actual usage afterwards.
func (l *Ledger) Reserve(agentID string, units int64) (string, error) {
	al, ok := l.agents[agentID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	al.rolloverLocked(l.clock())
	resID := uuid.New().String()
	al.reservations[resID] = units
	return resID, nil
}

// Commit reconciles a reservation to actual usage. The reservation is
// discarded and the actual units are added to the counter. Committing an
// unknown reservation still records the usage — actual consumption is never
// dropped.
func (l *Ledger) Commit(agentID, reservationID string, actual int64) error {
	al, ok := l.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	al.mu.Lock()
	al.rolloverLocked(l.clock())
	delete(al.reservations, reservationID)
	al.consumed += actual
	consumed, periodStart := al.consumed, al.periodStart
	al.mu.Unlock()

	l.persist(agentID, periodStart, consumed)
	return nil
}

// Release discards a reservation without charging anything. Called on call
// failure or cancellation so slow or failed calls never hold phantom
// consumption. Releasing twice, or releasing an unknown ID, is a no-op.
func (l *Ledger) Release(agentID, reservationID string) {
	al, ok := l.agents[agentID]
	if !ok {
		return
	}

	al.mu.Lock()
	delete(al.reservations, reservationID)
	al.mu.Unlock()
}

// Reset zeroes the agent's counter for a new period. Idempotent: the stored
// period start is compared before zeroing, so repeated triggers on the same
// boundary reset at most once.
func (l *Ledger) Reset(agentID string) {
	al, ok := l.agents[agentID]
	if !ok {
		return
	}

	now := l.clock()

	al.mu.Lock()
	current := al.policy.periodStart(now)
	if al.periodStart.Equal(current) {
		al.mu.Unlock()
		return
	}
	al.periodStart = current
	al.consumed = 0
	al.mu.Unlock()

	l.logger.Info("Reset usage counter for %s, new period starts %s", agentID, current.Format(time.RFC3339))
	l.persist(agentID, current, 0)
}

// Status returns the current budget state for an agent.
func (l *Ledger) Status(agentID string) (Status, error) {
	al, ok := l.agents[agentID]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	now := l.clock()
	effectiveMax := l.effectiveMax(al.policy, now)

	al.mu.Lock()
	defer al.mu.Unlock()

	al.rolloverLocked(now)
	reserved := al.reservedLocked()
	remaining := effectiveMax - al.consumed - reserved
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		AgentID:      agentID,
		Policy:       al.policy,
		PeriodStart:  al.periodStart,
		Consumed:     al.consumed,
		Reserved:     reserved,
		EffectiveMax: effectiveMax,
		Remaining:    remaining,
	}, nil
}

// PolicyFor returns the parsed policy for an agent.
func (l *Ledger) PolicyFor(agentID string) (Policy, error) {
	al, ok := l.agents[agentID]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return al.policy, nil
}

// effectiveMax applies the current time-window multiplier to the policy cap.
// Multipliers are evaluated at decision time and apply only to the window
// containing now; a reset boundary always starts from the unscaled counter.
func (l *Ledger) effectiveMax(policy Policy, now time.Time) int64 {
	return int64(float64(policy.MaxUnits) * l.multipliers.Factor(now))
}

func (l *Ledger) persist(agentID string, periodStart time.Time, consumed int64) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveCounter(agentID, periodStart, consumed); err != nil {
		l.logger.Warn("Failed to persist counter for %s: %v", agentID, err)
	}
}

// rolloverLocked lazily advances the counter into the current period. This
// backs the scheduled Reset so a request arriving exactly at the boundary
// sees the fresh period even if the timer has not fired yet.
func (al *agentLedger) rolloverLocked(now time.Time) {
	current := al.policy.periodStart(now)
	if !al.periodStart.Equal(current) {
		al.periodStart = current
		al.consumed = 0
	}
}

func (al *agentLedger) reservedLocked() int64 {
	var total int64
	for _, units := range al.reservations {
		total += units
	}
	return total
}

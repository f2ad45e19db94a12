package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotRunning is returned by Handle after Stop (or before Start).
var ErrNotRunning = errors.New("dispatcher not running")

// ErrNoTargets is returned for a plan with an empty target list.
var ErrNoTargets = errors.New("dispatch plan has no targets")

// BudgetExceededError is a terminal rejection under a block policy: the
// request would push the agent past its effective budget for the period.
type BudgetExceededError struct {
	AgentID    string
	Requested  int64
	Remaining  int64
	RetryAfter time.Duration // Time until the next period reset
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("agent %s over budget: requested %d units, %d remaining (retry in %s)",
		e.AgentID, e.Requested, e.Remaining, e.RetryAfter.Round(time.Second))
}

// AgentUnavailableError reports a call refused or failed because the agent
// could not be reached: breaker open, channel down, or no channel configured.
type AgentUnavailableError struct {
	AgentID    string
	Reason     string
	RetryAfter time.Duration
}

func (e *AgentUnavailableError) Error() string {
	return fmt.Sprintf("agent %s unavailable: %s", e.AgentID, e.Reason)
}

// TimeoutError reports a call abandoned at the plan deadline. It unwraps to
// context.DeadlineExceeded so callers can errors.Is against the standard
// sentinel.
type TimeoutError struct {
	AgentID string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent %s timed out after %s", e.AgentID, e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// PartialFailure is attached to an aggregate result when some fan-out targets
// failed or were deferred while others contributed. It is a warning, not a
// returned error: the aggregate still carries every successful result.
type PartialFailure struct {
	RequestID string            `json:"request_id"`
	Omitted   []string          `json:"omitted,omitempty"`  // Targets that failed or were rejected
	Deferred  []string          `json:"deferred,omitempty"` // Targets parked in the queue
	Reasons   map[string]string `json:"reasons,omitempty"`
}

func (w *PartialFailure) Error() string {
	var parts []string
	if len(w.Omitted) > 0 {
		parts = append(parts, fmt.Sprintf("omitted %s", strings.Join(w.Omitted, ", ")))
	}
	if len(w.Deferred) > 0 {
		parts = append(parts, fmt.Sprintf("deferred %s", strings.Join(w.Deferred, ", ")))
	}
	return fmt.Sprintf("request %s partially failed: %s", w.RequestID, strings.Join(parts, "; "))
}

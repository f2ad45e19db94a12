// Package degrade resolves breach-policy actions into concrete call plans.
// Given what the ledger and breaker said about an agent, it decides whether a
// call proceeds normally, proceeds against a fallback target, is deferred into
// the queue, or is rejected outright.
package degrade

import "fmt"

// Action is the configured breach policy for an agent's budget.
type Action int

const (
	ActionWarn Action = iota
	ActionQueue
	ActionDegrade
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionQueue:
		return "queue"
	case ActionDegrade:
		return "degrade"
	case ActionBlock:
		return "block"
	default:
		return "unknown"
	}
}

// ParseAction converts a config string into an Action. Unknown values are
// rejected so misconfigured policies fail at load time, not at dispatch time.
func ParseAction(s string) (Action, error) {
	switch s {
	case "warn":
		return ActionWarn, nil
	case "queue":
		return ActionQueue, nil
	case "degrade":
		return ActionDegrade, nil
	case "block":
		return ActionBlock, nil
	default:
		return ActionWarn, fmt.Errorf("unknown action_on_limit %q", s)
	}
}

// Outcome is the resolved effective call plan for one dispatch target.
type Outcome int

const (
	Proceed         Outcome = iota // Call the primary target normally
	ProceedFallback                // Call the configured fallback target instead
	Defer                          // Park the request in the queue manager
	Reject                         // Fail immediately with a budget error
)

func (o Outcome) String() string {
	switch o {
	case Proceed:
		return "proceed"
	case ProceedFallback:
		return "proceed-fallback"
	case Defer:
		return "defer"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Input captures the gate results feeding a resolution.
type Input struct {
	Action      Action
	OverBudget  bool
	BreakerOpen bool // Breaker open with no probe slot available
	HasFallback bool
}

// Resolve maps every combination of policy action, ledger result, and breaker
// result to exactly one outcome. The mapping is total: any input produces a
// decision, never an error.
//
// Rules:
//   - warn: always proceed; over-budget only raises a warning. An open
//     breaker still defers (warn governs budget, not availability).
//   - queue: defer when over budget or the breaker is open.
//   - degrade: substitute the fallback when over budget or when the primary's
//     breaker is open and a fallback exists; without a fallback, over-budget
//     degrade defers rather than dropping work.
//   - block: reject when over budget; an open breaker within budget defers.
func Resolve(in Input) Outcome {
	if in.BreakerOpen {
		// The primary cannot be called at all. A degrade policy with a
		// fallback can still make progress; everything else waits.
		if in.Action == ActionDegrade && in.HasFallback {
			return ProceedFallback
		}
		if in.Action == ActionBlock && in.OverBudget {
			return Reject
		}
		return Defer
	}

	if !in.OverBudget {
		return Proceed
	}

	switch in.Action {
	case ActionWarn:
		return Proceed
	case ActionQueue:
		return Defer
	case ActionDegrade:
		if in.HasFallback {
			return ProceedFallback
		}
		return Defer
	case ActionBlock:
		return Reject
	default:
		// Unreachable with a parsed Action; fail closed.
		return Reject
	}
}

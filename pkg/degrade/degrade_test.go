package degrade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestResolve_WithinBudget verifies that every action proceeds when the
// budget holds and the breaker permits.
func TestResolve_WithinBudget(t *testing.T) {
	for _, action := range []Action{ActionWarn, ActionQueue, ActionDegrade, ActionBlock} {
		out := Resolve(Input{Action: action})
		assert.Equal(t, Proceed, out, "action %s", action)
	}
}

// TestResolve_OverBudget verifies the per-action over-budget outcomes.
func TestResolve_OverBudget(t *testing.T) {
	tests := []struct {
		name        string
		action      Action
		hasFallback bool
		want        Outcome
	}{
		{"warn proceeds", ActionWarn, false, Proceed},
		{"queue defers", ActionQueue, false, Defer},
		{"degrade with fallback substitutes", ActionDegrade, true, ProceedFallback},
		{"degrade without fallback defers", ActionDegrade, false, Defer},
		{"block rejects", ActionBlock, false, Reject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Resolve(Input{Action: tt.action, OverBudget: true, HasFallback: tt.hasFallback})
			assert.Equal(t, tt.want, out)
		})
	}
}

// TestResolve_BreakerOpen verifies that an open breaker defers or substitutes
// regardless of budget state, and rejects only under block-and-over-budget.
func TestResolve_BreakerOpen(t *testing.T) {
	tests := []struct {
		name        string
		action      Action
		overBudget  bool
		hasFallback bool
		want        Outcome
	}{
		{"warn within budget defers", ActionWarn, false, false, Defer},
		{"warn over budget defers", ActionWarn, true, false, Defer},
		{"queue defers", ActionQueue, true, false, Defer},
		{"degrade with fallback substitutes", ActionDegrade, false, true, ProceedFallback},
		{"degrade with fallback over budget substitutes", ActionDegrade, true, true, ProceedFallback},
		{"degrade without fallback defers", ActionDegrade, false, false, Defer},
		{"block within budget defers", ActionBlock, false, false, Defer},
		{"block over budget rejects", ActionBlock, true, false, Reject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Resolve(Input{
				Action:      tt.action,
				OverBudget:  tt.overBudget,
				BreakerOpen: true,
				HasFallback: tt.hasFallback,
			})
			assert.Equal(t, tt.want, out)
		})
	}
}

// TestResolve_Total verifies the mapping is defined for the whole input
// space: no combination produces an out-of-range outcome.
func TestResolve_Total(t *testing.T) {
	for _, action := range []Action{ActionWarn, ActionQueue, ActionDegrade, ActionBlock} {
		for _, over := range []bool{false, true} {
			for _, open := range []bool{false, true} {
				for _, fb := range []bool{false, true} {
					out := Resolve(Input{Action: action, OverBudget: over, BreakerOpen: open, HasFallback: fb})
					assert.GreaterOrEqual(t, int(out), int(Proceed))
					assert.LessOrEqual(t, int(out), int(Reject))
				}
			}
		}
	}
}

// TestParseAction verifies config string parsing and its error on unknowns.
func TestParseAction(t *testing.T) {
	for s, want := range map[string]Action{
		"warn":    ActionWarn,
		"queue":   ActionQueue,
		"degrade": ActionDegrade,
		"block":   ActionBlock,
	} {
		got, err := ParseAction(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseAction("explode")
	require.Error(t, err)
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/degrade"
	"conductor/pkg/proto"
	"conductor/pkg/queue"
)

// callTarget runs the gating pipeline for one target: ledger reservation,
// degradation resolution, breaker admission, then the wire call. Every exit
// path reconciles whatever reservation or probe slot it acquired.
func (d *Dispatcher) callTarget(ctx context.Context, plan *Plan, target Target, payload string) AgentResult {
	agentID := target.AgentID
	units := target.EstimatedUnits
	if units <= 0 {
		units = d.estimate(payload)
	}

	policy, err := d.ledger.PolicyFor(agentID)
	if err != nil {
		return AgentResult{AgentID: agentID, Err: err}
	}
	decision, err := d.ledger.CheckAndReserve(agentID, units)
	if err != nil {
		return AgentResult{AgentID: agentID, Err: err}
	}
	verdict := d.breakers.Allow(agentID)

	if !decision.Allowed {
		d.recorder.IncBudgetBreach(agentID, policy.Action.String())
		d.logger.Warn("agent %s over budget: %d requested, %d remaining, action=%s",
			agentID, units, decision.Remaining, policy.Action)
	}

	outcome := degrade.Resolve(degrade.Input{
		Action:      policy.Action,
		OverBudget:  !decision.Allowed,
		BreakerOpen: !verdict.Permit,
		HasFallback: policy.FallbackTarget != "",
	})

	// Any outcome that skips the primary call must give back the probe slot
	// and the reservation taken above.
	releasePrimary := func() {
		if verdict.Probe {
			d.breakers.RecordCancel(agentID, true)
		}
		if decision.Allowed {
			d.ledger.Release(agentID, decision.ReservationID)
		}
	}

	switch outcome {
	case degrade.Proceed:
		reservationID := decision.ReservationID
		if reservationID == "" {
			// Warn policy proceeding over budget: the overage is still
			// reserved and committed so the counters stay truthful.
			reservationID, _ = d.ledger.Reserve(agentID, units)
		}
		return d.execute(ctx, plan, agentID, reservationID, units, verdict.Probe, payload)

	case degrade.ProceedFallback:
		releasePrimary()
		res := d.callFallback(ctx, plan, policy.FallbackTarget, units, payload)
		d.logger.Info("agent %s degraded to %s for request %s", agentID, policy.FallbackTarget, plan.RequestID)
		return res

	case degrade.Defer:
		releasePrimary()
		return d.deferTarget(plan, agentID, units, payload)

	default: // degrade.Reject
		releasePrimary()
		d.recorder.ObserveDispatch(agentID, "rejected", 0, 0)
		return AgentResult{AgentID: agentID, Err: &BudgetExceededError{
			AgentID:    agentID,
			Requested:  units,
			Remaining:  decision.Remaining,
			RetryAfter: decision.RetryAfter,
		}}
	}
}

// callFallback gates and calls the policy's fallback target. The fallback is
// charged against its own budget and its own breaker; a fallback that is
// itself exhausted or open fails the target.
func (d *Dispatcher) callFallback(ctx context.Context, plan *Plan, fallbackID string, units int64, payload string) AgentResult {
	decision, err := d.ledger.CheckAndReserve(fallbackID, units)
	if err != nil {
		return AgentResult{AgentID: fallbackID, Degraded: true, Err: err}
	}
	if !decision.Allowed {
		return AgentResult{AgentID: fallbackID, Degraded: true, Err: &BudgetExceededError{
			AgentID:    fallbackID,
			Requested:  units,
			Remaining:  decision.Remaining,
			RetryAfter: decision.RetryAfter,
		}}
	}
	verdict := d.breakers.Allow(fallbackID)
	if !verdict.Permit {
		d.ledger.Release(fallbackID, decision.ReservationID)
		return AgentResult{AgentID: fallbackID, Degraded: true, Err: &AgentUnavailableError{
			AgentID:    fallbackID,
			Reason:     "circuit breaker open",
			RetryAfter: verdict.RetryAfter,
		}}
	}
	res := d.execute(ctx, plan, fallbackID, decision.ReservationID, units, verdict.Probe, payload)
	res.Degraded = true
	return res
}

// execute performs the wire call and reconciles the reservation and breaker
// from the terminal outcome. The reservation is committed at actual usage on
// success and released on every failure path.
func (d *Dispatcher) execute(ctx context.Context, plan *Plan, agentID, reservationID string, units int64, probe bool, payload string) AgentResult {
	start := time.Now()
	res := AgentResult{AgentID: agentID}

	ch, ok := d.channels[agentID]
	if !ok {
		d.ledger.Release(agentID, reservationID)
		if probe {
			d.breakers.RecordCancel(agentID, true)
		}
		res.Err = &AgentUnavailableError{AgentID: agentID, Reason: "no channel configured"}
		return res
	}

	correlationID := uuid.New().String()
	frames, err := ch.Call(ctx, correlationID, map[string]any{
		proto.KeyContent: payload,
		proto.KeySender:  plan.RequestID,
	})
	if err != nil {
		d.ledger.Release(agentID, reservationID)
		d.breakers.RecordFailure(agentID)
		d.recorder.ObserveDispatch(agentID, "unavailable", 0, time.Since(start))
		res.Err = &AgentUnavailableError{AgentID: agentID, Reason: err.Error()}
		return res
	}

	for {
		select {
		case <-ctx.Done():
			cause := ctx.Err()
			d.ledger.Release(agentID, reservationID)
			if errors.Is(cause, context.DeadlineExceeded) {
				ch.Cancel(correlationID, "deadline exceeded")
				d.breakers.RecordFailure(agentID)
				d.recorder.ObserveDispatch(agentID, "timeout", 0, time.Since(start))
				res.Err = &TimeoutError{AgentID: agentID, Elapsed: time.Since(start)}
			} else {
				// Caller cancellation is not the agent's fault: the probe
				// slot is released but no failure is recorded.
				ch.Cancel(correlationID, "cancelled")
				d.breakers.RecordCancel(agentID, probe)
				d.recorder.ObserveDispatch(agentID, "cancelled", 0, time.Since(start))
				res.Err = cause
			}
			return res

		case frame, open := <-frames:
			if !open {
				d.ledger.Release(agentID, reservationID)
				d.breakers.RecordFailure(agentID)
				d.recorder.ObserveDispatch(agentID, "failed", 0, time.Since(start))
				res.Err = &AgentUnavailableError{AgentID: agentID, Reason: "connection lost"}
				return res
			}
			switch frame.Type {
			case proto.FrameTypeCHUNK:
				res.Chunks = append(res.Chunks, frame.PayloadString(proto.KeyContent))

			case proto.FrameTypeRESPONSE:
				res.Content = frame.PayloadString(proto.KeyContent)
				if res.Content == "" && len(res.Chunks) > 0 {
					res.Content = strings.Join(res.Chunks, "")
				}
				actual := frame.PayloadInt64(proto.KeyUnitsUsed)
				if actual <= 0 {
					actual = units
				}
				res.Units = actual
				res.Elapsed = time.Since(start)
				if err := d.ledger.Commit(agentID, reservationID, actual); err != nil {
					d.logger.Error("commit for agent %s failed: %v", agentID, err)
				}
				d.breakers.RecordSuccess(agentID)
				d.recorder.ObserveDispatch(agentID, "ok", actual, res.Elapsed)
				return res

			case proto.FrameTypeERROR:
				d.ledger.Release(agentID, reservationID)
				d.breakers.RecordFailure(agentID)
				d.recorder.ObserveDispatch(agentID, "failed", 0, time.Since(start))
				res.Err = fmt.Errorf("agent %s: %s", agentID, frame.PayloadString(proto.KeyError))
				return res
			}
		}
	}
}

// deferTarget parks the request in the agent's queue. The drainer re-runs
// the full gating pipeline when the item comes up, so budget and breaker
// state are re-checked at dispatch time, not enqueue time.
func (d *Dispatcher) deferTarget(plan *Plan, agentID string, units int64, payload string) AgentResult {
	item := queue.NewItem(uuid.New().String(), agentID, plan.Priority, payload, units, plan.Deadline)
	if err := d.queues.Enqueue(item); err != nil {
		d.recorder.ObserveDispatch(agentID, "rejected", 0, 0)
		return AgentResult{AgentID: agentID, Err: err}
	}
	d.logger.Info("agent %s: request %s deferred as item %s", agentID, plan.RequestID, item.ID)
	d.recorder.ObserveDispatch(agentID, "deferred", 0, 0)
	return AgentResult{AgentID: agentID, Deferred: true}
}

// dispatchQueued is the queue drainer's dispatch function. Transient
// conditions (still over budget, breaker still open) return plain errors so
// the item backs off and retries; terminal ones are wrapped Permanent.
func (d *Dispatcher) dispatchQueued(ctx context.Context, item *queue.Item) error {
	decision, err := d.ledger.CheckAndReserve(item.AgentID, item.EstimatedUnits)
	if err != nil {
		return queue.Permanent(err)
	}
	if !decision.Allowed {
		policy, perr := d.ledger.PolicyFor(item.AgentID)
		budgetErr := &BudgetExceededError{
			AgentID:    item.AgentID,
			Requested:  item.EstimatedUnits,
			Remaining:  decision.Remaining,
			RetryAfter: decision.RetryAfter,
		}
		if perr == nil && policy.Action == degrade.ActionBlock {
			return queue.Permanent(budgetErr)
		}
		return budgetErr
	}
	verdict := d.breakers.Allow(item.AgentID)
	if !verdict.Permit {
		d.ledger.Release(item.AgentID, decision.ReservationID)
		return &AgentUnavailableError{
			AgentID:    item.AgentID,
			Reason:     "circuit breaker open",
			RetryAfter: verdict.RetryAfter,
		}
	}

	res := d.execute(ctx, &Plan{RequestID: item.ID, Priority: item.Priority},
		item.AgentID, decision.ReservationID, item.EstimatedUnits, verdict.Probe, item.Payload)
	if res.Err != nil {
		return res.Err
	}
	d.recorder.ObserveQueueWait(item.AgentID, time.Since(item.EnqueuedAt))
	return nil
}

// estimate falls back to a character heuristic when no tokenizer is wired.
func (d *Dispatcher) estimate(payload string) int64 {
	if d.estimator != nil {
		return d.estimator.Estimate(payload)
	}
	units := int64(len(payload) / 4)
	if units < 1 {
		units = 1
	}
	return units
}

package main

import (
	"time"

	"conductor/pkg/dispatch"
	"conductor/pkg/proto"
)

// dispatchRequest is the POST /dispatch body.
type dispatchRequest struct {
	RequestID string          `json:"request_id,omitempty"`
	Priority  string          `json:"priority,omitempty"` // "interactive" or "background"
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
	Payload   string          `json:"payload"`
	Targets   []targetRequest `json:"targets"`
}

type targetRequest struct {
	AgentID        string `json:"agent_id"`
	Priority       int    `json:"priority"`
	EstimatedUnits int64  `json:"estimated_units,omitempty"`
}

func (r *dispatchRequest) toPlan() (*dispatch.Plan, error) {
	priority, err := proto.ParsePriority(r.Priority)
	if err != nil {
		return nil, err
	}
	plan := &dispatch.Plan{
		RequestID: r.RequestID,
		Priority:  priority,
	}
	if r.TimeoutMS > 0 {
		plan.Deadline = time.Now().Add(time.Duration(r.TimeoutMS) * time.Millisecond)
	}
	for _, t := range r.Targets {
		plan.Targets = append(plan.Targets, dispatch.Target{
			AgentID:        t.AgentID,
			Priority:       t.Priority,
			EstimatedUnits: t.EstimatedUnits,
		})
	}
	return plan, nil
}

// dispatchResponse is the POST /dispatch reply. Errors are flattened to
// strings so the body stays plain JSON.
type dispatchResponse struct {
	RequestID string           `json:"request_id"`
	Results   []agentResult    `json:"results"`
	Degraded  []string         `json:"degraded,omitempty"`
	Warning   *partialFailure  `json:"warning,omitempty"`
	ElapsedMS int64            `json:"elapsed_ms"`
}

type agentResult struct {
	AgentID  string `json:"agent_id"`
	Content  string `json:"content"`
	Units    int64  `json:"units"`
	Degraded bool   `json:"degraded,omitempty"`
}

type partialFailure struct {
	Omitted  []string          `json:"omitted,omitempty"`
	Deferred []string          `json:"deferred,omitempty"`
	Reasons  map[string]string `json:"reasons,omitempty"`
}

func newDispatchResponse(agg *dispatch.AggregateResult) dispatchResponse {
	resp := dispatchResponse{
		RequestID: agg.RequestID,
		Degraded:  agg.Degraded,
		ElapsedMS: agg.Elapsed.Milliseconds(),
	}
	for _, res := range agg.Results {
		resp.Results = append(resp.Results, agentResult{
			AgentID:  res.AgentID,
			Content:  res.Content,
			Units:    res.Units,
			Degraded: res.Degraded,
		})
	}
	if agg.Warning != nil {
		resp.Warning = &partialFailure{
			Omitted:  agg.Warning.Omitted,
			Deferred: agg.Warning.Deferred,
			Reasons:  agg.Warning.Reasons,
		}
	}
	return resp
}

package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// AgentUsage is aggregated consumption for one agent, read back from the
// external Prometheus server.
type AgentUsage struct {
	AgentID        string  `json:"agent_id"`
	UnitsConsumed  int64   `json:"units_consumed"`
	DispatchTotal  int64   `json:"dispatch_total"`
	BudgetBreaches int64   `json:"budget_breaches"`
	QueueDepth     float64 `json:"queue_depth"`
}

// QueryService aggregates dispatch metrics from Prometheus. The conductor
// itself only emits; this service exists for status tooling that wants
// historical aggregates rather than live counters.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a metrics query service against a Prometheus
// server.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetAgentUsage retrieves aggregated dispatch metrics for a specific agent.
func (q *QueryService) GetAgentUsage(ctx context.Context, agentID string) (*AgentUsage, error) {
	usage := &AgentUsage{AgentID: agentID}

	unitsQuery := fmt.Sprintf(`sum(agent_units_total{agent_id=%q})`, agentID)
	unitsResult, _, err := q.queryAPI.Query(ctx, unitsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query unit consumption: %w", err)
	}
	if vector, ok := unitsResult.(model.Vector); ok && len(vector) > 0 {
		usage.UnitsConsumed = int64(vector[0].Value)
	}

	dispatchQuery := fmt.Sprintf(`sum(dispatch_requests_total{agent_id=%q})`, agentID)
	dispatchResult, _, err := q.queryAPI.Query(ctx, dispatchQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatch totals: %w", err)
	}
	if vector, ok := dispatchResult.(model.Vector); ok && len(vector) > 0 {
		usage.DispatchTotal = int64(vector[0].Value)
	}

	breachQuery := fmt.Sprintf(`sum(budget_breaches_total{agent_id=%q})`, agentID)
	breachResult, _, err := q.queryAPI.Query(ctx, breachQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query budget breaches: %w", err)
	}
	if vector, ok := breachResult.(model.Vector); ok && len(vector) > 0 {
		usage.BudgetBreaches = int64(vector[0].Value)
	}

	depthQuery := fmt.Sprintf(`queue_depth{agent_id=%q}`, agentID)
	depthResult, _, err := q.queryAPI.Query(ctx, depthQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query queue depth: %w", err)
	}
	if vector, ok := depthResult.(model.Vector); ok && len(vector) > 0 {
		usage.QueueDepth = float64(vector[0].Value)
	}

	return usage, nil
}

// Package dispatch is the routing core: it fans a request plan out to agent
// workers, gates every call through the usage ledger, the degradation
// resolver, and the circuit breaker registry, and folds the replies into a
// single aggregate in deterministic priority order.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/breaker"
	"conductor/pkg/config"
	"conductor/pkg/ledger"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/proto"
	"conductor/pkg/queue"
	"conductor/pkg/tokens"
)

// depthSampleInterval is how often queue depth and breaker state gauges are
// refreshed.
const depthSampleInterval = 5 * time.Second

// Channel is one persistent A2A connection to an agent worker. Satisfied by
// *transport.Client; tests substitute in-process fakes.
type Channel interface {
	Call(ctx context.Context, correlationID string, payload map[string]any) (<-chan *proto.Frame, error)
	Cancel(correlationID, reason string)
	Healthy() bool
}

// Target names one agent in a dispatch plan. Priority fixes the target's
// position in the aggregate; ties merge in plan order.
type Target struct {
	AgentID        string
	Priority       int
	EstimatedUnits int64 // 0 means estimate from the payload
}

// Plan describes one dispatch: which agents to call, how urgent the work is,
// and how long the caller is willing to wait.
type Plan struct {
	RequestID string // Assigned if empty
	Priority  proto.Priority
	Targets   []Target
	Deadline  time.Time // Zero means no deadline
}

// AgentResult is the outcome of one target call within a plan.
type AgentResult struct {
	AgentID  string
	Content  string
	Chunks   []string // Streamed partials, in arrival order
	Units    int64    // Actual units committed against the budget
	Degraded bool     // Produced by the policy's fallback target
	Deferred bool     // Parked in the queue instead of called
	Elapsed  time.Duration
	Err      error
}

// AggregateResult is the merged outcome of a plan. Results holds the
// contributing targets in priority order; targets that failed or were
// deferred are summarized in Warning.
type AggregateResult struct {
	RequestID string
	Results   []AgentResult
	Degraded  []string // Agent IDs answered by a fallback
	Warning   *PartialFailure
	Elapsed   time.Duration
}

// Dispatcher routes plans to agent workers through the gating pipeline.
type Dispatcher struct {
	cfg       *config.Config
	ledger    *ledger.Ledger
	breakers  *breaker.Registry
	channels  map[string]Channel
	queues    *queue.Manager
	recorder  metrics.Recorder
	estimator *tokens.Estimator
	logger    *logx.Logger

	mu       sync.Mutex
	running  bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New wires a dispatcher from its collaborators. A nil recorder disables
// metrics; a nil estimator falls back to per-target estimates only.
func New(cfg *config.Config, led *ledger.Ledger, breakers *breaker.Registry, channels map[string]Channel, recorder metrics.Recorder, estimator *tokens.Estimator) *Dispatcher {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	d := &Dispatcher{
		cfg:       cfg,
		ledger:    led,
		breakers:  breakers,
		channels:  channels,
		recorder:  recorder,
		estimator: estimator,
		logger:    logx.NewLogger("dispatch"),
		shutdown:  make(chan struct{}),
	}
	d.queues = queue.NewManager(cfg.Queue, d.dispatchQueued)
	return d
}

// Start begins accepting plans and launches the gauge sampler.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.wg.Add(1)
	go d.sampleGauges()
	d.logger.Info("dispatcher started with %d agents", len(d.cfg.Agents))
}

// Stop drains the dispatcher: new plans are refused, queued work is failed,
// and background goroutines are joined. Blocks until done or ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.shutdown)
	d.mu.Unlock()

	d.queues.Close()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Healthy reports whether the dispatcher is accepting work.
func (d *Dispatcher) Healthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Handle executes a plan: every target is gated and called concurrently
// under the plan deadline, and the replies are merged by target priority.
// Handle returns an error only when no target contributed; partial failure
// is reported through AggregateResult.Warning.
func (d *Dispatcher) Handle(ctx context.Context, plan *Plan, payload string) (*AggregateResult, error) {
	if !d.Healthy() {
		return nil, ErrNotRunning
	}
	if plan == nil || len(plan.Targets) == 0 {
		return nil, ErrNoTargets
	}
	if plan.RequestID == "" {
		plan.RequestID = uuid.New().String()
	}
	if !plan.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, plan.Deadline)
		defer cancel()
	}

	// Fix the merge order up front so concurrent completion cannot reorder
	// the aggregate.
	targets := make([]Target, len(plan.Targets))
	copy(targets, plan.Targets)
	sort.SliceStable(targets, func(i, j int) bool { return targets[i].Priority < targets[j].Priority })

	start := time.Now()
	results := make([]AgentResult, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(slot int, t Target) {
			defer wg.Done()
			results[slot] = d.callTarget(ctx, plan, t, payload)
		}(i, target)
	}
	wg.Wait()

	return d.merge(plan, results, time.Since(start))
}

// merge folds per-target results into the aggregate and decides between
// success, partial failure, and total failure.
func (d *Dispatcher) merge(plan *Plan, results []AgentResult, elapsed time.Duration) (*AggregateResult, error) {
	agg := &AggregateResult{RequestID: plan.RequestID, Elapsed: elapsed}
	warning := &PartialFailure{RequestID: plan.RequestID, Reasons: make(map[string]string)}
	var firstErr error

	for _, res := range results {
		switch {
		case res.Err != nil:
			warning.Omitted = append(warning.Omitted, res.AgentID)
			warning.Reasons[res.AgentID] = res.Err.Error()
			if firstErr == nil {
				firstErr = res.Err
			}
		case res.Deferred:
			warning.Deferred = append(warning.Deferred, res.AgentID)
		default:
			agg.Results = append(agg.Results, res)
			if res.Degraded {
				agg.Degraded = append(agg.Degraded, res.AgentID)
			}
		}
	}

	if len(agg.Results) == 0 && firstErr != nil {
		return nil, firstErr
	}
	if len(warning.Omitted) > 0 || len(warning.Deferred) > 0 {
		agg.Warning = warning
		d.logger.Warn("request %s: %s", plan.RequestID, warning.Error())
	}
	return agg, nil
}

// AgentStatus combines the budget, breaker, backlog, and connection views of
// one agent for the status endpoint.
type AgentStatus struct {
	Budget     ledger.Status `json:"budget"`
	Breaker    breaker.Stats `json:"breaker"`
	QueueDepth int           `json:"queue_depth"`
	Connected  bool          `json:"connected"`
}

// Status reports the combined state of one agent.
func (d *Dispatcher) Status(agentID string) (AgentStatus, error) {
	budget, err := d.ledger.Status(agentID)
	if err != nil {
		return AgentStatus{}, err
	}
	st := AgentStatus{
		Budget:     budget,
		Breaker:    d.breakers.Stats(agentID),
		QueueDepth: d.queues.Depth(agentID),
	}
	if ch, ok := d.channels[agentID]; ok {
		st.Connected = ch.Healthy()
	}
	return st, nil
}

// AllStatus reports every configured agent, in config order.
func (d *Dispatcher) AllStatus() []AgentStatus {
	out := make([]AgentStatus, 0, len(d.cfg.Agents))
	for _, a := range d.cfg.Agents {
		if st, err := d.Status(a.ID); err == nil {
			out = append(out, st)
		}
	}
	return out
}

func (d *Dispatcher) sampleGauges() {
	defer d.wg.Done()
	ticker := time.NewTicker(depthSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			for _, a := range d.cfg.Agents {
				d.recorder.SetQueueDepth(a.ID, d.queues.Depth(a.ID))
				d.recorder.ObserveBreakerState(a.ID, int(d.breakers.StateOf(a.ID)), "")
			}
		}
	}
}

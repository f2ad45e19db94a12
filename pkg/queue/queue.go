// Package queue provides bounded, priority-aware per-agent backlogs for
// deferred dispatch. Enqueue never blocks: a full queue returns backpressure
// to the caller instead of silently dropping work. A per-agent drainer
// retries the head item with bounded attempts and exponential backoff.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// FullError is the backpressure signal returned when an agent's queue is at
// capacity.
type FullError struct {
	AgentID    string
	Capacity   int
	RetryAfter time.Duration
}

func (e *FullError) Error() string {
	return fmt.Sprintf("queue full for agent %s (capacity %d)", e.AgentID, e.Capacity)
}

// ErrClosed is returned when enqueueing after shutdown.
var ErrClosed = errors.New("queue manager closed")

// permanentError marks an error the drainer must not retry.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so the drainer fails the item immediately instead
// of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Item is one deferred dispatch request.
type Item struct {
	ID             string
	AgentID        string
	Priority       proto.Priority
	Payload        string
	EstimatedUnits int64
	EnqueuedAt     time.Time
	Deadline       time.Time
	Attempts       int

	done    chan error
	doneOne sync.Once
}

// NewItem creates a queue item ready for enqueueing.
func NewItem(id, agentID string, priority proto.Priority, payload string, estimatedUnits int64, deadline time.Time) *Item {
	return &Item{
		ID:             id,
		AgentID:        agentID,
		Priority:       priority,
		Payload:        payload,
		EstimatedUnits: estimatedUnits,
		EnqueuedAt:     time.Now().UTC(),
		Deadline:       deadline,
		done:           make(chan error, 1),
	}
}

// Wait blocks until the item reaches a terminal outcome or ctx expires.
func (i *Item) Wait(ctx context.Context) error {
	select {
	case err := <-i.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Item) resolve(err error) {
	i.doneOne.Do(func() {
		i.done <- err
	})
}

// DispatchFunc attempts to dispatch a queued item. A nil return resolves the
// item successfully; errors are retried unless marked Permanent.
type DispatchFunc func(ctx context.Context, item *Item) error

// Manager owns all per-agent queues and their drainer goroutines.
type Manager struct {
	cfg      config.QueueConfig
	dispatch DispatchFunc
	logger   *logx.Logger

	mu     sync.Mutex
	queues map[string]*agentQueue
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// agentQueue is one agent's backlog: two FIFO tiers, interactive drained
// ahead of background. wake is a 1-slot signal channel so enqueues nudge the
// drainer without blocking.
type agentQueue struct {
	mu          sync.Mutex
	interactive []*Item
	background  []*Item
	wake        chan struct{}
}

// NewManager creates a queue manager. Drainers start lazily per agent.
func NewManager(cfg config.QueueConfig, dispatch DispatchFunc) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		dispatch: dispatch,
		logger:   logx.NewLogger("queue"),
		queues:   make(map[string]*agentQueue),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue adds an item to its agent's backlog. Returns *FullError at
// capacity; never blocks and never drops silently.
func (m *Manager) Enqueue(item *Item) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	aq, ok := m.queues[item.AgentID]
	if !ok {
		aq = &agentQueue{wake: make(chan struct{}, 1)}
		m.queues[item.AgentID] = aq
		m.wg.Add(1)
		go m.drain(item.AgentID, aq)
	}
	m.mu.Unlock()

	aq.mu.Lock()
	if len(aq.interactive)+len(aq.background) >= m.cfg.Capacity {
		aq.mu.Unlock()
		return &FullError{
			AgentID:    item.AgentID,
			Capacity:   m.cfg.Capacity,
			RetryAfter: m.cfg.InitialDelay,
		}
	}
	if item.Priority == proto.PriorityInteractive {
		aq.interactive = append(aq.interactive, item)
	} else {
		aq.background = append(aq.background, item)
	}
	depth := len(aq.interactive) + len(aq.background)
	aq.mu.Unlock()

	m.logger.Debug("Enqueued %s for agent %s (%s, depth %d)",
		item.ID, item.AgentID, item.Priority, depth)

	// Nudge the drainer; a pending nudge is enough.
	select {
	case aq.wake <- struct{}{}:
	default:
	}
	return nil
}

// Depth returns the current backlog size for an agent.
func (m *Manager) Depth(agentID string) int {
	m.mu.Lock()
	aq, ok := m.queues[agentID]
	m.mu.Unlock()
	if !ok {
		return 0
	}

	aq.mu.Lock()
	defer aq.mu.Unlock()
	return len(aq.interactive) + len(aq.background)
}

// Close stops all drainers and fails any remaining items.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, aq := range m.queues {
		aq.mu.Lock()
		for _, item := range append(aq.interactive, aq.background...) {
			item.resolve(ErrClosed)
		}
		aq.interactive, aq.background = nil, nil
		aq.mu.Unlock()
	}
}

// drain processes one agent's backlog serially, preserving FIFO within each
// tier. The head item is retried in place so ordering never changes under
// retry.
func (m *Manager) drain(agentID string, aq *agentQueue) {
	defer m.wg.Done()

	for {
		item := aq.pop()
		if item == nil {
			select {
			case <-m.ctx.Done():
				return
			case <-aq.wake:
				continue
			}
		}

		m.process(item)
	}
}

// process attempts the item until success, a permanent error, attempt
// exhaustion, or deadline expiry.
func (m *Manager) process(item *Item) {
	for {
		if !item.Deadline.IsZero() && time.Now().After(item.Deadline) {
			item.resolve(fmt.Errorf("deadline exceeded waiting in queue for agent %s: %w",
				item.AgentID, context.DeadlineExceeded))
			return
		}

		ctx := m.ctx
		var cancel context.CancelFunc
		if !item.Deadline.IsZero() {
			ctx, cancel = context.WithDeadline(ctx, item.Deadline)
		}

		item.Attempts++
		err := m.dispatch(ctx, item)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			item.resolve(nil)
			return
		}
		if IsPermanent(err) || errors.Is(err, context.Canceled) {
			item.resolve(err)
			return
		}
		if item.Attempts >= m.cfg.MaxAttempts {
			item.resolve(fmt.Errorf("gave up after %d attempts for agent %s: %w",
				item.Attempts, item.AgentID, err))
			return
		}

		delay := m.backoff(item.Attempts)
		m.logger.Debug("Retrying %s for agent %s in %s (attempt %d/%d): %v",
			item.ID, item.AgentID, delay, item.Attempts, m.cfg.MaxAttempts, err)

		select {
		case <-m.ctx.Done():
			item.resolve(ErrClosed)
			return
		case <-time.After(delay):
		}
	}
}

// backoff computes the exponential delay before the given retry attempt,
// with jitter to avoid thundering herds.
func (m *Manager) backoff(attempt int) time.Duration {
	delay := float64(m.cfg.InitialDelay) * math.Pow(m.cfg.BackoffFactor, float64(attempt-1))
	if capped := float64(m.cfg.MaxDelay); delay > capped {
		delay = capped
	}
	// Up to 25% jitter.
	delay += delay * 0.25 * rand.Float64() //nolint:gosec // Jitter does not need crypto randomness
	return time.Duration(delay)
}

// pop removes the head item, interactive tier first.
func (aq *agentQueue) pop() *Item {
	aq.mu.Lock()
	defer aq.mu.Unlock()

	if len(aq.interactive) > 0 {
		item := aq.interactive[0]
		aq.interactive = aq.interactive[1:]
		return item
	}
	if len(aq.background) > 0 {
		item := aq.background[0]
		aq.background = aq.background[1:]
		return item
	}
	return nil
}

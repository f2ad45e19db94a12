package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/config"
	"conductor/pkg/proto"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		Capacity:      8,
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

// TestFIFOWithinTier verifies background items dispatch in enqueue order.
func TestFIFOWithinTier(t *testing.T) {
	var mu sync.Mutex
	var order []string
	m := NewManager(testQueueConfig(), func(ctx context.Context, item *Item) error {
		mu.Lock()
		order = append(order, item.ID)
		mu.Unlock()
		return nil
	})
	defer m.Close()

	items := make([]*Item, 5)
	for i := range items {
		items[i] = NewItem(fmt.Sprintf("item-%d", i), "agent-1", proto.PriorityBackground, "p", 10, time.Time{})
		require.NoError(t, m.Enqueue(items[i]))
	}
	for _, item := range items {
		require.NoError(t, item.Wait(context.Background()))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"item-0", "item-1", "item-2", "item-3", "item-4"}, order)
}

// TestInteractiveDrainsFirst verifies the interactive tier is drained ahead
// of waiting background items.
func TestInteractiveDrainsFirst(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string
	m := NewManager(testQueueConfig(), func(ctx context.Context, item *Item) error {
		<-gate
		mu.Lock()
		order = append(order, item.ID)
		mu.Unlock()
		return nil
	})
	defer m.Close()

	// The first item occupies the drainer while the rest stack up.
	first := NewItem("first", "agent-1", proto.PriorityBackground, "p", 10, time.Time{})
	require.NoError(t, m.Enqueue(first))
	waitForDepth(t, m, "agent-1", 0)
	bg := NewItem("bg", "agent-1", proto.PriorityBackground, "p", 10, time.Time{})
	require.NoError(t, m.Enqueue(bg))
	ia := NewItem("ia", "agent-1", proto.PriorityInteractive, "p", 10, time.Time{})
	require.NoError(t, m.Enqueue(ia))

	close(gate)
	require.NoError(t, first.Wait(context.Background()))
	require.NoError(t, bg.Wait(context.Background()))
	require.NoError(t, ia.Wait(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "ia", "bg"}, order)
}

// TestFullErrorAtCapacity verifies backpressure instead of blocking or
// dropping.
func TestFullErrorAtCapacity(t *testing.T) {
	gate := make(chan struct{})
	m := NewManager(testQueueConfig(), func(ctx context.Context, item *Item) error {
		<-gate
		return nil
	})
	defer m.Close()
	defer close(gate)

	// One item in flight plus a full backlog.
	require.NoError(t, m.Enqueue(NewItem("inflight", "agent-1", proto.PriorityBackground, "p", 10, time.Time{})))
	waitForDepth(t, m, "agent-1", 0)
	for i := 0; i < testQueueConfig().Capacity; i++ {
		require.NoError(t, m.Enqueue(NewItem(fmt.Sprintf("fill-%d", i), "agent-1", proto.PriorityBackground, "p", 10, time.Time{})))
	}

	err := m.Enqueue(NewItem("overflow", "agent-1", proto.PriorityBackground, "p", 10, time.Time{}))
	var full *FullError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, "agent-1", full.AgentID)
	assert.Equal(t, testQueueConfig().Capacity, full.Capacity)

	// Another agent's queue is unaffected.
	assert.NoError(t, m.Enqueue(NewItem("other", "agent-2", proto.PriorityBackground, "p", 10, time.Time{})))
}

// TestRetryThenSuccess verifies transient errors are retried with the head
// kept in place.
func TestRetryThenSuccess(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}
	m := NewManager(testQueueConfig(), func(ctx context.Context, item *Item) error {
		mu.Lock()
		attempts[item.ID]++
		n := attempts[item.ID]
		mu.Unlock()
		if item.ID == "flaky" && n < 3 {
			return errors.New("transient")
		}
		return nil
	})
	defer m.Close()

	flaky := NewItem("flaky", "agent-1", proto.PriorityBackground, "p", 10, time.Time{})
	require.NoError(t, m.Enqueue(flaky))
	second := NewItem("second", "agent-1", proto.PriorityBackground, "p", 10, time.Time{})
	require.NoError(t, m.Enqueue(second))

	require.NoError(t, flaky.Wait(context.Background()))
	require.NoError(t, second.Wait(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts["flaky"])
	assert.Equal(t, 1, attempts["second"])
}

// TestAttemptExhaustion verifies the item fails after MaxAttempts.
func TestAttemptExhaustion(t *testing.T) {
	m := NewManager(testQueueConfig(), func(ctx context.Context, item *Item) error {
		return errors.New("still broken")
	})
	defer m.Close()

	item := NewItem("doomed", "agent-1", proto.PriorityBackground, "p", 10, time.Time{})
	require.NoError(t, m.Enqueue(item))

	err := item.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
	assert.Equal(t, 3, item.Attempts)
}

// TestPermanentErrorSkipsRetry verifies Permanent fails the item on the first
// attempt.
func TestPermanentErrorSkipsRetry(t *testing.T) {
	sentinel := errors.New("rejected")
	var attempts int
	var mu sync.Mutex
	m := NewManager(testQueueConfig(), func(ctx context.Context, item *Item) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return Permanent(sentinel)
	})
	defer m.Close()

	item := NewItem("rejected", "agent-1", proto.PriorityBackground, "p", 10, time.Time{})
	require.NoError(t, m.Enqueue(item))

	err := item.Wait(context.Background())
	require.ErrorIs(t, err, sentinel)
	assert.True(t, IsPermanent(err))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
}

// TestDeadlineExpiryInQueue verifies an expired item fails with the standard
// deadline sentinel before dispatch.
func TestDeadlineExpiryInQueue(t *testing.T) {
	gate := make(chan struct{})
	m := NewManager(testQueueConfig(), func(ctx context.Context, item *Item) error {
		if item.ID == "blocker" {
			<-gate
		}
		return nil
	})
	defer m.Close()

	blocker := NewItem("blocker", "agent-1", proto.PriorityBackground, "p", 10, time.Time{})
	require.NoError(t, m.Enqueue(blocker))
	expired := NewItem("expired", "agent-1", proto.PriorityBackground, "p", 10, time.Now().Add(20*time.Millisecond))
	require.NoError(t, m.Enqueue(expired))

	time.Sleep(40 * time.Millisecond)
	close(gate)

	err := expired.Wait(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestCloseFailsRemaining verifies shutdown resolves queued items with
// ErrClosed and refuses new work.
func TestCloseFailsRemaining(t *testing.T) {
	gate := make(chan struct{})
	m := NewManager(testQueueConfig(), func(ctx context.Context, item *Item) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	inflight := NewItem("inflight", "agent-1", proto.PriorityBackground, "p", 10, time.Time{})
	require.NoError(t, m.Enqueue(inflight))
	parked := NewItem("parked", "agent-1", proto.PriorityBackground, "p", 10, time.Time{})
	require.NoError(t, m.Enqueue(parked))

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()

	// The in-flight dispatch observes cancellation. The parked item fails
	// either from Close directly or from a final dispatch attempt racing the
	// shutdown; both surface the cancellation to the waiter.
	<-done
	err := parked.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled), "got %v", err)
	assert.ErrorIs(t, m.Enqueue(NewItem("late", "agent-1", proto.PriorityBackground, "p", 10, time.Time{})), ErrClosed)
	close(gate)
}

func waitForDepth(t *testing.T, m *Manager, agentID string, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.Depth(agentID) == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue depth for %s never reached %d (now %d)", agentID, want, m.Depth(agentID))
}

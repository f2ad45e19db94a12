package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/config"
	"conductor/pkg/proto"
)

func testTransportConfig() config.TransportConfig {
	return config.TransportConfig{
		HeartbeatInterval: 50 * time.Millisecond,
		MissedHeartbeats:  3,
		DialTimeout:       time.Second,
		ReconnectMinDelay: 10 * time.Millisecond,
		ReconnectMaxDelay: 100 * time.Millisecond,
	}
}

// echoHandler answers with the request content, optionally after streaming
// chunks.
func echoHandler(chunks int) Handler {
	return func(ctx context.Context, req *proto.Frame, r Responder) (map[string]any, error) {
		content := req.PayloadString(proto.KeyContent)
		for i := 0; i < chunks; i++ {
			if err := r.Chunk(fmt.Sprintf("chunk-%d", i)); err != nil {
				return nil, err
			}
		}
		return map[string]any{
			proto.KeyContent:   "echo: " + content,
			proto.KeyUnitsUsed: int64(42),
		}, nil
	}
}

func startPair(t *testing.T, handler Handler, onFail ConnFailureFunc) (*Client, *Server) {
	t.Helper()
	server := NewServer("agent-1", handler)
	require.NoError(t, server.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(server.Stop)

	client := NewClient("agent-1", server.Addr(), testTransportConfig(), onFail)
	client.Start()
	t.Cleanup(client.Close)

	waitHealthy(t, client)
	return client, server
}

func waitHealthy(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Healthy() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("client never became healthy")
}

// collect drains a reply channel until the terminal frame or timeout.
func collect(t *testing.T, frames <-chan *proto.Frame) []*proto.Frame {
	t.Helper()
	var got []*proto.Frame
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return got
			}
			got = append(got, frame)
			if frame.Terminal() {
				// Channel closes right after the terminal frame.
				for range frames {
				}
				return got
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frames")
		}
	}
}

// TestCallResponse verifies a request/response exchange over a live TCP pair.
func TestCallResponse(t *testing.T) {
	client, _ := startPair(t, echoHandler(0), nil)

	frames, err := client.Call(context.Background(), uuid.New().String(),
		map[string]any{proto.KeyContent: "hello"})
	require.NoError(t, err)

	got := collect(t, frames)
	require.Len(t, got, 1)
	assert.Equal(t, proto.FrameTypeRESPONSE, got[0].Type)
	assert.Equal(t, "echo: hello", got[0].PayloadString(proto.KeyContent))
	assert.Equal(t, int64(42), got[0].PayloadInt64(proto.KeyUnitsUsed))
}

// TestStreamedChunks verifies chunks arrive in order ahead of the terminal
// response.
func TestStreamedChunks(t *testing.T) {
	client, _ := startPair(t, echoHandler(3), nil)

	frames, err := client.Call(context.Background(), uuid.New().String(),
		map[string]any{proto.KeyContent: "stream it"})
	require.NoError(t, err)

	got := collect(t, frames)
	require.Len(t, got, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, proto.FrameTypeCHUNK, got[i].Type)
		assert.Equal(t, fmt.Sprintf("chunk-%d", i), got[i].PayloadString(proto.KeyContent))
		assert.Equal(t, int64(i), got[i].PayloadInt64(proto.KeySequence))
	}
	assert.Equal(t, proto.FrameTypeRESPONSE, got[3].Type)
}

// TestConcurrentCallsCorrelate verifies interleaved replies route to the
// right callers by correlation ID.
func TestConcurrentCallsCorrelate(t *testing.T) {
	client, _ := startPair(t, echoHandler(0), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := fmt.Sprintf("msg-%d", i)
			frames, err := client.Call(context.Background(), uuid.New().String(),
				map[string]any{proto.KeyContent: content})
			if !assert.NoError(t, err) {
				return
			}
			got := collect(t, frames)
			if assert.Len(t, got, 1) {
				assert.Equal(t, "echo: "+content, got[0].PayloadString(proto.KeyContent))
			}
		}(i)
	}
	wg.Wait()
}

// TestHandlerError verifies handler failures surface as terminal ERROR
// frames.
func TestHandlerError(t *testing.T) {
	client, _ := startPair(t, func(ctx context.Context, req *proto.Frame, r Responder) (map[string]any, error) {
		return nil, errors.New("worker exploded")
	}, nil)

	frames, err := client.Call(context.Background(), uuid.New().String(),
		map[string]any{proto.KeyContent: "boom"})
	require.NoError(t, err)

	got := collect(t, frames)
	require.Len(t, got, 1)
	assert.Equal(t, proto.FrameTypeERROR, got[0].Type)
	assert.Equal(t, "worker exploded", got[0].PayloadString(proto.KeyError))
	assert.True(t, got[0].Final)
}

// TestCancelAbortsHandler verifies a CANCEL frame cancels the server-side
// request context and closes the caller's channel.
func TestCancelAbortsHandler(t *testing.T) {
	started := make(chan struct{})
	aborted := make(chan struct{})
	client, _ := startPair(t, func(ctx context.Context, req *proto.Frame, r Responder) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		close(aborted)
		return nil, ctx.Err()
	}, nil)

	correlationID := uuid.New().String()
	frames, err := client.Call(context.Background(), correlationID,
		map[string]any{proto.KeyContent: "never mind"})
	require.NoError(t, err)

	<-started
	client.Cancel(correlationID, "caller gave up")

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never observed cancellation")
	}

	// The reply channel is closed by Cancel without a terminal frame.
	for frame := range frames {
		assert.NotEqual(t, proto.FrameTypeRESPONSE, frame.Type)
	}
}

// TestCallWhileDown verifies calls fail fast with ErrUnavailable before the
// first connect.
func TestCallWhileDown(t *testing.T) {
	client := NewClient("agent-1", "127.0.0.1:1", testTransportConfig(), nil)
	client.Start()
	defer client.Close()

	_, err := client.Call(context.Background(), uuid.New().String(), map[string]any{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

// TestConnDropFailsInflight verifies that stopping the server fails in-flight
// calls with a synthesized terminal ERROR frame and fires the failure hook.
func TestConnDropFailsInflight(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	var failMu sync.Mutex
	fails := 0
	client, server := startPair(t, func(ctx context.Context, req *proto.Frame, r Responder) (map[string]any, error) {
		<-block
		return nil, ctx.Err()
	}, func(agentID string, err error) {
		failMu.Lock()
		fails++
		failMu.Unlock()
	})

	frames, err := client.Call(context.Background(), uuid.New().String(),
		map[string]any{proto.KeyContent: "doomed"})
	require.NoError(t, err)

	server.Stop()

	got := collect(t, frames)
	require.Len(t, got, 1)
	assert.Equal(t, proto.FrameTypeERROR, got[0].Type)
	assert.True(t, got[0].Final)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		failMu.Lock()
		n := fails
		failMu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	failMu.Lock()
	assert.GreaterOrEqual(t, fails, 1)
	failMu.Unlock()
}

// TestReconnect verifies the client dials again after a drop and recovers
// service.
func TestReconnect(t *testing.T) {
	client, server := startPair(t, echoHandler(0), nil)
	addr := server.Addr()

	server.Stop()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && client.Healthy() {
		time.Sleep(5 * time.Millisecond)
	}
	require.False(t, client.Healthy())

	server2 := NewServer("agent-1", echoHandler(0))
	require.NoError(t, server2.Start(context.Background(), addr))
	defer server2.Stop()

	waitHealthy(t, client)
	frames, err := client.Call(context.Background(), uuid.New().String(),
		map[string]any{proto.KeyContent: "back"})
	require.NoError(t, err)
	got := collect(t, frames)
	require.Len(t, got, 1)
	assert.Equal(t, "echo: back", got[0].PayloadString(proto.KeyContent))
}

// TestHeartbeatKeepsIdleChannelHealthy verifies an idle but live channel
// stays healthy across several heartbeat windows.
func TestHeartbeatKeepsIdleChannelHealthy(t *testing.T) {
	client, _ := startPair(t, echoHandler(0), nil)

	time.Sleep(6 * testTransportConfig().HeartbeatInterval)
	assert.True(t, client.Healthy())
}

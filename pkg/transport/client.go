// Package transport implements the persistent A2A channel between the
// dispatcher and downstream agent workers. Frames are newline-delimited JSON
// over TCP; every request carries a correlation ID that routes responses and
// streamed chunks back to the caller. Heartbeats detect dead peers, and
// reconnection is automatic with backoff. In-flight requests on a dropped
// connection fail explicitly — they are never silently lost.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// ErrUnavailable is returned when the channel to the agent is down.
var ErrUnavailable = errors.New("agent channel unavailable")

// ErrConnectionLost fails in-flight calls when the connection drops.
var ErrConnectionLost = errors.New("agent connection lost")

// Maximum frame size accepted on the wire.
const maxFrameBytes = 4 * 1024 * 1024

// ConnFailureFunc is invoked once per connection loss (including missed
// heartbeats), after all in-flight calls have been failed.
type ConnFailureFunc func(agentID string, err error)

// Client maintains the persistent channel to one agent worker.
type Client struct {
	agentID string
	addr    string
	cfg     config.TransportConfig
	logger  *logx.Logger
	onFail  ConnFailureFunc

	mu      sync.Mutex
	conn    net.Conn
	writer  *bufio.Writer
	pending map[string]chan *proto.Frame
	healthy bool
	closed  bool

	lastSeen time.Time // Last frame received, any type

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a client for one agent endpoint. Call Start to connect.
func NewClient(agentID, addr string, cfg config.TransportConfig, onFail ConnFailureFunc) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		agentID: agentID,
		addr:    addr,
		cfg:     cfg,
		logger:  logx.NewLogger("transport-" + agentID),
		onFail:  onFail,
		pending: make(map[string]chan *proto.Frame),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the connection maintenance loop. It returns immediately;
// calls made before the first connect fail with ErrUnavailable.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

// Close tears the channel down and fails any in-flight calls.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.dropConn(errors.New("client closed"))
	c.wg.Wait()
}

// Healthy reports whether the channel is currently connected and heartbeats
// are being answered.
func (c *Client) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

// AgentID returns the agent this client is bound to.
func (c *Client) AgentID() string {
	return c.agentID
}

// Call sends a REQUEST frame and returns a channel of reply frames for its
// correlation ID. The channel yields zero or more CHUNK frames followed by a
// terminal RESPONSE or ERROR frame, then closes. If ctx expires first the
// caller should invoke Cancel to notify the worker and release the slot.
func (c *Client) Call(ctx context.Context, correlationID string, payload map[string]any) (<-chan *proto.Frame, error) {
	frame := &proto.Frame{
		Type:          proto.FrameTypeREQUEST,
		CorrelationID: correlationID,
		AgentID:       c.agentID,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}

	c.mu.Lock()
	if !c.healthy {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, c.agentID)
	}
	ch := make(chan *proto.Frame, 16)
	c.pending[correlationID] = ch
	c.mu.Unlock()

	if err := c.writeFrame(frame); err != nil {
		c.closePending(correlationID)
		return nil, fmt.Errorf("failed to send request to %s: %w", c.agentID, err)
	}

	_ = ctx // Deadline enforcement is the caller's loop; Cancel sends the wire-level abort.
	return ch, nil
}

// Cancel notifies the worker that a request is abandoned and closes its
// reply channel.
func (c *Client) Cancel(correlationID, reason string) {
	frame := &proto.Frame{
		Type:          proto.FrameTypeCANCEL,
		CorrelationID: correlationID,
		AgentID:       c.agentID,
		Timestamp:     time.Now().UTC(),
		Payload:       map[string]any{proto.KeyReason: reason},
	}
	if err := c.writeFrame(frame); err != nil {
		c.logger.Debug("Failed to send cancel for %s: %v", correlationID, err)
	}
	c.closePending(correlationID)
}

// run maintains the connection: dial, serve, and on failure reconnect with
// exponential backoff.
func (c *Client) run() {
	defer c.wg.Done()

	delay := c.cfg.ReconnectMinDelay
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		err := c.connect()
		if err == nil {
			delay = c.cfg.ReconnectMinDelay // Fresh connection resets the backoff
			c.serve()
		} else {
			c.logger.Debug("Dial %s failed: %v", c.addr, err)
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.ReconnectMaxDelay {
			delay = c.cfg.ReconnectMaxDelay
		}
	}
}

func (c *Client) connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, c.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("failed to dial agent %s at %s: %w", c.agentID, c.addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.writer = bufio.NewWriter(conn)
	c.healthy = true
	c.lastSeen = time.Now()
	c.mu.Unlock()

	c.logger.Info("Connected to agent %s at %s", c.agentID, c.addr)
	return nil
}

// serve reads frames until the connection fails, with a heartbeat loop
// running alongside. Returns once the connection is torn down.
func (c *Client) serve() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	hbCtx, hbCancel := context.WithCancel(c.ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		frame, err := proto.FromJSON(scanner.Bytes())
		if err != nil {
			c.logger.Warn("Dropping malformed frame from %s: %v", c.agentID, err)
			continue
		}

		c.mu.Lock()
		c.lastSeen = time.Now()
		c.mu.Unlock()

		if frame.Type == proto.FrameTypeHEARTBEAT {
			continue // Echo already counted via lastSeen
		}
		c.routeReply(frame)
	}

	err := scanner.Err()
	if err == nil {
		err = ErrConnectionLost
	}
	c.dropConn(err)
}

// heartbeatLoop sends periodic HEARTBEAT frames and fails the connection
// when too many go unanswered.
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		silentFor := time.Since(c.lastSeen)
		healthy := c.healthy
		c.mu.Unlock()
		if !healthy {
			return
		}

		limit := c.cfg.HeartbeatInterval * time.Duration(c.cfg.MissedHeartbeats)
		if silentFor > limit {
			c.logger.Warn("Agent %s missed %d heartbeats, failing connection",
				c.agentID, c.cfg.MissedHeartbeats)
			c.dropConn(fmt.Errorf("%w: %d heartbeats missed", ErrConnectionLost, c.cfg.MissedHeartbeats))
			return
		}

		hb := proto.NewFrame(proto.FrameTypeHEARTBEAT, c.agentID)
		if err := c.writeFrame(hb); err != nil {
			c.dropConn(err)
			return
		}
	}
}

// routeReply delivers a frame to the pending call matching its correlation
// ID. Terminal frames close the channel.
func (c *Client) routeReply(frame *proto.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.CorrelationID]
	if ok && frame.Terminal() {
		delete(c.pending, frame.CorrelationID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("Reply for unknown correlation %s from %s", frame.CorrelationID, c.agentID)
		return
	}

	select {
	case ch <- frame:
	default:
		c.logger.Warn("Reply channel full for %s, dropping %s frame", frame.CorrelationID, frame.Type)
	}
	if frame.Terminal() {
		close(ch)
	}
}

// dropConn closes the connection, marks the channel unhealthy, and fails all
// in-flight calls so ledger reservations can be released and the breaker can
// record the failure.
func (c *Client) dropConn(cause error) {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.writer = nil
	}
	wasHealthy := c.healthy
	c.healthy = false
	orphaned := c.pending
	c.pending = make(map[string]chan *proto.Frame)
	closed := c.closed
	c.mu.Unlock()

	for correlationID, ch := range orphaned {
		errFrame := &proto.Frame{
			Type:          proto.FrameTypeERROR,
			CorrelationID: correlationID,
			AgentID:       c.agentID,
			Timestamp:     time.Now().UTC(),
			Payload:       map[string]any{proto.KeyError: cause.Error()},
			Final:         true,
		}
		select {
		case ch <- errFrame:
		default:
		}
		close(ch)
	}

	if wasHealthy && !closed {
		c.logger.Warn("Connection to agent %s lost: %v (%d calls failed)", c.agentID, cause, len(orphaned))
		if c.onFail != nil {
			c.onFail(c.agentID, cause)
		}
	}
}

func (c *Client) closePending(correlationID string) {
	c.mu.Lock()
	ch, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

// writeFrame serializes and writes one frame. Writes are serialized by the
// client lock so concurrent calls never interleave bytes.
func (c *Client) writeFrame(frame *proto.Frame) error {
	data, err := frame.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer == nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, c.agentID)
	}
	if _, err := c.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush frame: %w", err)
	}
	return nil
}

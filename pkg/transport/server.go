package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Responder streams reply frames for one request. Chunk sends a partial
// result; the handler's return produces the terminal frame.
type Responder interface {
	Chunk(content string) error
}

// Handler processes one REQUEST frame. Returning a payload produces the
// terminal RESPONSE frame; returning an error produces an ERROR frame. The
// ctx is cancelled when the peer sends CANCEL or the connection drops.
type Handler func(ctx context.Context, req *proto.Frame, r Responder) (map[string]any, error)

// Server accepts A2A connections from a dispatcher. Workers run one Server
// each; this is also the test harness for the client side.
type Server struct {
	agentID string
	handler Handler
	logger  *logx.Logger

	mu       sync.Mutex
	listener net.Listener
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a worker-side A2A server.
func NewServer(agentID string, handler Handler) *Server {
	return &Server{
		agentID: agentID,
		handler: handler,
		logger:  logx.NewLogger("a2a-" + agentID),
	}
}

// Start listens on addr (":0" picks a free port) and serves until Stop.
// Non-blocking; use Addr to discover the bound address.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.listener = listener
	s.cancel = cancel
	s.running = true

	s.logger.Info("A2A server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptLoop(ctx, listener)
	return nil
}

// Stop closes the listener and waits for connection handlers to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	listener := s.listener
	s.mu.Unlock()

	cancel()
	_ = listener.Close()
	s.wg.Wait()
}

// Addr returns the listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Error("Failed to accept connection: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// handleConn serves one dispatcher connection: heartbeats are echoed inline,
// requests run concurrently, and CANCEL frames abort their request contexts.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cw := &connWriter{conn: conn, writer: bufio.NewWriter(conn)}

	// Per-connection cancel functions for in-flight requests, keyed by
	// correlation ID.
	var inflightMu sync.Mutex
	inflight := make(map[string]context.CancelFunc)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		frame, err := proto.FromJSON(scanner.Bytes())
		if err != nil {
			s.logger.Warn("Dropping malformed frame: %v", err)
			continue
		}

		switch frame.Type {
		case proto.FrameTypeHEARTBEAT:
			echo := proto.NewReply(proto.FrameTypeHEARTBEAT, frame)
			if err := cw.write(echo); err != nil {
				s.logger.Debug("Heartbeat echo failed: %v", err)
			}

		case proto.FrameTypeREQUEST:
			reqCtx, reqCancel := context.WithCancel(ctx)
			inflightMu.Lock()
			inflight[frame.CorrelationID] = reqCancel
			inflightMu.Unlock()

			go func(frame *proto.Frame) {
				defer func() {
					reqCancel()
					inflightMu.Lock()
					delete(inflight, frame.CorrelationID)
					inflightMu.Unlock()
				}()
				s.serveRequest(reqCtx, frame, cw)
			}(frame)

		case proto.FrameTypeCANCEL:
			inflightMu.Lock()
			if reqCancel, ok := inflight[frame.CorrelationID]; ok {
				reqCancel()
			}
			inflightMu.Unlock()

		default:
			s.logger.Debug("Ignoring unexpected %s frame", frame.Type)
		}
	}
}

func (s *Server) serveRequest(ctx context.Context, req *proto.Frame, cw *connWriter) {
	responder := &streamResponder{req: req, cw: cw}

	payload, err := s.handler(ctx, req, responder)

	var reply *proto.Frame
	if err != nil {
		reply = proto.NewReply(proto.FrameTypeERROR, req)
		reply.SetPayload(proto.KeyError, err.Error())
	} else {
		reply = proto.NewReply(proto.FrameTypeRESPONSE, req)
		reply.Payload = payload
	}
	reply.Final = true

	if err := cw.write(reply); err != nil {
		s.logger.Debug("Failed to write reply for %s: %v", req.CorrelationID, err)
	}
}

// streamResponder emits CHUNK frames for one request.
type streamResponder struct {
	req *proto.Frame
	cw  *connWriter
	seq int
}

func (r *streamResponder) Chunk(content string) error {
	chunk := proto.NewReply(proto.FrameTypeCHUNK, r.req)
	chunk.SetPayload(proto.KeyContent, content)
	chunk.SetPayload(proto.KeySequence, r.seq)
	r.seq++
	return r.cw.write(chunk)
}

// connWriter serializes frame writes on one connection.
type connWriter struct {
	mu     sync.Mutex
	conn   net.Conn
	writer *bufio.Writer
}

func (w *connWriter) write(frame *proto.Frame) error {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now().UTC()
	}
	data, err := frame.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush frame: %w", err)
	}
	return nil
}

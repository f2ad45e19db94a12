// Package proto defines the A2A wire protocol: correlation-ID-framed messages
// exchanged between the dispatcher and downstream agent workers.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FrameType identifies the kind of A2A frame on the wire.
type FrameType string

const (
	FrameTypeREQUEST   FrameType = "REQUEST"   // Dispatcher -> worker: new work item
	FrameTypeRESPONSE  FrameType = "RESPONSE"  // Worker -> dispatcher: terminal result
	FrameTypeCHUNK     FrameType = "CHUNK"     // Worker -> dispatcher: streamed partial result
	FrameTypeHEARTBEAT FrameType = "HEARTBEAT" // Either direction: liveness probe/echo
	FrameTypeERROR     FrameType = "ERROR"     // Worker -> dispatcher: terminal failure
	FrameTypeCANCEL    FrameType = "CANCEL"    // Dispatcher -> worker: abandon in-flight request
)

// Priority orders queued work within an agent's backlog.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityInteractive
)

func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// ParsePriority converts a config string into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "interactive":
		return PriorityInteractive, nil
	case "background", "":
		return PriorityBackground, nil
	default:
		return PriorityBackground, fmt.Errorf("unknown priority %q", s)
	}
}

// Common payload keys used in A2A frames.
const (
	KeyContent   = "content"   // Request/response body text
	KeyError     = "error"     // Error description on ERROR frames
	KeyUnitsUsed = "units"     // Actual token units consumed, reported by the worker
	KeyReason    = "reason"    // Cancellation reason
	KeySender    = "sender"    // Originating request ID
	KeyDegraded  = "degraded"  // Marks a response produced by a fallback target
	KeySequence  = "seq"       // Chunk ordering within a streamed response
)

// Frame is a single A2A protocol message. Frames are newline-delimited JSON
// on the wire; the correlation ID ties responses and chunks back to their
// originating request.
type Frame struct {
	Type          FrameType      `json:"type"`
	CorrelationID string         `json:"correlation_id"`
	AgentID       string         `json:"agent_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
	Final         bool           `json:"final,omitempty"` // Set on terminal RESPONSE/ERROR frames
}

// NewFrame creates a frame with a fresh correlation ID.
func NewFrame(frameType FrameType, agentID string) *Frame {
	return &Frame{
		Type:          frameType,
		CorrelationID: uuid.New().String(),
		AgentID:       agentID,
		Timestamp:     time.Now().UTC(),
		Payload:       make(map[string]any),
	}
}

// NewReply creates a frame correlated to an existing request frame.
func NewReply(frameType FrameType, req *Frame) *Frame {
	return &Frame{
		Type:          frameType,
		CorrelationID: req.CorrelationID,
		AgentID:       req.AgentID,
		Timestamp:     time.Now().UTC(),
		Payload:       make(map[string]any),
	}
}

func (f *Frame) ToJSON() ([]byte, error) {
	return json.Marshal(f)
}

func FromJSON(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	return &f, nil
}

func (f *Frame) SetPayload(key string, value any) {
	if f.Payload == nil {
		f.Payload = make(map[string]any)
	}
	f.Payload[key] = value
}

func (f *Frame) GetPayload(key string) (any, bool) {
	if f.Payload == nil {
		return nil, false
	}
	val, exists := f.Payload[key]
	return val, exists
}

// PayloadString returns a payload value as a string, or "" if absent.
func (f *Frame) PayloadString(key string) string {
	if val, ok := f.GetPayload(key); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

// PayloadInt64 returns a payload value as an int64, or 0 if absent.
// JSON decoding produces float64 for numbers, so both forms are accepted.
func (f *Frame) PayloadInt64(key string) int64 {
	val, ok := f.GetPayload(key)
	if !ok {
		return 0
	}
	switch v := val.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Terminal reports whether this frame ends its request exchange.
func (f *Frame) Terminal() bool {
	return f.Final || f.Type == FrameTypeRESPONSE || f.Type == FrameTypeERROR
}

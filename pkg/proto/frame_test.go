package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFrameRoundTrip verifies a frame survives the wire encoding, including
// the float64 shape JSON gives numeric payload values.
func TestFrameRoundTrip(t *testing.T) {
	frame := NewFrame(FrameTypeREQUEST, "agent-1")
	frame.SetPayload(KeyContent, "summarize this")
	frame.SetPayload(KeyUnitsUsed, int64(1200))

	data, err := frame.ToJSON()
	require.NoError(t, err)

	decoded, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, frame.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, FrameTypeREQUEST, decoded.Type)
	assert.Equal(t, "summarize this", decoded.PayloadString(KeyContent))
	assert.Equal(t, int64(1200), decoded.PayloadInt64(KeyUnitsUsed))
}

// TestNewReplyCorrelation verifies replies carry the request's correlation ID.
func TestNewReplyCorrelation(t *testing.T) {
	req := NewFrame(FrameTypeREQUEST, "agent-1")
	reply := NewReply(FrameTypeRESPONSE, req)
	assert.Equal(t, req.CorrelationID, reply.CorrelationID)
	assert.Equal(t, "agent-1", reply.AgentID)
}

// TestTerminal verifies which frame types end an exchange.
func TestTerminal(t *testing.T) {
	assert.True(t, NewFrame(FrameTypeRESPONSE, "a").Terminal())
	assert.True(t, NewFrame(FrameTypeERROR, "a").Terminal())
	assert.False(t, NewFrame(FrameTypeCHUNK, "a").Terminal())
	assert.False(t, NewFrame(FrameTypeHEARTBEAT, "a").Terminal())

	chunk := NewFrame(FrameTypeCHUNK, "a")
	chunk.Final = true
	assert.True(t, chunk.Terminal())
}

// TestParsePriority verifies config parsing, the empty default, and errors.
func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("interactive")
	require.NoError(t, err)
	assert.Equal(t, PriorityInteractive, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityBackground, p)

	_, err = ParsePriority("urgent")
	require.Error(t, err)
}

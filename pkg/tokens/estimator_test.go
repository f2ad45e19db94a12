package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEstimate verifies real text produces a plausible token count.
func TestEstimate(t *testing.T) {
	e, err := NewEstimator()
	require.NoError(t, err)

	assert.Equal(t, int64(0), e.Estimate(""))

	n := e.Estimate("Summarize the quarterly usage report for the research fleet.")
	assert.Greater(t, n, int64(5))
	assert.Less(t, n, int64(30))
}

// TestEstimateNilFallback verifies the character heuristic covers a missing
// codec.
func TestEstimateNilFallback(t *testing.T) {
	var e *Estimator
	assert.Equal(t, int64(3), e.Estimate("twelve chars"))
}

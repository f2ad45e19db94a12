// Package tokens provides tiktoken-based unit estimation for dispatch
// payloads that arrive without a pre-computed estimate.
package tokens

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// Estimator counts token units in payload text. Modern model tokenizations
// are close enough that GPT-4 encoding is used for everything.
type Estimator struct {
	codec tokenizer.Codec
}

// NewEstimator creates a token estimator.
func NewEstimator() (*Estimator, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &Estimator{codec: codec}, nil
}

// Estimate returns the number of token units in text. Falls back to a
// character-based estimate (4 chars per token) if the codec fails.
func (e *Estimator) Estimate(text string) int64 {
	if e == nil || e.codec == nil {
		return int64(len(text) / 4)
	}

	count, err := e.codec.Count(text)
	if err != nil {
		return int64(len(text) / 4)
	}
	return int64(count)
}

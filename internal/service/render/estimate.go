package render

import (
	"github.com/pkoukk/tiktoken-go"
)

// promptOverhead covers message framing, files and response headroom the
// raw prompt text does not account for.
const promptOverhead = 500

// Estimator guesses a task's token footprint for rate-limit acquisition.
// The estimate is reconciled against actual usage after the call, so
// precision matters less than stability.
type Estimator struct {
	enc *tiktoken.Tiktoken
}

// NewEstimator builds an estimator on the cl100k_base encoding, falling
// back to a bytes/4 heuristic when the encoding is unavailable.
func NewEstimator() *Estimator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &Estimator{}
	}
	return &Estimator{enc: enc}
}

// Estimate returns the estimated token count for one rendered prompt pair.
func (e *Estimator) Estimate(systemPrompt, userPrompt string) int {
	if e.enc == nil {
		return (len(systemPrompt)+len(userPrompt))/4 + promptOverhead
	}
	n := len(e.enc.Encode(systemPrompt, nil, nil)) + len(e.enc.Encode(userPrompt, nil, nil))
	return n + promptOverhead
}

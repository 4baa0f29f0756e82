package llmtrace

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// sampled reports whether events of traceID are kept. The verdict depends
// only on the trace id so a trace is either kept whole or dropped whole.
// Events without a trace are always kept.
func (c *Client) sampled(traceID string) bool {
	rate := c.cfg.SampleRate
	if rate >= 1 || traceID == "" {
		return true
	}
	if rate <= 0 {
		return false
	}
	return float64(xxhash.Sum64String(traceID))/math.MaxUint64 < rate
}

package evaluator

import (
	"math/rand"
	"time"
)

// backoffDuration implements spec.md §4.2's error backoff:
// nextEvaluationTime = now + min(maxBackoff, base * 2^errorCount) with
// jitter.
func backoffDuration(cfg Config, errorCount int) time.Duration {
	shift := errorCount
	if shift > 20 {
		shift = 20 // guard against overflow for pathological error counts
	}
	d := cfg.BackoffBase * time.Duration(int64(1)<<uint(shift))
	if d > cfg.BackoffMax || d <= 0 {
		d = cfg.BackoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(d/4) + 1))
	return d + jitter
}

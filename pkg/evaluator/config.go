package evaluator

import (
	"time"

	"github.com/cuemby/packman/pkg/selection"
)

// Config holds the evaluation loop's tunables (spec.md §9 "exact values ...
// are configurable; the source does not pin them").
type Config struct {
	// EvaluationInterval is the inter-tick sleep when nothing is dirty.
	EvaluationInterval time.Duration
	// HeartbeatGap is the maximum time a WORKING expectation's assigned
	// worker may go without a heartbeat before it is treated as
	// disconnected.
	HeartbeatGap time.Duration
	// ReVerifyInterval is how often a FULFILLED expectation is re-checked.
	ReVerifyInterval time.Duration
	// BackoffBase and BackoffMax bound the jittered exponential backoff
	// applied to nextEvaluationTime after a WorkerReported error.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// CancelGracePeriod bounds how long a RESTARTED/ABORTED transition
	// waits for a cancel acknowledgment before moving on regardless
	// (spec.md §9 open question: fire-and-forget with a grace window).
	CancelGracePeriod time.Duration
	// ContainerCronInterval is how often the Package Container cron pass
	// runs.
	ContainerCronInterval time.Duration
	// CallTimeout bounds every remote call the evaluator makes directly
	// (selection-internal calls use selection.Config.CallTimeout).
	CallTimeout time.Duration

	Selection selection.Config
}

// DefaultConfig returns the spec's named defaults: ~1s evaluation
// interval, 300ms publication window (set where the publish queue is
// constructed), plus the evaluator-local values spec.md §9 leaves open.
func DefaultConfig() Config {
	return Config{
		EvaluationInterval:    time.Second,
		HeartbeatGap:          15 * time.Second,
		ReVerifyInterval:      2 * time.Minute,
		BackoffBase:           2 * time.Second,
		BackoffMax:            5 * time.Minute,
		CancelGracePeriod:     2 * time.Second,
		ContainerCronInterval: time.Minute,
		CallTimeout:           10 * time.Second,
		Selection:             selection.DefaultConfig(),
	}
}

// Package publish implements the status publication queue (spec.md §4.5):
// after every transition the EM enqueues a status update; updates for the
// same id coalesce so only the latest wins within a publication window,
// flushed upstream on a fixed cadence. It generalizes the teacher's
// pkg/events.Broker (one internal channel + fan-out-to-many broadcast loop)
// from many-subscriber fan-out to the opposite shape: single-producer,
// single-consumer, with coalescing instead of buffering.
package publish

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/packman/pkg/log"
	"github.com/cuemby/packman/pkg/metrics"
	"github.com/cuemby/packman/pkg/types"
)

// Sink is the upstream collaborator status updates are published to.
type Sink interface {
	Publish(ctx context.Context, updates []types.StatusUpdate) error
}

// Config holds the publication queue's tunables.
type Config struct {
	// Window is how often pending updates are flushed.
	Window time.Duration
	// RetryBase and RetryMax bound the exponential backoff applied between
	// retries of a failed flush.
	RetryBase time.Duration
	RetryMax  time.Duration
}

// DefaultConfig returns the spec's default 300ms publication window.
func DefaultConfig() Config {
	return Config{
		Window:    300 * time.Millisecond,
		RetryBase: 200 * time.Millisecond,
		RetryMax:  10 * time.Second,
	}
}

// Queue coalesces StatusUpdates by id and flushes them to a Sink on a
// fixed cadence.
type Queue struct {
	cfg  Config
	sink Sink

	mu      sync.Mutex
	pending map[string]types.StatusUpdate

	limiter *rate.Limiter
	logger  zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Queue publishing to sink.
func New(cfg Config, sink Sink) *Queue {
	return &Queue{
		cfg:     cfg,
		sink:    sink,
		pending: make(map[string]types.StatusUpdate),
		limiter: rate.NewLimiter(rate.Every(cfg.RetryBase), 1),
		logger:  log.WithComponent("publish"),
		stopCh:  make(chan struct{}),
	}
}

// Enqueue records update as the latest known state for its id. A second
// Enqueue for the same id before the next flush supersedes the first
// (spec.md §4.5: "only the latest wins in each publication window").
func (q *Queue) Enqueue(update types.StatusUpdate) {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}
	q.mu.Lock()
	q.pending[update.ID] = update
	depth := len(q.pending)
	q.mu.Unlock()
	metrics.PublicationQueueDepth.Set(float64(depth))
}

// Start begins the flush loop; it runs until ctx is canceled or Stop is
// called.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.run(ctx)
}

// Stop terminates the flush loop and performs one final synchronous flush
// so enqueued updates are never silently dropped on shutdown.
func (q *Queue) Stop(ctx context.Context) {
	close(q.stopCh)
	q.wg.Wait()
	q.flush(ctx)
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.flush(ctx)
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		}
	}
}

// flush drains pending and publishes it, retrying with bounded exponential
// backoff on failure. Failed updates are merged back into pending unless
// superseded by a newer update that arrived while the retry was in flight.
func (q *Queue) flush(ctx context.Context) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	batch := make([]types.StatusUpdate, 0, len(q.pending))
	for _, u := range q.pending {
		batch = append(batch, u)
	}
	q.pending = make(map[string]types.StatusUpdate)
	q.mu.Unlock()

	metrics.PublicationQueueDepth.Set(0)
	timer := metrics.NewTimer()

	if err := q.publishWithRetry(ctx, batch); err != nil {
		q.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("status publication failed after retries, updates will retry next window")
		q.restore(batch)
		timer.ObserveDuration(metrics.PublicationFlushDuration)
		metrics.PublicationFlushesTotal.WithLabelValues("failure").Inc()
		return
	}

	timer.ObserveDuration(metrics.PublicationFlushDuration)
	metrics.PublicationFlushesTotal.WithLabelValues("success").Inc()
}

// publishWithRetry retries a failed publish with exponential backoff,
// paced through a rate.Limiter whose limit is widened each attempt so the
// wait grows from RetryBase towards RetryMax without a bespoke timer.
func (q *Queue) publishWithRetry(ctx context.Context, batch []types.StatusUpdate) error {
	interval := q.cfg.RetryBase
	q.limiter.SetLimit(rate.Every(interval))
	var lastErr error

	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			if err := q.limiter.Wait(ctx); err != nil {
				return err
			}
			interval *= 2
			if interval > q.cfg.RetryMax {
				interval = q.cfg.RetryMax
			}
			q.limiter.SetLimit(rate.Every(interval))
		}

		err := q.sink.Publish(ctx, batch)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// restore merges a failed batch back into pending, but only for ids that
// haven't since received a newer update.
func (q *Queue) restore(batch []types.StatusUpdate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, u := range batch {
		if _, superseded := q.pending[u.ID]; !superseded {
			q.pending[u.ID] = u
		}
	}
	metrics.PublicationQueueDepth.Set(float64(len(q.pending)))
}

// Depth returns the number of distinct ids currently pending publication.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Package evaluator implements the Expectation Manager's evaluation loop
// and per-Expectation state machine: a single-threaded cooperative tick
// that advances every TrackedExpectation one step, suspending only at
// explicit remote-call points. Grounded on the
// teacher's pkg/scheduler.run()/pkg/reconciler.reconcile() ticker-with-
// metrics-timer loop, generalized from "one entity kind per pass" to "one
// state-dispatch switch per tracked expectation, by state".
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/cuemby/packman/pkg/containerstore"
	"github.com/cuemby/packman/pkg/emerrors"
	"github.com/cuemby/packman/pkg/events"
	"github.com/cuemby/packman/pkg/expectationstore"
	"github.com/cuemby/packman/pkg/log"
	"github.com/cuemby/packman/pkg/metrics"
	"github.com/cuemby/packman/pkg/publish"
	"github.com/cuemby/packman/pkg/selection"
	"github.com/cuemby/packman/pkg/types"
)

// workEvent is one progress/done/error frame relayed from a Worker's
// session read loop into the evaluator for a WORKING expectation. Pushing
// it onto a channel rather than mutating the TrackedExpectation directly
// from the read-loop goroutine keeps the tracked-expectation table owned
// and mutated only by the evaluation loop.
type workEvent struct {
	kind     string // "progress" | "done" | "error"
	progress float64
	hash     string
	reason   string
}

// assignment is the evaluator's stable record of which Worker is running
// an expectation's work, independent of the per-evaluation Session scratch
// on TrackedExpectation (which is cleared every tick). It lives exactly as
// long as the expectation is READY (job not yet accepted) or WORKING.
type assignment struct {
	workerID         string
	workInProgressID string
	events           chan workEvent
}

// Evaluator runs the evaluation loop against one EM's tracked-expectation
// and tracked-container tables.
type Evaluator struct {
	cfg Config

	store      *expectationstore.Store
	containers *containerstore.Store
	workers    *WorkerSet
	selector   *selection.Selector
	publisher  *publish.Queue
	broker     *events.Broker

	mu          sync.Mutex
	assignments map[string]*assignment

	cronGroup singleflight.Group
	logger    zerolog.Logger

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an Evaluator wired to the given collaborators.
func New(cfg Config, store *expectationstore.Store, containers *containerstore.Store, workers *WorkerSet, publisher *publish.Queue, broker *events.Broker) *Evaluator {
	return &Evaluator{
		cfg:         cfg,
		store:       store,
		containers:  containers,
		workers:     workers,
		selector:    selection.New(cfg.Selection),
		publisher:   publisher,
		broker:      broker,
		assignments: make(map[string]*assignment),
		logger:      log.WithComponent("evaluator"),
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the evaluation loop and the lower-frequency container cron
// pass as separate goroutines, mirroring the teacher's independent
// scheduler/reconciler tickers.
func (e *Evaluator) Start(ctx context.Context) {
	e.wg.Add(2)
	go e.loop(ctx)
	go e.cronLoop(ctx)
}

// Stop terminates the evaluation loop and waits for it to exit.
func (e *Evaluator) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// loop ticks on EvaluationInterval and also wakes immediately whenever
// Wake is signaled, so a freshly ingested or triggered expectation doesn't
// sit dirty for up to a full interval.
func (e *Evaluator) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.tick(ctx)
		case <-e.wake:
			e.tick(ctx)
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		}
	}
}

// Wake signals the evaluation loop to run a tick immediately instead of
// waiting out the rest of EvaluationInterval. Non-blocking: a pending wake
// already queued is enough, a second signal before it's consumed is
// dropped rather than blocking the caller.
func (e *Evaluator) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// tick processes every tracked expectation in snapshot order. Due-ness
// (dirty or nextEvaluationTime elapsed) is checked per expectation so a
// tick that finds nothing due is cheap.
func (e *Evaluator) tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.EvaluationCycleDuration)
	metrics.EvaluationCyclesTotal.Inc()

	now := time.Now()
	stateCounts := make(map[types.State]int)

	for _, te := range e.store.Snapshot() {
		stateCounts[te.State]++
		if !te.Dirty && te.NextEvaluationTime.After(now) {
			continue
		}
		e.evaluateOne(ctx, te)
	}

	for state, count := range stateCounts {
		metrics.ExpectationsTotal.WithLabelValues(string(state)).Set(float64(count))
	}
	metrics.ContainersTotal.Set(float64(len(e.containers.Iter())))
}

// evaluateOne advances te exactly one step, per its state's transition
// rule. Every sub-step is guarded: a panic or returned error never escapes
// the loop, it folds into a reset-to-NEW via handleError, the single guard
// at the loop boundary.
func (e *Evaluator) evaluateOne(ctx context.Context, te *types.TrackedExpectation) {
	fromState := te.State
	te.Session = types.Session{}
	te.Dirty = false

	defer func() {
		if r := recover(); r != nil {
			e.resetToNew(te, emerrors.NewInternal("panic during evaluation", fmt.Errorf("%v", r)))
		}
	}()

	timer := metrics.NewTimer()
	err := e.dispatch(ctx, te)
	timer.ObserveDurationVec(metrics.ExpectationEvaluationDuration, string(fromState))

	if err != nil {
		e.handleError(te, err)
	} else if te.State != types.StateNew {
		te.ErrorCount = 0
	}

	if te.State != fromState {
		metrics.TransitionsTotal.WithLabelValues(string(fromState), string(te.State)).Inc()
		e.publishTransition(te)
		e.logger.Info().
			Str("expectation_id", te.Exp.ID).
			Str("from", string(fromState)).
			Str("to", string(te.State)).
			Str("reason_user", te.Reason.User).
			Msg("expectation transitioned")
		if e.broker != nil {
			e.broker.Publish(&events.Event{
				Type:    events.EventExpectationTransitioned,
				Message: fmt.Sprintf("%s: %s -> %s", te.Exp.ID, fromState, te.State),
				Metadata: map[string]string{
					"expectation_id": te.Exp.ID,
					"from":           string(fromState),
					"to":             string(te.State),
				},
			})
		}

		if te.State == types.StateFulfilled {
			e.fanOutFulfilled(ctx, te)
		}
	}

	if te.State == types.StateRemoved && te.Session.ExpectationCanBeRemoved {
		e.clearAssignment(te.Exp.ID)
		e.store.Delete(te.Exp.ID)
		e.publisher.Enqueue(types.StatusUpdate{ID: te.Exp.ID, State: types.StateRemoved, Timestamp: time.Now(), StatusInfo: "removed"})
		if e.broker != nil {
			e.broker.Publish(&events.Event{Type: events.EventExpectationRemoved, Message: te.Exp.ID, Metadata: map[string]string{"expectation_id": te.Exp.ID}})
		}
	}
}

// fanOutFulfilled marks dirty every Expectation that depends on or
// triggers off te, and, if the evaluation asked for it via
// triggerOtherExpectationsAgain, evaluates them immediately within this
// same tick.
func (e *Evaluator) fanOutFulfilled(ctx context.Context, te *types.TrackedExpectation) {
	triggered := e.store.TriggeredBy(te.Exp.ID)
	for _, t := range triggered {
		t.Dirty = true
	}
	if te.Session.TriggerOtherExpectationsAgain {
		for _, t := range triggered {
			e.evaluateOne(ctx, t)
		}
	}
}

// dispatch runs the transition rule matching te's current state.
func (e *Evaluator) dispatch(ctx context.Context, te *types.TrackedExpectation) error {
	switch te.State {
	case types.StateNew:
		return e.evaluateNew(ctx, te)
	case types.StateWaiting:
		return e.evaluateWaiting(ctx, te)
	case types.StateReady:
		return e.evaluateReady(ctx, te)
	case types.StateWorking:
		return e.evaluateWorking(ctx, te)
	case types.StateFulfilled:
		return e.evaluateFulfilled(ctx, te)
	case types.StateRemoved:
		return e.evaluateRemoved(ctx, te)
	case types.StateRestarted:
		return e.evaluateRestarted(ctx, te)
	case types.StateAborted:
		return e.evaluateAborted(ctx, te)
	default:
		return emerrors.NewInternal("unknown state: "+string(te.State), nil)
	}
}

// handleError folds any error returned from a transition rule into a
// taxonomy-driven reset policy, keyed on the emerrors category.
func (e *Evaluator) handleError(te *types.TrackedExpectation, err error) {
	var transportErr *emerrors.Transport
	var workerErr *emerrors.WorkerReported
	var configErr *emerrors.Config

	switch {
	case errors.As(err, &transportErr):
		// Transport errors are never the Expectation's fault: re-select on
		// the next tick, no errorCount bump. The peer itself is presumed
		// disconnected, so it comes off the fleet and every tracked
		// expectation's cached availability for it is invalidated, not
		// just this one, otherwise every other expectation would keep
		// re-picking the same unreachable worker.
		te.State = types.StateNew
		te.Reason = types.Reason{User: "Lost contact with assigned worker", Tech: emerrors.Summary(err)}
		te.NextEvaluationTime = time.Now().Add(e.cfg.EvaluationInterval)
		if e.workers != nil {
			e.workers.Remove(transportErr.Peer)
			e.selector.Invalidate(transportErr.Peer, e.store.Iter())
		}

	case errors.As(err, &workerErr):
		te.ErrorCount++
		te.LastError = err
		te.State = types.StateNew
		te.Reason = types.Reason{User: "Worker reported it cannot complete this work", Tech: emerrors.Summary(err)}
		te.NextEvaluationTime = time.Now().Add(backoffDuration(e.cfg, te.ErrorCount))

	case errors.As(err, &configErr):
		te.State = types.StateNew
		te.Reason = types.Reason{User: "Expectation configuration is invalid", Tech: emerrors.Summary(err)}
		// Parked: not retried on the normal cadence until the Expectation
		// definition changes (ingest's RESTARTED path wakes it).
		te.NextEvaluationTime = time.Now().Add(100 * 365 * 24 * time.Hour)

	default:
		e.logger.Error().Err(err).Str("expectation_id", te.Exp.ID).Msg("internal error during evaluation, resetting to NEW")
		te.State = types.StateNew
		te.Reason = types.Reason{User: "Internal error", Tech: emerrors.Summary(err)}
		te.NextEvaluationTime = time.Now().Add(e.cfg.EvaluationInterval)
	}

	te.LastError = err
}

// resetToNew is the loop-boundary safety net for a panicking evaluation
// step.
func (e *Evaluator) resetToNew(te *types.TrackedExpectation, err error) {
	e.logger.Error().Err(err).Str("expectation_id", te.Exp.ID).Msg("recovered panic during evaluation")
	te.State = types.StateNew
	te.Reason = types.Reason{User: "Internal error", Tech: emerrors.Summary(err)}
	te.LastError = err
	te.NextEvaluationTime = time.Now().Add(e.cfg.EvaluationInterval)
}

// publishTransition enqueues te's current state as a StatusUpdate,
// atomically capturing state+reason+status together so the published
// record is never a torn read.
func (e *Evaluator) publishTransition(te *types.TrackedExpectation) {
	isError := te.LastError != nil && te.State == types.StateNew
	e.publisher.Enqueue(types.StatusUpdate{
		ID:                te.Exp.ID,
		State:             te.State,
		Reason:            te.Reason,
		Status:            te.Status,
		Progress:          te.Status.WorkProgress,
		IsError:           isError,
		Timestamp:         time.Now(),
	})
}

// Dirty forces te to be evaluated on the next tick, bypassing
// NextEvaluationTime, and wakes the loop so that tick happens now rather
// than at the next ticker fire. Exported for the upstream ingest path and
// the external Abort() entry point.
func (e *Evaluator) Dirty(id string) {
	e.store.MarkDirty(id)
	e.Wake()
}

// Abort moves id into the terminal ABORTED state at once and marks it dirty,
// so the next tick runs the ABORTED rule for it.
func (e *Evaluator) Abort(id string) bool {
	te, ok := e.store.Get(id)
	if !ok {
		return false
	}
	te.State = types.StateAborted
	te.Dirty = true
	return true
}

// HandleWorkerDisconnect removes workerID from the connected fleet and
// invalidates every tracked expectation's cached support/availability for
// it, so the next selection re-probes rather than picking a ghost worker.
// Exported for the EM's connection server to call once a Worker's session
// closes.
func (e *Evaluator) HandleWorkerDisconnect(workerID string) {
	e.workers.Remove(workerID)
	e.selector.Invalidate(workerID, e.store.Iter())
}

func (e *Evaluator) getAssignment(id string) (*assignment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.assignments[id]
	return a, ok
}

func (e *Evaluator) setAssignment(id, workerID string) *assignment {
	e.mu.Lock()
	defer e.mu.Unlock()
	a := &assignment{workerID: workerID, events: make(chan workEvent, 16)}
	e.assignments[id] = a
	return a
}

func (e *Evaluator) clearAssignment(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.assignments, id)
}

// streamHandler builds the pkg/session.StreamHandler that relays a
// Worker's progress/done/error frames into the matching assignment's event
// channel, for evaluateWorking to drain on its next tick.
func (e *Evaluator) streamHandler(expectationID string) func(event string, payload json.RawMessage) {
	return func(event string, payload json.RawMessage) {
		a, ok := e.getAssignment(expectationID)
		if !ok {
			return
		}
		ev, ok := decodeWorkEvent(event, payload)
		if !ok {
			return
		}
		select {
		case a.events <- ev:
		default:
			// Event buffer full: drop the oldest pending event in favor of
			// the newest, since only the latest progress/terminal state
			// matters.
			select {
			case <-a.events:
			default:
			}
			select {
			case a.events <- ev:
			default:
			}
		}
	}
}

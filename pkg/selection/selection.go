// Package selection implements the worker-selection protocol (spec.md
// §4.3): choose one connected Worker for a TrackedExpectation's current
// evaluation. It generalizes the teacher scheduler's selectNode
// (pkg/scheduler.go: fewest-containers tie-broken by node order) from
// "fewest assignments" to "lowest reported cost, tie-broken by worker id",
// and adds the probe/cache machinery the teacher's node selection never
// needed because nodes don't need to be asked whether they support a
// workload.
package selection

import (
	"context"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/cuemby/packman/pkg/emerrors"
	"github.com/cuemby/packman/pkg/log"
	"github.com/cuemby/packman/pkg/metrics"
	"github.com/cuemby/packman/pkg/session"
	"github.com/cuemby/packman/pkg/types"
	"github.com/cuemby/packman/pkg/workerrpc"
)

// Config holds the worker-selection protocol's tunables.
type Config struct {
	// ProbeBudget bounds how many not-recently-queried workers are probed
	// in a single slow-path call.
	ProbeBudget int
	// QueriedTTL is how long a (worker, expectation) probe answer is
	// trusted before the worker becomes eligible to be re-probed.
	QueriedTTL time.Duration
	// PositiveTTL is how long a positive doYouSupport answer is cached.
	PositiveTTL time.Duration
	// NegativeTTL is how long a negative doYouSupport answer is cached;
	// shorter than PositiveTTL so capability changes (a worker gaining
	// support, e.g. after a deploy) are noticed sooner.
	NegativeTTL time.Duration
	// CallTimeout bounds each individual probe/cost RPC.
	CallTimeout time.Duration
}

// DefaultConfig returns the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{
		ProbeBudget: 5,
		QueriedTTL:  30 * time.Second,
		PositiveTTL: 2 * time.Minute,
		NegativeTTL: 20 * time.Second,
		CallTimeout: session.DefaultCallTimeout,
	}
}

// WorkerHandle is what the Selector needs to know about one connected
// worker: its EM-side bookkeeping plus the RPC client to reach it.
type WorkerHandle struct {
	Agent  *types.WorkerAgent
	Client *workerrpc.Client
}

// Fleet is the Selector's view of connected workers. It is satisfied by
// the EM's worker-connection table; Selector never mutates it directly
// except through the returned error sentinel on transport failure, which
// callers are expected to act on by removing the worker from the fleet.
type Fleet interface {
	// Connected returns every currently connected worker.
	Connected() []WorkerHandle
	// Get returns the handle for id, if still connected.
	Get(id string) (WorkerHandle, bool)
}

type cachedAnswer struct {
	support bool
	cost    float64
	reason  string
}

// Selector runs the worker-selection protocol against a Fleet.
type Selector struct {
	cfg Config

	// answers caches doYouSupport/getCost verdicts per (expectationID,
	// workerID), split into a long-lived positive cache and a short-lived
	// negative cache so a "no" is revisited sooner than a "yes" (spec.md
	// §4.3 slow path).
	positive *lru.LRU[string, cachedAnswer]
	negative *lru.LRU[string, cachedAnswer]

	group  singleflight.Group
	logger zerolog.Logger
}

// New creates a Selector with cfg.
func New(cfg Config) *Selector {
	return &Selector{
		cfg:      cfg,
		positive: lru.NewLRU[string, cachedAnswer](4096, nil, cfg.PositiveTTL),
		negative: lru.NewLRU[string, cachedAnswer](4096, nil, cfg.NegativeTTL),
		logger:   log.WithComponent("selection"),
	}
}

func cacheKey(expectationID, workerID string) string {
	return expectationID + "|" + workerID
}

// NoWorkerError is returned when no connected worker could be assigned.
type NoWorkerError struct {
	ExpectationID string
	Reason        string
}

func (e *NoWorkerError) Error() string {
	return fmt.Sprintf("no worker available for expectation %s: %s", e.ExpectationID, e.Reason)
}

// Select runs the fast path (idle worker already known to support te) and,
// failing that, the slow path (bounded probe of not-recently-queried
// workers), returning the chosen worker id. Selection minimizes cost,
// breaking ties deterministically by worker id. Fault handling (spec.md
// §4.3): a transport error from a probed worker is returned wrapped in
// emerrors.Transport; the caller is expected to drop that worker from the
// fleet and must not count it against the Expectation's errorCount.
func (s *Selector) Select(ctx context.Context, te *types.TrackedExpectation, fleet Fleet) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WorkerSelectionDuration)

	if id, ok := s.fastPath(te, fleet); ok {
		return id, nil
	}

	id, err := s.slowPath(ctx, te, fleet)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	reason := te.NoAvailableWorkersReason
	if reason == "" {
		reason = "no connected worker supports this expectation"
	}
	return "", &NoWorkerError{ExpectationID: te.Exp.ID, Reason: reason}
}

// fastPath picks the least-cost idle worker already remembered as
// supporting te, if any.
func (s *Selector) fastPath(te *types.TrackedExpectation, fleet Fleet) (string, bool) {
	if len(te.AvailableWorkers) == 0 {
		return "", false
	}

	type candidate struct {
		id   string
		cost float64
	}
	var candidates []candidate

	for workerID := range te.AvailableWorkers {
		handle, ok := fleet.Get(workerID)
		if !ok || handle.Agent == nil || !handle.Agent.Connected || !handle.Agent.IsIdle() {
			continue
		}
		cost := handle.Agent.Cost
		if ans, ok := s.positive.Get(cacheKey(te.Exp.ID, workerID)); ok {
			cost = ans.cost
		}
		candidates = append(candidates, candidate{id: workerID, cost: cost})
	}

	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].cost != candidates[j].cost {
			return candidates[i].cost < candidates[j].cost
		}
		return candidates[i].id < candidates[j].id
	})

	return candidates[0].id, true
}

// slowPath probes up to ProbeBudget connected workers, caching each
// answer, then re-runs the idle-worker pick over the (possibly now larger)
// AvailableWorkers set.
func (s *Selector) slowPath(ctx context.Context, te *types.TrackedExpectation, fleet Fleet) (string, error) {
	if err := s.probeFleet(ctx, te, fleet); err != nil {
		return "", err
	}
	if id, ok := s.fastPath(te, fleet); ok {
		return id, nil
	}
	return "", nil
}

// ProbeSupport runs the bounded slow-path probe and reports whether any
// connected worker now supports te, without requiring that worker to be
// idle. This is what the NEW state uses (spec.md §4.2: "at least one
// probed worker returns supportsExpectation=true"); WAITING/READY use the
// stronger Select, which also needs idle capacity.
func (s *Selector) ProbeSupport(ctx context.Context, te *types.TrackedExpectation, fleet Fleet) (bool, error) {
	if err := s.probeFleet(ctx, te, fleet); err != nil {
		return false, err
	}
	return len(te.AvailableWorkers) > 0, nil
}

// probeFleet probes up to ProbeBudget connected workers that haven't been
// queried within QueriedTTL, updating te.AvailableWorkers/QueriedWorkers in
// place.
func (s *Selector) probeFleet(ctx context.Context, te *types.TrackedExpectation, fleet Fleet) error {
	now := time.Now()
	if te.QueriedWorkers == nil {
		te.QueriedWorkers = make(map[string]time.Time)
	}

	budget := s.cfg.ProbeBudget
	for _, handle := range fleet.Connected() {
		if budget <= 0 {
			break
		}
		if handle.Agent == nil || !handle.Agent.Connected {
			continue
		}
		workerID := handle.Agent.ID

		if last, ok := te.QueriedWorkers[workerID]; ok && now.Sub(last) < s.cfg.QueriedTTL {
			continue
		}
		if _, ok := te.AvailableWorkers[workerID]; ok {
			// Already known-good and accounted for by the fast path; a
			// full miss there means it's not idle right now, re-probing
			// support won't change that.
			continue
		}

		budget--
		te.QueriedWorkers[workerID] = now

		ans, err := s.probe(ctx, te.Exp, handle)
		if err != nil {
			s.logger.Debug().Err(err).Str("worker_id", workerID).Str("expectation_id", te.Exp.ID).Msg("probe failed")
			return err
		}

		if ans.support {
			if te.AvailableWorkers == nil {
				te.AvailableWorkers = make(map[string]struct{})
			}
			te.AvailableWorkers[workerID] = struct{}{}
			metrics.WorkerProbesTotal.WithLabelValues("support").Inc()
		} else {
			delete(te.AvailableWorkers, workerID)
			te.NoAvailableWorkersReason = ans.reason
			metrics.WorkerProbesTotal.WithLabelValues("unsupported").Inc()
		}
	}

	return nil
}

// probe issues doYouSupportExpectation and, if positive, getCostForExpectation,
// deduplicating concurrent probes of the same (worker, expectation) pair via
// singleflight (spec.md §9 "defer-gets").
func (s *Selector) probe(ctx context.Context, exp types.Expectation, handle WorkerHandle) (cachedAnswer, error) {
	key := cacheKey(exp.ID, handle.Agent.ID)

	if ans, ok := s.positive.Get(key); ok {
		return ans, nil
	}
	if ans, ok := s.negative.Get(key); ok {
		return ans, nil
	}

	result, err, _ := s.group.Do(key, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()

		supportResp, err := handle.Client.DoYouSupportExpectation(callCtx, exp)
		if err != nil {
			return nil, emerrors.NewTransport(handle.Agent.ID, err)
		}
		if !supportResp.Support {
			ans := cachedAnswer{support: false, reason: supportResp.Reason}
			s.negative.Add(key, ans)
			return ans, nil
		}

		costResp, err := handle.Client.GetCostForExpectation(callCtx, exp)
		if err != nil {
			return nil, emerrors.NewTransport(handle.Agent.ID, err)
		}

		ans := cachedAnswer{support: true, cost: costResp.Cost, reason: supportResp.Reason}
		s.positive.Add(key, ans)
		return ans, nil
	})
	if err != nil {
		return cachedAnswer{}, err
	}
	return result.(cachedAnswer), nil
}

// Invalidate drops every cached answer and availableWorkers/queriedWorkers
// entry for workerID across every tracked expectation it's given. Callers
// should invoke this when a worker is declared disconnected (spec.md §4.3
// fault handling: "removed from availableWorkers for all expectations").
func (s *Selector) Invalidate(workerID string, tracked []*types.TrackedExpectation) {
	for _, te := range tracked {
		delete(te.AvailableWorkers, workerID)
		delete(te.QueriedWorkers, workerID)
	}
}

// Package expectationstore holds the authoritative in-memory table of
// TrackedExpectations, keyed by Expectation id, and diffs it against
// incoming upstream sets. It is deliberately in-memory only: the core does
// not persist state durably (it is rebuilt from the upstream set plus fresh
// worker probes on every restart).
package expectationstore

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/packman/pkg/packagehash"
	"github.com/cuemby/packman/pkg/types"
)

// Store is the tracked-expectation table. All access is guarded by a single
// mutex; the evaluator owns mutation, other readers (metrics, publication)
// only read snapshots.
type Store struct {
	mu    sync.RWMutex
	byID  map[string]*types.TrackedExpectation
	clock func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		byID:  make(map[string]*types.TrackedExpectation),
		clock: time.Now,
	}
}

// Ingest replaces the tracked set with expSet. For each incoming
// Expectation: if its id is unknown, it is inserted in state NEW; if known
// and its content/version hash changed, it transitions to RESTARTED. Every
// previously known id absent from expSet transitions to REMOVED.
//
// Ingesting the same set twice produces no new transitions (idempotent
// ingest).
func (s *Store) Ingest(expSet []types.Expectation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	seen := make(map[string]struct{}, len(expSet))

	for _, exp := range expSet {
		hash, err := packagehash.Compute(struct {
			Content types.PackageContent
			Version types.PackageVersion
		}{exp.Content, exp.Version})
		if err != nil {
			return err
		}
		exp.ContentVersionHash = hash
		seen[exp.ID] = struct{}{}

		existing, ok := s.byID[exp.ID]
		if !ok {
			s.byID[exp.ID] = &types.TrackedExpectation{
				Exp:                 exp,
				State:               types.StateNew,
				LastEvaluationTime:  now,
				NextEvaluationTime:  now,
				AvailableWorkers:    make(map[string]struct{}),
				QueriedWorkers:      make(map[string]time.Time),
				Dirty:               true,
			}
			continue
		}

		if existing.Exp.ContentVersionHash != hash {
			existing.Exp = exp
			existing.State = types.StateRestarted
			existing.Dirty = true
			existing.NextEvaluationTime = now
			continue
		}

		// Unchanged definition: keep runtime state, refresh the declarative
		// fields in case non-hashed metadata (priority, triggers) changed.
		existing.Exp.Priority = exp.Priority
		existing.Exp.DependsOnFulfilled = exp.DependsOnFulfilled
		existing.Exp.TriggerByFulfilledIDs = exp.TriggerByFulfilledIDs
	}

	for id, te := range s.byID {
		if _, ok := seen[id]; !ok && te.State != types.StateRemoved {
			te.State = types.StateRemoved
			te.Dirty = true
			te.NextEvaluationTime = now
		}
	}

	return nil
}

// Get returns the tracked expectation for id, if present.
func (s *Store) Get(id string) (*types.TrackedExpectation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	te, ok := s.byID[id]
	return te, ok
}

// Iter returns every tracked expectation in unspecified order.
func (s *Store) Iter() []*types.TrackedExpectation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.TrackedExpectation, 0, len(s.byID))
	for _, te := range s.byID {
		out = append(out, te)
	}
	return out
}

// MarkDirty forces re-evaluation of id on the next tick.
func (s *Store) MarkDirty(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if te, ok := s.byID[id]; ok {
		te.Dirty = true
	}
}

// MarkDirtyTriggeredBy marks dirty every tracked expectation whose
// TriggerByFulfilledIDs or DependsOnFulfilled references fulfilledID, per
// the FULFILLED trigger fan-out rule.
func (s *Store) MarkDirtyTriggeredBy(fulfilledID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, te := range s.byID {
		if containsID(te.Exp.TriggerByFulfilledIDs, fulfilledID) || containsID(te.Exp.DependsOnFulfilled, fulfilledID) {
			te.Dirty = true
		}
	}
}

// TriggeredBy returns every tracked expectation whose TriggerByFulfilledIDs
// or DependsOnFulfilled references fulfilledID, for same-tick fan-out after
// a transition into FULFILLED.
func (s *Store) TriggeredBy(fulfilledID string) []*types.TrackedExpectation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.TrackedExpectation
	for _, te := range s.byID {
		if containsID(te.Exp.TriggerByFulfilledIDs, fulfilledID) || containsID(te.Exp.DependsOnFulfilled, fulfilledID) {
			out = append(out, te)
		}
	}
	return out
}

func containsID(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

// Delete removes id from the table entirely, used once a REMOVED
// expectation's teardown work has completed.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
}

// Snapshot returns a consistent evaluation order: primary by priority
// ascending, secondary by state-class (FULFILLED first), tertiary by id.
func (s *Store) Snapshot() []*types.TrackedExpectation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.TrackedExpectation, 0, len(s.byID))
	for _, te := range s.byID {
		out = append(out, te)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Exp.Priority != b.Exp.Priority {
			return a.Exp.Priority < b.Exp.Priority
		}
		rankA, rankB := types.StateClassRank(a.State), types.StateClassRank(b.State)
		if rankA != rankB {
			return rankA < rankB
		}
		return a.Exp.ID < b.Exp.ID
	})

	return out
}

// DueNow returns the subset of Snapshot() that is dirty or whose
// NextEvaluationTime has elapsed.
func (s *Store) DueNow() []*types.TrackedExpectation {
	now := s.clock()
	all := s.Snapshot()
	due := make([]*types.TrackedExpectation, 0, len(all))
	for _, te := range all {
		if te.Dirty || !te.NextEvaluationTime.After(now) {
			due = append(due, te)
		}
	}
	return due
}

// Len returns the number of tracked expectations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

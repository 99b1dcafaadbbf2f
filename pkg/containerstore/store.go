// Package containerstore holds the EM's table of TrackedPackageContainers:
// the containers an Expectation's accessors reference, plus bookkeeping for
// server-side duties like periodic cron cleanup.
package containerstore

import (
	"sync"
	"time"

	"github.com/cuemby/packman/pkg/types"
)

// Store is the tracked-container table, guarded by a single mutex.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*types.TrackedPackageContainer
}

// New creates an empty Store.
func New() *Store {
	return &Store{byID: make(map[string]*types.TrackedPackageContainer)}
}

// Upsert inserts or replaces the container record for c.ID, preserving any
// existing cron bookkeeping.
func (s *Store) Upsert(c *types.PackageContainer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[c.ID]; ok {
		existing.Container = c
		return
	}

	s.byID[c.ID] = &types.TrackedPackageContainer{
		Container:   c,
		Monitored:   true,
		LastCronRun: make(map[string]time.Time),
	}
}

// Get returns the tracked container for id, if present.
func (s *Store) Get(id string) (*types.TrackedPackageContainer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tc, ok := s.byID[id]
	return tc, ok
}

// Iter returns every tracked container in unspecified order.
func (s *Store) Iter() []*types.TrackedPackageContainer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.TrackedPackageContainer, 0, len(s.byID))
	for _, tc := range s.byID {
		out = append(out, tc)
	}
	return out
}

// DueForCron returns containers whose job named cronJob hasn't run within
// interval.
func (s *Store) DueForCron(cronJob string, interval time.Duration, now time.Time) []*types.TrackedPackageContainer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]*types.TrackedPackageContainer, 0)
	for _, tc := range s.byID {
		if !tc.Monitored {
			continue
		}
		last, ran := tc.LastCronRun[cronJob]
		if !ran || now.Sub(last) >= interval {
			due = append(due, tc)
		}
	}
	return due
}

// RecordCronRun marks cronJob as having run for containerID at t.
func (s *Store) RecordCronRun(containerID, cronJob string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tc, ok := s.byID[containerID]; ok {
		tc.LastCronRun[cronJob] = t
	}
}

// Delete removes a container record, e.g. once upstream stops referencing it.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
}

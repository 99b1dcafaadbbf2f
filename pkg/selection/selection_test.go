package selection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/packman/pkg/types"
)

// fakeFleet is a minimal Fleet backed by a plain map, enough to exercise
// the fast path and the no-worker slow-path fallback without a real
// workerrpc.Client or session.
type fakeFleet struct {
	handles map[string]WorkerHandle
}

func (f *fakeFleet) Connected() []WorkerHandle {
	out := make([]WorkerHandle, 0, len(f.handles))
	for _, h := range f.handles {
		out = append(out, h)
	}
	return out
}

func (f *fakeFleet) Get(id string) (WorkerHandle, bool) {
	h, ok := f.handles[id]
	return h, ok
}

func agentHandle(id string, cost float64, connected bool) WorkerHandle {
	return WorkerHandle{Agent: &types.WorkerAgent{ID: id, Cost: cost, Connected: connected}}
}

func trackedFor(id string, available ...string) *types.TrackedExpectation {
	te := &types.TrackedExpectation{
		Exp:              types.Expectation{ID: id},
		AvailableWorkers: make(map[string]struct{}),
		QueriedWorkers:   make(map[string]time.Time),
	}
	for _, w := range available {
		te.AvailableWorkers[w] = struct{}{}
	}
	return te
}

func TestSelectFastPathPicksLowestCost(t *testing.T) {
	fleet := &fakeFleet{handles: map[string]WorkerHandle{
		"w1": agentHandle("w1", 5.0, true),
		"w2": agentHandle("w2", 1.0, true),
		"w3": agentHandle("w3", 3.0, true),
	}}
	te := trackedFor("exp1", "w1", "w2", "w3")

	s := New(DefaultConfig())
	id, err := s.Select(context.Background(), te, fleet)
	require.NoError(t, err)
	assert.Equal(t, "w2", id)
}

func TestSelectFastPathTieBreaksByWorkerID(t *testing.T) {
	fleet := &fakeFleet{handles: map[string]WorkerHandle{
		"w2": agentHandle("w2", 1.0, true),
		"w1": agentHandle("w1", 1.0, true),
	}}
	te := trackedFor("exp1", "w1", "w2")

	s := New(DefaultConfig())
	id, err := s.Select(context.Background(), te, fleet)
	require.NoError(t, err)
	assert.Equal(t, "w1", id)
}

func TestSelectSkipsDisconnectedAndBusyWorkers(t *testing.T) {
	disconnected := agentHandle("w1", 0.0, false)
	busy := agentHandle("w2", 0.0, true)
	busy.Agent.ConcurrencyLimit = 1
	busy.Agent.CurrentAssignments = map[string]struct{}{"other-exp": {}}

	fleet := &fakeFleet{handles: map[string]WorkerHandle{
		"w1": disconnected,
		"w2": busy,
	}}
	te := trackedFor("exp1", "w1", "w2")

	s := New(DefaultConfig())
	_, err := s.Select(context.Background(), te, fleet)
	assert.Error(t, err)
	var noWorker *NoWorkerError
	assert.ErrorAs(t, err, &noWorker)
}

func TestSelectReturnsNoWorkerErrorWhenFleetEmpty(t *testing.T) {
	fleet := &fakeFleet{handles: map[string]WorkerHandle{}}
	te := trackedFor("exp1")

	s := New(DefaultConfig())
	_, err := s.Select(context.Background(), te, fleet)
	require.Error(t, err)

	var noWorker *NoWorkerError
	require.ErrorAs(t, err, &noWorker)
	assert.Equal(t, "exp1", noWorker.ExpectationID)
}

func TestInvalidateDropsWorkerFromAllTracked(t *testing.T) {
	te1 := trackedFor("exp1", "w1", "w2")
	te2 := trackedFor("exp2", "w1")
	te1.QueriedWorkers["w1"] = time.Now()
	te2.QueriedWorkers["w1"] = time.Now()

	s := New(DefaultConfig())
	s.Invalidate("w1", []*types.TrackedExpectation{te1, te2})

	_, ok := te1.AvailableWorkers["w1"]
	assert.False(t, ok)
	_, ok = te1.AvailableWorkers["w2"]
	assert.True(t, ok, "only the invalidated worker is dropped")
	_, ok = te1.QueriedWorkers["w1"]
	assert.False(t, ok)

	_, ok = te2.AvailableWorkers["w1"]
	assert.False(t, ok)
}

package evaluator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/packman/pkg/containerstore"
	"github.com/cuemby/packman/pkg/events"
	"github.com/cuemby/packman/pkg/expectationstore"
	"github.com/cuemby/packman/pkg/publish"
	"github.com/cuemby/packman/pkg/types"
)

type discardSink struct{}

func (discardSink) Publish(ctx context.Context, updates []types.StatusUpdate) error { return nil }

func newTestEvaluator() (*Evaluator, *expectationstore.Store) {
	store := expectationstore.New()
	containers := containerstore.New()
	workers := NewWorkerSet()
	publisher := publish.New(publish.DefaultConfig(), discardSink{})
	broker := events.NewBroker()

	return New(DefaultConfig(), store, containers, workers, publisher, broker), store
}

func TestEvaluateNewWithNoConnectedWorkerStaysNew(t *testing.T) {
	eval, store := newTestEvaluator()
	require.NoError(t, store.Ingest([]types.Expectation{{ID: "exp1"}}))
	te, _ := store.Get("exp1")

	eval.evaluateOne(context.Background(), te)

	assert.Equal(t, types.StateNew, te.State)
	assert.Contains(t, te.Reason.User, "No worker supports")
}

func TestEvaluateNewWithUnmetDependencyStaysNew(t *testing.T) {
	eval, store := newTestEvaluator()
	e := types.Expectation{ID: "dependent", DependsOnFulfilled: []string{"upstream"}}
	require.NoError(t, store.Ingest([]types.Expectation{e, {ID: "upstream"}}))
	te, _ := store.Get("dependent")

	eval.evaluateOne(context.Background(), te)

	assert.Equal(t, types.StateNew, te.State)
	assert.Contains(t, te.Reason.User, "Waiting for upstream")
}

func TestEvaluateNewProceedsOnceDependencyFulfilled(t *testing.T) {
	eval, store := newTestEvaluator()
	e := types.Expectation{ID: "dependent", DependsOnFulfilled: []string{"upstream"}}
	require.NoError(t, store.Ingest([]types.Expectation{e, {ID: "upstream"}}))

	upstream, _ := store.Get("upstream")
	upstream.State = types.StateFulfilled

	te, _ := store.Get("dependent")
	eval.evaluateOne(context.Background(), te)

	// No worker is connected, so it still can't move past NEW, but for a
	// reason distinct from the dependency gate.
	assert.Equal(t, types.StateNew, te.State)
	assert.NotContains(t, te.Reason.User, "Waiting for upstream")
}

func TestAbortSetsAbortedAndMarksDirty(t *testing.T) {
	eval, store := newTestEvaluator()
	require.NoError(t, store.Ingest([]types.Expectation{{ID: "exp1"}}))

	ok := eval.Abort("exp1")
	require.True(t, ok)

	te, _ := store.Get("exp1")
	assert.Equal(t, types.StateAborted, te.State)
	assert.True(t, te.Dirty)
}

func TestAbortOnUnknownIDReturnsFalse(t *testing.T) {
	eval, _ := newTestEvaluator()
	assert.False(t, eval.Abort("missing"))
}

func TestEvaluateAbortedWithNoAssignmentIsSafe(t *testing.T) {
	eval, store := newTestEvaluator()
	require.NoError(t, store.Ingest([]types.Expectation{{ID: "exp1"}}))
	te, _ := store.Get("exp1")
	te.State = types.StateAborted

	assert.NotPanics(t, func() {
		eval.evaluateOne(context.Background(), te)
	})
	assert.Equal(t, "Aborted", te.Reason.User)
}

func TestEvaluateRestartedResetsRuntimeState(t *testing.T) {
	eval, store := newTestEvaluator()
	require.NoError(t, store.Ingest([]types.Expectation{{ID: "exp1"}}))
	te, _ := store.Get("exp1")
	te.State = types.StateRestarted
	te.AvailableWorkers = map[string]struct{}{"w1": {}}
	te.Status = types.Status{ActualVersionHash: "stale"}

	eval.evaluateOne(context.Background(), te)

	assert.Equal(t, types.StateNew, te.State)
	assert.Nil(t, te.AvailableWorkers)
	assert.Equal(t, "", te.Status.ActualVersionHash)
}

func TestEvaluateRemovedWithNoKnownWorkerDeletesImmediately(t *testing.T) {
	eval, store := newTestEvaluator()
	require.NoError(t, store.Ingest([]types.Expectation{{ID: "exp1"}}))

	te, _ := store.Get("exp1")
	te.State = types.StateRemoved

	eval.evaluateOne(context.Background(), te)

	_, ok := store.Get("exp1")
	assert.False(t, ok, "a REMOVED expectation with no worker to ask should be deleted on this tick")
}

func TestHandleWorkerDisconnectClearsFleetAndCaches(t *testing.T) {
	eval, store := newTestEvaluator()
	eval.workers.Add(&types.WorkerAgent{ID: "w1"}, nil)

	require.NoError(t, store.Ingest([]types.Expectation{{ID: "exp1"}}))
	te, _ := store.Get("exp1")
	te.AvailableWorkers = map[string]struct{}{"w1": {}}

	eval.HandleWorkerDisconnect("w1")

	_, connected := eval.workers.Get("w1")
	assert.False(t, connected)

	_, stillAvailable := te.AvailableWorkers["w1"]
	assert.False(t, stillAvailable)
}

func TestTickDeletesDirtyRemovedExpectation(t *testing.T) {
	eval, store := newTestEvaluator()
	require.NoError(t, store.Ingest([]types.Expectation{{ID: "exp1"}}))

	te, _ := store.Get("exp1")
	te.State = types.StateRemoved
	te.Dirty = true

	eval.tick(context.Background())

	_, ok := store.Get("exp1")
	assert.False(t, ok)
}

func TestDecodeWorkEventProgress(t *testing.T) {
	ev, ok := decodeWorkEvent("progress", []byte(`{"progress":0.5}`))
	require.True(t, ok)
	assert.Equal(t, "progress", ev.kind)
	assert.Equal(t, 0.5, ev.progress)
}

func TestDecodeWorkEventDone(t *testing.T) {
	ev, ok := decodeWorkEvent("done", []byte(`{"actualVersionHash":"abc"}`))
	require.True(t, ok)
	assert.Equal(t, "done", ev.kind)
	assert.Equal(t, "abc", ev.hash)
}

func TestDecodeWorkEventError(t *testing.T) {
	ev, ok := decodeWorkEvent("error", []byte(`{"reason":"disk full"}`))
	require.True(t, ok)
	assert.Equal(t, "error", ev.kind)
	assert.Equal(t, "disk full", ev.reason)
}

func TestDecodeWorkEventUnknownEventIgnored(t *testing.T) {
	_, ok := decodeWorkEvent("something-else", []byte(`{}`))
	assert.False(t, ok)
}

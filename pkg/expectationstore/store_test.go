package expectationstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/packman/pkg/types"
)

func exp(id string, priority int) types.Expectation {
	return types.Expectation{
		ID:       id,
		Priority: priority,
		Type:     types.PackageTypeMediaFile,
		Content:  types.PackageContent{},
		Version:  types.PackageVersion{},
	}
}

func TestIngestInsertsUnknownAsNew(t *testing.T) {
	s := New()
	require.NoError(t, s.Ingest([]types.Expectation{exp("a", 0)}))

	te, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, types.StateNew, te.State)
	assert.True(t, te.Dirty)
	assert.NotEmpty(t, te.Exp.ContentVersionHash)
}

func TestIngestIsIdempotent(t *testing.T) {
	s := New()
	require.NoError(t, s.Ingest([]types.Expectation{exp("a", 0)}))

	te, _ := s.Get("a")
	te.State = types.StateFulfilled
	te.Dirty = false

	require.NoError(t, s.Ingest([]types.Expectation{exp("a", 0)}))

	te, _ = s.Get("a")
	assert.Equal(t, types.StateFulfilled, te.State, "re-ingesting an unchanged definition must not disturb runtime state")
	assert.False(t, te.Dirty)
}

func TestIngestChangedContentRestarts(t *testing.T) {
	s := New()
	e := exp("a", 0)
	require.NoError(t, s.Ingest([]types.Expectation{e}))

	te, _ := s.Get("a")
	te.State = types.StateFulfilled
	te.Dirty = false

	e.Content = types.PackageContent{MediaFile: &types.MediaFileContent{FilePath: "/changed/path.mov"}}
	require.NoError(t, s.Ingest([]types.Expectation{e}))

	te, _ = s.Get("a")
	assert.Equal(t, types.StateRestarted, te.State)
	assert.True(t, te.Dirty)
}

func TestIngestAbsentIDIsRemoved(t *testing.T) {
	s := New()
	require.NoError(t, s.Ingest([]types.Expectation{exp("a", 0), exp("b", 0)}))
	require.NoError(t, s.Ingest([]types.Expectation{exp("a", 0)}))

	te, ok := s.Get("b")
	require.True(t, ok, "removed expectations stay tracked until explicitly deleted")
	assert.Equal(t, types.StateRemoved, te.State)

	teA, _ := s.Get("a")
	assert.Equal(t, types.StateNew, teA.State)
}

func TestIngestDoesNotReRemoveAlreadyRemoved(t *testing.T) {
	s := New()
	require.NoError(t, s.Ingest([]types.Expectation{exp("a", 0)}))
	require.NoError(t, s.Ingest([]types.Expectation{}))

	te, _ := s.Get("a")
	te.Dirty = false

	require.NoError(t, s.Ingest([]types.Expectation{}))

	te, _ = s.Get("a")
	assert.False(t, te.Dirty, "an already-REMOVED expectation absent again should not be re-marked dirty")
}

func TestDeleteRemovesFromTable(t *testing.T) {
	s := New()
	require.NoError(t, s.Ingest([]types.Expectation{exp("a", 0)}))
	s.Delete("a")

	_, ok := s.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestSnapshotOrdersByPriorityThenStateThenID(t *testing.T) {
	s := New()
	require.NoError(t, s.Ingest([]types.Expectation{exp("z", 1), exp("a", 1), exp("b", 0)}))

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "b", snap[0].Exp.ID, "lower priority value sorts first")
	assert.Equal(t, "a", snap[1].Exp.ID)
	assert.Equal(t, "z", snap[2].Exp.ID)
}

func TestDueNowIncludesDirtyAndElapsed(t *testing.T) {
	s := New()
	require.NoError(t, s.Ingest([]types.Expectation{exp("a", 0)}))

	due := s.DueNow()
	require.Len(t, due, 1, "freshly ingested expectations are dirty")

	te, _ := s.Get("a")
	te.Dirty = false
	due = s.DueNow()
	assert.Len(t, due, 1, "NextEvaluationTime defaults to now, so it is also due")
}

func TestMarkDirtyTriggeredByFansOutOnTriggers(t *testing.T) {
	s := New()
	trigger := exp("fulfilled-one", 0)
	dependent := exp("waits-on-one", 0)
	dependent.TriggerByFulfilledIDs = []string{"fulfilled-one"}

	require.NoError(t, s.Ingest([]types.Expectation{trigger, dependent}))

	te, _ := s.Get("waits-on-one")
	te.Dirty = false

	s.MarkDirtyTriggeredBy("fulfilled-one")

	te, _ = s.Get("waits-on-one")
	assert.True(t, te.Dirty)
}

func TestTriggeredByReturnsDependents(t *testing.T) {
	s := New()
	dependent := exp("dependent", 0)
	dependent.DependsOnFulfilled = []string{"upstream"}
	unrelated := exp("unrelated", 0)

	require.NoError(t, s.Ingest([]types.Expectation{dependent, unrelated}))

	got := s.TriggeredBy("upstream")
	require.Len(t, got, 1)
	assert.Equal(t, "dependent", got[0].Exp.ID)
}

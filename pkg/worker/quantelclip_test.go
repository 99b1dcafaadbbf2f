package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/packman/pkg/types"
)

func quantelContainers() func() map[string]*types.PackageContainer {
	containers := map[string]*types.PackageContainer{
		"src-zone": {
			ID: "src-zone",
			Accessors: map[string]*types.Accessor{
				"src-acc": {ID: "src-acc", Type: types.AccessorQuantel, Quantel: &types.QuantelAccessor{ZoneID: "ZONE-A"}},
			},
		},
		"dst-zone": {
			ID: "dst-zone",
			Accessors: map[string]*types.Accessor{
				"dst-acc": {ID: "dst-acc", Type: types.AccessorQuantel, Quantel: &types.QuantelAccessor{ZoneID: "ZONE-B"}},
			},
		},
	}
	return func() map[string]*types.PackageContainer { return containers }
}

func quantelExpectation() types.Expectation {
	return types.Expectation{
		Type:             types.PackageTypeQuantelClip,
		Content:          types.PackageContent{Type: types.PackageTypeQuantelClip, QuantelClip: &types.QuantelClipContent{GUID: "guid-1"}},
		StartRequirement: []types.Requirement{{ContainerID: "src-zone", AccessorID: "src-acc"}},
		EndRequirement:   []types.Requirement{{ContainerID: "dst-zone", AccessorID: "dst-acc"}},
	}
}

func TestQuantelClipHandlerIsFulfilledFalseBeforeClone(t *testing.T) {
	h := NewQuantelClipHandler(quantelContainers())
	exp := quantelExpectation()

	fulfilled, reason, _ := h.IsFulfilled(context.Background(), exp, false)
	assert.False(t, fulfilled)
	assert.NotEmpty(t, reason)
}

func TestQuantelClipHandlerWorkOnRecordsCloneAndFulfills(t *testing.T) {
	h := NewQuantelClipHandler(quantelContainers())
	exp := quantelExpectation()

	var ticks int
	hash, err := h.WorkOn(context.Background(), exp, nil, func(float64) { ticks++ })
	require.NoError(t, err)
	assert.Equal(t, 5, ticks)
	assert.NotEmpty(t, hash)

	exp.ContentVersionHash = hash
	fulfilled, _, actualHash := h.IsFulfilled(context.Background(), exp, false)
	assert.True(t, fulfilled)
	assert.Equal(t, hash, actualHash)
}

func TestQuantelClipHandlerWorkOnCancelledByContext(t *testing.T) {
	h := NewQuantelClipHandler(quantelContainers())
	exp := quantelExpectation()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.WorkOn(ctx, exp, nil, func(float64) {})
	assert.Error(t, err)
}

func TestQuantelClipHandlerRemoveDropsClone(t *testing.T) {
	h := NewQuantelClipHandler(quantelContainers())
	exp := quantelExpectation()

	_, err := h.WorkOn(context.Background(), exp, nil, func(float64) {})
	require.NoError(t, err)

	removed, _ := h.Remove(context.Background(), exp)
	assert.True(t, removed)

	fulfilled, _, _ := h.IsFulfilled(context.Background(), exp, false)
	assert.False(t, fulfilled, "removing the clone should make it unfulfilled again")
}

func TestQuantelClipHandlerSupportsRejectsNonQuantelAccessor(t *testing.T) {
	h := NewQuantelClipHandler(func() map[string]*types.PackageContainer {
		return map[string]*types.PackageContainer{
			"src-zone": {ID: "src-zone", Accessors: map[string]*types.Accessor{
				"src-acc": {ID: "src-acc", Type: types.AccessorLocalFolder, LocalFolder: &types.LocalFolderAccessor{FolderPath: "/tmp"}},
			}},
		}
	})
	exp := quantelExpectation()

	support, reason := h.Supports(exp)
	assert.False(t, support, reason)
}

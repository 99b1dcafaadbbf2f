package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/packman/pkg/types"
)

func jsonDataContainers(srcDir, dstDir string) func() map[string]*types.PackageContainer {
	containers := map[string]*types.PackageContainer{
		"src": {
			ID: "src",
			Accessors: map[string]*types.Accessor{
				"src-acc": {ID: "src-acc", Type: types.AccessorLocalFolder, LocalFolder: &types.LocalFolderAccessor{FolderPath: srcDir}},
			},
		},
		"dst": {
			ID: "dst",
			Accessors: map[string]*types.Accessor{
				"dst-acc": {ID: "dst-acc", Type: types.AccessorLocalFolder, LocalFolder: &types.LocalFolderAccessor{FolderPath: dstDir}},
			},
		},
	}
	return func() map[string]*types.PackageContainer { return containers }
}

func jsonDataExpectation(name string) types.Expectation {
	return types.Expectation{
		Type:             types.PackageTypeJSONData,
		Content:          types.PackageContent{Type: types.PackageTypeJSONData, JSONData: &types.JSONDataContent{Path: name}},
		StartRequirement: []types.Requirement{{ContainerID: "src", AccessorID: "src-acc"}},
		EndRequirement:   []types.Requirement{{ContainerID: "dst", AccessorID: "dst-acc"}},
	}
}

func TestJSONDataHandlerWorkOnWritesTargetAndReportsProgress(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	h := NewJSONDataHandler(jsonDataContainers(srcDir, dstDir))
	exp := jsonDataExpectation("rundown.json")
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "rundown.json"), []byte(`{"a":1}`), 0o644))

	var progresses []float64
	hash, err := h.WorkOn(context.Background(), exp, nil, func(p float64) { progresses = append(progresses, p) })
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.Equal(t, []float64{0.5, 1.0}, progresses)

	copied, err := os.ReadFile(filepath.Join(dstDir, "rundown.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(copied))
}

func TestJSONDataHandlerIsFulfilledAfterWorkOn(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	h := NewJSONDataHandler(jsonDataContainers(srcDir, dstDir))
	exp := jsonDataExpectation("rundown.json")
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "rundown.json"), []byte(`{"a":1}`), 0o644))

	hash, err := h.WorkOn(context.Background(), exp, nil, func(float64) {})
	require.NoError(t, err)

	exp.ContentVersionHash = hash
	fulfilled, _, _ := h.IsFulfilled(context.Background(), exp, false)
	assert.True(t, fulfilled)
}

func TestJSONDataHandlerIsFulfilledFalseWhenTargetMissing(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	h := NewJSONDataHandler(jsonDataContainers(srcDir, dstDir))
	exp := jsonDataExpectation("rundown.json")

	fulfilled, reason, _ := h.IsFulfilled(context.Background(), exp, false)
	assert.False(t, fulfilled)
	assert.NotEmpty(t, reason)
}

func TestJSONDataHandlerSupportsRejectsNonLocalAccessor(t *testing.T) {
	h := NewJSONDataHandler(func() map[string]*types.PackageContainer {
		return map[string]*types.PackageContainer{
			"src": {ID: "src", Accessors: map[string]*types.Accessor{
				"src-acc": {ID: "src-acc", Type: types.AccessorHTTP, HTTP: &types.HTTPAccessor{BaseURL: "http://x"}},
			}},
		}
	})
	exp := jsonDataExpectation("rundown.json")

	support, reason := h.Supports(exp)
	assert.False(t, support, reason)
}

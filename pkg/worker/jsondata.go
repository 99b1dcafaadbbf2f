package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/packman/pkg/packagehash"
	"github.com/cuemby/packman/pkg/types"
)

// JSONDataHandler handles PackageTypeJSONData Expectations whose source and
// target are both local-folder accessors, treating the Package as an opaque
// byte blob (no JSON schema validation; "json_data" names the content's
// shape for upstream consumers, not a constraint this handler enforces).
type JSONDataHandler struct {
	containers func() map[string]*types.PackageContainer
}

func NewJSONDataHandler(containers func() map[string]*types.PackageContainer) *JSONDataHandler {
	return &JSONDataHandler{containers: containers}
}

func (h *JSONDataHandler) resolvePaths(exp types.Expectation) (srcPath, dstPath string, ok bool, reason string) {
	start, ok := firstRequirement(exp.StartRequirement)
	if !ok {
		return "", "", false, "expectation has no startRequirement"
	}
	end, ok := firstRequirement(exp.EndRequirement)
	if !ok {
		return "", "", false, "expectation has no endRequirement"
	}

	containers := h.containers()
	srcAccessor, ok := accessorByID(exp, containers, start)
	if !ok || srcAccessor.Type != types.AccessorLocalFolder || srcAccessor.LocalFolder == nil {
		return "", "", false, "source accessor is not a local folder"
	}
	dstAccessor, ok := accessorByID(exp, containers, end)
	if !ok || dstAccessor.Type != types.AccessorLocalFolder || dstAccessor.LocalFolder == nil {
		return "", "", false, "target accessor is not a local folder"
	}
	if exp.Content.JSONData == nil {
		return "", "", false, "expectation has no json data content"
	}

	name := exp.Content.JSONData.Path
	return srcAccessor.LocalFolder.FolderPath + "/" + name, dstAccessor.LocalFolder.FolderPath + "/" + name, true, ""
}

func (h *JSONDataHandler) Supports(exp types.Expectation) (bool, string) {
	if exp.Type != types.PackageTypeJSONData {
		return false, "not a json data expectation"
	}
	_, _, ok, reason := h.resolvePaths(exp)
	return ok, reason
}

func (h *JSONDataHandler) Cost(exp types.Expectation) (float64, string) {
	_, _, ok, reason := h.resolvePaths(exp)
	if !ok {
		return 0, reason
	}
	return 0.5, ""
}

func (h *JSONDataHandler) IsReadyToStart(ctx context.Context, exp types.Expectation) (bool, bool, *bool, string) {
	srcPath, _, ok, reason := h.resolvePaths(exp)
	if !ok {
		return false, false, nil, reason
	}
	info, err := os.Stat(srcPath)
	exists := err == nil && !info.IsDir()
	if !exists {
		return false, false, &exists, "source file does not exist"
	}
	return true, false, &exists, ""
}

func (h *JSONDataHandler) IsFulfilled(ctx context.Context, exp types.Expectation, wasFulfilled bool) (bool, string, string) {
	_, dstPath, ok, reason := h.resolvePaths(exp)
	if !ok {
		return false, reason, ""
	}

	data, err := os.ReadFile(dstPath)
	if err != nil {
		return false, "target file does not exist", ""
	}

	hash, herr := jsonDataContentVersionHash(exp.Content, checksumOf(data), modTimeOf(dstPath))
	if herr != nil {
		return false, herr.Error(), ""
	}
	return hash == exp.ContentVersionHash, "", hash
}

func (h *JSONDataHandler) WorkOn(ctx context.Context, exp types.Expectation, opts map[string]string, report ProgressFunc) (string, error) {
	srcPath, dstPath, ok, reason := h.resolvePaths(exp)
	if !ok {
		return "", fmt.Errorf("jsondata: %s", reason)
	}

	data, err := os.ReadFile(srcPath)
	if err != nil {
		return "", fmt.Errorf("jsondata: read source: %w", err)
	}
	report(0.5)

	if err := os.WriteFile(dstPath, data, 0o644); err != nil {
		return "", fmt.Errorf("jsondata: write target: %w", err)
	}
	report(1.0)

	return jsonDataContentVersionHash(exp.Content, checksumOf(data), modTimeOf(dstPath))
}

func (h *JSONDataHandler) Remove(ctx context.Context, exp types.Expectation) (bool, string) {
	_, dstPath, ok, reason := h.resolvePaths(exp)
	if !ok {
		return false, reason
	}
	if err := os.Remove(dstPath); err != nil && !os.IsNotExist(err) {
		return false, err.Error()
	}
	return true, ""
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func modTimeOf(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime().Truncate(time.Second)
}

func jsonDataContentVersionHash(content types.PackageContent, checksum string, modTime time.Time) (string, error) {
	return packagehash.Compute(struct {
		Content types.PackageContent
		Version types.PackageVersion
	}{
		Content: content,
		Version: types.PackageVersion{
			Type: types.PackageTypeJSONData,
			JSONData: &types.JSONDataVersion{
				ModifiedTime: modTime,
				Checksum:     checksum,
			},
		},
	})
}

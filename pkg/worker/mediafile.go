package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/packman/pkg/packagehash"
	"github.com/cuemby/packman/pkg/types"
)

// MediaFileHandler handles PackageTypeMediaFile Expectations whose source
// and target are both reachable through a local-folder accessor. File-share
// and HTTP variants are recognized by Supports but declined with a reason,
// since a credentialed SMB/HTTP client isn't part of this repo's dependency
// set (see DESIGN.md).
type MediaFileHandler struct {
	containers func() map[string]*types.PackageContainer
}

// NewMediaFileHandler creates a handler that resolves accessors through
// containers, a live view of the Worker's known container inventory.
func NewMediaFileHandler(containers func() map[string]*types.PackageContainer) *MediaFileHandler {
	return &MediaFileHandler{containers: containers}
}

func (h *MediaFileHandler) resolvePaths(exp types.Expectation) (srcPath, dstPath string, ok bool, reason string) {
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

	if exp.Content.MediaFile == nil {
		return "", "", false, "expectation has no media file content"
	}

	name := exp.Content.MediaFile.FilePath
	return srcAccessor.LocalFolder.FolderPath + "/" + name, dstAccessor.LocalFolder.FolderPath + "/" + name, true, ""
}

// Supports reports true only when both sides resolve to local folders; file
// share and HTTP accessors are acknowledged but declined.
func (h *MediaFileHandler) Supports(exp types.Expectation) (bool, string) {
	if exp.Type != types.PackageTypeMediaFile {
		return false, "not a media file expectation"
	}
	_, _, ok, reason := h.resolvePaths(exp)
	return ok, reason
}

// Cost is a small constant plus a size-based penalty for larger files, so
// selection prefers workers already holding a cheap local copy over ones
// that would need a larger transfer (a locality proxy, since this handler
// doesn't track per-worker cache state).
func (h *MediaFileHandler) Cost(exp types.Expectation) (float64, string) {
	srcPath, _, ok, reason := h.resolvePaths(exp)
	if !ok {
		return 0, reason
	}
	cost := 1.0
	if info, err := os.Stat(srcPath); err == nil {
		cost += float64(info.Size()) / (1 << 30) // +1 per GiB
	}
	return cost, ""
}

func (h *MediaFileHandler) IsReadyToStart(ctx context.Context, exp types.Expectation) (bool, bool, *bool, string) {
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

func (h *MediaFileHandler) IsFulfilled(ctx context.Context, exp types.Expectation, wasFulfilled bool) (bool, string, string) {
	_, dstPath, ok, reason := h.resolvePaths(exp)
	if !ok {
		return false, reason, ""
	}

	info, err := os.Stat(dstPath)
	if err != nil {
		return false, "target file does not exist", ""
	}

	hash, herr := mediaFileContentVersionHash(exp.Content, dstPath, info)
	if herr != nil {
		return false, herr.Error(), ""
	}
	return hash == exp.ContentVersionHash, "", hash
}

// WorkOn copies srcPath to dstPath, reporting progress by bytes copied.
func (h *MediaFileHandler) WorkOn(ctx context.Context, exp types.Expectation, opts map[string]string, report ProgressFunc) (string, error) {
	srcPath, dstPath, ok, reason := h.resolvePaths(exp)
	if !ok {
		return "", fmt.Errorf("mediafile: %s", reason)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("mediafile: open source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("mediafile: stat source: %w", err)
	}

	dst, err := os.Create(dstPath)
	if err != nil {
		return "", fmt.Errorf("mediafile: create target: %w", err)
	}
	defer dst.Close()

	var written int64
	buf := make([]byte, 1<<20)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return "", fmt.Errorf("mediafile: write target: %w", werr)
			}
			written += int64(n)
			if info.Size() > 0 {
				report(float64(written) / float64(info.Size()))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", fmt.Errorf("mediafile: read source: %w", rerr)
		}
	}

	// Preserve the source's modtime on the copy. mediaFileContentVersionHash
	// folds in dstInfo.ModTime(), and so does the declared
	// ContentVersionHash via exp.Version.MediaFile.ModifiedTime. Without
	// this the copy's mtime would always be copy-time rather than the
	// declared-version mtime, and IsFulfilled could never return true.
	if err := os.Chtimes(dstPath, info.ModTime(), info.ModTime()); err != nil {
		return "", fmt.Errorf("mediafile: preserve modtime: %w", err)
	}

	dstInfo, err := os.Stat(dstPath)
	if err != nil {
		return "", fmt.Errorf("mediafile: stat target: %w", err)
	}
	return mediaFileContentVersionHash(exp.Content, dstPath, dstInfo)
}

func (h *MediaFileHandler) Remove(ctx context.Context, exp types.Expectation) (bool, string) {
	_, dstPath, ok, reason := h.resolvePaths(exp)
	if !ok {
		return false, reason
	}
	if err := os.Remove(dstPath); err != nil && !os.IsNotExist(err) {
		return false, err.Error()
	}
	return true, ""
}

// mediaFileContentVersionHash hashes {content, observed version} in the same
// shape expectationstore.Store.Ingest hashes {content, declared version}, so
// an observed file matching the declared version hashes identically to
// exp.ContentVersionHash.
func mediaFileContentVersionHash(content types.PackageContent, path string, info os.FileInfo) (string, error) {
	return packagehash.Compute(struct {
		Content types.PackageContent
		Version types.PackageVersion
	}{
		Content: content,
		Version: types.PackageVersion{
			Type: types.PackageTypeMediaFile,
			MediaFile: &types.MediaFileVersion{
				Size:         info.Size(),
				ModifiedTime: info.ModTime().Truncate(time.Second),
			},
		},
	})
}

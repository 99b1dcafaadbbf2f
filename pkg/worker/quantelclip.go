package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/packman/pkg/packagehash"
	"github.com/cuemby/packman/pkg/types"
)

// QuantelClipHandler handles PackageTypeQuantelClip Expectations against a
// Quantel video-server zone accessor. No Quantel gateway client exists in
// this repo's dependency set, so cloning is simulated: a clip is "cloned"
// into an in-memory registry keyed by zone and GUID, with a short delay standing in
// for the gateway round trip (see DESIGN.md).
type QuantelClipHandler struct {
	containers func() map[string]*types.PackageContainer

	mu     sync.Mutex
	clones map[string]types.QuantelClipVersion // keyed by destination zone + GUID
}

func NewQuantelClipHandler(containers func() map[string]*types.PackageContainer) *QuantelClipHandler {
	return &QuantelClipHandler{
		containers: containers,
		clones:     make(map[string]types.QuantelClipVersion),
	}
}

func (h *QuantelClipHandler) resolve(exp types.Expectation) (srcZone, dstZone *types.QuantelAccessor, ok bool, reason string) {
	start, ok := firstRequirement(exp.StartRequirement)
	if !ok {
		return nil, nil, false, "expectation has no startRequirement"
	}
	end, ok := firstRequirement(exp.EndRequirement)
	if !ok {
		return nil, nil, false, "expectation has no endRequirement"
	}

	containers := h.containers()
	srcAccessor, ok := accessorByID(exp, containers, start)
	if !ok || srcAccessor.Type != types.AccessorQuantel || srcAccessor.Quantel == nil {
		return nil, nil, false, "source accessor is not a quantel zone"
	}
	dstAccessor, ok := accessorByID(exp, containers, end)
	if !ok || dstAccessor.Type != types.AccessorQuantel || dstAccessor.Quantel == nil {
		return nil, nil, false, "target accessor is not a quantel zone"
	}
	if exp.Content.QuantelClip == nil {
		return nil, nil, false, "expectation has no quantel clip content"
	}
	return srcAccessor.Quantel, dstAccessor.Quantel, true, ""
}

func (h *QuantelClipHandler) cloneKey(dstZone *types.QuantelAccessor, exp types.Expectation) string {
	return dstZone.ZoneID + "/" + exp.Content.QuantelClip.GUID
}

func (h *QuantelClipHandler) Supports(exp types.Expectation) (bool, string) {
	if exp.Type != types.PackageTypeQuantelClip {
		return false, "not a quantel clip expectation"
	}
	_, _, ok, reason := h.resolve(exp)
	return ok, reason
}

// Cost is a small flat cost; clip cloning cost doesn't vary with clip length
// in this simulation.
func (h *QuantelClipHandler) Cost(exp types.Expectation) (float64, string) {
	_, _, ok, reason := h.resolve(exp)
	if !ok {
		return 0, reason
	}
	return 1.0, ""
}

func (h *QuantelClipHandler) IsReadyToStart(ctx context.Context, exp types.Expectation) (bool, bool, *bool, string) {
	_, _, ok, reason := h.resolve(exp)
	if !ok {
		return false, false, nil, reason
	}
	exists := true
	return true, false, &exists, ""
}

func (h *QuantelClipHandler) IsFulfilled(ctx context.Context, exp types.Expectation, wasFulfilled bool) (bool, string, string) {
	_, dstZone, ok, reason := h.resolve(exp)
	if !ok {
		return false, reason, ""
	}

	h.mu.Lock()
	version, cloned := h.clones[h.cloneKey(dstZone, exp)]
	h.mu.Unlock()
	if !cloned {
		return false, "clip has not been cloned into the target zone", ""
	}

	hash, err := quantelClipContentVersionHash(exp.Content, version)
	if err != nil {
		return false, err.Error(), ""
	}
	return hash == exp.ContentVersionHash, "", hash
}

// WorkOn simulates a Quantel clone: a few progress ticks, then a recorded
// clone entry keyed by destination zone and GUID.
func (h *QuantelClipHandler) WorkOn(ctx context.Context, exp types.Expectation, opts map[string]string, report ProgressFunc) (string, error) {
	_, dstZone, ok, reason := h.resolve(exp)
	if !ok {
		return "", fmt.Errorf("quantelclip: %s", reason)
	}

	const steps = 5
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		report(float64(i) / float64(steps))
	}

	version := types.QuantelClipVersion{
		Created: time.Now().Truncate(time.Second),
		CloneID: dstZone.ZoneID + "-" + exp.Content.QuantelClip.GUID,
	}

	h.mu.Lock()
	h.clones[h.cloneKey(dstZone, exp)] = version
	h.mu.Unlock()

	return quantelClipContentVersionHash(exp.Content, version)
}

func (h *QuantelClipHandler) Remove(ctx context.Context, exp types.Expectation) (bool, string) {
	_, dstZone, ok, reason := h.resolve(exp)
	if !ok {
		return false, reason
	}
	h.mu.Lock()
	delete(h.clones, h.cloneKey(dstZone, exp))
	h.mu.Unlock()
	return true, ""
}

func quantelClipContentVersionHash(content types.PackageContent, version types.QuantelClipVersion) (string, error) {
	return packagehash.Compute(struct {
		Content types.PackageContent
		Version types.PackageVersion
	}{
		Content: content,
		Version: types.PackageVersion{
			Type:        types.PackageTypeQuantelClip,
			QuantelClip: &version,
		},
	})
}

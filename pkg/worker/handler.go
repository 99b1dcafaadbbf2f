// Package worker implements the Worker side of the contract spec.md §6
// defines (EM → Worker RPC): a stateless executor exposing capability
// probes and a job API over a pkg/session connection, grounded on the
// teacher's pkg/worker.Worker (heartbeat loop, executor loop,
// containers map bookkeeping), generalized from "one task = one
// container" to "one assignment = one package-handler invocation".
package worker

import (
	"context"

	"github.com/cuemby/packman/pkg/types"
)

// ProgressFunc reports fractional progress (0.0-1.0) while WorkOn runs.
type ProgressFunc func(progress float64)

// PackageHandler implements the Worker contract's logic for one
// types.PackageType. One handler instance is registered per type;
// Worker dispatches to the handler matching an Expectation's type.
type PackageHandler interface {
	// Supports reports whether this handler can service exp's accessors at
	// all (spec.md §6 doYouSupportExpectation).
	Supports(exp types.Expectation) (support bool, reason string)

	// Cost quotes a cost scalar for exp, factoring locality/load (spec.md §6
	// getCostForExpectation).
	Cost(exp types.Expectation) (cost float64, reason string)

	// IsReadyToStart reports whether sources exist and are reachable right
	// now (spec.md §6 isExpectationReadyToStartWorkingOn).
	IsReadyToStart(ctx context.Context, exp types.Expectation) (ready bool, isWaitingForAnother bool, sourceExists *bool, reason string)

	// IsFulfilled verifies whether exp's target already matches its
	// declared version (spec.md §6 isExpectationFullfilled).
	IsFulfilled(ctx context.Context, exp types.Expectation, wasFulfilled bool) (fulfilled bool, reason string, actualVersionHash string)

	// WorkOn performs the work, reporting progress via report and
	// returning the resulting version hash on success (spec.md §6
	// workOnExpectation).
	WorkOn(ctx context.Context, exp types.Expectation, opts map[string]string, report ProgressFunc) (actualVersionHash string, err error)

	// Remove cleans up anything this handler wrote for exp (spec.md §6
	// removeExpectation).
	Remove(ctx context.Context, exp types.Expectation) (removed bool, reason string)
}

// accessorByID resolves the accessor named by req in the container req
// references; only that one requirement is looked up.
func accessorByID(exp types.Expectation, containers map[string]*types.PackageContainer, req types.Requirement) (*types.Accessor, bool) {
	c, ok := containers[req.ContainerID]
	if !ok || c.Accessors == nil {
		return nil, false
	}
	a, ok := c.Accessors[req.AccessorID]
	return a, ok
}

func firstRequirement(reqs []types.Requirement) (types.Requirement, bool) {
	if len(reqs) == 0 {
		return types.Requirement{}, false
	}
	return reqs[0], true
}

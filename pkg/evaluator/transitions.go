package evaluator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/packman/pkg/emerrors"
	"github.com/cuemby/packman/pkg/selection"
	"github.com/cuemby/packman/pkg/types"
	"github.com/cuemby/packman/pkg/workerrpc"
)

// workEvent kinds, decoded from the worker's stream frames (spec.md §6
// "streams progress, done(hash), error(reason) events back").
func decodeWorkEvent(event string, payload json.RawMessage) (workEvent, bool) {
	switch event {
	case workerrpc.StreamEventProgress:
		var frame workerrpc.ProgressFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return workEvent{}, false
		}
		return workEvent{kind: "progress", progress: frame.Progress}, true
	case workerrpc.StreamEventDone:
		var frame workerrpc.DoneFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return workEvent{}, false
		}
		return workEvent{kind: "done", hash: frame.ActualVersionHash}, true
	case workerrpc.StreamEventError:
		var frame workerrpc.ErrorFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return workEvent{}, false
		}
		return workEvent{kind: "error", reason: frame.Reason}, true
	default:
		return workEvent{}, false
	}
}

// evaluateNew implements the three NEW rules (spec.md §4.2 table, rows 1-3):
// dependencies first, then a capability probe of the connected fleet.
func (e *Evaluator) evaluateNew(ctx context.Context, te *types.TrackedExpectation) error {
	for _, depID := range te.Exp.DependsOnFulfilled {
		dep, ok := e.store.Get(depID)
		if !ok || dep.State != types.StateFulfilled {
			te.Reason = types.Reason{User: "Waiting for " + depID}
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Selection.CallTimeout)
	defer cancel()

	supported, err := e.selector.ProbeSupport(ctx, te, e.workers)
	if err != nil {
		return err
	}
	if !supported {
		te.Reason = types.Reason{User: "No worker supports this Expectation", Tech: te.NoAvailableWorkersReason}
		return nil
	}

	te.State = types.StateWaiting
	te.Reason = types.Reason{User: "Waiting for a worker to accept this Expectation"}
	return nil
}

// evaluateWaiting implements the WAITING rows: select a worker, ask it
// whether the expectation is already fulfilled, then whether it is ready
// to start. spec.md §4.2 rows 4-8.
func (e *Evaluator) evaluateWaiting(ctx context.Context, te *types.TrackedExpectation) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	workerID, err := e.selector.Select(callCtx, te, e.workers)
	if err != nil {
		var noWorker *selection.NoWorkerError
		if isNoWorkerError(err, &noWorker) {
			te.Reason = types.Reason{User: "Waiting for an available worker", Tech: noWorker.Reason}
			return nil
		}
		return err
	}

	handle, ok := e.workers.Get(workerID)
	if !ok {
		// Disappeared between selection and use; try again next tick.
		return nil
	}

	fulfilledResp, err := handle.Client.IsExpectationFullfilled(callCtx, te.Exp, te.LastFulfillingWorker != "")
	if err != nil {
		return emerrors.NewTransport(workerID, err)
	}
	if fulfilledResp.Fulfilled {
		te.State = types.StateFulfilled
		te.Status.ActualVersionHash = fulfilledResp.ActualVersionHash
		te.LastFulfillingWorker = workerID
		te.Session.TriggerOtherExpectationsAgain = true
		te.Reason = types.Reason{User: "Fulfilled"}
		return nil
	}

	readyResp, err := handle.Client.IsExpectationReadyToStartWorkingOn(callCtx, te.Exp)
	if err != nil {
		return emerrors.NewTransport(workerID, err)
	}

	te.Status.SourceExists = readyResp.SourceExists

	switch {
	case readyResp.Ready:
		te.State = types.StateReady
		te.Session.AssignedWorker = workerID
		e.setAssignment(te.Exp.ID, workerID)
		te.Reason = types.Reason{User: "Ready to start work"}
	case readyResp.IsWaitingForAnother:
		te.Reason = types.Reason{User: "Waiting on another expectation", Tech: readyResp.Reason}
	default:
		te.State = types.StateNew
		te.Reason = types.Reason{User: "Not ready", Tech: readyResp.Reason}
	}
	return nil
}

// evaluateReady implements the READY rows: hand the job to the
// previously-selected worker. spec.md §4.2 rows 9-10.
func (e *Evaluator) evaluateReady(ctx context.Context, te *types.TrackedExpectation) error {
	a, ok := e.getAssignment(te.Exp.ID)
	if !ok {
		// Lost the assignment (e.g. after a process restart); re-select.
		te.State = types.StateWaiting
		return nil
	}
	workerID := a.workerID

	handle, connected := e.workers.Get(workerID)
	if !connected {
		e.clearAssignment(te.Exp.ID)
		te.State = types.StateNew
		te.Reason = types.Reason{User: "Assigned worker is no longer connected"}
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	resp, err := handle.Client.WorkOnExpectation(callCtx, te.Exp, te.Exp.WorkOptions)
	if err != nil {
		return emerrors.NewTransport(workerID, err)
	}
	if !resp.Accepted {
		e.clearAssignment(te.Exp.ID)
		te.State = types.StateNew
		te.Reason = types.Reason{User: "Worker declined to start work", Tech: resp.Reason}
		return nil
	}

	a.workInProgressID = resp.WorkInProgressID
	handle.Client.OnStream(resp.WorkInProgressID, e.streamHandler(te.Exp.ID))
	e.workers.AssignExpectation(workerID, te.Exp.ID)

	te.State = types.StateWorking
	te.Session.AssignedWorker = workerID
	te.Reason = types.Reason{User: "Working"}
	te.LastEvaluationTime = time.Now()
	return nil
}

// evaluateWorking drains the streamed progress/done/error frames pushed by
// the assigned worker, and detects a heartbeat gap (no frame of any kind
// within HeartbeatGap) as a disconnect. spec.md §4.2 rows 11-13.
func (e *Evaluator) evaluateWorking(ctx context.Context, te *types.TrackedExpectation) error {
	workerID := te.Session.AssignedWorker
	a, ok := e.getAssignment(te.Exp.ID)
	if !ok {
		// No side-table entry survives a restart; re-enter through NEW.
		te.State = types.StateNew
		te.Reason = types.Reason{User: "Lost track of assigned work, restarting"}
		return nil
	}
	if workerID == "" {
		workerID = a.workerID
	}

	_, connected := e.workers.Get(workerID)
	if !connected {
		e.finishAssignment(te, workerID)
		te.State = types.StateNew
		te.Reason = types.Reason{User: "Assigned worker disconnected"}
		return nil
	}

	drained := false
drain:
	for {
		select {
		case ev := <-a.events:
			drained = true
			switch ev.kind {
			case "progress":
				progress := ev.progress
				te.Status.WorkProgress = &progress
			case "done":
				e.finishAssignment(te, workerID)
				te.State = types.StateFulfilled
				te.Status.ActualVersionHash = ev.hash
				te.LastFulfillingWorker = workerID
				te.Session.TriggerOtherExpectationsAgain = true
				te.Reason = types.Reason{User: "Fulfilled"}
				return nil
			case "error":
				e.finishAssignment(te, workerID)
				te.State = types.StateNew
				te.Reason = types.Reason{User: "Worker reported an error", Tech: ev.reason}
				return emerrors.NewWorkerReported(workerID, ev.reason)
			}
		default:
			break drain
		}
	}

	if drained {
		te.LastEvaluationTime = time.Now()
		return nil
	}

	if time.Since(te.LastEvaluationTime) > e.cfg.HeartbeatGap {
		e.finishAssignment(te, workerID)
		te.State = types.StateNew
		te.Reason = types.Reason{User: "No heartbeat from assigned worker"}
		return nil
	}

	return nil
}

// evaluateFulfilled implements the re-verification rows: prefer the last
// fulfilling worker, falling back to re-selection (spec.md §9 open
// question, adopted as-is). spec.md §4.2 rows 14-15.
func (e *Evaluator) evaluateFulfilled(ctx context.Context, te *types.TrackedExpectation) error {
	if time.Since(te.LastEvaluationTime) < e.cfg.ReVerifyInterval && !te.Dirty {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	handle, ok := e.workers.Get(te.LastFulfillingWorker)
	workerID := te.LastFulfillingWorker
	if !ok {
		var err error
		workerID, err = e.selector.Select(callCtx, te, e.workers)
		if err != nil {
			// No worker to re-verify with right now; leave FULFILLED, try
			// again on the next re-verify cadence.
			te.LastEvaluationTime = time.Now()
			return nil
		}
		handle, ok = e.workers.Get(workerID)
		if !ok {
			te.LastEvaluationTime = time.Now()
			return nil
		}
	}

	resp, err := handle.Client.IsExpectationFullfilled(callCtx, te.Exp, true)
	if err != nil {
		return emerrors.NewTransport(workerID, err)
	}

	te.LastEvaluationTime = time.Now()
	if resp.Fulfilled {
		te.Status.ActualVersionHash = resp.ActualVersionHash
		te.LastFulfillingWorker = workerID
		return nil
	}

	te.State = types.StateNew
	te.Reason = types.Reason{User: "Re-verification failed, redoing work", Tech: resp.Reason}
	return nil
}

// evaluateRemoved asks the last known worker to clean up, and lets
// evaluateOne delete the record once ExpectationCanBeRemoved is set.
// spec.md §4.2 row 16.
func (e *Evaluator) evaluateRemoved(ctx context.Context, te *types.TrackedExpectation) error {
	workerID := te.LastFulfillingWorker
	if workerID == "" {
		workerID = te.Session.AssignedWorker
	}

	handle, ok := e.workers.Get(workerID)
	if !ok {
		// Nobody to ask; there is nothing left to clean up from the EM's
		// point of view.
		te.Session.ExpectationCanBeRemoved = true
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	resp, err := handle.Client.RemoveExpectation(callCtx, te.Exp)
	if err != nil {
		// Don't block removal forever on a flaky worker.
		te.Session.ExpectationCanBeRemoved = true
		return nil
	}

	te.Session.ExpectationCanBeRemoved = resp.Removed || resp.Reason == ""
	if !te.Session.ExpectationCanBeRemoved {
		te.Reason = types.Reason{User: "Removing", Tech: resp.Reason}
	}
	return nil
}

// evaluateRestarted cancels any in-flight work and resets to NEW so the
// Expectation's updated definition is re-evaluated from scratch. spec.md
// §4.2 row 17.
func (e *Evaluator) evaluateRestarted(ctx context.Context, te *types.TrackedExpectation) error {
	e.cancelInProgress(ctx, te)
	te.Status = types.Status{}
	te.AvailableWorkers = nil
	te.QueriedWorkers = nil
	te.State = types.StateNew
	te.Reason = types.Reason{User: "Restarted"}
	return nil
}

// evaluateAborted issues a best-effort cancel once, then stays terminal
// until upstream removes or restarts the Expectation. spec.md §4.2 row 18.
func (e *Evaluator) evaluateAborted(ctx context.Context, te *types.TrackedExpectation) error {
	if _, working := e.getAssignment(te.Exp.ID); working {
		e.cancelInProgress(ctx, te)
	}
	te.Reason = types.Reason{User: "Aborted"}
	return nil
}

// cancelInProgress asks the assigned worker to stop, fire-and-forget with a
// short grace window (spec.md §9 open question, adopted as-is).
func (e *Evaluator) cancelInProgress(ctx context.Context, te *types.TrackedExpectation) {
	a, ok := e.getAssignment(te.Exp.ID)
	if !ok {
		return
	}
	workerID := a.workerID
	handle, connected := e.workers.Get(workerID)
	e.finishAssignment(te, workerID)
	if !connected {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CancelGracePeriod)
	defer cancel()
	_, _ = handle.Client.CancelWorkInProgress(callCtx, a.workInProgressID)
}

// finishAssignment tears down the side-table entry and worker-side
// bookkeeping for a completed, failed, or cancelled assignment.
func (e *Evaluator) finishAssignment(te *types.TrackedExpectation, workerID string) {
	if a, ok := e.getAssignment(te.Exp.ID); ok && a.workInProgressID != "" {
		if handle, ok := e.workers.Get(workerID); ok {
			handle.Client.StopStream(a.workInProgressID)
		}
	}
	e.workers.UnassignExpectation(workerID, te.Exp.ID)
	e.clearAssignment(te.Exp.ID)
}

func isNoWorkerError(err error, target **selection.NoWorkerError) bool {
	nw, ok := err.(*selection.NoWorkerError)
	if !ok {
		return false
	}
	*target = nw
	return true
}

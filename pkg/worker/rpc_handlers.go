package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/packman/pkg/session"
	"github.com/cuemby/packman/pkg/types"
	"github.com/cuemby/packman/pkg/workerrpc"
)

// methodHandlers builds the Worker-contract request dispatcher for one
// Expectation Manager session: one session.RequestHandler per
// workerrpc.Method* constant.
func (w *Worker) methodHandlers(sess *session.Session) map[string]session.RequestHandler {
	return map[string]session.RequestHandler{
		workerrpc.MethodDoYouSupportExpectation: w.handleDoYouSupport,
		workerrpc.MethodGetCostForExpectation:   w.handleGetCost,
		workerrpc.MethodIsExpectationReadyToStartOn: w.handleIsReady,
		workerrpc.MethodIsExpectationFullfilled: w.handleIsFulfilled,
		workerrpc.MethodWorkOnExpectation: func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
			return w.handleWorkOn(ctx, payload, sess)
		},
		workerrpc.MethodRemoveExpectation:       w.handleRemove,
		workerrpc.MethodCancelWorkInProgress:    w.handleCancel,
		workerrpc.MethodRunPackageContainerCron: w.handleContainerCron,
	}
}

func (w *Worker) handleDoYouSupport(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req workerrpc.DoYouSupportRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal doYouSupportExpectation: %w", err)
	}
	h, ok := w.handlerFor(req.Expectation)
	if !ok {
		return workerrpc.DoYouSupportResponse{Support: false, Reason: "no handler registered for this package type"}, nil
	}
	support, reason := h.Supports(req.Expectation)
	return workerrpc.DoYouSupportResponse{Support: support, Reason: reason}, nil
}

func (w *Worker) handleGetCost(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req workerrpc.GetCostRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal getCostForExpectation: %w", err)
	}
	h, ok := w.handlerFor(req.Expectation)
	if !ok {
		return workerrpc.GetCostResponse{Reason: "no handler registered for this package type"}, nil
	}
	cost, reason := h.Cost(req.Expectation)
	return workerrpc.GetCostResponse{Cost: cost, Reason: reason}, nil
}

func (w *Worker) handleIsReady(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req workerrpc.IsReadyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal isExpectationReadyToStartWorkingOn: %w", err)
	}
	h, ok := w.handlerFor(req.Expectation)
	if !ok {
		return workerrpc.IsReadyResponse{Reason: "no handler registered for this package type"}, nil
	}
	ready, waiting, sourceExists, reason := h.IsReadyToStart(ctx, req.Expectation)
	return workerrpc.IsReadyResponse{Ready: ready, IsWaitingForAnother: waiting, SourceExists: sourceExists, Reason: reason}, nil
}

func (w *Worker) handleIsFulfilled(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req workerrpc.IsFulfilledRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal isExpectationFullfilled: %w", err)
	}
	h, ok := w.handlerFor(req.Expectation)
	if !ok {
		return workerrpc.IsFulfilledResponse{Reason: "no handler registered for this package type"}, nil
	}
	fulfilled, reason, hash := h.IsFulfilled(ctx, req.Expectation, req.WasFulfilled)
	return workerrpc.IsFulfilledResponse{Fulfilled: fulfilled, Reason: reason, ActualVersionHash: hash}, nil
}

// handleWorkOn accepts the job, replies immediately with a fresh
// workInProgressID, and runs the handler's WorkOn in a goroutine, streaming
// progress/done/error frames back over sess for that id (spec.md §6:
// "streams progress, done(hash), error(reason) events back").
func (w *Worker) handleWorkOn(ctx context.Context, payload json.RawMessage, sess *session.Session) (interface{}, error) {
	var req workerrpc.WorkOnRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal workOnExpectation: %w", err)
	}
	h, ok := w.handlerFor(req.Expectation)
	if !ok {
		return workerrpc.WorkOnResponse{Accepted: false, Reason: "no handler registered for this package type"}, nil
	}

	workID := uuidString()
	jobCtx, cancel := context.WithCancel(context.Background())
	w.jobsMu.Lock()
	w.jobs[workID] = &inProgress{cancel: cancel}
	w.jobsMu.Unlock()

	go w.runJob(jobCtx, sess, workID, h, req.Expectation, req.WorkOptions)

	return workerrpc.WorkOnResponse{Accepted: true, WorkInProgressID: workID}, nil
}

func (w *Worker) runJob(ctx context.Context, sess *session.Session, workID string, h PackageHandler, exp types.Expectation, opts map[string]string) {
	defer func() {
		w.jobsMu.Lock()
		delete(w.jobs, workID)
		w.jobsMu.Unlock()
	}()

	report := func(progress float64) {
		_ = sess.PushStream(workID, workerrpc.StreamEventProgress, workerrpc.ProgressFrame{Progress: progress})
	}

	hash, err := h.WorkOn(ctx, exp, opts, report)
	if err != nil {
		_ = sess.PushStream(workID, workerrpc.StreamEventError, workerrpc.ErrorFrame{Reason: err.Error()})
		return
	}
	_ = sess.PushStream(workID, workerrpc.StreamEventDone, workerrpc.DoneFrame{ActualVersionHash: hash})
}

func (w *Worker) handleRemove(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req workerrpc.RemoveRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal removeExpectation: %w", err)
	}
	h, ok := w.handlerFor(req.Expectation)
	if !ok {
		return workerrpc.RemoveResponse{Reason: "no handler registered for this package type"}, nil
	}
	removed, reason := h.Remove(ctx, req.Expectation)
	return workerrpc.RemoveResponse{Removed: removed, Reason: reason}, nil
}

func (w *Worker) handleCancel(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req workerrpc.CancelRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal cancelWorkInProgress: %w", err)
	}
	w.jobsMu.Lock()
	job, ok := w.jobs[req.WorkInProgressID]
	w.jobsMu.Unlock()
	if ok {
		job.cancel()
	}
	return workerrpc.CancelResponse{Acknowledged: true}, nil
}

// handleContainerCron runs the one cron job this repo names ("cleanup"):
// reclaim disk space in local-folder accessors by removing regular files
// older than cronFileRetention. It also refreshes the worker's view of the
// container, since this is the one call that hands a full
// types.PackageContainer to the Worker unsolicited.
const cronFileRetention = 7 * 24 * time.Hour

func (w *Worker) handleContainerCron(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req workerrpc.ContainerCronRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal runPackageContainerCron: %w", err)
	}
	w.upsertContainer(req.Container)

	now := time.Now()
	removed := 0
	for _, accessor := range req.Container.Accessors {
		if accessor.Type != types.AccessorLocalFolder || accessor.LocalFolder == nil {
			continue
		}
		entries, err := os.ReadDir(accessor.LocalFolder.FolderPath)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) > cronFileRetention {
				_ = os.Remove(filepath.Join(accessor.LocalFolder.FolderPath, entry.Name()))
				removed++
			}
		}
	}

	return workerrpc.ContainerCronResponse{Ran: true, Reason: fmt.Sprintf("removed %d stale file(s)", removed)}, nil
}

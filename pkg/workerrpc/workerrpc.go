// Package workerrpc defines the eight methods of the Worker contract
// (spec.md §6) as typed request/response structs, plus a Client that
// issues them over a pkg/session connection. It mirrors the teacher's
// pkg/client method-per-call ergonomics, hand-rolled instead of protoc-
// generated since the core never fabricates dependencies it cannot build
// (see DESIGN.md for why grpc/protobuf were dropped).
package workerrpc

import (
	"context"
	"fmt"

	"github.com/cuemby/packman/pkg/session"
	"github.com/cuemby/packman/pkg/types"
)

// Method names as they travel over the wire.
const (
	MethodDoYouSupportExpectation        = "doYouSupportExpectation"
	MethodGetCostForExpectation          = "getCostForExpectation"
	MethodIsExpectationReadyToStartOn    = "isExpectationReadyToStartWorkingOn"
	MethodIsExpectationFullfilled        = "isExpectationFullfilled"
	MethodWorkOnExpectation              = "workOnExpectation"
	MethodRemoveExpectation              = "removeExpectation"
	MethodCancelWorkInProgress           = "cancelWorkInProgress"
	MethodRunPackageContainerCron        = "runPackageContainerCron"
)

// DoYouSupportRequest asks whether a worker can handle exp at all.
type DoYouSupportRequest struct {
	Expectation types.Expectation `json:"expectation"`
}

// DoYouSupportResponse answers the support probe.
type DoYouSupportResponse struct {
	Support bool   `json:"support"`
	Reason  string `json:"reason,omitempty"`
}

// GetCostRequest asks a worker to quote its cost for exp.
type GetCostRequest struct {
	Expectation types.Expectation `json:"expectation"`
}

// GetCostResponse carries the worker's self-reported cost.
type GetCostResponse struct {
	Cost   float64 `json:"cost"`
	Reason string  `json:"reason,omitempty"`
}

// IsReadyRequest asks whether a worker is ready to begin work on exp.
type IsReadyRequest struct {
	Expectation types.Expectation `json:"expectation"`
}

// IsReadyResponse is the worker's readiness verdict.
type IsReadyResponse struct {
	Ready              bool   `json:"ready"`
	IsWaitingForAnother bool   `json:"isWaitingForAnother,omitempty"`
	SourceExists       *bool  `json:"sourceExists,omitempty"`
	Reason             string `json:"reason,omitempty"`
}

// IsFulfilledRequest asks a worker to verify whether exp is already
// fulfilled. WasFulfilled tells the worker whether this is a first-time
// check or a re-verification of a previously FULFILLED expectation.
type IsFulfilledRequest struct {
	Expectation  types.Expectation `json:"expectation"`
	WasFulfilled bool              `json:"wasFulfilled"`
}

// IsFulfilledResponse is the worker's fulfillment verdict.
type IsFulfilledResponse struct {
	Fulfilled         bool   `json:"fulfilled"`
	Reason            string `json:"reason,omitempty"`
	ActualVersionHash string `json:"actualVersionHash,omitempty"`
}

// WorkOnRequest instructs a worker to begin work on exp.
type WorkOnRequest struct {
	Expectation types.Expectation `json:"expectation"`
	WorkOptions map[string]string `json:"workOptions,omitempty"`
}

// WorkOnResponse returns the id the worker assigned this job; progress,
// done, and error events for it stream back as unsolicited frames on the
// same stream id (see pkg/session.OnStream).
type WorkOnResponse struct {
	WorkInProgressID string `json:"workInProgressId"`
	Accepted         bool   `json:"accepted"`
	Reason           string `json:"reason,omitempty"`
}

// RemoveRequest instructs a worker to clean up anything it wrote for exp.
type RemoveRequest struct {
	Expectation types.Expectation `json:"expectation"`
}

// RemoveResponse is the worker's removal verdict.
type RemoveResponse struct {
	Removed bool   `json:"removed"`
	Reason  string `json:"reason,omitempty"`
}

// CancelRequest asks a worker to stop a running job. The EM treats this as
// fire-and-forget: it does not block on the response beyond a short grace
// window (spec.md §9 open question).
type CancelRequest struct {
	WorkInProgressID string `json:"workInProgressId"`
}

// CancelResponse acknowledges a cancel request.
type CancelResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// ContainerCronRequest asks a worker to run a container-side cron job
// (spec.md §3 "server-side duties ... cron-like cleanup").
type ContainerCronRequest struct {
	Container types.PackageContainer `json:"container"`
	JobName   string                 `json:"jobName"`
}

// ContainerCronResponse is the worker's cron-run verdict.
type ContainerCronResponse struct {
	Ran    bool   `json:"ran"`
	Reason string `json:"reason,omitempty"`
}

// StreamEvent names for unsolicited frames pushed back during WorkOn.
const (
	StreamEventProgress = "progress"
	StreamEventDone     = "done"
	StreamEventError    = "error"
)

// ProgressFrame is pushed periodically while a job runs.
type ProgressFrame struct {
	Progress float64 `json:"progress"`
}

// DoneFrame is pushed once when a job completes successfully.
type DoneFrame struct {
	ActualVersionHash string `json:"actualVersionHash"`
}

// ErrorFrame is pushed once when a job fails.
type ErrorFrame struct {
	Reason string `json:"reason"`
}

// Client issues Worker-contract calls over an open session. One Client
// wraps one Session, mirroring the teacher client's one-conn-per-Client
// shape.
type Client struct {
	sess *session.Session
	id   string
}

// NewClient wraps sess as a Worker-contract client identified by workerID
// for error messages.
func NewClient(sess *session.Session, workerID string) *Client {
	return &Client{sess: sess, id: workerID}
}

// DoYouSupportExpectation asks the worker whether it can handle exp.
func (c *Client) DoYouSupportExpectation(ctx context.Context, exp types.Expectation) (DoYouSupportResponse, error) {
	var resp DoYouSupportResponse
	err := c.sess.Call(ctx, MethodDoYouSupportExpectation, DoYouSupportRequest{Expectation: exp}, &resp)
	if err != nil {
		return resp, fmt.Errorf("workerrpc: doYouSupportExpectation to %s: %w", c.id, err)
	}
	return resp, nil
}

// GetCostForExpectation asks the worker to quote its cost for exp.
func (c *Client) GetCostForExpectation(ctx context.Context, exp types.Expectation) (GetCostResponse, error) {
	var resp GetCostResponse
	err := c.sess.Call(ctx, MethodGetCostForExpectation, GetCostRequest{Expectation: exp}, &resp)
	if err != nil {
		return resp, fmt.Errorf("workerrpc: getCostForExpectation to %s: %w", c.id, err)
	}
	return resp, nil
}

// IsExpectationReadyToStartWorkingOn asks the worker whether it is ready to
// begin work on exp right now.
func (c *Client) IsExpectationReadyToStartWorkingOn(ctx context.Context, exp types.Expectation) (IsReadyResponse, error) {
	var resp IsReadyResponse
	err := c.sess.Call(ctx, MethodIsExpectationReadyToStartOn, IsReadyRequest{Expectation: exp}, &resp)
	if err != nil {
		return resp, fmt.Errorf("workerrpc: isExpectationReadyToStartWorkingOn to %s: %w", c.id, err)
	}
	return resp, nil
}

// IsExpectationFullfilled asks the worker to verify fulfillment of exp.
func (c *Client) IsExpectationFullfilled(ctx context.Context, exp types.Expectation, wasFulfilled bool) (IsFulfilledResponse, error) {
	var resp IsFulfilledResponse
	req := IsFulfilledRequest{Expectation: exp, WasFulfilled: wasFulfilled}
	if err := c.sess.Call(ctx, MethodIsExpectationFullfilled, req, &resp); err != nil {
		return resp, fmt.Errorf("workerrpc: isExpectationFullfilled to %s: %w", c.id, err)
	}
	return resp, nil
}

// WorkOnExpectation instructs the worker to begin work.
func (c *Client) WorkOnExpectation(ctx context.Context, exp types.Expectation, opts map[string]string) (WorkOnResponse, error) {
	var resp WorkOnResponse
	req := WorkOnRequest{Expectation: exp, WorkOptions: opts}
	if err := c.sess.Call(ctx, MethodWorkOnExpectation, req, &resp); err != nil {
		return resp, fmt.Errorf("workerrpc: workOnExpectation to %s: %w", c.id, err)
	}
	return resp, nil
}

// RemoveExpectation instructs the worker to clean up exp's output.
func (c *Client) RemoveExpectation(ctx context.Context, exp types.Expectation) (RemoveResponse, error) {
	var resp RemoveResponse
	if err := c.sess.Call(ctx, MethodRemoveExpectation, RemoveRequest{Expectation: exp}, &resp); err != nil {
		return resp, fmt.Errorf("workerrpc: removeExpectation to %s: %w", c.id, err)
	}
	return resp, nil
}

// CancelWorkInProgress asks the worker to stop a running job; fire-and-
// forget, so callers typically ignore the error.
func (c *Client) CancelWorkInProgress(ctx context.Context, workInProgressID string) (CancelResponse, error) {
	var resp CancelResponse
	req := CancelRequest{WorkInProgressID: workInProgressID}
	if err := c.sess.Call(ctx, MethodCancelWorkInProgress, req, &resp); err != nil {
		return resp, fmt.Errorf("workerrpc: cancelWorkInProgress to %s: %w", c.id, err)
	}
	return resp, nil
}

// RunPackageContainerCron asks the worker to perform one cron job for a
// container it has a duty over.
func (c *Client) RunPackageContainerCron(ctx context.Context, container types.PackageContainer, jobName string) (ContainerCronResponse, error) {
	var resp ContainerCronResponse
	req := ContainerCronRequest{Container: container, JobName: jobName}
	if err := c.sess.Call(ctx, MethodRunPackageContainerCron, req, &resp); err != nil {
		return resp, fmt.Errorf("workerrpc: runPackageContainerCron to %s: %w", c.id, err)
	}
	return resp, nil
}

// OnStream registers h to receive progress/done/error frames for
// workInProgressID.
func (c *Client) OnStream(workInProgressID string, h session.StreamHandler) {
	c.sess.OnStream(workInProgressID, h)
}

// StopStream removes a previously registered stream handler.
func (c *Client) StopStream(workInProgressID string) {
	c.sess.StopStream(workInProgressID)
}

// WorkerID returns the id this client was constructed with.
func (c *Client) WorkerID() string { return c.id }

// Done returns the underlying session's closed channel, for disconnect
// detection.
func (c *Client) Done() <-chan struct{} { return c.sess.Done() }

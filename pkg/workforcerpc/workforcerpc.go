// Package workforcerpc defines the Workforce contract (spec.md §4.4/§6):
// registerExpectationManager, registerWorker, heartbeat, listWorkers,
// listManagers, plus the fan-out notifications Workforce pushes to
// connected parties on join/disconnect. Same hand-rolled envelope-over-
// session style as pkg/workerrpc.
package workforcerpc

import (
	"context"
	"fmt"

	"github.com/cuemby/packman/pkg/session"
	"github.com/cuemby/packman/pkg/types"
)

// Method names as they travel over the wire.
const (
	MethodRegisterExpectationManager = "registerExpectationManager"
	MethodRegisterWorker             = "registerWorker"
	MethodUnregister                 = "unregister"
	MethodHeartbeat                  = "heartbeat"
	MethodListWorkers                = "listWorkers"
	MethodListManagers               = "listManagers"
)

// Stream/notification kinds Workforce pushes unsolicited to connected
// parties, carried as pkg/session stream frames on a well-known stream id.
const (
	NotificationStreamID = "workforce-notifications"

	NotifyManagerJoined      = "manager_joined"
	NotifyManagerDisconnected = "manager_disconnected"
	NotifyWorkerJoined       = "worker_joined"
	NotifyWorkerDisconnected = "worker_disconnected"
)

// PartyKind distinguishes Expectation Managers from Workers in the
// registry.
type PartyKind string

const (
	PartyManager PartyKind = "manager"
	PartyWorker  PartyKind = "worker"
)

// RegisterManagerRequest registers an Expectation Manager at endpoint.
type RegisterManagerRequest struct {
	ManagerID string `json:"managerId"`
	Endpoint  string `json:"endpoint"`
}

// RegisterManagerResponse acknowledges registration and returns the
// Workers currently known, so the manager doesn't have to wait for a
// notification to see the existing fleet.
type RegisterManagerResponse struct {
	Registered bool               `json:"registered"`
	Workers    []types.WorkerAgent `json:"workers"`
}

// RegisterWorkerRequest registers a Worker and its declared capabilities.
type RegisterWorkerRequest struct {
	WorkerID         string              `json:"workerId"`
	Capabilities     []types.PackageType `json:"capabilities"`
	ConcurrencyLimit int                 `json:"concurrencyLimit"`
}

// ManagerEndpoint is what Workforce tells a Worker about a registered EM so
// it can dial in directly.
type ManagerEndpoint struct {
	ManagerID string `json:"managerId"`
	Endpoint  string `json:"endpoint"`
}

// RegisterWorkerResponse acknowledges registration and returns the EM
// endpoints currently known.
type RegisterWorkerResponse struct {
	Registered bool              `json:"registered"`
	Managers   []ManagerEndpoint `json:"managers"`
}

// UnregisterRequest voluntarily removes a party from the registry.
type UnregisterRequest struct {
	ID   string    `json:"id"`
	Kind PartyKind `json:"kind"`
}

// UnregisterResponse acknowledges removal.
type UnregisterResponse struct {
	Unregistered bool `json:"unregistered"`
}

// HeartbeatRequest refreshes liveness for a connected party.
type HeartbeatRequest struct {
	ID   string    `json:"id"`
	Kind PartyKind `json:"kind"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// ListWorkersRequest has no fields; it exists for symmetry and future
// filtering.
type ListWorkersRequest struct{}

// ListWorkersResponse is the current worker roster.
type ListWorkersResponse struct {
	Workers []types.WorkerAgent `json:"workers"`
}

// ListManagersRequest has no fields.
type ListManagersRequest struct{}

// ListManagersResponse is the current manager roster.
type ListManagersResponse struct {
	Managers []ManagerEndpoint `json:"managers"`
}

// Notification is the payload of an unsolicited stream frame Workforce
// pushes to connected parties.
type Notification struct {
	Kind      string          `json:"kind"`
	ManagerID string          `json:"managerId,omitempty"`
	WorkerID  string          `json:"workerId,omitempty"`
	Endpoint  string          `json:"endpoint,omitempty"`
	Worker    *types.WorkerAgent `json:"worker,omitempty"`
}

// Client issues Workforce-contract calls over an open session.
type Client struct {
	sess *session.Session
}

// NewClient wraps sess as a Workforce-contract client.
func NewClient(sess *session.Session) *Client {
	return &Client{sess: sess}
}

// RegisterExpectationManager registers managerID at endpoint with the
// Workforce.
func (c *Client) RegisterExpectationManager(ctx context.Context, managerID, endpoint string) (RegisterManagerResponse, error) {
	var resp RegisterManagerResponse
	req := RegisterManagerRequest{ManagerID: managerID, Endpoint: endpoint}
	if err := c.sess.Call(ctx, MethodRegisterExpectationManager, req, &resp); err != nil {
		return resp, fmt.Errorf("workforcerpc: registerExpectationManager: %w", err)
	}
	return resp, nil
}

// RegisterWorker registers workerID and its capabilities with the
// Workforce.
func (c *Client) RegisterWorker(ctx context.Context, workerID string, caps []types.PackageType, concurrencyLimit int) (RegisterWorkerResponse, error) {
	var resp RegisterWorkerResponse
	req := RegisterWorkerRequest{WorkerID: workerID, Capabilities: caps, ConcurrencyLimit: concurrencyLimit}
	if err := c.sess.Call(ctx, MethodRegisterWorker, req, &resp); err != nil {
		return resp, fmt.Errorf("workforcerpc: registerWorker: %w", err)
	}
	return resp, nil
}

// Unregister voluntarily removes id from the registry.
func (c *Client) Unregister(ctx context.Context, id string, kind PartyKind) (UnregisterResponse, error) {
	var resp UnregisterResponse
	req := UnregisterRequest{ID: id, Kind: kind}
	if err := c.sess.Call(ctx, MethodUnregister, req, &resp); err != nil {
		return resp, fmt.Errorf("workforcerpc: unregister: %w", err)
	}
	return resp, nil
}

// Heartbeat refreshes id's liveness timestamp.
func (c *Client) Heartbeat(ctx context.Context, id string, kind PartyKind) (HeartbeatResponse, error) {
	var resp HeartbeatResponse
	req := HeartbeatRequest{ID: id, Kind: kind}
	if err := c.sess.Call(ctx, MethodHeartbeat, req, &resp); err != nil {
		return resp, fmt.Errorf("workforcerpc: heartbeat: %w", err)
	}
	return resp, nil
}

// ListWorkers returns the current worker roster.
func (c *Client) ListWorkers(ctx context.Context) (ListWorkersResponse, error) {
	var resp ListWorkersResponse
	if err := c.sess.Call(ctx, MethodListWorkers, ListWorkersRequest{}, &resp); err != nil {
		return resp, fmt.Errorf("workforcerpc: listWorkers: %w", err)
	}
	return resp, nil
}

// ListManagers returns the current manager roster.
func (c *Client) ListManagers(ctx context.Context) (ListManagersResponse, error) {
	var resp ListManagersResponse
	if err := c.sess.Call(ctx, MethodListManagers, ListManagersRequest{}, &resp); err != nil {
		return resp, fmt.Errorf("workforcerpc: listManagers: %w", err)
	}
	return resp, nil
}

// OnNotification registers h to receive Workforce fan-out notifications.
func (c *Client) OnNotification(h session.StreamHandler) {
	c.sess.OnStream(NotificationStreamID, h)
}

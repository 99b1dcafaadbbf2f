// Package workforce implements the singleton registry (spec.md §4.4) that
// introduces Expectation Managers and Workers to each other. It does not
// route job traffic: once a Worker has an EM's endpoint it dials in
// directly, so Workforce going down never halts in-flight work, only new
// joins. Liveness is tracked the way the teacher's reconciler tracks node
// heartbeats (pkg/reconciler.reconcileNodes: lastSeen + fixed timeout),
// generalized from nodes to two party kinds.
package workforce

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/packman/pkg/events"
	"github.com/cuemby/packman/pkg/log"
	"github.com/cuemby/packman/pkg/metrics"
	"github.com/cuemby/packman/pkg/session"
	"github.com/cuemby/packman/pkg/types"
	"github.com/cuemby/packman/pkg/workforcerpc"
)

// Config holds the Workforce registry's tunables.
type Config struct {
	// HeartbeatTimeout is how long a party may go without a heartbeat
	// before it is declared disconnected.
	HeartbeatTimeout time.Duration
	// SweepInterval is how often liveness is checked.
	SweepInterval time.Duration
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 30 * time.Second,
		SweepInterval:    5 * time.Second,
	}
}

type managerParty struct {
	id       string
	endpoint string
	sess     *session.Session
	lastSeen time.Time
}

type workerParty struct {
	id               string
	capabilities     []types.PackageType
	concurrencyLimit int
	sess             *session.Session
	lastSeen         time.Time
}

// Registry is the Workforce's in-memory party table.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	managers map[string]*managerParty
	workers  map[string]*workerParty

	broker *events.Broker
	logger zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Registry with cfg and starts no background work; call
// Start to begin the liveness sweep.
func New(cfg Config, broker *events.Broker) *Registry {
	return &Registry{
		cfg:      cfg,
		managers: make(map[string]*managerParty),
		workers:  make(map[string]*workerParty),
		broker:   broker,
		logger:   log.WithComponent("workforce"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the liveness sweep loop.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop terminates the liveness sweep loop.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

// sweep declares any party silent for longer than HeartbeatTimeout
// disconnected, firing the same fan-out notifications a voluntary
// Unregister would.
func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	var droppedManagers, droppedWorkers []string
	for id, m := range r.managers {
		if now.Sub(m.lastSeen) > r.cfg.HeartbeatTimeout {
			droppedManagers = append(droppedManagers, id)
			delete(r.managers, id)
		}
	}
	for id, w := range r.workers {
		if now.Sub(w.lastSeen) > r.cfg.HeartbeatTimeout {
			droppedWorkers = append(droppedWorkers, id)
			delete(r.workers, id)
		}
	}
	metrics.WorkforceManagersConnected.Set(float64(len(r.managers)))
	metrics.WorkforceWorkersConnected.Set(float64(len(r.workers)))
	r.mu.Unlock()

	for _, id := range droppedManagers {
		r.logger.Warn().Str("manager_id", id).Msg("expectation manager disconnected (heartbeat timeout)")
		metrics.WorkforceDisconnectsTotal.WithLabelValues("manager").Inc()
		r.notifyWorkers(workforcerpc.Notification{Kind: workforcerpc.NotifyManagerDisconnected, ManagerID: id})
		r.emit(events.EventManagerDisconnected, "manager disconnected: "+id, map[string]string{"manager_id": id})
	}
	for _, id := range droppedWorkers {
		r.logger.Warn().Str("worker_id", id).Msg("worker disconnected (heartbeat timeout)")
		metrics.WorkforceDisconnectsTotal.WithLabelValues("worker").Inc()
		r.notifyManagers(workforcerpc.Notification{Kind: workforcerpc.NotifyWorkerDisconnected, WorkerID: id})
		r.emit(events.EventWorkerDisconnected, "worker disconnected: "+id, map[string]string{"worker_id": id})
	}
}

func (r *Registry) emit(t events.EventType, msg string, meta map[string]string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{Type: t, Message: msg, Metadata: meta})
}

// RegisterExpectationManager is idempotent: re-registering the same id just
// refreshes its endpoint and liveness. On a genuinely new registration,
// every connected Worker is notified of the endpoint so it may dial in.
func (r *Registry) RegisterExpectationManager(managerID, endpoint string, sess *session.Session) workforcerpc.RegisterManagerResponse {
	r.mu.Lock()
	_, existed := r.managers[managerID]
	r.managers[managerID] = &managerParty{id: managerID, endpoint: endpoint, sess: sess, lastSeen: time.Now()}
	workers := r.workerAgentsLocked()
	metrics.WorkforceManagersConnected.Set(float64(len(r.managers)))
	r.mu.Unlock()

	if !existed {
		r.logger.Info().Str("manager_id", managerID).Str("endpoint", endpoint).Msg("expectation manager registered")
		r.notifyWorkers(workforcerpc.Notification{Kind: workforcerpc.NotifyManagerJoined, ManagerID: managerID, Endpoint: endpoint})
		r.emit(events.EventManagerJoined, "manager joined: "+managerID, map[string]string{"manager_id": managerID})
	}

	return workforcerpc.RegisterManagerResponse{Registered: true, Workers: workers}
}

// RegisterWorker is idempotent; on a genuinely new registration every
// connected manager is notified.
func (r *Registry) RegisterWorker(workerID string, caps []types.PackageType, concurrencyLimit int, sess *session.Session) workforcerpc.RegisterWorkerResponse {
	r.mu.Lock()
	_, existed := r.workers[workerID]
	r.workers[workerID] = &workerParty{
		id:               workerID,
		capabilities:     caps,
		concurrencyLimit: concurrencyLimit,
		sess:             sess,
		lastSeen:         time.Now(),
	}
	managers := r.managerEndpointsLocked()
	metrics.WorkforceWorkersConnected.Set(float64(len(r.workers)))
	r.mu.Unlock()

	if !existed {
		r.logger.Info().Str("worker_id", workerID).Msg("worker registered")
		r.notifyManagers(workforcerpc.Notification{
			Kind:     workforcerpc.NotifyWorkerJoined,
			WorkerID: workerID,
			Worker: &types.WorkerAgent{
				ID:               workerID,
				Capabilities:     caps,
				Connected:        true,
				LastSeen:         time.Now(),
				ConcurrencyLimit: concurrencyLimit,
			},
		})
		r.emit(events.EventWorkerJoined, "worker joined: "+workerID, map[string]string{"worker_id": workerID})
	}

	return workforcerpc.RegisterWorkerResponse{Registered: true, Managers: managers}
}

// Heartbeat refreshes id's liveness timestamp; absence beyond the
// configured timeout declares it disconnected on the next sweep.
func (r *Registry) Heartbeat(id string, kind workforcerpc.PartyKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch kind {
	case workforcerpc.PartyManager:
		if m, ok := r.managers[id]; ok {
			m.lastSeen = time.Now()
			metrics.WorkforceHeartbeatsTotal.WithLabelValues("manager").Inc()
			return true
		}
	case workforcerpc.PartyWorker:
		if w, ok := r.workers[id]; ok {
			w.lastSeen = time.Now()
			metrics.WorkforceHeartbeatsTotal.WithLabelValues("worker").Inc()
			return true
		}
	}
	return false
}

// Unregister voluntarily removes id, firing the same fan-out a timeout
// would.
func (r *Registry) Unregister(id string, kind workforcerpc.PartyKind) bool {
	switch kind {
	case workforcerpc.PartyManager:
		r.mu.Lock()
		_, ok := r.managers[id]
		delete(r.managers, id)
		metrics.WorkforceManagersConnected.Set(float64(len(r.managers)))
		r.mu.Unlock()
		if ok {
			r.notifyWorkers(workforcerpc.Notification{Kind: workforcerpc.NotifyManagerDisconnected, ManagerID: id})
			r.emit(events.EventManagerDisconnected, "manager unregistered: "+id, map[string]string{"manager_id": id})
		}
		return ok
	case workforcerpc.PartyWorker:
		r.mu.Lock()
		_, ok := r.workers[id]
		delete(r.workers, id)
		metrics.WorkforceWorkersConnected.Set(float64(len(r.workers)))
		r.mu.Unlock()
		if ok {
			r.notifyManagers(workforcerpc.Notification{Kind: workforcerpc.NotifyWorkerDisconnected, WorkerID: id})
			r.emit(events.EventWorkerDisconnected, "worker unregistered: "+id, map[string]string{"worker_id": id})
		}
		return ok
	}
	return false
}

// ListWorkers returns the current worker roster.
func (r *Registry) ListWorkers() []types.WorkerAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workerAgentsLocked()
}

// ListManagers returns the current manager roster.
func (r *Registry) ListManagers() []workforcerpc.ManagerEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.managerEndpointsLocked()
}

func (r *Registry) workerAgentsLocked() []types.WorkerAgent {
	out := make([]types.WorkerAgent, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, types.WorkerAgent{
			ID:               w.id,
			Capabilities:     w.capabilities,
			Connected:        true,
			LastSeen:         w.lastSeen,
			ConcurrencyLimit: w.concurrencyLimit,
		})
	}
	return out
}

func (r *Registry) managerEndpointsLocked() []workforcerpc.ManagerEndpoint {
	out := make([]workforcerpc.ManagerEndpoint, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, workforcerpc.ManagerEndpoint{ManagerID: m.id, Endpoint: m.endpoint})
	}
	return out
}

func (r *Registry) notifyWorkers(n workforcerpc.Notification) {
	r.mu.RLock()
	targets := make([]*session.Session, 0, len(r.workers))
	for _, w := range r.workers {
		targets = append(targets, w.sess)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		if s == nil {
			continue
		}
		if err := s.PushStream(workforcerpc.NotificationStreamID, n.Kind, n); err != nil {
			r.logger.Debug().Err(err).Msg("failed to push notification to worker")
		}
	}
}

func (r *Registry) notifyManagers(n workforcerpc.Notification) {
	r.mu.RLock()
	targets := make([]*session.Session, 0, len(r.managers))
	for _, m := range r.managers {
		targets = append(targets, m.sess)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		if s == nil {
			continue
		}
		if err := s.PushStream(workforcerpc.NotificationStreamID, n.Kind, n); err != nil {
			r.logger.Debug().Err(err).Msg("failed to push notification to manager")
		}
	}
}

// watchDisconnect removes a party as soon as its session closes, instead of
// waiting for the next heartbeat sweep.
func (r *Registry) watchDisconnect(id string, kind workforcerpc.PartyKind, sess *session.Session) {
	<-sess.Done()
	r.Unregister(id, kind)
}

// ServeHTTP accepts both EM and Worker registration connections and serves
// the Workforce RPC methods over the resulting session until it closes.
// Each connection serves one party, whose kind is learned from whichever
// Register* call arrives first.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	sess, err := session.Accept(w, req)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to accept workforce connection")
		return
	}

	var registeredID string
	var registeredKind workforcerpc.PartyKind

	handlers := map[string]session.RequestHandler{
		workforcerpc.MethodRegisterExpectationManager: func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
			var req workforcerpc.RegisterManagerRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("unmarshal registerExpectationManager: %w", err)
			}
			registeredID, registeredKind = req.ManagerID, workforcerpc.PartyManager
			go r.watchDisconnect(req.ManagerID, workforcerpc.PartyManager, sess)
			return r.RegisterExpectationManager(req.ManagerID, req.Endpoint, sess), nil
		},
		workforcerpc.MethodRegisterWorker: func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
			var req workforcerpc.RegisterWorkerRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("unmarshal registerWorker: %w", err)
			}
			registeredID, registeredKind = req.WorkerID, workforcerpc.PartyWorker
			go r.watchDisconnect(req.WorkerID, workforcerpc.PartyWorker, sess)
			return r.RegisterWorker(req.WorkerID, req.Capabilities, req.ConcurrencyLimit, sess), nil
		},
		workforcerpc.MethodUnregister: func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
			var req workforcerpc.UnregisterRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("unmarshal unregister: %w", err)
			}
			return workforcerpc.UnregisterResponse{Unregistered: r.Unregister(req.ID, req.Kind)}, nil
		},
		workforcerpc.MethodHeartbeat: func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
			var req workforcerpc.HeartbeatRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("unmarshal heartbeat: %w", err)
			}
			return workforcerpc.HeartbeatResponse{Acknowledged: r.Heartbeat(req.ID, req.Kind)}, nil
		},
		workforcerpc.MethodListWorkers: func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
			return workforcerpc.ListWorkersResponse{Workers: r.ListWorkers()}, nil
		},
		workforcerpc.MethodListManagers: func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
			return workforcerpc.ListManagersResponse{Managers: r.ListManagers()}, nil
		},
	}

	ctx := req.Context()
	sess.Serve(ctx, handlers, nil)

	if registeredID != "" {
		r.Unregister(registeredID, registeredKind)
	}
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/packman/pkg/log"
	"github.com/cuemby/packman/pkg/session"
	"github.com/cuemby/packman/pkg/types"
	"github.com/cuemby/packman/pkg/workforcerpc"
)

// Config holds a Worker's identity and connection tunables.
type Config struct {
	ID               string
	Capabilities     []types.PackageType
	ConcurrencyLimit int

	WorkforceURL      string
	HeartbeatInterval time.Duration
	CallTimeout       time.Duration
}

// DefaultConfig returns sane heartbeat/timeout defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		CallTimeout:       10 * time.Second,
	}
}

// inProgress tracks one accepted workOnExpectation job so cancelWorkInProgress
// can reach it.
type inProgress struct {
	cancel context.CancelFunc
}

// Worker is the Worker side of the contract: it registers with Workforce,
// dials every Expectation Manager it learns about, and serves the Worker-
// contract methods over each resulting session, dispatching to the
// PackageHandler matching an Expectation's type. Grounded on the teacher's
// pkg/worker.Worker (heartbeat loop, executor loop, containers map
// bookkeeping), generalized from "one task = one container" to "one
// assignment = one package-handler invocation" and from a single manager
// connection to one connection per registered Expectation Manager.
type Worker struct {
	cfg      Config
	handlers map[types.PackageType]PackageHandler

	containersMu sync.RWMutex
	containers   map[string]*types.PackageContainer

	workforce *session.Session
	wfClient  *workforcerpc.Client

	mu       sync.Mutex
	managers map[string]*session.Session // managerID -> session

	jobsMu sync.Mutex
	jobs   map[string]*inProgress // workInProgressID -> job

	logger zerolog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Worker. SetContainers should be called at least once before
// Start if any handler needs to resolve accessors.
func New(cfg Config, handlers map[types.PackageType]PackageHandler) *Worker {
	return &Worker{
		cfg:        cfg,
		handlers:   handlers,
		containers: make(map[string]*types.PackageContainer),
		managers:   make(map[string]*session.Session),
		jobs:       make(map[string]*inProgress),
		logger:     log.WithComponent("worker").With().Str("worker_id", cfg.ID).Logger(),
		stopCh:     make(chan struct{}),
	}
}

// SetContainers replaces the Worker's known Package Container inventory.
// Accessor credentials are worker-local: they arrive through the Worker's
// own configuration (or, for containers with a server-side cron duty, via
// runPackageContainerCron's embedded container), never proxied through an
// Expectation Manager.
func (w *Worker) SetContainers(containers []types.PackageContainer) {
	w.containersMu.Lock()
	defer w.containersMu.Unlock()
	w.containers = make(map[string]*types.PackageContainer, len(containers))
	for i := range containers {
		c := containers[i]
		w.containers[c.ID] = &c
	}
}

// Containers returns the live container inventory view handlers resolve
// accessors against.
func (w *Worker) Containers() map[string]*types.PackageContainer {
	w.containersMu.RLock()
	defer w.containersMu.RUnlock()
	out := make(map[string]*types.PackageContainer, len(w.containers))
	for id, c := range w.containers {
		out[id] = c
	}
	return out
}

func (w *Worker) upsertContainer(c types.PackageContainer) {
	w.containersMu.Lock()
	defer w.containersMu.Unlock()
	w.containers[c.ID] = &c
}

// Start registers with Workforce, dials every Expectation Manager returned
// by or notified after registration, and begins the heartbeat loop. It
// blocks only long enough to complete the initial registration.
func (w *Worker) Start(ctx context.Context) error {
	sess, err := session.Dial(ctx, w.cfg.WorkforceURL)
	if err != nil {
		return fmt.Errorf("worker: dial workforce: %w", err)
	}
	w.workforce = sess
	w.wfClient = workforcerpc.NewClient(sess)

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	resp, err := w.wfClient.RegisterWorker(callCtx, w.cfg.ID, w.cfg.Capabilities, w.cfg.ConcurrencyLimit)
	cancel()
	if err != nil {
		return fmt.Errorf("worker: register with workforce: %w", err)
	}

	w.wfClient.OnNotification(w.handleWorkforceNotification)

	for _, m := range resp.Managers {
		w.dialManager(ctx, m.ManagerID, m.Endpoint)
	}

	w.wg.Add(1)
	go w.heartbeatLoop(ctx)

	w.logger.Info().Int("managers", len(resp.Managers)).Msg("worker registered with workforce")
	return nil
}

// Stop terminates the heartbeat loop and every manager connection.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()

	w.mu.Lock()
	for _, sess := range w.managers {
		_ = sess.Close()
	}
	w.mu.Unlock()

	if w.workforce != nil {
		_ = w.workforce.Close()
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
			_, err := w.wfClient.Heartbeat(callCtx, w.cfg.ID, workforcerpc.PartyWorker)
			cancel()
			if err != nil {
				w.logger.Warn().Err(err).Msg("heartbeat to workforce failed")
			}
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleWorkforceNotification dials newly joined managers as they're
// announced, and drops connections to managers Workforce reports gone.
func (w *Worker) handleWorkforceNotification(event string, payload json.RawMessage) {
	var n workforcerpc.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return
	}
	switch n.Kind {
	case workforcerpc.NotifyManagerJoined:
		w.dialManager(context.Background(), n.ManagerID, n.Endpoint)
	case workforcerpc.NotifyManagerDisconnected:
		w.mu.Lock()
		sess, ok := w.managers[n.ManagerID]
		delete(w.managers, n.ManagerID)
		w.mu.Unlock()
		if ok {
			_ = sess.Close()
		}
	}
}

// dialManager opens (or replaces) the connection to one Expectation
// Manager's worker-registration endpoint, identifying this Worker and its
// declared capabilities via the dial URL's query string, since the Worker
// contract has no registration method of its own (every one of its eight
// calls flows Manager -> Worker).
func (w *Worker) dialManager(ctx context.Context, managerID, endpoint string) {
	w.mu.Lock()
	if _, ok := w.managers[managerID]; ok {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	dialURL, err := w.registrationURL(endpoint)
	if err != nil {
		w.logger.Error().Err(err).Str("manager_id", managerID).Msg("invalid manager endpoint")
		return
	}

	sess, err := session.Dial(ctx, dialURL)
	if err != nil {
		w.logger.Warn().Err(err).Str("manager_id", managerID).Msg("failed to dial expectation manager")
		return
	}

	w.mu.Lock()
	w.managers[managerID] = sess
	w.mu.Unlock()

	w.logger.Info().Str("manager_id", managerID).Msg("connected to expectation manager")

	go w.serveManager(ctx, managerID, sess)
}

func (w *Worker) registrationURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("workerId", w.cfg.ID)
	q.Set("concurrencyLimit", fmt.Sprintf("%d", w.cfg.ConcurrencyLimit))
	for _, c := range w.cfg.Capabilities {
		q.Add("capability", string(c))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// serveManager runs the Worker-contract request dispatcher for one manager
// connection until it closes, then forgets it so a future notification can
// reconnect.
func (w *Worker) serveManager(ctx context.Context, managerID string, sess *session.Session) {
	sess.Serve(ctx, w.methodHandlers(sess), nil)

	w.mu.Lock()
	delete(w.managers, managerID)
	w.mu.Unlock()
	w.logger.Warn().Str("manager_id", managerID).Msg("expectation manager connection closed")
}

func (w *Worker) handlerFor(exp types.Expectation) (PackageHandler, bool) {
	h, ok := w.handlers[exp.Type]
	return h, ok
}

// uuidString is split out so the WorkInProgressID generator has one place
// to change if the id scheme ever needs to encode more than randomness.
func uuidString() string {
	return uuid.NewString()
}

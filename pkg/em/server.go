// Package em implements the Expectation Manager's half of the two
// connections described in pkg/workforce's package doc: a client
// connection up to Workforce (register, heartbeat, learn about the fleet)
// and a server connection down from Workers, who dial in directly once
// Workforce has told them this EM's endpoint. Grounded on the teacher's
// pkg/api.HealthServer (mux + http.Server wrapper) for the HTTP shell, and
// on pkg/workforce.Registry's own ServeHTTP for the accept-then-Serve
// session pattern.
package em

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/packman/pkg/evaluator"
	"github.com/cuemby/packman/pkg/log"
	"github.com/cuemby/packman/pkg/session"
	"github.com/cuemby/packman/pkg/types"
	"github.com/cuemby/packman/pkg/workerrpc"
	"github.com/cuemby/packman/pkg/workforcerpc"
)

// Config holds one Expectation Manager's identity and connection tunables.
type Config struct {
	ID   string
	// Endpoint is this EM's own websocket URL, as handed to Workforce and
	// relayed to Workers so they can dial in (e.g. "ws://10.0.1.4:9100/workers").
	Endpoint string
	// ListenAddr is the local address the HTTP server binds for the /workers
	// upgrade endpoint (distinct from Endpoint when running behind a proxy
	// or NAT).
	ListenAddr string

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

// Server is the Expectation Manager's connection server: it registers with
// Workforce and accepts direct Worker connections on /workers, feeding both
// into the Evaluator's WorkerSet.
type Server struct {
	cfg       Config
	eval      *evaluator.Evaluator
	workers   *evaluator.WorkerSet
	workforce *session.Session
	wfClient  *workforcerpc.Client
	logger    zerolog.Logger

	mux *http.ServeMux
}

// New creates a Server wired to eval's WorkerSet.
func New(cfg Config, eval *evaluator.Evaluator, workers *evaluator.WorkerSet) *Server {
	s := &Server{
		cfg:     cfg,
		eval:    eval,
		workers: workers,
		logger:  log.WithComponent("em").With().Str("manager_id", cfg.ID).Logger(),
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/workers", s.handleWorkerDial)
	return s
}

// JoinWorkforce registers this EM with Workforce and starts its heartbeat
// loop. It blocks only long enough to complete registration.
func (s *Server) JoinWorkforce(ctx context.Context) error {
	sess, err := session.Dial(ctx, s.cfg.WorkforceURL)
	if err != nil {
		return fmt.Errorf("em: dial workforce: %w", err)
	}
	s.workforce = sess
	s.wfClient = workforcerpc.NewClient(sess)

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	resp, err := s.wfClient.RegisterExpectationManager(callCtx, s.cfg.ID, s.cfg.Endpoint)
	cancel()
	if err != nil {
		return fmt.Errorf("em: register with workforce: %w", err)
	}

	s.wfClient.OnNotification(s.handleWorkforceNotification)
	go s.heartbeatLoop(ctx)

	s.logger.Info().Int("known_workers", len(resp.Workers)).Msg("expectation manager registered with workforce")
	return nil
}

// LeaveWorkforce closes the Workforce connection.
func (s *Server) LeaveWorkforce() {
	if s.workforce != nil {
		_ = s.workforce.Close()
	}
}

// ListenAndServe binds cfg.ListenAddr and serves the /workers upgrade
// endpoint until the process stops or the server errors.
func (s *Server) ListenAndServe() error {
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // websocket upgrades outlive any fixed write deadline
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// Handler exposes the /workers mux for callers that want to embed it behind
// their own http.Server (e.g. alongside pkg/metrics.Handler()).
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
			_, err := s.wfClient.Heartbeat(callCtx, s.cfg.ID, workforcerpc.PartyManager)
			cancel()
			if err != nil {
				s.logger.Warn().Err(err).Msg("heartbeat to workforce failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleWorkforceNotification logs fleet churn Workforce reports. It does
// not dial Workers itself: a joined Worker dials this EM directly once it
// learns the endpoint, per pkg/workforce's no-routing design.
func (s *Server) handleWorkforceNotification(event string, payload json.RawMessage) {
	s.logger.Debug().Str("event", event).Msg("workforce notification")
}

// handleWorkerDial upgrades a Worker's direct connection and folds it into
// the WorkerSet. The Worker identifies itself via query parameters, since
// the Worker contract has no registration call of its own (spec.md §6:
// every one of its eight methods flows Manager -> Worker).
func (s *Server) handleWorkerDial(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("workerId")
	if workerID == "" {
		http.Error(w, "missing workerId query parameter", http.StatusBadRequest)
		return
	}
	concurrencyLimit, _ := strconv.Atoi(r.URL.Query().Get("concurrencyLimit"))

	var capabilities []types.PackageType
	for _, c := range r.URL.Query()["capability"] {
		capabilities = append(capabilities, types.PackageType(c))
	}

	sess, err := session.Accept(w, r)
	if err != nil {
		s.logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to accept worker connection")
		return
	}

	agent := &types.WorkerAgent{
		ID:               workerID,
		Capabilities:     capabilities,
		Connected:        true,
		LastSeen:         time.Now(),
		ConcurrencyLimit: concurrencyLimit,
	}
	client := workerrpc.NewClient(sess, workerID)
	s.workers.Add(agent, client)
	s.logger.Info().Str("worker_id", workerID).Int("capabilities", len(capabilities)).Msg("worker connected")

	go func() {
		<-sess.Done()
		s.eval.HandleWorkerDisconnect(workerID)
		s.logger.Warn().Str("worker_id", workerID).Msg("worker disconnected")
	}()
}

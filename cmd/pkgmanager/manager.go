package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/packman/pkg/containerstore"
	"github.com/cuemby/packman/pkg/em"
	"github.com/cuemby/packman/pkg/evaluator"
	"github.com/cuemby/packman/pkg/events"
	"github.com/cuemby/packman/pkg/expectationstore"
	"github.com/cuemby/packman/pkg/log"
	"github.com/cuemby/packman/pkg/metrics"
	"github.com/cuemby/packman/pkg/publish"
	"github.com/cuemby/packman/pkg/types"
	"github.com/cuemby/packman/pkg/upstream"
	"github.com/cuemby/packman/pkg/upstream/httpbridge"
)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run an Expectation Manager",
	Long: `An Expectation Manager tracks a set of Expectations, drives them
through the evaluation loop, and dispatches work to whichever connected
Worker is best placed to run it.`,
	RunE: runManager,
}

func init() {
	managerCmd.Flags().String("config", "", "Path to the manager's YAML config file (required)")
	managerCmd.Flags().String("workforce-url", "ws://127.0.0.1:9000/", "Workforce registry websocket URL")
	managerCmd.Flags().String("metrics-addr", "127.0.0.1:9091", "Address to serve Prometheus metrics on")
	managerCmd.Flags().String("upstream-source-url", "", "URL polled for the current Expectation set (optional; none means the manager starts with an empty set)")
	managerCmd.Flags().String("upstream-sink-url", "", "URL status updates are POSTed to (optional; none means updates are dropped)")
	_ = managerCmd.MarkFlagRequired("config")
}

// noopSink discards status updates, for a manager run without an upstream
// collaborator wired up.
type noopSink struct{}

func (noopSink) Publish(ctx context.Context, updates []types.StatusUpdate) error { return nil }

func runManager(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	workforceURL, _ := cmd.Flags().GetString("workforce-url")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	upstreamSourceURL, _ := cmd.Flags().GetString("upstream-source-url")
	upstreamSinkURL, _ := cmd.Flags().GetString("upstream-sink-url")

	var cfgFile managerFile
	if err := loadYAML(configPath, &cfgFile); err != nil {
		return err
	}
	if cfgFile.ID == "" {
		return fmt.Errorf("manager config: id is required")
	}

	logger := log.WithComponent("pkgmanager-manager").With().Str("manager_id", cfgFile.ID).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := events.NewBroker()
	broker.Start()

	store := expectationstore.New()

	containers := containerstore.New()
	for i := range cfgFile.Containers {
		containers.Upsert(&cfgFile.Containers[i])
	}

	var sink publish.Sink = noopSink{}
	if upstreamSinkURL != "" {
		sink = httpbridge.NewSink(httpbridge.DefaultSinkConfig(upstreamSinkURL))
	}
	publisher := publish.New(publish.DefaultConfig(), sink)
	publisher.Start(ctx)

	workers := evaluator.NewWorkerSet()

	eval := evaluator.New(evaluator.DefaultConfig(), store, containers, workers, publisher, broker)
	eval.Start(ctx)

	collector := metrics.NewCollector(store, containers, workers, 0)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion("0.1.0")
	metrics.SetCriticalComponents([]string{"evaluator", "workforce", "upstream"})
	metrics.RegisterComponent("evaluator", true, "running")
	metrics.RegisterComponent("workforce", false, "joining")
	if upstreamSourceURL == "" {
		metrics.RegisterComponent("upstream", true, "not configured")
	} else {
		metrics.RegisterComponent("upstream", false, "initializing")
	}

	if upstreamSourceURL != "" {
		source := httpbridge.NewSource(httpbridge.DefaultSourceConfig(upstreamSourceURL))
		ingest := func(expSet []types.Expectation) error {
			if err := store.Ingest(expSet); err != nil {
				return err
			}
			eval.Wake()
			return nil
		}
		go func() {
			if err := upstream.Run(ctx, source, ingest); err != nil {
				metrics.UpdateComponent("upstream", false, err.Error())
				logger.Error().Err(err).Msg("upstream source stopped")
			}
		}()
		metrics.UpdateComponent("upstream", true, "polling")
	}

	emCfg := em.DefaultConfig()
	emCfg.ID = cfgFile.ID
	emCfg.Endpoint = cfgFile.Endpoint
	emCfg.ListenAddr = cfgFile.ListenAddr
	emCfg.WorkforceURL = workforceURL

	server := em.New(emCfg, eval, workers)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics server listening")

	if err := server.JoinWorkforce(ctx); err != nil {
		metrics.UpdateComponent("workforce", false, err.Error())
		cancel()
		eval.Stop()
		publisher.Stop(context.Background())
		broker.Stop()
		return fmt.Errorf("join workforce: %w", err)
	}
	metrics.UpdateComponent("workforce", true, "joined")

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfgFile.ListenAddr).Msg("expectation manager listening for workers")
		if err := server.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("expectation manager server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("shutting down after server error")
	}

	cancel()
	server.LeaveWorkforce()
	eval.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	publisher.Stop(shutdownCtx)

	broker.Stop()
	return nil
}

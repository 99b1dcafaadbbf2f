package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/packman/pkg/log"
	"github.com/cuemby/packman/pkg/metrics"
	"github.com/cuemby/packman/pkg/types"
	"github.com/cuemby/packman/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Worker",
	Long: `A Worker registers with Workforce, connects to every Expectation
Manager it is introduced to, and executes the Package Manager RPC calls
against its package handlers.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().String("config", "", "Path to the worker's YAML config file (required)")
	workerCmd.Flags().String("workforce-url", "ws://127.0.0.1:9000/", "Workforce registry websocket URL")
	workerCmd.Flags().String("metrics-addr", "127.0.0.1:9092", "Address to serve Prometheus metrics on")
	_ = workerCmd.MarkFlagRequired("config")
}

func runWorker(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	workforceURL, _ := cmd.Flags().GetString("workforce-url")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	var cfgFile workerFile
	if err := loadYAML(configPath, &cfgFile); err != nil {
		return err
	}
	if cfgFile.ID == "" {
		return fmt.Errorf("worker config: id is required")
	}

	logger := log.WithComponent("pkgmanager-worker").With().Str("worker_id", cfgFile.ID).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newWorkerFromConfig(cfgFile, workforceURL)
	w.SetContainers(cfgFile.Containers)

	metrics.SetVersion("0.1.0")
	metrics.SetCriticalComponents([]string{"workforce"})
	metrics.RegisterComponent("workforce", false, "connecting")

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

	if err := w.Start(ctx); err != nil {
		metrics.UpdateComponent("workforce", false, err.Error())
		cancel()
		return fmt.Errorf("start worker: %w", err)
	}
	metrics.UpdateComponent("workforce", true, "connected")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()
	w.Stop()
	return nil
}

// newWorkerFromConfig builds the handler set every Worker registers
// (one per types.PackageType this repo knows how to execute) and wires it
// into a worker.Worker ready to call SetContainers and Start.
func newWorkerFromConfig(cfgFile workerFile, workforceURL string) *worker.Worker {
	cfg := worker.DefaultConfig()
	cfg.ID = cfgFile.ID
	cfg.Capabilities = cfgFile.Capabilities
	cfg.ConcurrencyLimit = cfgFile.ConcurrencyLimit
	cfg.WorkforceURL = workforceURL

	// NewMediaFileHandler and friends need a stable accessor into the
	// Worker's container map, but that map only exists once the Worker
	// itself is constructed from a handler set. Indirect through a
	// forwarding closure, filled in right after New returns, to break the
	// cycle without a mutable handlers field on Worker.
	var containers func() map[string]*types.PackageContainer
	forward := func() map[string]*types.PackageContainer { return containers() }

	handlers := map[types.PackageType]worker.PackageHandler{
		types.PackageTypeMediaFile:   worker.NewMediaFileHandler(forward),
		types.PackageTypeQuantelClip: worker.NewQuantelClipHandler(forward),
		types.PackageTypeJSONData:    worker.NewJSONDataHandler(forward),
	}

	w := worker.New(cfg, handlers)
	containers = w.Containers
	return w
}

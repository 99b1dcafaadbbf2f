package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/packman/pkg/events"
	"github.com/cuemby/packman/pkg/log"
	"github.com/cuemby/packman/pkg/metrics"
	"github.com/cuemby/packman/pkg/workforce"
)

var workforceCmd = &cobra.Command{
	Use:   "workforce",
	Short: "Run the Workforce registry",
	Long: `The Workforce registry is the one component every Expectation Manager
and Worker knows about in advance: it introduces them to each other and
tracks liveness, but never sits in the path of job traffic between them.`,
	RunE: runWorkforce,
}

func init() {
	workforceCmd.Flags().String("listen-addr", "0.0.0.0:9000", "Address to accept Expectation Manager and Worker connections on")
	workforceCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve Prometheus metrics on")
	workforceCmd.Flags().Duration("heartbeat-timeout", 30*time.Second, "How long a party may go without a heartbeat before it is declared disconnected")
	workforceCmd.Flags().Duration("sweep-interval", 5*time.Second, "How often liveness is checked")
}

func runWorkforce(cmd *cobra.Command, args []string) error {
	listenAddr, _ := cmd.Flags().GetString("listen-addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	heartbeatTimeout, _ := cmd.Flags().GetDuration("heartbeat-timeout")
	sweepInterval, _ := cmd.Flags().GetDuration("sweep-interval")

	logger := log.WithComponent("pkgmanager-workforce")

	broker := events.NewBroker()
	broker.Start()

	registry := workforce.New(workforce.Config{
		HeartbeatTimeout: heartbeatTimeout,
		SweepInterval:    sweepInterval,
	}, broker)
	registry.Start()

	metrics.SetVersion("0.1.0")
	metrics.SetCriticalComponents([]string{"registry"})
	metrics.RegisterComponent("registry", true, "accepting connections")

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

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", listenAddr).Msg("workforce registry listening")
		if err := http.ListenAndServe(listenAddr, registry); err != nil {
			errCh <- fmt.Errorf("workforce server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		registry.Stop()
		broker.Stop()
		return err
	}

	registry.Stop()
	broker.Stop()
	return nil
}

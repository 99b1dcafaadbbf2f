/*
Package log provides structured logging for the package manager using zerolog.

It wraps zerolog to give every component JSON-structured logs with a shared
global instance, context loggers for the domain's identifying nouns
(expectation, worker, container), and the usual level filtering.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
	log.Info("evaluation loop starting")

	expLog := log.WithExpectationID(exp.ID)
	expLog.Info().Str("state", string(state)).Msg("transitioned")

	workerLog := log.WithWorkerID(w.ID)
	workerLog.Warn().Msg("heartbeat overdue")

# Integration points

  - pkg/evaluator: per-expectation transition logging
  - pkg/selection: worker-probe outcomes
  - pkg/workforce: join/disconnect notifications
  - pkg/worker: job lifecycle and heartbeats
*/
package log

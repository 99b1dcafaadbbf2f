package evaluator

import (
	"context"
	"time"

	"github.com/cuemby/packman/pkg/metrics"
	"github.com/cuemby/packman/pkg/selection"
	"github.com/cuemby/packman/pkg/types"
)

// cronJobName is the one container-side duty the core drives today
// (spec.md §3 "server-side duties ... cron-like cleanup"). Additional jobs
// would be additional named constants dispatched the same way.
const cronJobName = "cleanup"

// cronLoop runs the Package Container cron pass on its own, lower-frequency
// ticker (suspension point (e), spec.md §5), independent of the evaluation
// loop's per-expectation tick.
func (e *Evaluator) cronLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ContainerCronInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.runContainerCron(ctx)
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		}
	}
}

// runContainerCron asks one worker to run the cleanup job for every
// container due for it, coalescing concurrent requests for the same
// container via singleflight (spec.md §9 "defer-gets").
func (e *Evaluator) runContainerCron(ctx context.Context) {
	now := time.Now()
	due := e.containers.DueForCron(cronJobName, e.cfg.ContainerCronInterval, now)

	for _, tc := range due {
		containerID := tc.Container.ID
		container := *tc.Container

		go func() {
			_, _, _ = e.cronGroup.Do(containerID, func() (interface{}, error) {
				e.runOneContainerCron(ctx, container)
				return nil, nil
			})
		}()
	}
}

func (e *Evaluator) runOneContainerCron(ctx context.Context, container types.PackageContainer) {
	handle := e.pickCronWorker()
	if handle.Client == nil {
		e.logger.Debug().Str("container_id", container.ID).Msg("no worker available to run container cron")
		metrics.ContainerCronRunsTotal.WithLabelValues(cronJobName, "no_worker").Inc()
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	resp, err := handle.Client.RunPackageContainerCron(callCtx, container, cronJobName)
	if err != nil {
		e.logger.Warn().Err(err).Str("container_id", container.ID).Msg("container cron run failed")
		metrics.ContainerCronRunsTotal.WithLabelValues(cronJobName, "error").Inc()
		return
	}

	e.containers.RecordCronRun(container.ID, cronJobName, time.Now())
	outcome := "ran"
	if !resp.Ran {
		outcome = "skipped"
	}
	metrics.ContainerCronRunsTotal.WithLabelValues(cronJobName, outcome).Inc()
}

// pickCronWorker returns any connected, idle worker; container cron jobs
// are not expectation-specific, so the cost-minimizing selection protocol
// doesn't apply here.
func (e *Evaluator) pickCronWorker() selection.WorkerHandle {
	for _, h := range e.workers.Connected() {
		if h.Agent != nil && h.Agent.Connected && h.Agent.IsIdle() {
			return h
		}
	}
	return selection.WorkerHandle{}
}

package metrics

import (
	"time"

	"github.com/cuemby/packman/pkg/types"
)

// ExpectationSource is the read-only view the collector needs of the
// tracked-expectation table.
type ExpectationSource interface {
	Iter() []*types.TrackedExpectation
}

// ContainerSource is the read-only view the collector needs of the
// tracked-container table.
type ContainerSource interface {
	Iter() []*types.TrackedPackageContainer
}

// WorkerSource is the read-only view the collector needs of the connected
// worker fleet.
type WorkerSource interface {
	Iter() []*types.WorkerAgent
}

// Collector periodically samples the EM's in-memory tables and the
// connected worker fleet, publishing gauge snapshots. It never mutates
// anything it reads; mutation is owned exclusively by the evaluation loop.
type Collector struct {
	expectations ExpectationSource
	containers   ContainerSource
	workers      WorkerSource
	interval     time.Duration
	stopCh       chan struct{}
}

// NewCollector creates a Collector sampling the given sources every
// interval (default 15s if interval <= 0).
func NewCollector(expectations ExpectationSource, containers ContainerSource, workers WorkerSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		expectations: expectations,
		containers:   containers,
		workers:      workers,
		interval:     interval,
		stopCh:       make(chan struct{}),
	}
}

// Start begins collecting metrics on a ticker, in its own goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectExpectations()
	c.collectContainers()
	c.collectWorkers()
}

func (c *Collector) collectExpectations() {
	if c.expectations == nil {
		return
	}
	tracked := c.expectations.Iter()

	counts := make(map[types.State]int)
	for _, te := range tracked {
		counts[te.State]++
		ExpectationErrorCount.Observe(float64(te.ErrorCount))
	}
	for _, state := range []types.State{
		types.StateNew, types.StateWaiting, types.StateReady, types.StateWorking,
		types.StateFulfilled, types.StateRemoved, types.StateRestarted, types.StateAborted,
	} {
		ExpectationsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (c *Collector) collectContainers() {
	if c.containers == nil {
		return
	}
	ContainersTotal.Set(float64(len(c.containers.Iter())))
}

func (c *Collector) collectWorkers() {
	if c.workers == nil {
		return
	}
	agents := c.workers.Iter()

	connected := 0
	for _, w := range agents {
		if w.Connected {
			connected++
		}
		WorkerAssignmentsTotal.WithLabelValues(w.ID).Set(float64(w.AssignmentCount()))
	}
	WorkersConnected.Set(float64(connected))
}

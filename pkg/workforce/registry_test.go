package workforce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/packman/pkg/types"
	"github.com/cuemby/packman/pkg/workforcerpc"
)

func TestRegisterExpectationManagerIsIdempotent(t *testing.T) {
	r := New(DefaultConfig(), nil)

	resp1 := r.RegisterExpectationManager("em1", "http://em1:8080", nil)
	assert.True(t, resp1.Registered)

	resp2 := r.RegisterExpectationManager("em1", "http://em1:9090", nil)
	assert.True(t, resp2.Registered)

	managers := r.ListManagers()
	require.Len(t, managers, 1)
	assert.Equal(t, "http://em1:9090", managers[0].Endpoint, "re-registering should refresh the endpoint")
}

func TestRegisterWorkerIsIdempotent(t *testing.T) {
	r := New(DefaultConfig(), nil)

	r.RegisterWorker("w1", []types.PackageType{types.PackageTypeMediaFile}, 4, nil)
	r.RegisterWorker("w1", []types.PackageType{types.PackageTypeMediaFile}, 8, nil)

	workers := r.ListWorkers()
	require.Len(t, workers, 1)
	assert.Equal(t, 8, workers[0].ConcurrencyLimit)
}

func TestHeartbeatUnknownPartyReturnsFalse(t *testing.T) {
	r := New(DefaultConfig(), nil)
	assert.False(t, r.Heartbeat("missing", workforcerpc.PartyManager))
}

func TestHeartbeatKnownManagerReturnsTrue(t *testing.T) {
	r := New(DefaultConfig(), nil)
	r.RegisterExpectationManager("em1", "http://em1", nil)

	assert.True(t, r.Heartbeat("em1", workforcerpc.PartyManager))
}

func TestUnregisterRemovesPartyAndReturnsWhetherItExisted(t *testing.T) {
	r := New(DefaultConfig(), nil)
	r.RegisterWorker("w1", nil, 1, nil)

	assert.True(t, r.Unregister("w1", workforcerpc.PartyWorker))
	assert.False(t, r.Unregister("w1", workforcerpc.PartyWorker))

	assert.Empty(t, r.ListWorkers())
}

func TestSweepDropsPartiesPastHeartbeatTimeout(t *testing.T) {
	r := New(Config{HeartbeatTimeout: 10 * time.Millisecond, SweepInterval: time.Hour}, nil)
	r.RegisterExpectationManager("em1", "http://em1", nil)
	r.RegisterWorker("w1", nil, 1, nil)

	time.Sleep(20 * time.Millisecond)
	r.sweep()

	assert.Empty(t, r.ListManagers())
	assert.Empty(t, r.ListWorkers())
}

func TestSweepKeepsPartiesHeartbeatingWithinTimeout(t *testing.T) {
	r := New(Config{HeartbeatTimeout: time.Hour, SweepInterval: time.Hour}, nil)
	r.RegisterExpectationManager("em1", "http://em1", nil)

	r.sweep()

	assert.Len(t, r.ListManagers(), 1)
}

func TestListWorkersReflectsCapabilities(t *testing.T) {
	r := New(DefaultConfig(), nil)
	r.RegisterWorker("w1", []types.PackageType{types.PackageTypeQuantelClip}, 2, nil)

	workers := r.ListWorkers()
	require.Len(t, workers, 1)
	assert.Equal(t, []types.PackageType{types.PackageTypeQuantelClip}, workers[0].Capabilities)
}

func TestStartStopSweepLoopTerminates(t *testing.T) {
	r := New(Config{HeartbeatTimeout: time.Hour, SweepInterval: 5 * time.Millisecond}, nil)
	r.Start()

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after closing stopCh")
	}
}

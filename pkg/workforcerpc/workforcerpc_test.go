package workforcerpc_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/packman/pkg/session"
	"github.com/cuemby/packman/pkg/types"
	"github.com/cuemby/packman/pkg/workforce"
	"github.com/cuemby/packman/pkg/workforcerpc"
)

func dialWorkforce(t *testing.T) *workforcerpc.Client {
	t.Helper()
	registry := workforce.New(workforce.DefaultConfig(), nil)

	srv := httptest.NewServer(registry)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	sess, err := session.Dial(context.Background(), wsURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	return workforcerpc.NewClient(sess)
}

func callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

func TestRegisterExpectationManagerAgainstRealRegistry(t *testing.T) {
	client := dialWorkforce(t)

	ctx, cancel := callCtx()
	defer cancel()
	resp, err := client.RegisterExpectationManager(ctx, "em1", "ws://em1:9100/workers")
	require.NoError(t, err)
	assert.True(t, resp.Registered)
	assert.Empty(t, resp.Workers)
}

func TestRegisterWorkerThenListWorkersReflectsIt(t *testing.T) {
	client := dialWorkforce(t)

	ctx, cancel := callCtx()
	defer cancel()
	_, err := client.RegisterWorker(ctx, "w1", []types.PackageType{types.PackageTypeMediaFile}, 4)
	require.NoError(t, err)

	listCtx, listCancel := callCtx()
	defer listCancel()
	listResp, err := client.ListWorkers(listCtx)
	require.NoError(t, err)
	require.Len(t, listResp.Workers, 1)
	assert.Equal(t, "w1", listResp.Workers[0].ID)
}

func TestHeartbeatAcknowledgesRegisteredParty(t *testing.T) {
	client := dialWorkforce(t)

	ctx, cancel := callCtx()
	defer cancel()
	_, err := client.RegisterExpectationManager(ctx, "em1", "ws://em1/workers")
	require.NoError(t, err)

	hbCtx, hbCancel := callCtx()
	defer hbCancel()
	resp, err := client.Heartbeat(hbCtx, "em1", workforcerpc.PartyManager)
	require.NoError(t, err)
	assert.True(t, resp.Acknowledged)
}

func TestUnregisterRemovesPartyFromRoster(t *testing.T) {
	client := dialWorkforce(t)

	ctx, cancel := callCtx()
	defer cancel()
	_, err := client.RegisterWorker(ctx, "w1", nil, 1)
	require.NoError(t, err)

	unregCtx, unregCancel := callCtx()
	defer unregCancel()
	resp, err := client.Unregister(unregCtx, "w1", workforcerpc.PartyWorker)
	require.NoError(t, err)
	assert.True(t, resp.Unregistered)

	listCtx, listCancel := callCtx()
	defer listCancel()
	listResp, err := client.ListWorkers(listCtx)
	require.NoError(t, err)
	assert.Empty(t, listResp.Workers)
}

func TestOnNotificationReceivesManagerJoinedWhenSecondPartyConnects(t *testing.T) {
	registry := workforce.New(workforce.DefaultConfig(), nil)
	srv := httptest.NewServer(registry)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	workerSess, err := session.Dial(context.Background(), wsURL)
	require.NoError(t, err)
	defer workerSess.Close()
	workerClient := workforcerpc.NewClient(workerSess)

	ctx, cancel := callCtx()
	defer cancel()
	_, err = workerClient.RegisterWorker(ctx, "w1", nil, 1)
	require.NoError(t, err)

	notified := make(chan workforcerpc.Notification, 1)
	workerClient.OnNotification(func(event string, payload json.RawMessage) {
		var n workforcerpc.Notification
		_ = json.Unmarshal(payload, &n)
		notified <- n
	})

	managerSess, err := session.Dial(context.Background(), wsURL)
	require.NoError(t, err)
	defer managerSess.Close()
	managerClient := workforcerpc.NewClient(managerSess)

	regCtx, regCancel := callCtx()
	defer regCancel()
	_, err = managerClient.RegisterExpectationManager(regCtx, "em1", "ws://em1/workers")
	require.NoError(t, err)

	select {
	case n := <-notified:
		assert.Equal(t, workforcerpc.NotifyManagerJoined, n.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for manager_joined notification")
	}
}

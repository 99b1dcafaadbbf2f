package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialPair(t *testing.T) (client *Session, serverReady <-chan *Session) {
	t.Helper()
	ch := make(chan *Session, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := Accept(w, r)
		require.NoError(t, err)
		ch <- sess
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	cli, err := Dial(context.Background(), wsURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	return cli, ch
}

func TestCallRoundTripsRequestAndResponse(t *testing.T) {
	cli, serverCh := dialPair(t)
	srv := <-serverCh
	defer srv.Close()

	handlers := map[string]RequestHandler{
		"echo": func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
			var req map[string]string
			_ = json.Unmarshal(payload, &req)
			return map[string]string{"echoed": req["msg"]}, nil
		},
	}
	go srv.Serve(context.Background(), handlers, nil)

	var resp map[string]string
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := cli.Call(ctx, "echo", map[string]string{"msg": "hello"}, &resp)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp["echoed"])
}

func TestCallReturnsErrorFromHandler(t *testing.T) {
	cli, serverCh := dialPair(t)
	srv := <-serverCh
	defer srv.Close()

	handlers := map[string]RequestHandler{
		"fail": func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
			return nil, assert.AnError
		},
	}
	go srv.Serve(context.Background(), handlers, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := cli.Call(ctx, "fail", nil, nil)
	assert.Error(t, err)
}

func TestCallUnknownMethodReturnsError(t *testing.T) {
	cli, serverCh := dialPair(t)
	srv := <-serverCh
	defer srv.Close()

	go srv.Serve(context.Background(), map[string]RequestHandler{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := cli.Call(ctx, "does-not-exist", nil, nil)
	assert.Error(t, err)
}

func TestCallTimesOutWhenContextExpires(t *testing.T) {
	cli, serverCh := dialPair(t)
	srv := <-serverCh
	defer srv.Close()

	block := make(chan struct{})
	defer close(block)
	handlers := map[string]RequestHandler{
		"slow": func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
			<-block
			return nil, nil
		},
	}
	go srv.Serve(context.Background(), handlers, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := cli.Call(ctx, "slow", nil, nil)
	assert.Error(t, err)
}

func TestPushStreamDeliversToOnStreamHandler(t *testing.T) {
	cli, serverCh := dialPair(t)
	srv := <-serverCh
	defer srv.Close()

	received := make(chan string, 1)
	cli.OnStream("job-1", func(event string, payload json.RawMessage) {
		received <- event
	})

	err := srv.PushStream("job-1", "progress", map[string]float64{"progress": 0.5})
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, "progress", event)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream frame")
	}
}

func TestStopStreamRemovesHandler(t *testing.T) {
	cli, serverCh := dialPair(t)
	srv := <-serverCh
	defer srv.Close()

	received := make(chan string, 1)
	cli.OnStream("job-1", func(event string, payload json.RawMessage) {
		received <- event
	})
	cli.StopStream("job-1")

	_ = srv.PushStream("job-1", "progress", map[string]float64{"progress": 0.5})

	select {
	case <-received:
		t.Fatal("handler should have been removed by StopStream")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseIsIdempotentAndClosesDone(t *testing.T) {
	cli, serverCh := dialPair(t)
	srv := <-serverCh
	defer srv.Close()

	require.NoError(t, cli.Close())
	assert.NoError(t, cli.Close())

	select {
	case <-cli.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() should be closed after Close()")
	}
}

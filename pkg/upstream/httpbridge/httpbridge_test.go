package httpbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/packman/pkg/types"
)

func TestSourceFetchesAndDecodesExpectations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]types.Expectation{{ID: "exp1"}})
	}))
	defer srv.Close()

	cfg := DefaultSourceConfig(srv.URL)
	cfg.PollInterval = 10 * time.Millisecond
	src := NewSource(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ch, err := src.Expectations(ctx)
	require.NoError(t, err)

	select {
	case set := <-ch:
		require.Len(t, set, 1)
		assert.Equal(t, "exp1", set[0].ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for polled expectation set")
	}
}

func TestSourceChannelClosesWhenContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]types.Expectation{})
	}))
	defer srv.Close()

	cfg := DefaultSourceConfig(srv.URL)
	cfg.PollInterval = 10 * time.Millisecond
	src := NewSource(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := src.Expectations(ctx)
	require.NoError(t, err)

	<-ch
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should close after context cancellation")
	case <-time.After(time.Second):
		t.Fatal("channel did not close after context cancellation")
	}
}

func TestSourceFetchNonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := NewSource(DefaultSourceConfig(srv.URL))
	_, err := src.fetch(context.Background())
	assert.Error(t, err)
}

func TestSinkPublishesStatusUpdatesAsJSON(t *testing.T) {
	var received []types.StatusUpdate
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewSink(DefaultSinkConfig(srv.URL))
	err := sink.Publish(context.Background(), []types.StatusUpdate{{ID: "exp1", State: types.StateFulfilled}})
	require.NoError(t, err)

	require.Len(t, received, 1)
	assert.Equal(t, "exp1", received[0].ID)
}

func TestSinkPublishNonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewSink(DefaultSinkConfig(srv.URL))
	err := sink.Publish(context.Background(), []types.StatusUpdate{{ID: "exp1"}})
	assert.Error(t, err)
}

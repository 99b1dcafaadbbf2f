package em

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/packman/pkg/containerstore"
	"github.com/cuemby/packman/pkg/evaluator"
	"github.com/cuemby/packman/pkg/events"
	"github.com/cuemby/packman/pkg/expectationstore"
	"github.com/cuemby/packman/pkg/publish"
	"github.com/cuemby/packman/pkg/types"
)

type noopSink struct{}

func (noopSink) Publish(ctx context.Context, updates []types.StatusUpdate) error { return nil }

func newTestServer() *Server {
	store := expectationstore.New()
	containers := containerstore.New()
	workers := evaluator.NewWorkerSet()
	broker := events.NewBroker()
	pub := publish.New(publish.DefaultConfig(), noopSink{})
	eval := evaluator.New(evaluator.DefaultConfig(), store, containers, workers, pub, broker)

	cfg := DefaultConfig()
	cfg.ID = "em1"
	cfg.ListenAddr = "127.0.0.1:0"
	return New(cfg, eval, workers)
}

func TestHandleWorkerDialRejectsMissingWorkerID(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/workers", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

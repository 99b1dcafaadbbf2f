// Package session provides the duplex transport the EM, Workforce, and
// Worker speak over: a gorilla/websocket connection carrying pkg/rpc
// envelopes, with request/response correlation and unsolicited stream
// frames. One Session wraps one *websocket.Conn; Dial and Accept mirror the
// teacher client's NewClient/connect split, minus the mTLS certificate-
// authority machinery (dropped — see DESIGN.md).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cuemby/packman/pkg/log"
	"github.com/cuemby/packman/pkg/rpc"
)

// StreamHandler is invoked for every unsolicited stream frame addressed to
// streamID (progress/done/error pushed back from a long-running job).
type StreamHandler func(event string, payload json.RawMessage)

// Session is one open duplex connection.
type Session struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *rpc.Envelope

	streamMu sync.RWMutex
	streams  map[string]StreamHandler

	closeOnce sync.Once
	closed    chan struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Dial opens a new Session to a peer's websocket endpoint.
func Dial(ctx context.Context, url string) (*Session, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", url, err)
	}
	return newSession(conn), nil
}

// Accept upgrades an inbound HTTP request to a Session, for the server side
// of EM<-Worker and Workforce<-{EM,Worker} connections.
func Accept(w http.ResponseWriter, r *http.Request) (*Session, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("session: upgrade: %w", err)
	}
	return newSession(conn), nil
}

func newSession(conn *websocket.Conn) *Session {
	s := &Session{
		conn:    conn,
		pending: make(map[string]chan *rpc.Envelope),
		streams: make(map[string]StreamHandler),
		closed:  make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Close terminates the underlying connection.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

// Done returns a channel closed when the session has terminated, for
// callers that need to detect disconnects (e.g. the worker-selection
// protocol marking a worker disconnected).
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) writeEnvelope(e *rpc.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(e)
}

// Call sends method with req as payload and blocks for the matching
// response, honoring ctx's deadline. A context deadline or read error
// surfaces as a transport-level error; callers wrap it in emerrors.Transport.
func (s *Session) Call(ctx context.Context, method string, req, resp interface{}) error {
	correlationID := uuid.NewString()
	envelope, err := rpc.NewRequest(correlationID, method, req)
	if err != nil {
		return err
	}

	ch := make(chan *rpc.Envelope, 1)
	s.pendingMu.Lock()
	s.pending[correlationID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, correlationID)
		s.pendingMu.Unlock()
	}()

	if err := s.writeEnvelope(envelope); err != nil {
		return fmt.Errorf("session: write %s: %w", method, err)
	}

	select {
	case reply := <-ch:
		if reply.Err != "" {
			return fmt.Errorf("session: %s: %s", method, reply.Err)
		}
		if resp != nil {
			return reply.Decode(resp)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: %s: %w", method, ctx.Err())
	case <-s.closed:
		return fmt.Errorf("session: %s: connection closed", method)
	}
}

// RequestHandler answers an inbound request for a method.
type RequestHandler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Serve runs the read loop's dispatch side: inbound requests are routed to
// handlers by method name, and the response is written back. It blocks
// until the session closes.
func (s *Session) Serve(ctx context.Context, handlers map[string]RequestHandler, onRequest func(method string)) {
	for {
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		default:
		}

		env, ok := <-s.requests()
		if !ok {
			return
		}
		if onRequest != nil {
			onRequest(env.Method)
		}

		handler, ok := handlers[env.Method]
		if !ok {
			resp, _ := rpc.NewResponse(env.CorrelationID, nil, "unknown method: "+env.Method)
			_ = s.writeEnvelope(resp)
			continue
		}

		result, err := handler(ctx, env.Payload)
		var errStr string
		if err != nil {
			errStr = err.Error()
		}
		resp, buildErr := rpc.NewResponse(env.CorrelationID, result, errStr)
		if buildErr != nil {
			log.Logger.Error().Err(buildErr).Str("method", env.Method).Msg("failed to build rpc response")
			continue
		}
		if err := s.writeEnvelope(resp); err != nil {
			log.Logger.Error().Err(err).Str("method", env.Method).Msg("failed to write rpc response")
		}
	}
}

// PushStream sends an unsolicited progress/done/error frame for streamID.
func (s *Session) PushStream(streamID, event string, v interface{}) error {
	envelope, err := rpc.NewStreamFrame(streamID, event, v)
	if err != nil {
		return err
	}
	return s.writeEnvelope(envelope)
}

// OnStream registers h to receive stream frames for streamID until removed
// with StopStream.
func (s *Session) OnStream(streamID string, h StreamHandler) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	s.streams[streamID] = h
}

// StopStream removes a stream handler.
func (s *Session) StopStream(streamID string) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	delete(s.streams, streamID)
}

var requestChans sync.Map // *Session -> chan *rpc.Envelope, lazily created

func (s *Session) requests() chan *rpc.Envelope {
	if v, ok := requestChans.Load(s); ok {
		return v.(chan *rpc.Envelope)
	}
	ch := make(chan *rpc.Envelope, 64)
	requestChans.Store(s, ch)
	return ch
}

func (s *Session) readLoop() {
	defer s.Close()
	reqCh := s.requests()
	defer close(reqCh)

	for {
		var env rpc.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Kind {
		case rpc.FrameResponse:
			s.pendingMu.Lock()
			ch, ok := s.pending[env.CorrelationID]
			s.pendingMu.Unlock()
			if ok {
				select {
				case ch <- &env:
				default:
				}
			}
		case rpc.FrameRequest:
			envCopy := env
			select {
			case reqCh <- &envCopy:
			case <-s.closed:
				return
			}
		case rpc.FrameStream:
			s.streamMu.RLock()
			h, ok := s.streams[env.StreamID]
			s.streamMu.RUnlock()
			if ok {
				h(env.StreamEvent, env.Payload)
			}
		}
	}
}

// DefaultCallTimeout bounds any remote call whose caller doesn't supply its
// own context deadline.
const DefaultCallTimeout = 10 * time.Second

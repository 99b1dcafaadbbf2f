// Package rpc defines the message envelope exchanged over a pkg/session
// connection; dispatch by method lives in pkg/session. The logical RPC contract
// (method names, request/response shapes) is what the Worker and Workforce
// contracts specify; this package hand-rolls the framing instead of relying
// on a protoc-generated client, since we never fabricate pre-generated
// stubs for dependencies we can't build.
package rpc

import (
	"encoding/json"
	"fmt"
)

// FrameKind distinguishes a request/response envelope from an unsolicited
// stream frame (progress/done/error pushed by a Worker mid-job).
type FrameKind string

const (
	FrameRequest  FrameKind = "request"
	FrameResponse FrameKind = "response"
	FrameStream   FrameKind = "stream"
)

// Envelope is the single wire shape exchanged over a Session. Request and
// response envelopes pair by CorrelationID; stream frames set StreamID
// instead and may arrive any number of times for a given job.
type Envelope struct {
	Kind          FrameKind       `json:"kind"`
	Method        string          `json:"method,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	StreamID      string          `json:"stream_id,omitempty"`
	StreamEvent   string          `json:"stream_event,omitempty"` // "progress" | "done" | "error"
	Payload       json.RawMessage `json:"payload,omitempty"`
	Err           string          `json:"err,omitempty"`
}

// NewRequest marshals v into the Payload field of a request envelope.
func NewRequest(correlationID, method string, v interface{}) (*Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request payload: %w", err)
	}
	return &Envelope{Kind: FrameRequest, Method: method, CorrelationID: correlationID, Payload: payload}, nil
}

// NewResponse builds a response envelope carrying either a result or an
// error string (never both).
func NewResponse(correlationID string, v interface{}, errStr string) (*Envelope, error) {
	e := &Envelope{Kind: FrameResponse, CorrelationID: correlationID, Err: errStr}
	if errStr == "" {
		payload, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("rpc: marshal response payload: %w", err)
		}
		e.Payload = payload
	}
	return e, nil
}

// NewStreamFrame builds an unsolicited stream frame for a running job.
func NewStreamFrame(streamID, event string, v interface{}) (*Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal stream payload: %w", err)
	}
	return &Envelope{Kind: FrameStream, StreamID: streamID, StreamEvent: event, Payload: payload}, nil
}

// Decode unmarshals the envelope's Payload into v.
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("rpc: unmarshal payload: %w", err)
	}
	return nil
}

// Package emerrors models the evaluation loop's error taxonomy as typed
// errors instead of string reasons, so the evaluator can dispatch with
// errors.As/errors.Is rather than parsing messages.
package emerrors

import (
	"errors"
	"fmt"
)

// DependencyUnmet is a sentinel: a dependsOnFulfilled entry is not yet
// satisfied. It is not an error condition; it is normal WAITING-in-NEW.
var DependencyUnmet = errors.New("dependency not fulfilled")

// Transport wraps a failure to reach a peer: unreachable worker, RPC
// timeout, malformed reply. It is never counted against an Expectation's
// errorCount; it triggers worker re-selection instead.
type Transport struct {
	Peer string
	Err  error
}

func (e *Transport) Error() string {
	return fmt.Sprintf("transport error talking to %s: %v", e.Peer, e.Err)
}

func (e *Transport) Unwrap() error { return e.Err }

// NewTransport wraps err as a Transport error for the named peer.
func NewTransport(peer string, err error) *Transport {
	return &Transport{Peer: peer, Err: err}
}

// WorkerReported is returned when a worker explicitly says the Expectation
// cannot proceed. It is counted against errorCount; backoff applies.
type WorkerReported struct {
	WorkerID string
	Reason   string
}

func (e *WorkerReported) Error() string {
	return fmt.Sprintf("worker %s reported: %s", e.WorkerID, e.Reason)
}

// NewWorkerReported constructs a WorkerReported error.
func NewWorkerReported(workerID, reason string) *WorkerReported {
	return &WorkerReported{WorkerID: workerID, Reason: reason}
}

// Config is returned for a malformed Expectation (missing fields, invalid
// accessor). It moves the Expectation to a terminal error state surfaced
// upstream; it is not retried until the Expectation is updated.
type Config struct {
	ExpectationID string
	Reason        string
}

func (e *Config) Error() string {
	return fmt.Sprintf("expectation %s has invalid configuration: %s", e.ExpectationID, e.Reason)
}

// NewConfig constructs a Config error.
func NewConfig(expectationID, reason string) *Config {
	return &Config{ExpectationID: expectationID, Reason: reason}
}

// Internal is an EM-side invariant violation. It is logged at error
// severity; the affected Expectation is reset to NEW and the loop
// continues.
type Internal struct {
	Detail string
	Err    error
}

func (e *Internal) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("internal error: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("internal error: %s", e.Detail)
}

func (e *Internal) Unwrap() error { return e.Err }

// NewInternal constructs an Internal error, optionally wrapping a cause.
func NewInternal(detail string, err error) *Internal {
	return &Internal{Detail: detail, Err: err}
}

// Summary returns a bounded-length, single-line summary of err suitable for
// a tech reason string.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	const max = 240
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

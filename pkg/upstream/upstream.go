// Package upstream defines the boundary between the core and whatever
// external system declares Expectations and wants to hear about their
// status: a Source the EM polls for the current declarative set, and a
// Sink status updates are published to (spec.md §1: "the source of
// Expectations and the destination of status ... are out of scope", but a
// runnable repo needs one concrete adapter to exercise ingest/publish).
package upstream

import (
	"context"

	"github.com/cuemby/packman/pkg/types"
)

// ExpectationSet is the full declarative set an upstream system wants
// tracked; a fresh set replaces the previous one wholesale (spec.md §4.1
// Ingest semantics), it is never a delta.
type ExpectationSet []types.Expectation

// Source supplies the current Expectation set. Expectations returns a
// channel so an implementation can push a fresh set whenever its upstream
// changes (poll-driven or push-driven), rather than being called on a fixed
// schedule by the core.
type Source interface {
	Expectations(ctx context.Context) (<-chan ExpectationSet, error)
}

// Sink is the upstream collaborator status updates are published to. It is
// the same shape pkg/publish.Queue already consumes, so any Sink here
// satisfies publish.Sink directly.
type Sink interface {
	Publish(ctx context.Context, updates []types.StatusUpdate) error
}

// Run drains src's Expectation sets into ingest (expectationstore.Store.Ingest
// has this exact signature) until src's channel closes or ctx is canceled.
func Run(ctx context.Context, src Source, ingest func([]types.Expectation) error) error {
	ch, err := src.Expectations(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case set, ok := <-ch:
			if !ok {
				return nil
			}
			if err := ingest(set); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Package httpbridge is the one concrete upstream.Source/Sink this repo
// ships: a plain HTTP+JSON polling bridge. It is deliberately built on
// net/http and encoding/json rather than the core's richer transport stack,
// since the upstream system and its wire format are outside this repo's
// scope (spec.md §1) — grounded on the teacher's pkg/health.HTTPChecker
// (http.Client with an explicit timeout, context-carrying requests).
package httpbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/packman/pkg/types"
	"github.com/cuemby/packman/pkg/upstream"
)

// SourceConfig configures the polling Source.
type SourceConfig struct {
	// URL is polled with a GET expecting a JSON array of types.Expectation.
	URL          string
	PollInterval time.Duration
	Timeout      time.Duration
}

// DefaultSourceConfig polls every 5 seconds with a 10 second request
// timeout.
func DefaultSourceConfig(url string) SourceConfig {
	return SourceConfig{
		URL:          url,
		PollInterval: 5 * time.Second,
		Timeout:      10 * time.Second,
	}
}

// Source polls cfg.URL on a fixed interval and pushes the decoded
// Expectation set onto its channel. It satisfies upstream.Source.
type Source struct {
	cfg    SourceConfig
	client *http.Client
}

// NewSource creates a Source with its own *http.Client, scoped to
// cfg.Timeout.
func NewSource(cfg SourceConfig) *Source {
	return &Source{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Expectations starts the poll loop and returns the channel it publishes
// to. The channel is closed when ctx is canceled.
func (s *Source) Expectations(ctx context.Context) (<-chan upstream.ExpectationSet, error) {
	ch := make(chan upstream.ExpectationSet, 1)
	go s.pollLoop(ctx, ch)
	return ch, nil
}

func (s *Source) pollLoop(ctx context.Context, ch chan<- upstream.ExpectationSet) {
	defer close(ch)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.pollOnce(ctx, ch)
	for {
		select {
		case <-ticker.C:
			s.pollOnce(ctx, ch)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Source) pollOnce(ctx context.Context, ch chan<- upstream.ExpectationSet) {
	set, err := s.fetch(ctx)
	if err != nil {
		return
	}
	select {
	case ch <- set:
	case <-ctx.Done():
	}
}

func (s *Source) fetch(ctx context.Context) (upstream.ExpectationSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("httpbridge: build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpbridge: fetch expectations: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpbridge: fetch expectations: unexpected status %d", resp.StatusCode)
	}

	var exps []types.Expectation
	if err := json.NewDecoder(resp.Body).Decode(&exps); err != nil {
		return nil, fmt.Errorf("httpbridge: decode expectations: %w", err)
	}
	return upstream.ExpectationSet(exps), nil
}

// SinkConfig configures the publishing Sink.
type SinkConfig struct {
	// URL receives a POST with a JSON array of types.StatusUpdate.
	URL     string
	Timeout time.Duration
}

// DefaultSinkConfig uses a 10 second request timeout.
func DefaultSinkConfig(url string) SinkConfig {
	return SinkConfig{URL: url, Timeout: 10 * time.Second}
}

// Sink posts status update batches to cfg.URL. It satisfies both
// upstream.Sink and pkg/publish.Sink.
type Sink struct {
	cfg    SinkConfig
	client *http.Client
}

// NewSink creates a Sink with its own *http.Client, scoped to cfg.Timeout.
func NewSink(cfg SinkConfig) *Sink {
	return &Sink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Publish posts updates as a single JSON array.
func (s *Sink) Publish(ctx context.Context, updates []types.StatusUpdate) error {
	body, err := json.Marshal(updates)
	if err != nil {
		return fmt.Errorf("httpbridge: marshal status updates: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("httpbridge: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("httpbridge: publish status updates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("httpbridge: publish status updates: unexpected status %d", resp.StatusCode)
	}
	return nil
}

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"dvbsboard/core"
)

// DefaultEvents are posted when no event filter is configured.
var DefaultEvents = []core.EventType{core.EventCelebrationStarted, core.EventWriteFailed}

// Sink posts selected domain events to configured HTTP endpoints.
// Posting happens on a background worker so publishers never wait on the
// network; failed deliveries are logged and not retried.
type Sink struct {
	client    *http.Client
	endpoints []string
	events    map[core.EventType]bool
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan core.Event
	wg     sync.WaitGroup
}

// Option configures a Sink.
type Option func(*Sink)

// WithClient overrides the HTTP client (defaults to 2s timeout).
func WithClient(c *http.Client) Option {
	return func(s *Sink) {
		if c != nil {
			s.client = c
		}
	}
}

// WithEvents limits which event types are posted.
func WithEvents(types ...core.EventType) Option {
	return func(s *Sink) {
		if len(types) == 0 {
			return
		}
		s.events = make(map[core.EventType]bool, len(types))
		for _, t := range types {
			s.events[t] = true
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a webhook sink and starts its worker.
func New(endpoints []string, opts ...Option) *Sink {
	s := &Sink{
		client: &http.Client{Timeout: 2 * time.Second},
		logger: slog.Default(),
		queue:  make(chan core.Event, 128),
	}
	WithEvents(DefaultEvents...)(s)
	for _, opt := range opts {
		opt(s)
	}
	s.endpoints = append([]string{}, endpoints...)
	s.logger = s.logger.With("component", "webhook")
	s.wg.Add(1)
	go s.run()
	return s
}

// OnEvent queues a selected event for posting; drops it when the queue is full.
func (s *Sink) OnEvent(e core.Event) {
	if len(s.endpoints) == 0 || !s.events[e.Type] {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- e:
	default:
		s.logger.Warn("webhook queue full, event dropped", "type", e.Type)
	}
}

// Close flushes queued events and stops the worker.
func (s *Sink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Sink) run() {
	defer s.wg.Done()
	for e := range s.queue {
		s.post(e)
	}
}

func (s *Sink) post(e core.Event) {
	body, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("encode event", "type", e.Type, "error", err)
		return
	}
	for _, ep := range s.endpoints {
		if err := s.send(ep, body); err != nil {
			s.logger.Warn("webhook delivery failed", "endpoint", ep, "type", e.Type, "error", err)
		}
	}
}

func (s *Sink) send(endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

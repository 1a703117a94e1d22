// Package webhook forwards level-up and commission events to HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"yieldkit/core"
	"yieldkit/metrics"
)

// DefaultEvents are the event types forwarded when none are configured.
var DefaultEvents = []core.EventType{core.EventLevelUp, core.EventCommissionCredited}

const (
	defaultQueueSize    = 256
	defaultWorkers      = 2
	defaultMaxRetries   = 3
	defaultRetryBackoff = 500 * time.Millisecond
	defaultDrainTimeout = 10 * time.Second
)

type delivery struct {
	endpoint string
	event    core.Event
	body     []byte
}

// Sink posts domain events to configured HTTP endpoints. OnEvent only queues;
// a small worker pool delivers, retrying transient failures with exponential
// backoff. When the queue is full new deliveries are dropped and logged.
type Sink struct {
	client       *http.Client
	endpoints    []string
	logger       *zap.Logger
	queueSize    int
	workers      int
	maxRetries   uint64
	retryBackoff time.Duration
	drainTimeout time.Duration

	mu        sync.RWMutex
	closed    bool
	jobs      chan delivery
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Sink.
type Option func(*Sink)

// WithClient overrides the HTTP client (defaults to 5s timeout).
func WithClient(c *http.Client) Option {
	return func(s *Sink) {
		if c != nil {
			s.client = c
		}
	}
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.client = &http.Client{Timeout: d}
		}
	}
}

// WithLogger sets the logger delivery failures are reported to.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithQueueSize bounds the number of deliveries waiting for a worker.
func WithQueueSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithWorkers sets the number of delivery goroutines.
func WithWorkers(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithRetry sets how many times a failed delivery is retried and the first
// delay between attempts. Zero retries means a single attempt.
func WithRetry(maxRetries int, initial time.Duration) Option {
	return func(s *Sink) {
		if maxRetries >= 0 {
			s.maxRetries = uint64(maxRetries)
		}
		if initial > 0 {
			s.retryBackoff = initial
		}
	}
}

// WithDrainTimeout bounds how long Close waits for queued deliveries before
// abandoning their retries.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.drainTimeout = d
		}
	}
}

// New creates a webhook sink and starts its workers. Call Close to stop them.
func New(endpoints []string, opts ...Option) *Sink {
	s := &Sink{
		client:       &http.Client{Timeout: 5 * time.Second},
		logger:       zap.NewNop(),
		queueSize:    defaultQueueSize,
		workers:      defaultWorkers,
		maxRetries:   defaultMaxRetries,
		retryBackoff: defaultRetryBackoff,
		drainTimeout: defaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.endpoints = append([]string{}, endpoints...)
	s.jobs = make(chan delivery, s.queueSize)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work()
	}
	return s
}

// Subscriber is satisfied by engine.Service.
type Subscriber interface {
	Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func()
}

// Attach forwards events of the given types (DefaultEvents if none) and returns
// a function that detaches the sink and drains it.
func (s *Sink) Attach(src Subscriber, types ...core.EventType) func() {
	if len(types) == 0 {
		types = DefaultEvents
	}
	unsubs := make([]func(), 0, len(types))
	for _, typ := range types {
		unsubs = append(unsubs, src.Subscribe(typ, s.OnEvent))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
		s.Close()
	}
}

// OnEvent queues the event for every endpoint and returns without waiting for
// delivery.
func (s *Sink) OnEvent(_ context.Context, e core.Event) {
	if len(s.endpoints) == 0 {
		return
	}
	body, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("webhook encode failed", zap.String("event_id", e.ID), zap.Error(err))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Debug("webhook sink closed, event not queued", zap.String("event_id", e.ID))
		return
	}
	for _, ep := range s.endpoints {
		select {
		case s.jobs <- delivery{endpoint: ep, event: e, body: body}:
		default:
			metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
			s.logger.Warn("webhook queue full",
				zap.String("endpoint", ep),
				zap.String("event_type", string(e.Type)),
				zap.String("event_id", e.ID))
		}
	}
}

// Close stops accepting events and waits for queued deliveries. Retries still
// pending after the drain timeout are abandoned.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.jobs)
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.drainTimeout):
			s.cancel()
			<-done
		}
		s.cancel()
	})
}

func (s *Sink) work() {
	defer s.wg.Done()
	for d := range s.jobs {
		s.deliver(d)
	}
}

func (s *Sink) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryBackoff
	b.MaxInterval = 10 * s.retryBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), s.ctx)
}

func (s *Sink) deliver(d delivery) {
	attempts := 0
	var lastErr error
	op := func() error {
		attempts++
		lastErr = s.post(s.ctx, d)
		return lastErr
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Debug("webhook delivery retrying",
			zap.String("endpoint", d.endpoint),
			zap.String("event_id", d.event.ID),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(op, s.newBackOff(), notify); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		var perm *backoff.PermanentError
		if errors.As(lastErr, &perm) {
			lastErr = perm.Err
		}
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		s.logger.Warn("webhook delivery failed",
			zap.String("endpoint", d.endpoint),
			zap.String("event_type", string(d.event.Type)),
			zap.String("event_id", d.event.ID),
			zap.Int("attempts", attempts),
			zap.Error(lastErr))
		return
	}
	metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
}

// post sends one attempt. Client errors other than 408 and 429 are permanent.
func (s *Sink) post(ctx context.Context, d delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(d.body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Yield-Event", string(d.event.Type))
	req.Header.Set("X-Yield-Event-Id", d.event.ID)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		return backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

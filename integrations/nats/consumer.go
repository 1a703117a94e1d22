// Package nats consumes inbound points_earned events from a NATS subject.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	natsio "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"yieldkit/config"
	"yieldkit/core"
	"yieldkit/engine"
)

// EventHandler applies an inbound event. engine.Service satisfies it.
type EventHandler interface {
	HandleEvent(ctx context.Context, in core.InboundEvent) (engine.AwardResult, error)
}

// Consumer queue-subscribes to the points subject so that replicas share the
// stream, and hands every message to the engine.
type Consumer struct {
	handler      EventHandler
	logger       *zap.Logger
	timeout      time.Duration
	drainTimeout time.Duration

	mu     sync.Mutex
	conn   *natsio.Conn
	closed chan struct{}
}

// NewConsumer returns a consumer that is not yet connected.
func NewConsumer(handler EventHandler, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{handler: handler, logger: logger, timeout: 10 * time.Second, drainTimeout: 30 * time.Second}
}

// Start connects to cfg.URL and subscribes. Messages are processed until Stop
// is called or ctx ends. Messages already being handled when ctx ends run to
// completion with their own timeout.
func (c *Consumer) Start(ctx context.Context, cfg config.NATSConfig) error {
	closed := make(chan struct{})
	conn, err := natsio.Connect(cfg.URL,
		natsio.Name("yieldkit"),
		natsio.DrainTimeout(c.drainTimeout),
		natsio.ClosedHandler(func(*natsio.Conn) { close(closed) }),
		natsio.MaxReconnects(-1),
		natsio.ReconnectWait(2*time.Second),
		natsio.DisconnectErrHandler(func(_ *natsio.Conn, err error) {
			if err != nil {
				c.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		natsio.ReconnectHandler(func(nc *natsio.Conn) {
			c.logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	msgCtx := context.WithoutCancel(ctx)
	if _, err := conn.QueueSubscribe(cfg.Subject, cfg.Queue, func(m *natsio.Msg) {
		_ = c.HandleMessage(msgCtx, m.Data)
	}); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe %s: %w", cfg.Subject, err)
	}

	c.mu.Lock()
	c.conn, c.closed = conn, closed
	c.mu.Unlock()

	c.logger.Info("nats consumer started",
		zap.String("subject", cfg.Subject),
		zap.String("queue", cfg.Queue))

	go func() {
		<-ctx.Done()
		_ = c.Stop()
	}()
	return nil
}

// HandleMessage decodes one message and applies it. Malformed and rejected
// events are logged and dropped; the returned error is for callers that want
// to observe the outcome.
func (c *Consumer) HandleMessage(ctx context.Context, data []byte) error {
	var in core.InboundEvent
	if err := json.Unmarshal(data, &in); err != nil {
		c.logger.Warn("malformed event dropped", zap.Error(err), zap.ByteString("payload", truncate(data, 256)))
		return fmt.Errorf("%w: decode: %v", core.ErrInvalidInput, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.handler.HandleEvent(ctx, in)
	switch {
	case err == nil:
		c.logger.Debug("event applied",
			zap.String("event_id", in.ID),
			zap.String("user_id", string(in.UserID)),
			zap.String("commission", string(res.Commission)),
			zap.Bool("level_up", res.LevelUp))
	case errors.Is(err, core.ErrUnsupportedEvent), errors.Is(err, core.ErrInvalidInput):
		c.logger.Warn("event rejected", zap.String("event_id", in.ID), zap.String("type", string(in.Type)), zap.Error(err))
	default:
		c.logger.Error("event failed", zap.String("event_id", in.ID), zap.String("user_id", string(in.UserID)), zap.Error(err))
	}
	return err
}

// Stop drains the connection: no new messages are accepted, messages in
// flight finish, then the connection closes. It waits for the close up to the
// drain timeout and is safe to call more than once.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.conn, c.closed = nil, nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := conn.Drain()
	if err != nil {
		conn.Close()
	}
	select {
	case <-closed:
	case <-time.After(c.drainTimeout):
		c.logger.Warn("nats drain timed out", zap.Duration("timeout", c.drainTimeout))
		conn.Close()
	}
	c.logger.Info("nats consumer stopped")
	return err
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

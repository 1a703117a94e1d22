package nats

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsio "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"yieldkit/adapters/memory"
	"yieldkit/config"
	"yieldkit/core"
	"yieldkit/engine"
)

func newService(t *testing.T) *engine.Service {
	t.Helper()
	tiers := core.DefaultTierTable()
	svc := engine.NewService(memory.New(), engine.NewEventBus(engine.DispatchSync),
		engine.DefaultRuleEngine(tiers), tiers, engine.WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(svc.Close)
	return svc
}

func TestHandleMessageAppliesEvent(t *testing.T) {
	svc := newService(t)
	c := NewConsumer(svc, zaptest.NewLogger(t))
	ctx := context.Background()

	err := c.HandleMessage(ctx, []byte(`{"type":"points_earned","id":"m1","userId":"bob","points":75,"referrerUserId":"ann"}`))
	require.NoError(t, err)

	st, err := svc.State(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(75), st.Stats.Points)

	txs, err := svc.Commissions(ctx, "ann")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "m1", txs[0].SourceEventID)

	// redelivery does not pay again
	require.NoError(t, c.HandleMessage(ctx, []byte(`{"type":"points_earned","id":"m1","userId":"bob","points":75}`)))
	txs, _ = svc.Commissions(ctx, "ann")
	assert.Len(t, txs, 1)
}

func TestHandleMessageDropsBadInput(t *testing.T) {
	c := NewConsumer(newService(t), zaptest.NewLogger(t))
	ctx := context.Background()

	assert.ErrorIs(t, c.HandleMessage(ctx, []byte(`{not json`)), core.ErrInvalidInput)
	assert.ErrorIs(t, c.HandleMessage(ctx, []byte(`{"type":"task_completed","userId":"bob"}`)), core.ErrUnsupportedEvent)
	assert.ErrorIs(t, c.HandleMessage(ctx, []byte(`{"type":"points_earned","userId":"  ","points":5}`)), core.ErrInvalidInput)
}

func runServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestConsumerReceivesFromSubject(t *testing.T) {
	ns := runServer(t)
	svc := newService(t)
	c := NewConsumer(svc, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := config.NATSConfig{Enabled: true, URL: ns.ClientURL(), Subject: "rewards.points_earned", Queue: "yieldkit"}
	require.NoError(t, c.Start(ctx, cfg))
	defer c.Stop()

	pub, err := natsio.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Publish(cfg.Subject, []byte(`{"type":"points_earned","id":"n1","userId":"eve","points":12}`)))
	require.NoError(t, pub.Flush())

	require.Eventually(t, func() bool {
		st, err := svc.State(context.Background(), "eve")
		return err == nil && st.Stats.Points == 12
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
}

type blockingHandler struct {
	entered chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func (h *blockingHandler) HandleEvent(ctx context.Context, _ core.InboundEvent) (engine.AwardResult, error) {
	close(h.entered)
	<-h.release
	h.ctxErr <- ctx.Err()
	return engine.AwardResult{}, nil
}

func TestConsumerStopWaitsForInFlightMessage(t *testing.T) {
	ns := runServer(t)
	h := &blockingHandler{entered: make(chan struct{}), release: make(chan struct{}), ctxErr: make(chan error, 1)}
	c := NewConsumer(h, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := config.NATSConfig{Enabled: true, URL: ns.ClientURL(), Subject: "rewards.points_earned", Queue: "yieldkit"}
	require.NoError(t, c.Start(ctx, cfg))

	pub, err := natsio.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Publish(cfg.Subject, []byte(`{"type":"points_earned","id":"n1","userId":"eve","points":12}`)))
	require.NoError(t, pub.Flush())

	select {
	case <-h.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop() }()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a message was still being handled")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	close(h.release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the handler finished")
	}
	assert.NoError(t, <-h.ctxErr, "handler context outlives the consumer's start context")
}

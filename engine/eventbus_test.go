package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"yieldkit/core"
)

func TestEventBusSync(t *testing.T) {
	bus := NewEventBus(DispatchSync)
	count := 0
	bus.Subscribe(core.EventPointsEarned, func(ctx context.Context, e core.Event) { count++ })
	bus.Publish(context.Background(), core.NewPointsEarned(core.UserID("u"), 1, 1, core.SourceTask))
	if count != 1 {
		t.Fatalf("want 1 got %d", count)
	}
}

func TestEventBusAsync(t *testing.T) {
	bus := NewEventBus(DispatchAsync)
	defer bus.Close()
	ch := make(chan struct{})
	bus.Subscribe(core.EventPointsEarned, func(ctx context.Context, e core.Event) { close(ch) })
	bus.Publish(context.Background(), core.NewPointsEarned(core.UserID("u"), 1, 1, core.SourceTask))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus(DispatchSync)
	count := 0
	unsub := bus.Subscribe(core.EventLevelUp, func(ctx context.Context, e core.Event) { count++ })
	unsub()
	bus.Publish(context.Background(), core.Event{Type: core.EventLevelUp})
	if count != 0 {
		t.Fatalf("want 0 got %d", count)
	}
}

func TestEventBusSubscribeAll(t *testing.T) {
	bus := NewEventBus(DispatchSync)
	seen := map[core.EventType]int{}
	bus.SubscribeAll(func(ctx context.Context, e core.Event) { seen[e.Type]++ })
	bus.Publish(context.Background(), core.NewTaskCompleted("u", 1))
	bus.Publish(context.Background(), core.NewReferralLinked("a", "b"))
	if seen[core.EventTaskCompleted] != 1 || seen[core.EventReferralLinked] != 1 {
		t.Fatalf("unexpected deliveries %v", seen)
	}
}

func TestEventBusCloseDrainsQueue(t *testing.T) {
	bus := NewEventBus(DispatchAsync)
	var count atomic.Int64
	bus.Subscribe(core.EventTaskCompleted, func(ctx context.Context, e core.Event) { count.Add(1) })
	for i := 0; i < 100; i++ {
		bus.Publish(context.Background(), core.NewTaskCompleted("u", int64(i)))
	}
	bus.Close()
	if got := count.Load(); got != 100 {
		t.Fatalf("want 100 delivered before Close returns, got %d", got)
	}
}

func TestEventBusPreservesPerUserOrder(t *testing.T) {
	bus := NewEventBus(DispatchAsync, WithShards(3), WithQueueSize(64))
	var mu sync.Mutex
	got := map[core.UserID][]int64{}
	bus.Subscribe(core.EventTaskCompleted, func(ctx context.Context, e core.Event) {
		mu.Lock()
		got[e.UserID] = append(got[e.UserID], e.Total)
		mu.Unlock()
	})
	users := []core.UserID{"a", "b", "c", "d"}
	for i := int64(1); i <= 10; i++ {
		for _, u := range users {
			bus.Publish(context.Background(), core.NewTaskCompleted(u, i))
		}
	}
	bus.Close()

	for _, u := range users {
		seq := got[u]
		if len(seq) != 10 {
			t.Fatalf("user %s: want 10 events, got %d", u, len(seq))
		}
		for i, v := range seq {
			if v != int64(i+1) {
				t.Fatalf("user %s: out of order %v", u, seq)
			}
		}
	}
}

func TestEventBusDropsWhenFullOrClosed(t *testing.T) {
	bus := NewEventBus(DispatchAsync, WithShards(1), WithQueueSize(1))
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	bus.Subscribe(core.EventTaskCompleted, func(ctx context.Context, e core.Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
	})
	var dropped atomic.Int64
	bus.OnDrop(func(core.Event) { dropped.Add(1) })

	bus.Publish(context.Background(), core.NewTaskCompleted("u", 1))
	<-started
	bus.Publish(context.Background(), core.NewTaskCompleted("u", 2)) // fills the queue
	bus.Publish(context.Background(), core.NewTaskCompleted("u", 3)) // dropped
	if dropped.Load() != 1 {
		t.Fatalf("want 1 drop, got %d", dropped.Load())
	}

	close(block)
	bus.Close()
	bus.Close()
	bus.Publish(context.Background(), core.NewTaskCompleted("u", 4))
	if dropped.Load() != 2 {
		t.Fatalf("want publish after close to drop, got %d drops", dropped.Load())
	}
}

func TestEventBusDispatchOrder(t *testing.T) {
	bus := NewEventBus(DispatchSync)
	var order []string
	bus.SubscribeAll(func(ctx context.Context, e core.Event) { order = append(order, "all") })
	bus.Subscribe(core.EventLevelUp, func(ctx context.Context, e core.Event) { order = append(order, "typed") })
	bus.Publish(context.Background(), core.Event{Type: core.EventLevelUp})
	if len(order) != 2 || order[0] != "all" || order[1] != "typed" {
		t.Fatalf("handlers ran out of registration order: %v", order)
	}
}

func TestEventBusPublishRacingClose(t *testing.T) {
	for round := 0; round < 20; round++ {
		bus := NewEventBus(DispatchAsync, WithShards(4), WithQueueSize(8))
		var delivered, dropped atomic.Int64
		bus.SubscribeAll(func(context.Context, core.Event) { delivered.Add(1) })
		bus.OnDrop(func(core.Event) { dropped.Add(1) })

		const publishers, perPublisher = 8, 50
		var wg sync.WaitGroup
		start := make(chan struct{})
		for p := 0; p < publishers; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				<-start
				user := core.UserID(string(rune('a' + p)))
				for i := 0; i < perPublisher; i++ {
					bus.Publish(context.Background(), core.NewPointsEarned(user, 1, int64(i), core.SourceTask))
				}
			}(p)
		}
		close(start)
		bus.Close()
		wg.Wait()

		if got := delivered.Load() + dropped.Load(); got != publishers*perPublisher {
			t.Fatalf("round %d: %d delivered + %d dropped, want %d total",
				round, delivered.Load(), dropped.Load(), publishers*perPublisher)
		}
	}
}

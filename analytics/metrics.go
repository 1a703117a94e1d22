package analytics

import (
	"context"

	"yieldkit/core"
)

// EventSource is the subscription surface of the rewards service.
type EventSource interface {
	SubscribeAll(handler func(context.Context, core.Event)) func()
}

// BridgeHook fans one event out to multiple hooks.
type BridgeHook struct{ hooks []Hook }

func NewBridge(hooks ...Hook) *BridgeHook { return &BridgeHook{hooks: hooks} }

func (b *BridgeHook) OnEvent(ctx context.Context, e core.Event) {
	for _, h := range b.hooks {
		h.OnEvent(ctx, e)
	}
}

// Attach subscribes h to every event of src and returns the unsubscribe func.
func Attach(src EventSource, h Hook) func() {
	return src.SubscribeAll(h.OnEvent)
}

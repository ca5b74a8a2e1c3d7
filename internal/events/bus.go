package events

import (
	"context"
	"log"
	"sync"
)

// Handler consumes a published event. Handlers must not assume they run
// before or after other handlers of the same event beyond registration order.
type Handler func(ctx context.Context, e Event)

// Bus decouples committed ledger/billing outcomes from reactive side effects
// (auto-topup, notifications, audit). Implementations are injected into the
// services so tests can swap in a recorder.
type Bus interface {
	Publish(ctx context.Context, e Event)
	Subscribe(name string, h Handler)
}

// InMemoryBus dispatches synchronously in registration order. A panicking
// subscriber is recovered and logged; it can never roll back or block the
// monetary mutation that was already committed before Publish.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{handlers: make(map[string][]Handler)}
}

func (b *InMemoryBus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

func (b *InMemoryBus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	hs := b.handlers[e.Name()]
	b.mu.RUnlock()

	for _, h := range hs {
		b.dispatch(ctx, e, h)
	}
}

func (b *InMemoryBus) dispatch(ctx context.Context, e Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[EVENTS] Subscriber panic on %s: %v", e.Name(), r)
		}
	}()
	h(ctx, e)
}

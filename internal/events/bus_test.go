package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	t.Run("delivers to subscribers in registration order", func(t *testing.T) {
		var got []string
		bus.Subscribe(DebitFailedEvent, func(ctx context.Context, e Event) {
			got = append(got, "first")
		})
		bus.Subscribe(DebitFailedEvent, func(ctx context.Context, e Event) {
			got = append(got, "second")
			df := e.(DebitFailed)
			assert.Equal(t, "user-1", df.UserID)
			assert.Equal(t, int64(200), df.Amount)
		})

		bus.Publish(ctx, DebitFailed{UserID: "user-1", Amount: 200, Reason: "insufficient_funds"})
		assert.Equal(t, []string{"first", "second"}, got)
	})

	t.Run("does not deliver to other event names", func(t *testing.T) {
		bus := NewInMemoryBus()
		called := false
		bus.Subscribe(WalletTopupEvent, func(ctx context.Context, e Event) {
			called = true
		})

		bus.Publish(ctx, DebitSuccess{UserID: "user-1", Amount: 50})
		assert.False(t, called)
	})

	t.Run("recovers a panicking subscriber", func(t *testing.T) {
		bus := NewInMemoryBus()
		var survived bool
		bus.Subscribe(WalletTopupEvent, func(ctx context.Context, e Event) {
			panic("boom")
		})
		bus.Subscribe(WalletTopupEvent, func(ctx context.Context, e Event) {
			survived = true
		})

		assert.NotPanics(t, func() {
			bus.Publish(ctx, WalletTopup{UserID: "user-1", Amount: 500})
		})
		assert.True(t, survived)
	})

	t.Run("publish with no subscribers is a no-op", func(t *testing.T) {
		bus := NewInMemoryBus()
		assert.NotPanics(t, func() {
			bus.Publish(ctx, SubscriptionSuspended{UserID: "user-1"})
		})
	})
}

package services

import (
	"context"
	"log"

	"github.com/Djerareou/afrisense-backend/internal/events"
)

const minTopupAmount = 1000

// AutoTopup reacts to failed debits by initiating a top-up payment for the
// user. It subscribes to DEBIT_FAILED so the ledger never depends on the
// payment flow; failures here are logged and never propagate.
type AutoTopup struct {
	payments      *PaymentService
	subscriptions *SubscriptionService
}

func NewAutoTopup(payments *PaymentService, subscriptions *SubscriptionService) *AutoTopup {
	return &AutoTopup{
		payments:      payments,
		subscriptions: subscriptions,
	}
}

// Register subscribes the initiator on the bus.
func (a *AutoTopup) Register(bus events.Bus) {
	bus.Subscribe(events.DebitFailedEvent, a.onDebitFailed)
}

func (a *AutoTopup) onDebitFailed(ctx context.Context, e events.Event) {
	failed, ok := e.(events.DebitFailed)
	if !ok {
		return
	}

	amount := a.topupAmount(ctx, failed.UserID)
	result, err := a.payments.InitPayment(ctx, failed.UserID, amount, map[string]string{"reason": "auto_topup"}, "")
	if err != nil {
		log.Printf("[TOPUP] Auto-topup init failed for user %s: %v", failed.UserID, err)
		return
	}
	log.Printf("[TOPUP] Auto-topup initiated for user %s (tx_ref=%s, amount=%d)", failed.UserID, result.IdempotencyKey, amount)
}

// topupAmount covers three days of the user's plan, with a floor for users
// whose plan cannot be resolved.
func (a *AutoTopup) topupAmount(ctx context.Context, userID string) int64 {
	_, plan, err := a.subscriptions.FindSubscriptionByUser(ctx, userID)
	if err != nil || plan == nil {
		return minTopupAmount
	}
	amount := plan.PricePerDay * 3
	if amount < minTopupAmount {
		return minTopupAmount
	}
	return amount
}

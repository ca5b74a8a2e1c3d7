package events

// Event names published by the ledger and billing components. Subscribers
// register against a name and receive the matching payload struct.
const (
	WalletTopupEvent             = "WALLET_TOPUP"
	DebitSuccessEvent            = "DEBIT_SUCCESS"
	DebitFailedEvent             = "DEBIT_FAILED"
	PaymentSuccessEvent          = "PAYMENT_SUCCESS"
	SubscriptionSuspendedEvent   = "SUBSCRIPTION_SUSPENDED"
	SubscriptionReactivatedEvent = "SUBSCRIPTION_REACTIVATED"
)

// Event is implemented by every payload type published on the Bus.
type Event interface {
	Name() string
}

type WalletTopup struct {
	UserID   string
	WalletID string
	Amount   int64
	Balance  int64 // balance after the credit committed
}

func (WalletTopup) Name() string { return WalletTopupEvent }

type DebitSuccess struct {
	UserID   string
	WalletID string
	Amount   int64
	Balance  int64 // balance after the debit committed
}

func (DebitSuccess) Name() string { return DebitSuccessEvent }

type DebitFailed struct {
	UserID  string
	Amount  int64 // attempted amount
	Balance int64
	Reason  string
}

func (DebitFailed) Name() string { return DebitFailedEvent }

type PaymentSuccess struct {
	UserID    string
	PaymentID string
	Amount    int64
	Method    string
}

func (PaymentSuccess) Name() string { return PaymentSuccessEvent }

type SubscriptionSuspended struct {
	UserID         string
	SubscriptionID string
	Reason         string
}

func (SubscriptionSuspended) Name() string { return SubscriptionSuspendedEvent }

type SubscriptionReactivated struct {
	UserID         string
	SubscriptionID string
}

func (SubscriptionReactivated) Name() string { return SubscriptionReactivatedEvent }

package services

import "errors"

// Domain errors. Ledger invariant violations are returned to the immediate
// caller and drive the billing state machine; they are never swallowed.
var (
	// ErrInsufficientBalance is returned when a debit would take a wallet
	// below zero. The wallet is left untouched.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrWalletFrozen is returned for any debit against a frozen wallet.
	ErrWalletFrozen = errors.New("wallet is frozen")

	// ErrInvalidSignature rejects a webhook whose HMAC does not match the
	// raw bytes received. No record is mutated.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMissingIdempotencyKey rejects a provider event that carries no
	// tx_ref; it cannot be processed safely.
	ErrMissingIdempotencyKey = errors.New("missing tx_ref")

	// ErrAdapterUnavailable indicates the payment gateway could not be
	// reached or is not configured. Payments stay pending.
	ErrAdapterUnavailable = errors.New("payment gateway unavailable")

	// ErrNotFound covers missing wallets, plans and subscriptions.
	ErrNotFound = errors.New("record not found")

	// ErrSubscriptionActive is returned when reactivating a subscription
	// that is not suspended.
	ErrSubscriptionActive = errors.New("subscription is already active")

	// ErrChargeRunInProgress is returned when a daily charge run is started
	// while a previous run has not finished.
	ErrChargeRunInProgress = errors.New("daily charge run already in progress")

	// ErrAmountNotPositive rejects zero or negative monetary amounts before
	// any state is touched.
	ErrAmountNotPositive = errors.New("amount must be positive")
)

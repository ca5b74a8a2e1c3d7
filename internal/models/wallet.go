package models

import (
	"time"
)

type Wallet struct {
	ID            string    `json:"id" db:"id"`
	UserID        string    `json:"user_id" db:"user_id"`
	Balance       int64     `json:"balance" db:"balance"` // minor currency units, never negative
	Frozen        bool      `json:"frozen" db:"frozen"`
	LoyaltyPoints int64     `json:"loyalty_points" db:"loyalty_points"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// WalletTransaction is an append-only ledger entry. The sum of all entries
// for a wallet equals its current balance.
type WalletTransaction struct {
	ID        string            `json:"id" db:"id"`
	WalletID  string            `json:"wallet_id" db:"wallet_id"`
	Type      string            `json:"type" db:"type"`     // TOPUP or DEBIT
	Amount    int64             `json:"amount" db:"amount"` // positive for TOPUP, negative for DEBIT
	Metadata  map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

const (
	TxTypeTopup = "TOPUP"
	TxTypeDebit = "DEBIT"
)

package models

import (
	"time"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusSuccess PaymentStatus = "success"
	PaymentStatusFailure PaymentStatus = "failure"
)

// PaymentRecord tracks one payment attempt. At most one record exists per
// idempotency key, and at most one transition into status=success.
type PaymentRecord struct {
	ID             string            `json:"id" db:"id"`
	UserID         string            `json:"user_id,omitempty" db:"user_id"` // empty until a provider customer is matched
	Amount         int64             `json:"amount" db:"amount"`
	Currency       string            `json:"currency" db:"currency"`
	Method         string            `json:"method" db:"method"`
	Status         PaymentStatus     `json:"status" db:"status"`
	ProviderRef    string            `json:"provider_ref,omitempty" db:"provider_ref"`
	IdempotencyKey string            `json:"idempotency_key,omitempty" db:"idempotency_key"`
	Metadata       map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

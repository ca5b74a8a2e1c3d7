package models

import (
	"time"
)

type Plan struct {
	ID            string `json:"id" db:"id"`
	Key           string `json:"key" db:"key"`
	Name          string `json:"name" db:"name"`
	PricePerDay   int64  `json:"price_per_day" db:"price_per_day"`
	FreeTrialDays int    `json:"free_trial_days" db:"free_trial_days"`
}

// Subscription holds the per-user billing state machine. At most one row
// per user.
type Subscription struct {
	ID               string     `json:"id" db:"id"`
	UserID           string     `json:"user_id" db:"user_id"`
	PlanID           string     `json:"plan_id" db:"plan_id"`
	Active           bool       `json:"active" db:"active"`
	StartDate        time.Time  `json:"start_date" db:"start_date"`
	TrialEndsAt      *time.Time `json:"trial_ends_at,omitempty" db:"trial_ends_at"`
	PrepaidUntil     *time.Time `json:"prepaid_until,omitempty" db:"prepaid_until"`
	LastChargedAt    *time.Time `json:"last_charged_at,omitempty" db:"last_charged_at"`
	RetryCount       int        `json:"retry_count" db:"retry_count"`
	LastRetryAt      *time.Time `json:"last_retry_at,omitempty" db:"last_retry_at"`
	SuspendedAt      *time.Time `json:"suspended_at,omitempty" db:"suspended_at"`
	SuspensionReason string     `json:"suspension_reason,omitempty" db:"suspension_reason"`
}

// InTrial reports whether the subscription is inside its free-trial window.
func (s *Subscription) InTrial(now time.Time) bool {
	return s.TrialEndsAt != nil && now.Before(*s.TrialEndsAt)
}

// Prepaid reports whether the subscription is inside a prepaid window.
func (s *Subscription) Prepaid(now time.Time) bool {
	return s.PrepaidUntil != nil && now.Before(*s.PrepaidUntil)
}

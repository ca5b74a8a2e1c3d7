package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/Djerareou/afrisense-backend/internal/events"
	"github.com/Djerareou/afrisense-backend/internal/models"
)

// Per-subscription outcomes of a daily charge run.
const (
	ChargeStatusInTrial      = "in_trial"
	ChargeStatusPrepaid      = "prepaid"
	ChargeStatusFrozen       = "wallet_frozen"
	ChargeStatusInsufficient = "insufficient_funds"
	ChargeStatusSuspended    = "suspended"
	ChargeStatusCharged      = "charged"
	ChargeStatusError        = "error"
)

const planCacheTTL = 60 * time.Second

type ChargeResult struct {
	SubscriptionID string `json:"subscription_id"`
	UserID         string `json:"user_id"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

// SubscriptionService drives the billing state machine:
// trial -> active -> retry -> suspended -> reactivated.
type SubscriptionService struct {
	db         *sql.DB
	wallets    *WalletService
	redis      *redis.Client
	bus        events.Bus
	retryLimit int

	chargeMu sync.Mutex // guards against overlapping daily runs
}

func NewSubscriptionService(db *sql.DB, wallets *WalletService, redisClient *redis.Client, bus events.Bus) *SubscriptionService {
	viper.SetDefault("billing.retry_limit", 3)
	return &SubscriptionService{
		db:         db,
		wallets:    wallets,
		redis:      redisClient,
		bus:        bus,
		retryLimit: viper.GetInt("billing.retry_limit"),
	}
}

// SubscribeUser attaches the user to a plan, creating the subscription on
// first call. A new subscription on a plan with free trial days starts
// inside its trial window.
func (s *SubscriptionService) SubscribeUser(ctx context.Context, userID, planKey string) (*models.Subscription, error) {
	plan, err := s.FindPlanByKey(ctx, planKey)
	if err != nil {
		return nil, err
	}

	sub, err := s.findByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if sub == nil {
		sub = &models.Subscription{
			ID:        uuid.NewString(),
			UserID:    userID,
			PlanID:    plan.ID,
			Active:    true,
			StartDate: now,
		}
		if plan.FreeTrialDays > 0 {
			trialEnds := now.AddDate(0, 0, plan.FreeTrialDays)
			sub.TrialEndsAt = &trialEnds
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO subscriptions (id, user_id, plan_id, active, start_date, trial_ends_at, retry_count)
			VALUES ($1, $2, $3, $4, $5, $6, 0)`,
			sub.ID, sub.UserID, sub.PlanID, sub.Active, sub.StartDate, nullTime(sub.TrialEndsAt))
		if err != nil {
			return nil, fmt.Errorf("failed to create subscription: %w", err)
		}
		return sub, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE subscriptions SET plan_id = $1, active = true WHERE id = $2`,
		plan.ID, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	sub.PlanID = plan.ID
	sub.Active = true
	return sub, nil
}

type billableSubscription struct {
	models.Subscription
	PricePerDay int64
}

// RunDailyCharge processes every active subscription once. The run is
// guarded against overlap: a second caller gets ErrChargeRunInProgress
// instead of contending on the same wallets. Errors are isolated per
// subscription and never abort the batch.
func (s *SubscriptionService) RunDailyCharge(ctx context.Context) ([]ChargeResult, error) {
	if !s.chargeMu.TryLock() {
		return nil, ErrChargeRunInProgress
	}
	defer s.chargeMu.Unlock()

	subs, err := s.listBillable(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]ChargeResult, 0, len(subs))
	for _, sub := range subs {
		result := ChargeResult{SubscriptionID: sub.ID, UserID: sub.UserID}
		status, err := s.chargeOne(ctx, &sub)
		if err != nil {
			result.Status = ChargeStatusError
			result.Error = err.Error()
			log.Printf("[BILLING] Subscription %s charge error: %v", sub.ID, err)
		} else {
			result.Status = status
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *SubscriptionService) chargeOne(ctx context.Context, sub *billableSubscription) (string, error) {
	now := time.Now()

	// trial wins over an exhausted prepaid window; check it first
	if sub.InTrial(now) {
		return ChargeStatusInTrial, nil
	}
	if sub.Prepaid(now) {
		return ChargeStatusPrepaid, nil
	}

	wallet, err := s.wallets.EnsureWallet(ctx, sub.UserID)
	if err != nil {
		return "", err
	}
	if wallet.Frozen {
		// frozen is not a funds problem: skip without touching retry state
		return ChargeStatusFrozen, nil
	}

	if wallet.Balance < sub.PricePerDay {
		s.bus.Publish(ctx, events.DebitFailed{
			UserID:  sub.UserID,
			Amount:  sub.PricePerDay,
			Balance: wallet.Balance,
			Reason:  "insufficient_funds",
		})
		return s.recordFailedCharge(ctx, sub, now)
	}

	_, err = s.wallets.Debit(ctx, sub.UserID, sub.PricePerDay, map[string]string{
		"reason":         "daily_subscription",
		"subscriptionId": sub.ID,
	})
	if errors.Is(err, ErrInsufficientBalance) {
		// lost a race against a concurrent debit; Debit already published
		// the failure event
		return s.recordFailedCharge(ctx, sub, now)
	}
	if errors.Is(err, ErrWalletFrozen) {
		return ChargeStatusFrozen, nil
	}
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE subscriptions SET last_charged_at = $1, retry_count = 0, last_retry_at = NULL WHERE id = $2`,
		now, sub.ID)
	if err != nil {
		return "", fmt.Errorf("failed to record charge: %w", err)
	}
	return ChargeStatusCharged, nil
}

func (s *SubscriptionService) recordFailedCharge(ctx context.Context, sub *billableSubscription, now time.Time) (string, error) {
	retryCount := sub.RetryCount + 1
	if retryCount >= s.retryLimit {
		_, err := s.db.ExecContext(ctx, `
			UPDATE subscriptions
			SET active = false, retry_count = $1, last_retry_at = $2, suspended_at = $2, suspension_reason = $3
			WHERE id = $4`,
			retryCount, now, "insufficient_funds", sub.ID)
		if err != nil {
			return "", fmt.Errorf("failed to suspend subscription: %w", err)
		}
		log.Printf("[BILLING] Subscription %s suspended after %d failed charges", sub.ID, retryCount)
		s.bus.Publish(ctx, events.SubscriptionSuspended{
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			Reason:         "insufficient_funds",
		})
		return ChargeStatusSuspended, nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET retry_count = $1, last_retry_at = $2 WHERE id = $3`,
		retryCount, now, sub.ID)
	if err != nil {
		return "", fmt.Errorf("failed to record retry: %w", err)
	}
	return ChargeStatusInsufficient, nil
}

// ReactivateSubscription re-enables a suspended subscription once the wallet
// can cover the daily price again.
func (s *SubscriptionService) ReactivateSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	sub, err := s.findByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNotFound
	}
	if sub.Active {
		return nil, ErrSubscriptionActive
	}

	plan, err := s.findPlanByID(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	balance, err := s.wallets.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < plan.PricePerDay {
		return nil, ErrInsufficientBalance
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET active = true, retry_count = 0, last_retry_at = NULL, suspended_at = NULL, suspension_reason = NULL
		WHERE id = $1`, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reactivate subscription: %w", err)
	}

	sub.Active = true
	sub.RetryCount = 0
	sub.LastRetryAt = nil
	sub.SuspendedAt = nil
	sub.SuspensionReason = ""

	log.Printf("[BILLING] Subscription %s reactivated", sub.ID)
	s.bus.Publish(ctx, events.SubscriptionReactivated{
		UserID:         userID,
		SubscriptionID: sub.ID,
	})
	return sub, nil
}

// PrepaySubscription debits pricePerDay*days up front and exempts the
// subscription from daily billing until prepaidUntil. Prepays of 30 days or
// more earn 5% bonus days, rounded down.
func (s *SubscriptionService) PrepaySubscription(ctx context.Context, userID string, days int, planKey string) (*models.Subscription, error) {
	if days <= 0 {
		return nil, fmt.Errorf("days must be positive")
	}

	sub, err := s.findByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var plan *models.Plan
	if sub == nil {
		if planKey == "" {
			return nil, ErrNotFound
		}
		sub, err = s.SubscribeUser(ctx, userID, planKey)
		if err != nil {
			return nil, err
		}
	}
	plan, err = s.findPlanByID(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	cost := plan.PricePerDay * int64(days)
	if _, err := s.wallets.Debit(ctx, userID, cost, map[string]string{
		"reason":         "prepay_subscription",
		"subscriptionId": sub.ID,
	}); err != nil {
		return nil, err
	}

	bonusDays := 0
	if days >= 30 {
		bonusDays = days * 5 / 100
	}
	prepaidUntil := time.Now().AddDate(0, 0, days+bonusDays)

	_, err = s.db.ExecContext(ctx, `
		UPDATE subscriptions SET prepaid_until = $1 WHERE id = $2`,
		prepaidUntil, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to set prepaid window: %w", err)
	}
	sub.PrepaidUntil = &prepaidUntil

	log.Printf("[BILLING] Subscription %s prepaid %d days (+%d bonus)", sub.ID, days, bonusDays)
	return sub, nil
}

// ListPlans returns the catalog ordered by daily price.
func (s *SubscriptionService) ListPlans(ctx context.Context) ([]models.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, name, price_per_day, free_trial_days FROM plans ORDER BY price_per_day ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []models.Plan
	for rows.Next() {
		var p models.Plan
		if err := rows.Scan(&p.ID, &p.Key, &p.Name, &p.PricePerDay, &p.FreeTrialDays); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// FindPlanByKey reads the plan catalog through a short-lived Redis cache.
// Redis being down degrades to direct reads.
func (s *SubscriptionService) FindPlanByKey(ctx context.Context, key string) (*models.Plan, error) {
	cacheKey := "plan:" + key
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
			var p models.Plan
			if err := json.Unmarshal([]byte(cached), &p); err == nil {
				return &p, nil
			}
		}
	}

	var p models.Plan
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key, name, price_per_day, free_trial_days FROM plans WHERE key = $1`, key).
		Scan(&p.ID, &p.Key, &p.Name, &p.PricePerDay, &p.FreeTrialDays)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find plan: %w", err)
	}

	if s.redis != nil {
		if encoded, err := json.Marshal(p); err == nil {
			if err := s.redis.Set(ctx, cacheKey, encoded, planCacheTTL).Err(); err != nil {
				log.Printf("[BILLING] Plan cache write failed: %v", err)
			}
		}
	}
	return &p, nil
}

// FindSubscriptionByUser returns the user's subscription with its plan price
// resolved, for the auto-topup amount computation.
func (s *SubscriptionService) FindSubscriptionByUser(ctx context.Context, userID string) (*models.Subscription, *models.Plan, error) {
	sub, err := s.findByUser(ctx, userID)
	if err != nil || sub == nil {
		return nil, nil, err
	}
	plan, err := s.findPlanByID(ctx, sub.PlanID)
	if err != nil {
		return nil, nil, err
	}
	return sub, plan, nil
}

func (s *SubscriptionService) findPlanByID(ctx context.Context, id string) (*models.Plan, error) {
	var p models.Plan
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key, name, price_per_day, free_trial_days FROM plans WHERE id = $1`, id).
		Scan(&p.ID, &p.Key, &p.Name, &p.PricePerDay, &p.FreeTrialDays)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find plan: %w", err)
	}
	return &p, nil
}

const subscriptionColumns = `id, user_id, plan_id, active, start_date, trial_ends_at, prepaid_until, last_charged_at, retry_count, last_retry_at, suspended_at, suspension_reason`

func (s *SubscriptionService) findByUser(ctx context.Context, userID string) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1`, userID)

	var sub models.Subscription
	var trialEndsAt, prepaidUntil, lastChargedAt, lastRetryAt, suspendedAt sql.NullTime
	var suspensionReason sql.NullString
	err := row.Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.Active, &sub.StartDate,
		&trialEndsAt, &prepaidUntil, &lastChargedAt, &sub.RetryCount, &lastRetryAt,
		&suspendedAt, &suspensionReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	sub.TrialEndsAt = timePtr(trialEndsAt)
	sub.PrepaidUntil = timePtr(prepaidUntil)
	sub.LastChargedAt = timePtr(lastChargedAt)
	sub.LastRetryAt = timePtr(lastRetryAt)
	sub.SuspendedAt = timePtr(suspendedAt)
	sub.SuspensionReason = suspensionReason.String
	return &sub, nil
}

func (s *SubscriptionService) listBillable(ctx context.Context) ([]billableSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.user_id, s.plan_id, s.active, s.start_date, s.trial_ends_at, s.prepaid_until,
		       s.last_charged_at, s.retry_count, s.last_retry_at, s.suspended_at, s.suspension_reason,
		       p.price_per_day
		FROM subscriptions s
		JOIN plans p ON p.id = s.plan_id
		WHERE s.active = true
		ORDER BY s.start_date ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []billableSubscription
	for rows.Next() {
		var sub billableSubscription
		var trialEndsAt, prepaidUntil, lastChargedAt, lastRetryAt, suspendedAt sql.NullTime
		var suspensionReason sql.NullString
		err := rows.Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.Active, &sub.StartDate,
			&trialEndsAt, &prepaidUntil, &lastChargedAt, &sub.RetryCount, &lastRetryAt,
			&suspendedAt, &suspensionReason, &sub.PricePerDay)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		sub.TrialEndsAt = timePtr(trialEndsAt)
		sub.PrepaidUntil = timePtr(prepaidUntil)
		sub.LastChargedAt = timePtr(lastChargedAt)
		sub.LastRetryAt = timePtr(lastRetryAt)
		sub.SuspendedAt = timePtr(suspendedAt)
		sub.SuspensionReason = suspensionReason.String
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

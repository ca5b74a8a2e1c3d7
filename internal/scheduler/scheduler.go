package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/spf13/viper"

	"github.com/Djerareou/afrisense-backend/internal/services"
)

// DailyCharge fires the billing run once per day at the configured hour.
// Runs never overlap: RunDailyCharge holds its own in-flight guard and a
// tick that lands while a run is in progress is skipped, not queued.
type DailyCharge struct {
	subscriptions *services.SubscriptionService
	chargeHour    int
}

func NewDailyCharge(subscriptions *services.SubscriptionService) *DailyCharge {
	viper.SetDefault("billing.charge_hour", 0)
	return &DailyCharge{
		subscriptions: subscriptions,
		chargeHour:    viper.GetInt("billing.charge_hour"),
	}
}

// Start blocks until ctx is cancelled. Run it in its own goroutine.
func (d *DailyCharge) Start(ctx context.Context) {
	for {
		next := d.nextRun(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Println("[SCHEDULER] Daily charge scheduler stopped")
			return
		case <-timer.C:
			d.runOnce(ctx)
		}
	}
}

func (d *DailyCharge) runOnce(ctx context.Context) {
	log.Println("[SCHEDULER] Running daily subscription charge job")
	results, err := d.subscriptions.RunDailyCharge(ctx)
	if errors.Is(err, services.ErrChargeRunInProgress) {
		log.Println("[SCHEDULER] Previous charge run still in flight, skipping tick")
		return
	}
	if err != nil {
		log.Printf("[SCHEDULER] Daily charge job failed: %v", err)
		return
	}

	charged, failed := 0, 0
	for _, r := range results {
		switch r.Status {
		case services.ChargeStatusCharged:
			charged++
		case services.ChargeStatusInsufficient, services.ChargeStatusSuspended, services.ChargeStatusError:
			failed++
		}
	}
	log.Printf("[SCHEDULER] Daily charge done: %d subscriptions, %d charged, %d failed", len(results), charged, failed)
}

func (d *DailyCharge) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), d.chargeHour, 5, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

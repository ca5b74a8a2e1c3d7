package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Djerareou/afrisense-backend/internal/events"
	"github.com/Djerareou/afrisense-backend/internal/gateway"
	"github.com/Djerareou/afrisense-backend/internal/models"
)

// Reconciliation outcomes. AlreadyProcessed is a success signal, not an
// error: the provider must receive a 2xx so it stops redelivering.
const (
	OutcomeProcessed        = "processed"
	OutcomeAlreadyProcessed = "already_processed"
	OutcomeNoUserMatched    = "no_user_matched"
	OutcomeFailed           = "non_success"
)

// PaymentService owns payment records and reconciles provider events into
// the wallet ledger exactly once per idempotency key.
type PaymentService struct {
	db      *sql.DB
	wallets *WalletService
	users   UserDirectory
	gateway gateway.Client
	gwCfg   *gateway.Config
	bus     events.Bus
}

func NewPaymentService(db *sql.DB, wallets *WalletService, users UserDirectory, gw gateway.Client, gwCfg *gateway.Config, bus events.Bus) *PaymentService {
	return &PaymentService{
		db:      db,
		wallets: wallets,
		users:   users,
		gateway: gw,
		gwCfg:   gwCfg,
		bus:     bus,
	}
}

type InitPaymentResult struct {
	Payment        *models.PaymentRecord `json:"payment"`
	IdempotencyKey string                `json:"idempotency_key"`
	Link           string                `json:"link,omitempty"`
	Reconciled     bool                  `json:"reconciled"`
}

// InitPayment creates (or re-uses) the pending payment record for an
// idempotency key and asks the gateway for a hosted payment link. Adapter
// failure is non-fatal: the pending record is returned without a link.
func (s *PaymentService) InitPayment(ctx context.Context, userID string, amount int64, metadata map[string]string, idempotencyKey string) (*InitPaymentResult, error) {
	if amount <= 0 {
		return nil, ErrAmountNotPositive
	}

	key := idempotencyKey
	if key == "" {
		key = metadata["tx_ref"]
	}
	if key == "" {
		key = "fw:" + uuid.NewString()
	}

	// idempotent short-circuit: a payment that already succeeded under this
	// key is returned unchanged. If it succeeded before a user could be
	// matched, attach the caller's user and credit the wallet now.
	existing, err := s.findSuccessfulByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.UserID == "" && userID != "" {
			if err := s.attachUser(ctx, existing.ID, userID); err != nil {
				return nil, err
			}
			existing.UserID = userID
			if _, err := s.wallets.AddCredit(ctx, userID, existing.Amount, map[string]string{
				"provider":  "flutterwave",
				"paymentId": existing.ID,
			}); err != nil {
				return nil, err
			}
		}
		return &InitPaymentResult{Payment: existing, IdempotencyKey: key, Reconciled: true}, nil
	}

	payment, err := s.findOrCreatePending(ctx, userID, amount, "flutterwave", key, metadata)
	if err != nil {
		return nil, err
	}
	if payment.UserID == "" && userID != "" {
		if err := s.attachUser(ctx, payment.ID, userID); err != nil {
			return nil, err
		}
		payment.UserID = userID
	}

	result := &InitPaymentResult{Payment: payment, IdempotencyKey: key}

	linkReq := gateway.PaymentLinkRequest{
		TxRef:       key,
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		RedirectURL: s.gwCfg.ReturnURL,
	}
	if user, err := s.users.FindUserByID(ctx, userID); err == nil {
		linkReq.CustomerEmail = user.Email
	}

	link, err := s.gateway.CreatePaymentLink(ctx, linkReq)
	if err != nil {
		// degraded mode: payment initiation is allowed to be provider-less
		log.Printf("[RECONCILE] Gateway link creation failed for %s: %v", key, err)
		return result, nil
	}
	result.Link = link.Link
	return result, nil
}

type WebhookOutcome struct {
	Outcome string                `json:"outcome"`
	Payment *models.PaymentRecord `json:"payment,omitempty"`
}

type webhookData struct {
	ID       json.Number `json:"id"`
	TxRef    string      `json:"tx_ref"`
	Status   string      `json:"status"`
	Amount   json.Number `json:"amount"`
	Currency string      `json:"currency"`
	Customer struct {
		Email string `json:"email"`
		Phone string `json:"phone_number"`
	} `json:"customer"`
	Meta struct {
		TxRef string `json:"tx_ref"`
	} `json:"meta"`
}

// HandleWebhook validates the provider signature over the exact raw bytes
// received and applies the event to the payment record and the ledger at
// most once.
func (s *PaymentService) HandleWebhook(ctx context.Context, headers http.Header, raw []byte) (*WebhookOutcome, error) {
	signature := headers.Get("verif-hash")
	if signature == "" {
		signature = headers.Get("x-flw-signature")
	}
	if !s.gwCfg.VerifySignature(raw, signature) {
		return nil, ErrInvalidSignature
	}

	data, err := parseWebhookBody(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse webhook body: %w", err)
	}

	txRef := data.TxRef
	if txRef == "" {
		txRef = data.Meta.TxRef
	}
	if txRef == "" {
		return nil, ErrMissingIdempotencyKey
	}
	providerRef := data.ID.String()
	amount, _ := data.Amount.Int64()

	// primary defense against duplicate delivery
	existing, err := s.findSuccessfulByKey(ctx, txRef)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &WebhookOutcome{Outcome: OutcomeAlreadyProcessed, Payment: existing}, nil
	}

	payment, err := s.findByKey(ctx, txRef)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		userID := s.resolveUser(ctx, data.Customer.Email, data.Customer.Phone)
		if userID == "" {
			// money is never credited to an unidentified user; park the
			// event for manual review instead
			if err := s.auditUnmatchedWebhook(ctx, raw); err != nil {
				return nil, err
			}
			return &WebhookOutcome{Outcome: OutcomeNoUserMatched}, nil
		}
		payment, err = s.findOrCreatePending(ctx, userID, amount, "flutterwave", txRef, map[string]string{"currency": data.Currency})
		if err != nil {
			return nil, err
		}
	}

	if !isSuccessStatus(data.Status) {
		if err := s.markFailure(ctx, txRef, providerRef); err != nil {
			return nil, err
		}
		payment.Status = models.PaymentStatusFailure
		payment.ProviderRef = providerRef
		return &WebhookOutcome{Outcome: OutcomeFailed, Payment: payment}, nil
	}

	return s.reconcileSuccess(ctx, txRef, providerRef)
}

type ReconcileOutcome struct {
	Found   bool                       `json:"found"`
	Outcome string                     `json:"outcome,omitempty"`
	Remote  *gateway.TransactionStatus `json:"remote,omitempty"`
	Payment *models.PaymentRecord      `json:"payment,omitempty"`
}

// VerifyAndReconcile is the pull counterpart of HandleWebhook for delayed or
// lost deliveries. It queries the provider by tx_ref and applies the same
// reconciliation rule; whichever path transitions the record to success
// first wins and the other observes already_processed.
func (s *PaymentService) VerifyAndReconcile(ctx context.Context, txRef string) (*ReconcileOutcome, error) {
	if txRef == "" {
		return nil, ErrMissingIdempotencyKey
	}

	existing, err := s.findSuccessfulByKey(ctx, txRef)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &ReconcileOutcome{Found: true, Outcome: OutcomeAlreadyProcessed, Payment: existing}, nil
	}

	remote, err := s.gateway.GetTransactionStatus(ctx, txRef)
	if err != nil {
		// non-fatal: the payment stays pending until the provider answers
		return nil, fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}

	payment, err := s.findByKey(ctx, txRef)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		userID := s.resolveUser(ctx, remote.CustomerEmail, remote.CustomerPhone)
		if userID == "" {
			return &ReconcileOutcome{Found: true, Outcome: OutcomeNoUserMatched, Remote: remote}, nil
		}
		payment, err = s.findOrCreatePending(ctx, userID, remote.Amount, "flutterwave", txRef, map[string]string{"currency": remote.Currency})
		if err != nil {
			return nil, err
		}
	}

	if !isSuccessStatus(remote.Status) {
		if err := s.markFailure(ctx, txRef, remote.ProviderID); err != nil {
			return nil, err
		}
		payment.Status = models.PaymentStatusFailure
		payment.ProviderRef = remote.ProviderID
		return &ReconcileOutcome{Found: true, Outcome: OutcomeFailed, Remote: remote, Payment: payment}, nil
	}

	outcome, err := s.reconcileSuccess(ctx, txRef, remote.ProviderID)
	if err != nil {
		return nil, err
	}
	return &ReconcileOutcome{Found: true, Outcome: outcome.Outcome, Remote: remote, Payment: outcome.Payment}, nil
}

// SimulatePayment runs a provider-less payment end to end: pending record,
// success transition, wallet credit. Sandbox and test environments only.
func (s *PaymentService) SimulatePayment(ctx context.Context, userID string, amount int64, method string, metadata map[string]string) (*models.PaymentRecord, error) {
	if amount <= 0 {
		return nil, ErrAmountNotPositive
	}
	key := "sim:" + uuid.NewString()
	if _, err := s.findOrCreatePending(ctx, userID, amount, method, key, metadata); err != nil {
		return nil, err
	}
	outcome, err := s.reconcileSuccess(ctx, key, "")
	if err != nil {
		return nil, err
	}
	return outcome.Payment, nil
}

// FindByIdempotencyKey exposes the local record for the verify endpoint.
func (s *PaymentService) FindByIdempotencyKey(ctx context.Context, key string) (*models.PaymentRecord, error) {
	return s.findByKey(ctx, key)
}

// reconcileSuccess performs the single transition of a payment record into
// status=success and the matching wallet credit in one database transaction.
// The row lock plus the pending-status check is the winner-takes-transition
// guard between racing webhook and poll paths.
func (s *PaymentService) reconcileSuccess(ctx context.Context, txRef, providerRef string) (*WebhookOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	payment, err := s.lockByKey(tx, txRef)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, ErrNotFound
	}
	if payment.Status == models.PaymentStatusSuccess {
		return &WebhookOutcome{Outcome: OutcomeAlreadyProcessed, Payment: payment}, nil
	}

	now := time.Now()
	_, err = tx.Exec(`
		UPDATE payment_records SET status = $1, provider_ref = $2, updated_at = $3 WHERE id = $4`,
		models.PaymentStatusSuccess, nullString(providerRef), now, payment.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark payment success: %w", err)
	}

	var wallet *models.Wallet
	var newBalance int64
	if payment.UserID != "" {
		wallet, err = s.ensureWalletTx(ctx, tx, payment.UserID)
		if err != nil {
			return nil, err
		}
		newBalance, err = s.wallets.CreditTx(tx, wallet.ID, payment.Amount, map[string]string{
			"provider":  payment.Method,
			"paymentId": payment.ID,
		})
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reconciliation: %w", err)
	}

	payment.Status = models.PaymentStatusSuccess
	payment.ProviderRef = providerRef
	payment.UpdatedAt = now

	log.Printf("[RECONCILE] Payment %s reconciled as success (tx_ref=%s)", payment.ID, txRef)
	s.bus.Publish(ctx, events.PaymentSuccess{
		UserID:    payment.UserID,
		PaymentID: payment.ID,
		Amount:    payment.Amount,
		Method:    payment.Method,
	})
	if wallet != nil {
		s.bus.Publish(ctx, events.WalletTopup{
			UserID:   payment.UserID,
			WalletID: wallet.ID,
			Amount:   payment.Amount,
			Balance:  newBalance,
		})
	}
	return &WebhookOutcome{Outcome: OutcomeProcessed, Payment: payment}, nil
}

// ensureWalletTx creates the wallet ahead of the locked credit if needed.
// The insert is idempotent, so running it inside the reconciliation tx is
// safe even when another path creates the wallet concurrently.
func (s *PaymentService) ensureWalletTx(ctx context.Context, tx *sql.Tx, userID string) (*models.Wallet, error) {
	_, err := tx.Exec(`
		INSERT INTO wallets (id, user_id, balance, frozen, loyalty_points, updated_at)
		VALUES ($1, $2, 0, false, 0, $3)
		ON CONFLICT (user_id) DO NOTHING`,
		uuid.NewString(), userID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to ensure wallet: %w", err)
	}

	var w models.Wallet
	err = tx.QueryRow(`
		SELECT id, user_id, balance, frozen, loyalty_points, updated_at
		FROM wallets
		WHERE user_id = $1`, userID).
		Scan(&w.ID, &w.UserID, &w.Balance, &w.Frozen, &w.LoyaltyPoints, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet: %w", err)
	}
	return &w, nil
}

func (s *PaymentService) resolveUser(ctx context.Context, email, phone string) string {
	if email != "" {
		if u, err := s.users.FindUserByEmail(ctx, email); err == nil {
			return u.ID
		}
	}
	if phone != "" {
		if u, err := s.users.FindUserByPhone(ctx, phone); err == nil {
			return u.ID
		}
	}
	return ""
}

func (s *PaymentService) auditUnmatchedWebhook(ctx context.Context, raw []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_trail (id, action, target_model, after_data, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), "flutterwave_webhook_unmatched", "PaymentRecord", string(raw), time.Now())
	if err != nil {
		return fmt.Errorf("failed to record unmatched webhook: %w", err)
	}
	log.Printf("[RECONCILE] Unmatched webhook parked for review")
	return nil
}

func (s *PaymentService) findOrCreatePending(ctx context.Context, userID string, amount int64, method, key string, metadata map[string]string) (*models.PaymentRecord, error) {
	if existing, err := s.findByKey(ctx, key); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	meta, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payment_records (id, user_id, amount, currency, method, status, idempotency_key, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		uuid.NewString(), nullString(userID), amount, "XAF", method, models.PaymentStatusPending, key, meta, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment record: %w", err)
	}

	payment, err := s.findByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, fmt.Errorf("payment record missing after create (tx_ref=%s)", key)
	}
	return payment, nil
}

func (s *PaymentService) attachUser(ctx context.Context, paymentID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payment_records SET user_id = $1, updated_at = $2 WHERE id = $3 AND user_id IS NULL`,
		userID, time.Now(), paymentID)
	if err != nil {
		return fmt.Errorf("failed to attach user to payment: %w", err)
	}
	return nil
}

func (s *PaymentService) markFailure(ctx context.Context, key, providerRef string) error {
	// never downgrade a record that already reached a terminal state
	_, err := s.db.ExecContext(ctx, `
		UPDATE payment_records SET status = $1, provider_ref = $2, updated_at = $3
		WHERE idempotency_key = $4 AND status = $5`,
		models.PaymentStatusFailure, nullString(providerRef), time.Now(), key, models.PaymentStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark payment failure: %w", err)
	}
	return nil
}

const paymentColumns = `id, user_id, amount, currency, method, status, provider_ref, idempotency_key, created_at, updated_at`

func (s *PaymentService) findByKey(ctx context.Context, key string) (*models.PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payment_records
		WHERE idempotency_key = $1`, key)
	return scanPayment(row)
}

func (s *PaymentService) findSuccessfulByKey(ctx context.Context, key string) (*models.PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payment_records
		WHERE idempotency_key = $1 AND status = $2`, key, models.PaymentStatusSuccess)
	return scanPayment(row)
}

func (s *PaymentService) lockByKey(tx *sql.Tx, key string) (*models.PaymentRecord, error) {
	row := tx.QueryRow(`
		SELECT `+paymentColumns+`
		FROM payment_records
		WHERE idempotency_key = $1
		FOR UPDATE`, key)
	return scanPayment(row)
}

func scanPayment(row *sql.Row) (*models.PaymentRecord, error) {
	var p models.PaymentRecord
	var userID, providerRef, idempotencyKey sql.NullString
	err := row.Scan(&p.ID, &userID, &p.Amount, &p.Currency, &p.Method, &p.Status, &providerRef, &idempotencyKey, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment record: %w", err)
	}
	p.UserID = userID.String
	p.ProviderRef = providerRef.String
	p.IdempotencyKey = idempotencyKey.String
	return &p, nil
}

func parseWebhookBody(raw []byte) (*webhookData, error) {
	var envelope struct {
		Data *webhookData `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	if envelope.Data != nil {
		return envelope.Data, nil
	}
	// some providers post the transaction fields at the top level
	var flat webhookData
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}
	return &flat, nil
}

func isSuccessStatus(status string) bool {
	switch strings.ToLower(status) {
	case "successful", "success", "completed", "ok":
		return true
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

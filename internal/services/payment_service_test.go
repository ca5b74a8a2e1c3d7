package services

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/Djerareou/afrisense-backend/internal/events"
	"github.com/Djerareou/afrisense-backend/internal/gateway"
	"github.com/Djerareou/afrisense-backend/internal/models"
)

type fakeGateway struct {
	linkResp   *gateway.PaymentLinkResponse
	linkErr    error
	statusResp *gateway.TransactionStatus
	statusErr  error
	linkCalls  int
}

func (f *fakeGateway) CreatePaymentLink(ctx context.Context, req gateway.PaymentLinkRequest) (*gateway.PaymentLinkResponse, error) {
	f.linkCalls++
	return f.linkResp, f.linkErr
}

func (f *fakeGateway) GetTransactionStatus(ctx context.Context, txRef string) (*gateway.TransactionStatus, error) {
	return f.statusResp, f.statusErr
}

type fakeUserDirectory struct {
	byID    map[string]*models.User
	byEmail map[string]*models.User
	byPhone map[string]*models.User
}

func (f *fakeUserDirectory) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := f.byID[id]; ok {
		return u, nil
	}
	return nil, ErrNotFound
}

func (f *fakeUserDirectory) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	if u, ok := f.byEmail[email]; ok {
		return u, nil
	}
	return nil, ErrNotFound
}

func (f *fakeUserDirectory) FindUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	if u, ok := f.byPhone[phone]; ok {
		return u, nil
	}
	return nil, ErrNotFound
}

func paymentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "amount", "currency", "method", "status",
		"provider_ref", "idempotency_key", "created_at", "updated_at",
	})
}

func pendingPaymentRow(id, userID string, amount int64, key string) *sqlmock.Rows {
	now := time.Now()
	return paymentRows().AddRow(id, userID, amount, "XAF", "flutterwave", "pending", nil, key, now, now)
}

func successPaymentRow(id, userID string, amount int64, key string) *sqlmock.Rows {
	now := time.Now()
	return paymentRows().AddRow(id, userID, amount, "XAF", "flutterwave", "success", "fw-123", key, now, now)
}

type paymentFixture struct {
	service  *PaymentService
	mock     sqlmock.Sqlmock
	gateway  *fakeGateway
	users    *fakeUserDirectory
	recorder *eventRecorder
	close    func()
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	bus := events.NewInMemoryBus()
	recorder := recordAllEvents(bus)
	gw := &fakeGateway{}
	users := &fakeUserDirectory{
		byID:    map[string]*models.User{},
		byEmail: map[string]*models.User{},
		byPhone: map[string]*models.User{},
	}
	cfg := &gateway.Config{WebhookSecret: "whsec-test"}
	wallets := NewWalletService(db, bus)

	return &paymentFixture{
		service:  NewPaymentService(db, wallets, users, gw, cfg, bus),
		mock:     mock,
		gateway:  gw,
		users:    users,
		recorder: recorder,
		close:    func() { db.Close() },
	}
}

// expectReconcileSuccess registers the single-transaction reconciliation:
// lock the record, mark it success, ensure the wallet and credit it.
func expectReconcileSuccess(mock sqlmock.Sqlmock, key, paymentID, userID, walletID string, amount, balanceBefore int64) {
	mock.ExpectBegin()
	mock.ExpectQuery("FROM payment_records WHERE idempotency_key = \\$1 FOR UPDATE").
		WithArgs(key).
		WillReturnRows(pendingPaymentRow(paymentID, userID, amount, key))
	mock.ExpectExec("UPDATE payment_records SET status = \\$1, provider_ref = \\$2, updated_at = \\$3 WHERE id = \\$4").
		WithArgs(models.PaymentStatusSuccess, sqlmock.AnyArg(), sqlmock.AnyArg(), paymentID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO wallets").
		WithArgs(sqlmock.AnyArg(), userID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM wallets WHERE user_id = \\$1").
		WithArgs(userID).
		WillReturnRows(walletRow(walletID, userID, balanceBefore, false))
	mock.ExpectQuery("FROM wallets WHERE id = \\$1 FOR UPDATE").
		WithArgs(walletID).
		WillReturnRows(walletRow(walletID, userID, balanceBefore, false))
	mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = \\$2 WHERE id = \\$3").
		WithArgs(balanceBefore+amount, sqlmock.AnyArg(), walletID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO wallet_transactions").
		WithArgs(sqlmock.AnyArg(), walletID, "TOPUP", amount, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func signedWebhook(cfg *gateway.Config, body string) (http.Header, []byte) {
	raw := []byte(body)
	headers := http.Header{}
	headers.Set("verif-hash", cfg.ComputeSignature(raw))
	return headers, raw
}

func TestPaymentService_HandleWebhook(t *testing.T) {
	ctx := context.Background()
	cfg := &gateway.Config{WebhookSecret: "whsec-test"}

	t.Run("rejects an invalid signature before touching the database", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.close()

		headers := http.Header{}
		headers.Set("verif-hash", "not-the-right-hash")

		_, err := f.service.HandleWebhook(ctx, headers, []byte(`{"data":{"tx_ref":"ref-1","status":"successful"}}`))
		assert.ErrorIs(t, err, ErrInvalidSignature)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("rejects a missing signature", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.close()

		_, err := f.service.HandleWebhook(ctx, http.Header{}, []byte(`{}`))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("rejects a payload without tx_ref", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.close()

		headers, raw := signedWebhook(cfg, `{"data":{"status":"successful","amount":500}}`)
		_, err := f.service.HandleWebhook(ctx, headers, raw)
		assert.ErrorIs(t, err, ErrMissingIdempotencyKey)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("credits the wallet once for a matched success", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.close()

		f.mock.ExpectQuery("WHERE idempotency_key = \\$1 AND status = \\$2").
			WithArgs("ref-1", models.PaymentStatusSuccess).
			WillReturnRows(paymentRows())
		f.mock.ExpectQuery("FROM payment_records WHERE idempotency_key = \\$1").
			WithArgs("ref-1").
			WillReturnRows(pendingPaymentRow("pay-1", "user-1", 500, "ref-1"))
		expectReconcileSuccess(f.mock, "ref-1", "pay-1", "user-1", "w-1", 500, 100)

		headers, raw := signedWebhook(cfg, `{"data":{"id":9221,"tx_ref":"ref-1","status":"successful","amount":500,"currency":"XAF"}}`)
		outcome, err := f.service.HandleWebhook(ctx, headers, raw)
		assert.NoError(t, err)
		assert.Equal(t, OutcomeProcessed, outcome.Outcome)
		assert.Equal(t, models.PaymentStatusSuccess, outcome.Payment.Status)
		assert.NoError(t, f.mock.ExpectationsWereMet())

		assert.Len(t, f.recorder.byName(events.PaymentSuccessEvent), 1)
		topups := f.recorder.byName(events.WalletTopupEvent)
		assert.Len(t, topups, 1)
		assert.Equal(t, int64(600), topups[0].(events.WalletTopup).Balance)
	})

	t.Run("redelivery of a processed key credits nothing", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.close()

		f.mock.ExpectQuery("WHERE idempotency_key = \\$1 AND status = \\$2").
			WithArgs("ref-1", models.PaymentStatusSuccess).
			WillReturnRows(successPaymentRow("pay-1", "user-1", 500, "ref-1"))

		headers, raw := signedWebhook(cfg, `{"data":{"id":9221,"tx_ref":"ref-1","status":"successful","amount":500}}`)
		outcome, err := f.service.HandleWebhook(ctx, headers, raw)
		assert.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyProcessed, outcome.Outcome)
		assert.NoError(t, f.mock.ExpectationsWereMet())
		assert.Empty(t, f.recorder.byName(events.WalletTopupEvent))
	})

	t.Run("resolves an unknown key through the customer email", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.close()
		f.users.byEmail["driver@example.cm"] = &models.User{ID: "user-9", Email: "driver@example.cm"}

		f.mock.ExpectQuery("WHERE idempotency_key = \\$1 AND status = \\$2").
			WithArgs("ref-9", models.PaymentStatusSuccess).
			WillReturnRows(paymentRows())
		f.mock.ExpectQuery("FROM payment_records WHERE idempotency_key = \\$1").
			WithArgs("ref-9").
			WillReturnRows(paymentRows())
		// findOrCreatePending for the resolved user
		f.mock.ExpectQuery("FROM payment_records WHERE idempotency_key = \\$1").
			WithArgs("ref-9").
			WillReturnRows(paymentRows())
		f.mock.ExpectExec("INSERT INTO payment_records").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), int64(750), "XAF", "flutterwave",
				models.PaymentStatusPending, "ref-9", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectQuery("FROM payment_records WHERE idempotency_key = \\$1").
			WithArgs("ref-9").
			WillReturnRows(pendingPaymentRow("pay-9", "user-9", 750, "ref-9"))
		expectReconcileSuccess(f.mock, "ref-9", "pay-9", "user-9", "w-9", 750, 0)

		headers, raw := signedWebhook(cfg, `{"data":{"id":801,"tx_ref":"ref-9","status":"successful","amount":750,"currency":"XAF","customer":{"email":"driver@example.cm"}}}`)
		outcome, err := f.service.HandleWebhook(ctx, headers, raw)
		assert.NoError(t, err)
		assert.Equal(t, OutcomeProcessed, outcome.Outcome)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("parks an unmatched success for review instead of crediting", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.close()

		f.mock.ExpectQuery("WHERE idempotency_key = \\$1 AND status = \\$2").
			WithArgs("ref-x", models.PaymentStatusSuccess).
			WillReturnRows(paymentRows())
		f.mock.ExpectQuery("FROM payment_records WHERE idempotency_key = \\$1").
			WithArgs("ref-x").
			WillReturnRows(paymentRows())
		f.mock.ExpectExec("INSERT INTO audit_trail").
			WithArgs(sqlmock.AnyArg(), "flutterwave_webhook_unmatched", "PaymentRecord", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		headers, raw := signedWebhook(cfg, `{"data":{"tx_ref":"ref-x","status":"successful","amount":200,"customer":{"email":"stranger@example.cm"}}}`)
		outcome, err := f.service.HandleWebhook(ctx, headers, raw)
		assert.NoError(t, err)
		assert.Equal(t, OutcomeNoUserMatched, outcome.Outcome)
		assert.NoError(t, f.mock.ExpectationsWereMet())
		assert.Empty(t, f.recorder.byName(events.WalletTopupEvent))
	})

	t.Run("non-success status marks the record failed without crediting", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.close()

		f.mock.ExpectQuery("WHERE idempotency_key = \\$1 AND status = \\$2").
			WithArgs("ref-2", models.PaymentStatusSuccess).
			WillReturnRows(paymentRows())
		f.mock.ExpectQuery("FROM payment_records WHERE idempotency_key = \\$1").
			WithArgs("ref-2").
			WillReturnRows(pendingPaymentRow("pay-2", "user-1", 300, "ref-2"))
		f.mock.ExpectExec("UPDATE payment_records SET status = \\$1, provider_ref = \\$2, updated_at = \\$3 WHERE idempotency_key = \\$4 AND status = \\$5").
			WithArgs(models.PaymentStatusFailure, sqlmock.AnyArg(), sqlmock.AnyArg(), "ref-2", models.PaymentStatusPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		headers, raw := signedWebhook(cfg, `{"data":{"id":55,"tx_ref":"ref-2","status":"failed","amount":300}}`)
		outcome, err := f.service.HandleWebhook(ctx, headers, raw)
		assert.NoError(t, err)
		assert.Equal(t, OutcomeFailed, outcome.Outcome)
		assert.Equal(t, models.PaymentStatusFailure, outcome.Payment.Status)
		assert.NoError(t, f.mock.ExpectationsWereMet())
		assert.Empty(t, f.recorder.byName(events.WalletTopupEvent))
	})

	t.Run("accepts the tx_ref from meta and a flat payload", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.close()

		f.mock.ExpectQuery("WHERE idempotency_key = \\$1 AND status = \\$2").
			WithArgs("ref-meta", models.PaymentStatusSuccess).
			WillReturnRows(successPaymentRow("pay-m", "user-1", 100, "ref-meta"))

		headers, raw := signedWebhook(cfg, `{"id":7,"status":"successful","amount":100,"meta":{"tx_ref":"ref-meta"}}`)
		outcome, err := f.service.HandleWebhook(ctx, headers, raw)
		assert.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyProcessed, outcome.Outcome)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})
}

func TestPaymentService_VerifyAndReconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a tx_ref", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.close()

		_, err := f.service.VerifyAndReconcile(ctx, "")
		assert.ErrorIs(t, err, ErrMissingIdempotencyKey)
	})

	t.Run("reconciles a provider-confirmed success", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.close()
		f.gateway.statusResp = &gateway.TransactionStatus{
			Status:     "successful",
			ProviderID: "12345",
			Amount:     500,
			Currency:   "XAF",
		}

		f.mock.ExpectQuery("WHERE idempotency_key = \\$1 AND status = \\$2").
			WithArgs("ref-1", models.PaymentStatusSuccess).
			WillReturnRows(paymentRows())
		f.mock.ExpectQuery("FROM payment_records WHERE idempotency_key = \\$1").
			WithArgs("ref-1").
			WillReturnRows(pendingPaymentRow("pay-1", "user-1", 500, "ref-1"))
		expectReconcileSuccess(f.mock, "ref-1", "pay-1", "user-1", "w-1", 500, 0)

		outcome, err := f.service.VerifyAndReconcile(ctx, "ref-1")
		assert.NoError(t, err)
		assert.True(t, outcome.Found)
		assert.Equal(t, OutcomeProcessed, outcome.Outcome)
		assert.Equal(t, "successful", outcome.Remote.Status)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("already reconciled key answers without calling the provider", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.close()
		f.gateway.statusErr = assert.AnError

		f.mock.ExpectQuery("WHERE idempotency_key = \\$1 AND status = \\$2").
			WithArgs("ref-1", models.PaymentStatusSuccess).
			WillReturnRows(successPaymentRow("pay-1", "user-1", 500, "ref-1"))

		outcome, err := f.service.VerifyAndReconcile(ctx, "ref-1")
		assert.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyProcessed, outcome.Outcome)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("provider outage leaves the payment pending", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.close()
		f.gateway.statusErr = assert.AnError

		f.mock.ExpectQuery("WHERE idempotency_key = \\$1 AND status = \\$2").
			WithArgs("ref-1", models.PaymentStatusSuccess).
			WillReturnRows(paymentRows())

		_, err := f.service.VerifyAndReconcile(ctx, "ref-1")
		assert.ErrorIs(t, err, ErrAdapterUnavailable)
		assert.NoError(t, f.mock.ExpectationsWereMet())
		assert.Empty(t, f.recorder.byName(events.WalletTopupEvent))
	})
}

func TestPaymentService_InitPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a pending record and returns the hosted link", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.close()
		f.users.byID["user-1"] = &models.User{ID: "user-1", Email: "driver@example.cm"}
		f.gateway.linkResp = &gateway.PaymentLinkResponse{Link: "https://checkout.example/pay/ref-1"}

		f.mock.ExpectQuery("WHERE idempotency_key = \\$1 AND status = \\$2").
			WithArgs("ref-1", models.PaymentStatusSuccess).
			WillReturnRows(paymentRows())
		f.mock.ExpectQuery("FROM payment_records WHERE idempotency_key = \\$1").
			WithArgs("ref-1").
			WillReturnRows(paymentRows())
		f.mock.ExpectExec("INSERT INTO payment_records").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), int64(1000), "XAF", "flutterwave",
				models.PaymentStatusPending, "ref-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectQuery("FROM payment_records WHERE idempotency_key = \\$1").
			WithArgs("ref-1").
			WillReturnRows(pendingPaymentRow("pay-1", "user-1", 1000, "ref-1"))

		result, err := f.service.InitPayment(ctx, "user-1", 1000, nil, "ref-1")
		assert.NoError(t, err)
		assert.Equal(t, "ref-1", result.IdempotencyKey)
		assert.Equal(t, "https://checkout.example/pay/ref-1", result.Link)
		assert.False(t, result.Reconciled)
		assert.Equal(t, 1, f.gateway.linkCalls)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("re-init with a processed key returns it without a new attempt", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.close()

		f.mock.ExpectQuery("WHERE idempotency_key = \\$1 AND status = \\$2").
			WithArgs("ref-1", models.PaymentStatusSuccess).
			WillReturnRows(successPaymentRow("pay-1", "user-1", 1000, "ref-1"))

		result, err := f.service.InitPayment(ctx, "user-1", 1000, nil, "ref-1")
		assert.NoError(t, err)
		assert.True(t, result.Reconciled)
		assert.Empty(t, result.Link)
		assert.Zero(t, f.gateway.linkCalls)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("gateway outage degrades to a pending record without a link", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.close()
		f.gateway.linkErr = assert.AnError

		f.mock.ExpectQuery("WHERE idempotency_key = \\$1 AND status = \\$2").
			WithArgs("ref-1", models.PaymentStatusSuccess).
			WillReturnRows(paymentRows())
		f.mock.ExpectQuery("FROM payment_records WHERE idempotency_key = \\$1").
			WithArgs("ref-1").
			WillReturnRows(paymentRows())
		f.mock.ExpectExec("INSERT INTO payment_records").
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectQuery("FROM payment_records WHERE idempotency_key = \\$1").
			WithArgs("ref-1").
			WillReturnRows(pendingPaymentRow("pay-1", "user-1", 1000, "ref-1"))

		result, err := f.service.InitPayment(ctx, "user-1", 1000, nil, "ref-1")
		assert.NoError(t, err)
		assert.Empty(t, result.Link)
		assert.Equal(t, models.PaymentStatusPending, result.Payment.Status)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("rejects a non-positive amount", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.close()

		_, err := f.service.InitPayment(ctx, "user-1", 0, nil, "ref-1")
		assert.ErrorIs(t, err, ErrAmountNotPositive)
	})
}

func TestPaymentService_SimulatePayment(t *testing.T) {
	f := newPaymentFixture(t)
	defer f.close()

	// key is generated, capture it loosely: pending lookup, create, re-read,
	// then the usual reconciliation transaction
	f.mock.ExpectQuery("FROM payment_records WHERE idempotency_key = \\$1").
		WillReturnRows(paymentRows())
	f.mock.ExpectExec("INSERT INTO payment_records").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery("FROM payment_records WHERE idempotency_key = \\$1").
		WillReturnRows(pendingPaymentRow("pay-s", "user-1", 250, "sim:abc"))
	f.mock.ExpectBegin()
	f.mock.ExpectQuery("FROM payment_records WHERE idempotency_key = \\$1 FOR UPDATE").
		WillReturnRows(pendingPaymentRow("pay-s", "user-1", 250, "sim:abc"))
	f.mock.ExpectExec("UPDATE payment_records SET status = \\$1, provider_ref = \\$2, updated_at = \\$3 WHERE id = \\$4").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("INSERT INTO wallets").
		WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectQuery("FROM wallets WHERE user_id = \\$1").
		WillReturnRows(walletRow("w-1", "user-1", 0, false))
	f.mock.ExpectQuery("FROM wallets WHERE id = \\$1 FOR UPDATE").
		WillReturnRows(walletRow("w-1", "user-1", 0, false))
	f.mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = \\$2 WHERE id = \\$3").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("INSERT INTO wallet_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	payment, err := f.service.SimulatePayment(context.Background(), "user-1", 250, "simulated_mobile_money", nil)
	assert.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, payment.Status)
	assert.NoError(t, f.mock.ExpectationsWereMet())
	assert.Len(t, f.recorder.byName(events.WalletTopupEvent), 1)
}

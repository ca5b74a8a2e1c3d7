package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Djerareou/afrisense-backend/internal/events"
	"github.com/Djerareou/afrisense-backend/internal/models"
)

// WalletService is the ledger store. All monetary mutation goes through its
// atomic primitives: a balance change and its wallet_transactions entry are
// committed in one database transaction or not at all.
type WalletService struct {
	db  *sql.DB
	bus events.Bus
}

func NewWalletService(db *sql.DB, bus events.Bus) *WalletService {
	return &WalletService{
		db:  db,
		bus: bus,
	}
}

// EnsureWallet returns the user's wallet, creating it with balance 0 on first
// reference. Safe under concurrent first access: a losing creator falls back
// to re-reading the winning row.
func (s *WalletService) EnsureWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	wallet, err := s.findByUserID(ctx, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read wallet: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, balance, frozen, loyalty_points, updated_at)
		VALUES ($1, $2, 0, false, 0, $3)
		ON CONFLICT (user_id) DO NOTHING`,
		uuid.NewString(), userID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	wallet, err = s.findByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet after create: %w", err)
	}
	return wallet, nil
}

// GetBalance returns 0 for a wallet that does not yet exist; it never
// creates one.
func (s *WalletService) GetBalance(ctx context.Context, userID string) (int64, error) {
	wallet, err := s.findByUserID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read wallet: %w", err)
	}
	return wallet.Balance, nil
}

// AddCredit atomically increments the balance and appends a TOPUP entry,
// then publishes WALLET_TOPUP.
func (s *WalletService) AddCredit(ctx context.Context, userID string, amount int64, metadata map[string]string) (*models.Wallet, error) {
	if amount <= 0 {
		return nil, ErrAmountNotPositive
	}

	wallet, err := s.EnsureWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	newBalance, err := s.CreditTx(tx, wallet.ID, amount, metadata)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit credit: %w", err)
	}

	wallet.Balance = newBalance
	s.bus.Publish(ctx, events.WalletTopup{
		UserID:   userID,
		WalletID: wallet.ID,
		Amount:   amount,
		Balance:  newBalance,
	})
	return wallet, nil
}

// Debit atomically re-checks the balance and frozen flag under a row lock,
// decrements the balance and appends a DEBIT entry. The check and the
// decrement share one transaction so two concurrent debits cannot both pass
// on the same funds.
func (s *WalletService) Debit(ctx context.Context, userID string, amount int64, metadata map[string]string) (*models.Wallet, error) {
	if amount <= 0 {
		return nil, ErrAmountNotPositive
	}

	wallet, err := s.EnsureWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	newBalance, err := s.DebitTx(tx, wallet.ID, amount, metadata)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrWalletFrozen) {
			s.bus.Publish(ctx, events.DebitFailed{
				UserID:  userID,
				Amount:  amount,
				Balance: wallet.Balance,
				Reason:  err.Error(),
			})
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit debit: %w", err)
	}

	wallet.Balance = newBalance
	s.bus.Publish(ctx, events.DebitSuccess{
		UserID:   userID,
		WalletID: wallet.ID,
		Amount:   amount,
		Balance:  newBalance,
	})
	return wallet, nil
}

// CreditTx applies a credit inside a caller-owned transaction. Used by the
// reconciliation engine so a payment-record status transition and the wallet
// credit commit together. Returns the balance after the credit.
func (s *WalletService) CreditTx(tx *sql.Tx, walletID string, amount int64, metadata map[string]string) (int64, error) {
	if amount <= 0 {
		return 0, ErrAmountNotPositive
	}

	wallet, err := s.lockWallet(tx, walletID)
	if err != nil {
		return 0, err
	}

	newBalance := wallet.Balance + amount
	if err := s.updateBalanceTx(tx, walletID, newBalance); err != nil {
		return 0, err
	}
	if err := s.appendTransactionTx(tx, walletID, models.TxTypeTopup, amount, metadata); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// DebitTx applies a debit inside a caller-owned transaction. The DEBIT entry
// is stored with a negative amount.
func (s *WalletService) DebitTx(tx *sql.Tx, walletID string, amount int64, metadata map[string]string) (int64, error) {
	if amount <= 0 {
		return 0, ErrAmountNotPositive
	}

	wallet, err := s.lockWallet(tx, walletID)
	if err != nil {
		return 0, err
	}
	if wallet.Frozen {
		return 0, ErrWalletFrozen
	}
	if wallet.Balance < amount {
		return 0, ErrInsufficientBalance
	}

	newBalance := wallet.Balance - amount
	if err := s.updateBalanceTx(tx, walletID, newBalance); err != nil {
		return 0, err
	}
	if err := s.appendTransactionTx(tx, walletID, models.TxTypeDebit, -amount, metadata); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// SetFreeze toggles the frozen flag. Balance is untouched.
func (s *WalletService) SetFreeze(ctx context.Context, userID string, freeze bool) (*models.Wallet, error) {
	wallet, err := s.EnsureWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE wallets SET frozen = $1, updated_at = $2 WHERE id = $3`,
		freeze, time.Now(), wallet.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update freeze flag: %w", err)
	}

	log.Printf("[LEDGER] Wallet %s frozen=%v", wallet.ID, freeze)
	wallet.Frozen = freeze
	return wallet, nil
}

// AddLoyaltyPoints increments the loyalty counter. Not a monetary mutation,
// no ledger entry.
func (s *WalletService) AddLoyaltyPoints(ctx context.Context, walletID string, points int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wallets SET loyalty_points = loyalty_points + $1, updated_at = $2 WHERE id = $3`,
		points, time.Now(), walletID)
	if err != nil {
		return fmt.Errorf("failed to add loyalty points: %w", err)
	}
	return nil
}

// SumTransactions returns the sum of all ledger entries for a wallet. For a
// consistent ledger it equals the wallet's current balance.
func (s *WalletService) SumTransactions(ctx context.Context, walletID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM wallet_transactions WHERE wallet_id = $1`,
		walletID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return sum, nil
}

func (s *WalletService) findByUserID(ctx context.Context, userID string) (*models.Wallet, error) {
	var w models.Wallet
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, balance, frozen, loyalty_points, updated_at
		FROM wallets
		WHERE user_id = $1`, userID).
		Scan(&w.ID, &w.UserID, &w.Balance, &w.Frozen, &w.LoyaltyPoints, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *WalletService) lockWallet(tx *sql.Tx, walletID string) (*models.Wallet, error) {
	var w models.Wallet
	err := tx.QueryRow(`
		SELECT id, user_id, balance, frozen, loyalty_points, updated_at
		FROM wallets
		WHERE id = $1
		FOR UPDATE`, walletID).
		Scan(&w.ID, &w.UserID, &w.Balance, &w.Frozen, &w.LoyaltyPoints, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return &w, nil
}

func (s *WalletService) updateBalanceTx(tx *sql.Tx, walletID string, newBalance int64) error {
	_, err := tx.Exec(`
		UPDATE wallets SET balance = $1, updated_at = $2 WHERE id = $3`,
		newBalance, time.Now(), walletID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (s *WalletService) appendTransactionTx(tx *sql.Tx, walletID, txType string, amount int64, metadata map[string]string) error {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO wallet_transactions (id, wallet_id, type, amount, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), walletID, txType, amount, meta, time.Now())
	if err != nil {
		return fmt.Errorf("failed to append wallet transaction: %w", err)
	}
	return nil
}

func marshalMetadata(metadata map[string]string) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return b, nil
}

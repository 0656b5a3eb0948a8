// Package ledger moves money between accounts. All isolation comes from the
// store's transactions; the engine itself holds no locks.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wallet/internal/logging"
	"wallet/internal/models"
	"wallet/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Transfer outcomes reported to the Recorder.
const (
	OutcomeSuccess           = "success"
	OutcomeInvalidInput      = "invalid_input"
	OutcomeInsufficientFunds = "insufficient_funds"
	OutcomeInvalidRecipient  = "invalid_recipient"
	OutcomeAccountNotFound   = "account_not_found"
	OutcomeConflict          = "conflict"
	OutcomeError             = "error"
)

const amountPlaces = 2

// Recorder receives transfer telemetry.
type Recorder interface {
	ObserveTransfer(outcome string, elapsed time.Duration)
	IncTransferRetry()
}

type nopRecorder struct{}

func (nopRecorder) ObserveTransfer(string, time.Duration) {}
func (nopRecorder) IncTransferRetry()                     {}

type Config struct {
	// MaxAttempts bounds how many times a conflicting transfer is tried.
	MaxAttempts int
	// RetryBase is the first backoff step; later steps double it.
	RetryBase time.Duration
	Logger    *logging.Logger
	Metrics   Recorder
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		RetryBase:   10 * time.Millisecond,
	}
}

type Engine struct {
	accounts store.AccountStore
	cfg      Config
	logger   *logging.Logger
	metrics  Recorder
	now      func() time.Time
}

func NewEngine(accounts store.AccountStore, cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.RetryBase < 0 {
		cfg.RetryBase = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	var metrics Recorder = nopRecorder{}
	if cfg.Metrics != nil {
		metrics = cfg.Metrics
	}

	return &Engine{
		accounts: accounts,
		cfg:      cfg,
		logger:   logger.Named("ledger"),
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Balance returns the current balance of userID's account.
func (e *Engine) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	a, err := e.accounts.AccountByUserID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("load account: %w", err)
	}
	return a.Balance, nil
}

// Transfer debits fromUserID and credits toUserID by amount in one store
// transaction. On any error neither balance has changed.
func (e *Engine) Transfer(ctx context.Context, fromUserID, toUserID string, amount decimal.Decimal) (*models.Transfer, error) {
	start := time.Now()
	t, attempts, err := e.transfer(ctx, fromUserID, toUserID, amount)
	outcome := Outcome(err)
	e.metrics.ObserveTransfer(outcome, time.Since(start))

	fields := []zap.Field{
		zap.String("from_user_id", fromUserID),
		zap.String("to_user_id", toUserID),
		zap.String("amount", amount.String()),
		zap.String("outcome", outcome),
		zap.Int("attempts", attempts),
	}
	switch outcome {
	case OutcomeSuccess:
		e.logger.Info("transfer applied", append(fields, zap.String("transfer_id", t.ID))...)
	case OutcomeError:
		e.logger.Error("transfer failed", append(fields, zap.Error(err))...)
	default:
		e.logger.Info("transfer rejected", append(fields, zap.Error(err))...)
	}
	return t, err
}

func (e *Engine) transfer(ctx context.Context, fromUserID, toUserID string, amount decimal.Decimal) (*models.Transfer, int, error) {
	if err := ValidateAmount(amount); err != nil {
		return nil, 0, err
	}
	if toUserID == "" {
		return nil, 0, ErrInvalidRecipient
	}
	if fromUserID == toUserID {
		return nil, 0, ErrSelfTransfer
	}

	t := &models.Transfer{
		ID:         uuid.NewString(),
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Amount:     amount,
		CreatedAt:  e.now(),
	}

	for attempt := 1; ; attempt++ {
		err := e.accounts.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return apply(ctx, tx, t)
		})
		if err == nil {
			return t, attempt, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			// A deadline hit while retrying still stems from the conflict.
			if attempt > 1 && ctx.Err() != nil {
				return nil, attempt, fmt.Errorf("%w (after %d attempts): %w", ErrTransactionConflict, attempt, err)
			}
			return nil, attempt, translate(err)
		}
		if attempt >= e.cfg.MaxAttempts {
			return nil, attempt, fmt.Errorf("%w (after %d attempts): %v", ErrTransactionConflict, attempt, err)
		}

		e.metrics.IncTransferRetry()
		e.logger.Debug("transfer conflicted, retrying",
			zap.String("transfer_id", t.ID), zap.Int("attempt", attempt), zap.Error(err))

		if sleepErr := sleepWithContext(ctx, fullJitter(exponential(e.cfg.RetryBase, attempt-1))); sleepErr != nil {
			return nil, attempt, fmt.Errorf("%w (after %d attempts): %w", ErrTransactionConflict, attempt, sleepErr)
		}
	}
}

// apply is the body of one transfer attempt. Both accounts are locked before
// the balance is read, so the funds check cannot go stale before the debit.
func apply(ctx context.Context, tx store.Tx, t *models.Transfer) error {
	accounts, err := tx.LockAccounts(ctx, t.FromUserID, t.ToUserID)
	if err != nil {
		return err
	}

	source, ok := accounts[t.FromUserID]
	if !ok {
		return ErrAccountNotFound
	}
	if source.Balance.LessThan(t.Amount) {
		return ErrInsufficientFunds
	}
	if _, ok := accounts[t.ToUserID]; !ok {
		return ErrInvalidRecipient
	}

	if err := tx.AdjustBalance(ctx, t.FromUserID, t.Amount.Neg()); err != nil {
		return err
	}
	if err := tx.AdjustBalance(ctx, t.ToUserID, t.Amount); err != nil {
		return err
	}
	return tx.RecordTransfer(ctx, t)
}

func translate(err error) error {
	switch {
	case errors.Is(err, store.ErrNegativeBalance):
		return ErrInsufficientFunds
	case errors.Is(err, store.ErrNotFound):
		return ErrInvalidRecipient
	}
	return err
}

// ValidateAmount rejects zero, negative and sub-cent amounts.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(amountPlaces)) {
		return ErrInvalidAmount
	}
	return nil
}

// Outcome classifies a Transfer error for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSelfTransfer):
		return OutcomeInvalidInput
	case errors.Is(err, ErrInsufficientFunds):
		return OutcomeInsufficientFunds
	case errors.Is(err, ErrInvalidRecipient):
		return OutcomeInvalidRecipient
	case errors.Is(err, ErrAccountNotFound):
		return OutcomeAccountNotFound
	case errors.Is(err, ErrTransactionConflict):
		return OutcomeConflict
	default:
		return OutcomeError
	}
}

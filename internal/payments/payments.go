// Package payments posts confirmed deposits and withdrawal requests to the
// ledger. Moving money with the provider is someone else's job; this
// package owns the idempotent ledger side of it.
package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"potroulette/internal/ledger"
	"potroulette/internal/locking"
	"potroulette/internal/money"
	"potroulette/internal/observability"
	"potroulette/internal/persistence"
)

// ErrInsufficientFunds rejects a withdrawal that exceeds the balance.
var ErrInsufficientFunds = errors.New("insufficient ledger balance")

// ErrBadAmount rejects a non-positive or malformed amount.
var ErrBadAmount = errors.New("amount must be positive")

const withdrawLockTTL = 8 * time.Second

// IdemGuard absorbs replays of provider references and client keys.
type IdemGuard interface {
	FirstSeen(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context, key string) error
}

// UserLocker serializes withdrawals per user.
type UserLocker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// IntentKind classifies a payment intent.
type IntentKind string

const (
	IntentDeposit  IntentKind = "DEPOSIT"
	IntentWithdraw IntentKind = "WITHDRAW"
)

// IntentStatus tracks the provider-side state of an intent. Deposits arrive
// already confirmed; withdrawals stay pending until the payout runner picks
// them up.
type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentConfirmed IntentStatus = "CONFIRMED"
)

// Intent is one recorded money movement in or out of the system.
type Intent struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Kind           IntentKind
	Status         IntentStatus
	Currency       money.Currency
	AmountNano     int64
	IdempotencyKey string
	Destination    string
	CreatedAt      time.Time
}

// Service posts deposits and withdrawals.
type Service struct {
	db      *sql.DB
	ledger  *ledger.Service
	guard   IdemGuard
	locks   UserLocker
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewService(db *sql.DB, led *ledger.Service, guard IdemGuard, locks UserLocker, log zerolog.Logger, metrics *observability.Metrics) *Service {
	return &Service{db: db, ledger: led, guard: guard, locks: locks, log: log, metrics: metrics}
}

// DepositParams is one confirmed deposit reported by the payment provider.
// ProviderRef is the provider's unique reference for the transfer and keys
// the replay window.
type DepositParams struct {
	UserID      uuid.UUID
	Currency    money.Currency
	Amount      string
	ProviderRef string
}

// DepositResult reports the credited amount, or that the reference was
// already credited.
type DepositResult struct {
	IntentID   uuid.UUID
	AmountNano int64
	Duplicate  bool
}

// ConfirmDeposit credits exactly one DEPOSIT entry per provider reference.
// The Redis guard absorbs fast replays; the unique idempotency key on the
// intent row holds the invariant even if the guard entry expired.
func (s *Service) ConfirmDeposit(ctx context.Context, p DepositParams) (result *DepositResult, err error) {
	amountNano, err := money.ToNano(p.Amount)
	if err != nil || amountNano <= 0 {
		return nil, ErrBadAmount
	}

	guardKey := "deposit:" + p.ProviderRef
	first, err := s.guard.FirstSeen(ctx, guardKey)
	if err != nil {
		return nil, fmt.Errorf("deposit idempotency check: %w", err)
	}
	if !first {
		if s.metrics != nil {
			s.metrics.DepositDuplicates.Inc()
		}
		return &DepositResult{Duplicate: true}, nil
	}
	defer func() {
		if err != nil {
			if clearErr := s.guard.Clear(context.WithoutCancel(ctx), guardKey); clearErr != nil {
				s.log.Warn().Err(clearErr).Str("key", guardKey).Msg("idempotency clear failed")
			}
		}
	}()

	intentID := uuid.New()
	duplicate := false
	err = persistence.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO pot.payment_intents (id, user_id, kind, status, currency, amount_nano, idempotency_key)
			VALUES ($1, $2, 'DEPOSIT', 'CONFIRMED', $3, $4, $5)
			ON CONFLICT (idempotency_key) DO NOTHING
		`, intentID, p.UserID, string(p.Currency), amountNano, p.ProviderRef)
		if err != nil {
			return fmt.Errorf("insert deposit intent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			duplicate = true
			return nil
		}

		account, err := s.ledger.EnsureAccountTx(ctx, tx, p.UserID, p.Currency)
		if err != nil {
			return err
		}
		_, err = s.ledger.AppendTx(ctx, tx, account.ID, ledger.EntryDeposit,
			amountNano, "deposit", intentID.String())
		return err
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		if s.metrics != nil {
			s.metrics.DepositDuplicates.Inc()
		}
		return &DepositResult{Duplicate: true}, nil
	}

	if s.metrics != nil {
		s.metrics.DepositsCredited.Inc()
	}
	s.log.Info().
		Str("user_id", p.UserID.String()).
		Str("currency", string(p.Currency)).
		Int64("amount_nano", amountNano).
		Str("provider_ref", p.ProviderRef).
		Msg("deposit credited")
	return &DepositResult{IntentID: intentID, AmountNano: amountNano}, nil
}

// WithdrawParams is one withdrawal request. IdempotencyKey is chosen by the
// client; Destination is the provider-side target, recorded for the payout
// runner.
type WithdrawParams struct {
	UserID         uuid.UUID
	Currency       money.Currency
	Amount         string
	Destination    string
	IdempotencyKey string
}

// WithdrawResult reports the debited amount and the pending intent.
type WithdrawResult struct {
	IntentID   uuid.UUID
	AmountNano int64
	Duplicate  bool
}

// Withdraw debits the user's balance and records a pending intent for the
// payout runner. The per-user lock keeps two concurrent withdrawals from
// both passing the balance check.
func (s *Service) Withdraw(ctx context.Context, p WithdrawParams) (result *WithdrawResult, err error) {
	amountNano, err := money.ToNano(p.Amount)
	if err != nil || amountNano <= 0 {
		return nil, ErrBadAmount
	}
	if p.Currency.WholeUnitsOnly() && amountNano%money.NanoScale != 0 {
		return nil, ErrBadAmount
	}

	guardKey := "withdraw:" + p.IdempotencyKey
	first, err := s.guard.FirstSeen(ctx, guardKey)
	if err != nil {
		return nil, fmt.Errorf("withdraw idempotency check: %w", err)
	}
	if !first {
		return &WithdrawResult{Duplicate: true}, nil
	}
	defer func() {
		if err != nil {
			if clearErr := s.guard.Clear(context.WithoutCancel(ctx), guardKey); clearErr != nil {
				s.log.Warn().Err(clearErr).Str("key", guardKey).Msg("idempotency clear failed")
			}
		}
	}()

	intentID := uuid.New()
	lockKey := fmt.Sprintf("withdraw_user:%s", p.UserID)
	err = s.locks.WithLock(ctx, lockKey, withdrawLockTTL, func(ctx context.Context) error {
		return persistence.WithTx(ctx, s.db, func(tx *sql.Tx) error {
			account, err := s.ledger.EnsureAccountTx(ctx, tx, p.UserID, p.Currency)
			if err != nil {
				return err
			}
			balance, err := s.ledger.BalanceTx(ctx, tx, p.UserID, p.Currency)
			if err != nil {
				return err
			}
			if balance < amountNano {
				return ErrInsufficientFunds
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO pot.payment_intents (id, user_id, kind, status, currency, amount_nano, idempotency_key, destination)
				VALUES ($1, $2, 'WITHDRAW', 'PENDING', $3, $4, $5, $6)
			`, intentID, p.UserID, string(p.Currency), amountNano, p.IdempotencyKey, p.Destination)
			if err != nil {
				return fmt.Errorf("insert withdraw intent: %w", err)
			}

			_, err = s.ledger.AppendTx(ctx, tx, account.ID, ledger.EntryWithdraw,
				-amountNano, "withdrawal", intentID.String())
			return err
		})
	})
	if errors.Is(err, locking.ErrLockBusy) {
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.WithdrawalsPosted.Inc()
	}
	s.log.Info().
		Str("user_id", p.UserID.String()).
		Str("currency", string(p.Currency)).
		Int64("amount_nano", amountNano).
		Msg("withdrawal posted")
	return &WithdrawResult{IntentID: intentID, AmountNano: amountNano}, nil
}

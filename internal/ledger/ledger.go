// Package ledger owns balance truth. Every money movement in the system is
// an append of one immutable entry; balances are recomputed from entries and
// never stored, which removes lost-update races on concurrent writers.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"potroulette/internal/money"
)

// Service appends entries and derives balances. Appends run inside a caller
// supplied *sql.Tx so a stake debit, participant upsert, and pot increment
// commit or roll back together.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// EnsureAccountTx upserts the (user, currency) account and returns it.
// Accounts are created lazily on first entry.
func (s *Service) EnsureAccountTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, currency money.Currency) (*Account, error) {
	acc := &Account{}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO pot.accounts (id, user_id, currency)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, currency) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id, user_id, currency, created_at
	`, uuid.New(), userID, string(currency)).Scan(&acc.ID, &acc.UserID, &acc.Currency, &acc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensure account %s/%s: %w", userID, currency, err)
	}
	return acc, nil
}

// AppendTx validates and inserts one entry inside the caller's transaction,
// returning the stored row.
func (s *Service) AppendTx(ctx context.Context, tx *sql.Tx, accountID uuid.UUID, kind EntryKind, amountNano int64, refType, refID string) (*Entry, error) {
	e := &Entry{
		ID:         uuid.New(),
		AccountID:  accountID,
		Kind:       kind,
		AmountNano: amountNano,
		RefType:    refType,
		RefID:      refID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO pot.ledger_entries (id, account_id, kind, amount_nano, ref_type, ref_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.AccountID, string(e.Kind), e.AmountNano, e.RefType, e.RefID, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append %s entry for account %s: %w", kind, accountID, err)
	}
	return e, nil
}

// Balance sums all entries for the (user, currency) account. A missing
// account reads as zero.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID, currency money.Currency) (int64, error) {
	return balanceQuery(ctx, s.db, userID, currency)
}

// BalanceTx is Balance inside an open transaction, for checks that must be
// serialized with the debit they protect.
func (s *Service) BalanceTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, currency money.Currency) (int64, error) {
	return balanceQuery(ctx, tx, userID, currency)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func balanceQuery(ctx context.Context, q queryer, userID uuid.UUID, currency money.Currency) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(e.amount_nano), 0)
		FROM pot.ledger_entries e
		JOIN pot.accounts a ON a.id = e.account_id
		WHERE a.user_id = $1 AND a.currency = $2
	`, userID, string(currency)).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("balance %s/%s: %w", userID, currency, err)
	}
	return balance, nil
}

// Entries returns a user's entries for one currency, newest first. Used by
// account history views and by tests asserting balance == sum(entries).
func (s *Service) Entries(ctx context.Context, userID uuid.UUID, currency money.Currency, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.account_id, e.kind, e.amount_nano, e.ref_type, e.ref_id, e.created_at
		FROM pot.ledger_entries e
		JOIN pot.accounts a ON a.id = e.account_id
		WHERE a.user_id = $1 AND a.currency = $2
		ORDER BY e.created_at DESC, e.id DESC
		LIMIT $3
	`, userID, string(currency), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind string
		if err := rows.Scan(&e.ID, &e.AccountID, &kind, &e.AmountNano, &e.RefType, &e.RefID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = EntryKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"potroulette/internal/money"
)

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryDeposit  EntryKind = "DEPOSIT"
	EntryWithdraw EntryKind = "WITHDRAW"
	EntryBetLock  EntryKind = "BET_LOCK"
	EntryPayout   EntryKind = "PAYOUT"
	EntryRefund   EntryKind = "REFUND"
	EntryHouseFee EntryKind = "HOUSE_FEE"
)

// signs maps each kind to the sign its amount must carry. Balance truth is
// the sum of signed amounts, so the kind and the sign must agree.
var signs = map[EntryKind]int{
	EntryDeposit:  +1,
	EntryWithdraw: -1,
	EntryBetLock:  -1,
	EntryPayout:   +1,
	EntryRefund:   +1,
	EntryHouseFee: +1,
}

// Entry is one immutable ledger row. Entries are only ever appended, inside
// the transaction of the operation that moves the money.
type Entry struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	Kind       EntryKind
	AmountNano int64
	RefType    string
	RefID      string
	CreatedAt  time.Time
}

// Account is one (user, currency) balance namespace. It stores no balance
// field: the balance is always derived from entries.
type Account struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Currency  money.Currency
	CreatedAt time.Time
}

// Validate checks kind/sign agreement and that the entry moves money at all.
func (e *Entry) Validate() error {
	sign, ok := signs[e.Kind]
	if !ok {
		return fmt.Errorf("entry %s has unknown kind %q", e.ID, e.Kind)
	}
	if e.AmountNano == 0 {
		return fmt.Errorf("entry %s has zero amount", e.ID)
	}
	if sign > 0 && e.AmountNano < 0 {
		return fmt.Errorf("entry %s: kind %s requires a positive amount, got %d", e.ID, e.Kind, e.AmountNano)
	}
	if sign < 0 && e.AmountNano > 0 {
		return fmt.Errorf("entry %s: kind %s requires a negative amount, got %d", e.ID, e.Kind, e.AmountNano)
	}
	if e.RefType == "" || e.RefID == "" {
		return fmt.Errorf("entry %s is missing its reference", e.ID)
	}
	return nil
}

package engine

import (
	"errors"
	"fmt"
	"time"
)

// Validation refusals: reported to the caller, no state change, idempotency
// guard cleared so the client may retry with corrected input.
var (
	ErrRoomNotActive     = errors.New("room not active")
	ErrRoundClosed       = errors.New("round closed to new stakes")
	ErrBadAmount         = errors.New("stake amount must be positive")
	ErrWholeUnitsOnly    = errors.New("currency requires whole-unit stakes")
	ErrBetTooSmall       = errors.New("stake below room minimum")
	ErrBetTooLarge       = errors.New("stake above room maximum")
	ErrRoomFull          = errors.New("room player capacity reached")
	ErrSeedMismatch      = errors.New("client seed differs from the seed fixed for this round")
	ErrBetLimitReached   = errors.New("per-round stake count exhausted")
	ErrPotLimitReached   = errors.New("room pot cap reached")
	ErrInsufficientFunds = errors.New("insufficient ledger balance")
)

// Not-found / invariant violations: fatal to the request. A missing house
// account is a deployment misconfiguration, not recoverable here.
var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoundNotFound = errors.New("no open round")
)

// NotDueError is returned by SettleRound when the settlement job was
// delivered before the round's end time; the job runner redelivers it.
type NotDueError struct {
	Until time.Time
}

func (e *NotDueError) Error() string {
	return fmt.Sprintf("round not due until %s", e.Until.Format(time.RFC3339Nano))
}

// IsRefusal reports whether err is a validation refusal rather than an
// infrastructure failure. Refusals carry no side effects.
func IsRefusal(err error) bool {
	for _, refusal := range []error{
		ErrRoomNotActive, ErrRoundClosed, ErrBadAmount, ErrWholeUnitsOnly,
		ErrBetTooSmall, ErrBetTooLarge, ErrRoomFull, ErrSeedMismatch,
		ErrBetLimitReached, ErrPotLimitReached, ErrInsufficientFunds,
	} {
		if errors.Is(err, refusal) {
			return true
		}
	}
	return false
}

// RefusalReason returns a stable machine-readable reason for a refusal,
// used as the metrics label and the API refusal code.
func RefusalReason(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotActive):
		return "room_not_active"
	case errors.Is(err, ErrRoundClosed):
		return "round_closed"
	case errors.Is(err, ErrBadAmount):
		return "bad_amount"
	case errors.Is(err, ErrWholeUnitsOnly):
		return "whole_units_only"
	case errors.Is(err, ErrBetTooSmall):
		return "bet_too_small"
	case errors.Is(err, ErrBetTooLarge):
		return "bet_too_large"
	case errors.Is(err, ErrRoomFull):
		return "room_full"
	case errors.Is(err, ErrSeedMismatch):
		return "seed_mismatch"
	case errors.Is(err, ErrBetLimitReached):
		return "bet_limit_reached"
	case errors.Is(err, ErrPotLimitReached):
		return "pot_limit_reached"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	default:
		return "internal"
	}
}

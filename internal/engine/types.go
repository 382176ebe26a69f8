package engine

import (
	"time"

	"github.com/google/uuid"

	"potroulette/internal/money"
)

// RoomKind distinguishes the lazily-created global room from player-created
// private rooms.
type RoomKind string

const (
	RoomGlobal  RoomKind = "GLOBAL"
	RoomPrivate RoomKind = "PRIVATE"
)

// RoomStatus gates stake acceptance. Rooms are never hard-deleted.
type RoomStatus string

const (
	RoomActive   RoomStatus = "ACTIVE"
	RoomDisabled RoomStatus = "DISABLED"
)

// StartMode selects how a round closes: on a timer, or the moment the
// player capacity fills.
type StartMode string

const (
	StartTimer StartMode = "TIMER"
	StartFill  StartMode = "FILL"
)

// RoundStatus is the round state machine:
// OPEN → LOCKED → SETTLED, or OPEN/LOCKED → CANCELLED → REFUNDED.
type RoundStatus string

const (
	RoundOpen      RoundStatus = "OPEN"
	RoundLocked    RoundStatus = "LOCKED"
	RoundSettled   RoundStatus = "SETTLED"
	RoundCancelled RoundStatus = "CANCELLED"
	RoundRefunded  RoundStatus = "REFUNDED"
)

// Room is a betting venue. Limits are nano-units; nil pointers mean
// unlimited.
type Room struct {
	ID                   uuid.UUID
	Kind                 RoomKind
	Status               RoomStatus
	Currency             money.Currency
	Title                string
	CreatedBy            *uuid.UUID
	MinBetNano           int64
	MaxBetNano           *int64
	MaxTotalPotNano      *int64
	MaxPlayers           *int
	RoundDurationSeconds int
	StartMode            StartMode
	FeeBps               int
	CreatedAt            time.Time
}

// Round is one betting cycle. Reveal fields are populated only at
// settlement; ServerSeed is generated at creation and published only after
// the round settles.
type Round struct {
	ID             uuid.UUID
	RoomID         uuid.UUID
	Status         RoundStatus
	StartedAt      time.Time
	EndsAt         time.Time
	LockedAt       *time.Time
	SettledAt      *time.Time
	CancelledAt    *time.Time
	TotalPotNano   int64
	ServerSeed     string
	ServerSeedHash string
	Nonce          int64

	// Settlement reveal
	ClientSeedAgg *string
	Digest        *string
	WinnerUserID  *uuid.UUID
	FeeNano       *int64
	PayoutNano    *int64
	WinningTicket *string
	TotalWeight   *string
}

// Participant is one user's position in one round. ClientSeed is fixed by
// the first stake and immutable for the round.
type Participant struct {
	RoundID    uuid.UUID
	UserID     uuid.UUID
	ClientSeed string
	AmountNano int64
	BetCount   int
	JoinedAt   time.Time
	LastBetAt  time.Time
}

package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"potroulette/internal/ledger"
	"potroulette/internal/money"
)

// ParticipantView is one participant as shown to clients: stake, and share
// of the pot in basis points.
type ParticipantView struct {
	UserID     uuid.UUID `json:"user_id"`
	AmountNano int64     `json:"amount_nano"`
	Amount     string    `json:"amount"`
	BetCount   int       `json:"bet_count"`
	ShareBps   int64     `json:"share_bps"`
	JoinedAt   time.Time `json:"joined_at"`
}

// RoundView is the public state of a round. The server seed appears only
// once the round is settled; before that clients get the commitment.
type RoundView struct {
	ID             uuid.UUID   `json:"id"`
	Status         RoundStatus `json:"status"`
	StartedAt      time.Time   `json:"started_at"`
	EndsAt         time.Time   `json:"ends_at"`
	TotalPotNano   int64       `json:"total_pot_nano"`
	TotalPot       string      `json:"total_pot"`
	ServerSeedHash string      `json:"server_seed_hash"`
	Nonce          int64       `json:"nonce"`

	Participants []ParticipantView `json:"participants"`

	// Reveal, present only for settled rounds.
	ServerSeed    *string    `json:"server_seed,omitempty"`
	ClientSeedAgg *string    `json:"client_seed_agg,omitempty"`
	Digest        *string    `json:"digest,omitempty"`
	WinnerUserID  *uuid.UUID `json:"winner_user_id,omitempty"`
	FeeNano       *int64     `json:"fee_nano,omitempty"`
	PayoutNano    *int64     `json:"payout_nano,omitempty"`
	WinningTicket *string    `json:"winning_ticket,omitempty"`
	TotalWeight   *string    `json:"total_weight,omitempty"`
}

// RoomSnapshot is everything a lobby client needs to render one room.
type RoomSnapshot struct {
	Room         Room       `json:"room"`
	CurrentRound *RoundView `json:"current_round,omitempty"`
	LastSettled  *RoundView `json:"last_settled,omitempty"`
}

// Snapshot assembles the room's current round with participants and the
// most recent settled round with its full reveal.
func (e *Engine) Snapshot(ctx context.Context, roomID uuid.UUID) (*RoomSnapshot, error) {
	room, err := e.store.getRoom(ctx, e.db, roomID)
	if err != nil {
		return nil, err
	}
	snap := &RoomSnapshot{Room: *room}

	current, err := e.store.findCurrentRound(ctx, e.db, roomID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		view, err := e.roundView(ctx, current)
		if err != nil {
			return nil, err
		}
		snap.CurrentRound = view
	}

	settled, err := e.store.lastSettledRound(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if settled != nil {
		view, err := e.roundView(ctx, settled)
		if err != nil {
			return nil, err
		}
		snap.LastSettled = view
	}
	return snap, nil
}

func (e *Engine) roundView(ctx context.Context, round *Round) (*RoundView, error) {
	participants, err := e.store.participants(ctx, e.db, round.ID)
	if err != nil {
		return nil, err
	}

	view := &RoundView{
		ID:             round.ID,
		Status:         round.Status,
		StartedAt:      round.StartedAt,
		EndsAt:         round.EndsAt,
		TotalPotNano:   round.TotalPotNano,
		TotalPot:       money.FromNano(round.TotalPotNano),
		ServerSeedHash: round.ServerSeedHash,
		Nonce:          round.Nonce,
		Participants:   make([]ParticipantView, 0, len(participants)),
	}
	for _, p := range participants {
		share := int64(0)
		if round.TotalPotNano > 0 {
			share = p.AmountNano * feeBpsScale / round.TotalPotNano
		}
		view.Participants = append(view.Participants, ParticipantView{
			UserID:     p.UserID,
			AmountNano: p.AmountNano,
			Amount:     money.FromNano(p.AmountNano),
			BetCount:   p.BetCount,
			ShareBps:   share,
			JoinedAt:   p.JoinedAt,
		})
	}

	if round.Status == RoundSettled {
		seed := round.ServerSeed
		view.ServerSeed = &seed
		view.ClientSeedAgg = round.ClientSeedAgg
		view.Digest = round.Digest
		view.WinnerUserID = round.WinnerUserID
		view.FeeNano = round.FeeNano
		view.PayoutNano = round.PayoutNano
		view.WinningTicket = round.WinningTicket
		view.TotalWeight = round.TotalWeight
	}
	return view, nil
}

// ListRooms returns active rooms, optionally filtered by currency and kind.
func (e *Engine) ListRooms(ctx context.Context, currency *money.Currency, kind *RoomKind) ([]Room, error) {
	return e.store.listActiveRooms(ctx, currency, kind)
}

// BalanceView is one user's balance in one currency, in both nano-units and
// decimal form.
type BalanceView struct {
	UserID     uuid.UUID      `json:"user_id"`
	Currency   money.Currency `json:"currency"`
	AmountNano int64          `json:"amount_nano"`
	Amount     string         `json:"amount"`
}

// AccountBalance derives the user's balance from the ledger.
func (e *Engine) AccountBalance(ctx context.Context, userID uuid.UUID, currency money.Currency) (*BalanceView, error) {
	nano, err := e.ledger.Balance(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	return &BalanceView{
		UserID:     userID,
		Currency:   currency,
		AmountNano: nano,
		Amount:     money.FromNano(nano),
	}, nil
}

// UserRound is one finished round the user staked in, with the full reveal
// so the client can re-verify the draw.
type UserRound struct {
	Round     RoundView `json:"round"`
	StakeNano int64     `json:"stake_nano"`
	Stake     string    `json:"stake"`
	Won       bool      `json:"won"`
}

// History returns the user's finished rounds, newest first.
func (e *Engine) History(ctx context.Context, userID uuid.UUID, limit int) ([]UserRound, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	rounds, stakes, err := e.store.userRounds(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]UserRound, 0, len(rounds))
	for i := range rounds {
		view, err := e.roundView(ctx, &rounds[i])
		if err != nil {
			return nil, err
		}
		out = append(out, UserRound{
			Round:     *view,
			StakeNano: stakes[i],
			Stake:     money.FromNano(stakes[i]),
			Won:       rounds[i].WinnerUserID != nil && *rounds[i].WinnerUserID == userID,
		})
	}
	return out, nil
}

// Entries returns the user's most recent ledger entries, newest first.
func (e *Engine) Entries(ctx context.Context, userID uuid.UUID, currency money.Currency, limit int) ([]ledger.Entry, error) {
	return e.ledger.Entries(ctx, userID, currency, limit)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"potroulette/internal/locking"
	"potroulette/internal/money"
)

// CreateRoomParams describes a new private room. Nil limits mean unlimited.
type CreateRoomParams struct {
	CreatedBy            uuid.UUID
	Currency             money.Currency
	Title                string
	MinBetNano           int64
	MaxBetNano           *int64
	MaxTotalPotNano      *int64
	MaxPlayers           *int
	RoundDurationSeconds int
	StartMode            StartMode
	FeeBps               int
}

// CreateRoom creates an active private room and opens its first round.
func (e *Engine) CreateRoom(ctx context.Context, p CreateRoomParams) (*Room, error) {
	if p.RoundDurationSeconds <= 0 {
		p.RoundDurationSeconds = e.cfg.DefaultRoundSeconds
	}
	if p.StartMode == "" {
		p.StartMode = StartTimer
	}
	if p.MinBetNano <= 0 {
		p.MinBetNano = e.minBetFor(p.Currency)
	}

	room := &Room{
		ID:                   uuid.New(),
		Kind:                 RoomPrivate,
		Status:               RoomActive,
		Currency:             p.Currency,
		Title:                strings.TrimSpace(p.Title),
		CreatedBy:            &p.CreatedBy,
		MinBetNano:           p.MinBetNano,
		MaxBetNano:           p.MaxBetNano,
		MaxTotalPotNano:      p.MaxTotalPotNano,
		MaxPlayers:           p.MaxPlayers,
		RoundDurationSeconds: p.RoundDurationSeconds,
		StartMode:            p.StartMode,
		FeeBps:               p.FeeBps,
	}
	if err := validateRoom(room); err != nil {
		return nil, err
	}
	if err := e.store.insertRoom(ctx, room); err != nil {
		return nil, err
	}

	if _, err := e.EnsureOpenRound(ctx, room.ID); err != nil && !errors.Is(err, locking.ErrLockBusy) {
		return nil, err
	}

	e.log.Info().
		Str("room_id", room.ID.String()).
		Str("currency", string(room.Currency)).
		Str("title", room.Title).
		Msg("room created")
	return room, nil
}

// RoomUpdate is a partial update; nil fields keep their current value.
// Limits cannot be cleared back to unlimited through an update.
type RoomUpdate struct {
	Title                *string
	MinBetNano           *int64
	MaxBetNano           *int64
	MaxTotalPotNano      *int64
	MaxPlayers           *int
	RoundDurationSeconds *int
	StartMode            *StartMode
	FeeBps               *int
}

// UpdateRoomSettings applies an update to an existing room. Changed limits
// and durations take effect from the next round; the current round keeps
// the parameters it opened with.
func (e *Engine) UpdateRoomSettings(ctx context.Context, roomID uuid.UUID, update RoomUpdate) (*Room, error) {
	room, err := e.store.getRoom(ctx, e.db, roomID)
	if err != nil {
		return nil, err
	}

	if update.Title != nil {
		room.Title = strings.TrimSpace(*update.Title)
	}
	if update.MinBetNano != nil {
		room.MinBetNano = *update.MinBetNano
	}
	if update.MaxBetNano != nil {
		room.MaxBetNano = update.MaxBetNano
	}
	if update.MaxTotalPotNano != nil {
		room.MaxTotalPotNano = update.MaxTotalPotNano
	}
	if update.MaxPlayers != nil {
		room.MaxPlayers = update.MaxPlayers
	}
	if update.RoundDurationSeconds != nil {
		room.RoundDurationSeconds = *update.RoundDurationSeconds
	}
	if update.StartMode != nil {
		room.StartMode = *update.StartMode
	}
	if update.FeeBps != nil {
		room.FeeBps = *update.FeeBps
	}

	if err := validateRoom(room); err != nil {
		return nil, err
	}
	if err := e.store.updateRoomSettings(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// DisableRoom stops a room from accepting stakes. The current round, if
// any, still settles or refunds on schedule; settlement simply opens no
// successor.
func (e *Engine) DisableRoom(ctx context.Context, roomID uuid.UUID) error {
	room, err := e.store.getRoom(ctx, e.db, roomID)
	if err != nil {
		return err
	}
	if room.Status == RoomDisabled {
		return nil
	}
	room.Status = RoomDisabled
	if err := e.store.updateRoomSettings(ctx, room); err != nil {
		return err
	}
	e.log.Info().Str("room_id", roomID.String()).Msg("room disabled")
	return nil
}

func validateRoom(room *Room) error {
	if room.Title == "" {
		return fmt.Errorf("room title is required")
	}
	if _, err := money.ParseCurrency(string(room.Currency)); err != nil {
		return err
	}
	if room.MinBetNano <= 0 {
		return fmt.Errorf("min bet must be positive")
	}
	if room.MaxBetNano != nil && *room.MaxBetNano < room.MinBetNano {
		return fmt.Errorf("max bet is below min bet")
	}
	if room.MaxTotalPotNano != nil && *room.MaxTotalPotNano < room.MinBetNano {
		return fmt.Errorf("pot cap is below min bet")
	}
	if room.MaxPlayers != nil && *room.MaxPlayers < 2 {
		return fmt.Errorf("player capacity must allow a contest")
	}
	if room.StartMode == StartFill && room.MaxPlayers == nil {
		return fmt.Errorf("fill mode requires a player capacity")
	}
	if room.RoundDurationSeconds < 5 || room.RoundDurationSeconds > 86_400 {
		return fmt.Errorf("round duration out of range")
	}
	if room.FeeBps < 0 || room.FeeBps > 2_000 {
		return fmt.Errorf("fee out of range")
	}
	return nil
}

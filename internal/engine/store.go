package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"potroulette/internal/money"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so reads can run inside or
// outside the mutation transaction as the caller requires.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// store holds the engine's SQL. The engine exclusively owns room, round,
// and participant rows; ledger entries go through the ledger service.
type store struct {
	db *sql.DB
}

const roomColumns = `id, kind, status, currency, title, created_by, min_bet_nano,
	max_bet_nano, max_total_pot_nano, max_players, round_duration_seconds,
	start_mode, fee_bps, created_at`

func scanRoom(row interface{ Scan(...interface{}) error }) (*Room, error) {
	r := &Room{}
	var kind, status, currency, startMode string
	var createdBy uuid.NullUUID
	var maxBet, maxPot sql.NullInt64
	var maxPlayers sql.NullInt32

	err := row.Scan(&r.ID, &kind, &status, &currency, &r.Title, &createdBy,
		&r.MinBetNano, &maxBet, &maxPot, &maxPlayers,
		&r.RoundDurationSeconds, &startMode, &r.FeeBps, &r.CreatedAt)
	if err != nil {
		return nil, err
	}

	r.Kind = RoomKind(kind)
	r.Status = RoomStatus(status)
	r.Currency = money.Currency(currency)
	r.StartMode = StartMode(startMode)
	if createdBy.Valid {
		v := createdBy.UUID
		r.CreatedBy = &v
	}
	if maxBet.Valid {
		v := maxBet.Int64
		r.MaxBetNano = &v
	}
	if maxPot.Valid {
		v := maxPot.Int64
		r.MaxTotalPotNano = &v
	}
	if maxPlayers.Valid {
		v := int(maxPlayers.Int32)
		r.MaxPlayers = &v
	}
	return r, nil
}

func (s *store) getRoom(ctx context.Context, q dbtx, roomID uuid.UUID) (*Room, error) {
	room, err := scanRoom(q.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM pot.rooms WHERE id = $1`, roomID))
	if err == sql.ErrNoRows {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", roomID, err)
	}
	return room, nil
}

func (s *store) findActiveGlobalRoom(ctx context.Context, currency money.Currency) (*Room, error) {
	room, err := scanRoom(s.db.QueryRowContext(ctx, `
		SELECT `+roomColumns+` FROM pot.rooms
		WHERE kind = 'GLOBAL' AND status = 'ACTIVE' AND currency = $1
		ORDER BY created_at ASC
		LIMIT 1
	`, string(currency)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find global room %s: %w", currency, err)
	}
	return room, nil
}

func (s *store) insertRoom(ctx context.Context, room *Room) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pot.rooms (id, kind, status, currency, title, created_by,
			min_bet_nano, max_bet_nano, max_total_pot_nano, max_players,
			round_duration_seconds, start_mode, fee_bps)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, room.ID, string(room.Kind), string(room.Status), string(room.Currency),
		room.Title, uuidPtr(room.CreatedBy), room.MinBetNano, room.MaxBetNano,
		room.MaxTotalPotNano, intPtr(room.MaxPlayers), room.RoundDurationSeconds,
		string(room.StartMode), room.FeeBps)
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

func (s *store) updateRoomSettings(ctx context.Context, room *Room) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pot.rooms
		SET title = $2, status = $3, min_bet_nano = $4, max_bet_nano = $5,
		    max_total_pot_nano = $6, max_players = $7,
		    round_duration_seconds = $8, start_mode = $9, fee_bps = $10
		WHERE id = $1
	`, room.ID, room.Title, string(room.Status), room.MinBetNano, room.MaxBetNano,
		room.MaxTotalPotNano, intPtr(room.MaxPlayers), room.RoundDurationSeconds,
		string(room.StartMode), room.FeeBps)
	if err != nil {
		return fmt.Errorf("update room %s: %w", room.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *store) listActiveRooms(ctx context.Context, currency *money.Currency, kind *RoomKind) ([]Room, error) {
	query := `SELECT ` + roomColumns + ` FROM pot.rooms WHERE status = 'ACTIVE'`
	args := []interface{}{}
	argIdx := 1

	if currency != nil {
		query += fmt.Sprintf(" AND currency = $%d", argIdx)
		args = append(args, string(*currency))
		argIdx++
	}
	if kind != nil {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, string(*kind))
		argIdx++
	}
	query += " ORDER BY kind ASC, created_at ASC LIMIT 200"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

const roundColumns = `id, room_id, status, started_at, ends_at, locked_at, settled_at,
	cancelled_at, total_pot_nano, server_seed, server_seed_hash, nonce,
	client_seed_agg, digest, winner_user_id, fee_nano, payout_nano,
	winning_ticket, total_weight`

func scanRound(row interface{ Scan(...interface{}) error }) (*Round, error) {
	r := &Round{}
	var status string
	var lockedAt, settledAt, cancelledAt sql.NullTime
	var clientSeedAgg, digest, winningTicket, totalWeight sql.NullString
	var winner uuid.NullUUID
	var fee, payout sql.NullInt64

	err := row.Scan(&r.ID, &r.RoomID, &status, &r.StartedAt, &r.EndsAt,
		&lockedAt, &settledAt, &cancelledAt, &r.TotalPotNano,
		&r.ServerSeed, &r.ServerSeedHash, &r.Nonce,
		&clientSeedAgg, &digest, &winner, &fee, &payout,
		&winningTicket, &totalWeight)
	if err != nil {
		return nil, err
	}

	r.Status = RoundStatus(status)
	assignNullables(r, lockedAt, settledAt, cancelledAt,
		clientSeedAgg, digest, winner, fee, payout, winningTicket, totalWeight)
	return r, nil
}

func assignNullables(r *Round, lockedAt, settledAt, cancelledAt sql.NullTime,
	clientSeedAgg, digest sql.NullString, winner uuid.NullUUID,
	fee, payout sql.NullInt64, winningTicket, totalWeight sql.NullString) {
	if lockedAt.Valid {
		v := lockedAt.Time
		r.LockedAt = &v
	}
	if settledAt.Valid {
		v := settledAt.Time
		r.SettledAt = &v
	}
	if cancelledAt.Valid {
		v := cancelledAt.Time
		r.CancelledAt = &v
	}
	if clientSeedAgg.Valid {
		v := clientSeedAgg.String
		r.ClientSeedAgg = &v
	}
	if digest.Valid {
		v := digest.String
		r.Digest = &v
	}
	if winner.Valid {
		v := winner.UUID
		r.WinnerUserID = &v
	}
	if fee.Valid {
		v := fee.Int64
		r.FeeNano = &v
	}
	if payout.Valid {
		v := payout.Int64
		r.PayoutNano = &v
	}
	if winningTicket.Valid {
		v := winningTicket.String
		r.WinningTicket = &v
	}
	if totalWeight.Valid {
		v := totalWeight.String
		r.TotalWeight = &v
	}
}

// prefixedRoundColumns qualifies the round column list with a table alias
// for joined queries.
func prefixedRoundColumns(alias string) string {
	cols := strings.Split(roundColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func (s *store) getRound(ctx context.Context, q dbtx, roundID uuid.UUID) (*Round, error) {
	round, err := scanRound(q.QueryRowContext(ctx,
		`SELECT `+roundColumns+` FROM pot.rounds WHERE id = $1`, roundID))
	if err == sql.ErrNoRows {
		return nil, ErrRoundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get round %s: %w", roundID, err)
	}
	return round, nil
}

// findCurrentRound returns the room's OPEN or LOCKED round, or nil.
// The partial unique index guarantees at most one exists.
func (s *store) findCurrentRound(ctx context.Context, q dbtx, roomID uuid.UUID) (*Round, error) {
	round, err := scanRound(q.QueryRowContext(ctx, `
		SELECT `+roundColumns+` FROM pot.rounds
		WHERE room_id = $1 AND status IN ('OPEN', 'LOCKED')
		ORDER BY started_at DESC
		LIMIT 1
	`, roomID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find current round for room %s: %w", roomID, err)
	}
	return round, nil
}

func (s *store) lastSettledRound(ctx context.Context, roomID uuid.UUID) (*Round, error) {
	round, err := scanRound(s.db.QueryRowContext(ctx, `
		SELECT `+roundColumns+` FROM pot.rounds
		WHERE room_id = $1 AND status = 'SETTLED'
		ORDER BY settled_at DESC
		LIMIT 1
	`, roomID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last settled round for room %s: %w", roomID, err)
	}
	return round, nil
}

func (s *store) insertRound(ctx context.Context, round *Round) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pot.rounds (id, room_id, status, started_at, ends_at,
			total_pot_nano, server_seed, server_seed_hash, nonce)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8)
	`, round.ID, round.RoomID, string(round.Status), round.StartedAt,
		round.EndsAt, round.ServerSeed, round.ServerSeedHash, round.Nonce)
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

func (s *store) lockRound(ctx context.Context, q dbtx, roundID uuid.UUID, lockedAt, endsAt time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE pot.rounds SET status = 'LOCKED', locked_at = $2, ends_at = $3
		WHERE id = $1 AND status = 'OPEN'
	`, roundID, lockedAt, endsAt)
	if err != nil {
		return fmt.Errorf("lock round %s: %w", roundID, err)
	}
	return nil
}

func (s *store) cancelRound(ctx context.Context, tx *sql.Tx, roundID uuid.UUID, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE pot.rounds SET status = 'CANCELLED', cancelled_at = $2 WHERE id = $1
	`, roundID, at)
	if err != nil {
		return fmt.Errorf("cancel round %s: %w", roundID, err)
	}
	return nil
}

func (s *store) markRefunded(ctx context.Context, tx *sql.Tx, roundID uuid.UUID, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE pot.rounds SET status = 'REFUNDED', settled_at = $2 WHERE id = $1
	`, roundID, at)
	if err != nil {
		return fmt.Errorf("mark round %s refunded: %w", roundID, err)
	}
	return nil
}

// settleRoundRow persists the terminal SETTLED state plus the full fairness
// reveal in one statement inside the settlement transaction.
func (s *store) settleRoundRow(ctx context.Context, tx *sql.Tx, round *Round) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE pot.rounds
		SET status = 'SETTLED', settled_at = $2, client_seed_agg = $3, digest = $4,
		    winner_user_id = $5, total_pot_nano = $6, fee_nano = $7, payout_nano = $8,
		    winning_ticket = $9, total_weight = $10
		WHERE id = $1
	`, round.ID, round.SettledAt, round.ClientSeedAgg, round.Digest,
		round.WinnerUserID, round.TotalPotNano, round.FeeNano, round.PayoutNano,
		round.WinningTicket, round.TotalWeight)
	if err != nil {
		return fmt.Errorf("settle round %s: %w", round.ID, err)
	}
	return nil
}

func (s *store) incrementPot(ctx context.Context, tx *sql.Tx, roundID uuid.UUID, amountNano int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE pot.rounds SET total_pot_nano = total_pot_nano + $2 WHERE id = $1
	`, roundID, amountNano)
	if err != nil {
		return fmt.Errorf("increment pot for round %s: %w", roundID, err)
	}
	return nil
}

// userRounds returns finished rounds the user staked in, newest first, with
// the user's stake alongside.
func (s *store) userRounds(ctx context.Context, userID uuid.UUID, limit int) ([]Round, []int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixedRoundColumns("r")+`, p.amount_nano
		FROM pot.rounds r
		JOIN pot.round_participants p ON p.round_id = r.id
		WHERE p.user_id = $1 AND r.status IN ('SETTLED', 'REFUNDED')
		ORDER BY COALESCE(r.settled_at, r.cancelled_at, r.ends_at) DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var rounds []Round
	var stakes []int64
	for rows.Next() {
		r := &Round{}
		var status string
		var lockedAt, settledAt, cancelledAt sql.NullTime
		var clientSeedAgg, digest, winningTicket, totalWeight sql.NullString
		var winner uuid.NullUUID
		var fee, payout sql.NullInt64
		var stake int64

		err := rows.Scan(&r.ID, &r.RoomID, &status, &r.StartedAt, &r.EndsAt,
			&lockedAt, &settledAt, &cancelledAt, &r.TotalPotNano,
			&r.ServerSeed, &r.ServerSeedHash, &r.Nonce,
			&clientSeedAgg, &digest, &winner, &fee, &payout,
			&winningTicket, &totalWeight, &stake)
		if err != nil {
			return nil, nil, err
		}
		r.Status = RoundStatus(status)
		assignNullables(r, lockedAt, settledAt, cancelledAt,
			clientSeedAgg, digest, winner, fee, payout, winningTicket, totalWeight)
		rounds = append(rounds, *r)
		stakes = append(stakes, stake)
	}
	return rounds, stakes, rows.Err()
}

func (s *store) getParticipant(ctx context.Context, q dbtx, roundID, userID uuid.UUID) (*Participant, error) {
	p := &Participant{}
	err := q.QueryRowContext(ctx, `
		SELECT round_id, user_id, client_seed, amount_nano, bet_count, joined_at, last_bet_at
		FROM pot.round_participants
		WHERE round_id = $1 AND user_id = $2
	`, roundID, userID).Scan(&p.RoundID, &p.UserID, &p.ClientSeed, &p.AmountNano,
		&p.BetCount, &p.JoinedAt, &p.LastBetAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get participant %s/%s: %w", roundID, userID, err)
	}
	return p, nil
}

func (s *store) countParticipants(ctx context.Context, q dbtx, roundID uuid.UUID) (int, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pot.round_participants WHERE round_id = $1`, roundID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count participants for round %s: %w", roundID, err)
	}
	return count, nil
}

// participants returns all of a round's participants ordered by join time.
func (s *store) participants(ctx context.Context, q dbtx, roundID uuid.UUID) ([]Participant, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT round_id, user_id, client_seed, amount_nano, bet_count, joined_at, last_bet_at
		FROM pot.round_participants
		WHERE round_id = $1
		ORDER BY joined_at ASC
	`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parts []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.RoundID, &p.UserID, &p.ClientSeed, &p.AmountNano,
			&p.BetCount, &p.JoinedAt, &p.LastBetAt); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// upsertParticipant creates the (round, user) row on first stake or
// accumulates amount and stake count on repeats. The client seed column is
// written only on insert, keeping the round's seed immutable.
func (s *store) upsertParticipant(ctx context.Context, tx *sql.Tx, roundID, userID uuid.UUID, clientSeed string, amountNano int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pot.round_participants (round_id, user_id, client_seed, amount_nano, bet_count, joined_at, last_bet_at)
		VALUES ($1, $2, $3, $4, 1, $5, $5)
		ON CONFLICT (round_id, user_id) DO UPDATE
		SET amount_nano = pot.round_participants.amount_nano + EXCLUDED.amount_nano,
		    bet_count   = pot.round_participants.bet_count + 1,
		    last_bet_at = EXCLUDED.last_bet_at
	`, roundID, userID, clientSeed, amountNano, at)
	if err != nil {
		return fmt.Errorf("upsert participant %s/%s: %w", roundID, userID, err)
	}
	return nil
}

func uuidPtr(u *uuid.UUID) interface{} {
	if u == nil {
		return nil
	}
	return *u
}

func intPtr(i *int) interface{} {
	if i == nil {
		return nil
	}
	return int32(*i)
}

// Package engine implements the round lifecycle: opening rounds, accepting
// stakes, and settling with the commit/reveal draw. All balance-moving
// operations run in a single database transaction guarded by Redis locks,
// so a crash between steps never leaves a partially settled round.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"potroulette/internal/fair"
	"potroulette/internal/ledger"
	"potroulette/internal/locking"
	"potroulette/internal/money"
	"potroulette/internal/observability"
	"potroulette/internal/persistence"
	"potroulette/internal/sched"
)

const (
	// No stake is accepted within this window before a round's end time,
	// so a stake can never race the settlement draw.
	betCutoff = 1200 * time.Millisecond

	// Settlement fires this long after the round's end time to absorb
	// clock skew between the scheduler and the engine.
	settleSlack = 50 * time.Millisecond

	// When a FILL room reaches capacity the round end is pulled in to
	// now+fillLockIn, and settlement is scheduled fillSettleDelay later.
	fillLockIn      = 1500 * time.Millisecond
	fillSettleDelay = 1600 * time.Millisecond

	// A participant may top up at most this many times per round.
	maxBetCount = 100

	ensureLockTTL = 8 * time.Second
	betLockTTL    = 8 * time.Second
	settleLockTTL = 15 * time.Second

	feeBpsScale = 10_000
)

// RoomLocker serializes round transitions per room or round.
type RoomLocker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// IdemGuard absorbs replays of client-supplied idempotency keys.
type IdemGuard interface {
	FirstSeen(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context, key string) error
}

// JobScheduler durably schedules delayed settlement work.
type JobScheduler interface {
	ScheduleAt(ctx context.Context, job sched.Job) error
}

// Config carries the engine's operational defaults. Zero values are filled
// in by New.
type Config struct {
	// HouseUserID owns the account that collects house fees.
	HouseUserID uuid.UUID

	DefaultFeeBps       int
	DefaultRoundSeconds int
	DefaultMinBetNano   int64
}

// Engine drives rooms and rounds. It is safe for concurrent use; all
// cross-instance coordination goes through the locker.
type Engine struct {
	store   *store
	db      *sql.DB
	ledger  *ledger.Service
	locks   RoomLocker
	guard   IdemGuard
	jobs    JobScheduler
	log     zerolog.Logger
	metrics *observability.Metrics
	cfg     Config

	now func() time.Time
}

func New(db *sql.DB, led *ledger.Service, locks RoomLocker, guard IdemGuard, jobs JobScheduler, log zerolog.Logger, metrics *observability.Metrics, cfg Config) *Engine {
	if cfg.DefaultFeeBps == 0 {
		cfg.DefaultFeeBps = 100
	}
	if cfg.DefaultRoundSeconds == 0 {
		cfg.DefaultRoundSeconds = 30
	}
	if cfg.DefaultMinBetNano == 0 {
		cfg.DefaultMinBetNano = money.NanoScale / 10
	}
	return &Engine{
		store:   &store{db: db},
		db:      db,
		ledger:  led,
		locks:   locks,
		guard:   guard,
		jobs:    jobs,
		log:     log,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
	}
}

func ensureLockKey(roomID uuid.UUID) string { return fmt.Sprintf("ensure_round:%s", roomID) }
func betLockKey(roomID uuid.UUID) string    { return fmt.Sprintf("bet_room:%s", roomID) }
func stakeGuardKey(userID, roomID uuid.UUID, key string) string {
	return fmt.Sprintf("stake:%s:%s:%s", userID, roomID, key)
}
func settleLockKey(roundID uuid.UUID) string {
	return fmt.Sprintf("settle:%s", roundID)
}

// Bootstrap prepares the engine for traffic: it creates the global rooms
// that do not exist yet, opens a round in every active room, and reschedules
// settlement for any round whose end time passed while the process was down.
func (e *Engine) Bootstrap(ctx context.Context) error {
	err := persistence.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		for _, currency := range []money.Currency{money.TON, money.XTR} {
			if _, err := e.ledger.EnsureAccountTx(ctx, tx, e.cfg.HouseUserID, currency); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ensure house accounts: %w", err)
	}

	for _, currency := range []money.Currency{money.TON, money.XTR} {
		room, err := e.store.findActiveGlobalRoom(ctx, currency)
		if err != nil {
			return err
		}
		if room == nil {
			room = &Room{
				ID:                   uuid.New(),
				Kind:                 RoomGlobal,
				Status:               RoomActive,
				Currency:             currency,
				Title:                fmt.Sprintf("Global %s", currency),
				MinBetNano:           e.minBetFor(currency),
				RoundDurationSeconds: e.cfg.DefaultRoundSeconds,
				StartMode:            StartTimer,
				FeeBps:               e.cfg.DefaultFeeBps,
			}
			if err := e.store.insertRoom(ctx, room); err != nil {
				return err
			}
			e.log.Info().
				Str("room_id", room.ID.String()).
				Str("currency", string(currency)).
				Msg("global room created")
		}
	}

	rooms, err := e.store.listActiveRooms(ctx, nil, nil)
	if err != nil {
		return err
	}
	for i := range rooms {
		if _, err := e.EnsureOpenRound(ctx, rooms[i].ID); err != nil {
			return fmt.Errorf("bootstrap room %s: %w", rooms[i].ID, err)
		}
	}
	return nil
}

// XTR stakes are whole units, so the configured nano minimum is rounded up
// to at least one whole unit for whole-unit currencies.
func (e *Engine) minBetFor(currency money.Currency) int64 {
	min := e.cfg.DefaultMinBetNano
	if currency.WholeUnitsOnly() && min < money.NanoScale {
		return money.NanoScale
	}
	return min
}

// EnsureOpenRound returns the room's current OPEN or LOCKED round, creating
// a fresh OPEN round when none exists. Creation is serialized per room, so
// concurrent callers converge on the same round. Rescheduling settlement for
// an already-due round is part of the same critical section, which is how a
// round stranded by a crash gets back on the job stream.
func (e *Engine) EnsureOpenRound(ctx context.Context, roomID uuid.UUID) (*Round, error) {
	var round *Round
	err := e.locks.WithLock(ctx, ensureLockKey(roomID), ensureLockTTL, func(ctx context.Context) error {
		room, err := e.store.getRoom(ctx, e.db, roomID)
		if err != nil {
			return err
		}

		current, err := e.store.findCurrentRound(ctx, e.db, roomID)
		if err != nil {
			return err
		}
		if current != nil {
			round = current
			// OPEN or LOCKED: either can be stranded past its end time by
			// a crash between the state write and the job publish.
			if !e.now().Before(current.EndsAt) {
				return e.scheduleSettle(ctx, current.ID, current.EndsAt)
			}
			return nil
		}

		if room.Status != RoomActive {
			return ErrRoomNotActive
		}
		round, err = e.openRound(ctx, room)
		return err
	})
	if errors.Is(err, locking.ErrLockBusy) {
		e.observeLockBusy("ensure_round")
		// Another instance is creating the round; it will exist shortly.
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return round, nil
}

// openRound creates an OPEN round with a fresh commitment and schedules its
// settlement. FILL rooms still get the timer deadline; reaching capacity
// pulls it in.
func (e *Engine) openRound(ctx context.Context, room *Room) (*Round, error) {
	serverSeed, err := fair.NewServerSeed()
	if err != nil {
		return nil, err
	}

	now := e.now()
	round := &Round{
		ID:             uuid.New(),
		RoomID:         room.ID,
		Status:         RoundOpen,
		StartedAt:      now,
		EndsAt:         now.Add(time.Duration(room.RoundDurationSeconds) * time.Second),
		ServerSeed:     serverSeed,
		ServerSeedHash: fair.Commitment(serverSeed),
		Nonce:          1,
	}
	if err := e.store.insertRound(ctx, round); err != nil {
		return nil, err
	}
	if err := e.scheduleSettle(ctx, round.ID, round.EndsAt); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RoundsOpened.Inc()
	}
	e.log.Info().
		Str("room_id", room.ID.String()).
		Str("round_id", round.ID.String()).
		Time("ends_at", round.EndsAt).
		Msg("round opened")
	return round, nil
}

func (e *Engine) scheduleSettle(ctx context.Context, roundID uuid.UUID, endsAt time.Time) error {
	return e.jobs.ScheduleAt(ctx, sched.Job{
		Kind:    sched.JobSettleRound,
		RoundID: roundID,
		FireAt:  endsAt.Add(settleSlack),
	})
}

// StakeParams is one stake request. Amount is a decimal string in whole
// currency units; IdempotencyKey is chosen by the client and scopes the
// replay window.
type StakeParams struct {
	RoomID         uuid.UUID
	UserID         uuid.UUID
	Amount         string
	ClientSeed     string
	IdempotencyKey string
}

// StakeResult reports the participant's position after the stake.
type StakeResult struct {
	RoundID      uuid.UUID
	AmountNano   int64 // this user's total in the round
	BetCount     int
	TotalPotNano int64
	Replayed     bool

	currency money.Currency
}

// PlaceStake validates and commits one stake.
//
// When the caller supplies an idempotency key, the guard is consulted
// before any work: a replayed key is acknowledged without touching the
// round, and on any refusal or failure the entry is cleared so the client
// may retry with the same key. Keys are scoped to (user, room), so two
// clients reusing the same literal key never collide. Requests without a
// key skip the guard entirely.
func (e *Engine) PlaceStake(ctx context.Context, p StakeParams) (result *StakeResult, err error) {
	start := e.now()
	defer func() {
		if e.metrics == nil {
			return
		}
		e.metrics.StakeDuration.Observe(time.Since(start).Seconds())
		if err != nil && IsRefusal(err) {
			e.metrics.StakesRejected.WithLabelValues(RefusalReason(err)).Inc()
		}
	}()

	if p.IdempotencyKey != "" {
		guardKey := stakeGuardKey(p.UserID, p.RoomID, p.IdempotencyKey)
		// Assign the named return so the deferred Clear sees later failures.
		var first bool
		first, err = e.guard.FirstSeen(ctx, guardKey)
		if err != nil {
			return nil, fmt.Errorf("stake idempotency check: %w", err)
		}
		if !first {
			if e.metrics != nil {
				e.metrics.StakeReplays.Inc()
			}
			return &StakeResult{Replayed: true}, nil
		}
		defer func() {
			if err != nil {
				if clearErr := e.guard.Clear(context.WithoutCancel(ctx), guardKey); clearErr != nil {
					e.log.Warn().Err(clearErr).Str("key", guardKey).Msg("idempotency clear failed")
				}
			}
		}()
	}

	if p.ClientSeed == "" {
		return nil, fmt.Errorf("%w: missing client seed", ErrBadAmount)
	}
	amountNano, err := money.ToNano(p.Amount)
	if err != nil || amountNano <= 0 {
		return nil, ErrBadAmount
	}

	err = e.locks.WithLock(ctx, betLockKey(p.RoomID), betLockTTL, func(ctx context.Context) error {
		result, err = e.placeStakeLocked(ctx, p, amountNano)
		return err
	})
	if errors.Is(err, locking.ErrLockBusy) {
		e.observeLockBusy("bet_room")
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.StakesAccepted.WithLabelValues(string(result.currency)).Inc()
	}
	return result, nil
}

func (e *Engine) placeStakeLocked(ctx context.Context, p StakeParams, amountNano int64) (*StakeResult, error) {
	room, err := e.store.getRoom(ctx, e.db, p.RoomID)
	if err != nil {
		return nil, err
	}
	if room.Status != RoomActive {
		return nil, ErrRoomNotActive
	}

	round, err := e.store.findCurrentRound(ctx, e.db, p.RoomID)
	if err != nil {
		return nil, err
	}
	if round == nil {
		// Round creation stays serialized on the ensure lock even from
		// the stake path.
		if round, err = e.EnsureOpenRound(ctx, p.RoomID); err != nil {
			return nil, err
		}
	}

	now := e.now()
	if round.Status != RoundOpen || !now.Before(round.EndsAt.Add(-betCutoff)) {
		return nil, ErrRoundClosed
	}

	if room.Currency.WholeUnitsOnly() && amountNano%money.NanoScale != 0 {
		return nil, ErrWholeUnitsOnly
	}
	if amountNano < room.MinBetNano {
		return nil, ErrBetTooSmall
	}
	if room.MaxBetNano != nil && amountNano > *room.MaxBetNano {
		return nil, ErrBetTooLarge
	}

	participant, err := e.store.getParticipant(ctx, e.db, round.ID, p.UserID)
	if err != nil {
		return nil, err
	}
	if participant != nil {
		if participant.ClientSeed != p.ClientSeed {
			return nil, ErrSeedMismatch
		}
		if participant.BetCount >= maxBetCount {
			return nil, ErrBetLimitReached
		}
	}

	count, err := e.store.countParticipants(ctx, e.db, round.ID)
	if err != nil {
		return nil, err
	}
	joining := participant == nil
	if joining && room.MaxPlayers != nil && count >= *room.MaxPlayers {
		return nil, ErrRoomFull
	}
	if room.MaxTotalPotNano != nil && round.TotalPotNano+amountNano > *room.MaxTotalPotNano {
		return nil, ErrPotLimitReached
	}

	err = persistence.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		account, err := e.ledger.EnsureAccountTx(ctx, tx, p.UserID, room.Currency)
		if err != nil {
			return err
		}
		balance, err := e.ledger.BalanceTx(ctx, tx, p.UserID, room.Currency)
		if err != nil {
			return err
		}
		if balance < amountNano {
			return ErrInsufficientFunds
		}
		if _, err := e.ledger.AppendTx(ctx, tx, account.ID, ledger.EntryBetLock,
			-amountNano, "round", round.ID.String()); err != nil {
			return err
		}
		if err := e.store.upsertParticipant(ctx, tx, round.ID, p.UserID, p.ClientSeed, amountNano, now); err != nil {
			return err
		}
		return e.store.incrementPot(ctx, tx, round.ID, amountNano)
	})
	if err != nil {
		return nil, err
	}

	if joining {
		count++
	}
	if room.StartMode == StartFill && room.MaxPlayers != nil && count >= *room.MaxPlayers {
		if err := e.lockInFilledRound(ctx, round); err != nil {
			return nil, err
		}
	}

	result := &StakeResult{
		RoundID:      round.ID,
		AmountNano:   amountNano,
		BetCount:     1,
		TotalPotNano: round.TotalPotNano + amountNano,
		currency:     room.Currency,
	}
	if participant != nil {
		result.AmountNano = participant.AmountNano + amountNano
		result.BetCount = participant.BetCount + 1
	}

	e.log.Info().
		Str("room_id", p.RoomID.String()).
		Str("round_id", round.ID.String()).
		Str("user_id", p.UserID.String()).
		Int64("amount_nano", amountNano).
		Int64("total_pot_nano", result.TotalPotNano).
		Msg("stake accepted")
	return result, nil
}

// lockInFilledRound transitions a full FILL room's round to LOCKED with its
// end pulled in to now+fillLockIn, and schedules the earlier settlement. The
// timer job from round creation still fires later and finds the round
// already settled.
func (e *Engine) lockInFilledRound(ctx context.Context, round *Round) error {
	now := e.now()
	endsAt := now.Add(fillLockIn)
	if err := e.store.lockRound(ctx, e.db, round.ID, now, endsAt); err != nil {
		return err
	}
	round.Status = RoundLocked
	round.EndsAt = endsAt

	e.log.Info().
		Str("round_id", round.ID.String()).
		Time("ends_at", endsAt).
		Msg("round locked at capacity")
	return e.jobs.ScheduleAt(ctx, sched.Job{
		Kind:    sched.JobSettleRound,
		RoundID: round.ID,
		FireAt:  now.Add(fillSettleDelay),
	})
}

// SettleRound runs the terminal transition for a round: the weighted draw
// and payout when at least two users staked, or cancellation and refunds
// otherwise. It is idempotent and safe to call early or repeatedly.
//
// A busy settle lock means another instance is settling; that is success
// from this caller's point of view and returns nil. A round not yet due
// returns NotDueError so the job runner can redeliver at the right time.
func (e *Engine) SettleRound(ctx context.Context, roundID uuid.UUID) error {
	start := e.now()
	err := e.locks.WithLock(ctx, settleLockKey(roundID), settleLockTTL, func(ctx context.Context) error {
		return e.settleLocked(ctx, roundID)
	})
	if errors.Is(err, locking.ErrLockBusy) {
		e.observeLockBusy("settle")
		return nil
	}
	if err == nil && e.metrics != nil {
		e.metrics.SettleDuration.Observe(time.Since(start).Seconds())
	}
	return err
}

func (e *Engine) settleLocked(ctx context.Context, roundID uuid.UUID) error {
	round, err := e.store.getRound(ctx, e.db, roundID)
	if err != nil {
		return err
	}
	switch round.Status {
	case RoundSettled, RoundCancelled, RoundRefunded:
		return nil
	}

	due := round.EndsAt.Add(settleSlack)
	if e.now().Before(due) {
		return &NotDueError{Until: due}
	}

	room, err := e.store.getRoom(ctx, e.db, round.RoomID)
	if err != nil {
		return err
	}
	participants, err := e.store.participants(ctx, e.db, round.ID)
	if err != nil {
		return err
	}

	if len(participants) < 2 {
		if err := e.refundRound(ctx, room, round, participants); err != nil {
			return err
		}
	} else {
		if err := e.drawAndPay(ctx, room, round, participants); err != nil {
			return err
		}
	}

	// Keep the room playable; a freshly disabled room stops here.
	if _, err := e.EnsureOpenRound(ctx, round.RoomID); err != nil {
		if errors.Is(err, ErrRoomNotActive) {
			return nil
		}
		if errors.Is(err, locking.ErrLockBusy) {
			// Someone else holds the ensure lock; hand the retry to the
			// job stream in case they lose it.
			return e.jobs.ScheduleAt(ctx, sched.Job{
				Kind:   sched.JobEnsureOpenRound,
				RoomID: round.RoomID,
				FireAt: e.now().Add(time.Second),
			})
		}
		return err
	}
	return nil
}

// refundRound cancels a round that never had a contest and returns every
// stake. Refund entries reference the round, so a replayed settlement sees
// the terminal status and does nothing.
func (e *Engine) refundRound(ctx context.Context, room *Room, round *Round, participants []Participant) error {
	now := e.now()
	err := persistence.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		if err := e.store.cancelRound(ctx, tx, round.ID, now); err != nil {
			return err
		}
		for _, p := range participants {
			account, err := e.ledger.EnsureAccountTx(ctx, tx, p.UserID, room.Currency)
			if err != nil {
				return err
			}
			if _, err := e.ledger.AppendTx(ctx, tx, account.ID, ledger.EntryRefund,
				p.AmountNano, "round", round.ID.String()); err != nil {
				return err
			}
		}
		return e.store.markRefunded(ctx, tx, round.ID, now)
	})
	if err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.RoundsRefunded.Inc()
	}
	e.log.Info().
		Str("round_id", round.ID.String()).
		Int("participants", len(participants)).
		Msg("round refunded")
	return nil
}

func (e *Engine) drawAndPay(ctx context.Context, room *Room, round *Round, participants []Participant) error {
	now := e.now()
	if round.Status == RoundOpen {
		if err := e.store.lockRound(ctx, e.db, round.ID, now, round.EndsAt); err != nil {
			return err
		}
	}

	players := make([]fair.Player, 0, len(participants))
	for _, p := range participants {
		players = append(players, fair.Player{UserID: p.UserID, Seed: p.ClientSeed, Weight: p.AmountNano})
	}
	players = fair.SortPlayers(players)
	clientSeedAgg := fair.AggregateClientSeeds(players)

	outcome, err := fair.PickWinner(round.ServerSeed, clientSeedAgg, round.Nonce, round.ID, players)
	if err != nil {
		return fmt.Errorf("draw round %s: %w", round.ID, err)
	}

	pot := int64(0)
	for _, p := range participants {
		pot += p.AmountNano
	}
	fee := pot * int64(room.FeeBps) / feeBpsScale
	payout := pot - fee

	winner := outcome.WinnerUserID
	ticket := outcome.WinningTicket.String()
	totalWeight := outcome.TotalWeight.String()
	round.Status = RoundSettled
	round.SettledAt = &now
	round.ClientSeedAgg = &clientSeedAgg
	round.Digest = &outcome.Digest
	round.WinnerUserID = &winner
	round.TotalPotNano = pot
	round.FeeNano = &fee
	round.PayoutNano = &payout
	round.WinningTicket = &ticket
	round.TotalWeight = &totalWeight

	err = persistence.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		winAccount, err := e.ledger.EnsureAccountTx(ctx, tx, winner, room.Currency)
		if err != nil {
			return err
		}
		if _, err := e.ledger.AppendTx(ctx, tx, winAccount.ID, ledger.EntryPayout,
			payout, "round", round.ID.String()); err != nil {
			return err
		}
		if fee > 0 {
			houseAccount, err := e.ledger.EnsureAccountTx(ctx, tx, e.cfg.HouseUserID, room.Currency)
			if err != nil {
				return err
			}
			if _, err := e.ledger.AppendTx(ctx, tx, houseAccount.ID, ledger.EntryHouseFee,
				fee, "round", round.ID.String()); err != nil {
				return err
			}
		}
		return e.store.settleRoundRow(ctx, tx, round)
	})
	if err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.RoundsSettled.Inc()
		e.metrics.PotNano.WithLabelValues(string(room.Currency)).Set(float64(pot))
	}
	e.log.Info().
		Str("round_id", round.ID.String()).
		Str("winner", winner.String()).
		Int64("pot_nano", pot).
		Int64("fee_nano", fee).
		Int64("payout_nano", payout).
		Msg("round settled")
	return nil
}

// HandleJob dispatches one delayed-job delivery. Early settlements come back
// as redelivery requests; everything else acks or retries per the worker's
// rules.
func (e *Engine) HandleJob(ctx context.Context, job sched.Job) error {
	switch job.Kind {
	case sched.JobSettleRound:
		err := e.SettleRound(ctx, job.RoundID)
		var notDue *NotDueError
		if errors.As(err, &notDue) {
			return sched.RetryAfter(time.Until(notDue.Until))
		}
		if errors.Is(err, ErrRoundNotFound) {
			return nil
		}
		return err
	case sched.JobEnsureOpenRound:
		_, err := e.EnsureOpenRound(ctx, job.RoomID)
		if errors.Is(err, ErrRoomNotActive) || errors.Is(err, ErrRoomNotFound) {
			return nil
		}
		if errors.Is(err, locking.ErrLockBusy) {
			return sched.RetryAfter(time.Second)
		}
		return err
	default:
		e.log.Warn().Str("kind", string(job.Kind)).Msg("unknown job kind dropped")
		return nil
	}
}

func (e *Engine) observeLockBusy(scope string) {
	if e.metrics != nil {
		e.metrics.LockBusy.WithLabelValues(scope).Inc()
	}
}

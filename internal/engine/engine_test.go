package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"potroulette/internal/fair"
	"potroulette/internal/ledger"
	"potroulette/internal/locking"
	"potroulette/internal/money"
	"potroulette/internal/persistence"
	"potroulette/internal/sched"
	"potroulette/internal/testutil"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// memLocker is a process-local stand-in for the Redis locker: held keys
// refuse instead of waiting, matching the real locker's contract.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]bool)}
}

func (l *memLocker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		return locking.ErrLockBusy
	}
	l.held[key] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}

type memGuard struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemGuard() *memGuard {
	return &memGuard{seen: make(map[string]bool)}
}

func (g *memGuard) FirstSeen(ctx context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[key] {
		return false, nil
	}
	g.seen[key] = true
	return true, nil
}

func (g *memGuard) Clear(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, key)
	return nil
}

type memScheduler struct {
	mu   sync.Mutex
	jobs []sched.Job
}

func (s *memScheduler) ScheduleAt(ctx context.Context, job sched.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *memScheduler) scheduled() []sched.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sched.Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

type testEngine struct {
	*Engine
	db    *sql.DB
	sched *memScheduler
	clock *fakeClock
	house uuid.UUID
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEngine(t *testing.T) (*testEngine, func()) {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)

	scheduler := &memScheduler{}
	clock := &fakeClock{t: time.Now().UTC().Truncate(time.Millisecond)}
	house := uuid.New()

	eng := New(db, ledger.NewService(db), newMemLocker(), newMemGuard(), scheduler,
		testLogger(), nil, Config{HouseUserID: house})
	eng.now = clock.now

	return &testEngine{Engine: eng, db: db, sched: scheduler, clock: clock, house: house}, cleanup
}

func (te *testEngine) createRoom(t *testing.T, mutate func(*CreateRoomParams)) *Room {
	t.Helper()
	p := CreateRoomParams{
		CreatedBy:            uuid.New(),
		Currency:             money.TON,
		Title:                "test room",
		MinBetNano:           money.NanoScale / 10,
		RoundDurationSeconds: 30,
		StartMode:            StartTimer,
		FeeBps:               100,
	}
	if mutate != nil {
		mutate(&p)
	}
	room, err := te.CreateRoom(context.Background(), p)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return room
}

// fund credits a deposit directly through the ledger.
func (te *testEngine) fund(t *testing.T, userID uuid.UUID, currency money.Currency, amountNano int64) {
	t.Helper()
	err := persistence.WithTx(context.Background(), te.db, func(tx *sql.Tx) error {
		account, err := te.ledger.EnsureAccountTx(context.Background(), tx, userID, currency)
		if err != nil {
			return err
		}
		_, err = te.ledger.AppendTx(context.Background(), tx, account.ID,
			ledger.EntryDeposit, amountNano, "deposit", uuid.NewString())
		return err
	})
	if err != nil {
		t.Fatalf("fund %s: %v", userID, err)
	}
}

func (te *testEngine) stake(t *testing.T, roomID, userID uuid.UUID, amount, seed string) *StakeResult {
	t.Helper()
	res, err := te.PlaceStake(context.Background(), StakeParams{
		RoomID:         roomID,
		UserID:         userID,
		Amount:         amount,
		ClientSeed:     seed,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("PlaceStake(%s, %s): %v", userID, amount, err)
	}
	return res
}

func (te *testEngine) balance(t *testing.T, userID uuid.UUID, currency money.Currency) int64 {
	t.Helper()
	n, err := te.ledger.Balance(context.Background(), userID, currency)
	if err != nil {
		t.Fatalf("Balance(%s): %v", userID, err)
	}
	return n
}

func TestEnsureOpenRound_Converges(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil)

	first, err := te.EnsureOpenRound(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("EnsureOpenRound: %v", err)
	}
	if first == nil || first.Status != RoundOpen {
		t.Fatalf("expected an open round, got %+v", first)
	}

	var wg sync.WaitGroup
	results := make([]uuid.UUID, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			round, err := te.EnsureOpenRound(context.Background(), room.ID)
			if err == nil && round != nil {
				results[i] = round.ID
			}
		}(i)
	}
	wg.Wait()

	got := 0
	for _, id := range results {
		if id == uuid.Nil {
			continue
		}
		got++
		if id != first.ID {
			t.Fatalf("concurrent EnsureOpenRound diverged: %s vs %s", id, first.ID)
		}
	}
	if got == 0 {
		t.Fatal("every concurrent EnsureOpenRound failed")
	}
}

func TestPlaceStake_PotEqualsStakes(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil)
	alice, bob := uuid.New(), uuid.New()
	te.fund(t, alice, money.TON, 100*money.NanoScale)
	te.fund(t, bob, money.TON, 100*money.NanoScale)

	te.stake(t, room.ID, alice, "10", "seed-a")
	te.stake(t, room.ID, bob, "20", "seed-b")
	res := te.stake(t, room.ID, alice, "5", "seed-a")

	if res.AmountNano != 15*money.NanoScale {
		t.Errorf("alice total = %d, want %d", res.AmountNano, 15*money.NanoScale)
	}
	if res.BetCount != 2 {
		t.Errorf("alice bet count = %d, want 2", res.BetCount)
	}
	if res.TotalPotNano != 35*money.NanoScale {
		t.Errorf("pot = %d, want %d", res.TotalPotNano, 35*money.NanoScale)
	}

	if got := te.balance(t, alice, money.TON); got != 85*money.NanoScale {
		t.Errorf("alice balance = %d, want %d", got, 85*money.NanoScale)
	}
}

func TestPlaceStake_Refusals(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	maxBet := int64(50 * money.NanoScale)
	room := te.createRoom(t, func(p *CreateRoomParams) {
		p.MaxBetNano = &maxBet
	})
	alice := uuid.New()
	te.fund(t, alice, money.TON, 10*money.NanoScale)

	cases := []struct {
		name   string
		user   uuid.UUID
		amount string
		seed   string
		want   error
	}{
		{"below minimum", alice, "0.01", "s", ErrBetTooSmall},
		{"above maximum", alice, "60", "s", ErrBetTooLarge},
		{"malformed amount", alice, "ten", "s", ErrBadAmount},
		{"negative amount", alice, "-5", "s", ErrBadAmount},
		{"insufficient funds", alice, "50", "s", ErrInsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := te.PlaceStake(context.Background(), StakeParams{
				RoomID:         room.ID,
				UserID:         tc.user,
				Amount:         tc.amount,
				ClientSeed:     tc.seed,
				IdempotencyKey: uuid.NewString(),
			})
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
			if !IsRefusal(err) {
				t.Errorf("%v should be a refusal", err)
			}
		})
	}

	// A refused stake leaves the pot untouched.
	snap, err := te.Snapshot(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.CurrentRound != nil && snap.CurrentRound.TotalPotNano != 0 {
		t.Errorf("pot = %d after refusals, want 0", snap.CurrentRound.TotalPotNano)
	}
}

func TestPlaceStake_SeedFixedPerRound(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil)
	alice := uuid.New()
	te.fund(t, alice, money.TON, 100*money.NanoScale)

	te.stake(t, room.ID, alice, "10", "seed-1")
	_, err := te.PlaceStake(context.Background(), StakeParams{
		RoomID:         room.ID,
		UserID:         alice,
		Amount:         "10",
		ClientSeed:     "seed-2",
		IdempotencyKey: uuid.NewString(),
	})
	if !errors.Is(err, ErrSeedMismatch) {
		t.Fatalf("got %v, want ErrSeedMismatch", err)
	}
}

func TestPlaceStake_ReplayIsNoOp(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil)
	alice := uuid.New()
	te.fund(t, alice, money.TON, 100*money.NanoScale)

	params := StakeParams{
		RoomID:         room.ID,
		UserID:         alice,
		Amount:         "10",
		ClientSeed:     "seed-a",
		IdempotencyKey: "replay-key",
	}
	first, err := te.PlaceStake(context.Background(), params)
	if err != nil {
		t.Fatalf("first stake: %v", err)
	}
	if first.Replayed {
		t.Fatal("first stake marked replayed")
	}

	second, err := te.PlaceStake(context.Background(), params)
	if err != nil {
		t.Fatalf("replayed stake: %v", err)
	}
	if !second.Replayed {
		t.Fatal("replay not detected")
	}
	if got := te.balance(t, alice, money.TON); got != 90*money.NanoScale {
		t.Errorf("balance = %d after replay, want %d", got, 90*money.NanoScale)
	}
}

func TestPlaceStake_KeylessStakesSkipGuard(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil)
	alice := uuid.New()
	bob := uuid.New()
	te.fund(t, alice, money.TON, 100*money.NanoScale)
	te.fund(t, bob, money.TON, 100*money.NanoScale)

	for i, user := range []uuid.UUID{alice, bob, alice} {
		res, err := te.PlaceStake(context.Background(), StakeParams{
			RoomID:     room.ID,
			UserID:     user,
			Amount:     "10",
			ClientSeed: "seed-" + user.String(),
		})
		if err != nil {
			t.Fatalf("keyless stake %d: %v", i, err)
		}
		if res.Replayed {
			t.Fatalf("keyless stake %d marked replayed", i)
		}
	}

	if got := te.balance(t, alice, money.TON); got != 80*money.NanoScale {
		t.Errorf("alice balance = %d, want %d", got, 80*money.NanoScale)
	}
	if got := te.balance(t, bob, money.TON); got != 90*money.NanoScale {
		t.Errorf("bob balance = %d, want %d", got, 90*money.NanoScale)
	}
}

func TestEnsureOpenRound_ReschedulesOverdueLockedRound(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil)
	alice := uuid.New()
	te.fund(t, alice, money.TON, 100*money.NanoScale)
	te.stake(t, room.ID, alice, "10", "seed-a")

	round, err := te.store.findCurrentRound(context.Background(), te.db, room.ID)
	if err != nil || round == nil {
		t.Fatalf("findCurrentRound: %v", err)
	}

	// Lock the round with an end time already in the past, as if the
	// process died between the state write and the job publish.
	lockedAt := te.clock.now()
	endsAt := lockedAt.Add(-time.Second)
	if err := te.store.lockRound(context.Background(), te.db, round.ID, lockedAt, endsAt); err != nil {
		t.Fatalf("lockRound: %v", err)
	}

	before := len(te.sched.scheduled())
	current, err := te.EnsureOpenRound(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("EnsureOpenRound: %v", err)
	}
	if current.ID != round.ID {
		t.Fatalf("current round = %s, want the stranded round %s", current.ID, round.ID)
	}

	want := endsAt.Add(settleSlack)
	found := false
	for _, j := range te.sched.scheduled()[before:] {
		if j.Kind == sched.JobSettleRound && j.RoundID == round.ID {
			found = true
			if !j.FireAt.Equal(want) {
				t.Errorf("settle job fires at %s, want %s", j.FireAt, want)
			}
		}
	}
	if !found {
		t.Error("no settle job republished for the overdue locked round")
	}
}

func TestPlaceStake_ParticipantChecksPrecedePotCap(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	potCap := int64(15 * money.NanoScale)
	players := 2
	room := te.createRoom(t, func(p *CreateRoomParams) {
		p.MaxTotalPotNano = &potCap
		p.MaxPlayers = &players
	})
	alice := uuid.New()
	bob := uuid.New()
	carol := uuid.New()
	for _, u := range []uuid.UUID{alice, bob, carol} {
		te.fund(t, u, money.TON, 100*money.NanoScale)
	}
	te.stake(t, room.ID, alice, "5", "seed-a")
	te.stake(t, room.ID, bob, "5", "seed-b")

	// Both the seed mismatch and the pot cap apply; the mismatch wins.
	_, err := te.PlaceStake(context.Background(), StakeParams{
		RoomID:     room.ID,
		UserID:     alice,
		Amount:     "10",
		ClientSeed: "seed-other",
	})
	if !errors.Is(err, ErrSeedMismatch) {
		t.Fatalf("err = %v, want ErrSeedMismatch", err)
	}

	// A joiner refused for capacity is told the room is full even when the
	// stake would also blow the pot cap.
	_, err = te.PlaceStake(context.Background(), StakeParams{
		RoomID:     room.ID,
		UserID:     carol,
		Amount:     "10",
		ClientSeed: "seed-c",
	})
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("err = %v, want ErrRoomFull", err)
	}
}

func TestPlaceStake_IdempotencyKeyScopedPerUser(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil)
	alice := uuid.New()
	bob := uuid.New()
	te.fund(t, alice, money.TON, 100*money.NanoScale)
	te.fund(t, bob, money.TON, 100*money.NanoScale)

	for _, user := range []uuid.UUID{alice, bob} {
		res, err := te.PlaceStake(context.Background(), StakeParams{
			RoomID:         room.ID,
			UserID:         user,
			Amount:         "10",
			ClientSeed:     "seed-" + user.String(),
			IdempotencyKey: "shared-literal",
		})
		if err != nil {
			t.Fatalf("stake for %s: %v", user, err)
		}
		if res.Replayed {
			t.Fatalf("stake for %s marked replayed on first use of its key", user)
		}
	}

	if got := te.balance(t, bob, money.TON); got != 90*money.NanoScale {
		t.Errorf("bob balance = %d, want %d", got, 90*money.NanoScale)
	}
}

func TestPlaceStake_RefusalClearsGuard(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil)
	alice := uuid.New()

	params := StakeParams{
		RoomID:         room.ID,
		UserID:         alice,
		Amount:         "10",
		ClientSeed:     "seed-a",
		IdempotencyKey: "retry-key",
	}
	if _, err := te.PlaceStake(context.Background(), params); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}

	// The same key must work once the cause is fixed.
	te.fund(t, alice, money.TON, 100*money.NanoScale)
	res, err := te.PlaceStake(context.Background(), params)
	if err != nil {
		t.Fatalf("retry after refusal: %v", err)
	}
	if res.Replayed {
		t.Fatal("retry absorbed as a replay")
	}
}

func TestPlaceStake_WholeUnitCurrency(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, func(p *CreateRoomParams) {
		p.Currency = money.XTR
		p.MinBetNano = money.NanoScale
	})
	alice := uuid.New()
	te.fund(t, alice, money.XTR, 100*money.NanoScale)

	_, err := te.PlaceStake(context.Background(), StakeParams{
		RoomID:         room.ID,
		UserID:         alice,
		Amount:         "1.5",
		ClientSeed:     "s",
		IdempotencyKey: uuid.NewString(),
	})
	if !errors.Is(err, ErrWholeUnitsOnly) {
		t.Fatalf("got %v, want ErrWholeUnitsOnly", err)
	}

	te.stake(t, room.ID, alice, "2", "s")
}

func TestPlaceStake_CutoffWindow(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil)
	alice := uuid.New()
	te.fund(t, alice, money.TON, 100*money.NanoScale)
	te.stake(t, room.ID, alice, "10", "s")

	// Inside the cutoff window before the round ends.
	te.clock.advance(30*time.Second - time.Second)
	_, err := te.PlaceStake(context.Background(), StakeParams{
		RoomID:         room.ID,
		UserID:         alice,
		Amount:         "10",
		ClientSeed:     "s",
		IdempotencyKey: uuid.NewString(),
	})
	if !errors.Is(err, ErrRoundClosed) {
		t.Fatalf("got %v, want ErrRoundClosed", err)
	}
}

func settleCurrentRound(t *testing.T, te *testEngine, roomID uuid.UUID) uuid.UUID {
	t.Helper()
	round, err := te.store.findCurrentRound(context.Background(), te.db, roomID)
	if err != nil || round == nil {
		t.Fatalf("no current round: %v", err)
	}
	te.clock.advance(round.EndsAt.Sub(te.clock.now()) + settleSlack + time.Millisecond)
	if err := te.SettleRound(context.Background(), round.ID); err != nil {
		t.Fatalf("SettleRound: %v", err)
	}
	return round.ID
}

func TestSettleRound_PayoutAndFee(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil) // fee 100 bps
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	amounts := []string{"10", "20", "70"}
	for i, u := range users {
		te.fund(t, u, money.TON, 100*money.NanoScale)
		te.stake(t, room.ID, u, amounts[i], "seed-"+amounts[i])
	}

	roundID := settleCurrentRound(t, te, room.ID)

	round, err := te.store.getRound(context.Background(), te.db, roundID)
	if err != nil {
		t.Fatalf("getRound: %v", err)
	}
	if round.Status != RoundSettled {
		t.Fatalf("status = %s, want SETTLED", round.Status)
	}
	if round.TotalPotNano != 100*money.NanoScale {
		t.Errorf("pot = %d, want %d", round.TotalPotNano, 100*money.NanoScale)
	}
	if *round.FeeNano != money.NanoScale {
		t.Errorf("fee = %d, want %d", *round.FeeNano, money.NanoScale)
	}
	if *round.PayoutNano != 99*money.NanoScale {
		t.Errorf("payout = %d, want %d", *round.PayoutNano, 99*money.NanoScale)
	}

	winner := *round.WinnerUserID
	found := false
	for _, u := range users {
		if u == winner {
			found = true
		}
	}
	if !found {
		t.Fatalf("winner %s is not a participant", winner)
	}

	if got := te.balance(t, te.house, money.TON); got != money.NanoScale {
		t.Errorf("house balance = %d, want %d", got, money.NanoScale)
	}

	// Every participant lost their stake; the winner got it back plus the
	// payout. Net across all accounts the round moves nothing.
	total := int64(0)
	for _, u := range users {
		total += te.balance(t, u, money.TON)
	}
	total += te.balance(t, te.house, money.TON)
	if total != 300*money.NanoScale {
		t.Errorf("total balances = %d, want %d", total, 300*money.NanoScale)
	}

	// A second settlement attempt is a no-op.
	if err := te.SettleRound(context.Background(), roundID); err != nil {
		t.Fatalf("repeat SettleRound: %v", err)
	}
}

func TestSettleRound_RevealVerifies(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil)
	users := []uuid.UUID{uuid.New(), uuid.New()}
	for i, u := range users {
		te.fund(t, u, money.TON, 100*money.NanoScale)
		te.stake(t, room.ID, u, "10", "seed-"+uuid.NewString()[:8]+string(rune('a'+i)))
	}

	roundID := settleCurrentRound(t, te, room.ID)

	round, err := te.store.getRound(context.Background(), te.db, roundID)
	if err != nil {
		t.Fatalf("getRound: %v", err)
	}
	participants, err := te.store.participants(context.Background(), te.db, roundID)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}

	players := make([]fair.Player, 0, len(participants))
	for _, p := range participants {
		players = append(players, fair.Player{UserID: p.UserID, Seed: p.ClientSeed, Weight: p.AmountNano})
	}
	players = fair.SortPlayers(players)

	err = fair.Verify(round.ServerSeedHash, round.ServerSeed, *round.ClientSeedAgg,
		round.Nonce, round.ID, players, *round.WinnerUserID)
	if err != nil {
		t.Fatalf("reveal does not verify: %v", err)
	}
}

func TestSettleRound_RefundsSingleParticipant(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil)
	alice := uuid.New()
	te.fund(t, alice, money.TON, 100*money.NanoScale)
	te.stake(t, room.ID, alice, "10", "s")

	roundID := settleCurrentRound(t, te, room.ID)

	round, err := te.store.getRound(context.Background(), te.db, roundID)
	if err != nil {
		t.Fatalf("getRound: %v", err)
	}
	if round.Status != RoundRefunded {
		t.Fatalf("status = %s, want REFUNDED", round.Status)
	}
	if got := te.balance(t, alice, money.TON); got != 100*money.NanoScale {
		t.Errorf("balance = %d after refund, want %d", got, 100*money.NanoScale)
	}
	if got := te.balance(t, te.house, money.TON); got != 0 {
		t.Errorf("house balance = %d after refund, want 0", got)
	}
}

func TestSettleRound_EmptyRoundCancels(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil)
	roundID := settleCurrentRound(t, te, room.ID)

	round, err := te.store.getRound(context.Background(), te.db, roundID)
	if err != nil {
		t.Fatalf("getRound: %v", err)
	}
	if round.Status != RoundRefunded {
		t.Fatalf("status = %s, want REFUNDED", round.Status)
	}
}

func TestSettleRound_NotDue(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil)
	round, err := te.EnsureOpenRound(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("EnsureOpenRound: %v", err)
	}

	err = te.SettleRound(context.Background(), round.ID)
	var notDue *NotDueError
	if !errors.As(err, &notDue) {
		t.Fatalf("got %v, want NotDueError", err)
	}
	if !notDue.Until.Equal(round.EndsAt.Add(settleSlack)) {
		t.Errorf("due at %s, want %s", notDue.Until, round.EndsAt.Add(settleSlack))
	}
}

func TestSettleRound_OpensSuccessor(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil)
	before, err := te.EnsureOpenRound(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("EnsureOpenRound: %v", err)
	}

	settleCurrentRound(t, te, room.ID)

	after, err := te.store.findCurrentRound(context.Background(), te.db, room.ID)
	if err != nil {
		t.Fatalf("findCurrentRound: %v", err)
	}
	if after == nil {
		t.Fatal("no successor round")
	}
	if after.ID == before.ID {
		t.Fatal("round not replaced after settlement")
	}
	if after.Status != RoundOpen {
		t.Fatalf("successor status = %s, want OPEN", after.Status)
	}
}

func TestDisabledRoom_NoSuccessorRound(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil)
	if err := te.DisableRoom(context.Background(), room.ID); err != nil {
		t.Fatalf("DisableRoom: %v", err)
	}

	settleCurrentRound(t, te, room.ID)

	after, err := te.store.findCurrentRound(context.Background(), te.db, room.ID)
	if err != nil {
		t.Fatalf("findCurrentRound: %v", err)
	}
	if after != nil {
		t.Fatalf("disabled room got a new round %s", after.ID)
	}

	alice := uuid.New()
	te.fund(t, alice, money.TON, 100*money.NanoScale)
	_, err = te.PlaceStake(context.Background(), StakeParams{
		RoomID:         room.ID,
		UserID:         alice,
		Amount:         "10",
		ClientSeed:     "s",
		IdempotencyKey: uuid.NewString(),
	})
	if !errors.Is(err, ErrRoomNotActive) {
		t.Fatalf("got %v, want ErrRoomNotActive", err)
	}
}

func TestFillMode_PullsEndIn(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	capacity := 2
	room := te.createRoom(t, func(p *CreateRoomParams) {
		p.StartMode = StartFill
		p.MaxPlayers = &capacity
		p.RoundDurationSeconds = 300
	})

	users := []uuid.UUID{uuid.New(), uuid.New()}
	for i, u := range users {
		te.fund(t, u, money.TON, 100*money.NanoScale)
		te.stake(t, room.ID, u, "10", "seed-"+string(rune('a'+i)))
	}

	round, err := te.store.findCurrentRound(context.Background(), te.db, room.ID)
	if err != nil || round == nil {
		t.Fatalf("no current round: %v", err)
	}
	if got := round.EndsAt.Sub(te.clock.now()); got > fillLockIn {
		t.Errorf("ends in %s after fill, want <= %s", got, fillLockIn)
	}

	var fillJob *sched.Job
	for _, job := range te.sched.scheduled() {
		if job.Kind == sched.JobSettleRound && job.RoundID == round.ID &&
			job.FireAt.Equal(te.clock.now().Add(fillSettleDelay)) {
			j := job
			fillJob = &j
		}
	}
	if fillJob == nil {
		t.Fatal("no settlement scheduled for the filled round")
	}

	// A third player bounces off the capacity.
	carol := uuid.New()
	te.fund(t, carol, money.TON, 100*money.NanoScale)
	_, err = te.PlaceStake(context.Background(), StakeParams{
		RoomID:         room.ID,
		UserID:         carol,
		Amount:         "10",
		ClientSeed:     "s",
		IdempotencyKey: uuid.NewString(),
	})
	if !errors.Is(err, ErrRoomFull) && !errors.Is(err, ErrRoundClosed) {
		t.Fatalf("got %v, want ErrRoomFull or ErrRoundClosed", err)
	}
}

func TestHandleJob_SettleNotDueRequestsRedelivery(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil)
	round, err := te.EnsureOpenRound(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("EnsureOpenRound: %v", err)
	}

	err = te.HandleJob(context.Background(), sched.Job{
		Kind:    sched.JobSettleRound,
		RoundID: round.ID,
		FireAt:  te.clock.now(),
	})
	var retry *sched.RetryAfterError
	if !errors.As(err, &retry) {
		t.Fatalf("got %v, want RetryAfterError", err)
	}

	// Unknown rounds are dropped, not retried forever.
	if err := te.HandleJob(context.Background(), sched.Job{
		Kind:    sched.JobSettleRound,
		RoundID: uuid.New(),
	}); err != nil {
		t.Fatalf("unknown round job: %v", err)
	}
}

func TestSnapshot_HidesSeedUntilSettled(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil)
	users := []uuid.UUID{uuid.New(), uuid.New()}
	for i, u := range users {
		te.fund(t, u, money.TON, 100*money.NanoScale)
		te.stake(t, room.ID, u, "10", "seed-"+string(rune('a'+i)))
	}

	snap, err := te.Snapshot(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.CurrentRound == nil {
		t.Fatal("no current round in snapshot")
	}
	if snap.CurrentRound.ServerSeed != nil {
		t.Fatal("server seed leaked before settlement")
	}
	if snap.CurrentRound.ServerSeedHash == "" {
		t.Fatal("commitment missing from snapshot")
	}
	if len(snap.CurrentRound.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(snap.CurrentRound.Participants))
	}
	for _, p := range snap.CurrentRound.Participants {
		if p.ShareBps != 5000 {
			t.Errorf("share = %d bps, want 5000", p.ShareBps)
		}
	}

	settleCurrentRound(t, te, room.ID)

	snap, err = te.Snapshot(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("Snapshot after settle: %v", err)
	}
	if snap.LastSettled == nil {
		t.Fatal("no settled round in snapshot")
	}
	if snap.LastSettled.ServerSeed == nil || snap.LastSettled.Digest == nil {
		t.Fatal("reveal missing from settled snapshot")
	}
}

func TestHistory_FinishedRoundsWithReveal(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil)
	alice, bob := uuid.New(), uuid.New()
	te.fund(t, alice, money.TON, 100*money.NanoScale)
	te.fund(t, bob, money.TON, 100*money.NanoScale)

	// First round: contested, settles with a winner.
	te.stake(t, room.ID, alice, "10", "seed-a")
	te.stake(t, room.ID, bob, "20", "seed-b")
	settledID := settleCurrentRound(t, te, room.ID)

	// Second round: alice alone, refunded.
	te.stake(t, room.ID, alice, "5", "seed-a2")
	refundedID := settleCurrentRound(t, te, room.ID)

	history, err := te.History(context.Background(), alice, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Round.ID != refundedID || history[1].Round.ID != settledID {
		t.Fatalf("history order = %s, %s", history[0].Round.ID, history[1].Round.ID)
	}
	if history[0].Round.Status != RoundRefunded {
		t.Errorf("newest status = %s, want REFUNDED", history[0].Round.Status)
	}
	if history[0].Won {
		t.Error("refunded round marked as won")
	}

	settled := history[1]
	if settled.StakeNano != 10*money.NanoScale {
		t.Errorf("stake = %d, want %d", settled.StakeNano, 10*money.NanoScale)
	}
	if settled.Round.ServerSeed == nil || settled.Round.Digest == nil {
		t.Fatal("settled history entry missing reveal")
	}
	wonExpected := settled.Round.WinnerUserID != nil && *settled.Round.WinnerUserID == alice
	if settled.Won != wonExpected {
		t.Errorf("won = %v, winner = %v", settled.Won, settled.Round.WinnerUserID)
	}

	// Bob only joined the first round.
	bobHistory, err := te.History(context.Background(), bob, 10)
	if err != nil {
		t.Fatalf("History(bob): %v", err)
	}
	if len(bobHistory) != 1 || bobHistory[0].Round.ID != settledID {
		t.Fatalf("bob history = %+v", bobHistory)
	}
}

func TestUpdateRoomSettings(t *testing.T) {
	te, cleanup := newTestEngine(t)
	defer cleanup()

	room := te.createRoom(t, nil)

	newMin := int64(money.NanoScale)
	badFee := 5000
	if _, err := te.UpdateRoomSettings(context.Background(), room.ID, RoomUpdate{FeeBps: &badFee}); err == nil {
		t.Fatal("out-of-range fee accepted")
	}

	updated, err := te.UpdateRoomSettings(context.Background(), room.ID, RoomUpdate{MinBetNano: &newMin})
	if err != nil {
		t.Fatalf("UpdateRoomSettings: %v", err)
	}
	if updated.MinBetNano != newMin {
		t.Errorf("min bet = %d, want %d", updated.MinBetNano, newMin)
	}

	alice := uuid.New()
	te.fund(t, alice, money.TON, 100*money.NanoScale)
	_, err = te.PlaceStake(context.Background(), StakeParams{
		RoomID:         room.ID,
		UserID:         alice,
		Amount:         "0.5",
		ClientSeed:     "s",
		IdempotencyKey: uuid.NewString(),
	})
	if !errors.Is(err, ErrBetTooSmall) {
		t.Fatalf("got %v, want ErrBetTooSmall after raising the minimum", err)
	}
}

package fair_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"potroulette/internal/fair"
)

func TestNewServerSeed_LengthAndUniqueness(t *testing.T) {
	a, err := fair.NewServerSeed()
	if err != nil {
		t.Fatalf("NewServerSeed: %v", err)
	}
	b, err := fair.NewServerSeed()
	if err != nil {
		t.Fatalf("NewServerSeed: %v", err)
	}

	if len(a) != 64 {
		t.Errorf("seed should be 64 hex chars (256 bits), got %d", len(a))
	}
	if _, err := hex.DecodeString(a); err != nil {
		t.Errorf("seed is not hex: %v", err)
	}
	if a == b {
		t.Error("two seeds should not collide")
	}
}

func TestCommitment_MatchesSha256(t *testing.T) {
	seed := "deadbeef"
	want := sha256.Sum256([]byte(seed))
	if fair.Commitment(seed) != hex.EncodeToString(want[:]) {
		t.Error("commitment must be sha256(serverSeed)")
	}
}

func TestHMACDigest_Layout(t *testing.T) {
	roundID := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	seed := "secret"
	agg := "a|b"

	mac := hmac.New(sha256.New, []byte(seed))
	fmt.Fprintf(mac, "%s:%d:%s", agg, int64(1), roundID)
	want := hex.EncodeToString(mac.Sum(nil))

	if got := fair.HMACDigest(seed, agg, 1, roundID); got != want {
		t.Errorf("digest layout mismatch: got %s, want %s", got, want)
	}
}

func TestPickWinner_Deterministic(t *testing.T) {
	roundID := uuid.New()
	players := fair.SortPlayers([]fair.Player{
		{UserID: uuid.New(), Seed: "s1", Weight: 10},
		{UserID: uuid.New(), Seed: "s2", Weight: 20},
		{UserID: uuid.New(), Seed: "s3", Weight: 70},
	})
	agg := fair.AggregateClientSeeds(players)

	first, err := fair.PickWinner("seed", agg, 1, roundID, players)
	if err != nil {
		t.Fatalf("PickWinner: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := fair.PickWinner("seed", agg, 1, roundID, players)
		if err != nil {
			t.Fatalf("PickWinner: %v", err)
		}
		if again.WinnerUserID != first.WinnerUserID || again.Digest != first.Digest {
			t.Fatal("draw must be deterministic for identical inputs")
		}
	}
}

func TestPickWinner_TicketRangeAndBand(t *testing.T) {
	roundID := uuid.New()
	players := fair.SortPlayers([]fair.Player{
		{UserID: uuid.New(), Seed: "a", Weight: 10},
		{UserID: uuid.New(), Seed: "b", Weight: 20},
		{UserID: uuid.New(), Seed: "c", Weight: 70},
	})
	agg := fair.AggregateClientSeeds(players)

	out, err := fair.PickWinner("seed", agg, 1, roundID, players)
	if err != nil {
		t.Fatalf("PickWinner: %v", err)
	}

	if out.TotalWeight.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("total weight = %s, want 100", out.TotalWeight)
	}
	if out.WinningTicket.Sign() < 0 || out.WinningTicket.Cmp(out.TotalWeight) >= 0 {
		t.Errorf("ticket %s out of [0, %s)", out.WinningTicket, out.TotalWeight)
	}

	// Winner must be the owner of the cumulative-weight band containing the ticket.
	acc := new(big.Int)
	var want uuid.UUID
	for _, p := range players {
		acc.Add(acc, big.NewInt(p.Weight))
		if out.WinningTicket.Cmp(acc) < 0 {
			want = p.UserID
			break
		}
	}
	if out.WinnerUserID != want {
		t.Errorf("winner %s not in ticket band, want %s", out.WinnerUserID, want)
	}
}

func TestPickWinner_ZeroWeightTotal(t *testing.T) {
	out, err := fair.PickWinner("seed", "", 1, uuid.New(), nil)
	if err != nil {
		t.Fatalf("PickWinner: %v", err)
	}
	if out.WinnerUserID != uuid.Nil {
		t.Error("no winner expected for empty player list")
	}
	if out.WinningTicket.Sign() != 0 {
		t.Errorf("ticket = %s, want 0", out.WinningTicket)
	}
}

func TestPickWinner_RejectsNonPositiveWeight(t *testing.T) {
	_, err := fair.PickWinner("seed", "x", 1, uuid.New(), []fair.Player{
		{UserID: uuid.New(), Seed: "x", Weight: 0},
	})
	if err == nil {
		t.Error("zero weight should be rejected")
	}
}

func TestAggregateClientSeeds_SortedByUserID(t *testing.T) {
	u1 := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	u2 := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	u3 := uuid.MustParse("00000000-0000-0000-0000-000000000003")

	// Join order differs from id order; aggregation must not care.
	sorted := fair.SortPlayers([]fair.Player{
		{UserID: u3, Seed: "c", Weight: 1},
		{UserID: u1, Seed: "a", Weight: 1},
		{UserID: u2, Seed: "b", Weight: 1},
	})

	if got := fair.AggregateClientSeeds(sorted); got != "a|b|c" {
		t.Errorf("aggregate = %q, want %q", got, "a|b|c")
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	roundID := uuid.New()
	seed, err := fair.NewServerSeed()
	if err != nil {
		t.Fatalf("NewServerSeed: %v", err)
	}
	commitment := fair.Commitment(seed)

	players := fair.SortPlayers([]fair.Player{
		{UserID: uuid.New(), Seed: "p1", Weight: 30},
		{UserID: uuid.New(), Seed: "p2", Weight: 70},
	})
	agg := fair.AggregateClientSeeds(players)

	out, err := fair.PickWinner(seed, agg, 1, roundID, players)
	if err != nil {
		t.Fatalf("PickWinner: %v", err)
	}

	if err := fair.Verify(commitment, seed, agg, 1, roundID, players, out.WinnerUserID); err != nil {
		t.Errorf("Verify should pass for honest reveal: %v", err)
	}

	if err := fair.Verify(commitment, "tampered", agg, 1, roundID, players, out.WinnerUserID); err == nil {
		t.Error("Verify should reject a seed that does not match the commitment")
	}
}

// Package fair implements the commit/reveal weighted draw.
//
// The server commits sha256(serverSeed) before any stake is accepted. At
// settlement the draw is derived from HMAC-SHA256 keyed by the server seed
// over the aggregated client seeds, the round nonce, and the round id, so
// anyone holding the reveal can recompute the digest and verify the winner.
package fair

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"
)

// Player is one weighted wheel entry. Weight is the participant's total
// stake in nano-units and must be positive.
type Player struct {
	UserID uuid.UUID
	Seed   string
	Weight int64
}

// Outcome is the result of a draw, carrying everything needed for an
// independent audit.
type Outcome struct {
	WinnerUserID  uuid.UUID
	Digest        string
	WinningTicket *big.Int
	TotalWeight   *big.Int
}

// NewServerSeed returns 32 cryptographically random bytes, hex-encoded.
func NewServerSeed() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Commitment returns the published one-way hash of a server seed.
func Commitment(serverSeed string) string {
	h := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(h[:])
}

// SortPlayers orders players ascending by user id. The draw walks players in
// this order, and AggregateClientSeeds concatenates seeds in this order, so
// a participant cannot shift the outcome by controlling join order.
func SortPlayers(players []Player) []Player {
	out := make([]Player, len(players))
	copy(out, players)
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserID.String() < out[j].UserID.String()
	})
	return out
}

// AggregateClientSeeds joins the client seeds of the given (already sorted)
// players with "|".
func AggregateClientSeeds(sorted []Player) string {
	agg := ""
	for i, p := range sorted {
		if i > 0 {
			agg += "|"
		}
		agg += p.Seed
	}
	return agg
}

// HMACDigest computes the draw digest:
// hex(HMAC-SHA256(key=serverSeed, msg=clientSeedAgg:nonce:roundID)).
func HMACDigest(serverSeed, clientSeedAgg string, nonce int64, roundID uuid.UUID) string {
	mac := hmac.New(sha256.New, []byte(serverSeed))
	fmt.Fprintf(mac, "%s:%d:%s", clientSeedAgg, nonce, roundID)
	return hex.EncodeToString(mac.Sum(nil))
}

// PickWinner runs the weighted roulette wheel over players, which must be in
// the deterministic order produced by SortPlayers. The ticket is the digest
// interpreted as a big unsigned integer modulo the total weight; the winner
// is the first player whose cumulative weight exceeds the ticket.
//
// A zero total weight yields ticket 0 and no winner.
func PickWinner(serverSeed, clientSeedAgg string, nonce int64, roundID uuid.UUID, players []Player) (Outcome, error) {
	totalWeight := new(big.Int)
	for _, p := range players {
		if p.Weight <= 0 {
			return Outcome{}, fmt.Errorf("player %s has non-positive weight %d", p.UserID, p.Weight)
		}
		totalWeight.Add(totalWeight, big.NewInt(p.Weight))
	}

	digest := HMACDigest(serverSeed, clientSeedAgg, nonce, roundID)

	if totalWeight.Sign() == 0 {
		return Outcome{
			Digest:        digest,
			WinningTicket: new(big.Int),
			TotalWeight:   totalWeight,
		}, nil
	}

	digestInt, ok := new(big.Int).SetString(digest, 16)
	if !ok {
		return Outcome{}, fmt.Errorf("digest %q is not hex", digest)
	}
	ticket := new(big.Int).Mod(digestInt, totalWeight)

	acc := new(big.Int)
	for _, p := range players {
		acc.Add(acc, big.NewInt(p.Weight))
		if ticket.Cmp(acc) < 0 {
			return Outcome{
				WinnerUserID:  p.UserID,
				Digest:        digest,
				WinningTicket: ticket,
				TotalWeight:   totalWeight,
			}, nil
		}
	}

	// Not reachable when ticket < totalWeight; the last band terminates the walk.
	last := players[len(players)-1]
	return Outcome{
		WinnerUserID:  last.UserID,
		Digest:        digest,
		WinningTicket: ticket,
		TotalWeight:   totalWeight,
	}, nil
}

// Verify recomputes a settled round's draw from its reveal and reports
// whether the published commitment and outcome hold.
func Verify(commitment, serverSeed, clientSeedAgg string, nonce int64, roundID uuid.UUID, players []Player, wantWinner uuid.UUID) error {
	if Commitment(serverSeed) != commitment {
		return fmt.Errorf("server seed does not match commitment")
	}
	out, err := PickWinner(serverSeed, clientSeedAgg, nonce, roundID, players)
	if err != nil {
		return err
	}
	if out.WinnerUserID != wantWinner {
		return fmt.Errorf("recomputed winner %s, recorded %s", out.WinnerUserID, wantWinner)
	}
	return nil
}

package fairness

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────
// Provably-fair crash point derivation.
//
// Before betting opens the engine publishes sha256(seed || roundNumber).
// At crash it reveals the seed; any player can recompute the crash point
// and check it against the committed hash. The scheme establishes
// fairness against players, not against an operator with server access.
// ──────────────────────────────────────────────────────────────────────

// SeedSize is the seed entropy in bytes (256 bits).
const SeedSize = 32

// VerifyTolerance is the allowed absolute difference when recomputing a
// claimed crash point.
var VerifyTolerance = decimal.RequireFromString("0.01")

var (
	one        = decimal.NewFromInt(1)
	houseScale = 0.99 // r is scaled so raw = 1/(1-0.99r), capping raw at 100
)

// NewSeed returns a uniformly random 256-bit seed.
func NewSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("fairness: seed generation failed: %w", err)
	}
	return seed, nil
}

// Hash commits to (seed, roundNumber): sha256 over the raw seed bytes
// followed by the decimal encoding of the round number.
func Hash(seed []byte, roundNumber uint64) [32]byte {
	h := sha256.New()
	h.Write(seed)
	h.Write([]byte(strconv.FormatUint(roundNumber, 10)))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashHex is Hash rendered as the published lowercase hex commitment.
func HashHex(seed []byte, roundNumber uint64) string {
	sum := Hash(seed, roundNumber)
	return hex.EncodeToString(sum[:])
}

// CrashPoint derives the round's crash multiplier from (seed, roundNumber):
// the first 32 bits of the commitment digest become a uniform r in [0,1),
// mapped through raw = 1/(1-0.99r) and clamped to [1.00, maxCrash],
// rounded to two decimal places. The mapping is heavy-tailed: most rounds
// crash just above 1.00, with raw capped at 100 as r approaches 1.
func CrashPoint(seed []byte, roundNumber uint64, maxCrash decimal.Decimal) decimal.Decimal {
	digest := Hash(seed, roundNumber)
	u := binary.BigEndian.Uint32(digest[:4])
	r := float64(u) / float64(1<<32)
	raw := 1.0 / (1.0 - houseScale*r)

	point := decimal.NewFromFloat(raw).Round(2)
	if point.LessThan(one) {
		point = one
	}
	if point.GreaterThan(maxCrash) {
		point = maxCrash
	}
	return point
}

// Verify recomputes the crash point for (seed, roundNumber) and compares
// it with the claimed value within VerifyTolerance.
func Verify(seed []byte, roundNumber uint64, claimed, maxCrash decimal.Decimal) bool {
	recomputed := CrashPoint(seed, roundNumber, maxCrash)
	return recomputed.Sub(claimed).Abs().LessThanOrEqual(VerifyTolerance)
}

// EncodeSeed renders a seed in the lowercase hex form used for reveals.
func EncodeSeed(seed []byte) string {
	return hex.EncodeToString(seed)
}

// DecodeSeed parses a revealed hex seed, enforcing the 256-bit length.
func DecodeSeed(seedHex string) ([]byte, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("fairness: malformed seed: %w", err)
	}
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("fairness: seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	return seed, nil
}

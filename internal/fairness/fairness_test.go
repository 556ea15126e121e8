package fairness

import (
	"encoding/hex"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var maxCrash = decimal.RequireFromString("120.00")

func TestNewSeedLengthAndUniqueness(t *testing.T) {
	a, err := NewSeed()
	require.NoError(t, err)
	require.Len(t, a, SeedSize)

	b, err := NewSeed()
	require.NoError(t, err)
	require.NotEqual(t, a, b, "two fresh seeds must not collide")
}

func TestHashIsDeterministicAndRoundBound(t *testing.T) {
	seed, err := hex.DecodeString("000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)

	h1 := HashHex(seed, 7)
	h2 := HashHex(seed, 7)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)

	// Same seed, different round number must commit to a different digest.
	require.NotEqual(t, h1, HashHex(seed, 8))
}

func TestCrashPointBoundsOverManySeeds(t *testing.T) {
	lower := decimal.RequireFromString("1.00")
	for i := 0; i < 500; i++ {
		seed, err := NewSeed()
		require.NoError(t, err)
		point := CrashPoint(seed, uint64(i), maxCrash)
		require.True(t, point.GreaterThanOrEqual(lower), "crash point %s below 1.00", point)
		require.True(t, point.LessThanOrEqual(maxCrash), "crash point %s above cap", point)
		require.True(t, point.Exponent() >= -2, "crash point %s has more than two decimals", point)
	}
}

func TestCrashPointDeterministic(t *testing.T) {
	seed, err := NewSeed()
	require.NoError(t, err)
	first := CrashPoint(seed, 42, maxCrash)
	for i := 0; i < 10; i++ {
		require.True(t, first.Equal(CrashPoint(seed, 42, maxCrash)))
	}
}

func TestVerifyAcceptsGenuineAndRejectsBitFlip(t *testing.T) {
	seed, err := NewSeed()
	require.NoError(t, err)
	const roundNumber = 1337

	point := CrashPoint(seed, roundNumber, maxCrash)
	require.True(t, Verify(seed, roundNumber, point, maxCrash))

	// A single flipped bit in the seed must break verification unless the
	// two derived points happen to land within tolerance, which is
	// vanishingly unlikely but guarded against here explicitly.
	flipped := append([]byte(nil), seed...)
	flipped[0] ^= 0x01
	other := CrashPoint(flipped, roundNumber, maxCrash)
	if other.Sub(point).Abs().GreaterThan(VerifyTolerance) {
		require.False(t, Verify(flipped, roundNumber, point, maxCrash))
	}
}

func TestVerifyTolerance(t *testing.T) {
	seed, err := NewSeed()
	require.NoError(t, err)
	point := CrashPoint(seed, 5, maxCrash)

	within := point.Add(decimal.RequireFromString("0.01"))
	require.True(t, Verify(seed, 5, within, maxCrash))

	outside := point.Add(decimal.RequireFromString("0.02"))
	require.False(t, Verify(seed, 5, outside, maxCrash))
}

func TestDecodeSeed(t *testing.T) {
	seed, err := NewSeed()
	require.NoError(t, err)

	decoded, err := DecodeSeed(hex.EncodeToString(seed))
	require.NoError(t, err)
	require.Equal(t, seed, decoded)

	_, err = DecodeSeed("zz")
	require.Error(t, err)

	_, err = DecodeSeed("abcd")
	require.Error(t, err, "short seeds must be rejected")
}

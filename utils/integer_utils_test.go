package utils

import (
	"math/rand"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestRandomUint256InRange checks that draws stay inside narrow and wide inclusive ranges.
func TestRandomUint256InRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lo := rapid.Uint64().Draw(t, "lo")
		width := rapid.Uint64Range(0, 1<<40).Draw(t, "width")
		min := uint256.NewInt(lo)
		max := new(uint256.Int).AddUint64(min, width)
		seed := rapid.Int64().Draw(t, "seed")
		random := rand.New(rand.NewSource(seed))

		v := RandomUint256InRange(random.Uint64, min, max)
		if v.Lt(min) || v.Gt(max) {
			t.Fatalf("%v outside [%v, %v]", v, min, max)
		}
	})

	// 10^3 to 10^22 does not fit in 64 bits.
	min := uint256.NewInt(1000)
	max, err := uint256.FromDecimal("10000000000000000000000")
	require.NoError(t, err)
	random := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		v := RandomUint256InRange(random.Uint64, min, max)
		assert.False(t, v.Lt(min) || v.Gt(max))
	}

	// Degenerate range collapses to min.
	assert.Equal(t, uint64(5), RandomUint256InRange(random.Uint64, uint256.NewInt(5), uint256.NewInt(3)).Uint64())
}

// TestParseUint256 checks decimal and hex inputs.
func TestParseUint256(t *testing.T) {
	v, err := ParseUint256("1000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, uint64(1e18), v.Uint64())

	v, err = ParseUint256("0xff")
	require.NoError(t, err)
	assert.Equal(t, uint64(255), v.Uint64())

	_, err = ParseUint256("-1")
	assert.Error(t, err)
}

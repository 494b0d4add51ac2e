package utils

import (
	"github.com/holiman/uint256"
	"golang.org/x/exp/constraints"
)

// Max returns the larger of two ordered values.
func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// ParseUint256 parses a decimal or 0x-prefixed hex string into a uint256.
func ParseUint256(s string) (*uint256.Int, error) {
	if len(s) > 1 && (s[:2] == "0x" || s[:2] == "0X") {
		return uint256.FromHex(s)
	}
	return uint256.FromDecimal(s)
}

// RandomUint256InRange draws a value uniformly from [min, max] using the provided source of 64-bit randomness.
// If max < min the range is treated as the single value min.
func RandomUint256InRange(next func() uint64, min *uint256.Int, max *uint256.Int) *uint256.Int {
	if max.Cmp(min) <= 0 {
		return new(uint256.Int).Set(min)
	}
	span := new(uint256.Int).Sub(max, min)
	if span.IsUint64() && span.Uint64() < ^uint64(0) {
		offset := next() % (span.Uint64() + 1)
		return new(uint256.Int).AddUint64(min, offset)
	}

	// Wide ranges: fill four words and reduce. The modulo bias is negligible at these widths.
	r := uint256.Int{next(), next(), next(), next()}
	width := new(uint256.Int).AddUint64(span, 1)
	if width.IsZero() {
		return new(uint256.Int).Add(min, &r)
	}
	r.Mod(&r, width)
	return r.Add(&r, min)
}

package config

import (
	"encoding/json"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Amount is a uint256 quantity that is serialized as a decimal string. When parsing, it also accepts scientific
// notation ("1e22") and 0x-prefixed hex so that bounds can be written the way they are usually thought of.
type Amount struct {
	uint256.Int
}

// NewAmount returns an Amount holding v.
func NewAmount(v uint64) Amount {
	return Amount{*uint256.NewInt(v)}
}

// MustParseAmount parses s and panics on failure. It is only used for compiled-in defaults.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseAmount parses a decimal, scientific or hex string into an Amount. The empty string parses as zero.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, nil
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		b, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return Amount{}, errors.Errorf("invalid hex amount %q", s)
		}
		v, overflow := uint256.FromBig(b)
		if overflow {
			return Amount{}, errors.Errorf("amount %q does not fit in 256 bits", s)
		}
		return Amount{*v}, nil
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, errors.Wrapf(err, "invalid amount %q", s)
	}
	if d.IsNegative() {
		return Amount{}, errors.Errorf("amount %q must not be negative", s)
	}
	if !d.Equal(d.Truncate(0)) {
		return Amount{}, errors.Errorf("amount %q must be an integer", s)
	}
	v, overflow := uint256.FromBig(d.BigInt())
	if overflow {
		return Amount{}, errors.Errorf("amount %q does not fit in 256 bits", s)
	}
	return Amount{*v}, nil
}

// Uint256 returns a copy of the underlying value.
func (a Amount) Uint256() *uint256.Int {
	return new(uint256.Int).Set(&a.Int)
}

// MarshalJSON writes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Int.Dec())
}

// UnmarshalJSON accepts a string in any form ParseAmount understands, or a bare JSON number.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return errors.Errorf("invalid amount %s", string(b))
		}
		s = n.String()
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Range is an inclusive [Min, Max] interval of amounts.
type Range struct {
	Min Amount `json:"min"`
	Max Amount `json:"max"`
}

// Validate checks that the range is non-empty.
func (r Range) Validate() error {
	if r.Max.Lt(&r.Min.Int) {
		return errors.Errorf("range max %s is below min %s", r.Max.Dec(), r.Min.Dec())
	}
	return nil
}

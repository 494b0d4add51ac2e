package pool

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Snapshot is a point-in-time view of the pool.
type Snapshot struct {
	// D is the invariant value, exact.
	D decimal.Decimal
	// Balances holds one entry per coin.
	Balances []*big.Int
	// VirtualPrice is nil when the pool has no virtual price getter.
	VirtualPrice *decimal.Decimal
	// Block is the block the snapshot was read at.
	Block uint64
}

// BalancesString renders balances as "[b0,b1,...]".
func (s *Snapshot) BalancesString() string {
	parts := make([]string, len(s.Balances))
	for i, b := range s.Balances {
		parts[i] = b.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

package ledgertest

import (
	"math/big"

	"github.com/crytic/ammfuzz/ledger"
)

func indexArg(msg *ledger.Message, pos int) (int, bool) {
	if pos >= len(msg.Args) {
		return 0, false
	}
	i, ok := msg.Args[pos].(*big.Int)
	if !ok || !i.IsInt64() {
		return 0, false
	}
	return int(i.Int64()), true
}

func amountArg(msg *ledger.Message, pos int) *big.Int {
	if pos >= len(msg.Args) {
		return new(big.Int)
	}
	if v, ok := msg.Args[pos].(*big.Int); ok {
		return v
	}
	return new(big.Int)
}

func defaultRead(state *State, msg *ledger.Message) ([]any, error) {
	sig := msg.Method.Sig
	switch msg.Method.RawName {
	case "D":
		return []any{state.D}, nil
	case "N_COINS", "n_coins":
		return []any{big.NewInt(int64(len(state.Balances)))}, nil
	case "get_virtual_price":
		if state.VirtualPrice == nil {
			return nil, absent(sig)
		}
		return []any{state.VirtualPrice}, nil
	case "A":
		return []any{state.A}, nil
	case "gamma":
		return []any{state.Gamma}, nil
	case "balances":
		i, ok := indexArg(msg, 0)
		if !ok || i < 0 || i >= len(state.Balances) {
			return nil, absent(sig)
		}
		return []any{state.Balances[i]}, nil
	case "get_balances":
		return []any{state.Balances}, nil
	case "coins":
		i, ok := indexArg(msg, 0)
		if !ok || i < 0 || i >= len(state.Coins) {
			return nil, absent(sig)
		}
		return []any{state.Coins[i]}, nil
	}
	return nil, absent(sig)
}

// defaultCall is a deliberately simple constant-sum model: swaps move dx in and 99% of dx out, deposits add to D
// and withdrawals remove from it.
func defaultCall(state *State, msg *ledger.Message) error {
	sig := msg.Method.Sig
	switch msg.Method.RawName {
	case "exchange":
		i, okI := indexArg(msg, 0)
		j, okJ := indexArg(msg, 1)
		n := len(state.Balances)
		if !okI || !okJ || i < 0 || j < 0 || i >= n || j >= n || i == j {
			return Revert(sig, "invalid coin index")
		}
		dx := amountArg(msg, 2)
		dy := new(big.Int).Div(new(big.Int).Mul(dx, big.NewInt(99)), big.NewInt(100))
		if state.Balances[j].Cmp(dy) < 0 {
			return Revert(sig, "insufficient liquidity")
		}
		state.Balances[i] = new(big.Int).Add(state.Balances[i], dx)
		state.Balances[j] = new(big.Int).Sub(state.Balances[j], dy)
		state.D = new(big.Int).Add(state.D, new(big.Int).Sub(dx, dy))
		return nil

	case "add_liquidity":
		if len(msg.Args) == 0 {
			return Revert(sig, "invalid amounts")
		}
		amounts, ok := msg.Args[0].([]*big.Int)
		if !ok || len(amounts) != len(state.Balances) {
			return Revert(sig, "invalid amounts")
		}
		total := new(big.Int)
		for i, a := range amounts {
			state.Balances[i] = new(big.Int).Add(state.Balances[i], a)
			total.Add(total, a)
		}
		if total.Sign() == 0 {
			return Revert(sig, "zero deposit")
		}
		state.D = new(big.Int).Add(state.D, total)
		return nil

	case "remove_liquidity_one_coin":
		lp := amountArg(msg, 0)
		i, ok := indexArg(msg, 1)
		if !ok || i < 0 || i >= len(state.Balances) {
			return Revert(sig, "invalid coin index")
		}
		if lp.Cmp(state.D) > 0 || lp.Cmp(state.Balances[i]) > 0 {
			return Revert(sig, "insufficient liquidity")
		}
		state.Balances[i] = new(big.Int).Sub(state.Balances[i], lp)
		state.D = new(big.Int).Sub(state.D, lp)
		return nil

	case "ramp_A", "ramp_A_gamma":
		if msg.From != AdminAddress {
			return Revert(sig, "only owner")
		}
		state.A = new(big.Int).Set(amountArg(msg, 0))
		return nil
	}
	return absent(sig)
}

package pool

import (
	"fmt"
	"math/big"

	"github.com/crytic/ammfuzz/ledger"
	"github.com/crytic/medusa-geth/accounts/abi"
)

// Read shapes of the quantities the model mirrors, in probing order.
var (
	methodD            = ledger.MustView("D", nil, []string{"uint256"})
	methodBalancesU256 = ledger.MustView("balances", []string{"uint256"}, []string{"uint256"})
	methodBalancesI128 = ledger.MustView("balances", []string{"int128"}, []string{"uint256"})
	methodNCoinsUpper  = ledger.MustView("N_COINS", nil, []string{"uint256"})
	methodNCoinsLower  = ledger.MustView("n_coins", nil, []string{"uint256"})
	methodVirtualPrice = ledger.MustView("get_virtual_price", nil, []string{"uint256"})
	methodA            = ledger.MustView("A", nil, []string{"uint256"})
	methodGamma        = ledger.MustView("gamma", nil, []string{"uint256"})
	methodCoinsU256    = ledger.MustView("coins", []string{"uint256"}, []string{"address"})
	methodCoinsI128    = ledger.MustView("coins", []string{"int128"}, []string{"address"})
	methodDecimals     = ledger.MustView("decimals", nil, []string{"uint8"})
)

func single(m abi.Method) []ledger.Candidate {
	return []ledger.Candidate{{Method: m}}
}

func balanceCandidates(i int, nCoins int) []ledger.Candidate {
	idx := big.NewInt(int64(i))
	return []ledger.Candidate{
		{Method: methodBalancesU256, Args: []any{idx}},
		{Method: methodBalancesI128, Args: []any{idx}},
		{Method: getBalancesMethod(nCoins)},
	}
}

// getBalancesMethod is the array-returning balance getter, whose return type depends on the coin count.
func getBalancesMethod(nCoins int) abi.Method {
	return ledger.MustView("get_balances", nil, []string{fmt.Sprintf("uint256[%d]", nCoins)})
}

func coinCandidates(i int) []ledger.Candidate {
	idx := big.NewInt(int64(i))
	return []ledger.Candidate{
		{Method: methodCoinsU256, Args: []any{idx}},
		{Method: methodCoinsI128, Args: []any{idx}},
	}
}

func nCoinsCandidates() []ledger.Candidate {
	return []ledger.Candidate{{Method: methodNCoinsUpper}, {Method: methodNCoinsLower}}
}

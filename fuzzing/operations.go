package fuzzing

import (
	"context"
	"fmt"
	"math/big"

	"github.com/crytic/ammfuzz/fuzzing/config"
	"github.com/crytic/ammfuzz/fuzzing/failures"
	"github.com/crytic/ammfuzz/ledger"
	"github.com/crytic/ammfuzz/pool"
	"github.com/crytic/medusa-geth/accounts/abi"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// Post-check failure names.
const (
	FailureDNegativeAfterExchange = "D_negative_after_exchange"
	FailureDDrop                  = "D_drop"
	FailureNegativeBalanceAdd     = "neg_bal_add_liq"
	FailureNegativeBalanceRemove  = "neg_bal_after_remove"
	FailureRemoveLiquidityOne     = "remove_liquidity_one_coin"
	FailureRampA                  = "ramp_A_fail"
)

// Domain is the inclusive range of one positional argument.
type Domain struct {
	Name string
	Min  *uint256.Int
	Max  *uint256.Int
}

// Operation is a rule of the state machine.
type Operation interface {
	// Name identifies the operation in traces and weights.
	Name() string
	// Admin is true for administrator actions, which are exempt from the D drop invariant.
	Admin() bool
	// Precondition reports whether the operation is eligible in the machine's current state.
	Precondition(m *Machine) bool
	// Domains lists the ranges of the positional arguments.
	Domains(config *MachineConfig, nCoins int) []Domain
	// Params names the arguments for failure records.
	Params(m *Machine, args []*uint256.Int) failures.Params
	// Execute runs the operation and its post-checks. Failures it returns have been recorded.
	Execute(ctx context.Context, m *Machine, args []*uint256.Int) error
}

// Operations returns the operation catalog in a fixed order.
func Operations() []Operation {
	return []Operation{exchangeOperation{}, addLiquidityOperation{}, removeLiquidityOneOperation{}, rampAOperation{}}
}

func indexDomain(name string, nCoins int) Domain {
	return Domain{Name: name, Min: new(uint256.Int), Max: uint256.NewInt(uint64(nCoins - 1))}
}

func boundDomain(name string, b Bound) Domain {
	return Domain{Name: name, Min: b.Min, Max: b.Max}
}

// coinIndex reduces an index argument modulo the coin count.
func coinIndex(arg *uint256.Int, nCoins int) int {
	return int(new(uint256.Int).Mod(arg, uint256.NewInt(uint64(nCoins))).Uint64())
}

var zeroAmount = new(big.Int)

// Call shapes of the state-changing entry points, in the order they are tried.
var (
	exchangeShapes = []abi.Method{
		ledger.MustMethod("exchange", []string{"int128", "int128", "uint256", "uint256", "address"}, nil, true),
		ledger.MustMethod("exchange", []string{"int128", "int128", "uint256", "uint256"}, nil, true),
		ledger.MustMethod("exchange", []string{"uint256", "uint256", "uint256", "uint256", "address"}, nil, true),
		ledger.MustMethod("exchange", []string{"uint256", "uint256", "uint256", "uint256"}, nil, true),
	}
	removeLiquidityOneShapes = []abi.Method{
		ledger.MustMethod("remove_liquidity_one_coin", []string{"uint256", "int128", "uint256", "address"}, nil, false),
		ledger.MustMethod("remove_liquidity_one_coin", []string{"uint256", "int128", "uint256"}, nil, false),
		ledger.MustMethod("remove_liquidity_one_coin", []string{"uint256", "uint256", "uint256"}, nil, false),
	}
	rampAGammaShape = ledger.MustMethod("ramp_A_gamma", []string{"uint256", "uint256", "uint256"}, nil, false)
	rampAShape      = ledger.MustMethod("ramp_A", []string{"uint256", "uint256"}, nil, false)
)

// addLiquidityShapes depends on the coin count through the amounts array type.
func addLiquidityShapes(nCoins int) []abi.Method {
	amounts := fmt.Sprintf("uint256[%d]", nCoins)
	return []abi.Method{
		ledger.MustMethod("add_liquidity", []string{amounts, "uint256"}, nil, true),
		ledger.MustMethod("add_liquidity", []string{amounts, "uint256", "address"}, nil, true),
		ledger.MustMethod("add_liquidity", []string{amounts, "uint256", "bool"}, nil, true),
	}
}

// exchangeOperation swaps dx of coin i for coin j.
type exchangeOperation struct{}

func (exchangeOperation) Name() string { return config.OperationExchange }

func (exchangeOperation) Admin() bool { return false }

// Precondition requires a positive D, as swaps against an empty pool are degenerate.
func (exchangeOperation) Precondition(m *Machine) bool {
	return m.transactable && m.last != nil && m.last.D.IsPositive()
}

func (exchangeOperation) Domains(config *MachineConfig, nCoins int) []Domain {
	return []Domain{indexDomain("i", nCoins), indexDomain("j", nCoins), boundDomain("dx", config.Bounds.Exchange)}
}

// indices normalizes i and j into distinct coin indices.
func (exchangeOperation) indices(args []*uint256.Int, nCoins int) (int, int) {
	i, j := coinIndex(args[0], nCoins), coinIndex(args[1], nCoins)
	if i == j {
		j = (i + 1) % nCoins
	}
	return i, j
}

func (e exchangeOperation) Params(m *Machine, args []*uint256.Int) failures.Params {
	i, j := e.indices(args, m.NCoins())
	return failures.Params{"i": big.NewInt(int64(i)), "j": big.NewInt(int64(j)), "dx": args[2].ToBig()}
}

func (e exchangeOperation) Execute(ctx context.Context, m *Machine, args []*uint256.Int) error {
	i, j := e.indices(args, m.NCoins())
	dx := args[2]
	params := e.Params(m, args)

	// The caller is derived from dx so that actors vary without an extra random draw.
	caller := m.actors[new(uint256.Int).Mod(dx, uint256.NewInt(uint64(len(m.actors)))).Uint64()].Address

	before, err := m.readD(ctx, params)
	if err != nil {
		return err
	}

	var value *uint256.Int
	if m.model.Coins()[i].Native {
		value = dx
	}
	iBig, jBig, dxBig := big.NewInt(int64(i)), big.NewInt(int64(j)), dx.ToBig()
	variants := variantsExposedBy(m, []callVariant{
		{exchangeShapes[0], []any{iBig, jBig, dxBig, zeroAmount, caller}},
		{exchangeShapes[1], []any{iBig, jBig, dxBig, zeroAmount}},
		{exchangeShapes[2], []any{iBig, jBig, dxBig, zeroAmount, caller}},
		{exchangeShapes[3], []any{iBig, jBig, dxBig, zeroAmount}},
	})
	if _, _, err = m.executeVariants(ctx, e.Name(), caller, value, variants); err != nil {
		return m.callFailure(ctx, config.OperationExchange, params, err)
	}

	after, err := m.readD(ctx, params)
	if err != nil {
		return err
	}
	info := before.String() + "->" + after.String()
	if after.IsNegative() {
		return m.violation(ctx, FailureDNegativeAfterExchange, params, before.String(), after.String(), info)
	}
	if DropExceeds(before, after, m.config.DropThreshold) {
		return m.violation(ctx, FailureDDrop, params, before.String(), after.String(), info)
	}
	return nil
}

// addLiquidityOperation deposits one amount per coin from the default caller.
type addLiquidityOperation struct{}

func (addLiquidityOperation) Name() string { return config.OperationAddLiquidity }

func (addLiquidityOperation) Admin() bool { return false }

func (addLiquidityOperation) Precondition(m *Machine) bool {
	return m.transactable
}

func (addLiquidityOperation) Domains(config *MachineConfig, nCoins int) []Domain {
	domains := make([]Domain, nCoins)
	for k := range domains {
		domains[k] = boundDomain(fmt.Sprintf("amounts[%d]", k), config.Bounds.Deposit)
	}
	return domains
}

func (addLiquidityOperation) Params(_ *Machine, args []*uint256.Int) failures.Params {
	amounts := make([]*big.Int, len(args))
	for k, a := range args {
		amounts[k] = a.ToBig()
	}
	return failures.Params{"amounts": amounts}
}

func (a addLiquidityOperation) Execute(ctx context.Context, m *Machine, args []*uint256.Int) error {
	params := a.Params(m, args)
	amounts := params["amounts"].([]*big.Int)

	// Native legs are paid with the call's value.
	value := new(uint256.Int)
	useNative := false
	for k, coin := range m.model.Coins() {
		if coin.Native {
			value.Add(value, args[k])
			useNative = true
		}
	}
	if !useNative {
		value = nil
	}

	shapes := addLiquidityShapes(m.NCoins())
	variants := variantsExposedBy(m, []callVariant{
		{shapes[0], []any{amounts, zeroAmount}},
		{shapes[1], []any{amounts, zeroAmount, m.caller}},
		{shapes[2], []any{amounts, zeroAmount, useNative}},
	})
	if _, _, err := m.executeVariants(ctx, a.Name(), m.caller, value, variants); err != nil {
		return m.callFailure(ctx, config.OperationAddLiquidity, params, err)
	}
	return checkBalancesAfter(ctx, m, FailureNegativeBalanceAdd, params)
}

// removeLiquidityOneOperation withdraws LP tokens into a single coin.
type removeLiquidityOneOperation struct{}

func (removeLiquidityOneOperation) Name() string { return config.OperationRemoveLiquidityOne }

func (removeLiquidityOneOperation) Admin() bool { return false }

// Precondition requires the pool to expose a single-coin withdrawal.
func (removeLiquidityOneOperation) Precondition(m *Machine) bool {
	return m.transactable && m.model.Capabilities().ExposesAny(removeLiquidityOneShapes...)
}

func (removeLiquidityOneOperation) Domains(config *MachineConfig, nCoins int) []Domain {
	return []Domain{boundDomain("lp_amount", config.Bounds.Withdraw), indexDomain("i", nCoins)}
}

func (removeLiquidityOneOperation) Params(m *Machine, args []*uint256.Int) failures.Params {
	return failures.Params{"lp_amount": args[0].ToBig(), "i": big.NewInt(int64(coinIndex(args[1], m.NCoins())))}
}

func (r removeLiquidityOneOperation) Execute(ctx context.Context, m *Machine, args []*uint256.Int) error {
	params := r.Params(m, args)
	lp, i := params["lp_amount"], params["i"]
	variants := variantsExposedBy(m, []callVariant{
		{removeLiquidityOneShapes[0], []any{lp, i, zeroAmount, m.caller}},
		{removeLiquidityOneShapes[1], []any{lp, i, zeroAmount}},
		{removeLiquidityOneShapes[2], []any{lp, i, zeroAmount}},
	})
	if _, _, err := m.executeVariants(ctx, r.Name(), m.caller, nil, variants); err != nil {
		return m.callFailure(ctx, FailureRemoveLiquidityOne, params, err)
	}
	return checkBalancesAfter(ctx, m, FailureNegativeBalanceRemove, params)
}

// rampAOperation starts an amplification ramp as the administrator.
type rampAOperation struct{}

func (rampAOperation) Name() string { return config.OperationRampA }

func (rampAOperation) Admin() bool { return true }

// Precondition requires an administrator and a ramp entry point.
func (rampAOperation) Precondition(m *Machine) bool {
	return m.config.Admin != nil && m.model.Capabilities().ExposesAny(rampAGammaShape, rampAShape)
}

func (rampAOperation) Domains(config *MachineConfig, _ int) []Domain {
	return []Domain{boundDomain("new_A", config.Bounds.RampA)}
}

func (rampAOperation) Params(_ *Machine, args []*uint256.Int) failures.Params {
	return failures.Params{"new_A": args[0].ToBig()}
}

func (r rampAOperation) Execute(ctx context.Context, m *Machine, args []*uint256.Int) error {
	params := r.Params(m, args)
	newA := args[0].ToBig()

	now, err := m.ledger.CurrentTime(ctx)
	if err != nil {
		return m.callFailure(ctx, FailureRampA, params, errors.Wrap(err, "could not read the ledger time"))
	}
	futureTime := new(big.Int).SetUint64(now + m.config.RampDuration)
	params["future_time"] = futureTime

	// Pools ramping A and gamma together keep their current gamma; without a readable gamma, new_A is used.
	gamma := newA
	if m.model.Exposes(rampAGammaShape) {
		g, ok, err := m.model.Gamma(ctx)
		if err != nil {
			return m.readFailure(ctx, params, err)
		}
		if ok && g.Sign() > 0 {
			gamma = g
		}
	}

	var variants []callVariant
	for _, v := range []callVariant{
		{rampAGammaShape, []any{newA, gamma, futureTime}},
		{rampAShape, []any{newA, futureTime}},
	} {
		if m.model.Exposes(v.method) {
			variants = append(variants, v)
		}
	}
	if _, _, err := m.executeVariants(ctx, r.Name(), *m.config.Admin, nil, variants); err != nil {
		return m.callFailure(ctx, FailureRampA, params, err)
	}
	return nil
}

// checkBalancesAfter is the post-check of the liquidity operations.
func checkBalancesAfter(ctx context.Context, m *Machine, name string, params failures.Params) error {
	balances, err := m.readBalances(ctx, params)
	if err != nil {
		return err
	}
	for _, b := range balances {
		if b.Sign() < 0 {
			rendered := (&pool.Snapshot{Balances: balances}).BalancesString()
			return m.violation(ctx, name, params, "", rendered, rendered)
		}
	}
	return nil
}

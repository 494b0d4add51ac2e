package fuzzing

import (
	"github.com/crytic/ammfuzz/pool"
	"github.com/shopspring/decimal"
)

// Invariant names.
const (
	InvariantNoNegativeBalances = "no_negative_balances"
	InvariantDNonNegative       = "D_non_negative"
	InvariantDNotSpikingDown    = "D_not_spiking_down"
)

// InvariantInput is the state predicates are evaluated against.
type InvariantInput struct {
	// Previous is the observation before the step, nil at initialization.
	Previous *pool.Snapshot
	// Current is the observation after the step.
	Current *pool.Snapshot
	// AdminStep is true when the step was an administrator action.
	AdminStep bool
	// DropThreshold is the largest tolerated relative decrease of D.
	DropThreshold decimal.Decimal
}

// InvariantFailure describes a failed predicate.
type InvariantFailure struct {
	Before string
	After  string
	Info   string
}

// Invariant is a named predicate. Check returns nil when the predicate holds. Checks only read their input.
type Invariant struct {
	Name  string
	Check func(in *InvariantInput) *InvariantFailure
}

// Invariants is the predicate catalog, evaluated in order after initialization and after every step.
var Invariants = []Invariant{
	{Name: InvariantNoNegativeBalances, Check: checkNoNegativeBalances},
	{Name: InvariantDNonNegative, Check: checkDNonNegative},
	{Name: InvariantDNotSpikingDown, Check: checkDNotSpikingDown},
}

// CheckInvariants evaluates the catalog and returns the first failing predicate, or nil.
func CheckInvariants(in *InvariantInput) (*Invariant, *InvariantFailure) {
	for i := range Invariants {
		if failure := Invariants[i].Check(in); failure != nil {
			return &Invariants[i], failure
		}
	}
	return nil, nil
}

func checkNoNegativeBalances(in *InvariantInput) *InvariantFailure {
	for _, b := range in.Current.Balances {
		if b.Sign() < 0 {
			return &InvariantFailure{After: in.Current.BalancesString(), Info: in.Current.BalancesString()}
		}
	}
	return nil
}

func checkDNonNegative(in *InvariantInput) *InvariantFailure {
	if in.Current.D.IsNegative() {
		return &InvariantFailure{After: in.Current.D.String(), Info: "D negative " + in.Current.D.String()}
	}
	return nil
}

func checkDNotSpikingDown(in *InvariantInput) *InvariantFailure {
	if in.Previous == nil || in.AdminStep {
		return nil
	}
	if !DropExceeds(in.Previous.D, in.Current.D, in.DropThreshold) {
		return nil
	}
	before, after := in.Previous.D.String(), in.Current.D.String()
	return &InvariantFailure{Before: before, After: after, Info: before + "->" + after}
}

// DropExceeds reports whether after is lower than before by more than threshold, relative to before. A non-positive
// before never counts as a drop.
func DropExceeds(before decimal.Decimal, after decimal.Decimal, threshold decimal.Decimal) bool {
	if !before.IsPositive() {
		return false
	}
	return before.Sub(after).GreaterThan(before.Mul(threshold))
}

package fuzzing

import (
	"context"
	"math/big"
	"testing"

	"github.com/crytic/ammfuzz/fuzzing/failures"
	"github.com/crytic/ammfuzz/ledger"
	"github.com/crytic/ammfuzz/ledger/ledgertest"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dropThreshold = new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil)

// newDroppingPool returns a pool whose swaps lose 5% of D when dx is at least 1e20.
func newDroppingPool() *ledgertest.SimulatedPool {
	sim := ledgertest.NewSimulatedPool(1_000_000_000, 600_000_000, 400_000_000)
	sim.HandleCall("exchange", func(state *ledgertest.State, msg *ledger.Message) error {
		if dx, ok := msg.Args[2].(*big.Int); ok && dx.Cmp(dropThreshold) >= 0 {
			state.D = new(big.Int).Div(new(big.Int).Mul(state.D, big.NewInt(95)), big.NewInt(100))
		}
		return nil
	})
	return sim
}

func droppingTrace() Trace {
	return Trace{
		step("add_liquidity", 1000, 1000),
		step("exchange", 0, 1, 1000),
		{Operation: "exchange", Args: []*uint256.Int{uint256.NewInt(1), uint256.NewInt(0), mustUint256("5000000000000000000000")}},
		step("remove_liquidity_one", 10, 0),
		step("exchange", 0, 1, 2000),
	}
}

// TestReplay checks that a replay stops at the failing step and leaves the ledger untouched.
func TestReplay(t *testing.T) {
	sim := newDroppingPool()
	replayer := NewReplayer(sim, testMachineConfig(), failures.Discard)

	result, err := replayer.Replay(context.Background(), droppingTrace())
	require.NoError(t, err)
	assert.True(t, result.Reproduces(FailureDDrop))
	assert.False(t, result.Reproduces(InvariantDNotSpikingDown))
	assert.Equal(t, 2, result.FailedStep)
	assert.Equal(t, 3, result.Executed)
	assert.Len(t, result.Trace, 3)
	assert.Equal(t, 2, result.NCoins)

	assert.EqualValues(t, 1_000_000_000, sim.State().D.Int64())
	assert.EqualValues(t, 1, sim.State().Block)
}

// TestReplayWithoutFailure checks a trace that runs to completion.
func TestReplayWithoutFailure(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000_000, 600_000_000, 400_000_000)
	replayer := NewReplayer(sim, testMachineConfig(), failures.Discard)

	result, err := replayer.Replay(context.Background(), Trace{step("exchange", 0, 1, 1000), step("ramp_A", 10)})
	require.NoError(t, err)
	assert.Nil(t, result.Failure)
	assert.Equal(t, -1, result.FailedStep)
	assert.Equal(t, 2, result.Executed)
	assert.Zero(t, result.Skipped)
}

// TestShrinkToMinimalTrace checks that a failing trace is reduced to the single failing step with the smallest
// reproducing argument.
func TestShrinkToMinimalTrace(t *testing.T) {
	sim := newDroppingPool()
	replayer := NewReplayer(sim, testMachineConfig(), failures.Discard)
	shrinker := NewShrinker(replayer, 1000)
	replays := 0
	shrinker.OnReplay = func() { replays++ }

	result, err := shrinker.Shrink(context.Background(), droppingTrace(), FailureDDrop)
	require.NoError(t, err)
	require.True(t, result.Reproduced)
	assert.False(t, result.LimitReached)
	assert.Equal(t, 5, result.OriginalLength)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, "exchange", result.Trace[0].Operation)
	assert.Equal(t, dropThreshold.String(), result.Trace[0].Args[2].Dec())
	assert.Equal(t, FailureDDrop, result.Failure.FailureName())
	assert.Equal(t, replays, result.Replays)

	// Every replay was reverted.
	assert.EqualValues(t, 1_000_000_000, sim.State().D.Int64())
}

// TestShrinkNotReproduced checks that a trace whose failure does not reproduce is returned unchanged.
func TestShrinkNotReproduced(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000_000, 600_000_000, 400_000_000)
	replayer := NewReplayer(sim, testMachineConfig(), failures.Discard)

	trace := droppingTrace()
	result, err := NewShrinker(replayer, 1000).Shrink(context.Background(), trace, FailureDDrop)
	require.NoError(t, err)
	assert.False(t, result.Reproduced)
	assert.Equal(t, trace.String(), result.Trace.String())
	assert.Equal(t, 1, result.Replays)
}

// TestShrinkLimit checks that minimization stops once its replay budget is spent.
func TestShrinkLimit(t *testing.T) {
	sim := newDroppingPool()
	replayer := NewReplayer(sim, testMachineConfig(), failures.Discard)

	result, err := NewShrinker(replayer, 2).Shrink(context.Background(), droppingTrace(), FailureDDrop)
	require.NoError(t, err)
	assert.True(t, result.Reproduced)
	assert.True(t, result.LimitReached)
	assert.Equal(t, 2, result.Replays)
	assert.LessOrEqual(t, len(result.Trace), 3)
}

// TestShrinkLimitAfterFirstReplay checks the accounting when the budget only covers reproducing the failure.
func TestShrinkLimitAfterFirstReplay(t *testing.T) {
	sim := newDroppingPool()
	replayer := NewReplayer(sim, testMachineConfig(), failures.Discard)

	result, err := NewShrinker(replayer, 1).Shrink(context.Background(), droppingTrace(), FailureDDrop)
	require.NoError(t, err)
	assert.True(t, result.Reproduced)
	assert.True(t, result.LimitReached)
	assert.Equal(t, 1, result.Replays)
	assert.Len(t, result.Trace, 3)
}

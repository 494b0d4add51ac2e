package fuzzing

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/crytic/ammfuzz/fuzzing/failures"
	"github.com/crytic/ammfuzz/ledger"
	"github.com/crytic/ammfuzz/ledger/ledgertest"
	"github.com/crytic/medusa-geth/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testActor = common.HexToAddress("0x0000000000000000000000000000000000010000")

// testMachineConfig returns a configuration targeting the simulated pool with a 1% drop threshold.
func testMachineConfig() *MachineConfig {
	admin := ledgertest.AdminAddress
	return &MachineConfig{
		Pool:          ledgertest.PoolAddress,
		Admin:         &admin,
		Actors:        []common.Address{testActor},
		NCoins:        2,
		DropThreshold: decimal.RequireFromString("0.01"),
		RampDuration:  3600,
		Bounds: MachineBounds{
			Exchange: Bound{Min: uint256.NewInt(1), Max: mustUint256("1000000000000000000000000")},
			Deposit:  Bound{Min: uint256.NewInt(1), Max: mustUint256("1000000000000000000")},
			Withdraw: Bound{Min: uint256.NewInt(1), Max: mustUint256("1000000000000000000")},
			RampA:    Bound{Min: uint256.NewInt(1), Max: uint256.NewInt(1_000_000)},
		},
	}
}

func mustUint256(s string) *uint256.Int {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		panic(err)
	}
	return v
}

func step(operation string, args ...uint64) Step {
	s := Step{Operation: operation}
	for _, a := range args {
		s.Args = append(s.Args, uint256.NewInt(a))
	}
	return s
}

// newTestMachine initializes a machine against sim, recording failures in a temporary directory.
func newTestMachine(t *testing.T, sim *ledgertest.SimulatedPool, config *MachineConfig) (*Machine, *failures.FileRecorder) {
	recorder := failures.NewFileRecorder(t.TempDir())
	machine := NewMachine(sim, recorder, config)
	require.NoError(t, machine.Initialize(context.Background()))
	require.Equal(t, MachineReady, machine.State())
	return machine, recorder
}

func setD(d int64) ledgertest.CallHandler {
	return func(state *ledgertest.State, msg *ledger.Message) error {
		state.D = big.NewInt(d)
		return nil
	}
}

// TestExchangeWithinThreshold checks that a decrease of D within the threshold is not a violation.
func TestExchangeWithinThreshold(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	sim.HandleCall("exchange", setD(999_500))
	machine, recorder := newTestMachine(t, sim, testMachineConfig())

	result, err := machine.Step(context.Background(), step("exchange", 0, 1, 5000))
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.False(t, result.Benign)
	assert.True(t, result.Snapshot.D.Equal(decimal.NewFromInt(999_500)))
	assert.Len(t, machine.Trace(), 1)

	records, err := failures.List(recorder.Directory())
	require.NoError(t, err)
	assert.Empty(t, records)
}

// TestExchangeDrop checks that a decrease of D beyond the threshold is a recorded D_drop violation.
func TestExchangeDrop(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	sim.HandleCall("exchange", setD(980_000))
	machine, recorder := newTestMachine(t, sim, testMachineConfig())

	_, err := machine.Step(context.Background(), step("exchange", 0, 1, 5000))
	var violation *InvariantViolation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, FailureDDrop, violation.Name)
	assert.Equal(t, "1000000", violation.Before)
	assert.Equal(t, "980000", violation.After)
	assert.Equal(t, MachineViolated, machine.State())

	require.NoError(t, violation.RecordErr)
	require.NotNil(t, violation.Record)
	records, err := failures.List(recorder.Directory())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, FailureDDrop, records[0].Name)
	assert.Equal(t, "1000000->980000", records[0].Info)

	// A violated machine accepts no further steps.
	_, err = machine.Step(context.Background(), step("exchange", 0, 1, 5000))
	assert.ErrorIs(t, err, ErrMachineFinished)
}

// TestExchangeIndexNormalization checks that equal indices are turned into distinct ones and indices wrap.
func TestExchangeIndexNormalization(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	machine, _ := newTestMachine(t, sim, testMachineConfig())

	_, err := machine.Step(context.Background(), step("exchange", 3, 5, 1000))
	require.NoError(t, err)
	calls := sim.CallsTo("exchange")
	require.Len(t, calls, 1)
	assert.EqualValues(t, 1, calls[0].Args[0].(*big.Int).Int64())
	assert.EqualValues(t, 0, calls[0].Args[1].(*big.Int).Int64())
}

// TestAddLiquidityExhaustsShapes checks that every exposed call shape is tried before the operation fails.
func TestAddLiquidityExhaustsShapes(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	sim.Expose("add_liquidity(uint256[2],uint256,address)", "add_liquidity(uint256[2],uint256,bool)")
	machine, _ := newTestMachine(t, sim, testMachineConfig())

	_, err := machine.Step(context.Background(), step("add_liquidity", 0, 0))
	var exhausted *ExhaustedVariantsError
	require.True(t, errors.As(err, &exhausted))
	assert.Len(t, exhausted.Attempts, 3)
	assert.Equal(t, []string{"zero deposit", "zero deposit", "zero deposit"}, exhausted.RevertReasons())
	assert.Len(t, sim.CallsTo("add_liquidity"), 3)

	failure, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, "add_liquidity", failure.FailureName())
}

// TestAddLiquidityStopsAtFirstAcceptedShape checks that later shapes are not submitted once one is accepted.
func TestAddLiquidityStopsAtFirstAcceptedShape(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	sim.Expose("add_liquidity(uint256[2],uint256,address)", "add_liquidity(uint256[2],uint256,bool)")
	machine, _ := newTestMachine(t, sim, testMachineConfig())

	result, err := machine.Step(context.Background(), step("add_liquidity", 1000, 2000))
	require.NoError(t, err)
	assert.Equal(t, "[601000,402000]", result.Snapshot.BalancesString())
	calls := sim.CallsTo("add_liquidity")
	require.Len(t, calls, 1)
	assert.Equal(t, "add_liquidity(uint256[2],uint256)", calls[0].Sig)
}

// TestRemoveLiquidityOneSkippedWithoutEntryPoint checks that the operation is not eligible when the pool has no
// single-coin withdrawal, and that a step naming it touches nothing.
func TestRemoveLiquidityOneSkippedWithoutEntryPoint(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	sim.Hide("remove_liquidity_one_coin(uint256,int128,uint256)")
	machine, recorder := newTestMachine(t, sim, testMachineConfig())

	for _, op := range machine.Eligible() {
		assert.NotEqual(t, "remove_liquidity_one", op.Name())
	}
	result, err := machine.Step(context.Background(), step("remove_liquidity_one", 1000, 0))
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Empty(t, sim.CallsTo("remove_liquidity_one_coin"))
	assert.Empty(t, machine.Trace())

	records, err := failures.List(recorder.Directory())
	require.NoError(t, err)
	assert.Empty(t, records)
}

// TestRemoveLiquidityOne checks a withdrawal and its recorded failure when the pool rejects it.
func TestRemoveLiquidityOne(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	machine, _ := newTestMachine(t, sim, testMachineConfig())

	result, err := machine.Step(context.Background(), step("remove_liquidity_one", 1000, 1))
	require.NoError(t, err)
	assert.Equal(t, "[600000,399000]", result.Snapshot.BalancesString())

	_, err = machine.Step(context.Background(), step("remove_liquidity_one", 500_000, 1))
	failure, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, FailureRemoveLiquidityOne, failure.FailureName())
	record, recordErr := failure.FailureRecord()
	require.NoError(t, recordErr)
	assert.Contains(t, record.Info, "insufficient liquidity")
	lp, err := record.Params.Int("lp_amount")
	require.NoError(t, err)
	assert.EqualValues(t, 500_000, lp.Int64())
}

// TestArgumentCountMismatch checks that a step with the wrong number of arguments is skipped.
func TestArgumentCountMismatch(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	machine, _ := newTestMachine(t, sim, testMachineConfig())

	result, err := machine.Step(context.Background(), step("add_liquidity", 1000, 1000, 1000))
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Empty(t, sim.CallsTo("add_liquidity"))
}

// TestInitializationDoesNotChangeState checks that discovery only reads and that two machines discover the same
// pool.
func TestInitializationDoesNotChangeState(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	first, _ := newTestMachine(t, sim, testMachineConfig())
	second, _ := newTestMachine(t, sim, testMachineConfig())

	for _, entry := range sim.Log() {
		assert.Equal(t, "read", entry.Kind, entry.Sig)
	}
	assert.Equal(t, first.NCoins(), second.NCoins())
	assert.Equal(t, first.Model().Coins(), second.Model().Coins())
	assert.True(t, first.InitialSnapshot().D.Equal(second.InitialSnapshot().D))
	assert.EqualValues(t, 1, sim.State().Block)
}

// TestInitialReadFailure checks that a failure while taking the initial snapshot fails initialization.
func TestInitialReadFailure(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	sim.FailRead("D()", errors.New("connection reset by peer"))
	recorder := failures.NewFileRecorder(t.TempDir())
	config := testMachineConfig()
	config.StrictReads = true
	machine := NewMachine(sim, recorder, config)

	err := machine.Initialize(context.Background())
	failure, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, FailureReadFailure, failure.FailureName())
	assert.Equal(t, MachineViolated, machine.State())
	assert.Empty(t, machine.Eligible())
}

// TestStrictReadFailure checks that an unexpected read failure is recorded under strict reads and defaulted
// otherwise.
func TestStrictReadFailure(t *testing.T) {
	flaky := errors.New("connection reset by peer")

	t.Run("strict", func(t *testing.T) {
		sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
		machine, _ := newTestMachine(t, sim, func() *MachineConfig {
			c := testMachineConfig()
			c.StrictReads = true
			return c
		}())
		sim.FailRead("get_virtual_price()", flaky)

		_, err := machine.Step(context.Background(), step("exchange", 0, 1, 1000))
		failure, ok := AsFailure(err)
		require.True(t, ok)
		assert.Equal(t, FailureReadFailure, failure.FailureName())
	})

	t.Run("lenient", func(t *testing.T) {
		sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
		machine, _ := newTestMachine(t, sim, testMachineConfig())
		sim.FailRead("get_virtual_price()", flaky)

		result, err := machine.Step(context.Background(), step("exchange", 0, 1, 1000))
		require.NoError(t, err)
		assert.Nil(t, result.Snapshot.VirtualPrice)
	})
}

// TestBenignRevert checks that a revert matching a configured pattern ends the step without failing the example.
func TestBenignRevert(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	config := testMachineConfig()
	config.BenignRevertPatterns = []string{"insufficient liquidity"}
	machine, recorder := newTestMachine(t, sim, config)

	result, err := machine.Step(context.Background(), step("exchange", 0, 1, 10_000_000))
	require.NoError(t, err)
	assert.True(t, result.Benign)
	assert.Equal(t, MachineStepping, machine.State())
	assert.Len(t, machine.Trace(), 1)

	records, err := failures.List(recorder.Directory())
	require.NoError(t, err)
	assert.Empty(t, records)

	// Without the pattern the same revert fails the example.
	sim = ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	machine, _ = newTestMachine(t, sim, testMachineConfig())
	_, err = machine.Step(context.Background(), step("exchange", 0, 1, 10_000_000))
	failure, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, "exchange", failure.FailureName())
}

// TestStepDeadline checks that a step overrunning the deadline is recorded with its elapsed time.
func TestStepDeadline(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	sim.HandleCall("exchange", func(state *ledgertest.State, msg *ledger.Message) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	config := testMachineConfig()
	config.Deadline = time.Millisecond
	machine, _ := newTestMachine(t, sim, config)

	_, err := machine.Step(context.Background(), step("exchange", 0, 1, 1000))
	var execution *ExecutionFailure
	require.True(t, errors.As(err, &execution))
	assert.Equal(t, FailureDeadlineExceeded, execution.Name)
	var deadline *DeadlineExceededError
	require.True(t, errors.As(err, &deadline))
	assert.GreaterOrEqual(t, deadline.Elapsed, 20*time.Millisecond)
	elapsed, err := execution.Params.Int("elapsed_ms")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed.Int64(), int64(20))
}

// TestRampAExemptFromDrop checks that an administrator ramp may lower D without a violation, and that it uses the
// administrator identity and a future completion time.
func TestRampAExemptFromDrop(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	sim.HandleCall("ramp_A", setD(500_000))
	machine, _ := newTestMachine(t, sim, testMachineConfig())
	now := sim.State().Time

	result, err := machine.Step(context.Background(), step("ramp_A", 200))
	require.NoError(t, err)
	assert.True(t, result.Snapshot.D.Equal(decimal.NewFromInt(500_000)))

	calls := sim.CallsTo("ramp_A")
	require.Len(t, calls, 1)
	assert.Equal(t, ledgertest.AdminAddress, calls[0].From)
	assert.EqualValues(t, 200, calls[0].Args[0].(*big.Int).Int64())
	assert.EqualValues(t, now+3600, calls[0].Args[1].(*big.Int).Uint64())
}

// TestRampAWithoutAdmin checks that the ramp is never eligible without an administrator.
func TestRampAWithoutAdmin(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	config := testMachineConfig()
	config.Admin = nil
	machine, _ := newTestMachine(t, sim, config)

	result, err := machine.Step(context.Background(), step("ramp_A", 200))
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Empty(t, sim.CallsTo("ramp_A"))
}

// TestLockedActors checks that state-changing operations are disabled when no actor can transact.
func TestLockedActors(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	sim.Lock(testActor)
	machine, _ := newTestMachine(t, sim, testMachineConfig())

	assert.False(t, machine.Transactable())
	for _, op := range machine.Eligible() {
		assert.True(t, op.Admin(), op.Name())
	}
}

// TestNativeCoinValue checks that swaps of a native coin attach the input amount as value.
func TestNativeCoinValue(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	sim.Mutate(func(state *ledgertest.State) {
		state.Coins[0] = ledgertest.NativeCoin
	})
	machine, _ := newTestMachine(t, sim, testMachineConfig())

	_, err := machine.Step(context.Background(), step("exchange", 0, 1, 1000))
	require.NoError(t, err)
	_, err = machine.Step(context.Background(), step("exchange", 1, 0, 1000))
	require.NoError(t, err)

	calls := sim.CallsTo("exchange")
	require.Len(t, calls, 2)
	require.NotNil(t, calls[0].Value)
	assert.EqualValues(t, 1000, calls[0].Value.Uint64())
	assert.Nil(t, calls[1].Value)
}

// TestMachineLifecycle checks the terminal states.
func TestMachineLifecycle(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	machine, _ := newTestMachine(t, sim, testMachineConfig())
	machine.Finish()
	assert.Equal(t, MachineExhausted, machine.State())
	machine.Abandon()
	assert.Equal(t, MachineExhausted, machine.State())
	assert.True(t, machine.State().Terminal())

	machine, _ = newTestMachine(t, sim, testMachineConfig())
	machine.Abandon()
	assert.Equal(t, MachineAbandoned, machine.State())
	_, err := machine.Step(context.Background(), step("exchange", 0, 1, 1000))
	assert.ErrorIs(t, err, ErrMachineFinished)

	err = NewMachine(sim, failures.Discard, testMachineConfig()).Initialize(context.Background())
	require.NoError(t, err)
}

// unconfirmedLedger applies exchanges made through the receiver shape but reports that their receipt never arrived.
type unconfirmedLedger struct {
	*ledgertest.SimulatedPool
}

func (l unconfirmedLedger) Call(ctx context.Context, msg *ledger.Message) (*ledger.CallResult, error) {
	result, err := l.SimulatedPool.Call(ctx, msg)
	if err == nil && msg.Method.Sig == "exchange(int128,int128,uint256,uint256,address)" {
		return nil, errors.New("transaction 0xabc was not mined within 30s")
	}
	return result, err
}

// TestUnconfirmedCallNotResubmitted checks that a call whose outcome is unknown is recorded as a failure and is not
// retried through another call shape.
func TestUnconfirmedCallNotResubmitted(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	sim.Expose("exchange(int128,int128,uint256,uint256,address)")
	recorder := failures.NewFileRecorder(t.TempDir())
	machine := NewMachine(unconfirmedLedger{sim}, recorder, testMachineConfig())
	require.NoError(t, machine.Initialize(context.Background()))

	_, err := machine.Step(context.Background(), step("exchange", 0, 1, 5000))
	var execution *ExecutionFailure
	require.True(t, errors.As(err, &execution))
	assert.Equal(t, "exchange", execution.Name)
	assert.Contains(t, execution.Error(), "not mined")
	assert.Equal(t, MachineViolated, machine.State())

	calls := sim.CallsTo("exchange")
	require.Len(t, calls, 1)
	assert.Equal(t, "exchange(int128,int128,uint256,uint256,address)", calls[0].Sig)
	assert.False(t, calls[0].Reverted)

	records, err := failures.List(recorder.Directory())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "exchange", records[0].Name)
}

// stoppedClockLedger fails time reads once clockErr is set.
type stoppedClockLedger struct {
	*ledgertest.SimulatedPool
	clockErr error
}

func (l *stoppedClockLedger) CurrentTime(ctx context.Context) (uint64, error) {
	if l.clockErr != nil {
		return 0, l.clockErr
	}
	return l.SimulatedPool.CurrentTime(ctx)
}

// TestRampAClockFailure checks that a ramp whose completion time cannot be computed is recorded as a ramp failure.
func TestRampAClockFailure(t *testing.T) {
	sim := ledgertest.NewSimulatedPool(1_000_000, 600_000, 400_000)
	l := &stoppedClockLedger{SimulatedPool: sim}
	recorder := failures.NewFileRecorder(t.TempDir())
	machine := NewMachine(l, recorder, testMachineConfig())
	require.NoError(t, machine.Initialize(context.Background()))
	l.clockErr = errors.New("connection reset by peer")

	_, err := machine.Step(context.Background(), step("ramp_A", 500))
	failure, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, FailureRampA, failure.FailureName())
	assert.Equal(t, MachineViolated, machine.State())
	assert.Empty(t, sim.CallsTo("ramp_A"))

	records, err := failures.List(recorder.Directory())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, FailureRampA, records[0].Name)
	assert.Contains(t, records[0].Info, "connection reset by peer")
}

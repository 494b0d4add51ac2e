package fuzzing

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/crytic/ammfuzz/fuzzing/config"
	"github.com/crytic/ammfuzz/fuzzing/failures"
	"github.com/crytic/ammfuzz/fuzzing/metrics"
	"github.com/crytic/ammfuzz/ledger"
	"github.com/crytic/ammfuzz/logging"
	"github.com/crytic/ammfuzz/logging/colors"
	"github.com/crytic/ammfuzz/pool"
	"github.com/crytic/ammfuzz/utils"
	"github.com/crytic/medusa-geth/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// MachineState is the lifecycle state of a Machine.
type MachineState int

const (
	// MachineUninitialized is the state of a new machine.
	MachineUninitialized MachineState = iota
	// MachineReady is reached once the initial snapshot is taken and the invariants hold on it.
	MachineReady
	// MachineStepping is the state while steps are being executed.
	MachineStepping
	// MachineViolated is terminal: an invariant failed or an operation failed fatally.
	MachineViolated
	// MachineExhausted is terminal: the step budget was spent without a failure.
	MachineExhausted
	// MachineAbandoned is terminal: the example ran out of time. It is not a failure.
	MachineAbandoned
)

func (s MachineState) String() string {
	switch s {
	case MachineUninitialized:
		return "uninitialized"
	case MachineReady:
		return "ready"
	case MachineStepping:
		return "stepping"
	case MachineViolated:
		return "violated"
	case MachineExhausted:
		return "exhausted"
	case MachineAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// Terminal reports whether the state ends the example.
func (s MachineState) Terminal() bool {
	return s == MachineViolated || s == MachineExhausted || s == MachineAbandoned
}

// Bound is an inclusive argument range.
type Bound struct {
	Min *uint256.Int
	Max *uint256.Int
}

// MachineBounds holds the argument ranges of the operations.
type MachineBounds struct {
	Exchange Bound
	Deposit  Bound
	Withdraw Bound
	RampA    Bound
}

// MachineConfig is the read-only configuration shared by the machine instances of a campaign.
type MachineConfig struct {
	// Pool is the contract under test.
	Pool common.Address
	// Admin enables the ramp operation when set.
	Admin *common.Address
	// Actors are the configured callers. The first transacting one is the default caller.
	Actors []common.Address
	// NCoins is the coin count used when the pool has no getter for it.
	NCoins int
	// StrictReads makes unexpected pool read failures fail the example.
	StrictReads bool
	// DropThreshold is the largest tolerated relative decrease of D per step.
	DropThreshold decimal.Decimal
	// RampDuration is added to the ledger time to form a ramp's completion time.
	RampDuration uint64
	// Bounds are the operations' argument ranges.
	Bounds MachineBounds
	// BenignRevertPatterns are revert-reason substrings that end a step without failing the example.
	BenignRevertPatterns []string
	// Deadline caps the wall-clock time of one step. Zero disables it.
	Deadline time.Duration
}

// NewMachineConfig derives the machine configuration from a validated project configuration.
func NewMachineConfig(projectConfig *config.ProjectConfig) (*MachineConfig, error) {
	poolAddress, err := utils.HexStringToAddress(projectConfig.Pool.Address)
	if err != nil {
		return nil, errors.Wrap(err, "invalid pool address")
	}
	actors, err := utils.HexStringsToAddresses(projectConfig.Pool.SenderAddresses)
	if err != nil {
		return nil, errors.Wrap(err, "invalid sender address")
	}
	if len(actors) == 0 {
		return nil, errors.New("at least one sender address is required")
	}
	threshold, err := projectConfig.Fuzzing.DropThresholdDecimal()
	if err != nil {
		return nil, err
	}

	mc := &MachineConfig{
		Pool:                 poolAddress,
		Actors:               actors,
		NCoins:               projectConfig.Pool.NCoins,
		StrictReads:          projectConfig.Fuzzing.StrictReads,
		DropThreshold:        threshold,
		RampDuration:         projectConfig.Fuzzing.RampDuration,
		BenignRevertPatterns: projectConfig.Fuzzing.BenignRevertPatterns,
		Deadline:             time.Duration(projectConfig.Fuzzing.Deadline) * time.Millisecond,
		Bounds: MachineBounds{
			Exchange: boundFromRange(projectConfig.Fuzzing.Bounds.Exchange),
			Deposit:  boundFromRange(projectConfig.Fuzzing.Bounds.Deposit),
			Withdraw: boundFromRange(projectConfig.Fuzzing.Bounds.Withdraw),
			RampA:    boundFromRange(projectConfig.Fuzzing.Bounds.RampA),
		},
	}
	if projectConfig.Pool.AdminAddress != "" {
		admin, err := utils.HexStringToAddress(projectConfig.Pool.AdminAddress)
		if err != nil {
			return nil, errors.Wrap(err, "invalid admin address")
		}
		mc.Admin = &admin
	}
	return mc, nil
}

func boundFromRange(r config.Range) Bound {
	return Bound{Min: r.Min.Uint256(), Max: r.Max.Uint256()}
}

// Actor is an identity that submits operations.
type Actor struct {
	Address common.Address
	// CanTransact is true when the ledger accepts transactions from the actor.
	CanTransact bool
	// Funded is true when the actor holds native currency.
	Funded bool
}

// StepResult describes a completed step that did not fail the example.
type StepResult struct {
	Step Step
	// Skipped is true when the operation's precondition was false or its arguments did not fit its domains. Nothing
	// was sent to the ledger.
	Skipped bool
	// Benign is true when the operation reverted with a reason configured as benign.
	Benign bool
	// Params are the named arguments of the step.
	Params failures.Params
	// Snapshot is the pool observation after the step, nil if skipped or benign.
	Snapshot *pool.Snapshot
	Duration time.Duration
}

// Machine is one instance of the pool state machine. It runs a single example: initialization, then a sequence of
// steps, each followed by the invariant checks. A Machine is not safe for concurrent use.
type Machine struct {
	config   *MachineConfig
	ledger   ledger.Ledger
	recorder failures.Recorder
	logger   *logging.Logger

	// collectors and workerLabel are optional metric sinks.
	collectors  *metrics.Collectors
	workerLabel string

	state   MachineState
	model   *pool.Model
	catalog []Operation

	// actors are the callers the ledger accepts transactions from, or every configured actor if it accepts none.
	actors       []Actor
	caller       common.Address
	transactable bool
	funded       bool

	initial *pool.Snapshot
	last    *pool.Snapshot
	trace   Trace
}

// NewMachine creates an uninitialized machine.
func NewMachine(l ledger.Ledger, recorder failures.Recorder, config *MachineConfig) *Machine {
	return &Machine{
		config:   config,
		ledger:   l,
		recorder: recorder,
		logger:   logging.GlobalLogger.NewSubLogger("module", logging.FUZZING_SERVICE),
		catalog:  Operations(),
	}
}

// SetCollectors makes the machine report to campaign metrics under the given worker label.
func (m *Machine) SetCollectors(collectors *metrics.Collectors, workerLabel string) {
	m.collectors = collectors
	m.workerLabel = workerLabel
}

// State returns the lifecycle state.
func (m *Machine) State() MachineState {
	return m.state
}

// Trace returns the steps executed so far, excluding skipped ones.
func (m *Machine) Trace() Trace {
	return m.trace.Clone()
}

// Model returns the pool model, nil before initialization.
func (m *Machine) Model() *pool.Model {
	return m.model
}

// NCoins returns the pool's coin count, zero before initialization.
func (m *Machine) NCoins() int {
	if m.model == nil {
		return 0
	}
	return m.model.NCoins()
}

// Actors returns the callers.
func (m *Machine) Actors() []Actor {
	return append([]Actor{}, m.actors...)
}

// Caller returns the default caller.
func (m *Machine) Caller() common.Address {
	return m.caller
}

// Funded reports whether the default caller holds native currency.
func (m *Machine) Funded() bool {
	return m.funded
}

// Transactable reports whether any actor can transact.
func (m *Machine) Transactable() bool {
	return m.transactable
}

// InitialSnapshot returns the observation taken at initialization.
func (m *Machine) InitialSnapshot() *pool.Snapshot {
	return m.initial
}

// LastSnapshot returns the most recent observation.
func (m *Machine) LastSnapshot() *pool.Snapshot {
	return m.last
}

// Config returns the machine configuration.
func (m *Machine) Config() *MachineConfig {
	return m.config
}

// Initialize discovers the pool and the actors, takes the initial snapshot and checks the invariants on it. A
// returned Failure leaves the machine violated; any other error means the machine could not be set up.
func (m *Machine) Initialize(ctx context.Context) error {
	if m.state != MachineUninitialized {
		return errors.New("machine instance is already initialized")
	}

	if err := m.discoverActors(ctx); err != nil {
		return err
	}

	model, err := pool.NewModel(ctx, m.ledger, pool.Config{
		Address:        m.config.Pool,
		Reader:         m.caller,
		NCoins:         m.config.NCoins,
		StrictReads:    m.config.StrictReads,
		OnDegradedRead: m.countDegradedRead,
	})
	if err != nil {
		return err
	}
	m.model = model

	snapshot, err := m.refresh(ctx, failures.Params{})
	if err == nil {
		m.initial, m.last = snapshot, snapshot
		m.observeD(snapshot)
		err = m.checkInvariants(ctx, nil, snapshot, false, failures.Params{})
	}
	if err != nil {
		if _, isFailure := AsFailure(err); isFailure {
			m.state = MachineViolated
		}
		return err
	}
	m.state = MachineReady
	m.logger.Trace("Machine ready: D=", snapshot.D.String(), " balances=", snapshot.BalancesString(), " coins=", m.model.NCoins())
	return nil
}

func (m *Machine) discoverActors(ctx context.Context) error {
	var all []Actor
	for _, addr := range m.config.Actors {
		canTransact, err := m.ledger.CanTransact(ctx, addr)
		if err != nil {
			return err
		}
		balance, err := m.ledger.Balance(ctx, addr)
		if err != nil {
			return err
		}
		actor := Actor{Address: addr, CanTransact: canTransact, Funded: !balance.IsZero()}
		all = append(all, actor)
		if canTransact {
			m.actors = append(m.actors, actor)
		}
	}
	if len(all) == 0 {
		return errors.New("machine instance requires at least one actor")
	}
	m.transactable = len(m.actors) > 0
	if !m.transactable {
		m.logger.Warn("None of the configured senders can transact, state-changing operations are disabled")
		m.actors = all
	}
	m.caller = m.actors[0].Address
	m.funded = m.actors[0].Funded
	return nil
}

// Eligible returns the operations whose precondition currently holds.
func (m *Machine) Eligible() []Operation {
	if m.state != MachineReady && m.state != MachineStepping {
		return nil
	}
	return utils.SliceWhere(m.catalog, func(op Operation) bool { return op.Precondition(m) })
}

// Operation returns the catalog entry with the given name.
func (m *Machine) Operation(name string) (Operation, bool) {
	for _, op := range m.catalog {
		if op.Name() == name {
			return op, true
		}
	}
	return nil, false
}

// Step executes one step: precondition, execution, refresh, invariants. A returned Failure has been recorded and
// leaves the machine violated. Steps whose precondition is false are skipped without touching the ledger.
func (m *Machine) Step(ctx context.Context, step Step) (*StepResult, error) {
	if m.state != MachineReady && m.state != MachineStepping {
		return nil, errors.Wrapf(ErrMachineFinished, "machine is %s", m.state)
	}
	op, ok := m.Operation(step.Operation)
	if !ok {
		return nil, errors.Errorf("unknown operation %q", step.Operation)
	}
	m.state = MachineStepping

	result := &StepResult{Step: step}
	if !op.Precondition(m) || len(step.Args) != len(op.Domains(m.config, m.model.NCoins())) {
		result.Skipped = true
		return result, nil
	}
	result.Params = op.Params(m, step.Args)

	start := time.Now()
	err := op.Execute(ctx, m, step.Args)
	if err == nil {
		result.Snapshot, err = m.refresh(ctx, result.Params)
	}
	if err == nil {
		err = m.checkInvariants(ctx, m.last, result.Snapshot, op.Admin(), result.Params)
	}
	result.Duration = time.Since(start)
	m.observeStep(op.Name(), result.Duration)

	var benign *benignRevertError
	if errors.As(err, &benign) {
		m.logger.Debug("Step ", step.String(), " ended by benign revert: ", benign.reason)
		if m.collectors != nil {
			m.collectors.BenignReverts.WithLabelValues(op.Name()).Inc()
		}
		result.Benign = true
		m.trace = append(m.trace, step.Clone())
		return result, nil
	}

	if err == nil {
		m.trace = append(m.trace, step.Clone())
		m.last = result.Snapshot
		m.observeD(result.Snapshot)
		if m.config.Deadline > 0 && result.Duration > m.config.Deadline {
			params := copyParams(result.Params)
			params["elapsed_ms"] = big.NewInt(result.Duration.Milliseconds())
			err = m.executionFailure(ctx, FailureDeadlineExceeded, params,
				&DeadlineExceededError{Operation: op.Name(), Elapsed: result.Duration, Deadline: m.config.Deadline})
		}
	} else if _, isFailure := AsFailure(err); isFailure {
		m.trace = append(m.trace, step.Clone())
	}

	if err != nil {
		if _, isFailure := AsFailure(err); isFailure {
			m.state = MachineViolated
		}
		return nil, err
	}
	return result, nil
}

// Finish ends an example whose step budget is spent.
func (m *Machine) Finish() {
	if !m.state.Terminal() {
		m.state = MachineExhausted
	}
}

// Abandon ends an example that ran out of time.
func (m *Machine) Abandon() {
	if !m.state.Terminal() {
		m.state = MachineAbandoned
	}
}

// refresh reads the pool. Read errors other than cancellation become recorded read failures.
func (m *Machine) refresh(ctx context.Context, params failures.Params) (*pool.Snapshot, error) {
	snapshot, err := m.model.Refresh(ctx)
	if err != nil {
		return nil, m.readFailure(ctx, params, err)
	}
	return snapshot, nil
}

// readD reads D for an operation's post-check.
func (m *Machine) readD(ctx context.Context, params failures.Params) (decimal.Decimal, error) {
	d, err := m.model.D(ctx)
	if err != nil {
		return decimal.Zero, m.readFailure(ctx, params, err)
	}
	return d, nil
}

// readBalances reads every balance for an operation's post-check.
func (m *Machine) readBalances(ctx context.Context, params failures.Params) ([]*big.Int, error) {
	balances := make([]*big.Int, m.model.NCoins())
	for i := range balances {
		b, err := m.model.Balance(ctx, i)
		if err != nil {
			return nil, m.readFailure(ctx, params, err)
		}
		balances[i] = b
	}
	return balances, nil
}

func (m *Machine) readFailure(ctx context.Context, params failures.Params, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return m.executionFailure(ctx, FailureReadFailure, params, err)
}

func (m *Machine) checkInvariants(ctx context.Context, previous *pool.Snapshot, current *pool.Snapshot, admin bool, params failures.Params) error {
	invariant, failure := CheckInvariants(&InvariantInput{
		Previous:      previous,
		Current:       current,
		AdminStep:     admin,
		DropThreshold: m.config.DropThreshold,
	})
	if invariant == nil {
		return nil
	}
	return m.violation(ctx, invariant.Name, params, failure.Before, failure.After, failure.Info)
}

// callFailure turns a rejected call into a benign revert or a recorded execution failure.
func (m *Machine) callFailure(ctx context.Context, name string, params failures.Params, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if reason, ok := m.benignReason(err); ok {
		return &benignRevertError{operation: name, reason: reason}
	}
	return m.executionFailure(ctx, name, params, err)
}

func (m *Machine) benignReason(err error) (string, bool) {
	if len(m.config.BenignRevertPatterns) == 0 {
		return "", false
	}
	var reasons []string
	var exhausted *ExhaustedVariantsError
	var reverted *ledger.ExecutionRevertedError
	if errors.As(err, &exhausted) {
		reasons = exhausted.RevertReasons()
	} else if errors.As(err, &reverted) && reverted.Reason != "" {
		reasons = []string{reverted.Reason}
	}
	for _, reason := range reasons {
		for _, pattern := range m.config.BenignRevertPatterns {
			if pattern != "" && strings.Contains(reason, pattern) {
				return reason, true
			}
		}
	}
	return "", false
}

// violation records an invariant violation.
func (m *Machine) violation(ctx context.Context, name string, params failures.Params, before string, after string, info string) *InvariantViolation {
	v := &InvariantViolation{Name: name, Before: before, After: after, Info: info, Params: params, Block: m.block(ctx)}
	v.Record, v.RecordErr = m.recorder.Record(name, params, info, v.Block)
	m.countFailure(name)
	m.logger.Debug(colors.Red, "Invariant ", name, " violated", colors.Reset, ": ", info)
	return v
}

// executionFailure records a failed operation.
func (m *Machine) executionFailure(ctx context.Context, name string, params failures.Params, cause error) *ExecutionFailure {
	f := &ExecutionFailure{Name: name, Params: params, Block: m.block(ctx), Err: cause}
	f.Record, f.RecordErr = m.recorder.Record(name, params, cause.Error(), f.Block)
	m.countFailure(name)
	m.logger.Debug(colors.Red, "Operation failure ", name, colors.Reset, ": ", cause.Error())
	return f
}

// block returns the current block for a record, or zero if the ledger cannot say.
func (m *Machine) block(ctx context.Context) uint64 {
	block, err := m.ledger.CurrentBlock(ctx)
	if err != nil {
		m.logger.Warn("Could not read the current block for a failure record", err)
		return 0
	}
	return block
}

func (m *Machine) countFailure(name string) {
	if m.collectors != nil {
		m.collectors.Failures.WithLabelValues(name).Inc()
	}
}

func (m *Machine) countDegradedRead(field string, _ error) {
	if m.collectors != nil {
		m.collectors.DegradedReads.WithLabelValues(field).Inc()
	}
}

func (m *Machine) observeStep(operation string, duration time.Duration) {
	if m.collectors != nil {
		m.collectors.Steps.WithLabelValues(operation).Inc()
		m.collectors.StepDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

func (m *Machine) observeD(snapshot *pool.Snapshot) {
	if m.collectors != nil && m.workerLabel != "" {
		d, _ := snapshot.D.Float64()
		m.collectors.PoolD.WithLabelValues(m.workerLabel).Set(d)
	}
}

func copyParams(p failures.Params) failures.Params {
	c := make(failures.Params, len(p)+1)
	for k, v := range p {
		c[k] = v
	}
	return c
}

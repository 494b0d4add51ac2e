package fuzzing

import (
	"context"

	"github.com/crytic/ammfuzz/fuzzing/failures"
	"github.com/crytic/ammfuzz/ledger"
	"github.com/crytic/ammfuzz/logging"
	"github.com/pkg/errors"
)

// ReplayResult is the outcome of replaying a trace.
type ReplayResult struct {
	// Failure is the failure the trace produced, nil if it ran to completion.
	Failure Failure
	// FailedStep is the index of the step that failed, -1 if the failure happened at initialization or there was none.
	FailedStep int
	// Executed is the number of steps that ran, skipped ones included.
	Executed int
	// Skipped is the number of steps whose precondition was false.
	Skipped int
	// NCoins is the coin count of the pool the trace ran against.
	NCoins int
	// Trace is the trace as executed, up to and including the failing step.
	Trace Trace
}

// Reproduces reports whether the replay failed with the given name.
func (r *ReplayResult) Reproduces(name string) bool {
	return r.Failure != nil && r.Failure.FailureName() == name
}

// Replayer runs stored traces on a fresh machine instance. The ledger is snapshotted before and reverted after every
// replay, so replays do not affect each other.
type Replayer struct {
	ledger   ledger.Ledger
	config   *MachineConfig
	recorder failures.Recorder
	logger   *logging.Logger
}

// NewReplayer creates a replayer. recorder receives the failures replays produce; use failures.Discard to only
// observe them.
func NewReplayer(l ledger.Ledger, config *MachineConfig, recorder failures.Recorder) *Replayer {
	return &Replayer{
		ledger:   l,
		config:   config,
		recorder: recorder,
		logger:   logging.GlobalLogger.NewSubLogger("module", logging.FUZZING_SERVICE),
	}
}

// Replay executes trace until it fails or ends.
func (r *Replayer) Replay(ctx context.Context, trace Trace) (result *ReplayResult, err error) {
	snapshot, err := r.ledger.Snapshot(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not snapshot the ledger before replay")
	}
	defer func() {
		if revertErr := r.ledger.Revert(context.WithoutCancel(ctx), snapshot); revertErr != nil && err == nil {
			result, err = nil, errors.Wrap(revertErr, "could not restore the ledger after replay")
		}
	}()

	machine := NewMachine(r.ledger, r.recorder, r.config)
	result = &ReplayResult{FailedStep: -1}
	if err = machine.Initialize(ctx); err != nil {
		if failure, ok := AsFailure(err); ok {
			result.Failure = failure
			result.NCoins = machine.NCoins()
			return result, nil
		}
		return nil, err
	}
	result.NCoins = machine.NCoins()

	for i, step := range trace {
		stepResult, err := machine.Step(ctx, step)
		result.Executed++
		if err != nil {
			if failure, ok := AsFailure(err); ok {
				result.Failure = failure
				result.FailedStep = i
				result.Trace = append(result.Trace, step.Clone())
				return result, nil
			}
			return nil, err
		}
		if stepResult.Skipped {
			result.Skipped++
		}
		result.Trace = append(result.Trace, step.Clone())
	}
	machine.Finish()
	return result, nil
}

package fuzzing

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"github.com/crytic/ammfuzz/fuzzing/corpus"
	"github.com/crytic/ammfuzz/fuzzing/failures"
	"github.com/crytic/ammfuzz/ledger"
	"github.com/crytic/ammfuzz/logging"
	"github.com/crytic/ammfuzz/logging/colors"
	"github.com/crytic/ammfuzz/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// FuzzerWorker runs examples for a Fuzzer against one isolated ledger. Examples start from the same ledger state: the
// worker snapshots the ledger before an example and reverts it afterwards.
type FuzzerWorker struct {
	// workerIndex is the index of the worker in the Fuzzer.
	workerIndex int
	// endpoint is the node the worker's ledger connects to.
	endpoint string
	// fuzzer describes the Fuzzer which created this worker.
	fuzzer *Fuzzer

	ledger   ledger.Ledger
	shrinker *Shrinker
	logger   *logging.Logger
}

// newFuzzerWorker creates a worker that connects to endpoint once run.
func newFuzzerWorker(fuzzer *Fuzzer, workerIndex int, endpoint string) *FuzzerWorker {
	return &FuzzerWorker{
		workerIndex: workerIndex,
		endpoint:    endpoint,
		fuzzer:      fuzzer,
		logger: logging.GlobalLogger.NewSubLogger("module", logging.FUZZING_SERVICE).
			NewSubLogger("worker", strconv.Itoa(workerIndex)),
	}
}

// WorkerIndex returns the index of this FuzzerWorker in the Fuzzer.
func (fw *FuzzerWorker) WorkerIndex() int {
	return fw.workerIndex
}

// Endpoint returns the node the worker runs against.
func (fw *FuzzerWorker) Endpoint() string {
	return fw.endpoint
}

// Fuzzer returns the parent Fuzzer which spawned this FuzzerWorker.
func (fw *FuzzerWorker) Fuzzer() *Fuzzer {
	return fw.fuzzer
}

func (fw *FuzzerWorker) workerMetrics() *fuzzerWorkerMetrics {
	return &fw.fuzzer.metrics.workerMetrics[fw.workerIndex]
}

// run connects the ledger and claims examples until none are left or ctx is done. Only infrastructure errors are
// returned.
func (fw *FuzzerWorker) run(ctx context.Context) error {
	var err error
	fw.ledger, err = fw.fuzzer.Hooks.NewLedgerFunc(ctx, fw.fuzzer, fw.workerIndex, fw.endpoint)
	if err != nil {
		return errors.Wrapf(err, "worker %d could not connect to %s", fw.workerIndex, fw.endpoint)
	}
	defer func() {
		if closeErr := fw.ledger.Close(); closeErr != nil {
			fw.logger.Warn("Could not close the ledger", closeErr)
		}
	}()

	replayer := NewReplayer(fw.ledger, fw.fuzzer.machineConfig, failures.Discard)
	fw.shrinker = NewShrinker(replayer, fw.fuzzer.config.Fuzzing.ShrinkLimit)
	fw.shrinker.OnReplay = fw.fuzzer.collectors.ShrinkReplays.Inc

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		index, ok := fw.fuzzer.claimExample()
		if !ok {
			return nil
		}
		report, err := fw.runExample(ctx, index)
		if err != nil {
			return err
		}
		if report != nil && fw.fuzzer.config.Fuzzing.StopOnFailure {
			fw.logger.Info("Stopping the campaign after the first failure")
			fw.fuzzer.Stop()
			return nil
		}
	}
}

// runExample runs one example from a clean ledger state and returns its failure report, nil if it did not fail.
func (fw *FuzzerWorker) runExample(ctx context.Context, index int) (report *FailureReport, err error) {
	seed := fw.fuzzer.seed + int64(index)
	fuzzingConfig := fw.fuzzer.config.Fuzzing

	snapshot, err := fw.ledger.Snapshot(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not snapshot the ledger before an example")
	}
	reverted := false
	revert := func() error {
		if reverted {
			return nil
		}
		reverted = true
		return fw.ledger.Revert(context.WithoutCancel(ctx), snapshot)
	}
	defer func() {
		if revertErr := revert(); revertErr != nil && err == nil {
			report, err = nil, errors.Wrap(revertErr, "could not restore the ledger after an example")
		}
	}()

	var deadline time.Time
	if fuzzingConfig.ExampleTimeout > 0 {
		deadline = time.Now().Add(time.Duration(fuzzingConfig.ExampleTimeout) * time.Second)
	}

	machine := NewMachine(fw.ledger, fw.fuzzer.recorder, fw.fuzzer.machineConfig)
	machine.SetCollectors(fw.fuzzer.collectors, strconv.Itoa(fw.workerIndex))
	generator := NewGenerator(rand.New(rand.NewSource(seed)), fuzzingConfig.Weight)

	failure, err := fw.drive(ctx, machine, generator, deadline)
	if err != nil {
		return nil, err
	}
	fw.finishExample(index, machine)
	if failure == nil {
		return nil, nil
	}

	// Minimization replays from the initial state, so the example's changes are undone first.
	if err = revert(); err != nil {
		return nil, errors.Wrap(err, "could not restore the ledger after an example")
	}
	return fw.reportFailure(ctx, index, seed, failure, machine.Trace())
}

// drive initializes machine and steps it until its step budget is spent, it fails, no operation is eligible, or the
// example deadline passes. Only infrastructure errors are returned as errors.
func (fw *FuzzerWorker) drive(ctx context.Context, machine *Machine, generator *Generator, deadline time.Time) (Failure, error) {
	if err := machine.Initialize(ctx); err != nil {
		if failure, ok := AsFailure(err); ok {
			return failure, nil
		}
		return nil, err
	}

	for i := 0; i < fw.fuzzer.config.Fuzzing.StatefulStepCount; i++ {
		if utils.CheckContextDone(ctx) {
			machine.Abandon()
			return nil, ctx.Err()
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			fw.logger.Debug("Example timed out after ", i, " step(s), abandoning it")
			machine.Abandon()
			return nil, nil
		}
		step, ok := generator.Next(machine)
		if !ok {
			fw.logger.Debug("No operation is eligible, ending the example after ", i, " step(s)")
			break
		}
		result, err := machine.Step(ctx, step)
		if err != nil {
			if failure, isFailure := AsFailure(err); isFailure {
				fw.workerMetrics().stepsExecuted.Add(1)
				return failure, nil
			}
			return nil, err
		}
		if !result.Skipped {
			fw.workerMetrics().stepsExecuted.Add(1)
		}
		if result.Benign {
			fw.workerMetrics().benignReverts.Add(1)
		}
	}
	machine.Finish()
	return nil, nil
}

func (fw *FuzzerWorker) finishExample(index int, machine *Machine) {
	metrics := fw.workerMetrics()
	metrics.examplesTested.Add(1)
	switch machine.State() {
	case MachineViolated:
		metrics.failures.Add(1)
	case MachineAbandoned:
		metrics.abandoned.Add(1)
	}
	fw.fuzzer.collectors.Examples.WithLabelValues(machine.State().String()).Inc()
	fw.fuzzer.Events.ExampleFinished.Publish(ExampleFinishedEvent{
		Worker:  fw,
		Example: index,
		State:   machine.State(),
		Steps:   len(machine.Trace()),
	})
}

// reportFailure minimizes the failing trace if enabled, stores it and publishes the failure.
func (fw *FuzzerWorker) reportFailure(ctx context.Context, index int, seed int64, failure Failure, trace Trace) (*FailureReport, error) {
	report := &FailureReport{
		Name:    failure.FailureName(),
		Message: failure.Error(),
		Worker:  fw.workerIndex,
		Example: index,
		Seed:    seed,
		Trace:   trace,
	}
	report.Record, report.RecordErr = failure.FailureRecord()
	if report.RecordErr != nil {
		fw.logger.Error("Could not persist the record of failure ", report.Name, report.RecordErr)
	}
	fw.logger.Info(colors.Red, "Example ", index, " failed with ", colors.Bold, report.Name, colors.Reset,
		" after ", len(trace), " step(s)")

	stored := trace
	if fw.fuzzer.config.Fuzzing.ShrinkEnabled && len(trace) > 0 {
		result, err := fw.shrinker.Shrink(ctx, trace, report.Name)
		if err != nil && ctx.Err() == nil {
			return nil, err
		}
		if err != nil {
			fw.logger.Warn("Campaign stopped while shrinking ", report.Name, ", storing the trace as generated")
		} else if result.Reproduced {
			report.Shrunk, stored = result.Trace, result.Trace
			fw.logger.Info("Shrunk ", report.Name, " from ", result.OriginalLength, " to ", len(result.Trace),
				" step(s) in ", result.Replays, " replay(s)")
		}
	}

	id := uuid.NewString()
	if report.Record != nil {
		id = report.Record.ID
	}
	traceID, _, err := fw.fuzzer.store.Put(&corpus.Entry{
		ID:             id,
		Failure:        report.Name,
		Steps:          stored.CorpusSteps(),
		Seed:           seed,
		Shrunk:         report.Shrunk != nil,
		OriginalLength: len(trace),
	})
	if err != nil {
		fw.logger.Error("Could not store the trace of failure ", report.Name, err)
	} else {
		report.TraceID = traceID
	}

	fw.fuzzer.results.addFailure(report)
	fw.fuzzer.Events.FailureFound.Publish(FailureFoundEvent{Worker: fw, Report: report})
	return report, nil
}

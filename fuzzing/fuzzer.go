package fuzzing

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/crytic/ammfuzz/fuzzing/config"
	"github.com/crytic/ammfuzz/fuzzing/corpus"
	"github.com/crytic/ammfuzz/fuzzing/failures"
	"github.com/crytic/ammfuzz/fuzzing/metrics"
	"github.com/crytic/ammfuzz/logging"
	"github.com/crytic/ammfuzz/logging/colors"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Fuzzer runs a campaign: a fixed number of randomized examples spread over parallel workers, each driving its own
// machine instance against its own isolated ledger.
type Fuzzer struct {
	// ctx describes the context for the campaign, used to cancel running operations.
	ctx context.Context
	// cancel is the function used to cancel ctx.
	cancel context.CancelFunc

	// config describes the project configuration which the fuzzer is targeting.
	config config.ProjectConfig
	// machineConfig is the configuration shared by all machine instances.
	machineConfig *MachineConfig
	// seed is the base seed. Example i draws its steps from seed+i.
	seed int64

	// workers describes the FuzzerWorkers of the campaign, indexed by worker index.
	workers []*FuzzerWorker
	// nextExample is the index of the next example to hand out.
	nextExample atomic.Int64

	// recorder persists failure records.
	recorder *failures.FileRecorder
	// store holds the failing traces.
	store *corpus.Store

	// metrics describes the metrics for the campaign.
	metrics *FuzzerMetrics
	// collectors are the Prometheus collectors of the campaign.
	collectors *metrics.Collectors
	// results collects the failing examples.
	results *FuzzerResults

	// Events describes the event system for the Fuzzer.
	Events FuzzerEvents
	// Hooks describes the replaceable functions used by the Fuzzer.
	Hooks FuzzerHooks

	// logger describes the Fuzzer's log object that can be used to log important events
	logger *logging.Logger
}

// NewFuzzer returns an instance of a new Fuzzer provided a project configuration, or an error if one is encountered
// while initializing the code.
func NewFuzzer(config config.ProjectConfig) (*Fuzzer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	machineConfig, err := NewMachineConfig(&config)
	if err != nil {
		return nil, err
	}

	seed := config.Fuzzing.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	fuzzer := &Fuzzer{
		config:        config,
		machineConfig: machineConfig,
		seed:          seed,
		metrics:       newFuzzerMetrics(config.Fuzzing.Workers),
		collectors:    metrics.NewCollectors(),
		results:       NewFuzzerResults(),
		Hooks: FuzzerHooks{
			NewLedgerFunc: defaultNewLedgerFunc,
		},
		logger: logging.GlobalLogger.NewSubLogger("module", logging.FUZZING_SERVICE),
	}
	return fuzzer, nil
}

// Config returns the project configuration the fuzzer runs with.
func (f *Fuzzer) Config() config.ProjectConfig {
	return f.config
}

// MachineConfig returns the configuration shared by the machine instances.
func (f *Fuzzer) MachineConfig() *MachineConfig {
	return f.machineConfig
}

// Seed returns the base seed of the campaign.
func (f *Fuzzer) Seed() int64 {
	return f.seed
}

// Metrics returns the campaign counters.
func (f *Fuzzer) Metrics() *FuzzerMetrics {
	return f.metrics
}

// Collectors returns the Prometheus collectors of the campaign.
func (f *Fuzzer) Collectors() *metrics.Collectors {
	return f.collectors
}

// Results returns the failures found so far.
func (f *Fuzzer) Results() *FuzzerResults {
	return f.results
}

// Start begins the campaign and blocks until every example ran, the campaign timeout elapsed, Stop was called, or an
// infrastructure error stopped a worker. Failing examples are not errors; they are collected in Results.
func (f *Fuzzer) Start() error {
	var err error

	// Create our running context (allows us to cancel across threads)
	f.ctx, f.cancel = context.WithCancel(context.Background())
	if f.config.Fuzzing.Timeout > 0 {
		f.logger.Info("Running with a timeout of ", colors.Bold, f.config.Fuzzing.Timeout, " seconds", colors.Reset)
		f.ctx, f.cancel = context.WithTimeout(f.ctx, time.Duration(f.config.Fuzzing.Timeout)*time.Second)
	}
	defer f.cancel()

	f.recorder = failures.NewFileRecorder(f.config.Fuzzing.FailureDirectory)
	f.store, err = corpus.Open(filepath.Join(f.config.Fuzzing.FailureDirectory, corpus.DefaultFileName))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.store.Close(); closeErr != nil {
			f.logger.Warn("Could not close the trace store", closeErr)
		}
	}()

	if f.config.Fuzzing.MetricsAddress != "" {
		addr, serveErrs, err := f.collectors.Serve(f.ctx, f.config.Fuzzing.MetricsAddress)
		if err != nil {
			return err
		}
		f.logger.Info("Serving metrics on ", colors.Bold, "http://", addr.String(), "/metrics", colors.Reset)
		go func() {
			if serveErr := <-serveErrs; serveErr != nil {
				f.logger.Warn("Metrics server stopped", serveErr)
			}
		}()
	}

	f.Events.FuzzerStarting.Publish(FuzzerStartingEvent{Fuzzer: f})
	f.logger.Info("Fuzzing pool ", colors.Bold, f.machineConfig.Pool.String(), colors.Reset, " with ",
		f.config.Fuzzing.Workers, " worker(s), ", f.config.Fuzzing.MaxExamples, " example(s) of up to ",
		f.config.Fuzzing.StatefulStepCount, " step(s), seed ", f.seed)

	go f.runMetricsPrintLoop()

	startTime := time.Now()
	err = f.runWorkers()
	f.cancel()

	f.Events.FuzzerStopping.Publish(FuzzerStoppingEvent{Fuzzer: f, Err: err})
	f.printSummary(time.Since(startTime))
	return err
}

// runWorkers spawns one FuzzerWorker per configured worker and waits for all of them. The first infrastructure error
// cancels the remaining workers.
func (f *Fuzzer) runWorkers() error {
	endpoints := f.config.Chain.Endpoints()
	group, groupCtx := errgroup.WithContext(f.ctx)
	f.workers = make([]*FuzzerWorker, f.config.Fuzzing.Workers)
	f.collectors.ActiveWorkers.Set(0)
	for i := range f.workers {
		worker := newFuzzerWorker(f, i, endpoints[i])
		f.workers[i] = worker
		group.Go(func() error {
			f.collectors.ActiveWorkers.Inc()
			defer f.collectors.ActiveWorkers.Dec()
			f.Events.WorkerCreated.Publish(FuzzerWorkerCreatedEvent{Worker: worker})
			defer f.Events.WorkerDestroyed.Publish(FuzzerWorkerDestroyedEvent{Worker: worker})
			return worker.run(groupCtx)
		})
	}

	err := group.Wait()
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		// Stop and the campaign timeout both end the campaign normally.
		err = nil
	}
	return err
}

// claimExample returns the index of the next example to run, or false once every example has been handed out.
func (f *Fuzzer) claimExample() (int, bool) {
	index := f.nextExample.Add(1) - 1
	if index >= int64(f.config.Fuzzing.MaxExamples) {
		return 0, false
	}
	return int(index), true
}

// Stop stops a running campaign. Examples in progress are abandoned.
func (f *Fuzzer) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
}

// runMetricsPrintLoop prints metrics to the console in a loop until ctx signals a stopped operation.
func (f *Fuzzer) runMetricsPrintLoop() {
	startTime := time.Now()

	// Define cached variables for our metrics to calculate deltas.
	var lastExamples, lastSteps uint64
	lastPrintedTime := startTime
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
		}
		examples := f.metrics.ExamplesTested()
		steps := f.metrics.StepsExecuted()
		secondsSinceLastUpdate := time.Since(lastPrintedTime).Seconds()

		f.logger.Info("fuzz: elapsed: ", time.Since(startTime).Round(time.Second),
			", examples: ", examples, "/", f.config.Fuzzing.MaxExamples,
			" (", uint64(float64(examples-lastExamples)/secondsSinceLastUpdate), "/sec)",
			", steps: ", steps, " (", uint64(float64(steps-lastSteps)/secondsSinceLastUpdate), "/sec)",
			", failures: ", f.metrics.Failures())

		lastPrintedTime = time.Now()
		lastExamples, lastSteps = examples, steps
	}
}

func (f *Fuzzer) printSummary(elapsed time.Duration) {
	reports := f.results.Failures()
	f.logger.Info("Campaign finished in ", elapsed.Round(time.Millisecond), ": ",
		f.metrics.ExamplesTested(), " example(s), ", f.metrics.StepsExecuted(), " step(s), ",
		f.metrics.Abandoned(), " abandoned, ", f.metrics.BenignReverts(), " benign revert(s)")
	if len(reports) == 0 {
		f.logger.Info(colors.Green, "No failures found", colors.Reset)
		return
	}
	f.logger.Error(colors.RedBold, len(reports), colors.Red, " failing example(s) recorded in ",
		f.recorder.Directory(), colors.Reset)
	for _, report := range reports {
		f.logger.Error(report.String())
	}
}

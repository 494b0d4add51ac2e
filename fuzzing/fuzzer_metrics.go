package fuzzing

import "sync/atomic"

// FuzzerMetrics represents a struct tracking metrics for a Fuzzer run.
type FuzzerMetrics struct {
	// workerMetrics describes the metrics for each individual worker, indexed like Fuzzer.workers.
	workerMetrics []fuzzerWorkerMetrics
}

// fuzzerWorkerMetrics represents metrics for a single FuzzerWorker instance. Counters are written by their worker
// and read by the progress loop, hence atomic.
type fuzzerWorkerMetrics struct {
	// examplesTested describes the amount of examples the worker finished.
	examplesTested atomic.Uint64

	// stepsExecuted describes the amount of steps sent to the ledger, skipped ones excluded.
	stepsExecuted atomic.Uint64

	// failures describes the amount of failing examples.
	failures atomic.Uint64

	// abandoned describes the amount of examples abandoned because of the example timeout.
	abandoned atomic.Uint64

	// benignReverts describes the amount of steps ended by a benign revert.
	benignReverts atomic.Uint64
}

// newFuzzerMetrics obtains a new FuzzerMetrics struct for a given number of workers specified by workerCount.
func newFuzzerMetrics(workerCount int) *FuzzerMetrics {
	return &FuzzerMetrics{workerMetrics: make([]fuzzerWorkerMetrics, workerCount)}
}

func (m *FuzzerMetrics) sum(f func(w *fuzzerWorkerMetrics) uint64) uint64 {
	total := uint64(0)
	for i := range m.workerMetrics {
		total += f(&m.workerMetrics[i])
	}
	return total
}

// ExamplesTested returns the amount of examples finished across all workers.
func (m *FuzzerMetrics) ExamplesTested() uint64 {
	return m.sum(func(w *fuzzerWorkerMetrics) uint64 { return w.examplesTested.Load() })
}

// StepsExecuted returns the amount of steps executed across all workers.
func (m *FuzzerMetrics) StepsExecuted() uint64 {
	return m.sum(func(w *fuzzerWorkerMetrics) uint64 { return w.stepsExecuted.Load() })
}

// Failures returns the amount of failing examples across all workers.
func (m *FuzzerMetrics) Failures() uint64 {
	return m.sum(func(w *fuzzerWorkerMetrics) uint64 { return w.failures.Load() })
}

// Abandoned returns the amount of examples abandoned across all workers.
func (m *FuzzerMetrics) Abandoned() uint64 {
	return m.sum(func(w *fuzzerWorkerMetrics) uint64 { return w.abandoned.Load() })
}

// BenignReverts returns the amount of steps ended by benign reverts across all workers.
func (m *FuzzerMetrics) BenignReverts() uint64 {
	return m.sum(func(w *fuzzerWorkerMetrics) uint64 { return w.benignReverts.Load() })
}

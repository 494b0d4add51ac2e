package fuzzing

import (
	"github.com/crytic/ammfuzz/events"
)

// FuzzerEvents defines event emitters for a Fuzzer.
type FuzzerEvents struct {
	// FuzzerStarting emits events when the Fuzzer has connected its workers' ledgers and is about to begin the
	// campaign.
	FuzzerStarting events.EventEmitter[FuzzerStartingEvent]

	// FuzzerStopping emits events when the Fuzzer is exiting the campaign.
	FuzzerStopping events.EventEmitter[FuzzerStoppingEvent]

	// WorkerCreated emits events when the Fuzzer creates a FuzzerWorker.
	WorkerCreated events.EventEmitter[FuzzerWorkerCreatedEvent]

	// WorkerDestroyed emits events when a FuzzerWorker exits.
	WorkerDestroyed events.EventEmitter[FuzzerWorkerDestroyedEvent]

	// ExampleFinished emits events when a worker finishes an example, whatever its outcome.
	ExampleFinished events.EventEmitter[ExampleFinishedEvent]

	// FailureFound emits events when an example fails, after its trace has been minimized and stored.
	FailureFound events.EventEmitter[FailureFoundEvent]
}

// FuzzerStartingEvent describes an event where a Fuzzer is about to begin its campaign.
type FuzzerStartingEvent struct {
	Fuzzer *Fuzzer
}

// FuzzerStoppingEvent describes an event where a Fuzzer is exiting its campaign.
type FuzzerStoppingEvent struct {
	Fuzzer *Fuzzer

	// Err is the error the campaign ended with, if any.
	Err error
}

// FuzzerWorkerCreatedEvent describes an event where a FuzzerWorker was created.
type FuzzerWorkerCreatedEvent struct {
	Worker *FuzzerWorker
}

// FuzzerWorkerDestroyedEvent describes an event where a FuzzerWorker exited.
type FuzzerWorkerDestroyedEvent struct {
	Worker *FuzzerWorker
}

// ExampleFinishedEvent describes a finished example.
type ExampleFinishedEvent struct {
	Worker *FuzzerWorker
	// Example is the index of the example within the campaign.
	Example int
	// State is the terminal state the example's machine reached.
	State MachineState
	// Steps is the number of steps executed.
	Steps int
}

// FailureFoundEvent describes a failing example.
type FailureFoundEvent struct {
	Worker *FuzzerWorker
	Report *FailureReport
}

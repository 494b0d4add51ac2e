package fuzzing

import (
	"fmt"
	"strings"
	"sync"

	"github.com/crytic/ammfuzz/fuzzing/failures"
)

// FailureReport describes a failing example found during a campaign.
type FailureReport struct {
	// Name is the failure name, as recorded.
	Name string
	// Message is the failure's error message.
	Message string
	// Worker and Example locate the example in the campaign.
	Worker  int
	Example int
	// Seed is the seed the example's steps were drawn with.
	Seed int64
	// Record is the persisted failure record, nil if persisting failed.
	Record *failures.Record
	// RecordErr is the persistence error, if any.
	RecordErr error
	// Trace is the failing trace as generated.
	Trace Trace
	// Shrunk is the minimized trace, nil if minimization was disabled or did not reproduce.
	Shrunk Trace
	// TraceID is the id of the stored trace, empty if it was not stored.
	TraceID string
}

// String renders the report with its minimized trace when there is one.
func (r *FailureReport) String() string {
	trace := r.Trace
	label := "Trace"
	if r.Shrunk != nil {
		trace, label = r.Shrunk, "Shrunk trace"
	}
	steps := make([]string, len(trace))
	for i, s := range trace {
		steps[i] = fmt.Sprintf("[%d] %s", i+1, s.String())
	}
	location := "<not persisted>"
	if r.Record != nil {
		location = r.Record.Path
	}
	return fmt.Sprintf("Failure %s: %s\nRecord: %s\n%s (%d steps):\n%s",
		r.Name, r.Message, location, label, len(trace), strings.Join(steps, "\n"))
}

// FuzzerResults collects the failures of a campaign.
type FuzzerResults struct {
	failures     []*FailureReport
	failuresLock sync.Mutex
}

// NewFuzzerResults returns an empty FuzzerResults.
func NewFuzzerResults() *FuzzerResults {
	return &FuzzerResults{failures: make([]*FailureReport, 0)}
}

// Failures returns the reports collected so far.
func (r *FuzzerResults) Failures() []*FailureReport {
	r.failuresLock.Lock()
	defer r.failuresLock.Unlock()
	return append([]*FailureReport{}, r.failures...)
}

func (r *FuzzerResults) addFailure(report *FailureReport) {
	r.failuresLock.Lock()
	defer r.failuresLock.Unlock()
	r.failures = append(r.failures, report)
}

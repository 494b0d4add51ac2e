package fuzzing

import (
	"fmt"
	"strings"
	"time"

	"github.com/crytic/ammfuzz/fuzzing/failures"
	"github.com/crytic/ammfuzz/ledger"
	"github.com/pkg/errors"
)

// Failure names recorded by the machine itself rather than by an operation.
const (
	FailureDeadlineExceeded = "deadline_exceeded"
	FailureReadFailure      = "read_failure"
)

// ErrMachineFinished is returned when stepping a machine that reached a terminal state.
var ErrMachineFinished = errors.New("machine instance has finished")

// Failure is a fatal outcome of an example. It has already been recorded when it is returned.
type Failure interface {
	error
	// FailureName is the name the failure was recorded under.
	FailureName() string
	// FailureRecord returns the persisted record, and the error that prevented persisting it, if any.
	FailureRecord() (*failures.Record, error)
}

// AsFailure returns the Failure in err's chain, if any.
func AsFailure(err error) (Failure, bool) {
	var violation *InvariantViolation
	if errors.As(err, &violation) {
		return violation, true
	}
	var execution *ExecutionFailure
	if errors.As(err, &execution) {
		return execution, true
	}
	return nil, false
}

// InvariantViolation is a failed predicate or post-check.
type InvariantViolation struct {
	// Name identifies the predicate, e.g. "D_drop" or "no_negative_balances".
	Name string
	// Before and After are the offending values, rendered. Before is empty for predicates over one observation.
	Before string
	After  string
	// Info is the diagnostic stored in the record.
	Info string
	// Params are the arguments of the step that led to the violation.
	Params failures.Params
	// Block is the ledger block the violation was observed at.
	Block uint64

	// Record is the persisted record, nil if persisting failed.
	Record *failures.Record
	// RecordErr is the persistence failure, if any. The violation stands regardless.
	RecordErr error
}

func (v *InvariantViolation) Error() string {
	if v.Before != "" {
		return fmt.Sprintf("invariant %s violated: %s -> %s", v.Name, v.Before, v.After)
	}
	return fmt.Sprintf("invariant %s violated: %s", v.Name, v.Info)
}

// FailureName implements Failure.
func (v *InvariantViolation) FailureName() string {
	return v.Name
}

// FailureRecord implements Failure.
func (v *InvariantViolation) FailureRecord() (*failures.Record, error) {
	return v.Record, v.RecordErr
}

// ExecutionFailure is an operation that could not be executed: every call shape was rejected, the canonical call
// reverted, a pool read failed under strict reads, or the step overran its deadline.
type ExecutionFailure struct {
	// Name is the name the failure was recorded under, e.g. "exchange" or "ramp_A_fail".
	Name string
	// Params are the arguments of the failed step.
	Params failures.Params
	// Block is the ledger block at which the failure was recorded.
	Block uint64
	// Err is the cause.
	Err error

	Record    *failures.Record
	RecordErr error
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Name, e.Err)
}

// Unwrap returns the cause.
func (e *ExecutionFailure) Unwrap() error {
	return e.Err
}

// FailureName implements Failure.
func (e *ExecutionFailure) FailureName() string {
	return e.Name
}

// FailureRecord implements Failure.
func (e *ExecutionFailure) FailureRecord() (*failures.Record, error) {
	return e.Record, e.RecordErr
}

// ShapeAttempt is one rejected call shape.
type ShapeAttempt struct {
	Shape string
	Err   error
}

// ExhaustedVariantsError is returned when no call shape of an operation was accepted.
type ExhaustedVariantsError struct {
	Operation string
	Attempts  []ShapeAttempt
}

func (e *ExhaustedVariantsError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Shape, a.Err)
	}
	return fmt.Sprintf("no call shape of %s was accepted (%s)", e.Operation, strings.Join(parts, "; "))
}

// Unwrap returns the last attempt's error, which is the failure of the least likely shape.
func (e *ExhaustedVariantsError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// RevertReasons returns the decoded revert reasons of all attempts that carried one.
func (e *ExhaustedVariantsError) RevertReasons() []string {
	var reasons []string
	for _, a := range e.Attempts {
		var reverted *ledger.ExecutionRevertedError
		if errors.As(a.Err, &reverted) && reverted.Reason != "" {
			reasons = append(reasons, reverted.Reason)
		}
	}
	return reasons
}

// DeadlineExceededError reports a step that took longer than the configured deadline.
type DeadlineExceededError struct {
	Operation string
	Elapsed   time.Duration
	Deadline  time.Duration
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("%s took %s, deadline is %s", e.Operation, e.Elapsed.Round(time.Millisecond), e.Deadline)
}

// benignRevertError ends a step without failing the example.
type benignRevertError struct {
	operation string
	reason    string
}

func (e *benignRevertError) Error() string {
	return fmt.Sprintf("%s reverted with benign reason %q", e.operation, e.reason)
}

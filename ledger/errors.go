package ledger

import (
	"fmt"

	"github.com/crytic/medusa-geth/accounts/abi"
	"github.com/crytic/medusa-geth/common/hexutil"
	"github.com/pkg/errors"
)

// ErrExecutionReverted matches every *ExecutionRevertedError through errors.Is.
var ErrExecutionReverted = errors.New("execution reverted")

// ErrFieldAbsent is returned by probing reads when none of the candidate shapes exists on the contract.
var ErrFieldAbsent = errors.New("field absent")

// ErrUnexpectedRead is returned by probing reads when a candidate failed for a reason other than absence.
var ErrUnexpectedRead = errors.New("unexpected read failure")

// ExecutionRevertedError is a call rejected by the ledger. State is unchanged.
type ExecutionRevertedError struct {
	// Method is the signature that was attempted.
	Method string
	// Reason is the decoded Error(string) reason, empty if there is none.
	Reason string
	// Data is the raw revert payload.
	Data []byte
}

// NewExecutionRevertedError builds a revert error and decodes its reason when the payload is an Error(string).
func NewExecutionRevertedError(method string, data []byte) *ExecutionRevertedError {
	e := &ExecutionRevertedError{Method: method, Data: data}
	if reason, err := abi.UnpackRevert(data); err == nil {
		e.Reason = reason
	}
	return e
}

func (e *ExecutionRevertedError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("%s reverted: %s", e.Method, e.Reason)
	case len(e.Data) > 0:
		return fmt.Sprintf("%s reverted with data %s", e.Method, hexutil.Encode(e.Data))
	default:
		return fmt.Sprintf("%s reverted", e.Method)
	}
}

// Is makes errors.Is(err, ErrExecutionReverted) true.
func (e *ExecutionRevertedError) Is(target error) bool {
	return target == ErrExecutionReverted
}

// IsAbsenceRevert reports whether err looks like a call to an entry point the contract does not have: a revert with
// no payload, which is what a missing selector without a fallback produces.
func IsAbsenceRevert(err error) bool {
	var reverted *ExecutionRevertedError
	return errors.As(err, &reverted) && len(reverted.Data) == 0
}

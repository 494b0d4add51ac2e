package ledger

import (
	"context"

	"github.com/crytic/medusa-geth/accounts/abi"
	"github.com/crytic/medusa-geth/common"
	"github.com/pkg/errors"
)

// Candidate is one way of reading a logical quantity: a call shape and its arguments.
type Candidate struct {
	Method abi.Method
	Args   []any
}

// ProbeRead tries each candidate in order against the contract and returns the outputs of the first one that succeeds
// along with its index. Failures of earlier candidates are never surfaced if a later one succeeds.
//
// If every candidate fails, the error wraps ErrFieldAbsent when all failures look like a missing entry point (empty
// revert or undecodable output), and ErrUnexpectedRead otherwise, with the first unexpected failure as context.
func ProbeRead(ctx context.Context, l Ledger, to common.Address, from common.Address, candidates []Candidate) ([]any, int, error) {
	var unexpected error
	for i, c := range candidates {
		outputs, err := l.Read(ctx, &Message{To: to, From: from, Method: c.Method, Args: c.Args})
		if err == nil {
			return outputs, i, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, -1, err
		}
		if IsAbsenceRevert(err) || errors.Is(err, ErrOutputDecode) {
			continue
		}
		if unexpected == nil {
			unexpected = errors.Wrapf(err, "%s", ShapeString(c.Method))
		}
	}
	if unexpected != nil {
		return nil, -1, errors.Wrapf(ErrUnexpectedRead, "%v", unexpected)
	}
	return nil, -1, ErrFieldAbsent
}

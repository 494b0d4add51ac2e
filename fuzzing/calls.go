package fuzzing

import (
	"context"

	"github.com/crytic/ammfuzz/ledger"
	"github.com/crytic/medusa-geth/accounts/abi"
	"github.com/crytic/medusa-geth/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// callVariant is one call shape of an operation along with the arguments for it.
type callVariant struct {
	method abi.Method
	args   []any
}

// variantsExposedBy keeps the variants whose entry point the pool appears to expose. If none appears, all are kept
// so that the ledger, not the heuristic, has the final word.
func variantsExposedBy(m *Machine, variants []callVariant) []callVariant {
	var exposed []callVariant
	for _, v := range variants {
		if m.model.Exposes(v.method) {
			exposed = append(exposed, v)
		}
	}
	if len(exposed) == 0 {
		return variants
	}
	return exposed
}

// executeVariants submits the variants in order and stops at the first one the ledger accepts; the remaining ones are
// never submitted. A variant is rejected when it reverts or its arguments do not encode. A rejected variant is not an
// error unless it is the last one, in which case an *ExhaustedVariantsError listing every attempt is returned. Any
// other error leaves the outcome of the call unknown, so it is returned at once and no further variant is tried.
func (m *Machine) executeVariants(ctx context.Context, operation string, from common.Address, value *uint256.Int, variants []callVariant) (*ledger.CallResult, int, error) {
	exhausted := &ExhaustedVariantsError{Operation: operation}
	for i, v := range variants {
		msg := &ledger.Message{
			To:     m.model.Address(),
			From:   from,
			Method: v.method,
			Args:   v.args,
			Value:  value,
		}
		result, err := m.ledger.Call(ctx, msg)
		if err == nil {
			m.logger.Trace("Accepted ", ledger.ShapeString(v.method), " for ", operation)
			return result, i, nil
		}
		if !isRejection(err) {
			return nil, -1, err
		}
		m.logger.Trace("Rejected ", ledger.ShapeString(v.method), " for ", operation, err)
		exhausted.Attempts = append(exhausted.Attempts, ShapeAttempt{Shape: ledger.ShapeString(v.method), Err: err})
	}
	return nil, -1, exhausted
}

// isRejection reports whether err means the ledger refused the call without applying it.
func isRejection(err error) bool {
	return errors.Is(err, ledger.ErrExecutionReverted) || errors.Is(err, ledger.ErrCalldataEncoding)
}

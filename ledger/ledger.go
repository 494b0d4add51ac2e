// Package ledger abstracts the transactional execution environment hosting the pool: a node or fork that executes
// calls, exposes state and can snapshot and restore it.
package ledger

import (
	"context"
	"math/big"

	"github.com/crytic/medusa-geth/accounts/abi"
	"github.com/crytic/medusa-geth/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// Ledger is the contract between the fuzzing engine and the execution environment.
//
// Call submits a state-changing call. It either applies the call exactly once and returns its result, or leaves state
// untouched and returns an error; a rejected call is reported as an *ExecutionRevertedError.
//
// Read executes a call without changing state and returns its decoded outputs.
type Ledger interface {
	Call(ctx context.Context, msg *Message) (*CallResult, error)
	Read(ctx context.Context, msg *Message) ([]any, error)

	// Code returns the deployed bytecode at addr, empty if none.
	Code(ctx context.Context, addr common.Address) ([]byte, error)
	// Balance returns the native balance of addr.
	Balance(ctx context.Context, addr common.Address) (*uint256.Int, error)
	// CanTransact reports whether the ledger will accept transactions sent from addr.
	CanTransact(ctx context.Context, addr common.Address) (bool, error)

	CurrentBlock(ctx context.Context) (uint64, error)
	CurrentTime(ctx context.Context) (uint64, error)

	// Snapshot captures the current state and returns an id that Revert restores. Reverting consumes the snapshot.
	Snapshot(ctx context.Context) (string, error)
	Revert(ctx context.Context, id string) error

	Close() error
}

// Message describes one invocation of a contract entry point.
type Message struct {
	// To is the contract being called.
	To common.Address
	// From is the caller identity.
	From common.Address
	// Method is the call shape: name, argument types and output types.
	Method abi.Method
	// Args are the argument values, in the Go types the abi package packs (e.g. *big.Int, []*big.Int, bool).
	Args []any
	// Value is the native value attached to the call. Nil means zero.
	Value *uint256.Int
}

// Calldata encodes the selector and arguments.
func (m *Message) Calldata() ([]byte, error) {
	packed, err := m.Method.Inputs.Pack(m.Args...)
	if err != nil {
		return nil, errors.Wrapf(ErrCalldataEncoding, "%s: %v", m.Method.Sig, err)
	}
	return append(append([]byte{}, m.Method.ID...), packed...), nil
}

// ValueBig returns the attached value as a big integer.
func (m *Message) ValueBig() *big.Int {
	if m.Value == nil {
		return new(big.Int)
	}
	return m.Value.ToBig()
}

// CallResult describes a successfully applied state-changing call.
type CallResult struct {
	// Outputs are the decoded return values, if the call shape declares any and the ledger can provide them.
	Outputs []any
	// TxHash identifies the transaction, zero for ledgers without transactions.
	TxHash common.Hash
	// Block is the block the call was included in.
	Block uint64
	// GasUsed is the gas consumed by the call, zero if unknown.
	GasUsed uint64
}

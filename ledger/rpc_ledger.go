package ledger

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/crytic/ammfuzz/logging"
	"github.com/crytic/medusa-geth/common"
	"github.com/crytic/medusa-geth/common/hexutil"
	"github.com/crytic/medusa-geth/rpc"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"
)

// RPCOptions configures an RPCLedger.
type RPCOptions struct {
	// PoolSize is the number of connections used for reads.
	PoolSize int
	// RequestsPerSecond throttles all requests. Zero disables throttling.
	RequestsPerSecond float64
	// Burst is the token bucket size.
	Burst int
	// MaxRetries is the number of attempts for reads.
	MaxRetries int
	// GasLimit is attached to transactions. Zero lets the node estimate.
	GasLimit uint64
	// ReceiptTimeout bounds how long Call waits for a transaction to be mined.
	ReceiptTimeout time.Duration
}

// RPCLedger is a Ledger backed by a development node (anvil, hardhat) reachable over JSON-RPC. State-changing calls
// are preflighted with eth_call so that a rejected call never produces a transaction, then sent with
// eth_sendTransaction from an unlocked or impersonated account.
type RPCLedger struct {
	pool    *ClientPool
	options RPCOptions
	cache   *ReadCache
	logger  *logging.Logger

	// headLock guards head. The head is refreshed lazily and dropped after anything that can change state.
	headLock sync.Mutex
	head     *blockHeader

	// accountsLock guards unlocked, the set of senders the node accepts transactions from.
	accountsLock sync.Mutex
	unlocked     []common.Address
	accountsRead bool
}

// blockHeader holds the fields of eth_getBlockByNumber the ledger needs.
type blockHeader struct {
	Number    hexutil.Uint64 `json:"number"`
	Hash      common.Hash    `json:"hash"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

// transactionArgs is the request object of eth_call and eth_sendTransaction.
type transactionArgs struct {
	From  common.Address  `json:"from"`
	To    common.Address  `json:"to"`
	Input hexutil.Bytes   `json:"input"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Gas   *hexutil.Uint64 `json:"gas,omitempty"`
}

// receipt holds the fields of eth_getTransactionReceipt the ledger needs.
type receipt struct {
	Status      hexutil.Uint64 `json:"status"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	GasUsed     hexutil.Uint64 `json:"gasUsed"`
}

// NewRPCLedger connects to endpoint.
func NewRPCLedger(ctx context.Context, endpoint string, options RPCOptions) (*RPCLedger, error) {
	var limiter *rate.Limiter
	if options.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(options.RequestsPerSecond), options.Burst)
	}
	if options.ReceiptTimeout <= 0 {
		options.ReceiptTimeout = 30 * time.Second
	}
	pool, err := NewClientPool(ctx, endpoint, options.PoolSize, limiter, options.MaxRetries)
	if err != nil {
		return nil, err
	}
	return &RPCLedger{
		pool:    pool,
		options: options,
		cache:   NewReadCache(),
		logger:  logging.GlobalLogger.NewSubLogger("module", logging.LEDGER_SERVICE),
	}, nil
}

// Endpoint returns the node URL.
func (l *RPCLedger) Endpoint() string {
	return l.pool.Endpoint()
}

// CacheStats returns the read cache hit and miss counts.
func (l *RPCLedger) CacheStats() (uint64, uint64) {
	return l.cache.Stats()
}

// Close closes the node connections.
func (l *RPCLedger) Close() error {
	l.pool.Close()
	return nil
}

func (l *RPCLedger) invalidateHead() {
	l.headLock.Lock()
	l.head = nil
	l.headLock.Unlock()
}

func (l *RPCLedger) latestHeader(ctx context.Context) (*blockHeader, error) {
	l.headLock.Lock()
	defer l.headLock.Unlock()
	if l.head != nil {
		return l.head, nil
	}

	var header *blockHeader
	if err := l.pool.Query(ctx, &header, "eth_getBlockByNumber", "latest", false); err != nil {
		return nil, errors.Wrap(err, "could not fetch the latest block")
	}
	if header == nil {
		return nil, errors.New("node returned no latest block")
	}
	l.head = header
	return header, nil
}

// CurrentBlock returns the latest block number.
func (l *RPCLedger) CurrentBlock(ctx context.Context) (uint64, error) {
	l.invalidateHead()
	header, err := l.latestHeader(ctx)
	if err != nil {
		return 0, err
	}
	return uint64(header.Number), nil
}

// CurrentTime returns the timestamp of the latest block.
func (l *RPCLedger) CurrentTime(ctx context.Context) (uint64, error) {
	l.invalidateHead()
	header, err := l.latestHeader(ctx)
	if err != nil {
		return 0, err
	}
	return uint64(header.Timestamp), nil
}

// Read executes msg with eth_call against the latest block. Results are cached by block hash.
func (l *RPCLedger) Read(ctx context.Context, msg *Message) ([]any, error) {
	calldata, err := msg.Calldata()
	if err != nil {
		return nil, err
	}
	header, err := l.latestHeader(ctx)
	if err != nil {
		return nil, err
	}

	key := readCacheKey(msg.To, msg.From, calldata)
	entry, ok := l.cache.Get(header.Hash, key)
	if !ok {
		var result hexutil.Bytes
		args := transactionArgs{From: msg.From, To: msg.To, Input: calldata, Value: (*hexutil.Big)(msg.ValueBig())}
		callErr := l.pool.Query(ctx, &result, "eth_call", args, hexutil.Uint64(header.Number))
		switch reverted, isRevert := asRevert(msg, callErr); {
		case callErr == nil:
			entry = ReadCacheEntry{Data: result}
		case isRevert:
			entry = ReadCacheEntry{Reverted: true, Data: reverted.Data}
		default:
			return nil, errors.Wrapf(callErr, "eth_call %s failed", ShapeString(msg.Method))
		}
		l.cache.Put(header.Hash, key, entry)
	}

	if entry.Reverted {
		return nil, NewExecutionRevertedError(ShapeString(msg.Method), entry.Data)
	}
	return decodeOutputs(msg, entry.Data)
}

// Call preflights msg with eth_call and, if it succeeds, sends it as a transaction and waits for its receipt.
func (l *RPCLedger) Call(ctx context.Context, msg *Message) (*CallResult, error) {
	calldata, err := msg.Calldata()
	if err != nil {
		return nil, err
	}
	args := transactionArgs{From: msg.From, To: msg.To, Input: calldata, Value: (*hexutil.Big)(msg.ValueBig())}
	if l.options.GasLimit > 0 {
		gas := hexutil.Uint64(l.options.GasLimit)
		args.Gas = &gas
	}

	var preflight hexutil.Bytes
	if err = l.pool.Send(ctx, &preflight, "eth_call", args, "latest"); err != nil {
		if reverted, ok := asRevert(msg, err); ok {
			return nil, reverted
		}
		return nil, errors.Wrapf(err, "preflight of %s failed", ShapeString(msg.Method))
	}

	var txHash common.Hash
	err = l.pool.Send(ctx, &txHash, "eth_sendTransaction", args)
	l.invalidateHead()
	if err != nil {
		if reverted, ok := asRevert(msg, err); ok {
			return nil, reverted
		}
		return nil, errors.Wrapf(err, "could not send %s", ShapeString(msg.Method))
	}

	rcpt, err := l.waitForReceipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if rcpt.Status == 0 {
		return nil, NewExecutionRevertedError(ShapeString(msg.Method), nil)
	}

	outputs, err := decodeOutputs(msg, preflight)
	if err != nil {
		// The transaction has been applied; outputs are informational only.
		l.logger.Debug("Could not decode outputs of ", ShapeString(msg.Method), err)
		outputs = nil
	}
	return &CallResult{
		Outputs: outputs,
		TxHash:  txHash,
		Block:   uint64(rcpt.BlockNumber),
		GasUsed: uint64(rcpt.GasUsed),
	}, nil
}

func (l *RPCLedger) waitForReceipt(ctx context.Context, txHash common.Hash) (*receipt, error) {
	deadline := time.Now().Add(l.options.ReceiptTimeout)
	for {
		var rcpt *receipt
		if err := l.pool.Query(ctx, &rcpt, "eth_getTransactionReceipt", txHash); err != nil {
			return nil, errors.Wrapf(err, "could not fetch receipt of %s", txHash.Hex())
		}
		if rcpt != nil {
			return rcpt, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.Errorf("transaction %s was not mined within %s", txHash.Hex(), l.options.ReceiptTimeout)
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		}
	}
}

// Code returns the bytecode deployed at addr.
func (l *RPCLedger) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	var code hexutil.Bytes
	if err := l.pool.Query(ctx, &code, "eth_getCode", addr, "latest"); err != nil {
		return nil, errors.Wrapf(err, "could not fetch code of %s", addr.Hex())
	}
	return code, nil
}

// Balance returns the native balance of addr.
func (l *RPCLedger) Balance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	var balance hexutil.Big
	if err := l.pool.Query(ctx, &balance, "eth_getBalance", addr, "latest"); err != nil {
		return nil, errors.Wrapf(err, "could not fetch balance of %s", addr.Hex())
	}
	v, overflow := uint256.FromBig((*big.Int)(&balance))
	if overflow {
		return nil, errors.Errorf("balance of %s exceeds 256 bits", addr.Hex())
	}
	return v, nil
}

// Impersonate asks the node to accept unsigned transactions from addr. Both the anvil and hardhat method names are
// tried.
func (l *RPCLedger) Impersonate(ctx context.Context, addr common.Address) error {
	var err error
	for _, method := range []string{"anvil_impersonateAccount", "hardhat_impersonateAccount"} {
		if err = l.pool.Send(ctx, nil, method, addr); err == nil {
			l.accountsLock.Lock()
			if !slices.Contains(l.unlocked, addr) {
				l.unlocked = append(l.unlocked, addr)
			}
			l.accountsLock.Unlock()
			return nil
		}
	}
	return errors.Wrapf(err, "could not impersonate %s", addr.Hex())
}

// CanTransact reports whether addr is one of the node's unlocked accounts or has been impersonated.
func (l *RPCLedger) CanTransact(ctx context.Context, addr common.Address) (bool, error) {
	l.accountsLock.Lock()
	defer l.accountsLock.Unlock()
	if !l.accountsRead {
		var accounts []common.Address
		if err := l.pool.Query(ctx, &accounts, "eth_accounts"); err != nil {
			return false, errors.Wrap(err, "could not list node accounts")
		}
		for _, account := range accounts {
			if !slices.Contains(l.unlocked, account) {
				l.unlocked = append(l.unlocked, account)
			}
		}
		l.accountsRead = true
	}
	return slices.Contains(l.unlocked, addr), nil
}

// Snapshot calls evm_snapshot.
func (l *RPCLedger) Snapshot(ctx context.Context) (string, error) {
	var id string
	if err := l.pool.Send(ctx, &id, "evm_snapshot"); err != nil {
		return "", errors.Wrap(err, "evm_snapshot failed")
	}
	return id, nil
}

// Revert calls evm_revert. Node snapshots are single-use, so callers take a new snapshot after reverting.
func (l *RPCLedger) Revert(ctx context.Context, id string) error {
	var ok bool
	err := l.pool.Send(ctx, &ok, "evm_revert", id)
	l.invalidateHead()
	if err != nil {
		return errors.Wrapf(err, "evm_revert %s failed", id)
	}
	if !ok {
		return errors.Errorf("node rejected evm_revert of snapshot %s", id)
	}
	return nil
}

// asRevert converts a node error into an *ExecutionRevertedError when it describes a revert.
func asRevert(msg *Message, err error) (*ExecutionRevertedError, bool) {
	if err == nil {
		return nil, false
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(s); decodeErr == nil {
				return NewExecutionRevertedError(ShapeString(msg.Method), data), true
			}
		}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && strings.Contains(strings.ToLower(rpcErr.Error()), "revert") {
		return NewExecutionRevertedError(ShapeString(msg.Method), nil), true
	}
	return nil, false
}

func decodeOutputs(msg *Message, data []byte) ([]any, error) {
	if len(msg.Method.Outputs) == 0 {
		return nil, nil
	}
	outputs, err := msg.Method.Outputs.Unpack(data)
	if err != nil {
		return nil, errors.Wrapf(ErrOutputDecode, "%s: %v", ShapeString(msg.Method), err)
	}
	return outputs, nil
}

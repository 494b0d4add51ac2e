package ledger

import (
	"context"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/crytic/medusa-geth/common"
	"github.com/crytic/medusa-geth/common/hexutil"
	"github.com/crytic/medusa-geth/rpc"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	getMethod     = MustView("get", nil, []string{"uint256"})
	setMethod     = MustMethod("set", []string{"uint256"}, []string{"uint256"}, false)
	missingMethod = MustView("missing", nil, []string{"uint256"})

	contractAddress = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	nodeAccount     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	otherAccount    = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

// revertError is a node error carrying a revert payload, the way anvil reports reverts.
type revertError struct {
	data []byte
}

func (e *revertError) Error() string          { return "execution reverted" }
func (e *revertError) ErrorCode() int         { return 3 }
func (e *revertError) ErrorData() interface{} { return hexutil.Encode(e.data) }

// fakeNode is a development node hosting one contract with a get/set value. Values above 100 are rejected.
type fakeNode struct {
	lock      sync.Mutex
	value     int64
	block     uint64
	version   int64
	snapshots map[string]fakeSnapshot
	calls     int
	sent      int
}

type fakeSnapshot struct {
	value int64
	block uint64
}

type fakeArgs struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Input hexutil.Bytes  `json:"input"`
}

type fakeReceipt struct {
	Status      hexutil.Uint64 `json:"status"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	GasUsed     hexutil.Uint64 `json:"gasUsed"`
}

func (n *fakeNode) execute(args fakeArgs, apply bool) (hexutil.Bytes, error) {
	if len(args.Input) < 4 {
		return nil, &revertError{}
	}
	selector := args.Input[:4]
	switch {
	case string(selector) == string(getMethod.ID):
		return getMethod.Outputs.Pack(big.NewInt(n.value))
	case string(selector) == string(setMethod.ID):
		unpacked, err := setMethod.Inputs.Unpack(args.Input[4:])
		if err != nil {
			return nil, err
		}
		v := unpacked[0].(*big.Int)
		if v.Cmp(big.NewInt(100)) > 0 {
			payload := append(common.FromHex("0x08c379a0"), mustPackString("too large")...)
			return nil, &revertError{data: payload}
		}
		previous := n.value
		if apply {
			n.value = v.Int64()
		}
		return setMethod.Outputs.Pack(big.NewInt(previous))
	default:
		return nil, &revertError{}
	}
}

func mustPackString(s string) []byte {
	method := MustView("Error", []string{"string"}, nil)
	packed, err := method.Inputs.Pack(s)
	if err != nil {
		panic(err)
	}
	return packed
}

type fakeEth struct{ node *fakeNode }

func (s *fakeEth) GetBlockByNumber(tag string, full bool) map[string]any {
	s.node.lock.Lock()
	defer s.node.lock.Unlock()
	return map[string]any{
		"number":    hexutil.Uint64(s.node.block),
		"hash":      common.BigToHash(big.NewInt(s.node.version)),
		"timestamp": hexutil.Uint64(1_700_000_000 + 12*s.node.block),
	}
}

func (s *fakeEth) Call(args fakeArgs, block string) (hexutil.Bytes, error) {
	s.node.lock.Lock()
	defer s.node.lock.Unlock()
	s.node.calls++
	return s.node.execute(args, false)
}

func (s *fakeEth) SendTransaction(args fakeArgs) (common.Hash, error) {
	s.node.lock.Lock()
	defer s.node.lock.Unlock()
	if _, err := s.node.execute(args, true); err != nil {
		return common.Hash{}, err
	}
	s.node.sent++
	s.node.block++
	s.node.version++
	return common.BigToHash(big.NewInt(int64(s.node.sent))), nil
}

func (s *fakeEth) GetTransactionReceipt(hash common.Hash) *fakeReceipt {
	s.node.lock.Lock()
	defer s.node.lock.Unlock()
	return &fakeReceipt{Status: 1, BlockNumber: hexutil.Uint64(s.node.block), GasUsed: 21_000}
}

func (s *fakeEth) GetCode(addr common.Address, block string) hexutil.Bytes {
	if addr != contractAddress {
		return nil
	}
	return append([]byte{0x60, 0x80, pushSelectorOpcode}, getMethod.ID...)
}

func (s *fakeEth) GetBalance(addr common.Address, block string) *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(5_000))
}

func (s *fakeEth) Accounts() []common.Address {
	return []common.Address{nodeAccount}
}

type fakeEvm struct{ node *fakeNode }

func (s *fakeEvm) Snapshot() string {
	s.node.lock.Lock()
	defer s.node.lock.Unlock()
	id := hexutil.EncodeUint64(uint64(len(s.node.snapshots) + 1))
	s.node.snapshots[id] = fakeSnapshot{value: s.node.value, block: s.node.block}
	return id
}

func (s *fakeEvm) Revert(id string) bool {
	s.node.lock.Lock()
	defer s.node.lock.Unlock()
	snapshot, ok := s.node.snapshots[id]
	if !ok {
		return false
	}
	delete(s.node.snapshots, id)
	s.node.value, s.node.block = snapshot.value, snapshot.block
	s.node.version++
	return true
}

// fakeHardhat answers only the hardhat impersonation method, so the anvil one fails first.
type fakeHardhat struct{}

func (fakeHardhat) ImpersonateAccount(addr common.Address) error {
	return nil
}

// newTestLedger serves a fakeNode over HTTP and connects an RPCLedger to it.
func newTestLedger(t *testing.T) (*RPCLedger, *fakeNode) {
	node := &fakeNode{value: 7, block: 10, snapshots: make(map[string]fakeSnapshot)}
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", &fakeEth{node: node}))
	require.NoError(t, server.RegisterName("evm", &fakeEvm{node: node}))
	require.NoError(t, server.RegisterName("hardhat", fakeHardhat{}))
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)
	t.Cleanup(server.Stop)

	l, err := NewRPCLedger(context.Background(), httpServer.URL, RPCOptions{PoolSize: 2, MaxRetries: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, node
}

func readValue(t *testing.T, l *RPCLedger) int64 {
	outputs, err := l.Read(context.Background(), &Message{To: contractAddress, From: nodeAccount, Method: getMethod})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	return outputs[0].(*big.Int).Int64()
}

// TestRPCLedgerReadCache checks that reads are served from the cache until the head block changes.
func TestRPCLedgerReadCache(t *testing.T) {
	l, node := newTestLedger(t)

	assert.EqualValues(t, 7, readValue(t, l))
	assert.EqualValues(t, 7, readValue(t, l))
	assert.Equal(t, 1, node.calls)
	hits, misses := l.CacheStats()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 1, misses)

	result, err := l.Call(context.Background(), &Message{To: contractAddress, From: nodeAccount, Method: setMethod,
		Args: []any{big.NewInt(42)}})
	require.NoError(t, err)
	assert.EqualValues(t, 11, result.Block)
	assert.EqualValues(t, 21_000, result.GasUsed)
	require.Len(t, result.Outputs, 1)
	assert.EqualValues(t, 7, result.Outputs[0].(*big.Int).Int64())

	assert.EqualValues(t, 42, readValue(t, l))
}

// TestRPCLedgerCallRevert checks that a rejected call is reported with its reason and never sent.
func TestRPCLedgerCallRevert(t *testing.T) {
	l, node := newTestLedger(t)

	_, err := l.Call(context.Background(), &Message{To: contractAddress, From: nodeAccount, Method: setMethod,
		Args: []any{big.NewInt(1000)}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExecutionReverted))
	var reverted *ExecutionRevertedError
	require.True(t, errors.As(err, &reverted))
	assert.Equal(t, "too large", reverted.Reason)
	assert.Equal(t, "set(uint256)", reverted.Method)
	assert.False(t, IsAbsenceRevert(err))
	assert.Zero(t, node.sent)
	assert.EqualValues(t, 7, readValue(t, l))
}

// TestRPCLedgerSnapshotRevert checks that reverting restores the value and the block.
func TestRPCLedgerSnapshotRevert(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	id, err := l.Snapshot(ctx)
	require.NoError(t, err)
	_, err = l.Call(ctx, &Message{To: contractAddress, From: nodeAccount, Method: setMethod, Args: []any{big.NewInt(3)}})
	require.NoError(t, err)
	block, err := l.CurrentBlock(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 11, block)

	require.NoError(t, l.Revert(ctx, id))
	assert.EqualValues(t, 7, readValue(t, l))
	block, err = l.CurrentBlock(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 10, block)
	now, err := l.CurrentTime(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1_700_000_120, now)

	assert.Error(t, l.Revert(ctx, id))
}

// TestRPCLedgerAccounts checks unlocked accounts and impersonation through the fallback method name.
func TestRPCLedgerAccounts(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	ok, err := l.CanTransact(ctx, nodeAccount)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.CanTransact(ctx, otherAccount)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Impersonate(ctx, otherAccount))
	ok, err = l.CanTransact(ctx, otherAccount)
	require.NoError(t, err)
	assert.True(t, ok)

	balance, err := l.Balance(ctx, otherAccount)
	require.NoError(t, err)
	assert.EqualValues(t, 5_000, balance.Uint64())

	code, err := l.Code(ctx, contractAddress)
	require.NoError(t, err)
	assert.True(t, CodeExposes(code, getMethod))
	assert.False(t, CodeExposes(code, setMethod))
}

// TestProbeRead checks candidate fallback and the classification of failed probes.
func TestProbeRead(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	outputs, index, err := ProbeRead(ctx, l, contractAddress, nodeAccount, []Candidate{
		{Method: missingMethod},
		{Method: getMethod},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, index)
	assert.EqualValues(t, 7, outputs[0].(*big.Int).Int64())

	_, index, err = ProbeRead(ctx, l, contractAddress, nodeAccount, []Candidate{{Method: missingMethod}})
	assert.Equal(t, -1, index)
	assert.True(t, errors.Is(err, ErrFieldAbsent))

	_, _, err = ProbeRead(ctx, l, contractAddress, nodeAccount, []Candidate{
		{Method: missingMethod},
		{Method: setMethod, Args: []any{big.NewInt(500)}},
	})
	assert.True(t, errors.Is(err, ErrUnexpectedRead))
	assert.Contains(t, err.Error(), "too large")
}

// TestReadCacheBlockScope checks that entries of one block are never served for another.
func TestReadCacheBlockScope(t *testing.T) {
	cache := NewReadCache()
	first, second := common.HexToHash("0x01"), common.HexToHash("0x02")
	key := readCacheKey(contractAddress, nodeAccount, getMethod.ID)

	cache.Put(first, key, ReadCacheEntry{Data: []byte{1}})
	entry, ok := cache.Get(first, key)
	require.True(t, ok)
	assert.Equal(t, []byte{1}, entry.Data)

	_, ok = cache.Get(second, key)
	assert.False(t, ok)
	cache.Put(second, key, ReadCacheEntry{Reverted: true})
	_, ok = cache.Get(first, key)
	assert.False(t, ok)

	hits, misses := cache.Stats()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 2, misses)
}

// TestShapes checks call shape construction and rendering.
func TestShapes(t *testing.T) {
	m, err := NewMethod("add_liquidity", []string{"uint256[2]", "uint256"}, []string{"uint256"}, true)
	require.NoError(t, err)
	assert.Equal(t, "add_liquidity(uint256[2],uint256)", ShapeString(m))
	assert.Equal(t, "payable", m.StateMutability)

	_, err = NewMethod("broken", []string{"uint257"}, nil, false)
	assert.Error(t, err)

	reverted := NewExecutionRevertedError("exchange(int128,int128,uint256,uint256)", nil)
	assert.True(t, IsAbsenceRevert(reverted))
	assert.Equal(t, "exchange(int128,int128,uint256,uint256) reverted", reverted.Error())
	assert.Contains(t, NewExecutionRevertedError("x()", []byte{0xde, 0xad}).Error(), "0xdead")
	assert.Len(t, m.ID, 4)
}

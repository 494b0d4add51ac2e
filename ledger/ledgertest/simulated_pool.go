// Package ledgertest provides an in-memory ledger hosting a scriptable Curve-style pool for tests.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/crytic/ammfuzz/ledger"
	"github.com/crytic/medusa-geth/common"
	"github.com/crytic/medusa-geth/crypto"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// Default addresses used by the simulated pool.
var (
	PoolAddress  = common.HexToAddress("0x00000000000000000000000000000000000a0001")
	AdminAddress = common.HexToAddress("0x00000000000000000000000000000000000a0002")
	NativeCoin   = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")
)

// StableswapEntryPoints is the interface of a plain two-coin stableswap pool.
var StableswapEntryPoints = []string{
	"D()",
	"balances(uint256)",
	"N_COINS()",
	"get_virtual_price()",
	"A()",
	"coins(uint256)",
	"exchange(int128,int128,uint256,uint256)",
	"add_liquidity(uint256[2],uint256)",
	"remove_liquidity_one_coin(uint256,int128,uint256)",
	"ramp_A(uint256,uint256)",
}

// CallHandler implements a state-changing entry point. It runs with the pool locked and may mutate State. Returning
// an *ledger.ExecutionRevertedError rejects the call; State is then restored.
type CallHandler func(state *State, msg *ledger.Message) error

// ReadHandler implements a read-only entry point, returning values in the Go types the abi package encodes.
type ReadHandler func(state *State, msg *ledger.Message) ([]any, error)

// State is the mutable state of the simulated pool.
type State struct {
	D            *big.Int
	Balances     []*big.Int
	VirtualPrice *big.Int
	A            *big.Int
	Gamma        *big.Int
	Coins        []common.Address
	Block        uint64
	Time         uint64
}

func (s *State) clone() *State {
	c := &State{
		D:            cloneBig(s.D),
		VirtualPrice: cloneBig(s.VirtualPrice),
		A:            cloneBig(s.A),
		Gamma:        cloneBig(s.Gamma),
		Coins:        append([]common.Address{}, s.Coins...),
		Block:        s.Block,
		Time:         s.Time,
		Balances:     make([]*big.Int, len(s.Balances)),
	}
	for i, b := range s.Balances {
		c.Balances[i] = cloneBig(b)
	}
	return c
}

func cloneBig(b *big.Int) *big.Int {
	if b == nil {
		return nil
	}
	return new(big.Int).Set(b)
}

// LoggedCall is one request received by the simulated pool.
type LoggedCall struct {
	// Kind is "call" for state-changing calls and "read" for reads.
	Kind     string
	Sig      string
	From     common.Address
	Args     []any
	Value    *uint256.Int
	Reverted bool
}

// SimulatedPool is a ledger.Ledger hosting one pool contract. Entry points that are not exposed behave like a
// missing selector: the call reverts with no data.
type SimulatedPool struct {
	lock sync.Mutex

	state     *State
	exposed   map[string]bool
	calls     map[string]CallHandler
	reads     map[string]ReadHandler
	readFails map[string]error
	decimals  map[common.Address]uint8
	locked    map[common.Address]bool
	balances  map[common.Address]*uint256.Int

	snapshots []*State
	log       []LoggedCall
}

// NewSimulatedPool creates a two-coin pool with the given D and balances exposing StableswapEntryPoints.
func NewSimulatedPool(d int64, balances ...int64) *SimulatedPool {
	state := &State{
		D:            big.NewInt(d),
		VirtualPrice: big.NewInt(1_000_000_000_000_000_000),
		A:            big.NewInt(100),
		Gamma:        big.NewInt(0),
		Coins: []common.Address{
			common.HexToAddress("0x00000000000000000000000000000000000c0001"),
			common.HexToAddress("0x00000000000000000000000000000000000c0002"),
		},
		Block: 1,
		Time:  1_700_000_000,
	}
	for _, b := range balances {
		state.Balances = append(state.Balances, big.NewInt(b))
	}
	p := &SimulatedPool{
		state:     state,
		exposed:   make(map[string]bool),
		calls:     make(map[string]CallHandler),
		reads:     make(map[string]ReadHandler),
		readFails: make(map[string]error),
		decimals:  make(map[common.Address]uint8),
		locked:    make(map[common.Address]bool),
		balances:  make(map[common.Address]*uint256.Int),
	}
	p.Expose(StableswapEntryPoints...)
	for _, coin := range state.Coins {
		p.decimals[coin] = 18
	}
	return p
}

// Expose adds entry points, given as signatures like "balances(uint256)".
func (p *SimulatedPool) Expose(sigs ...string) *SimulatedPool {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, sig := range sigs {
		p.exposed[sig] = true
	}
	return p
}

// Hide removes entry points.
func (p *SimulatedPool) Hide(sigs ...string) *SimulatedPool {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, sig := range sigs {
		delete(p.exposed, sig)
	}
	return p
}

// HandleCall overrides the behavior of every state-changing entry point with the given name, whatever its shape.
func (p *SimulatedPool) HandleCall(name string, handler CallHandler) *SimulatedPool {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.calls[name] = handler
	return p
}

// HandleRead overrides the behavior of a read-only entry point, identified by signature.
func (p *SimulatedPool) HandleRead(sig string, handler ReadHandler) *SimulatedPool {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.reads[sig] = handler
	return p
}

// FailRead makes reads of sig fail with err, as a flaky node would.
func (p *SimulatedPool) FailRead(sig string, err error) *SimulatedPool {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.readFails[sig] = err
	return p
}

// Lock makes the ledger refuse transactions from addr.
func (p *SimulatedPool) Lock(addr common.Address) *SimulatedPool {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.locked[addr] = true
	return p
}

// SetNativeBalance sets the native balance reported for addr.
func (p *SimulatedPool) SetNativeBalance(addr common.Address, amount uint64) *SimulatedPool {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.balances[addr] = uint256.NewInt(amount)
	return p
}

// SetDecimals sets the decimals() reported by a token.
func (p *SimulatedPool) SetDecimals(token common.Address, decimals uint8) *SimulatedPool {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.decimals[token] = decimals
	return p
}

// Mutate runs f against the pool state under the lock.
func (p *SimulatedPool) Mutate(f func(state *State)) {
	p.lock.Lock()
	defer p.lock.Unlock()
	f(p.state)
}

// State returns a copy of the current state.
func (p *SimulatedPool) State() *State {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.state.clone()
}

// Log returns the requests received so far.
func (p *SimulatedPool) Log() []LoggedCall {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]LoggedCall{}, p.log...)
}

// CallsTo returns the state-changing requests whose signature starts with prefix.
func (p *SimulatedPool) CallsTo(prefix string) []LoggedCall {
	var out []LoggedCall
	for _, c := range p.Log() {
		if c.Kind == "call" && strings.HasPrefix(c.Sig, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// ClearLog forgets logged requests.
func (p *SimulatedPool) ClearLog() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.log = nil
}

func absent(sig string) error {
	return ledger.NewExecutionRevertedError(sig, nil)
}

// Revert returns a revert error carrying an Error(string) reason, as a contract require() would.
func Revert(sig string, reason string) error {
	data := append(crypto.Keccak256([]byte("Error(string)"))[:4], encodeString(reason)...)
	return ledger.NewExecutionRevertedError(sig, data)
}

func encodeString(s string) []byte {
	offset := common.LeftPadBytes(big.NewInt(32).Bytes(), 32)
	length := common.LeftPadBytes(big.NewInt(int64(len(s))).Bytes(), 32)
	padded := make([]byte, (len(s)+31)/32*32)
	copy(padded, s)
	return append(append(offset, length...), padded...)
}

// Call executes a state-changing call. Rejected calls leave the state untouched.
func (p *SimulatedPool) Call(ctx context.Context, msg *ledger.Message) (*ledger.CallResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	p.lock.Lock()
	defer p.lock.Unlock()

	entry := LoggedCall{Kind: "call", Sig: msg.Method.Sig, From: msg.From, Args: msg.Args, Value: msg.Value}
	if _, err := msg.Calldata(); err != nil {
		entry.Reverted = true
		p.log = append(p.log, entry)
		return nil, err
	}

	var err error
	switch {
	case p.locked[msg.From]:
		err = errors.Errorf("sender %s is not unlocked", msg.From.Hex())
	case msg.To != PoolAddress || !p.exposed[msg.Method.Sig]:
		err = absent(msg.Method.Sig)
	default:
		before := p.state.clone()
		handler, ok := p.calls[msg.Method.RawName]
		if !ok {
			handler = defaultCall
		}
		if err = handler(p.state, msg); err != nil {
			p.state = before
		} else {
			p.state.Block++
			p.state.Time += 12
		}
	}
	entry.Reverted = err != nil
	p.log = append(p.log, entry)
	if err != nil {
		return nil, err
	}
	return &ledger.CallResult{Block: p.state.Block}, nil
}

// Read executes a read-only call, round-tripping outputs through the ABI codec.
func (p *SimulatedPool) Read(ctx context.Context, msg *ledger.Message) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.log = append(p.log, LoggedCall{Kind: "read", Sig: msg.Method.Sig, From: msg.From, Args: msg.Args})

	if err, ok := p.readFails[msg.Method.Sig]; ok {
		return nil, err
	}

	var values []any
	var err error
	if msg.To != PoolAddress {
		decimals, known := p.decimals[msg.To]
		if !known || msg.Method.Sig != "decimals()" {
			return nil, absent(msg.Method.Sig)
		}
		values = []any{decimals}
	} else {
		if !p.exposed[msg.Method.Sig] {
			return nil, absent(msg.Method.Sig)
		}
		handler, ok := p.reads[msg.Method.Sig]
		if !ok {
			handler = defaultRead
		}
		if values, err = handler(p.state, msg); err != nil {
			return nil, err
		}
	}

	packed, err := msg.Method.Outputs.Pack(values...)
	if err != nil {
		return nil, errors.Wrapf(ledger.ErrOutputDecode, "%s: %v", msg.Method.Sig, err)
	}
	outputs, err := msg.Method.Outputs.Unpack(packed)
	if err != nil {
		return nil, errors.Wrapf(ledger.ErrOutputDecode, "%s: %v", msg.Method.Sig, err)
	}
	return outputs, nil
}

// Code returns bytecode holding a PUSH4 of every exposed selector.
func (p *SimulatedPool) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if addr != PoolAddress {
		return nil, nil
	}
	code := []byte{0x60, 0x80, 0x60, 0x40, 0x52}
	for sig := range p.exposed {
		code = append(code, 0x63)
		code = append(code, crypto.Keccak256([]byte(sig))[:4]...)
		code = append(code, 0x14)
	}
	return code, nil
}

// Balance returns the native balance set with SetNativeBalance, or 1 ether.
func (p *SimulatedPool) Balance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if b, ok := p.balances[addr]; ok {
		return new(uint256.Int).Set(b), nil
	}
	return uint256.NewInt(1_000_000_000_000_000_000), nil
}

// CanTransact is false only for locked addresses.
func (p *SimulatedPool) CanTransact(ctx context.Context, addr common.Address) (bool, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return !p.locked[addr], nil
}

// CurrentBlock returns the simulated block number.
func (p *SimulatedPool) CurrentBlock(ctx context.Context) (uint64, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.state.Block, nil
}

// CurrentTime returns the simulated block timestamp.
func (p *SimulatedPool) CurrentTime(ctx context.Context) (uint64, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.state.Time, nil
}

// Snapshot saves the state. Ids are hex counters, like a development node's.
func (p *SimulatedPool) Snapshot(ctx context.Context) (string, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.snapshots = append(p.snapshots, p.state.clone())
	return fmt.Sprintf("0x%x", len(p.snapshots)), nil
}

// Revert restores a snapshot and discards it along with every later one.
func (p *SimulatedPool) Revert(ctx context.Context, id string) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	var idx int
	if _, err := fmt.Sscanf(id, "0x%x", &idx); err != nil || idx < 1 || idx > len(p.snapshots) {
		return errors.Errorf("unknown snapshot %s", id)
	}
	p.state = p.snapshots[idx-1]
	p.snapshots = p.snapshots[:idx-1]
	return nil
}

// Close is a no-op.
func (p *SimulatedPool) Close() error {
	return nil
}

// Package pool mirrors the externally observable state of the pool under test.
package pool

import (
	"context"
	"math/big"
	"reflect"

	"github.com/crytic/ammfuzz/ledger"
	"github.com/crytic/ammfuzz/logging"
	"github.com/crytic/medusa-geth/accounts/abi"
	"github.com/crytic/medusa-geth/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Native asset sentinels. A coin at either address is paid with the call's native value.
var (
	NativeSentinel = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")
	ZeroAddress    = common.Address{}
)

// defaultCoinCount is used when the pool exposes no coin count and none is configured.
const defaultCoinCount = 2

// nativeDecimals is the decimal scale of the native asset.
const nativeDecimals = 18

// Config configures a Model.
type Config struct {
	// Address is the pool contract.
	Address common.Address
	// Reader is the identity reads are issued from.
	Reader common.Address
	// NCoins is used when the pool has no coin count getter. Zero means 2.
	NCoins int
	// StrictReads makes unexpected read failures errors instead of defaulting the field.
	StrictReads bool
	// OnDegradedRead, if set, is told about every field defaulted because of an unexpected failure.
	OnDegradedRead func(field string, err error)
}

// Coin describes one asset of the pool.
type Coin struct {
	Address  common.Address
	Native   bool
	Decimals uint8
}

// Model queries the ledger for the pool's observable state. It holds no mutable state beyond what it discovers at
// construction and is safe to share between the operations of one machine.
type Model struct {
	ledger ledger.Ledger
	config Config
	logger *logging.Logger

	nCoins       int
	coins        []Coin
	capabilities *Capabilities
}

// NewModel discovers the coin count, the coins and the exposed entry points of the pool.
func NewModel(ctx context.Context, l ledger.Ledger, config Config) (*Model, error) {
	m := &Model{
		ledger: l,
		config: config,
		logger: logging.GlobalLogger.NewSubLogger("module", logging.POOL_SERVICE),
	}

	code, err := l.Code(ctx, config.Address)
	if err != nil {
		return nil, err
	}
	if len(code) == 0 {
		return nil, errors.Errorf("no contract deployed at pool address %s", config.Address.Hex())
	}
	m.capabilities = NewCapabilities(code)

	m.nCoins, err = m.discoverCoinCount(ctx)
	if err != nil {
		return nil, err
	}
	if m.nCoins < 2 {
		return nil, errors.Errorf("pool reports %d coins, at least 2 are required", m.nCoins)
	}
	if m.coins, err = m.discoverCoins(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Address returns the pool address.
func (m *Model) Address() common.Address {
	return m.config.Address
}

// NCoins returns the number of coins.
func (m *Model) NCoins() int {
	return m.nCoins
}

// Coins returns the discovered coins.
func (m *Model) Coins() []Coin {
	return append([]Coin{}, m.coins...)
}

// Capabilities returns the entry points detected in the pool's bytecode.
func (m *Model) Capabilities() *Capabilities {
	return m.capabilities
}

// resolve applies the default policy to a failed read: absence always defaults, an unexpected failure defaults only
// in lenient mode.
func (m *Model) resolve(field string, err error) error {
	if errors.Is(err, ledger.ErrFieldAbsent) {
		m.logger.Trace("Field ", field, " is not exposed by the pool, using default")
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if m.config.StrictReads {
		return errors.Wrapf(err, "could not read %s", field)
	}
	m.logger.Warn("Could not read ", field, " from the pool, using default", err)
	if m.config.OnDegradedRead != nil {
		m.config.OnDegradedRead(field, err)
	}
	return nil
}

func (m *Model) probe(ctx context.Context, candidates []ledger.Candidate) ([]any, int, error) {
	return ledger.ProbeRead(ctx, m.ledger, m.config.Address, m.config.Reader, candidates)
}

func (m *Model) discoverCoinCount(ctx context.Context) (int, error) {
	fallback := m.config.NCoins
	if fallback == 0 {
		fallback = defaultCoinCount
	}
	outputs, _, err := m.probe(ctx, nCoinsCandidates())
	if err != nil {
		return fallback, m.resolve("N_COINS", err)
	}
	n, ok := outputs[0].(*big.Int)
	if !ok || !n.IsInt64() || n.Int64() > 8 {
		return 0, errors.Errorf("pool reports an implausible coin count %v", outputs[0])
	}
	return int(n.Int64()), nil
}

func (m *Model) discoverCoins(ctx context.Context) ([]Coin, error) {
	coins := make([]Coin, m.nCoins)
	for i := range coins {
		outputs, _, err := m.probe(ctx, coinCandidates(i))
		if err != nil {
			if err = m.resolve("coins", err); err != nil {
				return nil, err
			}
			coins[i] = Coin{Decimals: nativeDecimals}
			continue
		}
		addr, _ := outputs[0].(common.Address)
		coin := Coin{Address: addr, Decimals: nativeDecimals}
		if addr == NativeSentinel || addr == ZeroAddress {
			coin.Native = true
		} else {
			decimals, _, err := ledger.ProbeRead(ctx, m.ledger, addr, m.config.Reader, single(methodDecimals))
			if err != nil {
				if err = m.resolve("decimals", err); err != nil {
					return nil, err
				}
			} else if d, ok := decimals[0].(uint8); ok {
				coin.Decimals = d
			}
		}
		coins[i] = coin
	}
	return coins, nil
}

// D reads the invariant value. An absent getter yields zero.
func (m *Model) D(ctx context.Context) (decimal.Decimal, error) {
	raw, err := m.readUint(ctx, "D", single(methodD))
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(raw, 0), nil
}

// Balance reads the balance of coin i, trying the function form, the int128 form and the array form in turn. A
// balance that cannot be read yields zero.
func (m *Model) Balance(ctx context.Context, i int) (*big.Int, error) {
	outputs, idx, err := m.probe(ctx, balanceCandidates(i, m.nCoins))
	if err != nil {
		return new(big.Int), m.resolve("balances", err)
	}
	if idx == 2 {
		return arrayElement(outputs[0], i)
	}
	return toBig(outputs[0])
}

// VirtualPrice reads the virtual price, or returns nil if the pool has none.
func (m *Model) VirtualPrice(ctx context.Context) (*decimal.Decimal, error) {
	outputs, _, err := m.probe(ctx, single(methodVirtualPrice))
	if err != nil {
		return nil, m.resolve("get_virtual_price", err)
	}
	raw, err := toBig(outputs[0])
	if err != nil {
		return nil, err
	}
	vp := decimal.NewFromBigInt(raw, 0)
	return &vp, nil
}

// A reads the amplification coefficient. An absent getter yields zero.
func (m *Model) A(ctx context.Context) (*big.Int, error) {
	return m.readUint(ctx, "A", single(methodA))
}

// Gamma reads gamma and reports whether the pool has it.
func (m *Model) Gamma(ctx context.Context) (*big.Int, bool, error) {
	outputs, _, err := m.probe(ctx, single(methodGamma))
	if err != nil {
		return nil, false, m.resolve("gamma", err)
	}
	v, err := toBig(outputs[0])
	return v, err == nil, err
}

func (m *Model) readUint(ctx context.Context, field string, candidates []ledger.Candidate) (*big.Int, error) {
	outputs, _, err := m.probe(ctx, candidates)
	if err != nil {
		return new(big.Int), m.resolve(field, err)
	}
	return toBig(outputs[0])
}

// Refresh reads a point-in-time view of the pool.
func (m *Model) Refresh(ctx context.Context) (*Snapshot, error) {
	block, err := m.ledger.CurrentBlock(ctx)
	if err != nil {
		return nil, err
	}
	d, err := m.D(ctx)
	if err != nil {
		return nil, err
	}
	balances := make([]*big.Int, m.nCoins)
	for i := range balances {
		if balances[i], err = m.Balance(ctx, i); err != nil {
			return nil, err
		}
	}
	vp, err := m.VirtualPrice(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{D: d, Balances: balances, VirtualPrice: vp, Block: block}, nil
}

func toBig(v any) (*big.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, errors.Errorf("expected an integer output, got %T", v)
	}
	return new(big.Int).Set(b), nil
}

// arrayElement extracts element i of a decoded integer array. Fixed-size arrays decode to Go arrays, so this goes
// through reflection.
func arrayElement(v any, i int) (*big.Int, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Array && rv.Kind() != reflect.Slice {
		return nil, errors.Errorf("expected an integer array output, got %T", v)
	}
	if i >= rv.Len() {
		return nil, errors.Errorf("balance index %d out of range", i)
	}
	return toBig(rv.Index(i).Interface())
}

// Exposes reports whether the pool is believed to expose the entry point.
func (m *Model) Exposes(method abi.Method) bool {
	return m.capabilities.Exposes(method)
}

package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/crytic/ammfuzz/utils"
	"github.com/crytic/ammfuzz/version"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Operation names as they appear in OperationWeights.
const (
	OperationExchange           = "exchange"
	OperationAddLiquidity       = "add_liquidity"
	OperationRemoveLiquidityOne = "remove_liquidity_one"
	OperationRampA              = "ramp_A"
)

// ProjectConfig is the full configuration of a fuzzing campaign against one pool.
type ProjectConfig struct {
	// Version is the config schema version. It must satisfy version.SupportedConfigVersions.
	Version string `json:"version"`

	// Fuzzing describes how examples are generated, checked and recorded.
	Fuzzing FuzzingConfig `json:"fuzzing"`

	// Pool describes the contract under test and the identities that drive it.
	Pool PoolConfig `json:"pool"`

	// Chain describes how to reach the node hosting the pool.
	Chain ChainConfig `json:"chain"`

	// Logging describes the configuration used for logging.
	Logging LoggingConfig `json:"logging"`
}

// FuzzingConfig describes the campaign parameters used by fuzzing.Fuzzer.
type FuzzingConfig struct {
	// Workers is the number of machine instances run in parallel. Each worker needs its own isolated ledger, so this
	// is capped by the number of RPC endpoints configured.
	Workers int `json:"workers"`

	// MaxExamples is the total number of randomized examples (traces) generated per campaign.
	MaxExamples int `json:"maxExamples"`

	// StatefulStepCount is the maximum number of steps per example.
	StatefulStepCount int `json:"statefulStepCount"`

	// Deadline is a per-step wall-clock cap in milliseconds. A step exceeding it is recorded as a failure. Zero
	// disables the check.
	Deadline int `json:"deadline"`

	// ExampleTimeout is a per-example cap in seconds. An example exceeding it is abandoned between steps and is not
	// reported as a failure. Zero disables the cap.
	ExampleTimeout int `json:"exampleTimeout"`

	// Timeout caps the whole campaign in seconds. Zero disables it.
	Timeout int `json:"timeout"`

	// Seed seeds the example generator. Zero selects a time-based seed.
	Seed int64 `json:"seed"`

	// FailureDirectory is where failure records and the trace store are written.
	FailureDirectory string `json:"failureDirectory"`

	// StopOnFailure stops the campaign after the first failing example.
	StopOnFailure bool `json:"stopOnFailure"`

	// ShrinkEnabled minimizes failing traces before storing them.
	ShrinkEnabled bool `json:"shrinkEnabled"`

	// ShrinkLimit bounds the number of replays spent minimizing one trace.
	ShrinkLimit int `json:"shrinkLimit"`

	// StrictReads turns unexpected pool read failures into example failures instead of defaulting to zero.
	StrictReads bool `json:"strictReads"`

	// DropThreshold is the fraction by which D may fall between consecutive observations before it is flagged.
	DropThreshold string `json:"dropThreshold"`

	// RampDuration is the number of seconds added to the ledger time to form the ramp completion time.
	RampDuration uint64 `json:"rampDuration"`

	// BenignRevertPatterns lists revert-reason substrings that end a step without failing the example.
	BenignRevertPatterns []string `json:"benignRevertPatterns"`

	// OperationWeights biases operation selection. Missing operations default to a weight of 1; zero disables one.
	OperationWeights map[string]uint64 `json:"operationWeights"`

	// Bounds are the argument domains of each operation.
	Bounds BoundsConfig `json:"bounds"`

	// MetricsAddress, if set, serves Prometheus metrics on this address for the duration of the campaign.
	MetricsAddress string `json:"metricsAddress"`
}

// BoundsConfig holds the inclusive argument domains of each operation.
type BoundsConfig struct {
	// Exchange bounds the input amount dx of exchange.
	Exchange Range `json:"exchange"`
	// Deposit bounds each per-coin amount of add_liquidity.
	Deposit Range `json:"deposit"`
	// Withdraw bounds the LP amount of remove_liquidity_one.
	Withdraw Range `json:"withdraw"`
	// RampA bounds the target amplification of ramp_A.
	RampA Range `json:"rampA"`
}

// PoolConfig identifies the pool and its actors.
type PoolConfig struct {
	// Address is the pool contract. Required.
	Address string `json:"address"`

	// AdminAddress is the pool administrator. When empty the ramp operation is never eligible.
	AdminAddress string `json:"adminAddress"`

	// WhaleAddress is a funded account used to seed actor balances. It is only used by the bootstrap.
	WhaleAddress string `json:"whaleAddress"`

	// SenderAddresses are the actors that submit operations. The first one is the default caller.
	SenderAddresses []string `json:"senderAddresses"`

	// NCoins overrides the coin count when the pool exposes no coin count getter. Zero means 2.
	NCoins int `json:"nCoins"`
}

// ChainConfig describes the node connection.
type ChainConfig struct {
	// RPCEndpoint is the JSON-RPC endpoint of the node or fork.
	RPCEndpoint string `json:"rpcEndpoint"`

	// AdditionalEndpoints are extra isolated nodes. Worker i uses endpoint i.
	AdditionalEndpoints []string `json:"additionalEndpoints"`

	// ClientPoolSize is the number of connections opened per endpoint for reads.
	ClientPoolSize int `json:"clientPoolSize"`

	// RequestsPerSecond throttles requests per endpoint. Zero disables throttling.
	RequestsPerSecond float64 `json:"requestsPerSecond"`

	// Burst is the token bucket size used with RequestsPerSecond.
	Burst int `json:"burst"`

	// MaxRetries is the number of attempts for read requests. State-changing requests are never retried.
	MaxRetries int `json:"maxRetries"`

	// ImpersonateAccounts asks the node to unlock the actors and admin before the campaign.
	ImpersonateAccounts bool `json:"impersonateAccounts"`

	// GasLimit is attached to every state-changing transaction. Zero lets the node estimate.
	GasLimit uint64 `json:"gasLimit"`
}

// LoggingConfig describes the configuration options used for logging.
type LoggingConfig struct {
	// Level is the minimum severity that is emitted.
	Level zerolog.Level `json:"level"`

	// LogDirectory, if set, receives a structured JSON log file per campaign.
	LogDirectory string `json:"logDirectory"`

	// NoColor disables ANSI colors on console output.
	NoColor bool `json:"noColor"`
}

// ReadProjectConfigFromFile reads a JSON project configuration on top of the defaults.
func ReadProjectConfigFromFile(path string) (*ProjectConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	projectConfig := GetDefaultProjectConfig()
	if err = json.Unmarshal(b, projectConfig); err != nil {
		return nil, errors.Wrapf(err, "could not parse project config %s", path)
	}
	return projectConfig, nil
}

// WriteToFile writes the configuration as indented JSON.
func (p *ProjectConfig) WriteToFile(path string) error {
	b, err := json.MarshalIndent(p, "", "\t")
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.WriteFile(path, b, 0644))
}

// Endpoints returns the primary endpoint followed by the additional ones.
func (c ChainConfig) Endpoints() []string {
	endpoints := make([]string, 0, 1+len(c.AdditionalEndpoints))
	if c.RPCEndpoint != "" {
		endpoints = append(endpoints, c.RPCEndpoint)
	}
	return append(endpoints, c.AdditionalEndpoints...)
}

// DropThresholdDecimal parses DropThreshold.
func (f FuzzingConfig) DropThresholdDecimal() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(f.DropThreshold)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "invalid drop threshold %q", f.DropThreshold)
	}
	return d, nil
}

// Weight returns the selection weight of an operation.
func (f FuzzingConfig) Weight(operation string) uint64 {
	if w, ok := f.OperationWeights[operation]; ok {
		return w
	}
	return 1
}

// Validate checks the configuration once at startup.
func (p *ProjectConfig) Validate() error {
	if err := validateSchemaVersion(p.Version); err != nil {
		return err
	}

	if p.Fuzzing.Workers <= 0 {
		return errors.Errorf("fuzzer worker count must be a positive number")
	}
	if p.Fuzzing.MaxExamples <= 0 {
		return errors.Errorf("max examples must be a positive number")
	}
	if p.Fuzzing.StatefulStepCount <= 0 {
		return errors.Errorf("stateful step count must be a positive number")
	}
	if p.Fuzzing.Deadline < 0 || p.Fuzzing.ExampleTimeout < 0 || p.Fuzzing.Timeout < 0 {
		return errors.Errorf("deadline and timeouts must not be negative")
	}
	if p.Fuzzing.ShrinkEnabled && p.Fuzzing.ShrinkLimit <= 0 {
		return errors.Errorf("shrink limit must be a positive number when shrinking is enabled")
	}
	if p.Fuzzing.FailureDirectory == "" {
		return errors.Errorf("failure directory must be set")
	}
	threshold, err := p.Fuzzing.DropThresholdDecimal()
	if err != nil {
		return err
	}
	if threshold.IsNegative() || threshold.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return errors.Errorf("drop threshold must be in [0, 1)")
	}
	for name := range p.Fuzzing.OperationWeights {
		switch name {
		case OperationExchange, OperationAddLiquidity, OperationRemoveLiquidityOne, OperationRampA:
		default:
			return errors.Errorf("unknown operation %q in operation weights", name)
		}
	}
	for name, r := range map[string]Range{
		"exchange": p.Fuzzing.Bounds.Exchange,
		"deposit":  p.Fuzzing.Bounds.Deposit,
		"withdraw": p.Fuzzing.Bounds.Withdraw,
		"rampA":    p.Fuzzing.Bounds.RampA,
	} {
		if err := r.Validate(); err != nil {
			return errors.Wrapf(err, "invalid %s bounds", name)
		}
	}

	if p.Pool.Address == "" {
		return errors.Errorf("pool address must be set (config pool.address or POOL_ADDRESS)")
	}
	if _, err := utils.HexStringToAddress(p.Pool.Address); err != nil {
		return errors.Wrap(err, "malformed pool address")
	}
	if p.Pool.AdminAddress != "" {
		if _, err := utils.HexStringToAddress(p.Pool.AdminAddress); err != nil {
			return errors.Wrap(err, "malformed admin address")
		}
	}
	if p.Pool.WhaleAddress != "" {
		if _, err := utils.HexStringToAddress(p.Pool.WhaleAddress); err != nil {
			return errors.Wrap(err, "malformed whale address")
		}
	}
	if len(p.Pool.SenderAddresses) == 0 {
		return errors.Errorf("at least one sender address is required")
	}
	if _, err := utils.HexStringsToAddresses(p.Pool.SenderAddresses); err != nil {
		return errors.Wrap(err, "malformed sender address(es)")
	}
	if p.Pool.NCoins != 0 && p.Pool.NCoins < 2 {
		return errors.Errorf("pool coin count must be at least 2")
	}

	endpoints := p.Chain.Endpoints()
	if len(endpoints) == 0 {
		return errors.Errorf("an RPC endpoint must be set (config chain.rpcEndpoint or RPC_ENDPOINT)")
	}
	if p.Fuzzing.Workers > len(endpoints) {
		return errors.Errorf("%d workers need %d isolated RPC endpoints, only %d configured", p.Fuzzing.Workers, p.Fuzzing.Workers, len(endpoints))
	}
	if p.Chain.ClientPoolSize <= 0 || p.Chain.MaxRetries <= 0 {
		return errors.Errorf("client pool size and max retries must be positive numbers")
	}
	if p.Chain.RequestsPerSecond < 0 || (p.Chain.RequestsPerSecond > 0 && p.Chain.Burst <= 0) {
		return errors.Errorf("request rate must not be negative and needs a positive burst")
	}
	return nil
}

func validateSchemaVersion(v string) error {
	if strings.TrimSpace(v) == "" {
		return errors.Errorf("config is missing a version, expected %s", version.SupportedConfigVersions)
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return errors.Wrapf(err, "invalid config version %q", v)
	}
	constraint, err := semver.NewConstraint(version.SupportedConfigVersions)
	if err != nil {
		return errors.WithStack(err)
	}
	if !constraint.Check(parsed) {
		return errors.Errorf("config version %s is not supported, expected %s", v, version.SupportedConfigVersions)
	}
	return nil
}

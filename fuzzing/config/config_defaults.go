package config

import (
	"github.com/crytic/ammfuzz/version"
	"github.com/rs/zerolog"
)

// GetDefaultProjectConfig returns the configuration used when no project file exists. The pool address is left empty
// and must come from the file, a flag or the environment.
func GetDefaultProjectConfig() *ProjectConfig {
	return &ProjectConfig{
		Version: version.ConfigSchemaVersion,
		Fuzzing: FuzzingConfig{
			Workers:              1,
			MaxExamples:          200,
			StatefulStepCount:    200,
			Deadline:             0,
			ExampleTimeout:       0,
			Timeout:              0,
			Seed:                 0,
			FailureDirectory:     "failures",
			StopOnFailure:        false,
			ShrinkEnabled:        true,
			ShrinkLimit:          500,
			StrictReads:          false,
			DropThreshold:        "0.01",
			RampDuration:         3600,
			BenignRevertPatterns: []string{},
			OperationWeights: map[string]uint64{
				OperationExchange:           1,
				OperationAddLiquidity:       1,
				OperationRemoveLiquidityOne: 1,
				OperationRampA:              1,
			},
			Bounds: BoundsConfig{
				Exchange: Range{Min: MustParseAmount("1e3"), Max: MustParseAmount("1e22")},
				Deposit:  Range{Min: MustParseAmount("1e6"), Max: MustParseAmount("1e18")},
				Withdraw: Range{Min: NewAmount(1), Max: MustParseAmount("1e18")},
				RampA:    Range{Min: NewAmount(1), Max: MustParseAmount("1e6")},
			},
		},
		Pool: PoolConfig{
			SenderAddresses: []string{
				"0x1111111111111111111111111111111111111111",
				"0x2222222222222222222222222222222222222222",
				"0x3333333333333333333333333333333333333333",
			},
		},
		Chain: ChainConfig{
			RPCEndpoint:         "http://127.0.0.1:8545",
			AdditionalEndpoints: []string{},
			ClientPoolSize:      4,
			RequestsPerSecond:   0,
			Burst:               16,
			MaxRetries:          3,
			ImpersonateAccounts: true,
		},
		Logging: LoggingConfig{
			Level:        zerolog.InfoLevel,
			LogDirectory: "",
			NoColor:      false,
		},
	}
}

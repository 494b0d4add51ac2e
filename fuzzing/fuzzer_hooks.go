package fuzzing

import (
	"context"
	"time"

	"github.com/crytic/ammfuzz/fuzzing/config"
	"github.com/crytic/ammfuzz/ledger"
	"github.com/crytic/ammfuzz/utils"
)

// FuzzerHooks defines the replaceable functions used by the Fuzzer.
type FuzzerHooks struct {
	// NewLedgerFunc connects the ledger used by one worker. Each worker must get an isolated ledger, since examples
	// snapshot and revert it.
	NewLedgerFunc NewLedgerFunc
}

// NewLedgerFunc creates the ledger for the worker with the given index, connected to endpoint.
type NewLedgerFunc func(ctx context.Context, fuzzer *Fuzzer, workerIndex int, endpoint string) (ledger.Ledger, error)

// defaultNewLedgerFunc is a NewLedgerFunc connecting each worker to its own endpoint with ConnectLedger.
func defaultNewLedgerFunc(ctx context.Context, fuzzer *Fuzzer, workerIndex int, endpoint string) (ledger.Ledger, error) {
	return ConnectLedger(ctx, &fuzzer.config, endpoint)
}

// ConnectLedger connects to a development node over JSON-RPC and, if configured, asks it to impersonate the senders
// and the administrator.
func ConnectLedger(ctx context.Context, projectConfig *config.ProjectConfig, endpoint string) (*ledger.RPCLedger, error) {
	chainConfig := projectConfig.Chain
	rpcLedger, err := ledger.NewRPCLedger(ctx, endpoint, ledger.RPCOptions{
		PoolSize:          chainConfig.ClientPoolSize,
		RequestsPerSecond: chainConfig.RequestsPerSecond,
		Burst:             chainConfig.Burst,
		MaxRetries:        chainConfig.MaxRetries,
		GasLimit:          chainConfig.GasLimit,
		ReceiptTimeout:    30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if chainConfig.ImpersonateAccounts {
		if err = impersonateActors(ctx, rpcLedger, projectConfig); err != nil {
			_ = rpcLedger.Close()
			return nil, err
		}
	}
	return rpcLedger, nil
}

func impersonateActors(ctx context.Context, rpcLedger *ledger.RPCLedger, projectConfig *config.ProjectConfig) error {
	addresses := append([]string{}, projectConfig.Pool.SenderAddresses...)
	if projectConfig.Pool.AdminAddress != "" {
		addresses = append(addresses, projectConfig.Pool.AdminAddress)
	}
	actors, err := utils.HexStringsToAddresses(addresses)
	if err != nil {
		return err
	}
	for _, actor := range actors {
		if err = rpcLedger.Impersonate(ctx, actor); err != nil {
			return err
		}
	}
	return nil
}

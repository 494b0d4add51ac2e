package fuzzing

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/crytic/ammfuzz/fuzzing/config"
	"github.com/crytic/ammfuzz/fuzzing/corpus"
	"github.com/crytic/ammfuzz/fuzzing/failures"
	"github.com/crytic/ammfuzz/ledger"
	"github.com/crytic/ammfuzz/ledger/ledgertest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testProjectConfig returns a campaign configuration against the simulated pool with one endpoint per worker.
func testProjectConfig(t *testing.T, workers int) config.ProjectConfig {
	projectConfig := config.GetDefaultProjectConfig()
	projectConfig.Pool.Address = ledgertest.PoolAddress.Hex()
	projectConfig.Pool.AdminAddress = ledgertest.AdminAddress.Hex()
	projectConfig.Pool.SenderAddresses = []string{testActor.Hex()}
	projectConfig.Chain.RPCEndpoint = "sim://0"
	for i := 1; i < workers; i++ {
		projectConfig.Chain.AdditionalEndpoints = append(projectConfig.Chain.AdditionalEndpoints, "sim://extra")
	}
	projectConfig.Fuzzing.Workers = workers
	projectConfig.Fuzzing.MaxExamples = 12
	projectConfig.Fuzzing.StatefulStepCount = 20
	projectConfig.Fuzzing.Seed = 42
	projectConfig.Fuzzing.FailureDirectory = t.TempDir()
	projectConfig.Fuzzing.Bounds.Withdraw = config.Range{Min: config.NewAmount(1), Max: config.NewAmount(1000)}
	return *projectConfig
}

// newTestFuzzer creates a fuzzer whose workers each get a fresh pool from newPool.
func newTestFuzzer(t *testing.T, projectConfig config.ProjectConfig, newPool func() *ledgertest.SimulatedPool) *Fuzzer {
	fuzzer, err := NewFuzzer(projectConfig)
	require.NoError(t, err)
	fuzzer.Hooks.NewLedgerFunc = func(ctx context.Context, fuzzer *Fuzzer, workerIndex int, endpoint string) (ledger.Ledger, error) {
		return newPool(), nil
	}
	return fuzzer
}

// TestCampaignWithoutFailures runs a campaign against a healthy pool.
func TestCampaignWithoutFailures(t *testing.T) {
	projectConfig := testProjectConfig(t, 2)
	projectConfig.Fuzzing.Bounds.Exchange = config.Range{Min: config.NewAmount(1000), Max: config.NewAmount(1_000_000)}
	fuzzer := newTestFuzzer(t, projectConfig, func() *ledgertest.SimulatedPool {
		return ledgertest.NewSimulatedPool(1_000_000_000, 600_000_000, 400_000_000)
	})

	var finished, created atomic.Int64
	fuzzer.Events.ExampleFinished.Subscribe(func(event ExampleFinishedEvent) {
		finished.Add(1)
		assert.Equal(t, MachineExhausted, event.State)
	})
	fuzzer.Events.WorkerCreated.Subscribe(func(FuzzerWorkerCreatedEvent) { created.Add(1) })

	require.NoError(t, fuzzer.Start())
	assert.EqualValues(t, 12, finished.Load())
	assert.EqualValues(t, 2, created.Load())
	assert.EqualValues(t, 12, fuzzer.Metrics().ExamplesTested())
	assert.Positive(t, fuzzer.Metrics().StepsExecuted())
	assert.Zero(t, fuzzer.Metrics().Failures())
	assert.Empty(t, fuzzer.Results().Failures())
	assert.EqualValues(t, 12, testutil.ToFloat64(fuzzer.Collectors().Examples.WithLabelValues("exhausted")))

	records, err := failures.List(projectConfig.Fuzzing.FailureDirectory)
	require.NoError(t, err)
	assert.Empty(t, records)
}

// TestCampaignFindsAndShrinksFailures checks that failing examples are recorded, minimized and stored once per
// distinct minimized trace.
func TestCampaignFindsAndShrinksFailures(t *testing.T) {
	projectConfig := testProjectConfig(t, 2)
	fuzzer := newTestFuzzer(t, projectConfig, newDroppingPool)

	var found atomic.Int64
	fuzzer.Events.FailureFound.Subscribe(func(FailureFoundEvent) { found.Add(1) })

	require.NoError(t, fuzzer.Start())
	reports := fuzzer.Results().Failures()
	require.NotEmpty(t, reports)
	assert.EqualValues(t, len(reports), found.Load())
	assert.EqualValues(t, len(reports), fuzzer.Metrics().Failures())

	for _, report := range reports {
		assert.Equal(t, FailureDDrop, report.Name)
		require.NotNil(t, report.Record)
		assert.FileExists(t, report.Record.Path)
		require.Len(t, report.Shrunk, 1)
		assert.Equal(t, "exchange", report.Shrunk[0].Operation)
		assert.Equal(t, dropThreshold.String(), report.Shrunk[0].Args[2].Dec())
		assert.NotEmpty(t, report.TraceID)
	}

	store, err := corpus.Open(filepath.Join(projectConfig.Fuzzing.FailureDirectory, corpus.DefaultFileName))
	require.NoError(t, err)
	defer store.Close()
	entries, err := store.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Shrunk)
	assert.Equal(t, FailureDDrop, entries[0].Failure)

	trace, err := TraceFromCorpus(entries[0].Steps)
	require.NoError(t, err)
	assert.Equal(t, reports[0].Shrunk.String(), trace.String())
}

// TestCampaignStopOnFailure checks that the campaign ends after the first failing example.
func TestCampaignStopOnFailure(t *testing.T) {
	projectConfig := testProjectConfig(t, 1)
	projectConfig.Fuzzing.MaxExamples = 50
	projectConfig.Fuzzing.StopOnFailure = true
	projectConfig.Fuzzing.ShrinkEnabled = false
	fuzzer := newTestFuzzer(t, projectConfig, newDroppingPool)

	require.NoError(t, fuzzer.Start())
	reports := fuzzer.Results().Failures()
	require.Len(t, reports, 1)
	assert.Nil(t, reports[0].Shrunk)
	assert.Less(t, fuzzer.Metrics().ExamplesTested(), uint64(50))
}

// TestCampaignLedgerError checks that a worker that cannot reach its ledger fails the campaign.
func TestCampaignLedgerError(t *testing.T) {
	fuzzer, err := NewFuzzer(testProjectConfig(t, 1))
	require.NoError(t, err)
	fuzzer.Hooks.NewLedgerFunc = func(context.Context, *Fuzzer, int, string) (ledger.Ledger, error) {
		return nil, assert.AnError
	}
	assert.ErrorIs(t, fuzzer.Start(), assert.AnError)
}

// TestNewFuzzerRejectsInvalidConfig checks that configuration errors surface before the campaign.
func TestNewFuzzerRejectsInvalidConfig(t *testing.T) {
	projectConfig := testProjectConfig(t, 1)
	projectConfig.Fuzzing.Workers = 3
	_, err := NewFuzzer(projectConfig)
	assert.Error(t, err)
}

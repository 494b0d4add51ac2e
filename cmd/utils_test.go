package cmd

import (
	"path/filepath"
	"testing"

	"github.com/crytic/ammfuzz/fuzzing/config"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	filePool = "0x00000000000000000000000000000000000000a1"
	envPool  = "0x00000000000000000000000000000000000000b2"
	flagPool = "0x00000000000000000000000000000000000000c3"
)

// newTestCommand returns a command carrying the pool and fuzz flags, parsed from args.
func newTestCommand(t *testing.T, args ...string) *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	addPoolFlags(cmd.Flags())
	cmd.Flags().Bool("no-shrink", false, "")
	cmd.Flags().Int("workers", 0, "")
	cmd.Flags().Int64("seed", 0, "")
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func writeTestConfig(t *testing.T) string {
	projectConfig := config.GetDefaultProjectConfig()
	projectConfig.Pool.Address = filePool
	projectConfig.Fuzzing.Workers = 3
	path := filepath.Join(t.TempDir(), DefaultProjectConfigFilename)
	require.NoError(t, projectConfig.WriteToFile(path))
	return path
}

// TestLoadProjectConfigPrecedence checks that flags override the environment, which overrides the file.
func TestLoadProjectConfigPrecedence(t *testing.T) {
	path := writeTestConfig(t)

	projectConfig, err := loadProjectConfig(newTestCommand(t, "--config", path))
	require.NoError(t, err)
	assert.Equal(t, filePool, projectConfig.Pool.Address)
	assert.Equal(t, 3, projectConfig.Fuzzing.Workers)

	t.Setenv(config.EnvPoolAddress, envPool)
	t.Setenv(config.EnvRPCEndpoint, "http://node:8545")
	projectConfig, err = loadProjectConfig(newTestCommand(t, "--config", path))
	require.NoError(t, err)
	assert.Equal(t, envPool, projectConfig.Pool.Address)
	assert.Equal(t, "http://node:8545", projectConfig.Chain.RPCEndpoint)

	projectConfig, err = loadProjectConfig(newTestCommand(t, "--config", path, "--pool", flagPool, "--senders",
		"0x1,0x2", "--strict-reads"))
	require.NoError(t, err)
	assert.Equal(t, flagPool, projectConfig.Pool.Address)
	assert.Equal(t, []string{"0x1", "0x2"}, projectConfig.Pool.SenderAddresses)
	assert.True(t, projectConfig.Fuzzing.StrictReads)
	assert.Equal(t, "http://node:8545", projectConfig.Chain.RPCEndpoint)
}

// TestLoadProjectConfigMissingFile checks that an explicit config path must exist.
func TestLoadProjectConfigMissingFile(t *testing.T) {
	_, err := loadProjectConfig(newTestCommand(t, "--config", filepath.Join(t.TempDir(), "missing.json")))
	assert.Error(t, err)
}

// TestLoadProjectConfigDefaults checks the fallback to the default configuration when no file is found.
func TestLoadProjectConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	projectConfig, err := loadProjectConfig(newTestCommand(t, "--pool", flagPool))
	require.NoError(t, err)
	assert.Equal(t, flagPool, projectConfig.Pool.Address)
	assert.Equal(t, config.GetDefaultProjectConfig().Fuzzing.MaxExamples, projectConfig.Fuzzing.MaxExamples)
}

// TestFuzzFlags checks that the fuzz flags only touch the fields they were given for.
func TestFuzzFlags(t *testing.T) {
	projectConfig := config.GetDefaultProjectConfig()
	require.NoError(t, updateProjectConfigWithFuzzFlags(newTestCommand(t, "--no-shrink", "--seed", "9"), projectConfig))
	assert.False(t, projectConfig.Fuzzing.ShrinkEnabled)
	assert.EqualValues(t, 9, projectConfig.Fuzzing.Seed)
	assert.Equal(t, config.GetDefaultProjectConfig().Fuzzing.Workers, projectConfig.Fuzzing.Workers)
}

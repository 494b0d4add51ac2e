package config

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *ProjectConfig {
	c := GetDefaultProjectConfig()
	c.Pool.Address = "0xbEbc44782C7dB0a1A60Cb6fe97d0b483032FF1C7"
	return c
}

// TestUnmarshalAmount checks the accepted amount spellings.
func TestUnmarshalAmount(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{`""`, "0"},
		{`"1"`, "1"},
		{`"1e3"`, "1000"},
		{`"1E22"`, "10000000000000000000000"},
		{`"10E-1"`, "1"},
		{`"0x1337"`, "4919"},
		{`"0X10"`, "16"},
		{`1000000`, "1000000"},
	}
	for _, tc := range testCases {
		var a Amount
		require.NoError(t, json.Unmarshal([]byte(tc.input), &a), tc.input)
		assert.Equal(t, tc.expected, a.Dec(), tc.input)
	}

	for _, bad := range []string{`"-1"`, `"1.5"`, `"abc"`, `"1e100"`, `true`} {
		var a Amount
		assert.Error(t, json.Unmarshal([]byte(bad), &a), bad)
	}
}

// TestMarshalAmount checks that amounts are written as decimal strings.
func TestMarshalAmount(t *testing.T) {
	out, err := json.Marshal(MustParseAmount("1e22"))
	require.NoError(t, err)
	assert.Equal(t, `"10000000000000000000000"`, string(out))
}

// TestDefaultConfigRoundTrip checks that the written default config reads back unchanged.
func TestDefaultConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ammfuzz.json")
	original := validConfig()
	require.NoError(t, original.WriteToFile(path))

	read, err := ReadProjectConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, read)
	assert.NoError(t, read.Validate())
}

// TestValidate checks a representative set of rejected configurations.
func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(c *ProjectConfig)
	}{
		{"missing version", func(c *ProjectConfig) { c.Version = "" }},
		{"unsupported version", func(c *ProjectConfig) { c.Version = "2.0.0" }},
		{"no workers", func(c *ProjectConfig) { c.Fuzzing.Workers = 0 }},
		{"no examples", func(c *ProjectConfig) { c.Fuzzing.MaxExamples = 0 }},
		{"no steps", func(c *ProjectConfig) { c.Fuzzing.StatefulStepCount = 0 }},
		{"negative deadline", func(c *ProjectConfig) { c.Fuzzing.Deadline = -1 }},
		{"bad threshold", func(c *ProjectConfig) { c.Fuzzing.DropThreshold = "1.5" }},
		{"unknown operation", func(c *ProjectConfig) { c.Fuzzing.OperationWeights["swap"] = 1 }},
		{"inverted bounds", func(c *ProjectConfig) { c.Fuzzing.Bounds.Exchange.Max = NewAmount(1) }},
		{"missing pool", func(c *ProjectConfig) { c.Pool.Address = "" }},
		{"malformed admin", func(c *ProjectConfig) { c.Pool.AdminAddress = "0x1234" }},
		{"no senders", func(c *ProjectConfig) { c.Pool.SenderAddresses = nil }},
		{"one coin", func(c *ProjectConfig) { c.Pool.NCoins = 1 }},
		{"no endpoint", func(c *ProjectConfig) { c.Chain.RPCEndpoint = "" }},
		{"workers exceed endpoints", func(c *ProjectConfig) { c.Fuzzing.Workers = 2 }},
		{"rate without burst", func(c *ProjectConfig) { c.Chain.RequestsPerSecond = 5; c.Chain.Burst = 0 }},
	}

	assert.NoError(t, validConfig().Validate())
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

// TestApplyEnvironment checks the environment overlay and its legacy fallbacks.
func TestApplyEnvironment(t *testing.T) {
	t.Setenv(EnvPoolAddress, "")
	t.Setenv(envPoolAddressLegacy, "0x00000000000000000000000000000000000000aa")
	t.Setenv(EnvAdminAddress, "0x00000000000000000000000000000000000000bb")
	t.Setenv(envAdminAddressLegacy, "0x00000000000000000000000000000000000000cc")
	t.Setenv(EnvWhaleAddress, "")
	t.Setenv(EnvRPCEndpoint, "http://localhost:9545")

	c := GetDefaultProjectConfig()
	overridden := c.ApplyEnvironment()

	assert.Equal(t, "0x00000000000000000000000000000000000000aa", c.Pool.Address)
	assert.Equal(t, "0x00000000000000000000000000000000000000bb", c.Pool.AdminAddress)
	assert.Empty(t, c.Pool.WhaleAddress)
	assert.Equal(t, "http://localhost:9545", c.Chain.RPCEndpoint)
	assert.ElementsMatch(t, []string{"pool.address", "pool.adminAddress", "chain.rpcEndpoint"}, overridden)
}

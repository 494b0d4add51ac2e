package config

import (
	"github.com/spf13/viper"
)

// Environment variables recognized by ApplyEnvironment. The legacy short names are accepted as fallbacks.
const (
	EnvPoolAddress  = "POOL_ADDRESS"
	EnvAdminAddress = "ADMIN_ADDRESS"
	EnvWhaleAddress = "WHALE_ADDRESS"
	EnvRPCEndpoint  = "RPC_ENDPOINT"

	envPoolAddressLegacy  = "POOL_ADDR"
	envAdminAddressLegacy = "ADMIN_ADDR"
)

// ApplyEnvironment overlays pool identities and the RPC endpoint from the environment. Unset or empty variables leave
// the corresponding field untouched. It returns the names of the fields that were overridden.
func (p *ProjectConfig) ApplyEnvironment() []string {
	v := viper.New()
	_ = v.BindEnv("pool.address", EnvPoolAddress, envPoolAddressLegacy)
	_ = v.BindEnv("pool.adminAddress", EnvAdminAddress, envAdminAddressLegacy)
	_ = v.BindEnv("pool.whaleAddress", EnvWhaleAddress)
	_ = v.BindEnv("chain.rpcEndpoint", EnvRPCEndpoint)

	var overridden []string
	overlay := func(key string, field *string) {
		if value := v.GetString(key); value != "" {
			*field = value
			overridden = append(overridden, key)
		}
	}
	overlay("pool.address", &p.Pool.Address)
	overlay("pool.adminAddress", &p.Pool.AdminAddress)
	overlay("pool.whaleAddress", &p.Pool.WhaleAddress)
	overlay("chain.rpcEndpoint", &p.Chain.RPCEndpoint)
	return overridden
}

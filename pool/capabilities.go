package pool

import (
	"github.com/crytic/ammfuzz/ledger"
	"github.com/crytic/medusa-geth/accounts/abi"
)

// knownSelectorProbes are read shapes every supported pool variant has at least one of. If none appears in the
// bytecode, the dispatcher is not a plain selector switch (a proxy, for instance) and detection is disabled.
var knownSelectorProbes = []abi.Method{methodD, methodBalancesU256, methodBalancesI128, methodCoinsU256, methodCoinsI128, methodVirtualPrice, methodA}

// Capabilities records which entry points appear in the pool's bytecode.
type Capabilities struct {
	code []byte
	// known is false when the bytecode offers no recognizable selectors; every entry point is then assumed present
	// and left to runtime probing.
	known bool
}

// NewCapabilities scans deployed bytecode.
func NewCapabilities(code []byte) *Capabilities {
	c := &Capabilities{code: code}
	for _, probe := range knownSelectorProbes {
		if ledger.CodeExposes(code, probe) {
			c.known = true
			break
		}
	}
	return c
}

// Known reports whether detection is effective for this pool.
func (c *Capabilities) Known() bool {
	return c.known
}

// Exposes reports whether method may be called on the pool.
func (c *Capabilities) Exposes(method abi.Method) bool {
	return !c.known || ledger.CodeExposes(c.code, method)
}

// ExposesAny reports whether any of the methods may be called on the pool.
func (c *Capabilities) ExposesAny(methods ...abi.Method) bool {
	for _, m := range methods {
		if c.Exposes(m) {
			return true
		}
	}
	return false
}

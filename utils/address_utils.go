package utils

import (
	"github.com/crytic/medusa-geth/common"
	"github.com/pkg/errors"
)

// HexStringToAddress parses a 0x-prefixed or bare 20-byte hex address.
func HexStringToAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.Errorf("malformed address %q", s)
	}
	return common.HexToAddress(s), nil
}

// HexStringsToAddresses parses every address in the list, failing on the first malformed entry.
func HexStringsToAddresses(addresses []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(addresses))
	for _, s := range addresses {
		addr, err := HexStringToAddress(s)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

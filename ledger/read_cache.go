package ledger

import (
	"sync"

	"github.com/crytic/medusa-geth/common"
	"github.com/crytic/medusa-geth/common/hexutil"
)

// ReadCacheEntry is the outcome of a read: either return data or a revert payload.
type ReadCacheEntry struct {
	Data     []byte
	Reverted bool
}

// ReadCache memoizes reads against a single block. Entries are keyed by the block hash so that a revert back to an
// earlier block number with different contents never serves stale data; moving to another block drops every entry.
type ReadCache struct {
	lock      sync.RWMutex
	blockHash common.Hash
	entries   map[string]ReadCacheEntry

	hits   uint64
	misses uint64
}

// NewReadCache creates an empty cache.
func NewReadCache() *ReadCache {
	return &ReadCache{entries: make(map[string]ReadCacheEntry)}
}

func readCacheKey(to common.Address, from common.Address, calldata []byte) string {
	return to.Hex() + from.Hex() + hexutil.Encode(calldata)
}

// Get returns the entry for key at blockHash.
func (c *ReadCache) Get(blockHash common.Hash, key string) (ReadCacheEntry, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.blockHash != blockHash {
		c.misses++
		return ReadCacheEntry{}, false
	}
	entry, ok := c.entries[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return entry, ok
}

// Put stores an entry, discarding all entries of other blocks.
func (c *ReadCache) Put(blockHash common.Hash, key string, entry ReadCacheEntry) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.blockHash != blockHash {
		c.blockHash = blockHash
		c.entries = make(map[string]ReadCacheEntry)
	}
	c.entries[key] = entry
}

// Stats returns the hit and miss counts.
func (c *ReadCache) Stats() (uint64, uint64) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.hits, c.misses
}

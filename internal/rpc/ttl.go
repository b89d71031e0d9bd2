package rpc

import "time"

// Cache TTLs per JSON-RPC method family.
// A method falls into exactly one bucket: non-cacheable, short-cache, or the
// long-cache table (with TTLDefault for methods not listed anywhere).
const (
	// Chain metadata never changes for the lifetime of a connection
	TTLChainMetadata = time.Hour

	// Block-derived data moves once per block (~12s on mainnet)
	TTLBlock = 12 * time.Second

	// Account state (balances, storage, code) tolerates short staleness
	TTLAccountState = 30 * time.Second

	// Short-cache bucket: calls and fee data that UI components re-issue in bursts
	TTLShort = 5 * time.Second

	// Fallback for cacheable methods with no explicit entry
	TTLDefault = 20 * time.Second
)

// nonCacheable lists methods that are always issued fresh: state-changing
// submissions and signing operations must never be deduplicated or replayed
// from cache.
var nonCacheable = map[string]bool{
	"eth_sendTransaction":    true,
	"eth_sendRawTransaction": true,
	"eth_estimateGas":        true,
	"personal_sign":          true,
	"eth_sign":               true,
	"eth_signTypedData":      true,
}

// shortCache lists methods pinned to TTLShort regardless of the long-cache table.
var shortCache = map[string]bool{
	"eth_call":                  true,
	"eth_getTransactionCount":   true,
	"eth_gasPrice":              true,
	"eth_getTransactionReceipt": true,
}

// longCache holds per-method TTLs for everything else worth caching longer.
var longCache = map[string]time.Duration{
	"eth_chainId":          TTLChainMetadata,
	"net_version":          TTLChainMetadata,
	"web3_clientVersion":   TTLChainMetadata,
	"eth_blockNumber":      TTLBlock,
	"eth_getBlockByNumber": TTLBlock,
	"eth_getBlockByHash":   TTLBlock,
	"eth_getBalance":       TTLAccountState,
	"eth_getStorageAt":     TTLAccountState,
	"eth_getCode":          TTLAccountState,
}

// Cacheable reports whether results for the method may be cached and coalesced.
func Cacheable(method string) bool {
	return !nonCacheable[method]
}

// TTLFor returns the cache TTL for a cacheable method.
// Callers must check Cacheable first; TTLFor returns TTLDefault for
// non-cacheable methods as a safety net.
func TTLFor(method string) time.Duration {
	if shortCache[method] {
		return TTLShort
	}
	if ttl, ok := longCache[method]; ok {
		return ttl
	}
	return TTLDefault
}

// BlockSensitive reports whether the method's cached result goes stale as soon
// as a new block lands. Used by the head watcher to invalidate eagerly.
func BlockSensitive(method string) bool {
	if shortCache[method] {
		return true
	}
	ttl, ok := longCache[method]
	return ok && ttl <= TTLAccountState
}

package engine

// PrefixEntry is the export unit of the prefix cache: one content hash
// mapped to the block holding that span. Reference counts are deliberately
// absent — restore recomputes them from the live request set.
type PrefixEntry struct {
	Hash    uint64
	BlockID int64
}

// BlockCache abstracts block-level cache allocation for the scheduler.
// kv.BlockCacheManager implements it. Block identifiers are opaque and
// stable across sleep/wake even though physical storage is relocated.
type BlockCache interface {
	// Allocate reserves blocks for tokens [startIndex, endIndex) of req,
	// reusing cachedBlocks for the already-cached prefix on first contact.
	// Returns false without side effects when capacity is insufficient.
	Allocate(req *Request, startIndex, endIndex int64, cachedBlocks []int64) bool
	// CanAllocate reports whether Allocate would succeed for the same
	// arguments. Pure query: coordinators check every group before mutating
	// any.
	CanAllocate(req *Request, startIndex, endIndex int64, cachedBlocks []int64) bool
	// GetCachedBlocks returns block ids for the longest contiguous cached
	// prefix of tokens. Pure query.
	GetCachedBlocks(tokens []int) []int64
	// Release frees req's blocks (refcount-decrement; freed blocks stay
	// hash-indexed for prefix reuse until evicted).
	Release(req *Request)

	BlockSize() int64
	UsedBlocks() int64
	TotalCapacity() int64
	RequestIDs() []string
	HasRequest(id string) bool

	// GetBlockAllocations returns a deep copy of the request→block-id index.
	// It does not pin or copy physical memory.
	GetBlockAllocations() map[string][]int64
	// RestoreBlockAllocations re-establishes the request→block index for
	// the given live requests. Idempotent: already-tracked requests are
	// skipped. Returns the ids it could not restore.
	RestoreBlockAllocations(allocs map[string][]int64, reqs map[string]*Request) []string

	// ResetPrefixCache drops all hash→block entries (defensive wake reset).
	ResetPrefixCache()
	// Clear resets the cache to its freshly-constructed state.
	Clear()
}

// PrefixCacheStrategy is the capability interface for prefix cache
// export/restore. Groups that implement it participate in checkpointing of
// prefix state; groups that don't are skipped (composition-based override
// point for cache group types with custom cross-group sharing).
type PrefixCacheStrategy interface {
	ExportPrefixCache() []PrefixEntry
	RestorePrefixCache(entries []PrefixEntry, reqs []*Request)
}

// NewBlockCacheFunc is a factory for BlockCache implementations, set by
// engine/kv's init() via registration. This breaks the import cycle between
// engine/ (which defines BlockCache) and engine/kv/ (which implements it).
//
// Production callers should import engine/kv and use its constructors
// directly. Test code in package engine uses this to avoid importing
// engine/kv (which would create a cycle); test files in package engine_test
// use kv_import_test.go (blank import) to trigger registration.
var NewBlockCacheFunc func(totalBlocks, blockSizeTokens int64) BlockCache

// MustNewBlockCache calls NewBlockCacheFunc with a nil guard. Panics with an
// actionable message if the factory has not been registered.
func MustNewBlockCache(totalBlocks, blockSizeTokens int64) BlockCache {
	if NewBlockCacheFunc == nil {
		panic("NewBlockCacheFunc not registered: import engine/kv to register it " +
			"(add: import _ \"github.com/kvflow/kvflow/engine/kv\")")
	}
	return NewBlockCacheFunc(totalBlocks, blockSizeTokens)
}

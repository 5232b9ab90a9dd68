// Package kv implements block-based cache management for the kvflow engine.
// BlockCacheManager tracks opaque fixed-size blocks with prefix caching
// (chained xxhash block hashing), reverse-order LRU eviction of freed
// blocks, and a checkpoint surface for exporting and re-establishing
// request→block allocations across sleep/wake cycles.
package kv

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kvflow/kvflow/engine"
	"github.com/kvflow/kvflow/engine/internal/hash"
	"github.com/kvflow/kvflow/engine/internal/util"
)

// KVBlock represents a unit of cache storage. Blocks hold bookkeeping only
// (fill count, prefix hash); physical content lives in the accelerator
// memory pool and is relocated wholesale on sleep/wake.
type KVBlock struct {
	ID         int64    // Unique ID of the block; stable across sleep/wake
	RefCount   int      // Number of live requests referencing this block
	InUse      bool     // Whether the block is referenced by any live request
	Hashed     bool     // Whether Hash is valid (block is full and sealed)
	Hash       uint64   // Chained prefix hash identifying this block's content and lineage
	TokenCount int64    // Tokens stored in this block; full if TokenCount == blockSize
	PrevFree   *KVBlock // LRU doubly linked list: previous free block
	NextFree   *KVBlock // LRU doubly linked list: next free block
}

// BlockCacheManager maintains block cache status across all requests of one
// cache group. It exclusively owns the block-id↔request mappings and the
// prefix index.
type BlockCacheManager struct {
	totalBlocks int64
	blockSize   int64
	blocks      []*KVBlock
	requestMap  map[string][]int64 // request id -> ordered block sequence
	hashToBlock map[uint64]int64   // prefix hash -> block id (at most one living block per hash)
	freeHead    *KVBlock
	freeTail    *KVBlock
	usedBlocks  int64
	cacheHits   int64
	cacheMisses int64
}

// NewBlockCacheManager initializes the manager and places all blocks on the
// free list in order.
func NewBlockCacheManager(totalBlocks, blockSizeTokens int64) *BlockCacheManager {
	if totalBlocks <= 0 {
		panic(fmt.Sprintf("NewBlockCacheManager: totalBlocks must be > 0, got %d", totalBlocks))
	}
	if blockSizeTokens <= 0 {
		panic(fmt.Sprintf("NewBlockCacheManager: blockSizeTokens must be > 0, got %d", blockSizeTokens))
	}
	m := &BlockCacheManager{
		totalBlocks: totalBlocks,
		blockSize:   blockSizeTokens,
	}
	m.Clear()
	return m
}

// Clear resets the manager to its freshly-constructed state: all blocks
// free, no request mappings, empty prefix index.
func (m *BlockCacheManager) Clear() {
	m.blocks = make([]*KVBlock, m.totalBlocks)
	m.requestMap = make(map[string][]int64)
	m.hashToBlock = make(map[uint64]int64)
	m.freeHead = nil
	m.freeTail = nil
	m.usedBlocks = 0
	for i := int64(0); i < m.totalBlocks; i++ {
		blk := &KVBlock{ID: i}
		m.blocks[i] = blk
		m.appendToFreeList(blk)
	}
}

// appendToFreeList inserts a block at the tail of the free list.
func (m *BlockCacheManager) appendToFreeList(block *KVBlock) {
	block.NextFree = nil
	// in a doubly linked list, either both head and tail are nil, or neither
	if m.freeTail != nil {
		m.freeTail.NextFree = block
		block.PrevFree = m.freeTail
		m.freeTail = block
	} else {
		m.freeHead = block
		m.freeTail = block
		block.PrevFree = nil
	}
}

// removeFromFreeList detaches a block from the LRU free list.
func (m *BlockCacheManager) removeFromFreeList(block *KVBlock) {
	if block.PrevFree != nil {
		block.PrevFree.NextFree = block.NextFree
	} else {
		m.freeHead = block.NextFree
	}
	if block.NextFree != nil {
		block.NextFree.PrevFree = block.PrevFree
	} else {
		m.freeTail = block.PrevFree
	}
	block.NextFree = nil
	block.PrevFree = nil
}

// popFreeBlock evicts a block from the free list and prepares it for reuse.
func (m *BlockCacheManager) popFreeBlock() *KVBlock {
	head := m.freeHead
	if head == nil {
		return nil
	}
	m.removeFromFreeList(head)
	if head.Hashed {
		delete(m.hashToBlock, head.Hash)
		head.Hashed = false
		head.Hash = 0
	}
	head.TokenCount = 0
	return head
}

// freeBlocks returns the number of blocks not currently in use.
func (m *BlockCacheManager) freeBlocks() int64 {
	return m.totalBlocks - m.usedBlocks
}

// GetCachedBlocks attempts to reuse previously cached full blocks.
// It returns block ids for the longest contiguous cached prefix.
// This is a pure query — it does not modify any state.
func (m *BlockCacheManager) GetCachedBlocks(tokens []int) (blockIDs []int64) {
	for _, h := range hash.ComputeBlockHashes(int(m.blockSize), tokens) {
		blockID, ok := m.hashToBlock[h]
		if !ok {
			break
		}
		blockIDs = append(blockIDs, blockID)
	}
	return
}

// Allocate reserves blocks for tokens [startIndex, endIndex) of req.
// On first contact for a request, cachedBlocks are attached for the
// already-cached prefix; subsequent calls fill the latest partial block and
// allocate fresh blocks as needed. Full blocks are sealed with a chained
// prefix hash and recorded in the prefix index.
// Returns false without side effects when capacity is insufficient.
func (m *BlockCacheManager) Allocate(req *engine.Request, startIndex, endIndex int64, cachedBlocks []int64) bool {
	reqID := req.ID
	n := endIndex - startIndex
	if n <= 0 {
		return true
	}
	logrus.Debugf("Allocate for req %s: [%d, %d), %d cached blocks", reqID, startIndex, endIndex, len(cachedBlocks))

	if needed := m.blocksNeeded(reqID, n, cachedBlocks); needed > m.freeBlocks() {
		logrus.Warnf("block cache full: cannot allocate %d blocks for req %s", needed, reqID)
		return false
	}

	if _, seen := m.requestMap[reqID]; !seen {
		// First contact: attach the cached prefix.
		for _, blockID := range cachedBlocks {
			blk := m.blocks[blockID]
			blk.RefCount++
			if !blk.InUse {
				blk.InUse = true
				m.usedBlocks++
				m.removeFromFreeList(blk)
			}
			m.cacheHits++
			m.requestMap[reqID] = append(m.requestMap[reqID], blockID)
		}
	}

	placed := int64(0)
	for placed < n {
		ids := m.requestMap[reqID]
		var last *KVBlock
		if len(ids) > 0 {
			last = m.blocks[ids[len(ids)-1]]
		}
		if last != nil && last.TokenCount > 0 && last.TokenCount < m.blockSize {
			// Fill the latest partial block first.
			take := min(n-placed, m.blockSize-last.TokenCount)
			last.TokenCount += take
			placed += take
			if last.TokenCount == m.blockSize {
				m.sealBlock(req, ids, len(ids)-1)
			}
		} else {
			blk := m.popFreeBlock()
			if blk == nil {
				// Pre-check guarantees capacity; reaching here indicates an
				// accounting bug, not a recoverable condition.
				logrus.Errorf("free list exhausted mid-allocation for req %s (accounting bug)", reqID)
				return false
			}
			take := min(n-placed, m.blockSize)
			blk.TokenCount = take
			blk.RefCount = 1
			blk.InUse = true
			m.usedBlocks++
			m.cacheMisses++
			m.requestMap[reqID] = append(m.requestMap[reqID], blk.ID)
			placed += take
			if take == m.blockSize {
				m.sealBlock(req, m.requestMap[reqID], len(m.requestMap[reqID])-1)
			}
		}
	}
	return true
}

// blocksNeeded returns the free-list blocks required to place n tokens for
// the request: tokens beyond the latest partial block's room need fresh
// blocks, and reusing cached blocks off the free list consumes free capacity
// too.
func (m *BlockCacheManager) blocksNeeded(reqID string, n int64, cachedBlocks []int64) int64 {
	ids, seen := m.requestMap[reqID]
	var partialRoom int64
	if seen && len(ids) > 0 {
		last := m.blocks[ids[len(ids)-1]]
		if last.TokenCount < m.blockSize {
			partialRoom = m.blockSize - last.TokenCount
		}
	}
	needFresh := n - partialRoom
	if needFresh < 0 {
		needFresh = 0
	}
	needed := util.CeilDiv(needFresh, m.blockSize)
	if !seen {
		for _, blockID := range cachedBlocks {
			if !m.blocks[blockID].InUse {
				needed++
			}
		}
	}
	return needed
}

// CanAllocate reports whether Allocate would succeed for the same arguments.
// Pure query.
func (m *BlockCacheManager) CanAllocate(req *engine.Request, startIndex, endIndex int64, cachedBlocks []int64) bool {
	n := endIndex - startIndex
	if n <= 0 {
		return true
	}
	return m.blocksNeeded(req.ID, n, cachedBlocks) <= m.freeBlocks()
}

// sealBlock computes the chained prefix hash for the full block at position
// idx of the request's block sequence and records it in the prefix index.
// Skipped when the previous block carries no hash (possible after a restore
// that dropped prefix entries).
func (m *BlockCacheManager) sealBlock(req *engine.Request, ids []int64, idx int) {
	prev := hash.Seed
	if idx > 0 {
		prevBlk := m.blocks[ids[idx-1]]
		if !prevBlk.Hashed {
			return
		}
		prev = prevBlk.Hash
	}
	start := int64(idx) * m.blockSize
	toks := make([]int, 0, m.blockSize)
	for i := start; i < start+m.blockSize; i++ {
		toks = append(toks, req.TokenAt(i))
	}
	h := hash.Block(prev, toks)
	blk := m.blocks[ids[idx]]
	blk.Hash = h
	blk.Hashed = true
	m.hashToBlock[h] = blk.ID
}

// Release deallocates blocks used by a request. Each block's refcount is
// decremented and may be returned to the free list, in reverse order: the
// last block of a request hashes the most tokens and is least likely to be
// reused, so it should be evicted first.
func (m *BlockCacheManager) Release(req *engine.Request) {
	ids := m.requestMap[req.ID]
	delete(m.requestMap, req.ID)
	for i := len(ids) - 1; i >= 0; i-- {
		blk := m.blocks[ids[i]]
		blk.RefCount--
		if blk.RefCount == 0 {
			blk.InUse = false
			m.usedBlocks--
			m.appendToFreeList(blk)
		}
	}
}

// BlockSize returns the number of tokens per block.
func (m *BlockCacheManager) BlockSize() int64 { return m.blockSize }

// UsedBlocks returns the number of blocks currently in use.
func (m *BlockCacheManager) UsedBlocks() int64 { return m.usedBlocks }

// TotalCapacity returns the total number of blocks.
func (m *BlockCacheManager) TotalCapacity() int64 { return m.totalBlocks }

// HasRequest reports whether the request has tracked allocations.
func (m *BlockCacheManager) HasRequest(id string) bool {
	_, ok := m.requestMap[id]
	return ok
}

// RequestIDs returns the ids of all requests with tracked allocations.
func (m *BlockCacheManager) RequestIDs() []string {
	out := make([]string, 0, len(m.requestMap))
	for id := range m.requestMap {
		out = append(out, id)
	}
	return out
}

// CacheHitRate returns the cumulative prefix cache hit rate.
// Returns 0 if no blocks have been committed.
func (m *BlockCacheManager) CacheHitRate() float64 {
	total := m.cacheHits + m.cacheMisses
	if total == 0 {
		return 0
	}
	return float64(m.cacheHits) / float64(total)
}

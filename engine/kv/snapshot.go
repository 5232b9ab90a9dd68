// Checkpoint surface of BlockCacheManager: read-only export of the
// request→block index and prefix entries, and their re-establishment on
// wake. Physical content restoration is the memory pool's responsibility
// (tag "kv_cache"); only bookkeeping is rebuilt here.

package kv

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/kvflow/kvflow/engine"
)

// GetBlockAllocations returns a deep copy of the per-request ordered block
// sequences. It does not pin or copy physical memory.
func (m *BlockCacheManager) GetBlockAllocations() map[string][]int64 {
	out := make(map[string][]int64, len(m.requestMap))
	for id, ids := range m.requestMap {
		out[id] = append([]int64(nil), ids...)
	}
	return out
}

// RestoreBlockAllocations re-establishes the request→block index for the
// given live requests. Idempotent: requests already tracked are skipped, and
// no blocks are re-allocated. Allocations for ids absent from reqs are
// ignored (the request was dropped at a higher layer). Returns the ids that
// could not be restored; callers must exclude those requests everywhere.
func (m *BlockCacheManager) RestoreBlockAllocations(allocs map[string][]int64, reqs map[string]*engine.Request) []string {
	var failed []string
	for id, blockIDs := range allocs {
		req, live := reqs[id]
		if !live {
			continue
		}
		if m.HasRequest(id) {
			continue
		}
		if !m.validAllocation(req, blockIDs) {
			logrus.Warnf("restore: invalid block allocation for req %s (%d blocks, %d computed tokens)",
				id, len(blockIDs), req.NumComputedTokens)
			failed = append(failed, id)
			continue
		}
		ids := append([]int64(nil), blockIDs...)
		for i, b := range ids {
			blk := m.blocks[b]
			blk.RefCount++
			if !blk.InUse {
				blk.InUse = true
				m.usedBlocks++
				m.removeFromFreeList(blk)
			}
			// All blocks are full except possibly the last, which holds the
			// remainder of the request's computed tokens.
			cnt := m.blockSize
			if i == len(ids)-1 {
				cnt = req.NumComputedTokens - int64(len(ids)-1)*m.blockSize
				if cnt < 0 {
					cnt = 0
				}
			}
			if cnt > blk.TokenCount {
				blk.TokenCount = cnt
			}
		}
		m.requestMap[id] = ids
	}
	return failed
}

// validAllocation checks block ids are in range and the sequence covers the
// request's computed tokens.
func (m *BlockCacheManager) validAllocation(req *engine.Request, blockIDs []int64) bool {
	for _, b := range blockIDs {
		if b < 0 || b >= m.totalBlocks {
			return false
		}
	}
	return int64(len(blockIDs))*m.blockSize >= req.NumComputedTokens
}

// ExportPrefixCache returns hash→block entries for blocks referenced by
// live requests, ordered by block id for deterministic snapshots.
func (m *BlockCacheManager) ExportPrefixCache() []engine.PrefixEntry {
	var entries []engine.PrefixEntry
	for h, id := range m.hashToBlock {
		if m.blocks[id].RefCount > 0 {
			entries = append(entries, engine.PrefixEntry{Hash: h, BlockID: id})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].BlockID < entries[j].BlockID })
	return entries
}

// RestorePrefixCache reinserts prefix entries and then recomputes reference
// counts from the restored requests' allocations. Snapshot-time counts are
// never trusted verbatim: requests may have been dropped during restore, and
// their entries then survive only as cached-but-free blocks.
func (m *BlockCacheManager) RestorePrefixCache(entries []engine.PrefixEntry, _ []*engine.Request) {
	for _, e := range entries {
		if e.BlockID < 0 || e.BlockID >= m.totalBlocks {
			logrus.Warnf("restore: prefix entry references invalid block %d, skipping", e.BlockID)
			continue
		}
		blk := m.blocks[e.BlockID]
		blk.Hash = e.Hash
		blk.Hashed = true
		m.hashToBlock[e.Hash] = e.BlockID
	}
	m.recountReferences()
}

// recountReferences rebuilds per-block reference counts, the in-use set, and
// the free list from the request map (the authoritative live state).
func (m *BlockCacheManager) recountReferences() {
	for _, blk := range m.blocks {
		blk.RefCount = 0
	}
	for _, ids := range m.requestMap {
		for _, b := range ids {
			m.blocks[b].RefCount++
		}
	}
	m.freeHead = nil
	m.freeTail = nil
	m.usedBlocks = 0
	for _, blk := range m.blocks {
		blk.PrevFree = nil
		blk.NextFree = nil
		if blk.RefCount > 0 {
			blk.InUse = true
			m.usedBlocks++
		} else {
			blk.InUse = false
			m.appendToFreeList(blk)
		}
	}
}

// ResetPrefixCache drops all hash→block entries and block hashes. Used for
// the defensive reset on a wake with no checkpoint.
func (m *BlockCacheManager) ResetPrefixCache() {
	m.hashToBlock = make(map[uint64]int64)
	for _, blk := range m.blocks {
		blk.Hashed = false
		blk.Hash = 0
	}
}

package engine

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// CacheGroup pairs a block cache with its group name. Heterogeneous
// attention layouts use one group per layer group (e.g. full attention vs
// sliding window); the common case is a single group named "default".
type CacheGroup struct {
	Name  string
	Cache BlockCache
}

// CacheCoordinator aggregates zero or more block cache groups and exposes a
// unified allocation and export/import surface to the scheduler. Prefix
// cache export/restore is a per-group capability (PrefixCacheStrategy);
// groups without it simply do not participate in prefix checkpointing.
type CacheCoordinator struct {
	groups []CacheGroup
}

// NewCacheCoordinator creates a coordinator over the given groups.
// Group names must be unique. Panics on duplicates.
func NewCacheCoordinator(groups []CacheGroup) *CacheCoordinator {
	seen := make(map[string]bool, len(groups))
	for _, g := range groups {
		if seen[g.Name] {
			panic(fmt.Sprintf("NewCacheCoordinator: duplicate group name %q", g.Name))
		}
		seen[g.Name] = true
	}
	return &CacheCoordinator{groups: groups}
}

// Groups returns the coordinator's cache groups in order.
func (c *CacheCoordinator) Groups() []CacheGroup { return c.groups }

// BlockSize returns the block size of the first group, or 0 with no groups.
// All groups are constructed with the same block size.
func (c *CacheCoordinator) BlockSize() int64 {
	if len(c.groups) == 0 {
		return 0
	}
	return c.groups[0].Cache.BlockSize()
}

// UsedBlocks returns the total used blocks across groups.
func (c *CacheCoordinator) UsedBlocks() int64 {
	var total int64
	for _, g := range c.groups {
		total += g.Cache.UsedBlocks()
	}
	return total
}

// GetAllRequestIDs unions live request ids across all groups.
func (c *CacheCoordinator) GetAllRequestIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, g := range c.groups {
		for _, id := range g.Cache.RequestIDs() {
			ids[id] = struct{}{}
		}
	}
	return ids
}

// HasRequest reports whether any group tracks allocations for the request.
func (c *CacheCoordinator) HasRequest(id string) bool {
	for _, g := range c.groups {
		if g.Cache.HasRequest(id) {
			return true
		}
	}
	return false
}

// GetCachedBlocks returns the cached-prefix block ids usable for scheduling:
// the shortest cached prefix across groups, reported as the first group's
// block ids. A prefix only counts as cached when every group has it.
func (c *CacheCoordinator) GetCachedBlocks(tokens []int) []int64 {
	if len(c.groups) == 0 {
		return nil
	}
	first := c.groups[0].Cache.GetCachedBlocks(tokens)
	shortest := len(first)
	for _, g := range c.groups[1:] {
		n := len(g.Cache.GetCachedBlocks(tokens))
		if n < shortest {
			shortest = n
		}
	}
	return first[:shortest]
}

// Allocate reserves blocks for the token span in every group. Capacity is
// checked in every group before any group is mutated, so a failed call
// leaves all groups untouched and a request is never tracked in a strict
// subset of groups. Releasing previously-allocated blocks is no substitute:
// a continuing request's earlier allocations must survive a failed
// extension intact.
func (c *CacheCoordinator) Allocate(req *Request, startIndex, endIndex int64) bool {
	cached := make([][]int64, len(c.groups))
	for i, g := range c.groups {
		if !g.Cache.HasRequest(req.ID) && startIndex > 0 {
			// Only the prompt span is prefix-cacheable; a restored request's
			// computed count can extend past the prompt into generated tokens.
			prefix := min(startIndex, int64(len(req.InputTokens)))
			cached[i] = g.Cache.GetCachedBlocks(req.InputTokens[:prefix])
		}
		if !g.Cache.CanAllocate(req, startIndex, endIndex, cached[i]) {
			return false
		}
	}
	for i, g := range c.groups {
		if ok := g.Cache.Allocate(req, startIndex, endIndex, cached[i]); !ok {
			// Unreachable after the capacity pre-pass; reaching here is an
			// accounting bug. Drop the request from every group rather than
			// leave it tracked in a subset.
			logrus.Errorf("allocation failed after capacity check for req %s in group %q", req.ID, g.Name)
			c.Release(req)
			return false
		}
	}
	return true
}

// Release frees the request's blocks in every group.
func (c *CacheCoordinator) Release(req *Request) {
	for _, g := range c.groups {
		g.Cache.Release(req)
	}
}

// ExportAllocations returns each group's request→block index, keyed by
// group name.
func (c *CacheCoordinator) ExportAllocations() map[string]map[string][]int64 {
	out := make(map[string]map[string][]int64, len(c.groups))
	for _, g := range c.groups {
		out[g.Name] = g.Cache.GetBlockAllocations()
	}
	return out
}

// RestoreAllocations re-establishes each group's request→block index for the
// live requests in reqs. Returns the union of request ids that failed in any
// group or that are live but have no allocation entry in some group —
// callers must drop those requests from every layer.
func (c *CacheCoordinator) RestoreAllocations(allocs map[string]map[string][]int64, reqs map[string]*Request) []string {
	dropped := make(map[string]struct{})
	for _, g := range c.groups {
		groupAllocs := allocs[g.Name]
		if groupAllocs == nil {
			groupAllocs = map[string][]int64{}
		}
		for _, id := range g.Cache.RestoreBlockAllocations(groupAllocs, reqs) {
			dropped[id] = struct{}{}
		}
		// A live request with no allocation entry in this group cannot be
		// resumed: its cache state is unrecoverable.
		for id, req := range reqs {
			if req.NumComputedTokens > 0 {
				if _, ok := groupAllocs[id]; !ok {
					dropped[id] = struct{}{}
				}
			}
		}
	}
	out := make([]string, 0, len(dropped))
	for id := range dropped {
		out = append(out, id)
	}
	return out
}

// ExportPrefixCache collects prefix entries from every group implementing
// the PrefixCacheStrategy capability, keyed by group name.
func (c *CacheCoordinator) ExportPrefixCache() map[string][]PrefixEntry {
	out := make(map[string][]PrefixEntry)
	for _, g := range c.groups {
		s, ok := g.Cache.(PrefixCacheStrategy)
		if !ok {
			logrus.Debugf("cache group %q has no prefix cache strategy, skipping export", g.Name)
			continue
		}
		out[g.Name] = s.ExportPrefixCache()
	}
	return out
}

// RestorePrefixCache hands each group its prefix entries; groups recompute
// reference counts from the restored requests rather than trusting snapshot
// values.
func (c *CacheCoordinator) RestorePrefixCache(entries map[string][]PrefixEntry, reqs []*Request) {
	for _, g := range c.groups {
		s, ok := g.Cache.(PrefixCacheStrategy)
		if !ok {
			continue
		}
		s.RestorePrefixCache(entries[g.Name], reqs)
	}
}

// ResetPrefixCache drops prefix state in every group (defensive wake reset).
func (c *CacheCoordinator) ResetPrefixCache() {
	for _, g := range c.groups {
		g.Cache.ResetPrefixCache()
	}
}

// Clear resets every group to its freshly-constructed state.
func (c *CacheCoordinator) Clear() {
	for _, g := range c.groups {
		g.Cache.Clear()
	}
}

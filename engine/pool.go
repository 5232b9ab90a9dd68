package engine

// Offload tags name the memory regions a sleep transition moves out of
// device memory.
const (
	TagWeights = "weights"
	TagKVCache = "kv_cache"
)

// MemoryPool abstracts the device memory holding model weights and KV cache
// content. Offload moves the tagged regions out of device memory; Restore
// brings everything back. Block index bookkeeping is the cache manager's
// concern; the pool owns physical content only.
type MemoryPool interface {
	Offload(tags ...string)
	Restore()
}

// NoopMemoryPool records offload calls without moving any memory. It stands
// in for a real device pool in tests and in the simulator binary.
type NoopMemoryPool struct {
	offloaded []string
}

// NewNoopMemoryPool creates a NoopMemoryPool.
func NewNoopMemoryPool() *NoopMemoryPool {
	return &NoopMemoryPool{}
}

func (p *NoopMemoryPool) Offload(tags ...string) {
	p.offloaded = append([]string(nil), tags...)
}

func (p *NoopMemoryPool) Restore() {
	p.offloaded = nil
}

// Offloaded returns the tags passed to the most recent Offload, or nil after
// Restore.
func (p *NoopMemoryPool) Offloaded() []string {
	return p.offloaded
}

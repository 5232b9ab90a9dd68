// Package hash provides chained xxhash block hashing for KV cache prefix
// matching. The same functions are used by engine/ (request-derived block
// hashes) and engine/kv/ (cache-side prefix index) so the two sides always
// agree on hash values.
package hash

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Seed is the chaining seed for the first block of every token sequence.
// It is process-wide and fixed: block hashes are only compared within one
// engine instance, never persisted across processes.
const Seed uint64 = 0x9E3779B97F4A7C15

// Block computes the hash of one token block chained with the previous
// block's hash. Two requests sharing the first K blocks produce identical
// hashes for those K blocks.
func Block(prev uint64, tokens []int) uint64 {
	d := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], prev)
	_, _ = d.Write(buf[:])
	for _, t := range tokens {
		binary.LittleEndian.PutUint64(buf[:], uint64(t))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// ComputeBlockHashes returns chained block hashes for a token sequence.
// Tokens that don't fill a complete block are ignored.
func ComputeBlockHashes(blockSize int, tokens []int) []uint64 {
	numBlocks := len(tokens) / blockSize
	if numBlocks == 0 {
		return nil
	}
	hashes := make([]uint64, numBlocks)
	prev := Seed
	for i := 0; i < numBlocks; i++ {
		start := i * blockSize
		hashes[i] = Block(prev, tokens[start:start+blockSize])
		prev = hashes[i]
	}
	return hashes
}

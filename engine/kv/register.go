// register.go wires engine/kv constructors into the engine package's
// registration variable (NewBlockCacheFunc). This init() runs when any
// package imports engine/kv, breaking the import cycle between engine/
// (interface owner) and engine/kv/ (implementation). Production code imports
// engine/kv directly; test code in package engine uses kv_import_test.go for
// the blank import.
package kv

import "github.com/kvflow/kvflow/engine"

func init() {
	engine.NewBlockCacheFunc = func(totalBlocks, blockSizeTokens int64) engine.BlockCache {
		return NewBlockCacheManager(totalBlocks, blockSizeTokens)
	}
}

package engine_test

// The engine package defines the BlockCache interface and engine/kv
// implements it, registered through engine.NewBlockCacheFunc. Tests in this
// package need the registration side effect without a direct dependency.
import _ "github.com/kvflow/kvflow/engine/kv"

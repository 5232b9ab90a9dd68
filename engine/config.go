package engine

// KVCacheConfig groups block cache parameters.
type KVCacheConfig struct {
	TotalKVBlocks   int64    // per-group capacity in blocks (must be > 0)
	BlockSizeTokens int64    // tokens per block (must be > 0)
	CacheGroups     []string // cache group names; empty means single "default" group
}

// NewKVCacheConfig creates a KVCacheConfig with all fields explicitly set.
// This is the canonical constructor — all construction sites must use it.
// Parameter order matches struct field order.
func NewKVCacheConfig(totalKVBlocks, blockSizeTokens int64, cacheGroups []string) KVCacheConfig {
	return KVCacheConfig{
		TotalKVBlocks:   totalKVBlocks,
		BlockSizeTokens: blockSizeTokens,
		CacheGroups:     cacheGroups,
	}
}

// BatchConfig groups scheduling step parameters.
type BatchConfig struct {
	MaxRunningReqs            int64 // max requests in the running batch
	MaxScheduledTokens        int64 // max total new tokens across running requests per step
	LongPrefillTokenThreshold int64 // prefill chunk cap; 0 disables chunking
}

// NewBatchConfig creates a BatchConfig with all fields explicitly set.
// This is the canonical constructor — all construction sites must use it.
func NewBatchConfig(maxRunningReqs, maxScheduledTokens, longPrefillTokenThreshold int64) BatchConfig {
	return BatchConfig{
		MaxRunningReqs:            maxRunningReqs,
		MaxScheduledTokens:        maxScheduledTokens,
		LongPrefillTokenThreshold: longPrefillTokenThreshold,
	}
}

// ModelConfig groups the deterministic executor's parameters.
type ModelConfig struct {
	VocabSize  int // token id space for generated tokens (must be > 1)
	EOSTokenID int // end-of-sequence token id
}

// NewModelConfig creates a ModelConfig with all fields explicitly set.
// This is the canonical constructor — all construction sites must use it.
func NewModelConfig(vocabSize, eosTokenID int) ModelConfig {
	return ModelConfig{
		VocabSize:  vocabSize,
		EOSTokenID: eosTokenID,
	}
}

// EngineConfig holds all configuration for creating an Engine.
type EngineConfig struct {
	KVCacheConfig KVCacheConfig
	BatchConfig   BatchConfig
	ModelConfig   ModelConfig
}

// NewEngineConfig creates an EngineConfig with all fields explicitly set.
// This is the canonical constructor — all construction sites must use it.
func NewEngineConfig(kvCacheConfig KVCacheConfig, batchConfig BatchConfig, modelConfig ModelConfig) EngineConfig {
	return EngineConfig{
		KVCacheConfig: kvCacheConfig,
		BatchConfig:   batchConfig,
		ModelConfig:   modelConfig,
	}
}

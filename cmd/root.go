package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kvflow/kvflow/engine"
	_ "github.com/kvflow/kvflow/engine/kv" // registers the block cache implementation
	"github.com/kvflow/kvflow/httpapi"
)

var (
	// CLI flags for engine configs
	logLevel                  string   // Log verbosity level
	totalKVBlocks             int64    // Total number of KV blocks per cache group
	blockSizeTokens           int64    // Number of tokens per KV block
	maxRunningReqs            int64    // Maximum number of requests in the Running batch
	maxScheduledTokens        int64    // Maximum total number of tokens across requests in the Running batch
	longPrefillTokenThreshold int64    // Max length of prefill beyond which chunked prefill is triggered
	cacheGroups               []string // Cache group names (heterogeneous attention layouts)
	vocabSize                 int      // Token id space of the built-in executor
	eosTokenID                int      // End-of-sequence token id
	stepInterval              time.Duration
	listenAddr                string // Admin/metrics listen address
	configPath                string // Path to optional YAML config file
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "kvflow",
	Short: "Inference engine with checkpoint-based sleep/wake",
}

// fileConfig mirrors the flag surface for YAML configuration. CLI flags
// override file values via Changed().
type fileConfig struct {
	TotalKVBlocks             *int64   `yaml:"total_kv_blocks"`
	BlockSizeTokens           *int64   `yaml:"block_size_in_tokens"`
	MaxRunningReqs            *int64   `yaml:"max_num_running_reqs"`
	MaxScheduledTokens        *int64   `yaml:"max_num_scheduled_tokens"`
	LongPrefillTokenThreshold *int64   `yaml:"long_prefill_token_threshold"`
	CacheGroups               []string `yaml:"cache_groups"`
	VocabSize                 *int     `yaml:"vocab_size"`
	EOSTokenID                *int     `yaml:"eos_token_id"`
	Listen                    string   `yaml:"listen"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &fc, nil
}

// serveCmd runs the engine with the admin surface using parameters from CLI flags
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and its admin API",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		// Apply file config values as defaults; CLI flags override via Changed().
		// Pointer fields (nil = not set in YAML) correctly distinguish "0" from "unset".
		if configPath != "" {
			fc, err := loadFileConfig(configPath)
			if err != nil {
				logrus.Fatalf("Failed to load config: %v", err)
			}
			if fc.TotalKVBlocks != nil && !cmd.Flags().Changed("total-kv-blocks") {
				totalKVBlocks = *fc.TotalKVBlocks
			}
			if fc.BlockSizeTokens != nil && !cmd.Flags().Changed("block-size-in-tokens") {
				blockSizeTokens = *fc.BlockSizeTokens
			}
			if fc.MaxRunningReqs != nil && !cmd.Flags().Changed("max-num-running-reqs") {
				maxRunningReqs = *fc.MaxRunningReqs
			}
			if fc.MaxScheduledTokens != nil && !cmd.Flags().Changed("max-num-scheduled-tokens") {
				maxScheduledTokens = *fc.MaxScheduledTokens
			}
			if fc.LongPrefillTokenThreshold != nil && !cmd.Flags().Changed("long-prefill-token-threshold") {
				longPrefillTokenThreshold = *fc.LongPrefillTokenThreshold
			}
			if len(fc.CacheGroups) > 0 && !cmd.Flags().Changed("cache-groups") {
				cacheGroups = fc.CacheGroups
			}
			if fc.VocabSize != nil && !cmd.Flags().Changed("vocab-size") {
				vocabSize = *fc.VocabSize
			}
			if fc.EOSTokenID != nil && !cmd.Flags().Changed("eos-token-id") {
				eosTokenID = *fc.EOSTokenID
			}
			if fc.Listen != "" && !cmd.Flags().Changed("listen") {
				listenAddr = fc.Listen
			}
		}

		if totalKVBlocks <= 0 {
			logrus.Fatalf("--total-kv-blocks must be > 0, got %d", totalKVBlocks)
		}
		if blockSizeTokens <= 0 {
			logrus.Fatalf("--block-size-in-tokens must be > 0, got %d", blockSizeTokens)
		}
		if maxRunningReqs <= 0 {
			logrus.Fatalf("--max-num-running-reqs must be > 0, got %d", maxRunningReqs)
		}
		if maxScheduledTokens <= 0 {
			logrus.Fatalf("--max-num-scheduled-tokens must be > 0, got %d", maxScheduledTokens)
		}
		if longPrefillTokenThreshold < 0 {
			logrus.Fatalf("--long-prefill-token-threshold must be >= 0, got %d", longPrefillTokenThreshold)
		}

		logrus.Infof("Starting engine with %d KV blocks x %d groups, block size %d tokens",
			totalKVBlocks, max(len(cacheGroups), 1), blockSizeTokens)

		cfg := engine.NewEngineConfig(
			engine.NewKVCacheConfig(totalKVBlocks, blockSizeTokens, cacheGroups),
			engine.NewBatchConfig(maxRunningReqs, maxScheduledTokens, longPrefillTokenThreshold),
			engine.NewModelConfig(vocabSize, eosTokenID),
		)
		eng := engine.NewEngine(cfg,
			engine.NewNoopMemoryPool(),
			engine.NewGreedyExecutor(cfg.ModelConfig),
		)

		srv := &http.Server{Addr: listenAddr, Handler: httpapi.NewServer(eng).Router()}
		go func() {
			logrus.Infof("Admin API listening on %s", listenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.Fatalf("Admin API failed: %v", err)
			}
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

		ticker := time.NewTicker(stepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				logrus.Info("Shutting down.")
				srv.Close()
				return
			case <-ticker.C:
				eng.Step()
			}
		}
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	serveCmd.Flags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file (flags override)")

	// Engine configs
	serveCmd.Flags().Int64Var(&totalKVBlocks, "total-kv-blocks", 1000000, "Total number of KV cache blocks per cache group")
	serveCmd.Flags().Int64Var(&blockSizeTokens, "block-size-in-tokens", 16, "Number of tokens contained in a KV cache block")
	serveCmd.Flags().Int64Var(&maxRunningReqs, "max-num-running-reqs", 256, "Maximum number of requests running together")
	serveCmd.Flags().Int64Var(&maxScheduledTokens, "max-num-scheduled-tokens", 2048, "Maximum total number of new tokens across running requests")
	serveCmd.Flags().Int64Var(&longPrefillTokenThreshold, "long-prefill-token-threshold", 0, "Max length of prefill beyond which chunked prefill is triggered")
	serveCmd.Flags().StringSliceVar(&cacheGroups, "cache-groups", nil, "Cache group names (default: one group named default)")

	// Executor configs
	serveCmd.Flags().IntVar(&vocabSize, "vocab-size", 32000, "Token id space of the built-in executor")
	serveCmd.Flags().IntVar(&eosTokenID, "eos-token-id", 2, "End-of-sequence token id")

	// Serving configs
	serveCmd.Flags().DurationVar(&stepInterval, "step-interval", 10*time.Millisecond, "Interval between scheduling steps")
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "Admin/metrics listen address")

	// Attach `serve` as a subcommand to `root`
	rootCmd.AddCommand(serveCmd)
}

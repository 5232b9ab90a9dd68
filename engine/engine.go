// Engine: the top-level handle combining scheduler, cache coordinator,
// checkpoint manager, memory pool, and executor, plus the sleep/wake state
// machine. All entry points serialize on one mutex, so sleep/wake can never
// interleave with a scheduling step.

package engine

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrSleeping rejects mutations that a wake-time restore would silently
	// undo: the checkpoint was taken at sleep time and is authoritative.
	ErrSleeping = errors.New("engine is sleeping")
	// ErrUnknownRequest reports an id with no live request.
	ErrUnknownRequest = errors.New("unknown request")
)

// State is the engine lifecycle state.
type State string

const (
	StateAwake    State = "AWAKE"
	StateSleeping State = "SLEEPING"
)

// StepResult reports one scheduling step: which requests were scheduled,
// which finished, and the token generated per request (if any).
type StepResult struct {
	ScheduledIDs    []string
	FinishedIDs     []string
	GeneratedTokens map[string]int
}

type Engine struct {
	mu sync.Mutex

	cfg   EngineConfig
	sched *Scheduler
	ckpt  *CheckpointManager
	pool  MemoryPool
	exec  ModelExecutor

	state         State
	retainBuffers bool
}

// NewEngine creates an Engine with one block cache per configured cache
// group (a single "default" group when none are named). The block cache
// implementation must be registered by importing the engine/kv package.
func NewEngine(cfg EngineConfig, pool MemoryPool, exec ModelExecutor) *Engine {
	names := cfg.KVCacheConfig.CacheGroups
	if len(names) == 0 {
		names = []string{"default"}
	}
	groups := make([]CacheGroup, 0, len(names))
	for _, name := range names {
		groups = append(groups, CacheGroup{
			Name:  name,
			Cache: MustNewBlockCache(cfg.KVCacheConfig.TotalKVBlocks, cfg.KVCacheConfig.BlockSizeTokens),
		})
	}
	coord := NewCacheCoordinator(groups)
	return &Engine{
		cfg:   cfg,
		sched: NewScheduler(cfg.BatchConfig, coord),
		ckpt:  NewCheckpointManager(),
		pool:  pool,
		exec:  exec,
		state: StateAwake,
	}
}

// Scheduler returns the engine's scheduler.
func (e *Engine) Scheduler() *Scheduler { return e.sched }

// IsSleeping reports whether the engine is in the SLEEPING state.
func (e *Engine) IsSleeping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateSleeping
}

// EngineStatus is a point-in-time view of the engine for the admin surface.
type EngineStatus struct {
	State         State `json:"state"`
	Waiting       int   `json:"waiting"`
	Running       int   `json:"running"`
	StepCount     int   `json:"step_count"`
	UsedKVBlocks  int64 `json:"used_kv_blocks"`
	HasCheckpoint bool  `json:"has_checkpoint"`
}

// Status reports the engine's current state.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineStatus{
		State:         e.state,
		Waiting:       e.sched.NumWaiting(),
		Running:       e.sched.NumRunning(),
		StepCount:     e.sched.StepCount(),
		UsedKVBlocks:  e.sched.Coordinator().UsedBlocks(),
		HasCheckpoint: e.ckpt.HasCheckpoint(),
	}
}

// AddRequest admits a request, returning its id. Admission is refused while
// sleeping: a wake-time restore rebuilds scheduler state from the checkpoint
// and would silently lose anything enqueued in between.
func (e *Engine) AddRequest(req *Request) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateSleeping {
		return "", fmt.Errorf("cannot admit request: %w", ErrSleeping)
	}
	return e.sched.Add(req), nil
}

// AbortRequest finishes a live request with ABORTED, wherever it is queued.
// Refused while sleeping: a preserved checkpoint already holds the request,
// so the wake-time restore would resurrect it and undo the abort the caller
// observed.
func (e *Engine) AbortRequest(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateSleeping {
		return fmt.Errorf("cannot abort request %s: %w", id, ErrSleeping)
	}
	req := e.sched.Request(id)
	if req == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	e.sched.Abort(req)
	return nil
}

// Step runs one scheduling step: form the batch, advance computed progress,
// and emit one token for each request whose full token history is computed.
// Returns nil while sleeping.
func (e *Engine) Step() *StepResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateSleeping {
		return nil
	}

	batch := e.sched.ScheduleStep()
	res := &StepResult{GeneratedTokens: make(map[string]int)}
	// Finish mutates the running slice; iterate over a copy.
	for _, req := range append([]*Request(nil), batch...) {
		res.ScheduledIDs = append(res.ScheduledIDs, req.ID)
		if req.NumNewTokens > 0 {
			req.NumComputedTokens += int64(req.NumNewTokens)
		}
		if req.NumComputedTokens < req.NumTokens() {
			continue // prefill or recompute still in progress
		}
		tok := e.exec.NextToken(req)
		req.OutputTokens = append(req.OutputTokens, tok)
		res.GeneratedTokens[req.ID] = tok

		if tok == e.cfg.ModelConfig.EOSTokenID && !req.Params.IgnoreEOS {
			e.sched.Finish(req, StatusFinishedStopped, "eos token generated")
			res.FinishedIDs = append(res.FinishedIDs, req.ID)
		} else if req.Params.MaxTokens > 0 && len(req.OutputTokens) >= req.Params.MaxTokens {
			e.sched.Finish(req, StatusFinishedLength, "max output tokens reached")
			res.FinishedIDs = append(res.FinishedIDs, req.ID)
		}
	}
	return res
}

// Sleep transitions AWAKE→SLEEPING. With preserveState, running requests are
// preempted back to the waiting queue and a checkpoint of all scheduler and
// cache state is saved, then both weights and KV cache are offloaded. Without
// it, offload follows the level alone: level 1 offloads weights only, deeper
// levels also offload the KV cache. Level 1 sets the buffer-retention flag.
// A no-op when already sleeping.
func (e *Engine) Sleep(level int, preserveState bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.recoverBoundary("sleep", StateSleeping)

	if e.state == StateSleeping {
		logrus.Warn("sleep requested while already sleeping, ignoring")
		return
	}

	if preserveState {
		if e.sched.NumActiveRequests() == 0 {
			// Nothing to preserve. An empty checkpoint would only trigger a
			// pointless restore on wake.
			e.ckpt.Clear()
			logrus.Info("sleep: no active requests, skipping checkpoint")
		} else {
			e.sched.PrepareForSleep()
			e.ckpt.Save(e.sched.GetCheckpointState())
		}
		e.pool.Offload(TagWeights, TagKVCache)
	} else if level <= 1 {
		e.pool.Offload(TagWeights)
	} else {
		e.pool.Offload(TagWeights, TagKVCache)
	}

	if level <= 1 {
		e.retainBuffers = true
	}
	e.state = StateSleeping
	metricSleeps.WithLabelValues(strconv.FormatBool(preserveState)).Inc()
	logrus.Infof("engine sleeping: level=%d preserve_state=%t", level, preserveState)
}

// WakeUp transitions SLEEPING→AWAKE. Physical memory is restored first, then
// scheduler and cache state when a checkpoint is present. Waking with no
// checkpoint is not an error: prefix caches and the buffer-retention flag
// are reset so no state from before the sleep is trusted.
// A no-op when already awake.
func (e *Engine) WakeUp() {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.recoverBoundary("wake", StateAwake)

	if e.state == StateAwake {
		logrus.Warn("wake requested while already awake, ignoring")
		return
	}

	e.pool.Restore()
	if cp, ok := e.ckpt.Load(); ok {
		e.sched.RestoreCheckpointState(cp.Scheduler)
		e.ckpt.Clear()
	} else {
		logrus.Warn("wake: no checkpoint present, resetting prefix caches")
		e.sched.Coordinator().ResetPrefixCache()
	}
	e.retainBuffers = false
	e.state = StateAwake
	metricWakes.Inc()
	logrus.Info("engine awake")
}

// recoverBoundary converts a panic during a sleep/wake transition into a
// logged, best-effort reset to an empty state in the target lifecycle state.
func (e *Engine) recoverBoundary(op string, target State) {
	if r := recover(); r != nil {
		logrus.Errorf("%s transition failed: %v; resetting to empty state", op, r)
		e.resetEmpty(target)
		metricStateResets.Inc()
	}
}

// resetEmpty discards all scheduler, cache, and checkpoint state.
func (e *Engine) resetEmpty(target State) {
	e.sched.clearAll()
	e.sched.Coordinator().Clear()
	e.ckpt.Clear()
	e.retainBuffers = false
	e.state = target
}

// Checkpoint manager: owns the single in-memory engine checkpoint and the
// serialize/deserialize contract for individual requests. Checkpoints are
// process-local, single-slot, and hold deep copies with no live references
// into scheduler memory.

package engine

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// CheckpointFormatVersion is bumped whenever the snapshot shape changes.
// A loaded checkpoint with a different version is treated as absent.
const CheckpointFormatVersion = 1

// RequestSnapshot is the fully self-contained serialized form of a Request.
// Derived views (block hashes) are intentionally absent: deserialization
// reconstructs them explicitly. Serving stale cached views post-restore was
// a defect class in earlier designs; reconstruction is never assumed
// automatic.
type RequestSnapshot struct {
	ID          string
	ClientIndex int
	Priority    int

	InputTokens   []int
	Params        SamplingParams
	LoRA          *LoRARef
	MultimodalRef string

	OutputTokens      []int
	NumComputedTokens int64
	NumCachedTokens   int64
	Status            Status
	StopReason        string
	NumPreemptions    int
}

// SerializeRequest produces a deep copy of all observable request state.
func SerializeRequest(req *Request) RequestSnapshot {
	snap := RequestSnapshot{
		ID:                req.ID,
		ClientIndex:       req.ClientIndex,
		Priority:          req.Priority,
		InputTokens:       append([]int(nil), req.InputTokens...),
		Params:            req.Params,
		MultimodalRef:     req.MultimodalRef,
		OutputTokens:      append([]int(nil), req.OutputTokens...),
		NumComputedTokens: req.NumComputedTokens,
		NumCachedTokens:   req.NumCachedTokens,
		Status:            req.Status,
		StopReason:        req.StopReason,
		NumPreemptions:    req.NumPreemptions,
	}
	if req.LoRA != nil {
		lora := *req.LoRA
		snap.LoRA = &lora
	}
	return snap
}

// DeserializeRequest reconstructs a Request from its snapshot, validating
// structural invariants and rebuilding the derived block-hash view over the
// token sequence. blockSize is the engine's cache block size.
func DeserializeRequest(snap RequestSnapshot, blockSize int64) (*Request, error) {
	if snap.ID == "" {
		return nil, fmt.Errorf("request snapshot has empty id")
	}
	if snap.InputTokens == nil {
		return nil, fmt.Errorf("request %s: snapshot has nil input tokens", snap.ID)
	}
	if !validStatuses[snap.Status] {
		return nil, fmt.Errorf("request %s: unknown status %q", snap.ID, snap.Status)
	}
	total := int64(len(snap.InputTokens) + len(snap.OutputTokens))
	if snap.NumComputedTokens < 0 || snap.NumComputedTokens > total {
		return nil, fmt.Errorf("request %s: computed tokens %d out of range [0, %d]",
			snap.ID, snap.NumComputedTokens, total)
	}
	req := &Request{
		ID:                snap.ID,
		ClientIndex:       snap.ClientIndex,
		Priority:          snap.Priority,
		InputTokens:       append([]int(nil), snap.InputTokens...),
		Params:            snap.Params,
		MultimodalRef:     snap.MultimodalRef,
		OutputTokens:      append([]int(nil), snap.OutputTokens...),
		NumComputedTokens: snap.NumComputedTokens,
		NumCachedTokens:   snap.NumCachedTokens,
		Status:            snap.Status,
		StopReason:        snap.StopReason,
		NumPreemptions:    snap.NumPreemptions,
	}
	if snap.LoRA != nil {
		lora := *snap.LoRA
		req.LoRA = &lora
	}
	// Derived views never survive serialization: rebuild, don't copy.
	req.RecomputeBlockHashes(blockSize)
	return req, nil
}

// SchedulerCheckpoint is the point-in-time snapshot of scheduler and cache
// allocation state. Invariant: every id in WaitingOrder ∪ RunningOrder has a
// serialized request; ids without matching allocations are dropped at
// restore time rather than failing the whole restore.
type SchedulerCheckpoint struct {
	Requests     []RequestSnapshot
	WaitingOrder []string
	RunningOrder []string
	// BlockAllocations maps cache group name → request id → block sequence.
	BlockAllocations map[string]map[string][]int64
	// PrefixEntries maps cache group name → exported prefix entries.
	PrefixEntries map[string][]PrefixEntry
	StepCount     int
}

// EngineCheckpoint wraps a SchedulerCheckpoint with metadata. Created only
// when state preservation is requested and at least one non-finished request
// exists; exactly one checkpoint is held at a time.
type EngineCheckpoint struct {
	CreatedAt     time.Time
	FormatVersion int
	NonEmpty      bool
	Scheduler     *SchedulerCheckpoint
}

// CheckpointManager owns at most one live EngineCheckpoint. It is explicit
// state passed by handle, never ambient: no package-level current-checkpoint
// singleton exists.
type CheckpointManager struct {
	current *EngineCheckpoint
}

// NewCheckpointManager creates an empty manager.
func NewCheckpointManager() *CheckpointManager {
	return &CheckpointManager{}
}

// Save wraps the scheduler checkpoint with metadata and overwrites any prior
// checkpoint.
func (m *CheckpointManager) Save(sc *SchedulerCheckpoint) {
	m.current = &EngineCheckpoint{
		CreatedAt:     time.Now(),
		FormatVersion: CheckpointFormatVersion,
		NonEmpty:      len(sc.Requests) > 0,
		Scheduler:     sc,
	}
	metricCheckpointSaves.Inc()
	logrus.Infof("checkpoint saved: %d requests, %d waiting, %d running",
		len(sc.Requests), len(sc.WaitingOrder), len(sc.RunningOrder))
}

// Load returns the current checkpoint. The simple-absent case returns
// (nil, false) and is never an error. A structurally invalid checkpoint
// (unknown version, missing scheduler state) is logged with diagnostic
// detail, dropped, and reported as absent — availability over strict
// consistency.
func (m *CheckpointManager) Load() (*EngineCheckpoint, bool) {
	cp := m.current
	if cp == nil {
		return nil, false
	}
	if cp.FormatVersion != CheckpointFormatVersion {
		logrus.Warnf("checkpoint invalid: format version %d (want %d), treating as absent",
			cp.FormatVersion, CheckpointFormatVersion)
		m.current = nil
		metricCheckpointDrops.Inc()
		return nil, false
	}
	if cp.Scheduler == nil {
		logrus.Warn("checkpoint invalid: missing scheduler state, treating as absent")
		m.current = nil
		metricCheckpointDrops.Inc()
		return nil, false
	}
	metricCheckpointLoads.Inc()
	return cp, true
}

// Clear drops the checkpoint.
func (m *CheckpointManager) Clear() {
	m.current = nil
}

// HasCheckpoint reports whether a checkpoint is currently held.
// It does not validate; Load does.
func (m *CheckpointManager) HasCheckpoint() bool {
	return m.current != nil
}

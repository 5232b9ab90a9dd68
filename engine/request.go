// Defines the Request struct that models an individual inference request.
// Tracks identity, immutable input, generation progress, and the derived
// prefix-cache block hashes used for cache-aware scheduling.

package engine

import (
	"fmt"

	"github.com/kvflow/kvflow/engine/internal/hash"
)

// Status represents the lifecycle state of a request.
type Status string

const (
	StatusWaiting             Status = "WAITING"
	StatusRunning             Status = "RUNNING"
	StatusPreempted           Status = "PREEMPTED"
	StatusWaitingForRemoteKVs Status = "WAITING_FOR_REMOTE_KVS"
	StatusFinishedStopped     Status = "FINISHED_STOPPED"
	StatusFinishedLength      Status = "FINISHED_LENGTH"
	StatusFinishedAborted     Status = "FINISHED_ABORTED"
)

// Finished reports whether the status is terminal.
func (s Status) Finished() bool {
	switch s {
	case StatusFinishedStopped, StatusFinishedLength, StatusFinishedAborted:
		return true
	}
	return false
}

// validStatuses is used by deserialization to reject malformed snapshots.
var validStatuses = map[Status]bool{
	StatusWaiting:             true,
	StatusRunning:             true,
	StatusPreempted:           true,
	StatusWaitingForRemoteKVs: true,
	StatusFinishedStopped:     true,
	StatusFinishedLength:      true,
	StatusFinishedAborted:     true,
}

// SamplingParams holds the immutable sampling configuration of a request.
// Only greedy (Temperature == 0) decoding is exercised by the built-in
// executor; the remaining fields ride along for serialization fidelity.
type SamplingParams struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
	Seed        int64
	IgnoreEOS   bool
}

// LoRARef identifies a LoRA adapter attached to a request.
type LoRARef struct {
	Name string
	Path string
	ID   int
}

// Request models a single request's lifecycle in the engine.
// The Scheduler exclusively owns Request objects; checkpoints hold deep
// copies, never live references.
type Request struct {
	ID          string // Unique identifier; assigned on admission when empty
	ClientIndex int    // Index of the submitting client
	Priority    int    // Scheduling priority (higher = more urgent)

	InputTokens   []int          // Prompt tokens (immutable after admission)
	Params        SamplingParams // Sampling parameters (immutable)
	LoRA          *LoRARef       // Optional LoRA adapter reference
	MultimodalRef string         // Optional multimodal payload reference (opaque)

	OutputTokens      []int // Tokens generated so far
	NumComputedTokens int64 // Tokens whose KV state has been computed (≤ NumTokens)
	NumCachedTokens   int64 // Tokens satisfied from the prefix cache at admission
	Status            Status
	StopReason        string
	NumPreemptions    int // Incremented on every preemption

	// BlockHashes is a derived view over the token sequence: chained block
	// hashes used for prefix-cache matching. Not maintained incrementally
	// during generation; rebuilt on deserialization (and on demand via
	// RecomputeBlockHashes), never trusted to survive a copy.
	BlockHashes []uint64

	// NumNewTokens is transient per-step bookkeeping: the number of new
	// tokens scheduled for this request in the current step. Not
	// checkpointed.
	NumNewTokens int
}

// NewRequest creates a Request in StatusWaiting with the given required
// fields. ID may be empty for deferred assignment; the Scheduler assigns a
// unique id on admission. InputTokens is stored by reference; callers must
// not mutate the slice after passing it.
//
// Panics if inputTokens is nil or params.MaxTokens is negative.
func NewRequest(id string, clientIndex int, inputTokens []int, params SamplingParams) *Request {
	if inputTokens == nil {
		panic("NewRequest: inputTokens must not be nil")
	}
	if params.MaxTokens < 0 {
		panic(fmt.Sprintf("NewRequest: MaxTokens must be >= 0, got %d", params.MaxTokens))
	}
	return &Request{
		ID:          id,
		ClientIndex: clientIndex,
		InputTokens: inputTokens,
		Params:      params,
		Status:      StatusWaiting,
	}
}

// NumTokens returns the total token count (prompt + generated).
func (req *Request) NumTokens() int64 {
	return int64(len(req.InputTokens) + len(req.OutputTokens))
}

// IsFinished reports whether the request reached a terminal status.
func (req *Request) IsFinished() bool {
	return req.Status.Finished()
}

// AllTokens returns the full token sequence (prompt followed by generated).
// The result is a fresh slice.
func (req *Request) AllTokens() []int {
	out := make([]int, 0, req.NumTokens())
	out = append(out, req.InputTokens...)
	out = append(out, req.OutputTokens...)
	return out
}

// TokenAt returns the token at absolute index i across prompt + output.
func (req *Request) TokenAt(i int64) int {
	if i < int64(len(req.InputTokens)) {
		return req.InputTokens[i]
	}
	return req.OutputTokens[i-int64(len(req.InputTokens))]
}

// RecomputeBlockHashes rebuilds the derived BlockHashes view for the current
// token sequence. Deserialization always calls it; any other reader wanting
// a view that reflects generated tokens rebuilds explicitly first.
func (req *Request) RecomputeBlockHashes(blockSize int64) {
	req.BlockHashes = hash.ComputeBlockHashes(int(blockSize), req.AllTokens())
}

// This method returns a human-readable string representation of a Request.
func (req Request) String() string {
	return fmt.Sprintf("Request: (ID: %s, Status: %s, Computed: %d, Generated: %d)",
		req.ID, req.Status, req.NumComputedTokens, len(req.OutputTokens))
}

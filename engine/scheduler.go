// Scheduler: orchestrates queue transitions and continuous batching. It
// exclusively owns Request objects and queue order, and delegates block
// allocation to the CacheCoordinator. Checkpoint export/import lives in
// scheduler_checkpoint.go.

package engine

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kvflow/kvflow/engine/internal/util"
)

type Scheduler struct {
	cfg   BatchConfig
	coord *CacheCoordinator

	waitQ   *WaitQueue
	running []*Request
	// requests is the authoritative live set: waiting ∪ running.
	requests map[string]*Request

	stepCount int

	// Transient bookkeeping. Must not leak across the checkpoint boundary:
	// exported never, cleared on every restore.
	scheduledLastStep map[string]struct{}
	finishedIDs       map[string]struct{}
	encoderCacheRefs  map[string]string // request id -> multimodal payload ref

	preemptionHappened bool
}

// NewScheduler creates a Scheduler over the given coordinator.
func NewScheduler(cfg BatchConfig, coord *CacheCoordinator) *Scheduler {
	s := &Scheduler{cfg: cfg, coord: coord}
	s.clearAll()
	return s
}

// clearAll resets every piece of scheduler-local state, including transient
// bookkeeping that is never itself checkpointed.
func (s *Scheduler) clearAll() {
	s.waitQ = &WaitQueue{}
	s.running = nil
	s.requests = make(map[string]*Request)
	s.scheduledLastStep = make(map[string]struct{})
	s.finishedIDs = make(map[string]struct{})
	s.encoderCacheRefs = make(map[string]string)
	s.preemptionHappened = false
}

// Coordinator returns the scheduler's cache coordinator.
func (s *Scheduler) Coordinator() *CacheCoordinator { return s.coord }

// Add admits a request into the waiting queue, assigning a unique id when
// the caller left it empty. Returns the request id.
func (s *Scheduler) Add(req *Request) string {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = StatusWaiting
	s.requests[req.ID] = req
	s.waitQ.Enqueue(req)
	if req.MultimodalRef != "" {
		s.encoderCacheRefs[req.ID] = req.MultimodalRef
	}
	metricWaitingRequests.Set(float64(s.waitQ.Len()))
	return req.ID
}

// Request returns the live request with the given id, or nil.
func (s *Scheduler) Request(id string) *Request { return s.requests[id] }

// NumWaiting returns the waiting queue depth.
func (s *Scheduler) NumWaiting() int { return s.waitQ.Len() }

// NumRunning returns the running batch size.
func (s *Scheduler) NumRunning() int { return len(s.running) }

// NumActiveRequests returns the number of live (non-finished) requests.
func (s *Scheduler) NumActiveRequests() int { return len(s.requests) }

// Running returns the current running batch (shared slice; callers must not
// mutate).
func (s *Scheduler) Running() []*Request { return s.running }

// StepCount returns the number of scheduling steps performed.
func (s *Scheduler) StepCount() int { return s.stepCount }

// ScheduleStep forms the running batch for one step: continue running
// requests (chunked prefill, one decode token each), then admit from the
// waiting queue while capacity allows. Returns the batch; each request's
// NumNewTokens says how many tokens the executor must compute for it.
func (s *Scheduler) ScheduleStep() []*Request {
	s.stepCount++
	s.preemptionHappened = false
	s.scheduledLastStep = make(map[string]struct{})

	budget := s.cfg.MaxScheduledTokens

	// Every running request starts the step unscheduled; a stale count from
	// the previous step must not survive a budget break below.
	for _, req := range s.running {
		req.NumNewTokens = 0
	}

	// Phase 1: continuing requests.
	// NOTE: allocateWithPreemption may shorten s.running during iteration
	// (tail eviction). The range captures the slice header at loop entry,
	// so evicted requests are still visited at their original indices —
	// the victim==req check below handles that case.
	for _, req := range s.running {
		if budget <= 0 {
			logrus.Warnf("step %d: token budget exhausted, deferring remaining requests", s.stepCount)
			break
		}
		if req.Status != StatusRunning {
			continue // evicted earlier in this pass
		}
		// Pending tokens: prompt prefill, output recompute after a capacity
		// preemption, or the single token generated last step (decode).
		numNew := s.chunkTokens(req.NumTokens()-req.NumComputedTokens, budget)
		if numNew > 0 {
			if !s.allocateWithPreemption(req, numNew) {
				break
			}
			budget -= numNew
			req.NumNewTokens = int(numNew)
		}
	}

	// Phase 2: admit from the waiting queue.
	for util.Len64(s.running) < s.cfg.MaxRunningReqs && s.waitQ.Len() > 0 && budget > 0 && !s.preemptionHappened {
		next := s.waitQ.Peek()
		if next.Status == StatusWaitingForRemoteKVs {
			// Remote KV transfer pending; FCFS order must hold, so stop
			// admitting rather than skip ahead.
			break
		}
		if !s.coord.HasRequest(next.ID) {
			// Fresh admission (or recompute after a capacity preemption):
			// start from the longest cached prefix of the prompt.
			cached := s.coord.GetCachedBlocks(next.InputTokens)
			cachedTokens := util.Len64(cached) * s.coord.BlockSize()
			if cachedTokens >= util.Len64(next.InputTokens) && cachedTokens > 0 {
				// Never admit with the full prompt cached: the last block is
				// recomputed so the step produces a first token.
				cachedTokens -= s.coord.BlockSize()
			}
			next.NumCachedTokens = cachedTokens
			next.NumComputedTokens = cachedTokens
		}
		// else: restored after a preserving sleep/wake — allocations are
		// already tracked, resume from the recorded progress.

		numNew := s.chunkTokens(next.NumTokens()-next.NumComputedTokens, budget)
		if numNew > 0 && !s.coord.Allocate(next, next.NumComputedTokens, next.NumComputedTokens+numNew) {
			// FCFS: cannot skip ahead of an unschedulable head.
			break
		}

		s.waitQ.Dequeue()
		next.Status = StatusRunning
		next.NumNewTokens = int(numNew)
		s.running = append(s.running, next)
		s.scheduledLastStep[next.ID] = struct{}{}
		budget -= numNew
	}

	metricWaitingRequests.Set(float64(s.waitQ.Len()))
	metricRunningRequests.Set(float64(len(s.running)))
	metricUsedKVBlocks.Set(float64(s.coord.UsedBlocks()))
	return s.running
}

// chunkTokens caps a pending token count by the chunked-prefill threshold
// and the remaining step budget. Zero pending means an emit-only step.
func (s *Scheduler) chunkTokens(pending, budget int64) int64 {
	if pending <= 0 {
		return 0
	}
	if 0 < s.cfg.LongPrefillTokenThreshold && s.cfg.LongPrefillTokenThreshold < pending {
		pending = s.cfg.LongPrefillTokenThreshold
	}
	return min(pending, budget)
}

// allocateWithPreemption tries to allocate numNew tokens of blocks for req,
// evicting from the batch tail if needed. Returns false when allocation is
// impossible (cache too small or req was itself evicted).
func (s *Scheduler) allocateWithPreemption(req *Request, numNew int64) bool {
	for {
		if s.coord.Allocate(req, req.NumComputedTokens, req.NumComputedTokens+numNew) {
			return true
		}
		if len(s.running) == 0 {
			logrus.Warnf("step %d: cache too small for request %s (need %d tokens, nothing to evict)",
				s.stepCount, req.ID, numNew)
			return false
		}
		victim := s.running[len(s.running)-1]
		s.running = s.running[:len(s.running)-1]
		s.preemptCapacity(victim)
		if victim == req {
			return false
		}
	}
}

// preemptCapacity evicts a request to reclaim cache capacity: blocks are
// released and computed progress reset for recomputation, generated output
// is preserved. The request re-enters the waiting queue at the front.
func (s *Scheduler) preemptCapacity(req *Request) {
	logrus.Warnf("step %d: preempting %s to make room", s.stepCount, req.ID)
	s.preemptionHappened = true
	req.Status = StatusPreempted
	req.NumPreemptions++
	s.coord.Release(req)
	req.NumComputedTokens = 0
	s.waitQ.PushFront(req)
	metricPreemptions.Inc()
}

// Abort finishes a live request with ABORTED wherever it is queued.
func (s *Scheduler) Abort(req *Request) {
	s.waitQ.Remove(req.ID)
	s.Finish(req, StatusFinishedAborted, "aborted by client")
}

// Finish transitions a running request to a terminal status, releases its
// cache blocks, and drops it from the live set.
func (s *Scheduler) Finish(req *Request, status Status, reason string) {
	if !status.Finished() {
		panic("Finish: status must be terminal, got " + string(status))
	}
	req.Status = status
	req.StopReason = reason
	s.coord.Release(req)
	delete(s.requests, req.ID)
	delete(s.encoderCacheRefs, req.ID)
	s.finishedIDs[req.ID] = struct{}{}
	for i, r := range s.running {
		if r == req {
			s.running = append(s.running[:i], s.running[i+1:]...)
			break
		}
	}
	logrus.Debugf("finished req %s: %s (%s), %d generated tokens", req.ID, status, reason, len(req.OutputTokens))
}

// Checkpoint export/import for the Scheduler: preemption before snapshot,
// full serialization of requests and queue order, and the restore sequence
// (clear, requests, queues, coordinator, prefix cache).

package engine

import (
	"github.com/sirupsen/logrus"
)

// PrepareForSleep moves every running request back to the waiting queue so
// the snapshot only ever contains waiting or preempted requests. Unlike a
// capacity preemption, computed progress and block allocations are kept:
// the blocks survive in the preserved pool, so nothing needs recomputing on
// wake. Relative batch order is preserved at the front of the queue.
// Idempotent: with nothing running this is a no-op.
func (s *Scheduler) PrepareForSleep() {
	if len(s.running) == 0 {
		return
	}
	for i := len(s.running) - 1; i >= 0; i-- {
		req := s.running[i]
		if req.IsFinished() {
			continue
		}
		req.Status = StatusPreempted
		req.NumPreemptions++
		s.waitQ.PushFront(req)
	}
	logrus.Infof("preempted %d running requests ahead of sleep", len(s.running))
	s.running = nil
}

// GetCheckpointState snapshots the scheduler: all live requests (deep
// copies), queue orders, per-group block allocations, and per-group prefix
// cache entries. Callers must run PrepareForSleep first so the running set
// is empty; a non-empty running set is still recorded faithfully.
func (s *Scheduler) GetCheckpointState() *SchedulerCheckpoint {
	cp := &SchedulerCheckpoint{
		Requests:         make([]RequestSnapshot, 0, len(s.requests)),
		WaitingOrder:     s.waitQ.IDs(),
		RunningOrder:     make([]string, 0, len(s.running)),
		BlockAllocations: s.coord.ExportAllocations(),
		PrefixEntries:    s.coord.ExportPrefixCache(),
		StepCount:        s.stepCount,
	}
	for _, id := range cp.WaitingOrder {
		cp.Requests = append(cp.Requests, SerializeRequest(s.requests[id]))
	}
	for _, req := range s.running {
		cp.RunningOrder = append(cp.RunningOrder, req.ID)
		cp.Requests = append(cp.Requests, SerializeRequest(req))
	}
	return cp
}

// RestoreCheckpointState rebuilds the scheduler from a snapshot. All current
// state is cleared first, so a failed partial restore can never mix old and
// new state. Requests that fail validation or whose block allocations cannot
// be re-established are dropped from every layer (queues, coordinator,
// prefix cache reference counts) with a warning; the restore itself
// succeeds with the surviving requests.
func (s *Scheduler) RestoreCheckpointState(cp *SchedulerCheckpoint) {
	s.clearAll()
	s.coord.Clear()

	blockSize := s.coord.BlockSize()
	restored := make(map[string]*Request, len(cp.Requests))
	for _, snap := range cp.Requests {
		req, err := DeserializeRequest(snap, blockSize)
		if err != nil {
			logrus.Warnf("restore: dropping request: %v", err)
			continue
		}
		restored[req.ID] = req
	}

	// Queues first, then coordinator state: allocation restore consults the
	// restored request set, and dropped ids must be removable from queues.
	for _, id := range cp.WaitingOrder {
		if req, ok := restored[id]; ok {
			s.requests[id] = req
			s.waitQ.Enqueue(req)
			if req.MultimodalRef != "" {
				s.encoderCacheRefs[id] = req.MultimodalRef
			}
		}
	}
	for _, id := range cp.RunningOrder {
		if req, ok := restored[id]; ok {
			s.requests[id] = req
			s.running = append(s.running, req)
			if req.MultimodalRef != "" {
				s.encoderCacheRefs[id] = req.MultimodalRef
			}
		}
	}

	for _, id := range s.coord.RestoreAllocations(cp.BlockAllocations, s.requests) {
		logrus.Warnf("restore: dropping request %s: block allocations unrecoverable", id)
		s.drop(id)
	}

	// Prefix cache last: reference counts are recomputed from the requests
	// that actually survived, never trusted from the snapshot.
	live := make([]*Request, 0, len(s.requests))
	for _, req := range s.requests {
		live = append(live, req)
	}
	s.coord.RestorePrefixCache(cp.PrefixEntries, live)

	s.stepCount = cp.StepCount
	logrus.Infof("restored scheduler state: %d requests (%d waiting, %d running), step %d",
		len(s.requests), s.waitQ.Len(), len(s.running), s.stepCount)
}

// drop removes a request from every scheduler and coordinator layer.
func (s *Scheduler) drop(id string) {
	req, ok := s.requests[id]
	if !ok {
		return
	}
	s.coord.Release(req)
	s.waitQ.Remove(id)
	for i, r := range s.running {
		if r.ID == id {
			s.running = append(s.running[:i], s.running[i+1:]...)
			break
		}
	}
	delete(s.requests, id)
	delete(s.encoderCacheRefs, id)
}

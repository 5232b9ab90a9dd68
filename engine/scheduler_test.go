package engine_test

import (
	"testing"

	"github.com/kvflow/kvflow/engine"
)

func newTestScheduler(blocks, bs, maxReqs, maxTokens, threshold int64) *engine.Scheduler {
	coord := engine.NewCacheCoordinator([]engine.CacheGroup{
		{Name: "default", Cache: engine.MustNewBlockCache(blocks, bs)},
	})
	return engine.NewScheduler(engine.NewBatchConfig(maxReqs, maxTokens, threshold), coord)
}

func waitingReq(id string, tokens []int) *engine.Request {
	return engine.NewRequest(id, 0, tokens, engine.SamplingParams{})
}

// advance simulates the executor: computed progress catches up with the
// tokens scheduled this step.
func advance(batch []*engine.Request) {
	for _, r := range batch {
		r.NumComputedTokens += int64(r.NumNewTokens)
	}
}

func promptOfLen(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

// distinctPrompt returns an n-token prompt that shares no block-aligned
// prefix with prompts built from a different base.
func distinctPrompt(base, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = base*1000 + i + 1
	}
	return out
}

func TestScheduleStep_TokenBudgetHonored(t *testing.T) {
	// GIVEN 3 requests needing 30 tokens each against a 50-token budget.
	// Prompts are distinct so no request rides the prefix cache of another.
	s := newTestScheduler(100, 4, 10, 50, 0)
	for i, id := range []string{"r1", "r2", "r3"} {
		s.Add(waitingReq(id, distinctPrompt(i+1, 30)))
	}

	// WHEN a step is scheduled
	batch := s.ScheduleStep()

	// THEN total new tokens must not exceed the budget
	var total int64
	for _, r := range batch {
		total += int64(r.NumNewTokens)
	}
	if total > 50 {
		t.Errorf("scheduled %d tokens, budget is 50", total)
	}
	if total != 50 {
		t.Errorf("scheduled %d tokens, want the full budget of 50", total)
	}
	if s.NumRunning() != 2 {
		t.Errorf("NumRunning() = %d, want 2 (r3 deferred)", s.NumRunning())
	}
}

func TestScheduleStep_BudgetBreakClearsStaleTokenCounts(t *testing.T) {
	// GIVEN two decoding requests that both scheduled a token last step
	s := newTestScheduler(100, 2, 10, 2, 0)
	s.Add(waitingReq("r1", distinctPrompt(1, 1)))
	s.Add(waitingReq("r2", distinctPrompt(2, 1)))
	advance(s.ScheduleStep())
	r1, r2 := s.Request("r1"), s.Request("r2")
	r1.OutputTokens = append(r1.OutputTokens, 7, 8)
	r2.OutputTokens = append(r2.OutputTokens, 9)

	// WHEN r1's pending tokens consume the whole step budget
	s.ScheduleStep()

	// THEN the deferred r2 carries no count over from the previous step
	if r1.NumNewTokens != 2 {
		t.Errorf("r1.NumNewTokens = %d, want 2", r1.NumNewTokens)
	}
	if r2.NumNewTokens != 0 {
		t.Errorf("r2.NumNewTokens = %d, want 0 for a deferred request", r2.NumNewTokens)
	}
}

func TestScheduleStep_MaxRunningReqsHonored(t *testing.T) {
	// GIVEN 5 waiting requests and a batch cap of 2
	s := newTestScheduler(100, 4, 2, 1000, 0)
	for i := 0; i < 5; i++ {
		s.Add(waitingReq("", promptOfLen(8)))
	}

	batch := s.ScheduleStep()

	if len(batch) != 2 {
		t.Errorf("batch size = %d, want 2", len(batch))
	}
	if s.NumWaiting() != 3 {
		t.Errorf("NumWaiting() = %d, want 3", s.NumWaiting())
	}
}

func TestScheduleStep_ChunkedPrefill(t *testing.T) {
	// GIVEN a 12-token prompt with a 5-token prefill chunk threshold
	s := newTestScheduler(100, 4, 10, 1000, 5)
	s.Add(waitingReq("r1", promptOfLen(12)))

	// WHEN steps run until the prompt is computed
	var chunks []int
	for i := 0; i < 3; i++ {
		batch := s.ScheduleStep()
		if len(batch) != 1 {
			t.Fatalf("step %d: batch size %d, want 1", i, len(batch))
		}
		chunks = append(chunks, batch[0].NumNewTokens)
		advance(batch)
	}

	// THEN prefill proceeds in threshold-sized chunks
	if chunks[0] != 5 || chunks[1] != 5 || chunks[2] != 2 {
		t.Errorf("chunks = %v, want [5 5 2]", chunks)
	}
	if got := s.Request("r1").NumComputedTokens; got != 12 {
		t.Errorf("NumComputedTokens = %d, want 12", got)
	}
}

func TestScheduleStep_PreemptsTailOnCapacity(t *testing.T) {
	// GIVEN two decoding requests filling a 3-block cache
	s := newTestScheduler(3, 2, 10, 100, 0)
	s.Add(waitingReq("r1", []int{1, 2, 3, 4}))
	s.Add(waitingReq("r2", []int{5, 6}))
	advance(s.ScheduleStep())
	r1, r2 := s.Request("r1"), s.Request("r2")
	r1.OutputTokens = append(r1.OutputTokens, 7)
	r2.OutputTokens = append(r2.OutputTokens, 8)

	// WHEN r1's decode token needs a block and none is free
	batch := s.ScheduleStep()

	// THEN the batch tail r2 is evicted: blocks released, computed reset,
	// generated output preserved, re-queued at the front
	if r2.Status != engine.StatusPreempted {
		t.Errorf("r2.Status = %s, want PREEMPTED", r2.Status)
	}
	if r2.NumComputedTokens != 0 {
		t.Errorf("r2.NumComputedTokens = %d, want 0", r2.NumComputedTokens)
	}
	if len(r2.OutputTokens) != 1 || r2.OutputTokens[0] != 8 {
		t.Errorf("r2 generated output not preserved: %v", r2.OutputTokens)
	}
	if r2.NumPreemptions != 1 {
		t.Errorf("r2.NumPreemptions = %d, want 1", r2.NumPreemptions)
	}
	if s.Coordinator().HasRequest("r2") {
		t.Error("r2's blocks should be released")
	}
	if len(batch) != 1 || batch[0].ID != "r1" || batch[0].NumNewTokens != 1 {
		t.Errorf("r1 should be the only scheduled request with 1 new token")
	}
	if s.NumWaiting() != 1 {
		t.Errorf("NumWaiting() = %d, want 1", s.NumWaiting())
	}

	// AND the preempted request is re-admitted for recompute on a later step
	advance(batch)
	s.Finish(r1, engine.StatusFinishedStopped, "test")
	batch = s.ScheduleStep()
	if len(batch) != 1 || batch[0].ID != "r2" {
		t.Fatalf("r2 should be re-admitted after capacity frees up")
	}
	// Recompute covers prompt plus the preserved output token.
	if batch[0].NumNewTokens != 3 {
		t.Errorf("r2 recompute NumNewTokens = %d, want 3", batch[0].NumNewTokens)
	}
}

func TestPrepareForSleep_MovesRunningToFront(t *testing.T) {
	// GIVEN two running requests with computed progress
	s := newTestScheduler(100, 2, 10, 100, 0)
	s.Add(waitingReq("r1", promptOfLen(4)))
	s.Add(waitingReq("r2", promptOfLen(6)))
	advance(s.ScheduleStep())

	// WHEN preparing for sleep
	s.PrepareForSleep()

	// THEN running is empty, order preserved at the front, progress intact
	if s.NumRunning() != 0 {
		t.Fatalf("NumRunning() = %d, want 0", s.NumRunning())
	}
	cp := s.GetCheckpointState()
	if len(cp.WaitingOrder) != 2 || cp.WaitingOrder[0] != "r1" || cp.WaitingOrder[1] != "r2" {
		t.Errorf("WaitingOrder = %v, want [r1 r2]", cp.WaitingOrder)
	}
	r1 := s.Request("r1")
	if r1.Status != engine.StatusPreempted {
		t.Errorf("r1.Status = %s, want PREEMPTED", r1.Status)
	}
	if r1.NumComputedTokens != 4 {
		t.Errorf("r1.NumComputedTokens = %d, want 4 (kept, not reset)", r1.NumComputedTokens)
	}
	if !s.Coordinator().HasRequest("r1") {
		t.Error("sleep preemption must keep block allocations")
	}

	// AND a second call is a no-op
	before := r1.NumPreemptions
	s.PrepareForSleep()
	if s.Request("r1").NumPreemptions != before || s.NumWaiting() != 2 {
		t.Error("PrepareForSleep should be idempotent")
	}
}

func TestCheckpointState_RoundTrip(t *testing.T) {
	// GIVEN a scheduler with one partially prefilled and one fresh request
	s := newTestScheduler(100, 2, 10, 5, 0)
	s.Add(waitingReq("r1", promptOfLen(8)))
	s.Add(waitingReq("r2", promptOfLen(4)))
	advance(s.ScheduleStep()) // r1 gets the 5-token budget, r2 stays waiting
	s.PrepareForSleep()
	cp := s.GetCheckpointState()

	// WHEN restoring into a fresh scheduler of the same shape
	s2 := newTestScheduler(100, 2, 10, 5, 0)
	s2.RestoreCheckpointState(cp)

	// THEN queue order, progress, allocations, and step count carry over
	if s2.NumActiveRequests() != 2 || s2.NumWaiting() != 2 || s2.NumRunning() != 0 {
		t.Fatalf("restored counts: active=%d waiting=%d running=%d",
			s2.NumActiveRequests(), s2.NumWaiting(), s2.NumRunning())
	}
	if got := s2.GetCheckpointState().WaitingOrder; got[0] != "r1" || got[1] != "r2" {
		t.Errorf("restored WaitingOrder = %v, want [r1 r2]", got)
	}
	if s2.StepCount() != s.StepCount() {
		t.Errorf("StepCount = %d, want %d", s2.StepCount(), s.StepCount())
	}
	r1 := s2.Request("r1")
	if r1 == nil || r1.NumComputedTokens != 5 {
		t.Fatalf("r1 progress not restored: %+v", r1)
	}
	if !s2.Coordinator().HasRequest("r1") {
		t.Fatal("r1 allocations not restored")
	}
	if s2.Coordinator().UsedBlocks() != s.Coordinator().UsedBlocks() {
		t.Errorf("UsedBlocks = %d, want %d", s2.Coordinator().UsedBlocks(), s.Coordinator().UsedBlocks())
	}

	// AND scheduling resumes from the recorded progress without re-prefilling
	batch := s2.ScheduleStep()
	if len(batch) == 0 || batch[0].ID != "r1" {
		t.Fatal("r1 should be re-admitted first")
	}
	if batch[0].NumNewTokens != 3 {
		t.Errorf("r1 resumes with %d new tokens, want 3 (8 prompt - 5 computed)", batch[0].NumNewTokens)
	}
}

func TestRestoreCheckpointState_DropsUnrecoverableRequest(t *testing.T) {
	// GIVEN a checkpoint whose r1 allocation references a nonexistent block
	s := newTestScheduler(100, 2, 10, 100, 0)
	s.Add(waitingReq("r1", promptOfLen(6)))
	s.Add(waitingReq("r2", promptOfLen(4)))
	advance(s.ScheduleStep())
	s.PrepareForSleep()
	cp := s.GetCheckpointState()
	cp.BlockAllocations["default"]["r1"] = []int64{9999}

	// WHEN restoring
	s2 := newTestScheduler(100, 2, 10, 100, 0)
	s2.RestoreCheckpointState(cp)

	// THEN r1 is dropped from every layer and r2 survives
	if s2.Request("r1") != nil {
		t.Error("r1 should be dropped")
	}
	if s2.Coordinator().HasRequest("r1") {
		t.Error("r1 must not be tracked in the cache")
	}
	if s2.NumActiveRequests() != 1 || s2.NumWaiting() != 1 {
		t.Errorf("active=%d waiting=%d, want 1/1", s2.NumActiveRequests(), s2.NumWaiting())
	}
	if got := s2.GetCheckpointState().WaitingOrder; len(got) != 1 || got[0] != "r2" {
		t.Errorf("WaitingOrder = %v, want [r2]", got)
	}
}

func TestAdd_AssignsIDWhenEmpty(t *testing.T) {
	s := newTestScheduler(10, 2, 10, 100, 0)
	id := s.Add(waitingReq("", []int{1}))
	if id == "" {
		t.Fatal("Add should assign an id")
	}
	if s.Request(id) == nil {
		t.Error("assigned id should resolve the request")
	}
	if got := s.Add(waitingReq("explicit", []int{1})); got != "explicit" {
		t.Errorf("Add returned %s, want the explicit id", got)
	}
}

func TestFinish_PanicsOnNonTerminalStatus(t *testing.T) {
	s := newTestScheduler(10, 2, 10, 100, 0)
	s.Add(waitingReq("r1", []int{1, 2}))
	advance(s.ScheduleStep())
	defer func() {
		if recover() == nil {
			t.Error("Finish with a non-terminal status should panic")
		}
	}()
	s.Finish(s.Request("r1"), engine.StatusRunning, "")
}

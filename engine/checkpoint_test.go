package engine

import (
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func sampleRequest(status Status) *Request {
	req := NewRequest("req-1", 3, []int{1, 2, 3, 4, 5}, SamplingParams{
		Temperature: 0,
		TopP:        0.9,
		MaxTokens:   32,
		Seed:        7,
		IgnoreEOS:   true,
	})
	req.Priority = 2
	req.OutputTokens = []int{10, 11}
	req.NumComputedTokens = 6
	req.NumCachedTokens = 2
	req.Status = status
	req.NumPreemptions = 1
	req.MultimodalRef = "mm-blob-17"
	req.LoRA = &LoRARef{Name: "adapter", Path: "/adapters/a", ID: 4}
	return req
}

func TestSerializeDeserializeRequest_RoundTrip(t *testing.T) {
	statuses := []Status{
		StatusWaiting, StatusRunning, StatusPreempted, StatusWaitingForRemoteKVs,
		StatusFinishedStopped, StatusFinishedLength, StatusFinishedAborted,
	}
	for _, status := range statuses {
		// GIVEN a request with every field populated
		orig := sampleRequest(status)
		orig.RecomputeBlockHashes(2)

		// WHEN serialized and deserialized
		got, err := DeserializeRequest(SerializeRequest(orig), 2)
		if err != nil {
			t.Fatalf("status %s: DeserializeRequest: %v", status, err)
		}

		// THEN all observable state round-trips
		if got.ID != orig.ID || got.ClientIndex != orig.ClientIndex || got.Priority != orig.Priority {
			t.Errorf("status %s: identity fields did not round-trip", status)
		}
		if !reflect.DeepEqual(got.InputTokens, orig.InputTokens) ||
			!reflect.DeepEqual(got.OutputTokens, orig.OutputTokens) {
			t.Errorf("status %s: token sequences did not round-trip", status)
		}
		if got.Params != orig.Params {
			t.Errorf("status %s: params did not round-trip", status)
		}
		if got.NumComputedTokens != orig.NumComputedTokens || got.NumCachedTokens != orig.NumCachedTokens ||
			got.Status != orig.Status || got.StopReason != orig.StopReason ||
			got.NumPreemptions != orig.NumPreemptions || got.MultimodalRef != orig.MultimodalRef {
			t.Errorf("status %s: progress fields did not round-trip", status)
		}
		if !reflect.DeepEqual(got.LoRA, orig.LoRA) {
			t.Errorf("status %s: LoRA ref did not round-trip", status)
		}

		// AND the derived block-hash view was rebuilt, not copied
		if !reflect.DeepEqual(got.BlockHashes, orig.BlockHashes) {
			t.Errorf("status %s: reconstructed block hashes differ", status)
		}
	}
}

func TestSerializeRequest_DeepCopies(t *testing.T) {
	// GIVEN a serialized request
	orig := sampleRequest(StatusRunning)
	snap := SerializeRequest(orig)

	// WHEN the original mutates afterwards
	orig.InputTokens[0] = 99
	orig.OutputTokens[0] = 99
	orig.LoRA.Name = "mutated"

	// THEN the snapshot is unaffected
	if snap.InputTokens[0] == 99 || snap.OutputTokens[0] == 99 {
		t.Error("snapshot shares token slices with the live request")
	}
	if snap.LoRA.Name == "mutated" {
		t.Error("snapshot shares the LoRA ref with the live request")
	}
}

func TestDeserializeRequest_WithoutOptionalFields(t *testing.T) {
	// GIVEN a minimal snapshot (no LoRA, no multimodal ref, no output)
	snap := RequestSnapshot{ID: "r1", InputTokens: []int{1, 2}, Status: StatusWaiting}

	got, err := DeserializeRequest(snap, 2)
	if err != nil {
		t.Fatalf("DeserializeRequest: %v", err)
	}
	if got.LoRA != nil {
		t.Error("LoRA should stay nil")
	}
	if len(got.OutputTokens) != 0 {
		t.Error("OutputTokens should stay empty")
	}
}

func TestDeserializeRequest_RejectsMalformedSnapshots(t *testing.T) {
	cases := []struct {
		name string
		snap RequestSnapshot
	}{
		{"empty id", RequestSnapshot{InputTokens: []int{1}, Status: StatusWaiting}},
		{"nil input tokens", RequestSnapshot{ID: "r1", Status: StatusWaiting}},
		{"unknown status", RequestSnapshot{ID: "r1", InputTokens: []int{1}, Status: "BOGUS"}},
		{"computed out of range", RequestSnapshot{ID: "r1", InputTokens: []int{1}, Status: StatusWaiting, NumComputedTokens: 5}},
		{"negative computed", RequestSnapshot{ID: "r1", InputTokens: []int{1}, Status: StatusWaiting, NumComputedTokens: -1}},
	}
	for _, tc := range cases {
		if _, err := DeserializeRequest(tc.snap, 2); err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
	}
}

func TestCheckpointManager_SaveLoadClear(t *testing.T) {
	// GIVEN an empty manager
	m := NewCheckpointManager()
	if _, ok := m.Load(); ok {
		t.Fatal("empty manager should report no checkpoint")
	}
	if m.HasCheckpoint() {
		t.Fatal("HasCheckpoint should be false initially")
	}

	// WHEN a checkpoint is saved
	m.Save(&SchedulerCheckpoint{Requests: []RequestSnapshot{{ID: "r1"}}, StepCount: 3})

	// THEN it loads back with metadata
	cp, ok := m.Load()
	if !ok {
		t.Fatal("Load should succeed after Save")
	}
	if cp.FormatVersion != CheckpointFormatVersion || !cp.NonEmpty || cp.Scheduler.StepCount != 3 {
		t.Errorf("unexpected checkpoint metadata: %+v", cp)
	}
	if cp.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}

	// AND Clear drops it
	m.Clear()
	if _, ok := m.Load(); ok {
		t.Error("Load should fail after Clear")
	}
}

func TestCheckpointManager_SaveOverwrites(t *testing.T) {
	m := NewCheckpointManager()
	m.Save(&SchedulerCheckpoint{StepCount: 1})
	m.Save(&SchedulerCheckpoint{StepCount: 2})

	cp, ok := m.Load()
	if !ok || cp.Scheduler.StepCount != 2 {
		t.Errorf("Save should overwrite: got %+v, ok=%t", cp, ok)
	}
}

func TestCheckpointManager_CountsSavesLoadsAndDrops(t *testing.T) {
	m := NewCheckpointManager()
	saves := testutil.ToFloat64(metricCheckpointSaves)
	loads := testutil.ToFloat64(metricCheckpointLoads)
	drops := testutil.ToFloat64(metricCheckpointDrops)

	// A save followed by a successful load counts one of each.
	m.Save(&SchedulerCheckpoint{StepCount: 1})
	if _, ok := m.Load(); !ok {
		t.Fatal("Load should succeed after Save")
	}
	if got := testutil.ToFloat64(metricCheckpointSaves) - saves; got != 1 {
		t.Errorf("saves delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metricCheckpointLoads) - loads; got != 1 {
		t.Errorf("loads delta = %v, want 1", got)
	}

	// A structurally invalid checkpoint counts a drop, not a load.
	m.current = &EngineCheckpoint{FormatVersion: CheckpointFormatVersion + 1, Scheduler: &SchedulerCheckpoint{}}
	if _, ok := m.Load(); ok {
		t.Fatal("invalid checkpoint should be treated as absent")
	}
	if got := testutil.ToFloat64(metricCheckpointDrops) - drops; got != 1 {
		t.Errorf("drops delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metricCheckpointLoads) - loads; got != 1 {
		t.Errorf("loads delta after drop = %v, want still 1", got)
	}
}

func TestCheckpointManager_InvalidCheckpointTreatedAsAbsent(t *testing.T) {
	// GIVEN a checkpoint with an unknown format version
	m := NewCheckpointManager()
	m.current = &EngineCheckpoint{FormatVersion: CheckpointFormatVersion + 1, Scheduler: &SchedulerCheckpoint{}}

	// THEN Load drops it and reports absent
	if _, ok := m.Load(); ok {
		t.Error("unknown format version should be treated as absent")
	}
	if m.HasCheckpoint() {
		t.Error("invalid checkpoint should be dropped on Load")
	}

	// AND the same for missing scheduler state
	m.current = &EngineCheckpoint{FormatVersion: CheckpointFormatVersion}
	if _, ok := m.Load(); ok {
		t.Error("nil scheduler state should be treated as absent")
	}
}

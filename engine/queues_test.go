package engine

import "testing"

func TestWaitQueue_OrderAndRemove(t *testing.T) {
	// GIVEN a queue with tail and front insertions
	var wq WaitQueue
	wq.Enqueue(&Request{ID: "a"})
	wq.Enqueue(&Request{ID: "b"})
	wq.PushFront(&Request{ID: "p"})

	// THEN order is preempted-first, then FCFS
	if got := wq.IDs(); len(got) != 3 || got[0] != "p" || got[1] != "a" || got[2] != "b" {
		t.Fatalf("IDs() = %v, want [p a b]", got)
	}
	if wq.Peek().ID != "p" {
		t.Errorf("Peek() = %s, want p", wq.Peek().ID)
	}

	// WHEN removing from the middle
	if !wq.Remove("a") {
		t.Fatal("Remove(a) should succeed")
	}
	if wq.Remove("a") {
		t.Error("second Remove(a) should report false")
	}

	// THEN remaining order is preserved
	if got := wq.IDs(); len(got) != 2 || got[0] != "p" || got[1] != "b" {
		t.Fatalf("IDs() = %v, want [p b]", got)
	}

	if wq.Dequeue().ID != "p" {
		t.Error("Dequeue should return the head")
	}
	wq.Clear()
	if wq.Len() != 0 {
		t.Errorf("Len() = %d after Clear, want 0", wq.Len())
	}
}

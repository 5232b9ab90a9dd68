package engine

import "github.com/gammazero/deque"

// WaitQueue is the ordered queue of requests waiting to be scheduled.
// Order is FCFS with preempted requests re-inserted at the front.
type WaitQueue struct {
	q deque.Deque[*Request]
}

// Enqueue appends a request at the tail.
func (wq *WaitQueue) Enqueue(r *Request) {
	wq.q.PushBack(r)
}

// PushFront inserts a request at the head. Used for preempted requests,
// which were already admitted once and must not lose their turn.
func (wq *WaitQueue) PushFront(r *Request) {
	wq.q.PushFront(r)
}

// Peek returns the head without removing it. Panics on empty queue;
// callers must check Len first.
func (wq *WaitQueue) Peek() *Request {
	return wq.q.Front()
}

// Dequeue removes and returns the head. Panics on empty queue.
func (wq *WaitQueue) Dequeue() *Request {
	return wq.q.PopFront()
}

// Len returns the number of queued requests.
func (wq *WaitQueue) Len() int {
	return wq.q.Len()
}

// Remove deletes the request with the given id, preserving the order of the
// remaining entries. Returns false if no such request is queued.
func (wq *WaitQueue) Remove(id string) bool {
	i := wq.q.Index(func(r *Request) bool { return r.ID == id })
	if i < 0 {
		return false
	}
	wq.q.Remove(i)
	return true
}

// Items returns the queued requests in order as a fresh slice.
func (wq *WaitQueue) Items() []*Request {
	out := make([]*Request, 0, wq.q.Len())
	for i := 0; i < wq.q.Len(); i++ {
		out = append(out, wq.q.At(i))
	}
	return out
}

// IDs returns the queued request ids in order.
func (wq *WaitQueue) IDs() []string {
	out := make([]string, 0, wq.q.Len())
	for i := 0; i < wq.q.Len(); i++ {
		out = append(out, wq.q.At(i).ID)
	}
	return out
}

// Clear drops all queued requests.
func (wq *WaitQueue) Clear() {
	wq.q.Clear()
}

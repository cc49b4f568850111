package engine

import (
	"container/heap"
	"time"
)

// deadlineQueue orders pending transactions by expiry time. It is only
// touched from the engine's run goroutine, so it carries no lock.
type deadlineQueue struct {
	items deadlineHeap
}

func newDeadlineQueue() *deadlineQueue {
	q := &deadlineQueue{items: make(deadlineHeap, 0)}
	heap.Init(&q.items)
	return q
}

func (q *deadlineQueue) push(txn *transaction) {
	heap.Push(&q.items, txn)
}

// nextExpiry returns the earliest deadline, or zero time when empty
func (q *deadlineQueue) nextExpiry() (time.Time, bool) {
	if q.items.Len() == 0 {
		return time.Time{}, false
	}
	return q.items[0].deadline, true
}

// popExpired removes and returns the earliest transaction whose deadline
// has passed, or nil. Delivered transactions are discarded lazily;
// cancelled ones are still returned at expiry so the engine can end their
// orphan-tracking window.
func (q *deadlineQueue) popExpired(now time.Time) *transaction {
	for q.items.Len() > 0 {
		top := q.items[0]
		if top.finished && !top.cancelled {
			heap.Pop(&q.items)
			continue
		}
		if now.Before(top.deadline) {
			return nil
		}
		return heap.Pop(&q.items).(*transaction)
	}
	return nil
}

func (q *deadlineQueue) len() int {
	return q.items.Len()
}

func (q *deadlineQueue) clear() {
	q.items = q.items[:0]
}

// deadlineHeap implements heap.Interface ordered by deadline
type deadlineHeap []*transaction

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *deadlineHeap) Push(x interface{}) {
	*h = append(*h, x.(*transaction))
}

func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

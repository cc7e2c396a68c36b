package dispatch

import (
	"container/heap"
	"sync"
	"time"
)

// heapEntry orders a queue by its next availability time.
type heapEntry struct {
	at      time.Time
	queueID string
}

type entryHeap []heapEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)         { *h = append(*h, x.(heapEntry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Heap is the dispatch min-heap of (availability time, queue id). A queue's
// availability changes often, so entries are invalidated lazily: a parallel
// map holds each queue's current time, and pops skip entries that no longer
// match it instead of deleting in place.
type Heap struct {
	mu      sync.Mutex
	entries entryHeap
	current map[string]time.Time
}

// NewHeap returns an empty dispatch heap.
func NewHeap() *Heap {
	return &Heap{current: make(map[string]time.Time)}
}

// Push inserts or reschedules a queue at availability time t. Any older
// entry for the same queue becomes stale.
func (h *Heap) Push(queueID string, t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current[queueID] = t
	heap.Push(&h.entries, heapEntry{at: t, queueID: queueID})
}

// Pop removes and returns the queue with the earliest availability,
// skipping stale entries. ok=false when the heap is empty.
func (h *Heap) Pop() (queueID string, at time.Time, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.entries.Len() > 0 {
		e := heap.Pop(&h.entries).(heapEntry)
		if cur, live := h.current[e.queueID]; live && cur.Equal(e.at) {
			delete(h.current, e.queueID)
			return e.queueID, e.at, true
		}
	}
	return "", time.Time{}, false
}

// Peek returns the earliest live entry without removing it.
func (h *Heap) Peek() (queueID string, at time.Time, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.entries.Len() > 0 {
		e := h.entries[0]
		if cur, live := h.current[e.queueID]; live && cur.Equal(e.at) {
			return e.queueID, e.at, true
		}
		heap.Pop(&h.entries)
	}
	return "", time.Time{}, false
}

// Len reports the number of live entries.
func (h *Heap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.current)
}

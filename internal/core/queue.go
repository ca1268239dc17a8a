package core

import (
	"container/heap"
)

type queueItem struct {
	id       string
	priority Priority
	arrival  uint64
	index    int
}

// PriorityQueue orders task ids by descending priority, then by arrival.
// It is not safe for concurrent use; the manager guards it with its lock.
type PriorityQueue struct {
	items   taskHeap
	byID    map[string]*queueItem
	arrival uint64
}

func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{byID: make(map[string]*queueItem)}
}

// Push adds id. If id is already queued only its priority is refreshed, so
// it keeps its place among equal priorities.
func (q *PriorityQueue) Push(id string, priority Priority) {
	if it, ok := q.byID[id]; ok {
		it.priority = priority
		heap.Fix(&q.items, it.index)
		return
	}
	q.arrival++
	it := &queueItem{id: id, priority: priority, arrival: q.arrival}
	q.byID[id] = it
	heap.Push(&q.items, it)
}

// Pop removes the highest-ranked id. ok is false when the queue is empty.
func (q *PriorityQueue) Pop() (id string, ok bool) {
	if len(q.items) == 0 {
		return "", false
	}
	it := heap.Pop(&q.items).(*queueItem)
	delete(q.byID, it.id)
	return it.id, true
}

// Update re-keys a queued id. It reports whether id was queued.
func (q *PriorityQueue) Update(id string, priority Priority) bool {
	it, ok := q.byID[id]
	if !ok {
		return false
	}
	it.priority = priority
	heap.Fix(&q.items, it.index)
	return true
}

// Remove drops id from the queue. It reports whether id was queued.
func (q *PriorityQueue) Remove(id string) bool {
	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byID, id)
	return true
}

func (q *PriorityQueue) Contains(id string) bool {
	_, ok := q.byID[id]
	return ok
}

func (q *PriorityQueue) Len() int {
	return len(q.items)
}

type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].arrival < h[j].arrival
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*queueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

package scheduler

import (
	"container/heap"

	"maintflow/internal/domain"
)

// entry is the in-memory state of one live task.
type entry struct {
	task  domain.Task
	seq   uint64 // insertion order, breaks StartAt ties
	index int    // position in its heap, -1 when in none
}

// taskHeap orders entries by StartAt, then by insertion order.
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i].task.StartAt, h[j].task.StartAt
	if !a.Equal(b) {
		return a.Before(b)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func (h taskHeap) peek() *entry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

func (h *taskHeap) push(e *entry) { heap.Push(h, e) }

func (h *taskHeap) pop() *entry { return heap.Pop(h).(*entry) }

func (h *taskHeap) remove(e *entry) bool {
	if e.index < 0 || e.index >= len(*h) || (*h)[e.index] != e {
		return false
	}
	heap.Remove(h, e.index)
	return true
}

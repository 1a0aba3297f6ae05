package queue

import "container/heap"

// jobHeap orders pending jobs by priority descending, then enqueue order.
// It satisfies heap.Interface.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) {
	*h = append(*h, x.(*Job))
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// remove deletes a specific job from the heap and restores the heap
// invariant. Used when a delayed job deeper in the heap becomes ready
// before the top one.
func (h *jobHeap) remove(job *Job) {
	for i, j := range *h {
		if j == job {
			heap.Remove(h, i)
			return
		}
	}
}

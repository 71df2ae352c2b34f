package scheduler

// taskHeap implements container/heap.Interface, ordering scheduledTasks by
// nextRun — the deadline-ordered structure the Design Note asks for, in
// place of one time.Ticker per periodic task.
type taskHeap []*scheduledTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool { return h[i].nextRun.Before(h[j].nextRun) }

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	st := x.(*scheduledTask)
	st.index = len(*h)
	*h = append(*h, st)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	st := old[n-1]
	old[n-1] = nil
	st.index = -1
	*h = old[:n-1]
	return st
}

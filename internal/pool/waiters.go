package pool

import (
	"container/list"
	"sync"
)

// waiter is one blocked Acquire call; release delivers to it the ID of the
// connection it has just returned to idle.
type waiter struct {
	notify chan string
}

// waiterQueue holds blocked acquirers ordered by priority band, FIFO within
// a band — the same band-then-FIFO discipline the bus's message queue uses,
// applied here to "who gets the next released connection" instead of
// "which message is dispatched next".
type waiterQueue struct {
	mu    sync.Mutex
	bands map[Priority]*list.List
}

func newWaiterQueue() *waiterQueue {
	q := &waiterQueue{bands: make(map[Priority]*list.List, len(priorityBands))}
	for _, p := range priorityBands {
		q.bands[p] = list.New()
	}
	return q
}

func (q *waiterQueue) enqueue(p Priority) *waiter {
	w := &waiter{notify: make(chan string, 1)}
	q.mu.Lock()
	q.bands[p].PushBack(w)
	q.mu.Unlock()
	return w
}

func (q *waiterQueue) remove(p Priority, w *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for el := q.bands[p].Front(); el != nil; el = el.Next() {
		if el.Value.(*waiter) == w {
			q.bands[p].Remove(el)
			return
		}
	}
}

// wake hands connectionID to the highest-priority waiting waiter, if any,
// and reports whether anyone was woken.
func (q *waiterQueue) wake(connectionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range priorityBands {
		b := q.bands[p]
		if b.Len() == 0 {
			continue
		}
		el := b.Front()
		b.Remove(el)
		w := el.Value.(*waiter)
		w.notify <- connectionID
		return true
	}
	return false
}

func (q *waiterQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, b := range q.bands {
		n += b.Len()
	}
	return n
}

// Package workers implements the priority work queue and the adaptive
// worker pools that execute warden's background jobs.
package workers

import (
	"container/heap"
	"fmt"
	"sync"
)

// Priority orders queued work. Lower values are served first.
type Priority int

const (
	High Priority = iota
	Normal
	Low
)

// stopPriority sorts sentinels ahead of any work so that shrinking and
// shutdown are not delayed by a backlog.
const stopPriority Priority = -1

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	case stopPriority:
		return "stop"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts "high", "normal" and "low"; anything else is normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high", "HIGH":
		return High
	case "low", "LOW":
		return Low
	default:
		return Normal
	}
}

// Entry is one queued item. Stop marks the sentinel that ends exactly one
// blocked Pop caller; its Value is the zero value and must never be run.
type Entry[T any] struct {
	Priority Priority
	Value    T
	Stop     bool

	seq uint64
}

// Queue is an unbounded, thread-safe priority queue. Items of equal
// priority come out in arrival order.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  entryHeap[T]
	seq    uint64
	counts map[Priority]int
}

func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{counts: make(map[Priority]int)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push never blocks.
func (q *Queue[T]) Push(p Priority, v T) {
	q.push(Entry[T]{Priority: p, Value: v})
}

// PushStop enqueues a sentinel ahead of all queued work. Each sentinel
// releases exactly one Pop caller.
func (q *Queue[T]) PushStop() {
	q.push(Entry[T]{Priority: stopPriority, Stop: true})
}

func (q *Queue[T]) push(e Entry[T]) {
	q.mu.Lock()
	q.seq++
	e.seq = q.seq
	heap.Push(&q.items, e)
	if !e.Stop {
		q.counts[e.Priority]++
	}
	q.mu.Unlock()
	q.cond.Signal()
}

// Pop blocks until an entry is available.
func (q *Queue[T]) Pop() Entry[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 {
		q.cond.Wait()
	}
	e := heap.Pop(&q.items).(Entry[T])
	if !e.Stop {
		q.counts[e.Priority]--
	}
	return e
}

// Len is the number of queued work items, sentinels excluded.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, c := range q.counts {
		n += c
	}
	return n
}

// Count is the number of queued work items at priority p.
func (q *Queue[T]) Count(p Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts[p]
}

// Drain removes and returns every queued work item, leaving sentinels.
func (q *Queue[T]) Drain() []Entry[T] {
	q.mu.Lock()
	defer q.mu.Unlock()

	var work []Entry[T]
	var keep entryHeap[T]
	for q.items.Len() > 0 {
		e := heap.Pop(&q.items).(Entry[T])
		if e.Stop {
			keep = append(keep, e)
			continue
		}
		work = append(work, e)
	}
	q.items = keep
	heap.Init(&q.items)
	q.counts = make(map[Priority]int)
	return work
}

type entryHeap[T any] []Entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap[T]) Push(x any) { *h = append(*h, x.(Entry[T])) }

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	var zero Entry[T]
	old[n-1] = zero
	*h = old[:n-1]
	return e
}

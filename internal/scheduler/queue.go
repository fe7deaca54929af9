package scheduler

import (
	"container/heap"
	"time"
)

type entry struct {
	at   time.Time
	seq  uint64 // breaks ties in registration order
	task *task
}

type fireQueue []entry

var _ heap.Interface = (*fireQueue)(nil)

func (q fireQueue) Len() int { return len(q) }

func (q fireQueue) Less(i, j int) bool {
	if !q[i].at.Equal(q[j].at) {
		return q[i].at.Before(q[j].at)
	}
	return q[i].seq < q[j].seq
}

func (q fireQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *fireQueue) Push(x any) { *q = append(*q, x.(entry)) }

func (q *fireQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*q = old[:n-1]
	return e
}

package pipeline

import (
	"container/heap"

	"github-ingest/internal/model"
)

type queueItem struct {
	job    *model.Job
	weight int
	seq    uint64
}

// jobQueue orders jobs by priority weight, highest first, then by enqueue
// sequence so that equal priorities are served FIFO.
type jobQueue []*queueItem

var _ heap.Interface = (*jobQueue)(nil)

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].weight != q[j].weight {
		return q[i].weight > q[j].weight
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(*queueItem)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

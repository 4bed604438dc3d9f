// Package delaywake holds brokers that are waiting out a failover backoff
// window and wakes the reconciler when one becomes eligible again, instead
// of making every reconcile pass scan the whole cluster for expired
// delays.
package delaywake

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type entry struct {
	id    string
	at    time.Time
	index int
}

// entryHeap is a container/heap ordered by wake time.
type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue wakes a consumer with a broker id once that broker's backoff
// delay expires. Pushing the same id again before it fires replaces its
// wake time rather than scheduling a second wake. A popped id is a hint,
// not a promise: the consumer is expected to re-check the broker's actual
// state, since the broker may have been removed, relaunched, or
// deactivated since the wake was scheduled.
type Queue struct {
	mu    sync.Mutex
	pq    entryHeap
	index map[string]*entry
	wake  chan struct{}

	// C delivers the id of a broker whose delay has expired.
	C chan string
}

// NewQueue returns an empty Queue. Run must be started separately to
// begin delivering wakes on C.
func NewQueue() *Queue {
	q := &Queue{
		pq:    make(entryHeap, 0),
		index: make(map[string]*entry),
		wake:  make(chan struct{}, 1),
		C:     make(chan string, 16),
	}
	heap.Init(&q.pq)
	return q
}

// Push schedules (or reschedules) a wake for id at at.
func (q *Queue) Push(id string, at time.Time) {
	q.mu.Lock()
	if e, ok := q.index[id]; ok {
		e.at = at
		heap.Fix(&q.pq, e.index)
	} else {
		e := &entry{id: id, at: at}
		heap.Push(&q.pq, e)
		q.index[id] = e
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run delivers due wakes on C until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	for {
		q.mu.Lock()
		if q.pq.Len() == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		next := q.pq[0]
		now := time.Now()
		if !now.Before(next.at) {
			heap.Pop(&q.pq)
			delete(q.index, next.id)
			q.mu.Unlock()
			select {
			case q.C <- next.id:
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := next.at.Sub(now)
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

package batch

import (
	"container/heap"
	"context"
	"sync"

	"github.com/bbiangul/ingestor/fault"
	"github.com/bbiangul/ingestor/processor"
)

// Item is one unit of batch work. Results collate by ID, so IDs should be
// unique within a batch; Priority orders the queue, higher first.
type Item struct {
	ID       string
	Priority int
	Request  processor.Request
}

// queueBoundFactor sizes the queue relative to the worker count. A producer
// that gets this far ahead of the workers blocks until they catch up.
const queueBoundFactor = 4

// queue is a bounded priority queue. push blocks the producer while the
// queue is full, pop blocks workers while it is empty. Ordering is by
// descending priority with insertion order breaking ties; with byPriority
// off it is plain FIFO.
type queue struct {
	mu       sync.Mutex
	notFull  sync.Cond
	notEmpty sync.Cond

	entries    entryHeap
	bound      int
	seq        int
	byPriority bool
	closed     bool
}

func newQueue(workers int, byPriority bool) *queue {
	q := &queue{bound: queueBoundFactor * workers, byPriority: byPriority}
	q.notFull.L = &q.mu
	q.notEmpty.L = &q.mu
	return q
}

// push enqueues one item, waiting for space when the queue is at its bound.
// It fails when the queue closes or ctx is cancelled while waiting.
func (q *queue) push(ctx context.Context, it Item) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.notFull.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		switch {
		case q.closed:
			return fault.New(fault.Validation, "queue is closed")
		case ctx.Err() != nil:
			return fault.Wrap(fault.Transient, "enqueue interrupted", ctx.Err())
		case q.entries.Len() < q.bound:
			heap.Push(&q.entries, entry{item: it, seq: q.seq, byPriority: q.byPriority})
			q.seq++
			q.notEmpty.Signal()
			return nil
		}
		q.notFull.Wait()
	}
}

// pop dequeues the highest-priority item. It blocks until an item arrives,
// the queue closes empty (ok=false), or ctx is cancelled (ok=false).
func (q *queue) pop(ctx context.Context) (Item, bool) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.notEmpty.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		switch {
		case ctx.Err() != nil:
			return Item{}, false
		case q.entries.Len() > 0:
			it := heap.Pop(&q.entries).(entry).item
			q.notFull.Signal()
			return it, true
		case q.closed:
			return Item{}, false
		}
		q.notEmpty.Wait()
	}
}

// close marks the queue finished. Waiting producers fail, and workers drain
// what remains before pop reports done.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

type entry struct {
	item       Item
	seq        int
	byPriority bool
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].byPriority && h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority > h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

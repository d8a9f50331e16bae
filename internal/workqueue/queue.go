// Package workqueue holds the run-scoped FIFO of render inputs drained by
// concurrently connected workers.
package workqueue

import "sync"

// Item is one unit of render input: a display name plus the asset bytes.
// Immutable once enqueued.
type Item struct {
	Name    string
	Payload []byte
}

// Queue is a mutex-guarded FIFO with exactly-once pop semantics. Once a
// caller observes it empty the queue stays empty for the rest of the run;
// items popped by a connection that later dies are not requeued.
type Queue struct {
	mu    sync.Mutex
	items []Item
}

// New seeds a queue with the given items in order.
func New(items ...Item) *Queue {
	q := &Queue{}
	q.items = append(q.items, items...)
	return q
}

// Push appends one item. Only meaningful before workers start draining.
func (q *Queue) Push(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

// TryPop removes and returns the oldest item. The second result is false
// when the queue is empty. Concurrent callers never receive the same item.
func (q *Queue) TryPop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len reports the approximate number of items remaining. Usable for
// progress output only; concurrent TryPop calls make it stale immediately.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

package relaysync

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RetryItem is a change event waiting to be re-driven against the targets that failed.
type RetryItem struct {
	Event      ChangeEvent `json:"event"`
	Attempt    int         `json:"attempt"`
	NotBefore  time.Time   `json:"notBefore"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
	LastError  string      `json:"lastError,omitempty"`
}

func (i RetryItem) ID() string {
	return i.Event.ID + "#" + strconv.Itoa(i.Attempt)
}

func (i RetryItem) valid() bool {
	return strings.TrimSpace(i.Event.ID) != "" && i.Attempt > 0
}

// RetryQueue is a bounded FIFO of retry items. Enqueue blocks while the queue is full;
// Dequeue blocks while it is empty. Both give up when ctx is done. Requeue returns a
// dequeued item to the head of the queue.
type RetryQueue interface {
	TryEnqueue(item RetryItem) bool
	Requeue(item RetryItem) bool
	Enqueue(ctx context.Context, item RetryItem) bool
	Dequeue(ctx context.Context) (RetryItem, bool)
	Depth() int
	Capacity() int
	Snapshot() []RetryItem
	Close() error
}

const defaultRetryQueueCapacity = 1024

type inMemoryRetryQueue struct {
	ch    chan RetryItem
	wake  chan struct{}
	mu    sync.Mutex
	head  []RetryItem
	order []string
	items map[string]RetryItem
}

func NewInMemoryRetryQueue(capacity int) RetryQueue {
	if capacity <= 0 {
		capacity = defaultRetryQueueCapacity
	}
	return &inMemoryRetryQueue{
		ch:    make(chan RetryItem, capacity),
		wake:  make(chan struct{}, 1),
		items: make(map[string]RetryItem),
	}
}

func (q *inMemoryRetryQueue) TryEnqueue(item RetryItem) bool {
	if q == nil || !item.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ch)+len(q.head) >= cap(q.ch) {
		return false
	}
	select {
	case q.ch <- item:
		q.track(item)
		return true
	default:
		return false
	}
}

func (q *inMemoryRetryQueue) Enqueue(ctx context.Context, item RetryItem) bool {
	if q == nil || !item.valid() {
		return false
	}
	for {
		if q.TryEnqueue(item) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Requeue puts item ahead of everything in the channel. Requeued items are served first,
// most recently requeued first.
func (q *inMemoryRetryQueue) Requeue(item RetryItem) bool {
	if q == nil || !item.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ch)+len(q.head) >= cap(q.ch) {
		return false
	}
	q.head = append([]RetryItem{item}, q.head...)
	id := item.ID()
	q.items[id] = item
	q.order = append([]string{id}, q.order...)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *inMemoryRetryQueue) Dequeue(ctx context.Context) (RetryItem, bool) {
	if q == nil {
		return RetryItem{}, false
	}
	for {
		q.mu.Lock()
		if len(q.head) > 0 {
			item := q.head[0]
			q.head = q.head[1:]
			q.untrack(item)
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case item := <-q.ch:
			q.mu.Lock()
			q.untrack(item)
			q.mu.Unlock()
			return item, true
		case <-q.wake:
		case <-ctx.Done():
			return RetryItem{}, false
		}
	}
}

// track records the item for Snapshot; callers hold q.mu so snapshot order matches
// channel order.
func (q *inMemoryRetryQueue) track(item RetryItem) {
	id := item.ID()
	q.items[id] = item
	q.order = append(q.order, id)
}

func (q *inMemoryRetryQueue) untrack(item RetryItem) {
	id := item.ID()
	delete(q.items, id)
	for i, candidate := range q.order {
		if candidate == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

func (q *inMemoryRetryQueue) Snapshot() []RetryItem {
	if q == nil {
		return []RetryItem{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]RetryItem, 0, len(q.order))
	for _, id := range q.order {
		if item, ok := q.items[id]; ok {
			result = append(result, item)
		}
	}
	return result
}

func (q *inMemoryRetryQueue) Depth() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ch) + len(q.head)
}

func (q *inMemoryRetryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryRetryQueue) Close() error {
	return nil
}

// retryBackoff returns the delay before the given attempt: base doubled per prior
// attempt, capped at max.
func retryBackoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 2; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

package relaysync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileRetryQueue keeps the queue in memory and rewrites a JSON snapshot on every
// mutation so pending retries survive a restart.
type fileRetryQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []RetryItem
}

type fileRetryQueueState struct {
	Items []RetryItem `json:"items"`
}

func NewFileRetryQueue(path string, capacity int) (RetryQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultRetryQueueCapacity
	}
	q := &fileRetryQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []RetryItem{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileRetryQueue) TryEnqueue(item RetryItem) bool {
	if !item.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, item)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileRetryQueue) Requeue(item RetryItem) bool {
	if !item.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append([]RetryItem{item}, q.items...)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[1:]
		return false
	}
	return true
}

func (q *fileRetryQueue) Enqueue(ctx context.Context, item RetryItem) bool {
	for {
		if q.TryEnqueue(item) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileRetryQueue) Dequeue(ctx context.Context) (RetryItem, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]RetryItem{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return RetryItem{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return RetryItem{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileRetryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileRetryQueue) Capacity() int {
	return q.capacity
}

func (q *fileRetryQueue) Snapshot() []RetryItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]RetryItem(nil), q.items...)
}

func (q *fileRetryQueue) Close() error {
	return nil
}

func (q *fileRetryQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileRetryQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]RetryItem(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]RetryItem(nil), snapshot.Items...)
	return nil
}

func (q *fileRetryQueue) saveLocked() error {
	snapshot := fileRetryQueueState{
		Items: append([]RetryItem(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

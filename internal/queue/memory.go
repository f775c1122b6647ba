package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/AshfordSecurity/carousel/internal/core"
)

type memoryQueue struct {
	mu     sync.Mutex
	items  []core.QueueItem
	closed bool
}

// NewMemoryQueue returns the default in-process FIFO backend.
func NewMemoryQueue() core.AttemptQueue {
	return &memoryQueue{}
}

func (q *memoryQueue) Push(_ context.Context, item core.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue closed")
	}
	q.items = append(q.items, item)
	return nil
}

func (q *memoryQueue) Pop(_ context.Context) (*core.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, nil
	}
	item := q.items[0]
	// Zero the head so the secret does not linger in the backing array.
	q.items[0] = core.QueueItem{}
	q.items = q.items[1:]
	return &item, nil
}

func (q *memoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	return nil
}

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/core"
)

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Push(ctx, core.QueueItem{Index: i, Secret: "s", Attempt: 0}))
	}

	for i := 0; i < 3; i++ {
		item, err := q.Pop(ctx)
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, i, item.Index)
	}

	item, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, item, "empty queue must pop nil, not error")
}

func TestMemoryQueueLen(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, q.Push(ctx, core.QueueItem{Index: 7, Secret: "s"}))
	require.NoError(t, q.Push(ctx, core.QueueItem{Index: 8, Secret: "s"}))

	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = q.Pop(ctx)
	require.NoError(t, err)

	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryQueueClosed(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, core.QueueItem{Index: 1, Secret: "s"}))
	require.NoError(t, q.Close())

	err := q.Push(ctx, core.QueueItem{Index: 2, Secret: "s"})
	assert.Error(t, err)

	item, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, item, "close drains held items")
}

func TestMemoryQueueConcurrent(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	const total = 200
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < total/4; i++ {
				_ = q.Push(ctx, core.QueueItem{Index: base + i, Secret: "s"})
			}
		}(w * (total / 4))
	}
	wg.Wait()

	seen := make(map[int]bool, total)
	for {
		item, err := q.Pop(ctx)
		require.NoError(t, err)
		if item == nil {
			break
		}
		assert.False(t, seen[item.Index], "index %d popped twice", item.Index)
		seen[item.Index] = true
	}
	assert.Len(t, seen, total)
}

func TestNewSelectsBackend(t *testing.T) {
	q, err := New(config.QueueConfig{Backend: "memory"}, config.RedisConfig{}, "camp-1")
	require.NoError(t, err)
	require.NotNil(t, q)

	q, err = New(config.QueueConfig{}, config.RedisConfig{}, "camp-1")
	require.NoError(t, err, "empty backend defaults to memory")
	require.NotNil(t, q)

	_, err = New(config.QueueConfig{Backend: "kafka"}, config.RedisConfig{}, "camp-1")
	assert.Error(t, err)
}

func TestNewRedisBackendUnreachable(t *testing.T) {
	cfg := config.RedisConfig{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
	}
	_, err := New(config.QueueConfig{Backend: "redis"}, cfg, "camp-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

package sink

import (
	"context"
	"sync"

	"github.com/AshfordSecurity/carousel/pkg/types"
)

const subscriberBuffer = 64

// Broadcast fans results out to live subscribers, one buffered channel
// each. A subscriber that falls behind loses results rather than blocking
// the dispatch path; the stream is a live view, the store is the record.
type Broadcast struct {
	mu     sync.Mutex
	subs   map[int]chan types.AttemptResult
	nextID int
	closed bool

	dropped int64
}

func NewBroadcast() *Broadcast {
	return &Broadcast{subs: make(map[int]chan types.AttemptResult)}
}

// Subscribe registers a listener and returns its channel plus a cancel
// function. The channel closes on cancel or when the broadcast closes.
func (b *Broadcast) Subscribe() (<-chan types.AttemptResult, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan types.AttemptResult)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan types.AttemptResult, subscriberBuffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

func (b *Broadcast) Record(_ context.Context, result types.AttemptResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, sub := range b.subs {
		select {
		case sub <- result:
		default:
			b.dropped++
		}
	}
	return nil
}

// Dropped reports results lost to slow subscribers since construction.
func (b *Broadcast) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Broadcast) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
	return nil
}

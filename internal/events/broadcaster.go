package events

import (
	"context"
	"sync"
)

// Broadcaster fans events out to in-process subscribers. A slow subscriber
// loses events rather than blocking the publisher.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan AnalysisCompleted
	nextID int
}

// NewBroadcaster creates an empty Broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan AnalysisCompleted)}
}

// Subscribe returns a channel of events and a function that unsubscribes and closes it
func (b *Broadcaster) Subscribe(buffer int) (<-chan AnalysisCompleted, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan AnalysisCompleted, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) Publish(_ context.Context, ev AnalysisCompleted) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

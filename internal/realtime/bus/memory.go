package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/campuspulse/backend/internal/platform/logger"
)

const memorySubBuffer = 256

type memorySub struct {
	ch chan []byte
}

type memoryBus struct {
	log    *logger.Logger
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]bool
	closed bool
}

// NewMemoryBus returns an in-process bus. It backs single-instance
// deployments and tests; multi-instance deployments use the redis bus.
func NewMemoryBus(log *logger.Logger) Bus {
	return &memoryBus{
		log:  log.With("component", "MemoryBus"),
		subs: make(map[string]map[*memorySub]bool),
	}
}

func (b *memoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}
	for sub := range b.subs[topic] {
		select {
		case sub.ch <- payload:
		default:
			b.log.Warn("dropping bus message; subscriber buffer full", "topic", topic)
		}
	}
	return nil
}

func (b *memoryBus) Subscribe(_ context.Context, topic string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, fmt.Errorf("bus closed")
	}
	sub := &memorySub{ch: make(chan []byte, memorySubBuffer)}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*memorySub]bool)
	}
	b.subs[topic][sub] = true

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[topic]; ok && set[sub] {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, topic)
			}
			close(sub.ch)
		}
	}
	return sub.ch, cancel, nil
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(b.subs, topic)
	}
	return nil
}

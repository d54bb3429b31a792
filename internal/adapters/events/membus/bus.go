// Package membus is the in-process fleet event bus used when no redis is
// configured. Single-instance only: events never leave the process.
package membus

import (
	"context"
	"sync"

	"fleetd/internal/core/domain"
)

type Bus struct {
	mu   sync.Mutex
	subs map[chan domain.FleetEvent]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan domain.FleetEvent]struct{})}
}

func (b *Bus) Publish(ctx context.Context, event domain.FleetEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context) (<-chan domain.FleetEvent, error) {
	ch := make(chan domain.FleetEvent, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// internal/event/bus.go
// In-memory Bus implementation. Used when NATS is not configured and as the
// fake in tests; semantics match the NATS bus (best-effort fan-out, slow
// subscribers drop events and recover from the store).
package event

import (
	"context"
	"sync"

	"github.com/spendai/securelink-go/internal/model"
)

// memoryBus fans events out to subscriber channels keyed by subject.
type memoryBus struct {
	mu   sync.Mutex
	subs map[string]map[int]chan model.LinkChangeEvent // subject -> subscriber ID -> channel
	next int                                           // next subscriber ID
}

// NewMemoryBus creates an in-process Bus.
func NewMemoryBus() Bus {
	return &memoryBus{
		subs: make(map[string]map[int]chan model.LinkChangeEvent),
	}
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for subject, byID := range b.subs {
		for _, ch := range byID {
			close(ch)
		}
		delete(b.subs, subject)
	}
	return nil
}

func (b *memoryBus) PublishLinkChanged(ctx context.Context, ev model.LinkChangeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverLocked(ownerSubject(ev.OwnerWalletID), ev)
	b.deliverLocked(linkSubject(ev.LinkID), ev)
	return nil
}

func (b *memoryBus) deliverLocked(subject string, ev model.LinkChangeEvent) {
	for _, ch := range b.subs[subject] {
		select {
		case ch <- ev:
		default:
			// Consumer is behind; it will catch up from the store
		}
	}
}

func (b *memoryBus) SubscribeOwner(ctx context.Context, walletID string) (<-chan model.LinkChangeEvent, func(), error) {
	return b.subscribe(ownerSubject(walletID))
}

func (b *memoryBus) SubscribeLink(ctx context.Context, linkID string) (<-chan model.LinkChangeEvent, func(), error) {
	return b.subscribe(linkSubject(linkID))
}

func (b *memoryBus) subscribe(subject string) (<-chan model.LinkChangeEvent, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.LinkChangeEvent, subscriberBuffer)
	id := b.next
	b.next++

	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]chan model.LinkChangeEvent)
	}
	b.subs[subject][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		byID, ok := b.subs[subject]
		if !ok {
			return
		}
		if _, ok := byID[id]; !ok {
			return
		}
		delete(byID, id)
		if len(byID) == 0 {
			delete(b.subs, subject)
		}
		close(ch)
	}
	return ch, cancel, nil
}

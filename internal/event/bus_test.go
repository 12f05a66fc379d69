// Package event provides tests for the in-memory bus.
package event

import (
	"context"
	"testing"
	"time"

	"github.com/spendai/securelink-go/internal/model"
)

func testEvent(linkID, walletID string, status model.LinkStatus) model.LinkChangeEvent {
	return model.LinkChangeEvent{
		LinkID:        linkID,
		Code:          "CODE0001",
		OwnerWalletID: walletID,
		NewStatus:     status,
		OccurredAt:    time.Now().UTC(),
	}
}

// TestMemoryBusFanOut verifies owner and link subscribers both receive a change.
func TestMemoryBusFanOut(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	ownerCh, cancelOwner, err := bus.SubscribeOwner(ctx, "w1")
	if err != nil {
		t.Fatalf("SubscribeOwner() error = %v", err)
	}
	defer cancelOwner()

	linkCh, cancelLink, err := bus.SubscribeLink(ctx, "l1")
	if err != nil {
		t.Fatalf("SubscribeLink() error = %v", err)
	}
	defer cancelLink()

	if err := bus.PublishLinkChanged(ctx, testEvent("l1", "w1", model.StatusClaimed)); err != nil {
		t.Fatalf("PublishLinkChanged() error = %v", err)
	}

	for name, ch := range map[string]<-chan model.LinkChangeEvent{"owner": ownerCh, "link": linkCh} {
		select {
		case ev := <-ch:
			if ev.NewStatus != model.StatusClaimed {
				t.Errorf("%s subscriber got status %v, want %v", name, ev.NewStatus, model.StatusClaimed)
			}
		case <-time.After(time.Second):
			t.Errorf("%s subscriber got no event", name)
		}
	}
}

// TestMemoryBusScoping verifies subscribers only see their own subject.
func TestMemoryBusScoping(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	ch, cancel, err := bus.SubscribeOwner(ctx, "w1")
	if err != nil {
		t.Fatalf("SubscribeOwner() error = %v", err)
	}
	defer cancel()

	if err := bus.PublishLinkChanged(ctx, testEvent("l2", "w2", model.StatusCancelled)); err != nil {
		t.Fatalf("PublishLinkChanged() error = %v", err)
	}

	select {
	case ev := <-ch:
		t.Errorf("got event %v for another owner's link", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestMemoryBusUnsubscribe verifies cancel stops delivery and closes the channel.
func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	ch, cancel, err := bus.SubscribeLink(ctx, "l1")
	if err != nil {
		t.Fatalf("SubscribeLink() error = %v", err)
	}

	cancel()
	// Idempotent
	cancel()

	if err := bus.PublishLinkChanged(ctx, testEvent("l1", "w1", model.StatusExpired)); err != nil {
		t.Fatalf("PublishLinkChanged() error = %v", err)
	}

	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}
}

// TestMemoryBusSlowSubscriberDrops verifies a full buffer drops rather than blocks.
func TestMemoryBusSlowSubscriberDrops(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	ch, cancel, err := bus.SubscribeLink(ctx, "l1")
	if err != nil {
		t.Fatalf("SubscribeLink() error = %v", err)
	}
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.PublishLinkChanged(ctx, testEvent("l1", "w1", model.StatusActive))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	if got := len(ch); got != subscriberBuffer {
		t.Errorf("buffered events = %d, want %d", got, subscriberBuffer)
	}
}

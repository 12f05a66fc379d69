// internal/event/nats.go
// Package event provides the link-change notification channel. Production runs
// on NATS JetStream; an in-memory bus (bus.go) backs development and tests.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spendai/securelink-go/internal/model"
)

// Bus defines the notification operations required by the Secure Link service.
// Delivery is at-least-once: consumers treat the carried status as a hint and
// the store as authoritative.
type Bus interface {
	// PublishLinkChanged fans a state change out to the owner-scoped and
	// link-scoped subjects.
	PublishLinkChanged(ctx context.Context, ev model.LinkChangeEvent) error

	// SubscribeOwner delivers every change to links owned by the wallet.
	// The returned cancel func releases the subscription synchronously;
	// after it returns no further events are delivered.
	SubscribeOwner(ctx context.Context, walletID string) (<-chan model.LinkChangeEvent, func(), error)

	// SubscribeLink delivers changes to a single link (claimant view).
	SubscribeLink(ctx context.Context, linkID string) (<-chan model.LinkChangeEvent, func(), error)

	// Close closes the bus connection
	Close() error
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string                `json:"type"`          // Event type identifier
	Version       string                `json:"version"`       // Event schema version
	OccurredAt    time.Time             `json:"occurredAt"`    // When the event occurred
	CorrelationID string                `json:"correlationId"` // Correlation ID for tracing
	Payload       model.LinkChangeEvent `json:"payload"`       // Event-specific data
}

// subscriberBuffer is the channel depth handed to each subscriber. A consumer
// that falls further behind loses events; the SSE layer compensates by having
// clients re-fetch on reconnect.
const subscriberBuffer = 16

// natsBus is the NATS JetStream implementation of Bus.
type natsBus struct {
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations
}

// NewBusFromEnv creates a bus based on environment configuration.
// It reads SPEND_NATS_URL; when unset or unreachable the in-memory bus is
// used, so a single-node deployment still gets working push updates.
func NewBusFromEnv() Bus {
	url := os.Getenv("SPEND_NATS_URL")
	if url == "" {
		return NewMemoryBus()
	}

	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using in-memory bus", "error", err)
		return NewMemoryBus()
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using in-memory bus", "error", err)
		nc.Close()
		return NewMemoryBus()
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using in-memory bus", "error", err)
		nc.Close()
		return NewMemoryBus()
	}

	return &natsBus{nc: nc, js: js}
}

// initStreams initializes the required NATS streams.
func initStreams(js nats.JetStreamContext) error {
	// SPEND_LINKS carries every link lifecycle change, scoped twice: once per
	// owner wallet and once per link.
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "SPEND_LINKS",               // Stream name
		Subjects:  []string{"spend.links.>"},   // Owner- and link-scoped subjects
		Retention: nats.LimitsPolicy,           // Retention policy
		MaxAge:    24 * time.Hour,              // Keep events for 24 hours
		Discard:   nats.DiscardOld,             // Discard old messages when limits reached
		Storage:   nats.FileStorage,            // Use file storage for persistence
	})
	if err != nil {
		return fmt.Errorf("failed to create SPEND_LINKS stream: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (b *natsBus) Close() error {
	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}

func ownerSubject(walletID string) string { return "spend.links.owner." + walletID }
func linkSubject(linkID string) string    { return "spend.links.link." + linkID }

// PublishLinkChanged publishes a link change to both scoped subjects.
func (b *natsBus) PublishLinkChanged(ctx context.Context, ev model.LinkChangeEvent) error {
	envelope := EventEnvelope{
		Type:          "spend.links.changed",
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       ev,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	if _, err := b.js.Publish(ownerSubject(ev.OwnerWalletID), data); err != nil {
		return err
	}
	if _, err := b.js.Publish(linkSubject(ev.LinkID), data); err != nil {
		return err
	}
	return nil
}

// SubscribeOwner subscribes to all changes on an owner's links.
func (b *natsBus) SubscribeOwner(ctx context.Context, walletID string) (<-chan model.LinkChangeEvent, func(), error) {
	return b.subscribe(ownerSubject(walletID))
}

// SubscribeLink subscribes to changes on a single link.
func (b *natsBus) SubscribeLink(ctx context.Context, linkID string) (<-chan model.LinkChangeEvent, func(), error) {
	return b.subscribe(linkSubject(linkID))
}

func (b *natsBus) subscribe(subject string) (<-chan model.LinkChangeEvent, func(), error) {
	ch := make(chan model.LinkChangeEvent, subscriberBuffer)

	// The mutex fences in-flight handler callbacks against cancel closing ch.
	var mu sync.Mutex
	closed := false

	sub, err := b.js.Subscribe(subject, func(msg *nats.Msg) {
		var envelope EventEnvelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			slog.Warn("dropping malformed link event", "subject", subject, "error", err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- envelope.Payload:
		default:
			// Consumer is behind; it will catch up from the store
		}
	}, nats.DeliverNew())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	cancel := func() {
		_ = sub.Unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
	return ch, cancel, nil
}

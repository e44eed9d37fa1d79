package services

import (
	"context"
	"sync"

	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"
)

const seenEventCapacity = 4096

// EventListener relays events published by any instance to a local sink, typically the
// websocket notifier. Deliveries are at-least-once, so events already relayed are skipped.
type EventListener struct {
	sink domain.NotificationSink
	log  logger.Logger

	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

func NewEventListener(sink domain.NotificationSink, log logger.Logger) *EventListener {
	return &EventListener{
		sink: sink,
		log:  log,
		seen: make(map[string]struct{}, seenEventCapacity),
		ring: make([]string, seenEventCapacity),
	}
}

// Start blocks until ctx ends or the subscription fails.
func (el *EventListener) Start(ctx context.Context, subscriber domain.EventSubscriber) error {
	el.log.Info("Starting event listener", "sink", el.sink.Name())
	return subscriber.SubscribeToAuctionEvents(ctx, func(event *domain.AuctionEvent) error {
		return el.Handle(ctx, event)
	})
}

func (el *EventListener) Handle(ctx context.Context, event *domain.AuctionEvent) error {
	if !el.markSeen(event.ID) {
		el.log.Debug("Skipping duplicate event", "event_id", event.ID)
		return nil
	}
	el.log.Debug("Handling auction event", "type", event.Type, "auction_id", event.AuctionID)
	return el.sink.Deliver(ctx, event)
}

// markSeen reports whether id is new, remembering the most recent ids only.
func (el *EventListener) markSeen(id string) bool {
	el.mu.Lock()
	defer el.mu.Unlock()

	if _, ok := el.seen[id]; ok {
		return false
	}
	if old := el.ring[el.next]; old != "" {
		delete(el.seen, old)
	}
	el.ring[el.next] = id
	el.next = (el.next + 1) % len(el.ring)
	el.seen[id] = struct{}{}
	return true
}

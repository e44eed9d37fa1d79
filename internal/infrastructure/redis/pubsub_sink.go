package redis

import (
	"context"
	"encoding/json"

	"auction-engine/internal/domain"

	"github.com/go-redis/redis/v8"
)

const EventsChannel = "auction_events"

// PubSubSink publishes auction events on the shared Redis channel.
type PubSubSink struct {
	client  *redis.Client
	channel string
}

func NewPubSubSink(client *redis.Client) *PubSubSink {
	return &PubSubSink{client: client, channel: EventsChannel}
}

func (s *PubSubSink) Name() string {
	return "redis"
}

func (s *PubSubSink) Deliver(ctx context.Context, event *domain.AuctionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, payload).Err()
}

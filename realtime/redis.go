package realtime

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/techagentng/realtyx/logger"
)

// RedisBroker publishes events to the local Hub and to a Redis channel, and
// replays events published by other instances into the local Hub.
type RedisBroker struct {
	client  *redis.Client
	channel string
	local   *Hub
	origin  string
	log     *logrus.Entry
}

func NewRedisBroker(client *redis.Client, channel string, local *Hub) *RedisBroker {
	return &RedisBroker{
		client:  client,
		channel: channel,
		local:   local,
		origin:  uuid.NewString(),
		log:     logger.For("realtime.redis"),
	}
}

// Publish delivers e locally first so this instance's subscribers never wait
// on Redis, then relays it to the other instances.
func (b *RedisBroker) Publish(ctx context.Context, e Event) error {
	if err := b.local.Publish(ctx, e); err != nil {
		return err
	}

	e.Origin = b.origin
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.log.WithError(err).WithField("table", e.Table).Warn("failed to relay event")
		return err
	}
	return nil
}

// Run relays remote events into the local Hub until ctx is done.
func (b *RedisBroker) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	b.log.WithField("channel", b.channel).Info("relaying realtime events")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.relay(ctx, msg.Payload)
		}
	}
}

func (b *RedisBroker) relay(ctx context.Context, payload string) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		b.log.WithError(err).Warn("dropping malformed event")
		return
	}
	if e.Origin == b.origin {
		return
	}
	if err := b.local.Publish(ctx, e); err != nil {
		b.log.WithError(err).WithField("table", e.Table).Warn("failed to deliver remote event")
	}
}

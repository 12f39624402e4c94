package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const defaultChannel = "voice:realtime"

// redisPayload is the message published to Redis for cross-process delivery.
type redisPayload struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// RedisBridge carries realtime events between processes over a single pub/sub channel.
type RedisBridge struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

func NewRedisBridge(client *redis.Client, channel string, log *slog.Logger) *RedisBridge {
	if channel == "" {
		channel = defaultChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisBridge{client: client, channel: channel, log: log}
}

func (r *RedisBridge) Publish(ctx context.Context, topic string, payload []byte) error {
	body, err := json.Marshal(redisPayload{Topic: topic, Data: payload})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, body).Err()
}

// Relay subscribes to the channel and delivers every message into hub until ctx is done.
func (r *RedisBridge) Relay(ctx context.Context, hub *Hub) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var p redisPayload
			if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
				r.log.Warn("realtime relay: bad payload", "err", err)
				continue
			}
			hub.Deliver(p.Topic, p.Data)
		}
	}
}

package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel relayed messages travel on.
const DefaultChannel = "consultsync:topics"

// relayMessage is the wire format on the Redis channel.
type relayMessage struct {
	Node  string `json:"node"`
	Topic string `json:"topic"`
	Data  []byte `json:"data"`
}

// RedisRelay mirrors bus publications across server instances over a Redis
// Pub/Sub channel. Messages published by this node are not re-delivered to
// it.
type RedisRelay struct {
	client  *redis.Client
	bus     *Bus
	channel string
	nodeID  string
	ready   chan struct{}
}

// NewRedisRelay creates a relay for bus on channel (DefaultChannel if empty).
func NewRedisRelay(client *redis.Client, bus *Bus, channel string) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisRelay{
		client:  client,
		bus:     bus,
		channel: channel,
		nodeID:  uuid.NewString(),
		ready:   make(chan struct{}),
	}
}

// NodeID identifies this instance on the channel.
func (r *RedisRelay) NodeID() string { return r.nodeID }

// Ready is closed once the relay's subscription is active.
func (r *RedisRelay) Ready() <-chan struct{} { return r.ready }

// Publish sends a bus publication to the other instances.
func (r *RedisRelay) Publish(ctx context.Context, topic string, data []byte) error {
	payload, err := json.Marshal(relayMessage{Node: r.nodeID, Topic: topic, Data: data})
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run subscribes to the channel and delivers remote publications to the
// local bus until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}
	close(r.ready)
	slog.Info("pubsub: redis relay subscribed", "channel", r.channel, "node", r.nodeID)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				slog.Warn("pubsub: bad relay message", "error", err)
				continue
			}
			if m.Node == r.nodeID {
				continue
			}
			r.bus.PublishLocal(m.Topic, m.Data)
		}
	}
}

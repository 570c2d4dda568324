package pubsub

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

// Destination prefixes for the topics a consultation uses.
const (
	sessionPrefix  = "/topic/session/"
	employeePrefix = "/topic/employee/"
	tabletPrefix   = "/topic/tablet/"
)

// SessionTopic is shared by every device of a session.
func SessionTopic(sessionID string) string { return sessionPrefix + sessionID }

// EmployeeTopic reaches only the teller side of a session.
func EmployeeTopic(sessionID string) string { return employeePrefix + sessionID }

// TabletTopic reaches only the customer tablet of a session.
func TabletTopic(sessionID string) string { return tabletPrefix + sessionID }

// ReplyTopic is the private queue of one participant.
func ReplyTopic(participantID string) string { return "/user/" + participantID + "/queue/reply" }

// Subscriber receives messages published on the topics it subscribed to.
// Deliver must not block.
type Subscriber interface {
	SubscriberID() string
	Deliver(topic string, data []byte) error
}

// Relay forwards published messages to other server instances.
type Relay interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// Stats holds point-in-time bus counters.
type Stats struct {
	Topics    int
	Published int64
	Delivered int64
	Failed    int64
}

// Bus is a destination-addressed publish/subscribe channel.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[string]Subscriber
	relay  Relay

	published atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		topics: make(map[string]map[string]Subscriber),
	}
}

// SetRelay attaches a relay that receives every Publish call.
func (b *Bus) SetRelay(r Relay) {
	b.mu.Lock()
	b.relay = r
	b.mu.Unlock()
}

// Subscribe registers s on topic. Subscribing twice is a no-op.
func (b *Bus) Subscribe(topic string, s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[string]Subscriber)
		b.topics[topic] = subs
	}
	subs[s.SubscriberID()] = s
}

// Unsubscribe removes the subscriber with id from topic.
func (b *Bus) Unsubscribe(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[topic]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

// UnsubscribeAll removes the subscriber with id from every topic.
func (b *Bus) UnsubscribeAll(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.topics {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

// Publish delivers data to local subscribers of topic and hands it to the
// relay, if any. Subscribers listed in exclude are skipped locally. It
// returns the number of local deliveries that succeeded.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte, exclude ...string) int {
	b.published.Add(1)
	n := b.PublishLocal(topic, data, exclude...)

	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()
	if relay != nil {
		if err := relay.Publish(ctx, topic, data); err != nil {
			slog.Warn("pubsub: relay publish failed", "topic", topic, "error", err)
		}
	}
	return n
}

// PublishLocal delivers data to this instance's subscribers only. A failing
// subscriber is logged and skipped.
func (b *Bus) PublishLocal(topic string, data []byte, exclude ...string) int {
	b.mu.RLock()
	subs := b.topics[topic]
	// Copy so delivery happens without the lock.
	targets := make([]Subscriber, 0, len(subs))
	for id, s := range subs {
		if slices.Contains(exclude, id) {
			continue
		}
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.Deliver(topic, data); err != nil {
			b.failed.Add(1)
			slog.Warn("pubsub: deliver failed", "topic", topic, "subscriber", s.SubscriberID(), "error", err)
			continue
		}
		delivered++
	}
	b.delivered.Add(int64(delivered))
	return delivered
}

// SubscriberCount returns the number of subscribers on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Topics lists topics with at least one subscriber.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.topics))
	for t := range b.topics {
		out = append(out, t)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Stats returns point-in-time counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	topics := len(b.topics)
	b.mu.RUnlock()
	return Stats{
		Topics:    topics,
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
	}
}

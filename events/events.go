// Package events implements the server's connect/disconnect and
// "*_list_changed"/resource-update fan-out plane on top of cskr/pubsub.
package events

import (
	"encoding/json"

	"github.com/cskr/pubsub"
)

// Topic names used across the dispatcher; sessions subscribe to the topics
// relevant to their own id plus the process-wide broadcast topics.
const (
	TopicConnect    = "session/connect"
	TopicDisconnect = "session/disconnect"
)

// ResourceUpdated is published on a per-URI subscription topic whenever a
// registered resource handler reports a change.
type ResourceUpdated struct {
	URI string `json:"uri"`
}

// Bus wraps a cskr/pubsub.PubSub with typed helpers for the notification
// shapes this server needs. The zero value is not usable; use New.
type Bus struct {
	ps *pubsub.PubSub
}

// New creates a Bus whose per-subscriber channel buffer holds capacity
// pending messages before Pub starts blocking the publisher.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 16
	}
	return &Bus{ps: pubsub.New(capacity)}
}

// Subscribe returns a channel receiving every message published to any of
// topics. Callers must eventually call Unsubscribe with the same channel to
// avoid leaking it.
func (b *Bus) Subscribe(topics ...string) chan interface{} {
	return b.ps.Sub(topics...)
}

// Unsubscribe detaches ch from topics (or from everything, and closes it, if
// topics is empty).
func (b *Bus) Unsubscribe(ch chan interface{}, topics ...string) {
	b.ps.Unsub(ch, topics...)
}

// Publish sends an empty notification to topic — used for the
// "*_list_changed" notifications, whose payload carries no data beyond the
// method name itself.
func (b *Bus) Publish(topic string) {
	b.ps.Pub(struct{}{}, topic)
}

// PublishResourceUpdated notifies subscribers of uri that its content
// changed.
func (b *Bus) PublishResourceUpdated(uri string) {
	b.ps.Pub(ResourceUpdated{URI: uri}, resourceTopic(uri))
}

// SubscribeResource subscribes to updates for a single resource URI.
func (b *Bus) SubscribeResource(uri string) chan interface{} {
	return b.ps.Sub(resourceTopic(uri))
}

// UnsubscribeResource detaches ch from a single resource URI's topic.
func (b *Bus) UnsubscribeResource(ch chan interface{}, uri string) {
	b.ps.Unsub(ch, resourceTopic(uri))
}

func resourceTopic(uri string) string {
	return "resource/" + uri
}

// PublishConnect/PublishDisconnect announce session lifecycle events on the
// process-wide topics; sessionID is carried as the message payload so a
// single shared listener can tell sessions apart.
func (b *Bus) PublishConnect(sessionID string)    { b.ps.Pub(sessionID, TopicConnect) }
func (b *Bus) PublishDisconnect(sessionID string) { b.ps.Pub(sessionID, TopicDisconnect) }

// Shutdown closes every subscriber channel and stops the bus. Call once,
// during process teardown.
func (b *Bus) Shutdown() {
	b.ps.Shutdown()
}

// MarshalNotification is a small helper for handlers that need to frame a
// list_changed/resource-updated event as a JSON-RPC notification params
// payload.
func MarshalNotification(v interface{}) (json.RawMessage, error) {
	return json.Marshal(v)
}

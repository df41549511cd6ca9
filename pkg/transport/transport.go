// Package transport defines the contract between the topic connector and an
// underlying publish/subscribe fabric. Implementations live in the memory and
// mesh subpackages.
package transport

import "time"

// MessageHandler receives one opaque serialized message. Implementations call
// it from their own delivery goroutines, one call at a time per subscription.
type MessageHandler func(data []byte)

// EndpointInfo describes one live publication endpoint on a topic, as
// reported by the transport's introspection.
type EndpointInfo struct {
	Type string
	QoS  QoSProfile
}

// Subscription is a live transport-level subscription. Close stops future
// deliveries; a delivery already in flight may still complete.
type Subscription interface {
	Close() error
}

// Publication is a live transport-level publication.
type Publication interface {
	// Write sends one opaque serialized message to all current subscribers.
	Write(data []byte) error
	Close() error
}

// Node is the pub/sub fabric the connector multiplexes on top of.
type Node interface {
	// PublishersInfo reports the live publication endpoints on a topic in
	// creation order. Empty means no known publishers.
	PublishersInfo(topic string) []EndpointInfo

	// CreateSubscription opens a transport subscription and begins
	// delivering inbound messages to h. Creation is a bounded local call.
	CreateSubscription(topic, msgType string, qos QoSProfile, h MessageHandler) (Subscription, error)

	// CreatePublication opens a transport publication for writing.
	CreatePublication(topic, msgType string, qos QoSProfile) (Publication, error)

	// Now is the clock used for throttle and replay deadline comparisons.
	Now() time.Time
}

// Package connector multiplexes many logical clients onto one pub/sub
// transport. No matter how many clients bind the same TopicParams value, a
// single transport subscription or publication exists for it, while every
// client keeps its own delivery semantics: independent throttling,
// independent revocation, and a one-shot retained-message replay for late
// joiners on latched topics.
package connector

import (
	"time"

	"go.uber.org/zap"

	"github.com/bytemux/bridge/pkg/logging"
	"github.com/bytemux/bridge/pkg/transport"
)

// DefaultReplayTimeout bounds how long a late joiner waits for a retained
// message before its one-shot replay gives up.
const DefaultReplayTimeout = 5 * time.Second

// SubscriptionCallback receives each message delivered to one subscriber
// registration. It runs under the subscription registry's lock and must not
// call back into the connector.
type SubscriptionCallback func(params TopicParams, data []byte)

// ForwardFunc writes one opaque serialized message through the shared
// transport publication backing an advertisement.
type ForwardFunc func(data []byte) error

// Options tune a Connector.
type Options struct {
	// ReplayTimeout bounds the one-shot retained replay wait. Zero or
	// negative selects DefaultReplayTimeout.
	ReplayTimeout time.Duration
	// Logger receives connector diagnostics. Nil disables logging.
	Logger *logging.ColoredLogger
}

// Connector deduplicates transport subscriptions and publications by
// TopicParams equality. Subscriber and publisher registrations live in two
// independently locked registries; no operation locks both.
type Connector struct {
	subs *subscriberRegistry
	pubs *publisherRegistry
}

// New creates a Connector on top of node.
func New(node transport.Node, opts Options) *Connector {
	if opts.ReplayTimeout <= 0 {
		opts.ReplayTimeout = DefaultReplayTimeout
	}
	return &Connector{
		subs: newSubscriberRegistry(node, opts),
		pubs: newPublisherRegistry(node, opts),
	}
}

// Subscribe registers cb for params on behalf of clientID. The first
// registration with a given params value creates the transport subscription;
// later ones share it. When the topic's effective durability is
// transient-local, a late joiner additionally gets a bounded one-shot replay
// of the retained message. The returned revoke closure removes exactly this
// registration; calling it again is a no-op.
func (c *Connector) Subscribe(clientID string, params TopicParams, cb SubscriptionCallback) (func(), error) {
	return c.subs.subscribe(clientID, params, cb)
}

// Advertise registers clientID as a publisher for params and returns a
// forward function writing through the shared transport publication, plus a
// revoke closure with the same semantics as Subscribe's.
func (c *Connector) Advertise(clientID string, params TopicParams) (ForwardFunc, func(), error) {
	return c.pubs.advertise(clientID, params)
}

// IsSubscribedToTopic reports whether any subscriber registration matches
// params exactly.
func (c *Connector) IsSubscribedToTopic(params TopicParams) bool {
	return c.subs.hasParams(params)
}

// IsAdvertisingTopic reports whether any publisher registration matches
// params exactly.
func (c *Connector) IsAdvertisingTopic(params TopicParams) bool {
	return c.pubs.hasParams(params)
}

// Close revokes every registration, closes all shared transport resources
// and waits for in-flight replays to finish. Later operations return
// ErrClosed; later dispatches are dropped.
func (c *Connector) Close() error {
	errSubs := c.subs.close()
	errPubs := c.pubs.close()
	if errSubs != nil {
		return errSubs
	}
	return errPubs
}

// Stats returns a point-in-time snapshot of connector activity.
func (c *Connector) Stats() Stats {
	var s Stats
	c.subs.fillStats(&s)
	c.pubs.fillStats(&s)
	return s
}

// Stats counts registrations, shared transport resources and message flow.
type Stats struct {
	Subscriptions       int    `json:"subscriptions"`
	SharedSubscriptions int    `json:"shared_subscriptions"`
	Advertisements      int    `json:"advertisements"`
	SharedPublications  int    `json:"shared_publications"`
	Dispatched          uint64 `json:"dispatched"`
	Delivered           uint64 `json:"delivered"`
	Throttled           uint64 `json:"throttled"`
	Forwarded           uint64 `json:"forwarded"`
	ReplaysFired        uint64 `json:"replays_fired"`
	ReplaysExpired      uint64 `json:"replays_expired"`
}

func logDebug(l *logging.ColoredLogger, msg string, fields ...zap.Field) {
	if l != nil {
		l.ComponentDebug(logging.ComponentConnector, msg, fields...)
	}
}

func logWarn(l *logging.ColoredLogger, msg string, fields ...zap.Field) {
	if l != nil {
		l.ComponentWarn(logging.ComponentConnector, msg, fields...)
	}
}

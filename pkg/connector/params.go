package connector

import "time"

// Defaults applied by NewTopicParams.
const (
	DefaultHistoryDepth uint = 10
	DefaultCompression       = "none"
)

// TopicParams identifies one logical topic binding. It is the deduplication
// key for transport resources: two bindings share a transport subscription or
// publication only when every field matches exactly, throttle rate and
// compression tag included.
type TopicParams struct {
	// Topic is the transport-level channel name.
	Topic string
	// Type identifies the payload schema. Opaque to the connector.
	Type string
	// HistoryDepth is the requested queue size.
	HistoryDepth uint
	// Compression is an informational tag, never interpreted here.
	Compression string
	// Latch asks a publication to retain its most recent message for
	// subscribers that join later.
	Latch bool
	// ThrottleRate is the minimum interval between deliveries to one
	// subscriber registration. Zero means unthrottled.
	ThrottleRate time.Duration
}

// NewTopicParams returns params for topic and msgType with the default
// depth, compression, latch and throttle settings.
func NewTopicParams(topic, msgType string) TopicParams {
	return TopicParams{
		Topic:        topic,
		Type:         msgType,
		HistoryDepth: DefaultHistoryDepth,
		Compression:  DefaultCompression,
	}
}

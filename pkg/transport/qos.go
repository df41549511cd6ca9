package transport

// Durability controls whether a publication retains its most recent message
// for subscribers that join after it was sent.
type Durability int

const (
	DurabilityVolatile Durability = iota
	DurabilityTransientLocal
)

func (d Durability) String() string {
	switch d {
	case DurabilityVolatile:
		return "volatile"
	case DurabilityTransientLocal:
		return "transient_local"
	default:
		return "unknown"
	}
}

// Reliability controls how hard the transport tries to deliver each message.
type Reliability int

const (
	ReliabilityReliable Reliability = iota
	ReliabilityBestEffort
)

func (r Reliability) String() string {
	switch r {
	case ReliabilityReliable:
		return "reliable"
	case ReliabilityBestEffort:
		return "best_effort"
	default:
		return "unknown"
	}
}

// QoSProfile carries the delivery guarantees requested for one subscription
// or publication. The zero value is volatile, reliable, depth 0.
type QoSProfile struct {
	Depth       uint
	Durability  Durability
	Reliability Reliability
}

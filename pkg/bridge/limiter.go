package bridge

import (
	"sync"
	"time"
)

// PublishLimiter is a token-bucket limiter applied per client to publish
// operations, keeping one flooding client from starving the transport.
type PublishLimiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    float64 // tokens per second
	burst   int
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// NewPublishLimiter creates a limiter sustaining ratePerSecond with the
// given burst capacity. A non-positive rate disables limiting.
func NewPublishLimiter(ratePerSecond float64, burst int) *PublishLimiter {
	if ratePerSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &PublishLimiter{
		clients: make(map[string]*bucket),
		rate:    ratePerSecond,
		burst:   burst,
	}
}

// Allow reports whether one more publish from clientID fits the budget. A
// nil limiter allows everything.
func (pl *PublishLimiter) Allow(clientID string) bool {
	if pl == nil {
		return true
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	now := time.Now()
	b, exists := pl.clients[clientID]
	if !exists {
		pl.clients[clientID] = &bucket{tokens: float64(pl.burst) - 1, lastCheck: now}
		return true
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * pl.rate
	if b.tokens > float64(pl.burst) {
		b.tokens = float64(pl.burst)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Forget drops the bucket for a disconnected client.
func (pl *PublishLimiter) Forget(clientID string) {
	if pl == nil {
		return
	}
	pl.mu.Lock()
	delete(pl.clients, clientID)
	pl.mu.Unlock()
}

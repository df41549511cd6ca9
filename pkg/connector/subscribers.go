package connector

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bytemux/bridge/pkg/logging"
	"github.com/bytemux/bridge/pkg/transport"
)

// subscriberEntry is one client's registration on a topic binding.
type subscriberEntry struct {
	handleID uint64
	clientID string
	params   TopicParams
	cb       SubscriptionCallback
	lastSent time.Time
	shared   transport.Subscription
}

// subscriberRegistry owns the subscriber registrations and the shared
// transport subscriptions backing them. The entries slice keeps insertion
// order: first-match lookup and dispatch both walk it in order.
type subscriberRegistry struct {
	node          transport.Node
	log           *logging.ColoredLogger
	replayTimeout time.Duration

	mu      sync.Mutex
	entries []*subscriberEntry
	closed  bool

	nextID   atomic.Uint64
	closing  chan struct{}
	replayWG sync.WaitGroup

	dispatched     atomic.Uint64
	delivered      atomic.Uint64
	throttled      atomic.Uint64
	replaysFired   atomic.Uint64
	replaysExpired atomic.Uint64
}

func newSubscriberRegistry(node transport.Node, opts Options) *subscriberRegistry {
	return &subscriberRegistry{
		node:          node,
		log:           opts.Logger,
		replayTimeout: opts.ReplayTimeout,
		closing:       make(chan struct{}),
	}
}

func (r *subscriberRegistry) subscribe(clientID string, params TopicParams, cb SubscriptionCallback) (func(), error) {
	if params.Topic == "" {
		return nil, ErrEmptyTopic
	}
	if params.Type == "" {
		return nil, ErrEmptyType
	}
	if cb == nil {
		return nil, ErrNilCallback
	}

	// Effective QoS: depth from the request, durability and reliability
	// from the live publisher endpoints. The last reported endpoint wins,
	// not the strictest one.
	qos := transport.QoSProfile{Depth: params.HistoryDepth}
	for _, info := range r.node.PublishersInfo(params.Topic) {
		qos.Durability = info.QoS.Durability
		qos.Reliability = info.QoS.Reliability
	}
	transientLocal := qos.Durability == transport.DurabilityTransientLocal

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	var shared transport.Subscription
	replay := false
	if existing := r.findByParamsLocked(params); existing != nil {
		shared = existing.shared
		// Late joiner on a retained topic: the shared subscription has
		// already consumed the retained message, so replay it once
		// through a temporary subscription.
		replay = transientLocal
	} else {
		sub, err := r.node.CreateSubscription(params.Topic, params.Type, qos, func(data []byte) {
			r.dispatch(params, data)
		})
		if err != nil {
			return nil, fmt.Errorf("create subscription: %w", err)
		}
		shared = sub
	}

	entry := &subscriberEntry{
		handleID: r.nextID.Add(1),
		clientID: clientID,
		params:   params,
		cb:       cb,
		shared:   shared,
	}
	r.entries = append(r.entries, entry)

	if replay {
		r.replayWG.Add(1)
		go r.replayRetained(entry.handleID, params, qos)
	}

	logDebug(r.log, "subscriber registered",
		zap.String("client", clientID),
		zap.String("topic", params.Topic),
		zap.Uint64("handle", entry.handleID))

	handleID := entry.handleID
	return func() { r.remove(handleID) }, nil
}

// dispatch fans one inbound message out to every registration whose params
// equal key, in insertion order, under the registry lock. A registration is
// skipped while its throttle interval has not elapsed; on delivery its
// lastSent advances to the clock reading taken at dispatch entry.
func (r *subscriberRegistry) dispatch(key TopicParams, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.dispatched.Add(1)

	now := r.node.Now()
	for _, e := range r.entries {
		if e.params != key {
			continue
		}
		if e.params.ThrottleRate > 0 && !e.lastSent.Add(e.params.ThrottleRate).Before(now) {
			r.throttled.Add(1)
			continue
		}
		e.lastSent = now
		e.cb(e.params, data)
		r.delivered.Add(1)
	}
}

// replayRetained delivers at most one retained message to the registration
// identified by handleID, through a temporary transport subscription that is
// torn down on delivery, timeout and close alike. The retained message may
// never arrive (the durability report can be a false positive), so the wait
// is bounded by replayTimeout.
func (r *subscriberRegistry) replayRetained(handleID uint64, params TopicParams, qos transport.QoSProfile) {
	defer r.replayWG.Done()

	first := make(chan []byte, 1)
	var got atomic.Bool
	tmp, err := r.node.CreateSubscription(params.Topic, params.Type, qos, func(data []byte) {
		if got.CompareAndSwap(false, true) {
			first <- data
		}
	})
	if err != nil {
		logWarn(r.log, "replay subscription failed",
			zap.String("topic", params.Topic), zap.Error(err))
		return
	}
	defer tmp.Close()

	timer := time.NewTimer(r.replayTimeout)
	defer timer.Stop()

	select {
	case data := <-first:
		if r.deliverReplay(handleID, data) {
			r.replaysFired.Add(1)
		}
	case <-timer.C:
		r.replaysExpired.Add(1)
		logDebug(r.log, "replay expired without a retained message",
			zap.String("topic", params.Topic))
	case <-r.closing:
	}
}

// deliverReplay hands the retained message to the owning registration if it
// is still present. A registration revoked mid-replay is skipped.
func (r *subscriberRegistry) deliverReplay(handleID uint64, data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	for _, e := range r.entries {
		if e.handleID == handleID {
			e.cb(e.params, data)
			return true
		}
	}
	return false
}

// remove deletes the registration with handleID. When it was the last one
// using its params value, the shared transport subscription is closed with
// it. Unknown handles are a no-op.
func (r *subscriberRegistry) remove(handleID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, e := range r.entries {
		if e.handleID == handleID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	entry := r.entries[idx]
	r.entries = append(r.entries[:idx], r.entries[idx+1:]...)

	if r.findByParamsLocked(entry.params) == nil {
		if err := entry.shared.Close(); err != nil {
			logWarn(r.log, "closing shared subscription",
				zap.String("topic", entry.params.Topic), zap.Error(err))
		}
	}

	logDebug(r.log, "subscriber removed",
		zap.String("client", entry.clientID),
		zap.String("topic", entry.params.Topic),
		zap.Uint64("handle", handleID))
}

// findByParamsLocked returns the first registration whose params equal p.
// Caller must hold r.mu.
func (r *subscriberRegistry) findByParamsLocked(p TopicParams) *subscriberEntry {
	for _, e := range r.entries {
		if e.params == p {
			return e
		}
	}
	return nil
}

func (r *subscriberRegistry) hasParams(p TopicParams) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findByParamsLocked(p) != nil
}

// close drops every registration, closes each distinct shared subscription
// and waits for replay tasks to finish.
func (r *subscriberRegistry) close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.closing)
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	var firstErr error
	seen := make(map[transport.Subscription]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.shared]; ok {
			continue
		}
		seen[e.shared] = struct{}{}
		if err := e.shared.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	r.replayWG.Wait()
	return firstErr
}

func (r *subscriberRegistry) fillStats(s *Stats) {
	r.mu.Lock()
	s.Subscriptions = len(r.entries)
	shared := make(map[transport.Subscription]struct{}, len(r.entries))
	for _, e := range r.entries {
		shared[e.shared] = struct{}{}
	}
	s.SharedSubscriptions = len(shared)
	r.mu.Unlock()

	s.Dispatched = r.dispatched.Load()
	s.Delivered = r.delivered.Load()
	s.Throttled = r.throttled.Load()
	s.ReplaysFired = r.replaysFired.Load()
	s.ReplaysExpired = r.replaysExpired.Load()
}

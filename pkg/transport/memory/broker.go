// Package memory provides an in-process transport.Node for single-process
// deployments and tests.
package memory

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytemux/bridge/pkg/transport"
)

// ErrClosed is returned for operations on a closed broker or publication.
var ErrClosed = errors.New("memory: broker closed")

// Broker is an in-process implementation of transport.Node. Each subscription
// drains its own buffered channel through a pump goroutine, so Write never
// blocks on a slow handler; messages that do not fit the buffer are dropped
// and counted.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topicState
	closed bool
}

type topicState struct {
	subs     []*subscription
	pubs     []*publication
	retained []byte
	dropped  atomic.Int64
}

type subscription struct {
	broker  *Broker
	topic   string
	handler transport.MessageHandler
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
}

type publication struct {
	broker  *Broker
	topic   string
	msgType string
	qos     transport.QoSProfile
	closed  atomic.Bool
	once    sync.Once
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*topicState)}
}

// getOrCreateTopic returns the state for a topic, creating it on first use.
// Caller must hold b.mu.
func (b *Broker) getOrCreateTopic(name string) *topicState {
	ts, ok := b.topics[name]
	if !ok {
		ts = &topicState{}
		b.topics[name] = ts
	}
	return ts
}

// PublishersInfo reports the publication endpoints on a topic in creation
// order.
func (b *Broker) PublishersInfo(topic string) []transport.EndpointInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts, ok := b.topics[topic]
	if !ok || len(ts.pubs) == 0 {
		return nil
	}
	infos := make([]transport.EndpointInfo, 0, len(ts.pubs))
	for _, p := range ts.pubs {
		infos = append(infos, transport.EndpointInfo{Type: p.msgType, QoS: p.qos})
	}
	return infos
}

// CreateSubscription registers a handler for a topic. If the topic holds a
// retained message and the subscription asks for transient-local durability,
// the retained message is queued for asynchronous re-delivery before any new
// traffic.
func (b *Broker) CreateSubscription(topic, msgType string, qos transport.QoSProfile, h transport.MessageHandler) (transport.Subscription, error) {
	if h == nil {
		return nil, errors.New("memory: nil message handler")
	}
	depth := int(qos.Depth)
	if depth < 1 {
		depth = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	ts := b.getOrCreateTopic(topic)
	sub := &subscription{
		broker:  b,
		topic:   topic,
		handler: h,
		ch:      make(chan []byte, depth),
		done:    make(chan struct{}),
	}
	ts.subs = append(ts.subs, sub)
	go sub.pump()

	if qos.Durability == transport.DurabilityTransientLocal && ts.retained != nil {
		// Buffer is freshly created with depth >= 1, cannot block.
		sub.ch <- ts.retained
	}
	return sub, nil
}

// CreatePublication registers a publication endpoint for a topic.
func (b *Broker) CreatePublication(topic, msgType string, qos transport.QoSProfile) (transport.Publication, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	ts := b.getOrCreateTopic(topic)
	pub := &publication{broker: b, topic: topic, msgType: msgType, qos: qos}
	ts.pubs = append(ts.pubs, pub)
	return pub, nil
}

// Now implements the transport clock.
func (b *Broker) Now() time.Time {
	return time.Now()
}

// Dropped reports how many messages were discarded on a topic because a
// subscriber's buffer was full.
func (b *Broker) Dropped(topic string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ts, ok := b.topics[topic]; ok {
		return ts.dropped.Load()
	}
	return 0
}

// Close stops all pumps and rejects further operations.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[string]*topicState)
	b.mu.Unlock()

	for _, ts := range topics {
		for _, sub := range ts.subs {
			sub.Close()
		}
	}
	return nil
}

// pump drains the buffer into the handler until the subscription is closed.
func (s *subscription) pump() {
	for {
		select {
		case data := <-s.ch:
			s.handler(data)
		case <-s.done:
			return
		}
	}
}

// Close stops the pump and removes the subscription from its topic. Safe to
// call more than once.
func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.broker.mu.Lock()
		if ts, ok := s.broker.topics[s.topic]; ok {
			for i, cur := range ts.subs {
				if cur == s {
					ts.subs = append(ts.subs[:i], ts.subs[i+1:]...)
					break
				}
			}
		}
		s.broker.mu.Unlock()
	})
	return nil
}

// Write fans the message out to every current subscriber on the topic. A
// transient-local publication also stores the message for late joiners.
func (p *publication) Write(data []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}

	b := p.broker
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	ts, ok := b.topics[p.topic]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	if p.qos.Durability == transport.DurabilityTransientLocal {
		// Copy: the caller may reuse its buffer after Write returns.
		ts.retained = append([]byte(nil), data...)
	}
	subs := make([]*subscription, len(ts.subs))
	copy(subs, ts.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- data:
		default:
			ts.dropped.Add(1)
		}
	}
	return nil
}

// Close removes the publication endpoint. The retained message is cleared
// once no transient-local publication on the topic remains.
func (p *publication) Close() error {
	p.once.Do(func() {
		p.closed.Store(true)
		b := p.broker
		b.mu.Lock()
		if ts, ok := b.topics[p.topic]; ok {
			for i, cur := range ts.pubs {
				if cur == p {
					ts.pubs = append(ts.pubs[:i], ts.pubs[i+1:]...)
					break
				}
			}
			retain := false
			for _, cur := range ts.pubs {
				if cur.qos.Durability == transport.DurabilityTransientLocal {
					retain = true
					break
				}
			}
			if !retain {
				ts.retained = nil
			}
		}
		b.mu.Unlock()
	})
	return nil
}

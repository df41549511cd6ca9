package mesh

import (
	"context"
	"errors"
	"sync"

	libp2ppubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/zap"

	"github.com/bytemux/bridge/pkg/transport"
)

// ErrClosed is returned for operations on a closed mesh or publication.
var ErrClosed = errors.New("mesh: closed")

type subscription struct {
	mesh   *Mesh
	topic  string
	sub    *libp2ppubsub.Subscription
	cancel context.CancelFunc
	once   sync.Once
}

type publication struct {
	mesh    *Mesh
	topic   string
	msgType string
	qos     transport.QoSProfile
	handle  *libp2ppubsub.Topic
	once    sync.Once
}

// PublishersInfo reports the publication endpoints this node holds on a
// topic, in creation order. Remote peers' publications are invisible:
// gossipsub carries no endpoint introspection.
func (m *Mesh) PublishersInfo(topic string) []transport.EndpointInfo {
	name := m.namespacedTopic(topic)

	m.mu.Lock()
	defer m.mu.Unlock()

	pubs := m.pubs[name]
	if len(pubs) == 0 {
		return nil
	}
	infos := make([]transport.EndpointInfo, 0, len(pubs))
	for _, p := range pubs {
		infos = append(infos, transport.EndpointInfo{Type: p.msgType, QoS: p.qos})
	}
	return infos
}

// CreateSubscription subscribes to the namespaced gossipsub topic and pumps
// inbound messages into h from a dedicated reader goroutine. A
// transient-local subscription is additionally handed this node's retained
// message, when one exists, before mesh traffic.
func (m *Mesh) CreateSubscription(topic, msgType string, qos transport.QoSProfile, h transport.MessageHandler) (transport.Subscription, error) {
	if h == nil {
		return nil, errors.New("mesh: nil message handler")
	}
	name := m.namespacedTopic(topic)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	t, err := m.getOrCreateTopicLocked(name)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	var retained []byte
	if qos.Durability == transport.DurabilityTransientLocal {
		retained = m.retained[name]
	}
	m.mu.Unlock()

	libp2pSub, err := t.Subscribe()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{mesh: m, topic: name, sub: libp2pSub, cancel: cancel}

	go s.readLoop(ctx, h, retained)

	m.logDebug("subscription created", zap.String("topic", name))
	return s, nil
}

// readLoop delivers the retained message first, then mesh traffic, until the
// subscription is closed.
func (s *subscription) readLoop(ctx context.Context, h transport.MessageHandler, retained []byte) {
	if retained != nil {
		h(retained)
	}
	for {
		msg, err := s.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		h(msg.Data)
	}
}

// Close cancels the reader. The topic handle stays joined: other
// subscriptions and publications may share it, and the mesh releases all
// handles on its own Close.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.sub.Cancel()
		s.mesh.logDebug("subscription closed", zap.String("topic", s.topic))
	})
	return nil
}

// CreatePublication joins the namespaced gossipsub topic and registers a
// local endpoint so PublishersInfo can report it.
func (m *Mesh) CreatePublication(topic, msgType string, qos transport.QoSProfile) (transport.Publication, error) {
	name := m.namespacedTopic(topic)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	t, err := m.getOrCreateTopicLocked(name)
	if err != nil {
		return nil, err
	}

	p := &publication{mesh: m, topic: name, msgType: msgType, qos: qos, handle: t}
	m.pubs[name] = append(m.pubs[name], p)

	m.logDebug("publication created", zap.String("topic", name))
	return p, nil
}

// Write publishes one message to the mesh. A transient-local publication
// also stores it as this node's retained message for late joiners.
func (p *publication) Write(data []byte) error {
	m := p.mesh

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if p.qos.Durability == transport.DurabilityTransientLocal {
		m.retained[p.topic] = append([]byte(nil), data...)
	}
	m.mu.Unlock()

	return p.handle.Publish(context.Background(), data)
}

// Close removes the endpoint. The retained message is cleared once no
// transient-local publication on the topic remains on this node.
func (p *publication) Close() error {
	p.once.Do(func() {
		m := p.mesh
		m.mu.Lock()
		pubs := m.pubs[p.topic]
		for i, cur := range pubs {
			if cur == p {
				m.pubs[p.topic] = append(pubs[:i], pubs[i+1:]...)
				break
			}
		}
		retain := false
		for _, cur := range m.pubs[p.topic] {
			if cur.qos.Durability == transport.DurabilityTransientLocal {
				retain = true
				break
			}
		}
		if !retain {
			delete(m.retained, p.topic)
		}
		if len(m.pubs[p.topic]) == 0 {
			delete(m.pubs, p.topic)
		}
		m.mu.Unlock()

		m.logDebug("publication closed", zap.String("topic", p.topic))
	})
	return nil
}

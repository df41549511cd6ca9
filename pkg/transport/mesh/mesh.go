// Package mesh implements transport.Node on top of a libp2p gossipsub
// deployment, letting bridge processes on different machines share topics.
//
// Gossipsub carries no cross-peer retained history and no remote QoS
// introspection, so both PublishersInfo and latched re-delivery reflect
// publications living on this node only.
package mesh

import (
	"context"
	"fmt"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	libp2ppubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/bytemux/bridge/pkg/logging"
)

// Config describes one mesh node.
type Config struct {
	// ListenAddrs are the libp2p listen multiaddrs.
	ListenAddrs []multiaddr.Multiaddr
	// BootstrapPeers are multiaddrs (with /p2p/ peer id) dialed on startup
	// and redialed by the reconnection loop.
	BootstrapPeers []string
	// Namespace prefixes every gossipsub topic, isolating deployments
	// that share infrastructure.
	Namespace string
	// IdentityFile persists the node key so the peer id survives restarts.
	// Empty means an ephemeral identity.
	IdentityFile string
	// Logger receives mesh diagnostics. Nil disables logging.
	Logger *logging.ColoredLogger
}

// Mesh is a gossipsub-backed transport.Node.
type Mesh struct {
	host      host.Host
	pubsub    *libp2ppubsub.PubSub
	log       *logging.ColoredLogger
	namespace string
	bootstrap []string

	mu       sync.Mutex
	topics   map[string]*libp2ppubsub.Topic
	pubs     map[string][]*publication
	retained map[string][]byte
	closed   bool

	reconnectCancel context.CancelFunc
}

// New builds the libp2p host, joins gossipsub and starts dialing bootstrap
// peers in the background.
func New(cfg Config) (*Mesh, error) {
	opts := []libp2p.Option{
		libp2p.Security(noise.ID, noise.New),
		libp2p.DefaultMuxers,
	}

	if cfg.IdentityFile != "" {
		identity, err := LoadOrCreateIdentity(cfg.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("load identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(identity.PrivateKey))
	}
	if len(cfg.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrs(cfg.ListenAddrs...))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}

	ps, err := libp2ppubsub.NewGossipSub(context.Background(), h,
		libp2ppubsub.WithPeerExchange(true),
		libp2ppubsub.WithFloodPublish(true),
	)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	m := &Mesh{
		host:      h,
		pubsub:    ps,
		log:       cfg.Logger,
		namespace: cfg.Namespace,
		bootstrap: cfg.BootstrapPeers,
		topics:    make(map[string]*libp2ppubsub.Topic),
		pubs:      make(map[string][]*publication),
		retained:  make(map[string][]byte),
	}

	// Seed the peerstore so later dials know the addresses.
	for _, addr := range cfg.BootstrapPeers {
		if ma, err := multiaddr.NewMultiaddr(addr); err == nil {
			if info, err := peer.AddrInfoFromP2pAddr(ma); err == nil {
				h.Peerstore().AddAddrs(info.ID, info.Addrs, 24*time.Hour)
			}
		}
	}

	if len(cfg.BootstrapPeers) > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		m.reconnectCancel = cancel
		go m.reconnectLoop(ctx)
	}

	m.logInfo("mesh node started",
		zap.String("peer_id", h.ID().String()),
		zap.String("namespace", cfg.Namespace),
		zap.Int("bootstrap_peers", len(cfg.BootstrapPeers)))

	return m, nil
}

// Host exposes the underlying libp2p host.
func (m *Mesh) Host() host.Host { return m.host }

// ID returns this node's peer id.
func (m *Mesh) ID() peer.ID { return m.host.ID() }

// PeerCount reports the number of currently connected peers.
func (m *Mesh) PeerCount() int {
	return len(m.host.Network().Peers())
}

// Now implements the transport clock.
func (m *Mesh) Now() time.Time { return time.Now() }

// namespacedTopic prefixes topic with the deployment namespace.
func (m *Mesh) namespacedTopic(topic string) string {
	if m.namespace == "" {
		return topic
	}
	return m.namespace + "." + topic
}

// getOrCreateTopicLocked joins a gossipsub topic once and reuses the handle
// afterwards; gossipsub rejects a second Join on the same name. Caller must
// hold m.mu.
func (m *Mesh) getOrCreateTopicLocked(name string) (*libp2ppubsub.Topic, error) {
	if t, ok := m.topics[name]; ok {
		return t, nil
	}
	t, err := m.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic: %w", err)
	}
	m.topics[name] = t
	return t, nil
}

// reconnectLoop keeps dialing bootstrap peers until one is connected, backing
// off with jitter on repeated failure, then re-checks periodically.
func (m *Mesh) reconnectLoop(ctx context.Context) {
	interval := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if m.hasBootstrapConnection() {
			interval = 5 * time.Second
			select {
			case <-ctx.Done():
				return
			case <-time.After(30 * time.Second):
			}
			continue
		}

		if err := m.connectBootstrapPeers(ctx); err != nil || !m.hasBootstrapConnection() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(addJitter(interval)):
			}
			interval = nextBackoff(interval)
			continue
		}

		m.logInfo("connected to bootstrap peer")
		interval = 5 * time.Second
	}
}

func (m *Mesh) connectBootstrapPeers(ctx context.Context) error {
	var lastErr error
	for _, addr := range m.bootstrap {
		if err := m.connectPeerAddr(ctx, addr); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *Mesh) connectPeerAddr(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return err
	}
	if info.ID == m.host.ID() {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return m.host.Connect(dialCtx, *info)
}

func (m *Mesh) hasBootstrapConnection() bool {
	connected := m.host.Network().Peers()
	if len(connected) == 0 {
		return false
	}
	bootstrapIDs := make(map[peer.ID]bool, len(m.bootstrap))
	for _, addr := range m.bootstrap {
		if ma, err := multiaddr.NewMultiaddr(addr); err == nil {
			if info, err := peer.AddrInfoFromP2pAddr(ma); err == nil {
				bootstrapIDs[info.ID] = true
			}
		}
	}
	for _, p := range connected {
		if bootstrapIDs[p] {
			return true
		}
	}
	return false
}

// Close stops the reconnection loop, leaves every topic and shuts down the
// host. Subscriptions and publications become inert.
func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	topics := m.topics
	m.topics = make(map[string]*libp2ppubsub.Topic)
	m.pubs = make(map[string][]*publication)
	m.retained = make(map[string][]byte)
	m.mu.Unlock()

	if m.reconnectCancel != nil {
		m.reconnectCancel()
	}
	for _, t := range topics {
		_ = t.Close()
	}
	return m.host.Close()
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * 1.5)
	if maxInterval := 10 * time.Minute; next > maxInterval {
		next = maxInterval
	}
	return next
}

// addJitter spreads redial attempts by up to ±20% so restarting nodes do not
// dial in lockstep.
func addJitter(interval time.Duration) time.Duration {
	jitterRange := float64(interval) * 0.2
	jitter := (mathrand.Float64() - 0.5) * 2 * jitterRange
	result := time.Duration(float64(interval) + jitter)
	if result < time.Second {
		result = time.Second
	}
	return result
}

func (m *Mesh) logInfo(msg string, fields ...zap.Field) {
	if m.log != nil {
		m.log.ComponentInfo(logging.ComponentMesh, msg, fields...)
	}
}

func (m *Mesh) logWarn(msg string, fields ...zap.Field) {
	if m.log != nil {
		m.log.ComponentWarn(logging.ComponentMesh, msg, fields...)
	}
}

func (m *Mesh) logDebug(msg string, fields ...zap.Field) {
	if m.log != nil {
		m.log.ComponentDebug(logging.ComponentMesh, msg, fields...)
	}
}

// ParseListenAddrs converts multiaddr strings, rejecting the first bad one.
func ParseListenAddrs(addrs []string) ([]multiaddr.Multiaddr, error) {
	parsed := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, addr := range addrs {
		ma, err := multiaddr.NewMultiaddr(strings.TrimSpace(addr))
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		parsed = append(parsed, ma)
	}
	return parsed, nil
}

// Package node assembles one bridge process: the transport selected by
// configuration, the topic connector on top of it, the WebSocket server in
// front, and the resource monitoring loop.
package node

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bytemux/bridge/pkg/bridge"
	"github.com/bytemux/bridge/pkg/config"
	"github.com/bytemux/bridge/pkg/connector"
	"github.com/bytemux/bridge/pkg/logging"
	"github.com/bytemux/bridge/pkg/transport"
	"github.com/bytemux/bridge/pkg/transport/memory"
	"github.com/bytemux/bridge/pkg/transport/mesh"
)

// Node is one running bridge process.
type Node struct {
	cfg    *config.Config
	logger *logging.ColoredLogger

	transport transport.Node
	mesh      *mesh.Mesh     // nil in memory mode
	broker    *memory.Broker // nil in mesh mode
	core      *connector.Connector
	server    *bridge.Server

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// New builds the process from cfg. The transport mode decides whether topics
// stay in-process or ride the libp2p mesh.
func New(cfg *config.Config, logger *logging.ColoredLogger) (*Node, error) {
	if logger == nil {
		var err error
		logger, err = logging.NewColoredLogger(logging.ComponentNode, true)
		if err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
	}
	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.New().String()
	}

	n := &Node{cfg: cfg, logger: logger}

	switch cfg.Node.Mode {
	case "memory":
		n.broker = memory.NewBroker()
		n.transport = n.broker
	case "mesh":
		listenAddrs, err := cfg.Mesh.ParseListenAddrs()
		if err != nil {
			return nil, fmt.Errorf("parse mesh listen addresses: %w", err)
		}
		identityFile := cfg.Mesh.IdentityFile
		if identityFile == "" {
			identityFile = filepath.Join(cfg.Node.DataDir, "identity.key")
		}
		m, err := mesh.New(mesh.Config{
			ListenAddrs:    listenAddrs,
			BootstrapPeers: cfg.Mesh.BootstrapPeers,
			Namespace:      cfg.Mesh.Namespace,
			IdentityFile:   identityFile,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("start mesh transport: %w", err)
		}
		n.mesh = m
		n.transport = m
	default:
		return nil, fmt.Errorf("unknown transport mode %q", cfg.Node.Mode)
	}

	n.core = connector.New(n.transport, connector.Options{
		ReplayTimeout: cfg.Connector.ReplayTimeout,
		Logger:        logger,
	})

	var peerInfo func() map[string]any
	if n.mesh != nil {
		m := n.mesh
		ns := cfg.Mesh.Namespace
		peerInfo = func() map[string]any {
			return map[string]any{
				"peer_id":    m.ID().String(),
				"peer_count": m.PeerCount(),
				"namespace":  ns,
			}
		}
	}

	server, err := bridge.NewServer(cfg.Bridge, n.core, logger, cfg.Node.Mode, peerInfo)
	if err != nil {
		n.shutdownTransport()
		return nil, err
	}
	n.server = server

	logger.ComponentInfo(logging.ComponentNode, "node assembled",
		zap.String("id", cfg.Node.ID),
		zap.String("mode", cfg.Node.Mode),
		zap.String("listen", cfg.Bridge.ListenAddr))

	return n, nil
}

// Connector exposes the topic connector, mostly for tests and embedding.
func (n *Node) Connector() *connector.Connector { return n.core }

// Transport exposes the underlying transport node.
func (n *Node) Transport() transport.Node { return n.transport }

// Run serves until ctx is cancelled, then tears everything down.
func (n *Node) Run(ctx context.Context) error {
	if n.cfg.Connector.MonitorInterval > 0 {
		monitorCtx, cancel := context.WithCancel(context.Background())
		n.monitorCancel = cancel
		n.monitorDone = make(chan struct{})
		go n.monitorLoop(monitorCtx)
	}

	err := n.server.Start(ctx)

	if stopErr := n.Stop(); err == nil {
		err = stopErr
	}
	return err
}

// Stop tears down the monitoring loop, the connector and the transport.
// Safe to call after Run returns.
func (n *Node) Stop() error {
	if n.monitorCancel != nil {
		n.monitorCancel()
		<-n.monitorDone
		n.monitorCancel = nil
	}

	var firstErr error
	if err := n.core.Close(); err != nil {
		firstErr = err
	}
	if err := n.shutdownTransport(); err != nil && firstErr == nil {
		firstErr = err
	}

	n.logger.ComponentInfo(logging.ComponentNode, "node stopped",
		zap.String("id", n.cfg.Node.ID))
	return firstErr
}

func (n *Node) shutdownTransport() error {
	if n.mesh != nil {
		return n.mesh.Close()
	}
	if n.broker != nil {
		return n.broker.Close()
	}
	return nil
}

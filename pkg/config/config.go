package config

import (
	"time"

	"github.com/multiformats/go-multiaddr"
)

// Config is the main configuration for a bridge process
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Mesh      MeshConfig      `yaml:"mesh"`
	Connector ConnectorConfig `yaml:"connector"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// NodeConfig contains process-level configuration
type NodeConfig struct {
	ID      string `yaml:"id"`       // Auto-generated if empty
	Mode    string `yaml:"mode"`     // Transport mode: "memory" or "mesh"
	DataDir string `yaml:"data_dir"` // Data directory (identity, cert cache)
}

// BridgeConfig contains the WebSocket front end configuration
type BridgeConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`        // Address to listen on (e.g., ":8080")
	MaxMessageSize    int64         `yaml:"max_message_size"`   // Per-frame read limit in bytes
	PingInterval      time.Duration `yaml:"ping_interval"`      // Client liveness ping period
	PongTimeout       time.Duration `yaml:"pong_timeout"`       // Read deadline extension on pong
	WriteTimeout      time.Duration `yaml:"write_timeout"`      // Per-frame write deadline
	SendBuffer        int           `yaml:"send_buffer"`        // Outbound frames buffered per client
	EnableCompression bool          `yaml:"enable_compression"` // Negotiate permessage-deflate
	PublishRate       float64       `yaml:"publish_rate"`       // Publish ops per second per client
	PublishBurst      int           `yaml:"publish_burst"`      // Publish op burst per client
	HTTPS             HTTPSConfig   `yaml:"https"`              // HTTPS/TLS configuration
}

// HTTPSConfig contains HTTPS/TLS configuration for the bridge
type HTTPSConfig struct {
	Enabled   bool   `yaml:"enabled"`    // Enable HTTPS serving
	Domain    string `yaml:"domain"`     // Primary domain for auto certificates
	AutoCert  bool   `yaml:"auto_cert"`  // Use Let's Encrypt for automatic certificate
	CertFile  string `yaml:"cert_file"`  // Path to certificate file (if not using auto_cert)
	KeyFile   string `yaml:"key_file"`   // Path to key file (if not using auto_cert)
	CacheDir  string `yaml:"cache_dir"`  // Directory for the ACME certificate cache
	HTTPPort  int    `yaml:"http_port"`  // HTTP port for the ACME challenge (default: 80)
	HTTPSPort int    `yaml:"https_port"` // HTTPS port (default: 443)
	Email     string `yaml:"email"`      // Email for the ACME account
}

// MeshConfig contains the libp2p transport configuration
type MeshConfig struct {
	ListenAddresses []string `yaml:"listen_addresses"` // LibP2P listen addresses
	BootstrapPeers  []string `yaml:"bootstrap_peers"`  // Peer addresses to connect to
	Namespace       string   `yaml:"namespace"`        // Topic namespace prefix
	IdentityFile    string   `yaml:"identity_file"`    // Persistent node identity key
}

// ConnectorConfig tunes the topic connector
type ConnectorConfig struct {
	ReplayTimeout   time.Duration `yaml:"replay_timeout"`   // Latched replay wait bound
	MonitorInterval time.Duration `yaml:"monitor_interval"` // Resource monitoring period, 0 disables
	MonitorTopic    string        `yaml:"monitor_topic"`    // Topic monitoring samples are published on
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Colors     bool   `yaml:"colors"`      // ANSI colors on console output
	OutputFile string `yaml:"output_file"` // Empty for stdout
}

// ParseListenAddrs converts the mesh listen addresses to multiaddr objects
func (m *MeshConfig) ParseListenAddrs() ([]multiaddr.Multiaddr, error) {
	var addrs []multiaddr.Multiaddr
	for _, addr := range m.ListenAddresses {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, ma)
	}
	return addrs, nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Mode:    "memory",
			DataDir: "./data",
		},
		Bridge: BridgeConfig{
			ListenAddr:        ":8080",
			MaxMessageSize:    1 << 20, // 1MB frames
			PingInterval:      20 * time.Second,
			PongTimeout:       60 * time.Second,
			WriteTimeout:      10 * time.Second,
			SendBuffer:        128,
			EnableCompression: true,
			PublishRate:       100,
			PublishBurst:      200,
			HTTPS: HTTPSConfig{
				CacheDir:  "./data/autocert",
				HTTPPort:  80,
				HTTPSPort: 443,
			},
		},
		Mesh: MeshConfig{
			ListenAddresses: []string{
				"/ip4/0.0.0.0/tcp/4001",
			},
			BootstrapPeers: []string{},
			Namespace:      "bridge",
			IdentityFile:   "./data/identity.key",
		},
		Connector: ConnectorConfig{
			ReplayTimeout:   5 * time.Second,
			MonitorInterval: 30 * time.Second,
			MonitorTopic:    "$bridge/monitoring",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Colors: true,
		},
	}
}

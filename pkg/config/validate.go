package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/multiformats/go-multiaddr"
)

// ValidationError represents a single validation error with context.
type ValidationError struct {
	Path    string // e.g., "mesh.bootstrap_peers[0]" or "bridge.listen_addr"
	Message string // e.g., "invalid multiaddr"
	Hint    string // e.g., "expected /ip{4,6}/.../tcp/<port>/p2p/<peerID>"
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s; %s", e.Path, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate performs comprehensive validation of the entire config.
// It aggregates all errors and returns them, allowing the caller to print all issues at once.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateNode()...)
	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validateMesh()...)
	errs = append(errs, c.validateConnector()...)
	errs = append(errs, c.validateLogging()...)

	return errs
}

func (c *Config) validateNode() []error {
	var errs []error
	nc := c.Node

	switch nc.Mode {
	case "memory", "mesh":
	default:
		errs = append(errs, ValidationError{
			Path:    "node.mode",
			Message: fmt.Sprintf("invalid value %q", nc.Mode),
			Hint:    "allowed values: memory, mesh",
		})
	}

	if nc.DataDir == "" {
		errs = append(errs, ValidationError{
			Path:    "node.data_dir",
			Message: "must not be empty",
		})
	} else {
		if err := validateDataDir(nc.DataDir); err != nil {
			errs = append(errs, ValidationError{
				Path:    "node.data_dir",
				Message: err.Error(),
			})
		}
	}

	return errs
}

func (c *Config) validateBridge() []error {
	var errs []error
	bc := c.Bridge

	if bc.ListenAddr == "" {
		errs = append(errs, ValidationError{
			Path:    "bridge.listen_addr",
			Message: "must not be empty",
			Hint:    "expected format: host:port or :port",
		})
	} else {
		if err := validateListenAddr(bc.ListenAddr); err != nil {
			errs = append(errs, ValidationError{
				Path:    "bridge.listen_addr",
				Message: err.Error(),
				Hint:    "expected format: host:port or :port",
			})
		}
	}

	if bc.MaxMessageSize <= 0 {
		errs = append(errs, ValidationError{
			Path:    "bridge.max_message_size",
			Message: fmt.Sprintf("must be > 0; got %d", bc.MaxMessageSize),
		})
	}

	if bc.PingInterval <= 0 {
		errs = append(errs, ValidationError{
			Path:    "bridge.ping_interval",
			Message: fmt.Sprintf("must be > 0; got %v", bc.PingInterval),
		})
	}

	if bc.PongTimeout <= bc.PingInterval {
		errs = append(errs, ValidationError{
			Path:    "bridge.pong_timeout",
			Message: fmt.Sprintf("must be > bridge.ping_interval (%v); got %v", bc.PingInterval, bc.PongTimeout),
			Hint:    "clients are disconnected when no pong arrives within the timeout",
		})
	}

	if bc.WriteTimeout <= 0 {
		errs = append(errs, ValidationError{
			Path:    "bridge.write_timeout",
			Message: fmt.Sprintf("must be > 0; got %v", bc.WriteTimeout),
		})
	}

	if bc.SendBuffer <= 0 {
		errs = append(errs, ValidationError{
			Path:    "bridge.send_buffer",
			Message: fmt.Sprintf("must be > 0; got %d", bc.SendBuffer),
		})
	}

	if bc.PublishRate <= 0 {
		errs = append(errs, ValidationError{
			Path:    "bridge.publish_rate",
			Message: fmt.Sprintf("must be > 0; got %v", bc.PublishRate),
		})
	}

	if bc.PublishBurst < 1 {
		errs = append(errs, ValidationError{
			Path:    "bridge.publish_burst",
			Message: fmt.Sprintf("must be >= 1; got %d", bc.PublishBurst),
		})
	}

	errs = append(errs, c.validateHTTPS()...)

	return errs
}

func (c *Config) validateHTTPS() []error {
	var errs []error
	hc := c.Bridge.HTTPS

	if !hc.Enabled {
		return errs
	}

	if hc.AutoCert {
		if hc.Domain == "" {
			errs = append(errs, ValidationError{
				Path:    "bridge.https.domain",
				Message: "required when auto_cert is true",
				Hint:    "the ACME challenge needs a public domain name",
			})
		}
		if hc.HTTPPort < 1 || hc.HTTPPort > 65535 {
			errs = append(errs, ValidationError{
				Path:    "bridge.https.http_port",
				Message: fmt.Sprintf("must be between 1 and 65535; got %d", hc.HTTPPort),
			})
		}
		if hc.HTTPSPort < 1 || hc.HTTPSPort > 65535 {
			errs = append(errs, ValidationError{
				Path:    "bridge.https.https_port",
				Message: fmt.Sprintf("must be between 1 and 65535; got %d", hc.HTTPSPort),
			})
		}
	} else {
		if hc.CertFile == "" {
			errs = append(errs, ValidationError{
				Path:    "bridge.https.cert_file",
				Message: "required when enabled is true and auto_cert is false",
			})
		} else {
			if err := validateFileReadable(hc.CertFile); err != nil {
				errs = append(errs, ValidationError{
					Path:    "bridge.https.cert_file",
					Message: err.Error(),
				})
			}
		}

		if hc.KeyFile == "" {
			errs = append(errs, ValidationError{
				Path:    "bridge.https.key_file",
				Message: "required when enabled is true and auto_cert is false",
			})
		} else {
			if err := validateFileReadable(hc.KeyFile); err != nil {
				errs = append(errs, ValidationError{
					Path:    "bridge.https.key_file",
					Message: err.Error(),
				})
			}
		}
	}

	return errs
}

func (c *Config) validateMesh() []error {
	var errs []error
	mc := c.Mesh

	// The mesh section only matters when the mesh transport is selected.
	if c.Node.Mode != "mesh" {
		return errs
	}

	if len(mc.ListenAddresses) == 0 {
		errs = append(errs, ValidationError{
			Path:    "mesh.listen_addresses",
			Message: "must not be empty",
		})
	}

	seen := make(map[string]bool)
	for i, addr := range mc.ListenAddresses {
		path := fmt.Sprintf("mesh.listen_addresses[%d]", i)

		_, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("invalid multiaddr: %v", err),
				Hint:    "expected /ip{4,6}/.../tcp/<port>",
			})
			continue
		}

		if seen[addr] {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: "duplicate listen address",
			})
		}
		seen[addr] = true
	}

	seenPeers := make(map[string]bool)
	for i, peer := range mc.BootstrapPeers {
		path := fmt.Sprintf("mesh.bootstrap_peers[%d]", i)

		_, err := multiaddr.NewMultiaddr(peer)
		if err != nil {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("invalid multiaddr: %v", err),
				Hint:    "expected /ip{4,6}/.../tcp/<port>/p2p/<peerID>",
			})
			continue
		}

		if !strings.Contains(peer, "/p2p/") {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: "missing /p2p/<peerID> component",
				Hint:    "expected /ip{4,6}/.../tcp/<port>/p2p/<peerID>",
			})
		}

		tcpPortStr := extractTCPPort(peer)
		if tcpPortStr == "" {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: "missing /tcp/<port> component",
				Hint:    "expected /ip{4,6}/.../tcp/<port>/p2p/<peerID>",
			})
			continue
		}

		tcpPort, err := strconv.Atoi(tcpPortStr)
		if err != nil || tcpPort < 1 || tcpPort > 65535 {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("invalid TCP port %s", tcpPortStr),
				Hint:    "port must be between 1 and 65535",
			})
		}

		if seenPeers[peer] {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: "duplicate peer",
			})
		}
		seenPeers[peer] = true
	}

	if mc.Namespace == "" {
		errs = append(errs, ValidationError{
			Path:    "mesh.namespace",
			Message: "must not be empty",
			Hint:    "the namespace prefixes every pubsub topic on the wire",
		})
	}

	if mc.IdentityFile == "" {
		errs = append(errs, ValidationError{
			Path:    "mesh.identity_file",
			Message: "must not be empty",
		})
	}

	return errs
}

func (c *Config) validateConnector() []error {
	var errs []error
	cc := c.Connector

	if cc.ReplayTimeout <= 0 {
		errs = append(errs, ValidationError{
			Path:    "connector.replay_timeout",
			Message: fmt.Sprintf("must be > 0; got %v", cc.ReplayTimeout),
			Hint:    "bounds how long a late joiner waits for a latched sample",
		})
	}

	if cc.MonitorInterval < 0 {
		errs = append(errs, ValidationError{
			Path:    "connector.monitor_interval",
			Message: fmt.Sprintf("must be >= 0; got %v", cc.MonitorInterval),
			Hint:    "0 disables resource monitoring",
		})
	}

	if cc.MonitorInterval > 0 && cc.MonitorTopic == "" {
		errs = append(errs, ValidationError{
			Path:    "connector.monitor_topic",
			Message: "required when monitor_interval is > 0",
		})
	}

	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error
	log := c.Logging

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[log.Level] {
		errs = append(errs, ValidationError{
			Path:    "logging.level",
			Message: fmt.Sprintf("invalid value %q", log.Level),
			Hint:    "allowed values: debug, info, warn, error",
		})
	}

	if log.OutputFile != "" {
		dir := filepath.Dir(log.OutputFile)
		if dir != "" && dir != "." {
			if err := validateDirWritable(dir); err != nil {
				errs = append(errs, ValidationError{
					Path:    "logging.output_file",
					Message: fmt.Sprintf("parent directory not writable: %v", err),
				})
			}
		}
	}

	return errs
}

// Helper validation functions

func validateDataDir(path string) error {
	if path == "" {
		return fmt.Errorf("must not be empty")
	}

	// Expand ~ to home directory
	expandedPath := os.ExpandEnv(path)
	if strings.HasPrefix(expandedPath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot determine home directory: %v", err)
		}
		expandedPath = filepath.Join(home, expandedPath[1:])
	}

	if info, err := os.Stat(expandedPath); err == nil {
		// Directory exists; check if it's a directory and writable
		if !info.IsDir() {
			return fmt.Errorf("path exists but is not a directory")
		}
		testFile := filepath.Join(expandedPath, ".write_test")
		if err := os.WriteFile(testFile, []byte(""), 0644); err != nil {
			return fmt.Errorf("directory not writable: %v", err)
		}
		os.Remove(testFile)
	} else if os.IsNotExist(err) {
		// Directory doesn't exist; check if parent is writable
		parent := filepath.Dir(expandedPath)
		if parent == "" || parent == "." {
			parent = "."
		}
		// Allow parent not existing - it will be created at runtime
		if info, err := os.Stat(parent); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("parent directory not accessible: %v", err)
			}
			// Parent doesn't exist either - that's ok, will be created
		} else if !info.IsDir() {
			return fmt.Errorf("parent path is not a directory")
		} else {
			if err := validateDirWritable(parent); err != nil {
				return fmt.Errorf("parent directory not writable: %v", err)
			}
		}
	} else {
		return fmt.Errorf("cannot access path: %v", err)
	}

	return nil
}

func validateDirWritable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot access directory: %v", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory")
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte(""), 0644); err != nil {
		return fmt.Errorf("directory not writable: %v", err)
	}
	os.Remove(testFile)

	return nil
}

func validateFileReadable(path string) error {
	_, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot read file: %v", err)
	}
	return nil
}

// validateListenAddr accepts host:port with an empty host, e.g. ":8080".
func validateListenAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address: %v", err)
	}
	_ = host // empty host means all interfaces

	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be a number between 1 and 65535; got %q", port)
	}

	return nil
}

func extractTCPPort(multiaddrStr string) string {
	// Look for the /tcp/ protocol code
	parts := strings.Split(multiaddrStr, "/")
	for i := 0; i < len(parts); i++ {
		if parts[i] == "tcp" {
			// The port is the next part
			if i+1 < len(parts) {
				return parts[i+1]
			}
			break
		}
	}
	return ""
}

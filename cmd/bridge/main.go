// The bridge binary runs one topic bridge node: a WebSocket front end
// multiplexing clients onto an in-process or libp2p gossipsub transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/bytemux/bridge/pkg/config"
	"github.com/bytemux/bridge/pkg/logging"
	"github.com/bytemux/bridge/pkg/node"
)

func main() {
	configPath := flag.String("config", "", "Path to config YAML file (overrides defaults)")
	listenAddr := flag.String("listen", "", "Bridge listen address (overrides config)")
	mode := flag.String("mode", "", "Transport mode: memory or mesh (overrides config)")
	dataDir := flag.String("data", "", "Data directory (overrides config)")
	nodeID := flag.String("id", "", "Node identifier (for running multiple local nodes)")
	bootstrap := flag.String("bootstrap", "", "Comma-separated bootstrap peer multiaddrs (mesh mode)")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help {
		flag.Usage()
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlagOverrides(cfg, *listenAddr, *mode, *dataDir, *nodeID, *bootstrap)

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "config error: %v\n", e)
		}
		os.Exit(1)
	}

	logger, err := loggerFromConfig(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	n, err := node.New(cfg, logger)
	if err != nil {
		logger.ComponentError(logging.ComponentNode, "failed to assemble node", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.ComponentInfo(logging.ComponentNode, "shutting down",
			zap.String("signal", sig.String()))
		cancel()
	}()

	if err := n.Run(ctx); err != nil {
		logger.ComponentError(logging.ComponentNode, "node exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadFromFile(path)
}

func applyFlagOverrides(cfg *config.Config, listenAddr, mode, dataDir, nodeID, bootstrap string) {
	if listenAddr != "" {
		cfg.Bridge.ListenAddr = listenAddr
	}
	if mode != "" {
		cfg.Node.Mode = mode
	}
	if dataDir != "" {
		cfg.Node.DataDir = dataDir
	}
	if nodeID != "" {
		cfg.Node.ID = nodeID
	}
	if bootstrap != "" {
		cfg.Mesh.BootstrapPeers = splitAndTrim(bootstrap)
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func loggerFromConfig(cfg *config.Config) (*logging.ColoredLogger, error) {
	if cfg.Logging.OutputFile != "" {
		return logging.NewFileLogger(logging.ComponentNode, cfg.Logging.OutputFile, cfg.Logging.Colors)
	}
	return logging.NewColoredLogger(logging.ComponentNode, cfg.Logging.Colors)
}

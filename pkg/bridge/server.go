// Package bridge is the WebSocket front end of the topic connector. Each
// connection speaks a small JSON op protocol (subscribe, unsubscribe,
// advertise, unadvertise, publish) and multiplexes its registrations through
// the shared connector; payloads cross the socket base64 encoded and are
// never interpreted.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bytemux/bridge/pkg/config"
	"github.com/bytemux/bridge/pkg/connector"
	"github.com/bytemux/bridge/pkg/logging"
)

// Server serves the bridge HTTP surface: /health, /v1/status and the /ws
// upgrade endpoint.
type Server struct {
	cfg     config.BridgeConfig
	core    *connector.Connector
	log     *logging.ColoredLogger
	limiter *PublishLimiter

	router   chi.Router
	upgrader websocket.Upgrader
	server   *http.Server

	mode      string
	startedAt time.Time
	peerInfo  func() map[string]any
}

// NewServer wires the router. mode labels the transport in status output;
// peerInfo, when non-nil, contributes transport fields to /v1/status.
func NewServer(cfg config.BridgeConfig, core *connector.Connector, log *logging.ColoredLogger, mode string, peerInfo func() map[string]any) (*Server, error) {
	if log == nil {
		var err error
		log, err = logging.NewColoredLogger(logging.ComponentBridge, true)
		if err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
	}

	s := &Server{
		cfg:     cfg,
		core:    core,
		log:     log,
		limiter: NewPublishLimiter(cfg.PublishRate, cfg.PublishBurst),
		router:  chi.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			EnableCompression: cfg.EnableCompression,
			// For early development we accept any origin; tighten later.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mode:      mode,
		startedAt: time.Now(),
		peerInfo:  peerInfo,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.healthHandler)
	s.router.Get("/v1/status", s.statusHandler)
	s.router.Get("/ws", s.wsHandler)

	return s, nil
}

// Routes returns the configured handler, mostly for tests.
func (s *Server) Routes() http.Handler { return s.router }

// Start serves until ctx is cancelled or the listener fails. With HTTPS
// enabled it defers to the TLS path.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.HTTPS.Enabled {
		return s.startHTTPS(ctx)
	}

	s.server = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.ComponentInfo(logging.ComponentBridge, "bridge listening",
			zap.String("addr", s.cfg.ListenAddr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains the HTTP server. WebSocket teardown happens through each
// handler's read loop failing.
func (s *Server) Shutdown() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","mode":%q}`, s.mode)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"mode":      s.mode,
		"uptime_s":  int64(time.Since(s.startedAt).Seconds()),
		"connector": s.core.Stats(),
	}
	if s.peerInfo != nil {
		body["transport"] = s.peerInfo()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

// wsHandler upgrades the connection and runs a ClientHandler for its
// lifetime.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.ComponentWarn(logging.ComponentBridge, "websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	s.log.ComponentInfo(logging.ComponentBridge, "client connected",
		zap.String("client", clientID),
		zap.String("remote", r.RemoteAddr))

	handler := newClientHandler(clientID, conn, s)
	handler.run()
}

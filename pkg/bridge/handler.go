package bridge

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bytemux/bridge/pkg/connector"
	"github.com/bytemux/bridge/pkg/logging"
)

// advertisement couples the forward function of one advertised topic with
// its revoke closure.
type advertisement struct {
	msgType string
	forward connector.ForwardFunc
	revoke  func()
}

// ClientHandler multiplexes one WebSocket client's registrations through the
// shared connector. Registrations are keyed by topic name: one subscription
// and one advertisement per topic per client, a repeated subscribe replacing
// the previous parameters.
type ClientHandler struct {
	id     string
	conn   *websocket.Conn
	core   *connector.Connector
	log    *logging.ColoredLogger
	server *Server

	send chan []byte
	done chan struct{}

	mu      sync.Mutex
	subs    map[string]func()
	advs    map[string]advertisement
	dropped uint64
}

func newClientHandler(id string, conn *websocket.Conn, s *Server) *ClientHandler {
	return &ClientHandler{
		id:     id,
		conn:   conn,
		core:   s.core,
		log:    s.log,
		server: s,
		send:   make(chan []byte, s.cfg.SendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]func()),
		advs:   make(map[string]advertisement),
	}
}

// run services the connection until the client goes away, then revokes every
// registration the client still holds.
func (c *ClientHandler) run() {
	go c.writeLoop()
	c.readLoop()

	close(c.done)
	c.revokeAll()
	c.server.limiter.Forget(c.id)
	c.conn.Close()

	c.log.ComponentInfo(logging.ComponentClient, "client disconnected",
		zap.String("client", c.id),
		zap.Uint64("frames_dropped", c.droppedCount()))
}

// readLoop parses client operations, answering each with a status frame.
// The socket only closes on read failure or watchdog expiry, never on a bad
// operation.
func (c *ClientHandler) readLoop() {
	cfg := c.server.cfg
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		return nil
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		op, err := decodeClientOp(data)
		if err != nil {
			c.sendStatus(StatusError, "", "", err.Error())
			continue
		}
		if err := c.handleOp(op); err != nil {
			c.sendStatus(StatusError, op.Op, op.Topic, err.Error())
			continue
		}
		c.sendStatus(StatusOK, op.Op, op.Topic, "")
	}
}

// writeLoop drains the send channel to the socket and keeps the client alive
// with periodic pings.
func (c *ClientHandler) writeLoop() {
	cfg := c.server.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()
	// Closing the connection on exit unblocks the read loop, which would
	// otherwise keep queueing frames nobody drains.
	defer c.conn.Close()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(cfg.WriteTimeout)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *ClientHandler) handleOp(op *ClientOp) error {
	switch op.Op {
	case OpSubscribe:
		return c.handleSubscribe(op)
	case OpUnsubscribe:
		return c.handleUnsubscribe(op)
	case OpAdvertise:
		return c.handleAdvertise(op)
	case OpUnadvertise:
		return c.handleUnadvertise(op)
	case OpPublish:
		return c.handlePublish(op)
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
}

func paramsFromOp(op *ClientOp) connector.TopicParams {
	params := connector.NewTopicParams(op.Topic, op.Type)
	if op.HistoryDepth != nil {
		params.HistoryDepth = *op.HistoryDepth
	}
	if op.Compression != "" {
		params.Compression = op.Compression
	}
	params.Latch = op.Latch
	if op.ThrottleRateMS > 0 {
		params.ThrottleRate = time.Duration(op.ThrottleRateMS) * time.Millisecond
	}
	return params
}

func (c *ClientHandler) handleSubscribe(op *ClientOp) error {
	params := paramsFromOp(op)
	topic := params.Topic
	msgType := params.Type

	// The delivery callback runs under the connector's registry lock:
	// encode, hand off to the write pump, never block. A full buffer
	// drops the frame.
	cb := func(_ connector.TopicParams, data []byte) {
		frame, err := encodeMessageFrame(topic, msgType, data)
		if err != nil {
			return
		}
		select {
		case c.send <- frame:
		default:
			c.noteDropped()
		}
	}

	revoke, err := c.core.Subscribe(c.id, params, cb)
	if err != nil {
		return err
	}

	c.mu.Lock()
	prev := c.subs[topic]
	c.subs[topic] = revoke
	c.mu.Unlock()

	// A repeated subscribe replaces the previous parameters.
	if prev != nil {
		prev()
	}
	return nil
}

func (c *ClientHandler) handleUnsubscribe(op *ClientOp) error {
	c.mu.Lock()
	revoke, ok := c.subs[op.Topic]
	delete(c.subs, op.Topic)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("not subscribed to %q", op.Topic)
	}
	revoke()
	return nil
}

func (c *ClientHandler) handleAdvertise(op *ClientOp) error {
	params := paramsFromOp(op)

	fw, revoke, err := c.core.Advertise(c.id, params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	prev, had := c.advs[op.Topic]
	c.advs[op.Topic] = advertisement{msgType: params.Type, forward: fw, revoke: revoke}
	c.mu.Unlock()

	if had {
		prev.revoke()
	}
	return nil
}

func (c *ClientHandler) handleUnadvertise(op *ClientOp) error {
	c.mu.Lock()
	adv, ok := c.advs[op.Topic]
	delete(c.advs, op.Topic)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("not advertising %q", op.Topic)
	}
	adv.revoke()
	return nil
}

func (c *ClientHandler) handlePublish(op *ClientOp) error {
	if !c.server.limiter.Allow(c.id) {
		return fmt.Errorf("publish rate limit exceeded")
	}

	c.mu.Lock()
	adv, ok := c.advs[op.Topic]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("not advertising %q", op.Topic)
	}

	data, err := base64.StdEncoding.DecodeString(op.Data)
	if err != nil {
		return fmt.Errorf("invalid base64 data: %w", err)
	}
	return adv.forward(data)
}

// revokeAll tears down every registration this client holds, subscriptions
// first.
func (c *ClientHandler) revokeAll() {
	c.mu.Lock()
	subs := c.subs
	advs := c.advs
	c.subs = make(map[string]func())
	c.advs = make(map[string]advertisement)
	c.mu.Unlock()

	for _, revoke := range subs {
		revoke()
	}
	for _, adv := range advs {
		adv.revoke()
	}
}

// sendStatus queues a status frame without ever blocking the read loop: a
// client too slow to drain its buffer loses acks before it loses the socket.
func (c *ClientHandler) sendStatus(level, id, topic, msg string) {
	select {
	case c.send <- encodeStatusFrame(level, id, topic, msg):
	default:
		c.noteDropped()
	}
}

func (c *ClientHandler) noteDropped() {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}

func (c *ClientHandler) droppedCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

package bridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Client → server operation names.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpAdvertise   = "advertise"
	OpUnadvertise = "unadvertise"
	OpPublish     = "publish"
)

// Server → client frame names.
const (
	OpMessage = "message"
	OpStatus  = "status"
)

// Status levels on status frames.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ClientOp is one JSON operation received on a client socket. Fields beyond
// Op and Topic are read only where the operation uses them.
type ClientOp struct {
	Op             string `json:"op"`
	Topic          string `json:"topic"`
	Type           string `json:"type,omitempty"`
	HistoryDepth   *uint  `json:"history_depth,omitempty"`
	Compression    string `json:"compression,omitempty"`
	Latch          bool   `json:"latch,omitempty"`
	ThrottleRateMS int64  `json:"throttle_rate_ms,omitempty"`
	// Data carries the opaque payload on publish, base64 encoded. The
	// bridge never interprets it.
	Data string `json:"data,omitempty"`
}

// MessageFrame delivers one topic message to a client. Data is base64.
type MessageFrame struct {
	Op        string `json:"op"`
	Topic     string `json:"topic"`
	Type      string `json:"type"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// StatusFrame acknowledges an operation or reports its failure. ID echoes
// the operation name the status answers.
type StatusFrame struct {
	Op    string `json:"op"`
	Level string `json:"level"`
	ID    string `json:"id,omitempty"`
	Topic string `json:"topic,omitempty"`
	Msg   string `json:"msg,omitempty"`
}

func encodeMessageFrame(topic, msgType string, data []byte) ([]byte, error) {
	return json.Marshal(MessageFrame{
		Op:        OpMessage,
		Topic:     topic,
		Type:      msgType,
		Data:      base64.StdEncoding.EncodeToString(data),
		Timestamp: time.Now().UnixMilli(),
	})
}

func encodeStatusFrame(level, id, topic, msg string) []byte {
	b, _ := json.Marshal(StatusFrame{
		Op:    OpStatus,
		Level: level,
		ID:    id,
		Topic: topic,
		Msg:   msg,
	})
	return b
}

func decodeClientOp(data []byte) (*ClientOp, error) {
	var op ClientOp
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("malformed operation: %w", err)
	}
	if op.Op == "" {
		return nil, fmt.Errorf("missing 'op' field")
	}
	return &op, nil
}

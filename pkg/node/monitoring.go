package node

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mackerelio/go-osstat/cpu"
	osmem "github.com/mackerelio/go-osstat/memory"
	"go.uber.org/zap"

	"github.com/bytemux/bridge/pkg/connector"
	"github.com/bytemux/bridge/pkg/logging"
)

// resourceSample is one monitoring datapoint, published latched so a client
// attaching between ticks still sees the most recent state.
type resourceSample struct {
	NodeID      string `json:"node_id"`
	Mode        string `json:"mode"`
	PeerCount   int    `json:"peer_count,omitempty"`
	CPUPercent  uint64 `json:"cpu_percent"`
	MemoryUsed  uint64 `json:"memory_used"`
	MemoryTotal uint64 `json:"memory_total"`

	Subscriptions  int `json:"subscriptions"`
	Advertisements int `json:"advertisements"`

	Timestamp int64 `json:"timestamp"`
}

// monitorLoop publishes resource samples through the connector itself: the
// monitoring topic is an ordinary latched advertisement any client can
// subscribe to.
func (n *Node) monitorLoop(ctx context.Context) {
	defer close(n.monitorDone)

	params := connector.NewTopicParams(n.cfg.Connector.MonitorTopic, "resource_sample")
	params.HistoryDepth = 1
	params.Latch = true

	forward, revoke, err := n.core.Advertise(n.cfg.Node.ID, params)
	if err != nil {
		n.logger.ComponentWarn(logging.ComponentNode, "monitoring disabled: advertise failed",
			zap.Error(err))
		return
	}
	defer revoke()

	interval := n.cfg.Connector.MonitorInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := n.collectSample(interval)
			data, err := json.Marshal(sample)
			if err != nil {
				continue
			}
			if err := forward(data); err != nil {
				n.logger.ComponentWarn(logging.ComponentNode, "publishing resource sample",
					zap.Error(err))
				continue
			}
			n.logger.ComponentDebug(logging.ComponentNode, "resource sample published",
				zap.Uint64("cpu_percent", sample.CPUPercent),
				zap.Int("subscriptions", sample.Subscriptions))
		}
	}
}

func (n *Node) collectSample(interval time.Duration) resourceSample {
	sample := resourceSample{
		NodeID:    n.cfg.Node.ID,
		Mode:      n.cfg.Node.Mode,
		Timestamp: time.Now().Unix(),
	}

	if usage, err := cpuUsagePercent(cpuSampleWindow(interval)); err == nil {
		sample.CPUPercent = usage
	} else {
		n.logger.ComponentDebug(logging.ComponentNode, "cpu sample failed", zap.Error(err))
	}
	if mem, err := osmem.Get(); err == nil {
		sample.MemoryUsed = mem.Used
		sample.MemoryTotal = mem.Total
	}

	stats := n.core.Stats()
	sample.Subscriptions = stats.Subscriptions
	sample.Advertisements = stats.Advertisements

	if n.mesh != nil {
		sample.PeerCount = n.mesh.PeerCount()
	}
	return sample
}

// cpuSampleWindow keeps the delta window well under the monitor interval so
// sampling never delays the next tick.
func cpuSampleWindow(interval time.Duration) time.Duration {
	window := interval / 10
	if window > time.Second {
		window = time.Second
	}
	if window < 10*time.Millisecond {
		window = 10 * time.Millisecond
	}
	return window
}

// cpuUsagePercent measures CPU busy time over the window.
func cpuUsagePercent(window time.Duration) (uint64, error) {
	before, err := cpu.Get()
	if err != nil {
		return 0, err
	}
	time.Sleep(window)
	after, err := cpu.Get()
	if err != nil {
		return 0, err
	}
	idle := float64(after.Idle - before.Idle)
	total := float64(after.Total - before.Total)
	if total == 0 {
		return 0, errors.New("zero cpu time delta")
	}
	return uint64((1.0 - idle/total) * 100.0), nil
}

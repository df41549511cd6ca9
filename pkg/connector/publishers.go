package connector

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/bytemux/bridge/pkg/logging"
	"github.com/bytemux/bridge/pkg/transport"
)

// publisherEntry is one client's advertisement of a topic binding.
type publisherEntry struct {
	handleID uint64
	clientID string
	params   TopicParams
	shared   transport.Publication
}

// publisherRegistry owns the publisher registrations and the shared
// transport publications backing them. It is locked independently of the
// subscriber registry; no operation ever holds both locks.
type publisherRegistry struct {
	node transport.Node
	log  *logging.ColoredLogger

	mu      sync.Mutex
	entries []*publisherEntry
	closed  bool

	nextID    atomic.Uint64
	forwarded atomic.Uint64
}

func newPublisherRegistry(node transport.Node, opts Options) *publisherRegistry {
	return &publisherRegistry{node: node, log: opts.Logger}
}

func (r *publisherRegistry) advertise(clientID string, params TopicParams) (ForwardFunc, func(), error) {
	if params.Topic == "" {
		return nil, nil, ErrEmptyTopic
	}
	if params.Type == "" {
		return nil, nil, ErrEmptyType
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, ErrClosed
	}

	var shared transport.Publication
	if existing := r.findByParamsLocked(params); existing != nil {
		shared = existing.shared
	} else {
		qos := transport.QoSProfile{Depth: params.HistoryDepth}
		if params.Latch {
			qos.Durability = transport.DurabilityTransientLocal
		}
		pub, err := r.node.CreatePublication(params.Topic, params.Type, qos)
		if err != nil {
			return nil, nil, fmt.Errorf("create publication: %w", err)
		}
		shared = pub
	}

	entry := &publisherEntry{
		handleID: r.nextID.Add(1),
		clientID: clientID,
		params:   params,
		shared:   shared,
	}
	r.entries = append(r.entries, entry)

	logDebug(r.log, "publisher registered",
		zap.String("client", clientID),
		zap.String("topic", params.Topic),
		zap.Uint64("handle", entry.handleID))

	fw := func(data []byte) error {
		if err := shared.Write(data); err != nil {
			return err
		}
		r.forwarded.Add(1)
		return nil
	}
	handleID := entry.handleID
	return fw, func() { r.remove(handleID) }, nil
}

// remove mirrors the subscriber registry: delete by handle, close the shared
// publication when the last registration using its params value is gone.
func (r *publisherRegistry) remove(handleID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, e := range r.entries {
		if e.handleID == handleID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	entry := r.entries[idx]
	r.entries = append(r.entries[:idx], r.entries[idx+1:]...)

	if r.findByParamsLocked(entry.params) == nil {
		if err := entry.shared.Close(); err != nil {
			logWarn(r.log, "closing shared publication",
				zap.String("topic", entry.params.Topic), zap.Error(err))
		}
	}

	logDebug(r.log, "publisher removed",
		zap.String("client", entry.clientID),
		zap.String("topic", entry.params.Topic),
		zap.Uint64("handle", handleID))
}

// findByParamsLocked returns the first registration whose params equal p.
// Caller must hold r.mu.
func (r *publisherRegistry) findByParamsLocked(p TopicParams) *publisherEntry {
	for _, e := range r.entries {
		if e.params == p {
			return e
		}
	}
	return nil
}

func (r *publisherRegistry) hasParams(p TopicParams) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findByParamsLocked(p) != nil
}

func (r *publisherRegistry) close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	var firstErr error
	seen := make(map[transport.Publication]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.shared]; ok {
			continue
		}
		seen[e.shared] = struct{}{}
		if err := e.shared.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *publisherRegistry) fillStats(s *Stats) {
	r.mu.Lock()
	s.Advertisements = len(r.entries)
	shared := make(map[transport.Publication]struct{}, len(r.entries))
	for _, e := range r.entries {
		shared[e.shared] = struct{}{}
	}
	s.SharedPublications = len(shared)
	r.mu.Unlock()

	s.Forwarded = r.forwarded.Load()
}

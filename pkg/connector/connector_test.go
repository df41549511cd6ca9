package connector

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/bytemux/bridge/pkg/transport"
)

// fakeNode implements transport.Node with a manual clock, a scriptable
// publisher-info table and full visibility into every created resource.
type fakeNode struct {
	mu        sync.Mutex
	now       time.Time
	endpoints map[string][]transport.EndpointInfo
	subs      []*fakeSubscription
	pubs      []*fakePublication
	failSubs  bool
	failPubs  bool
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		now:       time.Unix(1000, 0),
		endpoints: make(map[string][]transport.EndpointInfo),
	}
}

func (n *fakeNode) Now() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.now
}

func (n *fakeNode) advance(d time.Duration) {
	n.mu.Lock()
	n.now = n.now.Add(d)
	n.mu.Unlock()
}

func (n *fakeNode) setPublishers(topic string, infos ...transport.EndpointInfo) {
	n.mu.Lock()
	n.endpoints[topic] = infos
	n.mu.Unlock()
}

func (n *fakeNode) PublishersInfo(topic string) []transport.EndpointInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[topic]
}

func (n *fakeNode) CreateSubscription(topic, msgType string, qos transport.QoSProfile, h transport.MessageHandler) (transport.Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failSubs {
		return nil, errors.New("transport refused subscription")
	}
	sub := &fakeSubscription{topic: topic, msgType: msgType, qos: qos, handler: h}
	n.subs = append(n.subs, sub)
	return sub, nil
}

func (n *fakeNode) CreatePublication(topic, msgType string, qos transport.QoSProfile) (transport.Publication, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failPubs {
		return nil, errors.New("transport refused publication")
	}
	pub := &fakePublication{topic: topic, msgType: msgType, qos: qos}
	n.pubs = append(n.pubs, pub)
	return pub, nil
}

// openSubs returns the not-yet-closed subscriptions on topic in creation
// order.
func (n *fakeNode) openSubs(topic string) []*fakeSubscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*fakeSubscription
	for _, s := range n.subs {
		if s.topic == topic && !s.closed.Load() {
			out = append(out, s)
		}
	}
	return out
}

func (n *fakeNode) openPubs(topic string) []*fakePublication {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*fakePublication
	for _, p := range n.pubs {
		if p.topic == topic && !p.closed.Load() {
			out = append(out, p)
		}
	}
	return out
}

func (n *fakeNode) subCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

func (n *fakeNode) pubCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pubs)
}

// deliver invokes the handler of every open subscription on topic, the way
// the transport would from its delivery goroutine.
func (n *fakeNode) deliver(topic string, data []byte) {
	for _, s := range n.openSubs(topic) {
		s.handler(data)
	}
}

type fakeSubscription struct {
	topic   string
	msgType string
	qos     transport.QoSProfile
	handler transport.MessageHandler
	closed  atomic.Bool
}

func (s *fakeSubscription) Close() error {
	s.closed.Store(true)
	return nil
}

type fakePublication struct {
	topic   string
	msgType string
	qos     transport.QoSProfile
	mu      sync.Mutex
	writes  [][]byte
	closed  atomic.Bool
}

func (p *fakePublication) Write(data []byte) error {
	p.mu.Lock()
	p.writes = append(p.writes, data)
	p.mu.Unlock()
	return nil
}

func (p *fakePublication) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *fakePublication) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes)
}

// collector gathers delivered payloads for assertions.
type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) callback(_ TopicParams, data []byte) {
	c.mu.Lock()
	c.msgs = append(c.msgs, string(data))
	c.mu.Unlock()
}

func (c *collector) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// waitForSubCount polls until exactly n open transport subscriptions exist
// on topic, then returns them.
func waitForSubCount(t *testing.T, node *fakeNode, topic string, n int) []*fakeSubscription {
	t.Helper()
	timeout := time.After(2 * time.Second)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-timeout:
			t.Fatalf("timed out waiting for %d open subscriptions on %q, have %d",
				n, topic, len(node.openSubs(topic)))
			return nil
		case <-ticker.C:
			if subs := node.openSubs(topic); len(subs) == n {
				return subs
			}
		}
	}
}

func TestSubscribe_SharesTransportSubscription(t *testing.T) {
	node := newFakeNode()
	c := New(node, Options{})
	defer c.Close()

	params := NewTopicParams("telemetry", "bytes")
	a, b := &collector{}, &collector{}

	revokeA, err := c.Subscribe("client-a", params, a.callback)
	if err != nil {
		t.Fatalf("subscribe A failed: %v", err)
	}
	defer revokeA()
	revokeB, err := c.Subscribe("client-b", params, b.callback)
	if err != nil {
		t.Fatalf("subscribe B failed: %v", err)
	}
	defer revokeB()

	if got := len(node.openSubs("telemetry")); got != 1 {
		t.Fatalf("expected 1 transport subscription, got %d", got)
	}

	node.deliver("telemetry", []byte("m1"))

	for name, col := range map[string]*collector{"A": a, "B": b} {
		if got := col.messages(); len(got) != 1 || got[0] != "m1" {
			t.Errorf("client %s: expected [m1], got %v", name, got)
		}
	}

	s := c.Stats()
	if s.Subscriptions != 2 || s.SharedSubscriptions != 1 {
		t.Errorf("expected 2 registrations over 1 shared subscription, got %+v", s)
	}
}

func TestSubscribe_DistinctParamsGetDistinctSubscriptions(t *testing.T) {
	node := newFakeNode()
	c := New(node, Options{})
	defer c.Close()

	base := NewTopicParams("telemetry", "bytes")
	throttled := base
	throttled.ThrottleRate = 50 * time.Millisecond

	if _, err := c.Subscribe("a", base, (&collector{}).callback); err != nil {
		t.Fatalf("subscribe base failed: %v", err)
	}
	if _, err := c.Subscribe("b", throttled, (&collector{}).callback); err != nil {
		t.Fatalf("subscribe throttled failed: %v", err)
	}

	if got := len(node.openSubs("telemetry")); got != 2 {
		t.Errorf("params differing in throttle must not share a subscription, got %d", got)
	}
}

func TestSubscribe_RejectsBadArguments(t *testing.T) {
	node := newFakeNode()
	c := New(node, Options{})
	defer c.Close()

	cb := func(TopicParams, []byte) {}

	cases := []struct {
		name   string
		params TopicParams
		cb     SubscriptionCallback
		want   error
	}{
		{"empty topic", NewTopicParams("", "bytes"), cb, ErrEmptyTopic},
		{"empty type", NewTopicParams("t", ""), cb, ErrEmptyType},
		{"nil callback", NewTopicParams("t", "bytes"), nil, ErrNilCallback},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Subscribe("a", tc.params, tc.cb); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, _, err := c.Advertise("a", NewTopicParams("", "bytes")); !errors.Is(err, ErrEmptyTopic) {
		t.Errorf("advertise empty topic: expected ErrEmptyTopic, got %v", err)
	}
	if _, _, err := c.Advertise("a", NewTopicParams("t", "")); !errors.Is(err, ErrEmptyType) {
		t.Errorf("advertise empty type: expected ErrEmptyType, got %v", err)
	}

	if node.subCount() != 0 || node.pubCount() != 0 {
		t.Errorf("rejected calls must not touch the transport, got %d subs %d pubs",
			node.subCount(), node.pubCount())
	}
}

func TestSubscribe_TransportFailureLeavesNoRegistration(t *testing.T) {
	node := newFakeNode()
	node.failSubs = true
	node.failPubs = true
	c := New(node, Options{})
	defer c.Close()

	params := NewTopicParams("t", "bytes")
	if _, err := c.Subscribe("a", params, func(TopicParams, []byte) {}); err == nil {
		t.Fatal("expected subscribe to fail")
	}
	if c.IsSubscribedToTopic(params) {
		t.Error("failed subscribe left a registration behind")
	}

	if _, _, err := c.Advertise("a", params); err == nil {
		t.Fatal("expected advertise to fail")
	}
	if c.IsAdvertisingTopic(params) {
		t.Error("failed advertise left a registration behind")
	}
}

func TestDispatch_ThrottlesDeliveries(t *testing.T) {
	node := newFakeNode()
	c := New(node, Options{})
	defer c.Close()

	params := NewTopicParams("fast", "bytes")
	params.ThrottleRate = 100 * time.Millisecond

	col := &collector{}
	if _, err := c.Subscribe("a", params, col.callback); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	node.deliver("fast", []byte("m1"))
	node.advance(10 * time.Millisecond)
	node.deliver("fast", []byte("m2")) // inside the throttle window
	node.advance(140 * time.Millisecond)
	node.deliver("fast", []byte("m3")) // 150ms after m1

	got := col.messages()
	if len(got) != 2 || got[0] != "m1" || got[1] != "m3" {
		t.Errorf("expected [m1 m3], got %v", got)
	}

	if s := c.Stats(); s.Throttled != 1 || s.Delivered != 2 || s.Dispatched != 3 {
		t.Errorf("unexpected counters: %+v", s)
	}
}

func TestDispatch_ThrottleIsPerRegistration(t *testing.T) {
	node := newFakeNode()
	c := New(node, Options{})
	defer c.Close()

	params := NewTopicParams("fast", "bytes")
	params.ThrottleRate = 100 * time.Millisecond

	a := &collector{}
	if _, err := c.Subscribe("a", params, a.callback); err != nil {
		t.Fatalf("subscribe A failed: %v", err)
	}
	node.deliver("fast", []byte("m1"))

	// B joins after m1: its own throttle window starts empty.
	b := &collector{}
	if _, err := c.Subscribe("b", params, b.callback); err != nil {
		t.Fatalf("subscribe B failed: %v", err)
	}
	node.advance(10 * time.Millisecond)
	node.deliver("fast", []byte("m2"))

	if got := a.messages(); len(got) != 1 || got[0] != "m1" {
		t.Errorf("client A: expected [m1], got %v", got)
	}
	if got := b.messages(); len(got) != 1 || got[0] != "m2" {
		t.Errorf("client B: expected [m2], got %v", got)
	}
}

func TestDispatch_UnthrottledDeliversEverything(t *testing.T) {
	node := newFakeNode()
	c := New(node, Options{})
	defer c.Close()

	params := NewTopicParams("raw", "bytes")
	col := &collector{}
	if _, err := c.Subscribe("a", params, col.callback); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Same clock reading for every message: zero throttle must not drop any.
	for i := 0; i < 5; i++ {
		node.deliver("raw", []byte(fmt.Sprintf("m%d", i)))
	}
	if got := col.messages(); len(got) != 5 {
		t.Errorf("expected 5 deliveries, got %v", got)
	}
}

func TestRevoke_RemovesOnlyThatRegistration(t *testing.T) {
	node := newFakeNode()
	c := New(node, Options{})
	defer c.Close()

	params := NewTopicParams("shared", "bytes")
	a, b := &collector{}, &collector{}

	revokeA, err := c.Subscribe("a", params, a.callback)
	if err != nil {
		t.Fatalf("subscribe A failed: %v", err)
	}
	revokeB, err := c.Subscribe("b", params, b.callback)
	if err != nil {
		t.Fatalf("subscribe B failed: %v", err)
	}

	revokeA()
	node.deliver("shared", []byte("m1"))

	if got := a.messages(); len(got) != 0 {
		t.Errorf("revoked client A still received %v", got)
	}
	if got := b.messages(); len(got) != 1 {
		t.Errorf("client B should be unaffected, got %v", got)
	}
	if !c.IsSubscribedToTopic(params) {
		t.Error("params should still be subscribed while B remains")
	}
	if got := len(node.openSubs("shared")); got != 1 {
		t.Errorf("shared subscription must stay open while B remains, got %d", got)
	}

	// Second invocation of the same revoke is a no-op.
	revokeA()
	if got := len(node.openSubs("shared")); got != 1 {
		t.Errorf("double revoke must not close the shared subscription, got %d open", got)
	}

	revokeB()
	if c.IsSubscribedToTopic(params) {
		t.Error("params still subscribed after last revoke")
	}
	if got := len(node.openSubs("shared")); got != 0 {
		t.Errorf("last revoke must close the shared subscription, got %d open", got)
	}

	// Dispatch after the last removal is a silent no-op.
	node.deliver("shared", []byte("m2"))
	if got := b.messages(); len(got) != 1 {
		t.Errorf("client B received after revoke: %v", got)
	}
}

func TestAdvertise_SharesPublication(t *testing.T) {
	node := newFakeNode()
	c := New(node, Options{})
	defer c.Close()

	params := NewTopicParams("cmd", "bytes")

	fwA, revokeA, err := c.Advertise("a", params)
	if err != nil {
		t.Fatalf("advertise A failed: %v", err)
	}
	fwB, revokeB, err := c.Advertise("b", params)
	if err != nil {
		t.Fatalf("advertise B failed: %v", err)
	}

	pubs := node.openPubs("cmd")
	if len(pubs) != 1 {
		t.Fatalf("expected 1 transport publication, got %d", len(pubs))
	}

	if err := fwA([]byte("x")); err != nil {
		t.Fatalf("forward A failed: %v", err)
	}
	if err := fwB([]byte("y")); err != nil {
		t.Fatalf("forward B failed: %v", err)
	}
	if got := pubs[0].writeCount(); got != 2 {
		t.Errorf("expected 2 writes through the shared publication, got %d", got)
	}

	s := c.Stats()
	if s.Advertisements != 2 || s.SharedPublications != 1 || s.Forwarded != 2 {
		t.Errorf("unexpected stats: %+v", s)
	}

	revokeA()
	if got := len(node.openPubs("cmd")); got != 1 {
		t.Errorf("publication must stay open while B remains, got %d", got)
	}
	revokeB()
	if got := len(node.openPubs("cmd")); got != 0 {
		t.Errorf("last revoke must close the publication, got %d open", got)
	}
	if c.IsAdvertisingTopic(params) {
		t.Error("params still advertised after last revoke")
	}
}

func TestAdvertise_LatchSelectsRetainedDurability(t *testing.T) {
	node := newFakeNode()
	c := New(node, Options{})
	defer c.Close()

	latched := NewTopicParams("map", "bytes")
	latched.Latch = true
	latched.HistoryDepth = 1

	if _, _, err := c.Advertise("a", latched); err != nil {
		t.Fatalf("advertise latched failed: %v", err)
	}

	plain := NewTopicParams("map", "bytes")
	if _, _, err := c.Advertise("b", plain); err != nil {
		t.Fatalf("advertise plain failed: %v", err)
	}

	// Latch is part of the equality key: two distinct publications.
	pubs := node.openPubs("map")
	if len(pubs) != 2 {
		t.Fatalf("expected 2 publications, got %d", len(pubs))
	}
	if pubs[0].qos.Durability != transport.DurabilityTransientLocal || pubs[0].qos.Depth != 1 {
		t.Errorf("latched publication QoS wrong: %+v", pubs[0].qos)
	}
	if pubs[1].qos.Durability != transport.DurabilityVolatile {
		t.Errorf("plain publication QoS wrong: %+v", pubs[1].qos)
	}
}

func TestSubscribe_QoSMergeLastPublisherWins(t *testing.T) {
	node := newFakeNode()
	c := New(node, Options{})
	defer c.Close()

	node.setPublishers("state",
		transport.EndpointInfo{Type: "bytes", QoS: transport.QoSProfile{Durability: transport.DurabilityTransientLocal}},
		transport.EndpointInfo{Type: "bytes", QoS: transport.QoSProfile{Reliability: transport.ReliabilityBestEffort}},
	)

	params := NewTopicParams("state", "bytes")
	params.HistoryDepth = 7
	if _, err := c.Subscribe("a", params, (&collector{}).callback); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	subs := node.openSubs("state")
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
	got := subs[0].qos
	if got.Durability != transport.DurabilityVolatile {
		t.Errorf("last publisher is volatile, merge gave %v", got.Durability)
	}
	if got.Reliability != transport.ReliabilityBestEffort {
		t.Errorf("last publisher is best-effort, merge gave %v", got.Reliability)
	}
	if got.Depth != 7 {
		t.Errorf("depth comes from the request, got %d", got.Depth)
	}

	// Reversed order flips the outcome.
	node.setPublishers("state2",
		transport.EndpointInfo{Type: "bytes", QoS: transport.QoSProfile{}},
		transport.EndpointInfo{Type: "bytes", QoS: transport.QoSProfile{Durability: transport.DurabilityTransientLocal}},
	)
	params2 := NewTopicParams("state2", "bytes")
	if _, err := c.Subscribe("a", params2, (&collector{}).callback); err != nil {
		t.Fatalf("subscribe state2 failed: %v", err)
	}
	subs2 := node.openSubs("state2")
	if len(subs2) != 1 || subs2[0].qos.Durability != transport.DurabilityTransientLocal {
		t.Errorf("expected transient-local from last publisher, got %+v", subs2[0].qos)
	}
}

func TestReplay_DeliversRetainedMessageOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	node := newFakeNode()
	node.setPublishers("map",
		transport.EndpointInfo{Type: "bytes", QoS: transport.QoSProfile{Durability: transport.DurabilityTransientLocal}})
	c := New(node, Options{ReplayTimeout: 2 * time.Second})
	defer c.Close()

	params := NewTopicParams("map", "bytes")

	early := &collector{}
	if _, err := c.Subscribe("early", params, early.callback); err != nil {
		t.Fatalf("subscribe early failed: %v", err)
	}
	// The first registration created the shared subscription, no replay.
	if got := len(node.openSubs("map")); got != 1 {
		t.Fatalf("expected 1 subscription after first subscribe, got %d", got)
	}

	lateCh := make(chan string, 2)
	if _, err := c.Subscribe("late", params, func(_ TopicParams, data []byte) {
		lateCh <- string(data)
	}); err != nil {
		t.Fatalf("subscribe late failed: %v", err)
	}

	// The late joiner spawns a temporary replay subscription.
	tmp := waitForSubCount(t, node, "map", 2)[1]

	// Retained message arrives on the temporary subscription only.
	tmp.handler([]byte("retained"))

	select {
	case got := <-lateCh:
		if got != "retained" {
			t.Errorf("expected retained message, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for replayed message")
	}

	if got := early.messages(); len(got) != 0 {
		t.Errorf("replay must not reach the early subscriber, got %v", got)
	}

	// The temporary subscription is torn down after its single delivery.
	waitForSubCount(t, node, "map", 1)

	// At most once: the one-shot guard swallows a second arrival.
	tmp.handler([]byte("retained again"))
	select {
	case got := <-lateCh:
		t.Fatalf("unexpected second replay delivery %q", got)
	case <-time.After(100 * time.Millisecond):
	}

	if s := c.Stats(); s.ReplaysFired != 1 || s.ReplaysExpired != 0 {
		t.Errorf("unexpected replay counters: %+v", s)
	}
}

func TestReplay_ExpiresWithoutRetainedMessage(t *testing.T) {
	defer goleak.VerifyNone(t)

	node := newFakeNode()
	node.setPublishers("map",
		transport.EndpointInfo{Type: "bytes", QoS: transport.QoSProfile{Durability: transport.DurabilityTransientLocal}})
	c := New(node, Options{ReplayTimeout: 50 * time.Millisecond})
	defer c.Close()

	params := NewTopicParams("map", "bytes")
	if _, err := c.Subscribe("early", params, (&collector{}).callback); err != nil {
		t.Fatalf("subscribe early failed: %v", err)
	}

	late := &collector{}
	if _, err := c.Subscribe("late", params, late.callback); err != nil {
		t.Fatalf("subscribe late failed: %v", err)
	}
	waitForSubCount(t, node, "map", 2)

	// Nothing retained ever arrives; the replay must give up on its own
	// and release the temporary subscription.
	waitForSubCount(t, node, "map", 1)

	if got := late.messages(); len(got) != 0 {
		t.Errorf("expected no delivery, got %v", got)
	}
	if s := c.Stats(); s.ReplaysExpired != 1 || s.ReplaysFired != 0 {
		t.Errorf("unexpected replay counters: %+v", s)
	}
}

func TestReplay_SkipsRevokedRegistration(t *testing.T) {
	defer goleak.VerifyNone(t)

	node := newFakeNode()
	node.setPublishers("map",
		transport.EndpointInfo{Type: "bytes", QoS: transport.QoSProfile{Durability: transport.DurabilityTransientLocal}})
	c := New(node, Options{ReplayTimeout: 2 * time.Second})
	defer c.Close()

	params := NewTopicParams("map", "bytes")
	if _, err := c.Subscribe("early", params, (&collector{}).callback); err != nil {
		t.Fatalf("subscribe early failed: %v", err)
	}

	late := &collector{}
	revokeLate, err := c.Subscribe("late", params, late.callback)
	if err != nil {
		t.Fatalf("subscribe late failed: %v", err)
	}
	tmp := waitForSubCount(t, node, "map", 2)[1]

	// Revoke before the retained message shows up: the delivery targets a
	// gone handle and is dropped.
	revokeLate()
	tmp.handler([]byte("retained"))

	waitForSubCount(t, node, "map", 1)
	if got := late.messages(); len(got) != 0 {
		t.Errorf("revoked subscriber received replay: %v", got)
	}
	if s := c.Stats(); s.ReplaysFired != 0 {
		t.Errorf("replay counted as fired for a revoked handle: %+v", s)
	}
}

func TestClose_ShutsEverythingDown(t *testing.T) {
	defer goleak.VerifyNone(t)

	node := newFakeNode()
	c := New(node, Options{})

	subParams := NewTopicParams("in", "bytes")
	pubParams := NewTopicParams("out", "bytes")

	col := &collector{}
	if _, err := c.Subscribe("a", subParams, col.callback); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	fw, _, err := c.Advertise("a", pubParams)
	if err != nil {
		t.Fatalf("advertise failed: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	if got := len(node.openSubs("in")); got != 0 {
		t.Errorf("close left %d subscriptions open", got)
	}
	if got := len(node.openPubs("out")); got != 0 {
		t.Errorf("close left %d publications open", got)
	}

	node.deliver("in", []byte("late"))
	if got := col.messages(); len(got) != 0 {
		t.Errorf("dispatch after close delivered %v", got)
	}

	if _, err := c.Subscribe("a", subParams, col.callback); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Subscribe, got %v", err)
	}
	if _, _, err := c.Advertise("a", pubParams); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Advertise, got %v", err)
	}

	// The forward func of a pre-close advertisement now writes to a closed
	// publication; whatever it returns, it must not panic.
	_ = fw([]byte("late write"))
}

func TestClose_CancelsPendingReplay(t *testing.T) {
	defer goleak.VerifyNone(t)

	node := newFakeNode()
	node.setPublishers("map",
		transport.EndpointInfo{Type: "bytes", QoS: transport.QoSProfile{Durability: transport.DurabilityTransientLocal}})
	c := New(node, Options{ReplayTimeout: 30 * time.Second})

	params := NewTopicParams("map", "bytes")
	if _, err := c.Subscribe("early", params, (&collector{}).callback); err != nil {
		t.Fatalf("subscribe early failed: %v", err)
	}
	if _, err := c.Subscribe("late", params, (&collector{}).callback); err != nil {
		t.Fatalf("subscribe late failed: %v", err)
	}
	waitForSubCount(t, node, "map", 2)

	// Close must cancel the replay long before its 30s timeout.
	done := make(chan error, 1)
	go func() { done <- c.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("close failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked on a pending replay")
	}

	if got := len(node.openSubs("map")); got != 0 {
		t.Errorf("replay subscription survived close, %d open", got)
	}
}

func TestConcurrentRegistrationHandlesAreUnique(t *testing.T) {
	node := newFakeNode()
	c := New(node, Options{})
	defer c.Close()

	const n = 64
	var wg sync.WaitGroup
	revokes := make(chan func(), 2*n)

	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			params := NewTopicParams(fmt.Sprintf("topic-%d", i%8), "bytes")
			revoke, err := c.Subscribe(fmt.Sprintf("client-%d", i), params, func(TopicParams, []byte) {})
			if err != nil {
				t.Errorf("subscribe %d failed: %v", i, err)
				return
			}
			revokes <- revoke
		}(i)
		go func(i int) {
			defer wg.Done()
			params := NewTopicParams(fmt.Sprintf("topic-%d", i%8), "bytes")
			_, revoke, err := c.Advertise(fmt.Sprintf("client-%d", i), params)
			if err != nil {
				t.Errorf("advertise %d failed: %v", i, err)
				return
			}
			revokes <- revoke
		}(i)
	}
	wg.Wait()
	close(revokes)

	c.subs.mu.Lock()
	seenSubs := make(map[uint64]bool, len(c.subs.entries))
	for _, e := range c.subs.entries {
		if seenSubs[e.handleID] {
			t.Errorf("duplicate subscriber handle %d", e.handleID)
		}
		seenSubs[e.handleID] = true
	}
	c.subs.mu.Unlock()

	c.pubs.mu.Lock()
	seenPubs := make(map[uint64]bool, len(c.pubs.entries))
	for _, e := range c.pubs.entries {
		if seenPubs[e.handleID] {
			t.Errorf("duplicate publisher handle %d", e.handleID)
		}
		seenPubs[e.handleID] = true
	}
	c.pubs.mu.Unlock()

	s := c.Stats()
	if s.Subscriptions != n || s.Advertisements != n {
		t.Errorf("expected %d registrations per registry, got %+v", n, s)
	}
	if s.SharedSubscriptions != 8 || s.SharedPublications != 8 {
		t.Errorf("expected 8 shared resources per registry, got %+v", s)
	}

	for revoke := range revokes {
		revoke()
	}
	s = c.Stats()
	if s.Subscriptions != 0 || s.Advertisements != 0 {
		t.Errorf("revoking everything left registrations: %+v", s)
	}
	for i := 0; i < 8; i++ {
		topic := fmt.Sprintf("topic-%d", i)
		if got := len(node.openSubs(topic)); got != 0 {
			t.Errorf("topic %s: %d subscriptions still open", topic, got)
		}
		if got := len(node.openPubs(topic)); got != 0 {
			t.Errorf("topic %s: %d publications still open", topic, got)
		}
	}
}

func TestConcurrentDispatchAndRegistration(t *testing.T) {
	node := newFakeNode()
	c := New(node, Options{})
	defer c.Close()

	params := NewTopicParams("hammer", "bytes")
	// Seed registration keeps the shared subscription alive throughout.
	if _, err := c.Subscribe("seed", params, func(TopicParams, []byte) {}); err != nil {
		t.Fatalf("seed subscribe failed: %v", err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				node.deliver("hammer", []byte("m"))
			}
		}
	}()

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			revoke, err := c.Subscribe(fmt.Sprintf("c%d", i), params, func(TopicParams, []byte) {})
			if err != nil {
				t.Errorf("subscribe %d failed: %v", i, err)
				return
			}
			revoke()
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(done)
	wg.Wait()

	if s := c.Stats(); s.Subscriptions != 1 {
		t.Errorf("expected only the seed registration, got %+v", s)
	}
	if got := len(node.openSubs("hammer")); got != 1 {
		t.Errorf("expected 1 open subscription, got %d", got)
	}
}

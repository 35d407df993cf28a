package coappeer

import (
	"testing"
	"time"

	"github.com/twilio/breakout-sdk-go/coapmsg"
)

// fakeTransport is an in-memory Transport: every Send is recorded and can be
// fed back into a peer via Receive, modeling the loopback style of the
// teacher's cmd/proxy/proxy_test.go channelPacketConn without a real socket.
type fakeTransport struct {
	sent  [][]byte
	ready bool
}

func (f *fakeTransport) Send(data []byte) error {
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}
func (f *fakeTransport) Ready() bool { return f.ready }

func newTestPeer(t *testing.T, clock *fakeClock) (*Peer, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{ready: true}
	p, err := New(ft, clock.Now)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Close)
	return p, ft
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
	TriggerPeriodicRetransmit()
}

func newRequest(code coapmsg.Code, messageID uint16) *coapmsg.Message {
	return &coapmsg.Message{Version: 1, Type: coapmsg.CON, Code: code, MessageID: messageID}
}

// TestClientTransactionACKExactlyOnce covers spec.md §8's "exactly-once
// terminal event per client transaction, across arbitrary interleavings of
// duplicate ACKs".
func TestClientTransactionACKExactlyOnce(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	p, ft := newTestPeer(t, clock)

	var events []ClientEvent
	msg := newRequest(coapmsg.POST, 0)
	id, err := p.SendReliably(msg, func(ev ClientEvent, _ *coapmsg.Message, _ interface{}) {
		events = append(events, ev)
	}, nil, 0, 0)
	if err != nil {
		t.Fatalf("SendReliably: %v", err)
	}
	if len(ft.sent) != 1 {
		t.Fatalf("sent %d datagrams, want 1", len(ft.sent))
	}

	ack, _ := coapmsg.Encode(coapmsg.NewEmpty(coapmsg.ACK, id))
	if err := p.Receive(ack); err != nil {
		t.Fatalf("Receive ACK: %v", err)
	}
	if err := p.Receive(ack); err != nil {
		t.Fatalf("Receive duplicate ACK: %v", err)
	}

	if len(events) != 1 || events[0] != EventACK {
		t.Fatalf("events = %v, want exactly one ACK", events)
	}
}

// TestRetransmissionAndTimeout covers spec.md §8 scenario 4: four total
// transmissions, then a single Timeout.
func TestRetransmissionAndTimeout(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	p, ft := newTestPeer(t, clock)

	var events []ClientEvent
	msg := newRequest(coapmsg.POST, 0)
	if _, err := p.SendReliably(msg, func(ev ClientEvent, _ *coapmsg.Message, _ interface{}) {
		events = append(events, ev)
	}, nil, 0, 0); err != nil {
		t.Fatalf("SendReliably: %v", err)
	}
	if len(ft.sent) != 1 {
		t.Fatalf("sent %d, want 1", len(ft.sent))
	}

	// Advance well past every retransmit deadline in turn. Each step
	// comfortably exceeds the largest possible doubled interval so far
	// (bounds from spec.md §8: I0 in [5s, 7.5s); subsequent deadlines
	// double), regardless of exactly where within the jitter range this
	// run's I0 landed.
	for i := 0; i < 3; i++ {
		clock.Advance(200 * time.Second)
	}
	if len(ft.sent) != 4 {
		t.Fatalf("sent %d datagrams, want 4 (1 original + 3 retries)", len(ft.sent))
	}
	if len(events) != 0 {
		t.Fatalf("events = %v before final deadline, want none yet", events)
	}

	clock.Advance(200 * time.Second)
	if len(events) != 1 || events[0] != EventTimeout {
		t.Fatalf("events = %v, want exactly one Timeout", events)
	}
	if len(ft.sent) != 4 {
		t.Fatalf("sent %d after timeout, want still 4 (no further retransmit)", len(ft.sent))
	}
}

// TestStopRetransmissionsDeliversCanceled covers the Canceled cancellation
// primitive (spec.md §5).
func TestStopRetransmissionsDeliversCanceled(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	p, _ := newTestPeer(t, clock)

	var events []ClientEvent
	msg := newRequest(coapmsg.POST, 42)
	id, err := p.SendReliably(msg, func(ev ClientEvent, _ *coapmsg.Message, _ interface{}) {
		events = append(events, ev)
	}, nil, 0, 0)
	if err != nil {
		t.Fatalf("SendReliably: %v", err)
	}
	p.StopRetransmissions(id)
	p.StopRetransmissions(id) // second call is a no-op: txn already removed

	if len(events) != 1 || events[0] != EventCanceled {
		t.Fatalf("events = %v, want exactly one Canceled", events)
	}
}

// TestServerDedupReplaysCachedReply covers spec.md §8 scenario 2 / §4.5.2:
// a retransmitted CON request within EXCHANGE_LIFETIME gets the identical
// cached ACK and does not re-reach the request handler.
func TestServerDedupReplaysCachedReply(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	p, ft := newTestPeer(t, clock)

	calls := 0
	p.SetRequestHandler(func(msg *coapmsg.Message) (*coapmsg.Message, FollowUp) {
		calls++
		resp := &coapmsg.Message{Code: coapmsg.Content}
		return resp, FollowUpSendACK
	})

	req, _ := coapmsg.Encode(&coapmsg.Message{Version: 1, Type: coapmsg.CON, Code: coapmsg.GET, MessageID: 7})
	if err := p.Receive(req); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := p.Receive(req); err != nil {
		t.Fatalf("Receive duplicate: %v", err)
	}

	if calls != 1 {
		t.Fatalf("request handler called %d times, want 1", calls)
	}
	if len(ft.sent) != 2 {
		t.Fatalf("sent %d replies, want 2 (identical each time)", len(ft.sent))
	}
	if string(ft.sent[0]) != string(ft.sent[1]) {
		t.Fatalf("replies differ across duplicate delivery")
	}
}

// TestUnhandledRequestSendsRST covers spec.md §4.5.4: "unhandled inbound
// requests receive an automatic Send RST follow-up."
func TestUnhandledRequestSendsRST(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	p, ft := newTestPeer(t, clock)

	req, _ := coapmsg.Encode(&coapmsg.Message{Version: 1, Type: coapmsg.CON, Code: coapmsg.GET, MessageID: 9})
	if err := p.Receive(req); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(ft.sent) != 1 {
		t.Fatalf("sent %d, want 1", len(ft.sent))
	}
	reply, err := coapmsg.Decode(ft.sent[0])
	if err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	if reply.Type != coapmsg.RST {
		t.Fatalf("reply type = %v, want RST", reply.Type)
	}
}

// TestPingRepliesRST covers spec.md §4.5.3: CON with an empty code is a
// ping and gets an RST, never reaching the stateless handler.
func TestPingRepliesRST(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	p, ft := newTestPeer(t, clock)

	statelessCalls := 0
	p.SetStatelessHandler(func(*coapmsg.Message) { statelessCalls++ })

	ping, _ := coapmsg.Encode(coapmsg.NewEmpty(coapmsg.CON, 99))
	if err := p.Receive(ping); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if statelessCalls != 0 {
		t.Fatalf("stateless handler called %d times for a ping, want 0", statelessCalls)
	}
	if len(ft.sent) != 1 {
		t.Fatalf("sent %d, want 1", len(ft.sent))
	}
	reply, err := coapmsg.Decode(ft.sent[0])
	if err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	if reply.Type != coapmsg.RST || reply.MessageID != 99 {
		t.Fatalf("reply = %+v, want RST/99", reply)
	}
}

// TestTriggerPeriodicRetransmitIdempotentPerTick covers spec.md §8: two
// calls with no time advance retransmit the same set at most once.
func TestTriggerPeriodicRetransmitIdempotentPerTick(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	p, ft := newTestPeer(t, clock)

	msg := newRequest(coapmsg.POST, 0)
	if _, err := p.SendReliably(msg, nil, nil, 0, 0); err != nil {
		t.Fatalf("SendReliably: %v", err)
	}
	clock.t = clock.t.Add(20 * time.Second)
	TriggerPeriodicRetransmit()
	TriggerPeriodicRetransmit()
	if len(ft.sent) != 2 {
		t.Fatalf("sent %d after two ticks at the same time, want 2 (1 original + 1 retransmit)", len(ft.sent))
	}
}

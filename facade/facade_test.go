package facade

import (
	"context"
	"testing"
	"time"

	"github.com/twilio/breakout-sdk-go/coapmsg"
	"github.com/twilio/breakout-sdk-go/coappeer"
)

// fakeTransport is an in-memory coappeer.Transport plus Reinitializer, the
// façade's own loopback double for coappeer.peer_test.go's fakeTransport:
// every Send is recorded, and Reinitialize runs reinitFunc when one is set,
// else returns reinitErr when one is set, else just flips ready, without
// touching any real modem or network.
type fakeTransport struct {
	sent       [][]byte
	ready      bool
	reinitErr  error
	reinitFunc func() error
}

func (t *fakeTransport) Send(data []byte) error {
	t.sent = append(t.sent, append([]byte(nil), data...))
	return nil
}
func (t *fakeTransport) Ready() bool { return t.ready }
func (t *fakeTransport) Reinitialize(ctx context.Context) error {
	if t.reinitFunc != nil {
		return t.reinitFunc()
	}
	if t.reinitErr != nil {
		return t.reinitErr
	}
	t.ready = true
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// newTestFacade builds a Facade wired straight to ft via SetTransportFactory,
// bypassing the modem-backed power-up sequence entirely (spec.md §4.5
// "Transport selection" exists precisely so a plain loopback or test double
// can stand in for DTLS/socket). It then drives the façade to
// RegisteredAndConnected the same way onEPSRegistrationChanged and
// setCoAPReady would from a real power-up.
func newTestFacade(t *testing.T, clock *fakeClock, ft *fakeTransport) *Facade {
	t.Helper()
	f := New(clock.Now)
	if err := f.SetTransportFactory(func(ctx context.Context) (coappeer.Transport, error) {
		return ft, nil
	}); err != nil {
		t.Fatalf("SetTransportFactory: %v", err)
	}
	if err := f.buildPeer(context.Background()); err != nil {
		t.Fatalf("buildPeer: %v", err)
	}
	t.Cleanup(f.peer.Close)
	f.epsRegistered = true
	f.setCoAPReady(ft.ready)
	return f
}

// TestIdlePollingFiresHeartbeats covers spec.md §8 scenario 1: Spin at the
// polling interval issues a Heartbeats POST and nothing else while idle.
func TestIdlePollingFiresHeartbeats(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	ft := &fakeTransport{ready: true}
	f := newTestFacade(t, clock, ft)
	f.SetPollingInterval(PollingIntervalMinimum)

	f.Spin(context.Background())
	if len(ft.sent) != 0 {
		t.Fatalf("sent %d before the polling deadline, want 0", len(ft.sent))
	}

	clock.Advance(PollingIntervalMinimum)
	f.Spin(context.Background())
	if len(ft.sent) != 1 {
		t.Fatalf("sent %d at the polling deadline, want 1 Heartbeats POST", len(ft.sent))
	}
	msg, err := coapmsg.Decode(ft.sent[0])
	if err != nil {
		t.Fatalf("decoding Heartbeats request: %v", err)
	}
	if msg.Code != coapmsg.POST {
		t.Fatalf("code = %v, want POST", msg.Code)
	}
}

// TestIncomingCommandDedupAndQueue covers spec.md §8 scenario 2: an inbound
// to-SIM Command is queued once even if its CON POST is retransmitted.
func TestIncomingCommandDedupAndQueue(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	ft := &fakeTransport{ready: true}
	f := newTestFacade(t, clock, ft)

	req := &coapmsg.Message{
		Version:   1,
		Type:      coapmsg.CON,
		Code:      coapmsg.POST,
		MessageID: 5,
		Options: []coapmsg.Option{
			coapmsg.NewStringOption(coapmsg.OptionUriPath, "Commands"),
			coapmsg.NewUintOption(coapmsg.OptionContentFormat, coapmsg.ContentFormatTextPlain),
		},
		Payload: []byte("hello"),
	}
	data, err := coapmsg.Encode(req)
	if err != nil {
		t.Fatalf("encoding request: %v", err)
	}

	if err := f.peer.Receive(data); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := f.peer.Receive(data); err != nil {
		t.Fatalf("Receive duplicate: %v", err)
	}

	if !f.HasWaitingCommand() {
		t.Fatalf("expected a queued command")
	}
	buf := make([]byte, 32)
	n, isBinary, err := f.ReceiveCommand(buf)
	if err != nil {
		t.Fatalf("ReceiveCommand: %v", err)
	}
	if isBinary || string(buf[:n]) != "hello" {
		t.Fatalf("ReceiveCommand = %q binary=%v, want \"hello\" binary=false", buf[:n], isBinary)
	}
	if f.HasWaitingCommand() {
		t.Fatalf("expected the queue to be empty after the only entry was popped (duplicate must not have queued twice)")
	}
}

// TestSendCommandWithReceiptRequestConfirmsOnACK covers spec.md §8 scenario
// 3: a from-SIM Command sent with a receipt request reports
// StatusConfirmedDelivery once its ACK arrives.
func TestSendCommandWithReceiptRequestConfirmsOnACK(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	ft := &fakeTransport{ready: true}
	f := newTestFacade(t, clock, ft)

	var got CommandStatus
	var called bool
	if result := f.SendTextCommandWithReceiptRequest("ping", func(s CommandStatus) {
		called = true
		got = s
	}); result != SendOK {
		t.Fatalf("SendTextCommandWithReceiptRequest = %v, want SendOK", result)
	}
	if len(ft.sent) != 1 {
		t.Fatalf("sent %d, want 1", len(ft.sent))
	}

	sent, err := coapmsg.Decode(ft.sent[0])
	if err != nil {
		t.Fatalf("decoding sent request: %v", err)
	}
	ack := coapmsg.NewEmpty(coapmsg.ACK, sent.MessageID)
	ackData, err := coapmsg.Encode(ack)
	if err != nil {
		t.Fatalf("encoding ACK: %v", err)
	}
	if err := f.peer.Receive(ackData); err != nil {
		t.Fatalf("Receive ACK: %v", err)
	}

	if !called || got != StatusConfirmedDelivery {
		t.Fatalf("receipt callback called=%v status=%v, want called=true status=ConfirmedDelivery", called, got)
	}
}

// TestRetransmissionAndTimeoutReinitializesOnce covers spec.md §8 scenario
// 4: a Heartbeats poll that times out reinitializes the transport and
// retries exactly once, never recursing past a second consecutive timeout.
func TestRetransmissionAndTimeoutReinitializesOnce(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	ft := &fakeTransport{ready: true}
	f := newTestFacade(t, clock, ft)
	f.SetPollingInterval(PollingIntervalMinimum)

	reinitCalls := 0
	ft.reinitFunc = func() error {
		reinitCalls++
		ft.ready = true
		return nil
	}

	if !f.checkForCommands(context.Background(), false) {
		t.Fatalf("checkForCommands returned false on the first poll")
	}
	if len(ft.sent) != 1 {
		t.Fatalf("sent %d, want 1 Heartbeats POST", len(ft.sent))
	}

	// Drive the client transaction to Timeout by advancing past every
	// retransmit deadline (coappeer.AckTimeout * 2^MaxRetransmit, plus
	// jitter headroom), firing coappeer's package-level retransmit tick at
	// each step exactly as cmd/breakoutsim's Spin loop would.
	for i := 0; i < 5; i++ {
		clock.Advance(100 * time.Second)
		coappeer.TriggerPeriodicRetransmit()
	}

	if reinitCalls != 1 {
		t.Fatalf("reinitCalls = %d, want exactly 1 (one retry after the first timeout)", reinitCalls)
	}
	// The retry's own Heartbeats POST, plus whatever retransmits of the
	// first POST landed before the timeout fired, must all be present;
	// in particular there must be more than the original single send.
	if len(ft.sent) <= 1 {
		t.Fatalf("sent %d after timeout+retry, want more than the original 1", len(ft.sent))
	}
}

// TestTransportRecoveryAfterReinitInterval covers spec.md §8 scenario 5: a
// transport that lingers in RegisteredNotConnected (registered, but
// !coapReady) past ReinitConnectionInterval gets an automatic reinitialize
// attempt from checkForCommands, recovering to RegisteredAndConnected.
// Grounded on the same threshold check as
// _examples/original_source/src/BreakoutSDK/Breakout.cpp's checkForCommands
// (CONNECTION_STATUS_REGISTERED_NOT_CONNECTED + elapsed >=
// BREAKOUT_REINIT_CONNECTION_INTERVAL).
func TestTransportRecoveryAfterReinitInterval(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	ft := &fakeTransport{ready: true}
	f := newTestFacade(t, clock, ft)

	// The transport drops without the façade proactively reinitializing
	// (e.g. a DTLS fatal alert fired setCoAPReady(false)): registered, but
	// no longer connected.
	f.setCoAPReady(false)
	if got := f.GetConnectionStatus(); got != StatusRegisteredNotConnected {
		t.Fatalf("status = %v, want RegisteredNotConnected after the transport drops", got)
	}

	reinitCalls := 0
	ft.reinitFunc = func() error {
		reinitCalls++
		ft.ready = true
		return nil
	}

	// Not yet past ReinitConnectionInterval: no reinitialize attempt.
	clock.Advance(ReinitConnectionInterval - time.Second)
	f.checkForCommands(context.Background(), false)
	if reinitCalls != 0 {
		t.Fatalf("reinitCalls = %d before the interval elapsed, want 0", reinitCalls)
	}

	// Past the interval: checkForCommands must reinitialize and recover.
	clock.Advance(2 * time.Second)
	if !f.checkForCommands(context.Background(), false) {
		t.Fatalf("checkForCommands returned false after recovery")
	}
	if reinitCalls != 1 {
		t.Fatalf("reinitCalls = %d, want exactly 1", reinitCalls)
	}
	if got := f.GetConnectionStatus(); got != StatusRegisteredAndConnected {
		t.Fatalf("status = %v, want RegisteredAndConnected after reinitialize", got)
	}
	if len(ft.sent) != 1 {
		t.Fatalf("sent %d, want 1 Heartbeats POST after recovery", len(ft.sent))
	}
}

// TestOversizedCommandRejectedWithoutSending covers spec.md §8 scenario 6:
// a payload over maxCommandPayload bytes is rejected before touching the
// transport.
func TestOversizedCommandRejectedWithoutSending(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	ft := &fakeTransport{ready: true}
	f := newTestFacade(t, clock, ft)

	oversized := make([]byte, maxCommandPayload+1)
	for i := range oversized {
		oversized[i] = 'x'
	}
	if result := f.SendBinaryCommand(oversized); result != SendTooLong {
		t.Fatalf("SendBinaryCommand = %v, want SendTooLong", result)
	}
	if len(ft.sent) != 0 {
		t.Fatalf("sent %d datagrams for an oversized command, want 0", len(ft.sent))
	}
}

// TestGetConnectionStatusTracksEPSAndTransport covers spec.md §4.7's
// connection-status derivation table directly, independent of any CoAP
// traffic.
func TestGetConnectionStatusTracksEPSAndTransport(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	ft := &fakeTransport{ready: false}
	f := New(clock.Now)
	if err := f.SetTransportFactory(func(ctx context.Context) (coappeer.Transport, error) {
		return ft, nil
	}); err != nil {
		t.Fatalf("SetTransportFactory: %v", err)
	}
	if err := f.buildPeer(context.Background()); err != nil {
		t.Fatalf("buildPeer: %v", err)
	}
	t.Cleanup(f.peer.Close)

	if got := f.GetConnectionStatus(); got != StatusOffline {
		t.Fatalf("status = %v, want Offline before any registration", got)
	}

	f.epsRegistered = true
	if got := f.GetConnectionStatus(); got != StatusRegisteredNotConnected {
		t.Fatalf("status = %v, want RegisteredNotConnected", got)
	}

	f.setCoAPReady(true)
	if got := f.GetConnectionStatus(); got != StatusRegisteredAndConnected {
		t.Fatalf("status = %v, want RegisteredAndConnected", got)
	}

	f.epsRegistered = false
	f.epsDenied = true
	if got := f.GetConnectionStatus(); got != StatusNetworkRegistrationDenied {
		t.Fatalf("status = %v, want NetworkRegistrationDenied", got)
	}
}

// TestSendCommandFailsWhenNotConnected covers the "no peer / not connected"
// branch of sendCommand: a command can't be sent before the façade reaches
// RegisteredAndConnected.
func TestSendCommandFailsWhenNotConnected(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	ft := &fakeTransport{ready: false}
	f := New(clock.Now)
	if err := f.SetTransportFactory(func(ctx context.Context) (coappeer.Transport, error) {
		return ft, nil
	}); err != nil {
		t.Fatalf("SetTransportFactory: %v", err)
	}
	if err := f.buildPeer(context.Background()); err != nil {
		t.Fatalf("buildPeer: %v", err)
	}
	t.Cleanup(f.peer.Close)

	if result := f.SendTextCommand("hi"); result != SendError {
		t.Fatalf("SendTextCommand = %v, want SendError while not connected", result)
	}
	if len(ft.sent) != 0 {
		t.Fatalf("sent %d while not connected, want 0", len(ft.sent))
	}
}
